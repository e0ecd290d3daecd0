package portfolio

import (
	"testing"
	"time"

	"zerg-trader/internal/signal"
)

func waitForRebalance(t *testing.T, m *Manager, runID string) RebalanceReport {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		report, err := m.RebalanceStatus(runID)
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if report.Done {
			return report
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("rebalance %s did not finish in time", runID)
	return RebalanceReport{}
}

func TestRebalanceMovesWeightsIntoBand(t *testing.T) {
	m := newTestManager()
	m.UpdateMarketPrices(map[string]float64{"AAPL": 100, "MSFT": 200})

	runID, err := m.BeginRebalance(map[string]float64{"AAPL": 0.05, "MSFT": 0.04})
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	report := waitForRebalance(t, m, runID)

	if len(report.Executed) != 2 {
		t.Fatalf("expected both symbols executed, got %+v", report)
	}
	if len(report.Failures) != 0 {
		t.Fatalf("unexpected failures: %+v", report.Failures)
	}

	p := m.Portfolio()
	for sym, want := range map[string]float64{"AAPL": 0.05, "MSFT": 0.04} {
		pos := p.Positions[sym]
		if pos == nil {
			t.Fatalf("expected position in %s", sym)
		}
		weight := pos.MarketValue() / p.TotalValue
		if diff := weight - want; diff > 0.02 || diff < -0.02 {
			t.Errorf("%s weight %f outside tolerance of target %f", sym, weight, want)
		}
	}
	assertValueIdentity(t, m)
}

func TestRebalanceSkipsWithinTolerance(t *testing.T) {
	m := newTestManager()
	m.UpdateMarketPrices(map[string]float64{"AAPL": 100})

	buy := &Trade{ID: "t1", Symbol: "AAPL", Action: signal.ActionBuy, Quantity: 50, Price: 100, Status: StatusPending}
	if err := m.ExecuteTrade(buy); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	// 当前约 5%，目标 5% 在容差带内。
	runID, err := m.BeginRebalance(map[string]float64{"AAPL": 0.05})
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	report := waitForRebalance(t, m, runID)

	if len(report.Skipped) != 1 || len(report.Executed) != 0 {
		t.Fatalf("expected an in-band skip, got %+v", report)
	}
}

func TestRebalancePerSymbolFailureIsolation(t *testing.T) {
	m := newTestManager()
	// AAPL 有市价，GOOG 没有。
	m.UpdateMarketPrices(map[string]float64{"AAPL": 100})

	runID, err := m.BeginRebalance(map[string]float64{"AAPL": 0.05, "GOOG": 0.05})
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	report := waitForRebalance(t, m, runID)

	if len(report.Executed) != 1 || report.Executed[0] != "AAPL" {
		t.Fatalf("expected AAPL executed despite sibling failure, got %+v", report)
	}
	if _, ok := report.Failures["GOOG"]; !ok {
		t.Fatalf("expected GOOG failure recorded, got %+v", report.Failures)
	}
}

func TestRebalanceCancellation(t *testing.T) {
	m := newTestManager()

	// 直接以取消状态驱动运行：不派发任何交易，也不回滚。
	run := &rebalanceRun{
		report: RebalanceReport{
			RunID:     "run-cancelled",
			Failures:  make(map[string]string),
			StartedAt: time.Now().UTC(),
		},
		targets:   map[string]float64{"AAPL": 0.05},
		cancelled: true,
	}
	m.mu.Lock()
	m.rebalances[run.report.RunID] = run
	m.mu.Unlock()

	m.runRebalance(run)

	report, err := m.RebalanceStatus("run-cancelled")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !report.Done || !report.Cancelled {
		t.Fatalf("expected done+cancelled, got %+v", report)
	}
	if len(report.Executed) != 0 {
		t.Fatalf("cancelled run must not execute trades, got %+v", report.Executed)
	}

	if err := m.CancelRebalance("run-cancelled"); err != nil {
		t.Fatalf("cancelling a finished run must be a no-op, got %v", err)
	}
	if err := m.CancelRebalance("missing"); err == nil {
		t.Fatalf("expected error for unknown run id")
	}
}

func TestRebalanceRejectsBadWeights(t *testing.T) {
	m := newTestManager()
	if _, err := m.BeginRebalance(nil); err == nil {
		t.Fatalf("expected error for empty targets")
	}
	if _, err := m.BeginRebalance(map[string]float64{"AAPL": 1.2}); err == nil {
		t.Fatalf("expected error for weight above 1")
	}
	if _, err := m.BeginRebalance(map[string]float64{"AAPL": 0.7, "MSFT": 0.6}); err == nil {
		t.Fatalf("expected error for weights summing above 1")
	}
}
