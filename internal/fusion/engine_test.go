package fusion

import (
	"sync"
	"testing"
	"time"

	"zerg-trader/internal/signal"
)

type captureEmitter struct {
	mu      sync.Mutex
	signals []signal.Signal
}

func (c *captureEmitter) emit(sig signal.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, sig)
}

func (c *captureEmitter) all() []signal.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signal.Signal, len(c.signals))
	copy(out, c.signals)
	return out
}

func newTestEngine() (*Engine, *captureEmitter) {
	sink := &captureEmitter{}
	tracker := seededTracker(time.Now().UTC())
	engine := NewEngine(testFusionConfig(), tracker, sink.emit, nil)
	return engine, sink
}

func TestEngineBelowMinimumNoEmission(t *testing.T) {
	engine, sink := newTestEngine()

	if err := engine.Submit(signal.New("agent-a", "AAPL", signal.ActionBuy, 0.8, 0.7, "")); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if got := sink.all(); len(got) != 0 {
		t.Fatalf("single signal must not trigger fusion, got %d emissions", len(got))
	}
	if engine.BufferLen("AAPL") != 1 {
		t.Fatalf("expected buffered signal, got %d", engine.BufferLen("AAPL"))
	}
}

func TestEngineFusesOnThresholdAndConsumesBuffer(t *testing.T) {
	engine, sink := newTestEngine()

	_ = engine.Submit(signal.New("agent-a", "AAPL", signal.ActionBuy, 0.8, 0.7, ""))
	_ = engine.Submit(signal.New("agent-b", "AAPL", signal.ActionBuy, 0.75, 0.6, ""))

	emitted := sink.all()
	if len(emitted) == 0 {
		t.Fatalf("expected fusion to emit when the buffer reaches the minimum count")
	}
	for _, sig := range emitted {
		if sig.Symbol != "AAPL" || sig.Action != signal.ActionBuy {
			t.Errorf("unexpected emission %+v", sig)
		}
		if sig.Metadata["method"] == nil {
			t.Errorf("emission must carry method provenance")
		}
		if len(sig.Contributors()) == 0 {
			t.Errorf("emission must carry contributors")
		}
	}

	// 融合消费缓冲：再次提交单条信号不应立即触发。
	if engine.BufferLen("AAPL") != 0 {
		t.Fatalf("buffer must be consumed after fusion, got %d", engine.BufferLen("AAPL"))
	}
}

func TestEngineAllHoldNoEmission(t *testing.T) {
	engine, sink := newTestEngine()

	_ = engine.Submit(signal.New("agent-a", "AAPL", signal.ActionHold, 0.9, 0.9, ""))
	_ = engine.Submit(signal.New("agent-b", "AAPL", signal.ActionHold, 0.9, 0.9, ""))

	if got := sink.all(); len(got) != 0 {
		t.Fatalf("all-HOLD buffer must emit nothing, got %d", len(got))
	}
}

func TestEngineDropsExpiredSilently(t *testing.T) {
	engine, sink := newTestEngine()

	stale := signal.New("agent-a", "AAPL", signal.ActionBuy, 0.8, 0.7, "")
	stale.Timestamp = time.Now().UTC().Add(-10 * time.Minute)

	if err := engine.Submit(stale); err != nil {
		t.Fatalf("expired signal must be dropped silently, got error: %v", err)
	}
	if engine.BufferLen("AAPL") != 0 {
		t.Fatalf("expired signal must not be buffered")
	}
	if len(sink.all()) != 0 {
		t.Fatalf("expired signal must not trigger emission")
	}
}

func TestEngineRejectsInvalidSignal(t *testing.T) {
	engine, _ := newTestEngine()

	bad := signal.New("agent-a", "AAPL", signal.ActionBuy, 1.4, 0.7, "")
	if err := engine.Submit(bad); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestEngineSweepFusesPending(t *testing.T) {
	sink := &captureEmitter{}
	cfg := testFusionConfig()
	cfg.MinSignals = 3
	engine := NewEngine(cfg, seededTracker(time.Now().UTC()), sink.emit, nil)

	_ = engine.Submit(signal.New("agent-a", "AAPL", signal.ActionBuy, 0.8, 0.7, ""))
	_ = engine.Submit(signal.New("agent-b", "AAPL", signal.ActionBuy, 0.75, 0.6, ""))
	_ = engine.Submit(signal.New("agent-c", "AAPL", signal.ActionBuy, 0.7, 0.6, ""))

	// MinSignals=3 时第三条提交已触发；清空后补两条再靠 Sweep 判定。
	sink.mu.Lock()
	sink.signals = nil
	sink.mu.Unlock()

	_ = engine.Submit(signal.New("agent-a", "MSFT", signal.ActionSell, 0.8, 0.7, ""))
	_ = engine.Submit(signal.New("agent-b", "MSFT", signal.ActionSell, 0.75, 0.6, ""))
	engine.Sweep()
	if len(sink.all()) != 0 {
		t.Fatalf("sweep must not fuse below the minimum count")
	}

	_ = engine.Submit(signal.New("agent-c", "MSFT", signal.ActionSell, 0.7, 0.6, ""))
	if len(sink.all()) == 0 {
		t.Fatalf("expected fusion once the minimum count is reached")
	}
}

func TestEngineFeedbackUpdatesPerformance(t *testing.T) {
	engine, sink := newTestEngine()

	_ = engine.Submit(signal.New("agent-a", "AAPL", signal.ActionBuy, 0.8, 0.7, ""))
	_ = engine.Submit(signal.New("agent-b", "AAPL", signal.ActionBuy, 0.75, 0.6, ""))

	emitted := sink.all()
	if len(emitted) == 0 {
		t.Fatalf("expected emissions to report against")
	}

	ids := make([]string, 0, len(emitted))
	for _, sig := range emitted {
		ids = append(ids, sig.ID)
	}

	before := engine.Tracker().Lookup("agent-a")
	engine.ReportOutcome(ids, false, -0.03)
	after := engine.Tracker().Lookup("agent-a")

	if after.TotalSignals != before.TotalSignals+1 {
		t.Fatalf("expected outcome to increment total signals: %d vs %d", after.TotalSignals, before.TotalSignals)
	}
	if after.Accuracy >= before.Accuracy {
		t.Errorf("losing outcome should lower accuracy: %f vs %f", after.Accuracy, before.Accuracy)
	}
	if after.AverageReturn >= before.AverageReturn {
		t.Errorf("negative return should drag the running average: %f vs %f", after.AverageReturn, before.AverageReturn)
	}
}

func TestTrackerOutcomeMath(t *testing.T) {
	tracker := NewPerformanceTracker()

	tracker.RecordOutcome("agent-x", true, 0.10)
	tracker.RecordOutcome("agent-x", false, -0.05)

	perf := tracker.Lookup("agent-x")
	if perf.TotalSignals != 2 || perf.SuccessfulSignals != 1 {
		t.Fatalf("unexpected counters: %+v", perf)
	}
	if perf.Accuracy != 0.5 {
		t.Errorf("expected accuracy 0.5, got %f", perf.Accuracy)
	}
	if diff := perf.AverageReturn - 0.025; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected running average 0.025, got %f", perf.AverageReturn)
	}
}
