package portfolio

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"zerg-trader/internal/signal"
)

// rebalanceRun 为一次再平衡运行的可取消状态。
type rebalanceRun struct {
	report    RebalanceReport
	targets   map[string]float64
	cancelled bool
}

// BeginRebalance 校验目标权重并异步执行再平衡，立即返回运行 ID。
// 取消只阻止后续下单，已成交部分不回滚。
func (m *Manager) BeginRebalance(targets map[string]float64) (string, error) {
	if len(targets) == 0 {
		return "", fmt.Errorf("portfolio: 目标权重不能为空")
	}
	sum := 0.0
	for sym, w := range targets {
		if w < 0 || w > 1 {
			return "", fmt.Errorf("portfolio: %s 权重非法: %f", sym, w)
		}
		sum += w
	}
	if sum > 1+1e-9 {
		return "", fmt.Errorf("portfolio: 权重合计 %.4f 超过 1", sum)
	}

	run := &rebalanceRun{
		report: RebalanceReport{
			RunID:     uuid.NewString(),
			Failures:  make(map[string]string),
			StartedAt: time.Now().UTC(),
		},
		targets: make(map[string]float64, len(targets)),
	}
	for sym, w := range targets {
		run.targets[sym] = w
	}

	m.mu.Lock()
	m.rebalances[run.report.RunID] = run
	m.mu.Unlock()

	go m.runRebalance(run)
	return run.report.RunID, nil
}

// CancelRebalance 取消一次进行中的再平衡。已完成的运行为无操作。
func (m *Manager) CancelRebalance(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.rebalances[runID]
	if !ok {
		return fmt.Errorf("portfolio: 再平衡运行不存在: %s", runID)
	}
	if run.report.Done {
		return nil
	}
	run.cancelled = true
	return nil
}

// RebalanceStatus 返回指定运行的结果摘要。
func (m *Manager) RebalanceStatus(runID string) (RebalanceReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.rebalances[runID]
	if !ok {
		return RebalanceReport{}, fmt.Errorf("portfolio: 再平衡运行不存在: %s", runID)
	}
	return cloneReport(run.report), nil
}

// runRebalance 逐标的把权重拉回容差带内。单笔失败不影响其余标的。
func (m *Manager) runRebalance(run *rebalanceRun) {
	symbols := m.rebalanceUniverse(run.targets)

	for _, sym := range symbols {
		trade, skipReason, err := m.planRebalanceTrade(run, sym)
		if err != nil {
			m.mu.Lock()
			run.report.Failures[sym] = err.Error()
			m.mu.Unlock()
			continue
		}
		if trade == nil {
			if skipReason == "cancelled" {
				break
			}
			m.mu.Lock()
			run.report.Skipped = append(run.report.Skipped, sym)
			m.mu.Unlock()
			continue
		}

		if err := m.ExecuteTrade(trade); err != nil {
			m.mu.Lock()
			run.report.Failures[sym] = err.Error()
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		run.report.Executed = append(run.report.Executed, sym)
		m.mu.Unlock()
	}

	m.mu.Lock()
	run.report.Done = true
	run.report.Cancelled = run.cancelled
	run.report.FinishedAt = time.Now().UTC()
	m.mu.Unlock()

	m.logger.Info("再平衡完成",
		zap.String("run_id", run.report.RunID),
		zap.Int("executed", len(run.report.Executed)),
		zap.Int("skipped", len(run.report.Skipped)),
		zap.Int("failed", len(run.report.Failures)),
		zap.Bool("cancelled", run.report.Cancelled),
	)
}

// rebalanceUniverse 返回目标与现有持仓的并集，排序保证执行顺序稳定。
func (m *Manager) rebalanceUniverse(targets map[string]float64) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for sym := range targets {
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	for sym := range m.portfolio.Positions {
		if _, ok := seen[sym]; !ok {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// planRebalanceTrade 计算单个标的的调仓单。
// 返回 (nil, reason, nil) 表示跳过；取消时 reason 为 "cancelled"。
func (m *Manager) planRebalanceTrade(run *rebalanceRun, symbol string) (*Trade, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.cancelled {
		return nil, "cancelled", nil
	}
	if m.portfolio.TotalValue <= 0 {
		return nil, "", fmt.Errorf("组合总值无效")
	}

	current := 0.0
	if pos, ok := m.portfolio.Positions[symbol]; ok {
		current = pos.MarketValue() / m.portfolio.TotalValue
	}
	target := run.targets[symbol]

	diff := target - current
	if math.Abs(diff) <= m.cfg.RebalanceTolerance {
		return nil, "within tolerance", nil
	}

	price := m.priceOfLocked(symbol)
	if price <= 0 {
		return nil, "", fmt.Errorf("缺少 %s 的市价", symbol)
	}

	tradeValue := math.Abs(diff) * m.portfolio.TotalValue
	if tradeValue < m.cfg.MinNotional {
		return nil, "below minimum notional", nil
	}

	quantity := tradeValue / price
	action := signal.ActionBuy
	if diff < 0 {
		action = signal.ActionSell
		if pos, ok := m.portfolio.Positions[symbol]; ok && quantity > pos.Quantity {
			quantity = pos.Quantity
		}
	}

	return &Trade{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Action:    action,
		Quantity:  quantity,
		Price:     price,
		Timestamp: time.Now().UTC(),
		Status:    StatusPending,
		Metadata: map[string]interface{}{
			"rebalance_run": run.report.RunID,
			"target_weight": target,
		},
	}, "", nil
}

func cloneReport(r RebalanceReport) RebalanceReport {
	out := r
	out.Executed = append([]string(nil), r.Executed...)
	out.Skipped = append([]string(nil), r.Skipped...)
	out.Failures = make(map[string]string, len(r.Failures))
	for k, v := range r.Failures {
		out.Failures[k] = v
	}
	return out
}
