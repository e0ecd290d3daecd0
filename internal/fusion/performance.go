package fusion

import (
	"math"
	"sort"
	"sync"
	"time"
)

// 每个代理保留的收益样本上限，用于简化 Sharpe 估算。
const maxReturnSamples = 100

// AgentPerformance 记录单个代理的历史表现，随成交结果增量更新。
type AgentPerformance struct {
	AgentID           string    `json:"agent_id"`
	Accuracy          float64   `json:"accuracy"`
	TotalSignals      int       `json:"total_signals"`
	SuccessfulSignals int       `json:"successful_signals"`
	AverageReturn     float64   `json:"average_return"`
	SharpeRatio       float64   `json:"sharpe_ratio"`
	LastUpdated       time.Time `json:"last_updated"`
}

// PerformanceTracker 维护全部代理的表现表。表现差的代理只会被降权，
// 不会被移除。
type PerformanceTracker struct {
	mu      sync.RWMutex
	agents  map[string]*AgentPerformance
	returns map[string][]float64
}

// NewPerformanceTracker 创建表现跟踪器。
func NewPerformanceTracker() *PerformanceTracker {
	return &PerformanceTracker{
		agents:  make(map[string]*AgentPerformance),
		returns: make(map[string][]float64),
	}
}

// Lookup 返回代理表现；未知代理返回中性默认值。
func (t *PerformanceTracker) Lookup(agentID string) AgentPerformance {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if perf, ok := t.agents[agentID]; ok {
		return *perf
	}
	return AgentPerformance{AgentID: agentID, Accuracy: 0.5}
}

// Seed 覆盖写入一条表现记录，用于引导或测试。
func (t *PerformanceTracker) Seed(perf AgentPerformance) {
	t.mu.Lock()
	defer t.mu.Unlock()

	copied := perf
	t.agents[perf.AgentID] = &copied
}

// RecordOutcome 根据一次成交结果更新代理表现。
func (t *PerformanceTracker) RecordOutcome(agentID string, win bool, returnPct float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	perf, ok := t.agents[agentID]
	if !ok {
		perf = &AgentPerformance{AgentID: agentID, Accuracy: 0.5}
		t.agents[agentID] = perf
	}

	perf.TotalSignals++
	if win {
		perf.SuccessfulSignals++
	}
	perf.Accuracy = float64(perf.SuccessfulSignals) / float64(perf.TotalSignals)
	perf.AverageReturn += (returnPct - perf.AverageReturn) / float64(perf.TotalSignals)

	samples := append(t.returns[agentID], returnPct)
	if len(samples) > maxReturnSamples {
		samples = samples[len(samples)-maxReturnSamples:]
	}
	t.returns[agentID] = samples

	perf.SharpeRatio = simplifiedSharpe(samples)
	perf.LastUpdated = time.Now().UTC()
}

// Snapshot 返回按 ID 排序的表现快照。
func (t *PerformanceTracker) Snapshot() []AgentPerformance {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]AgentPerformance, 0, len(t.agents))
	for _, perf := range t.agents {
		out = append(out, *perf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// simplifiedSharpe 用收益样本的均值/标准差近似 Sharpe。
func simplifiedSharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(returns) - 1)

	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std
}
