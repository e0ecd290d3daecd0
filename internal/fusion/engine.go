package fusion

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"zerg-trader/internal/config"
	"zerg-trader/internal/signal"
)

// 保留的产出信号溯源条目上限。
const maxProvenanceEntries = 1024

// 产出信号的发出方标识。
const engineAgentID = "fusion-engine"

// Emitter 消费融合引擎产出的共识信号。
type Emitter func(signal.Signal)

// Engine 按标的累积原始信号，达到最小数量后运行四种融合方法，
// 并产出带完整溯源的共识信号。缓冲与表现表只由引擎自身写入。
type Engine struct {
	cfg     config.FusionConfig
	tracker *PerformanceTracker
	emit    Emitter
	logger  *zap.Logger

	mu         sync.Mutex
	buffers    map[string][]signal.Signal
	provenance map[string][]string
	provOrder  []string
}

// NewEngine 创建融合引擎。
func NewEngine(cfg config.FusionConfig, tracker *PerformanceTracker, emit Emitter, logger *zap.Logger) *Engine {
	if tracker == nil {
		tracker = NewPerformanceTracker()
	}
	if emit == nil {
		emit = func(signal.Signal) {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinSignals < 1 {
		cfg.MinSignals = 2
	}
	if cfg.SignalExpiry <= 0 {
		cfg.SignalExpiry = 5 * time.Minute
	}

	return &Engine{
		cfg:        cfg,
		tracker:    tracker,
		emit:       emit,
		logger:     logger,
		buffers:    make(map[string][]signal.Signal),
		provenance: make(map[string][]string),
	}
}

// Tracker 返回表现跟踪器。
func (e *Engine) Tracker() *PerformanceTracker {
	return e.tracker
}

// Submit 接收一条原始信号：插入缓冲并剔除过期项，
// 缓冲达到最小数量时立刻尝试融合。融合产出在锁外送出。
func (e *Engine) Submit(sig signal.Signal) error {
	if err := sig.Validate(); err != nil {
		return fmt.Errorf("fusion: 信号非法: %w", err)
	}

	now := time.Now().UTC()
	if sig.Expired(now, e.cfg.SignalExpiry) {
		// 过期信号静默丢弃。
		return nil
	}

	e.mu.Lock()
	buf := append(e.buffers[sig.Symbol], sig)
	buf = pruneExpired(buf, now, e.cfg.SignalExpiry)
	e.buffers[sig.Symbol] = buf

	var fused []signal.Signal
	if len(buf) >= e.cfg.MinSignals {
		fused = e.fuseLocked(sig.Symbol, now)
	}
	e.mu.Unlock()

	for _, out := range fused {
		e.emit(out)
	}
	return nil
}

// Sweep 周期性扫描全部缓冲：剔除过期信号并对达到最小数量的
// 标的执行融合。与事件驱动路径互不依赖。
func (e *Engine) Sweep() {
	now := time.Now().UTC()

	e.mu.Lock()
	symbols := make([]string, 0, len(e.buffers))
	for symbol := range e.buffers {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var fused []signal.Signal
	for _, symbol := range symbols {
		buf := pruneExpired(e.buffers[symbol], now, e.cfg.SignalExpiry)
		if len(buf) == 0 {
			delete(e.buffers, symbol)
			continue
		}
		e.buffers[symbol] = buf
		if len(buf) >= e.cfg.MinSignals {
			fused = append(fused, e.fuseLocked(symbol, now)...)
		}
	}
	e.mu.Unlock()

	for _, out := range fused {
		e.emit(out)
	}
}

// BufferLen 返回某标的当前缓冲长度。
func (e *Engine) BufferLen(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffers[symbol])
}

// fuseLocked 在持锁状态下对单个标的执行全部融合方法，
// 消费并清空该标的缓冲。无可用结果时不产出也不报错。
func (e *Engine) fuseLocked(symbol string, now time.Time) []signal.Signal {
	signals := e.buffers[symbol]
	delete(e.buffers, symbol)
	if len(signals) == 0 {
		return nil
	}

	lookup := e.tracker.Lookup

	base := make([]methodResult, 0, 3)
	if res, ok := fuseWeighted(signals, lookup, e.cfg, now); ok {
		base = append(base, res)
	}
	if res, ok := fuseVoting(signals, lookup, e.cfg); ok {
		base = append(base, res)
	}
	if res, ok := fuseML(signals, lookup, e.cfg, now); ok {
		base = append(base, res)
	}

	results := make([]methodResult, 0, 4)
	results = append(results, base...)
	if meta, ok := fuseMeta(base, e.cfg); ok {
		results = append(results, meta)
	}
	if len(results) == 0 {
		return nil
	}

	out := make([]signal.Signal, 0, len(results))
	for _, res := range results {
		fusedSig := e.buildSignal(symbol, res, now)
		e.rememberProvenance(fusedSig.ID, res.contributors)
		out = append(out, fusedSig)

		e.logger.Info("产出共识信号",
			zap.String("symbol", symbol),
			zap.String("method", res.method),
			zap.String("action", string(res.action)),
			zap.Float64("confidence", res.confidence),
		)
	}
	return out
}

func (e *Engine) buildSignal(symbol string, res methodResult, now time.Time) signal.Signal {
	var agreeing []string
	if res.method == MethodMeta {
		for m := range res.scores {
			if m == MethodWeighted || m == MethodVoting || m == MethodML {
				agreeing = append(agreeing, m)
			}
		}
		sort.Strings(agreeing)
	}

	return signal.Signal{
		ID:         uuid.NewString(),
		AgentID:    engineAgentID,
		Symbol:     symbol,
		Action:     res.action,
		Confidence: res.confidence,
		Strength:   res.strength,
		Timestamp:  now,
		Reasoning:  fmt.Sprintf("consensus of %d agents via %s", len(res.contributors), res.method),
		Metadata:   res.metadata(agreeing),
	}
}

// rememberProvenance 记录产出信号对应的贡献代理，容量有限，FIFO 淘汰。
func (e *Engine) rememberProvenance(fusedID string, contributors []string) {
	e.provenance[fusedID] = contributors
	e.provOrder = append(e.provOrder, fusedID)
	for len(e.provOrder) > maxProvenanceEntries {
		oldest := e.provOrder[0]
		e.provOrder = e.provOrder[1:]
		delete(e.provenance, oldest)
	}
}

// ReportOutcome 回报一次成交结果：按产出信号 ID 找回贡献代理，
// 逐个更新其表现，从而影响后续权重。
func (e *Engine) ReportOutcome(fusedSignalIDs []string, win bool, returnPct float64) {
	e.mu.Lock()
	contributorSet := make(map[string]struct{})
	for _, id := range fusedSignalIDs {
		for _, agentID := range e.provenance[id] {
			contributorSet[agentID] = struct{}{}
		}
	}
	e.mu.Unlock()

	ids := make([]string, 0, len(contributorSet))
	for id := range contributorSet {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, agentID := range ids {
		e.tracker.RecordOutcome(agentID, win, returnPct)
	}
}

func pruneExpired(signals []signal.Signal, now time.Time, ttl time.Duration) []signal.Signal {
	out := signals[:0]
	for _, sig := range signals {
		if sig.Expired(now, ttl) {
			continue
		}
		out = append(out, sig)
	}
	return out
}
