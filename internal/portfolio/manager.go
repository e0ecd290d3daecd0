package portfolio

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"zerg-trader/internal/config"
	"zerg-trader/internal/event"
	"zerg-trader/internal/risk"
	"zerg-trader/internal/signal"
)

// 绩效用的合成净值序列长度上限。
const valueSeriesLimit = 252

// Manager 为组合状态的唯一写入方：按信号建单、执行成交、
// 盯市刷新并向风控回推快照。
type Manager struct {
	mu       sync.RWMutex
	cfg      config.PortfolioConfig
	risk     *risk.Manager
	notifier *event.Notifier
	logger   *zap.Logger

	portfolio     Portfolio
	trades        []Trade
	prices        map[string]float64
	dayStartValue float64
	valueSeries   []float64
	performance   Performance

	rebalances map[string]*rebalanceRun

	evalHook EvaluationHook
}

// EvaluationHook 在每次风控评估完成后回调，供审计入册使用。
type EvaluationHook func(sig signal.Signal, eval risk.Evaluation)

// NewManager 创建组合管理器，初始组合为全现金。
func NewManager(cfg config.PortfolioConfig, riskMgr *risk.Manager, notifier *event.Notifier, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now().UTC()
	return &Manager{
		cfg:      cfg,
		risk:     riskMgr,
		notifier: notifier,
		logger:   logger,
		portfolio: Portfolio{
			ID:         uuid.NewString(),
			Cash:       cfg.InitialCash,
			Positions:  make(map[string]*Position),
			TotalValue: cfg.InitialCash,
			Timestamp:  now,
		},
		prices:        make(map[string]float64),
		dayStartValue: cfg.InitialCash,
		valueSeries:   []float64{cfg.InitialCash},
		rebalances:    make(map[string]*rebalanceRun),
	}
}

// Portfolio 返回组合深拷贝。
func (m *Manager) Portfolio() Portfolio {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.portfolio.Clone()
}

// Snapshot 返回风控视角的组合快照。
func (m *Manager) Snapshot() risk.PortfolioSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.portfolio.snapshotView()
}

// Trades 返回最近 limit 条交易记录，limit<=0 返回全部。
func (m *Manager) Trades(limit int) []Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.trades)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Trade, 0, n)
	for i := len(m.trades) - n; i < len(m.trades); i++ {
		out = append(out, m.trades[i])
	}
	return out
}

// SetEvaluationHook 注册风控评估回调，传入 nil 可清除。
func (m *Manager) SetEvaluationHook(hook EvaluationHook) {
	m.mu.Lock()
	m.evalHook = hook
	m.mu.Unlock()
}

// Performance 返回最近一次计算的绩效指标。
func (m *Manager) Performance() Performance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.performance
}

// ProcessSignal 把一条融合信号转化为候选交易。
// HOLD 不产生交易；风控或规模校验不通过时返回 REJECTED 交易，
// 拒绝是结论不是错误。
func (m *Manager) ProcessSignal(sig signal.Signal) (*Trade, error) {
	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("portfolio: 非法信号: %w", err)
	}
	if sig.Action == signal.ActionHold {
		return nil, nil
	}

	m.mu.Lock()
	trade, eval := m.processSignalLocked(sig)
	hook := m.evalHook
	m.mu.Unlock()

	if hook != nil && eval != nil {
		hook(sig, *eval)
	}
	return trade, nil
}

func (m *Manager) processSignalLocked(sig signal.Signal) (*Trade, *risk.Evaluation) {
	price := m.priceOfLocked(sig.Symbol)
	if price <= 0 {
		return m.rejectLocked(sig, 0, 0, "no market price"), nil
	}

	eval := m.risk.EvaluateSignal(risk.EvaluationInput{
		Signal:      sig,
		Snapshot:    m.portfolio.snapshotView(),
		MarketPrice: price,
	})
	if !eval.Approved {
		return m.rejectLocked(sig, 0, price, eval.Reason), &eval
	}

	var quantity float64
	switch sig.Action {
	case signal.ActionBuy:
		quantity = eval.Quantity
		// 可用现金上限 95%。
		if maxAffordable := 0.95 * m.portfolio.Cash / price; quantity > maxAffordable {
			quantity = maxAffordable
		}
	case signal.ActionSell:
		pos, ok := m.portfolio.Positions[sig.Symbol]
		if !ok || pos.Quantity <= 0 {
			return m.rejectLocked(sig, 0, price, "no position to sell"), &eval
		}
		quantity = pos.Quantity
	}

	if quantity*price < m.cfg.MinNotional {
		return m.rejectLocked(sig, quantity, price, "below minimum notional"), &eval
	}

	trade := &Trade{
		ID:        uuid.NewString(),
		Symbol:    sig.Symbol,
		Action:    sig.Action,
		Quantity:  quantity,
		Price:     price,
		Timestamp: time.Now().UTC(),
		Status:    StatusPending,
		SignalIDs: []string{sig.ID},
		Metadata: map[string]interface{}{
			"risk_score":        eval.RiskScore,
			"kelly_fraction":    eval.KellyFraction,
			"position_fraction": eval.PositionFraction,
		},
	}

	check := m.risk.EvaluateTrade(risk.OrderIntent{
		Symbol:   trade.Symbol,
		Side:     trade.Action,
		Quantity: trade.Quantity,
		Price:    trade.Price,
	}, m.portfolio.snapshotView())
	if !check.Approved {
		trade.Status = StatusRejected
		trade.Metadata["reason"] = check.Reason
		m.trades = append(m.trades, *trade)
		return trade, &eval
	}
	trade.Metadata["stop_loss"] = check.StopLoss
	trade.Metadata["take_profit"] = check.TakeProfit

	return trade, &eval
}

// ExecuteTrade 执行一笔 PENDING 交易并原子改写组合。
// 成交成本 = 固定佣金 + (点差+滑点)×名义金额。
func (m *Manager) ExecuteTrade(trade *Trade) error {
	if trade == nil {
		return fmt.Errorf("portfolio: trade 不能为空")
	}
	if trade.Status != StatusPending {
		return fmt.Errorf("portfolio: 交易 %s 状态为 %s，无法执行", trade.ID, trade.Status)
	}

	m.mu.Lock()
	err := m.executeLocked(trade)
	snap := m.portfolio.snapshotView()
	m.mu.Unlock()

	// 锁外回推快照，避免风控回调再进入本锁。
	if err == nil {
		if m.notifier != nil {
			m.notifier.PublishTrade(*trade)
		}
		m.risk.UpdatePortfolio(snap)
	}
	return err
}

// executeLocked 持锁完成一次组合变更。失败时组合保持不变。
func (m *Manager) executeLocked(trade *Trade) error {
	notional := trade.Quantity * trade.Price
	cost := m.cfg.Commission + (m.cfg.SpreadPercent+m.cfg.SlippagePercent)*notional
	now := time.Now().UTC()

	switch trade.Action {
	case signal.ActionBuy:
		if m.portfolio.Cash < notional+cost {
			trade.Status = StatusRejected
			m.setReason(trade, "insufficient cash")
			m.trades = append(m.trades, *trade)
			return fmt.Errorf("portfolio: 现金不足: 需要 %.2f, 可用 %.2f", notional+cost, m.portfolio.Cash)
		}

		pos, ok := m.portfolio.Positions[trade.Symbol]
		if !ok {
			pos = &Position{Symbol: trade.Symbol}
			m.portfolio.Positions[trade.Symbol] = pos
		}
		// 加权平均入场价。
		totalQty := pos.Quantity + trade.Quantity
		pos.EntryPrice = (pos.EntryPrice*pos.Quantity + trade.Price*trade.Quantity) / totalQty
		pos.Quantity = totalQty
		pos.CurrentPrice = trade.Price
		pos.Timestamp = now
		m.portfolio.Cash -= notional + cost

	case signal.ActionSell:
		pos, ok := m.portfolio.Positions[trade.Symbol]
		if !ok || pos.Quantity < trade.Quantity {
			trade.Status = StatusRejected
			m.setReason(trade, "no position to sell")
			m.trades = append(m.trades, *trade)
			return fmt.Errorf("portfolio: 持仓不足: %s", trade.Symbol)
		}

		realized := (trade.Price - pos.EntryPrice) * trade.Quantity
		pos.RealizedPnL += realized
		pos.Quantity -= trade.Quantity
		pos.CurrentPrice = trade.Price
		pos.Timestamp = now
		m.portfolio.Cash += notional - cost
		trade.Metadata = ensureMetadata(trade.Metadata)
		trade.Metadata["realized_pnl"] = realized
		if pos.Quantity <= 1e-9 {
			delete(m.portfolio.Positions, trade.Symbol)
		}

	default:
		return fmt.Errorf("portfolio: 不支持的交易方向: %s", trade.Action)
	}

	m.prices[trade.Symbol] = trade.Price
	trade.Status = StatusFilled
	trade.Timestamp = now
	trade.Metadata = ensureMetadata(trade.Metadata)
	trade.Metadata["cost"] = cost
	m.trades = append(m.trades, *trade)

	m.recomputeLocked(now)
	m.logger.Info("交易已成交",
		zap.String("trade_id", trade.ID),
		zap.String("symbol", trade.Symbol),
		zap.String("action", string(trade.Action)),
		zap.Float64("quantity", trade.Quantity),
		zap.Float64("price", trade.Price),
		zap.Float64("cost", cost),
	)
	return nil
}

// UpdateMarketPrices 按最新行情盯市并刷新绩效。
func (m *Manager) UpdateMarketPrices(prices map[string]float64) {
	m.mu.Lock()
	now := time.Now().UTC()
	for sym, price := range prices {
		if price <= 0 {
			continue
		}
		m.prices[sym] = price
		if pos, ok := m.portfolio.Positions[sym]; ok {
			pos.CurrentPrice = price
			pos.Timestamp = now
		}
	}
	m.recomputeLocked(now)

	m.valueSeries = append(m.valueSeries, m.portfolio.TotalValue)
	if len(m.valueSeries) > valueSeriesLimit {
		m.valueSeries = m.valueSeries[len(m.valueSeries)-valueSeriesLimit:]
	}
	m.performance = computePerformance(m.cfg.InitialCash, m.valueSeries, m.trades, now)

	view := m.portfolio.Clone()
	snap := m.portfolio.snapshotView()
	m.mu.Unlock()

	if m.notifier != nil {
		m.notifier.PublishPortfolio(view)
	}
	m.risk.UpdatePortfolio(snap)
}

// HandleStopLoss 响应风控止损通知：立即全量市价卖出，绕过常规闸门。
func (m *Manager) HandleStopLoss(notice event.StopLossNotice) error {
	m.mu.Lock()
	pos, ok := m.portfolio.Positions[notice.Symbol]
	if !ok || pos.Quantity <= 0 {
		m.mu.Unlock()
		return nil
	}

	price := notice.Price
	if price <= 0 {
		price = pos.CurrentPrice
	}
	trade := &Trade{
		ID:        uuid.NewString(),
		Symbol:    notice.Symbol,
		Action:    signal.ActionSell,
		Quantity:  pos.Quantity,
		Price:     price,
		Timestamp: time.Now().UTC(),
		Status:    StatusPending,
		Metadata:  map[string]interface{}{"trigger": "stop_loss"},
	}
	err := m.executeLocked(trade)
	snap := m.portfolio.snapshotView()
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("portfolio: 止损平仓失败: %w", err)
	}
	m.logger.Warn("止损强制平仓",
		zap.String("symbol", notice.Symbol),
		zap.Float64("price", price),
	)
	if m.notifier != nil {
		m.notifier.PublishTrade(*trade)
	}
	m.risk.UpdatePortfolio(snap)
	return nil
}

// RollDay 在交易日切换时重置当日盈亏基准。
func (m *Manager) RollDay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dayStartValue = m.portfolio.TotalValue
	m.portfolio.DailyPnL = 0
}

// recomputeLocked 重算总值与盈亏。调用方必须持有写锁。
func (m *Manager) recomputeLocked(now time.Time) {
	total := m.portfolio.Cash
	for _, pos := range m.portfolio.Positions {
		pos.UnrealizedPnL = (pos.CurrentPrice - pos.EntryPrice) * pos.Quantity
		total += pos.MarketValue()
	}
	m.portfolio.TotalValue = total
	m.portfolio.DailyPnL = total - m.dayStartValue
	m.portfolio.TotalPnL = total - m.cfg.InitialCash
	m.portfolio.Timestamp = now
}

// priceOfLocked 返回标的最新已知价格，优先持仓盯市价。
func (m *Manager) priceOfLocked(symbol string) float64 {
	if pos, ok := m.portfolio.Positions[symbol]; ok && pos.CurrentPrice > 0 {
		return pos.CurrentPrice
	}
	return m.prices[symbol]
}

// rejectLocked 记录一笔被拒绝的候选交易。
func (m *Manager) rejectLocked(sig signal.Signal, quantity, price float64, reason string) *Trade {
	trade := &Trade{
		ID:        uuid.NewString(),
		Symbol:    sig.Symbol,
		Action:    sig.Action,
		Quantity:  quantity,
		Price:     price,
		Timestamp: time.Now().UTC(),
		Status:    StatusRejected,
		SignalIDs: []string{sig.ID},
		Metadata:  map[string]interface{}{"reason": reason},
	}
	m.trades = append(m.trades, *trade)
	m.logger.Info("信号被拒绝",
		zap.String("symbol", sig.Symbol),
		zap.String("action", string(sig.Action)),
		zap.String("reason", reason),
	)
	return trade
}

func (m *Manager) setReason(trade *Trade, reason string) {
	trade.Metadata = ensureMetadata(trade.Metadata)
	trade.Metadata["reason"] = reason
}

func ensureMetadata(meta map[string]interface{}) map[string]interface{} {
	if meta == nil {
		return make(map[string]interface{})
	}
	return meta
}
