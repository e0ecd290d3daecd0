package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"zerg-trader/internal/config"
	"zerg-trader/internal/event"
	"zerg-trader/internal/signal"
)

// 净值序列保留一年交易日长度。
const equityHistoryLimit = 252

// 凯利公式的默认参数，代理表现未知时使用。
const (
	defaultWinProbability = 0.55
	defaultPayoutRatio    = 1.5
	kellyCap              = 0.25
)

// Manager 维护风险约束、净值序列、派生指标与告警。
// 它只消费组合快照，从不改写组合本身。
type Manager struct {
	mu          sync.RWMutex
	cfg         config.RiskConfig
	constraints Constraints
	perf        PerformanceLookup
	notifier    *event.Notifier
	logger      *zap.Logger

	equity    []float64
	benchmark []float64
	metrics   Metrics
	alerts    []*Alert
	alertByID map[string]*Alert
	snapshot  PortfolioSnapshot
}

// NewManager 创建风险管理器。perf 可为 nil，此时凯利测算使用默认参数。
func NewManager(cfg config.RiskConfig, perf PerformanceLookup, notifier *event.Notifier, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg: cfg,
		constraints: Constraints{
			MaxPositionSize:  cfg.MaxPositionSize,
			MaxDailyLoss:     cfg.MaxDailyLoss,
			MaxDrawdown:      cfg.MaxDrawdown,
			MaxConcentration: cfg.MaxConcentration,
			MaxLeverage:      cfg.MaxLeverage,
			MinCashReserve:   cfg.MinCashReserve,
			StopLossPercent:  cfg.StopLossPercent,
		},
		perf:      perf,
		notifier:  notifier,
		logger:    logger,
		alertByID: make(map[string]*Alert),
	}
}

// Constraints 返回当前约束快照。
func (m *Manager) Constraints() Constraints {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.constraints
}

// UpdateConstraints 整体替换约束快照，只对下一次评估生效。
func (m *Manager) UpdateConstraints(c Constraints) error {
	if c.MaxPositionSize <= 0 || c.MaxPositionSize > 1 {
		return fmt.Errorf("risk: max_position_size 非法: %f", c.MaxPositionSize)
	}
	if c.MaxDailyLoss <= 0 || c.MaxDailyLoss > 1 {
		return fmt.Errorf("risk: max_daily_loss 非法: %f", c.MaxDailyLoss)
	}
	if c.MaxDrawdown <= 0 || c.MaxDrawdown > 1 {
		return fmt.Errorf("risk: max_drawdown 非法: %f", c.MaxDrawdown)
	}
	if c.MaxConcentration <= 0 || c.MaxConcentration > 1 {
		return fmt.Errorf("risk: max_concentration 非法: %f", c.MaxConcentration)
	}
	if c.MinCashReserve < 0 || c.MinCashReserve >= 1 {
		return fmt.Errorf("risk: min_cash_reserve 非法: %f", c.MinCashReserve)
	}
	if c.StopLossPercent <= 0 || c.StopLossPercent >= 1 {
		return fmt.Errorf("risk: stop_loss_percent 非法: %f", c.StopLossPercent)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.constraints = c
	m.logger.Info("风控约束已更新",
		zap.Float64("max_position_size", c.MaxPositionSize),
		zap.Float64("max_daily_loss", c.MaxDailyLoss),
	)
	return nil
}

// EvaluateSignal 对一条融合信号执行硬性闸门与凯利仓位测算。
// 拒绝通过 Approved=false 与英文原因返回，便于上游程序化处理。
func (m *Manager) EvaluateSignal(input EvaluationInput) Evaluation {
	m.mu.Lock()
	defer m.mu.Unlock()

	sig := input.Signal
	snap := input.Snapshot
	cons := m.constraints

	eval := Evaluation{Notes: make([]string, 0, 2)}
	eval.RiskScore = m.riskScoreLocked(sig, snap, cons)

	if snap.TotalValue <= 0 {
		eval.Reason = "invalid portfolio value"
		return eval
	}
	if input.MarketPrice <= 0 {
		eval.Reason = "invalid market price"
		return eval
	}

	// 硬性闸门：当日亏损、最大回撤、单一标的集中度。
	if snap.DailyPnL < 0 && -snap.DailyPnL >= cons.MaxDailyLoss*snap.TotalValue {
		eval.Reason = "daily loss limit exceeded"
		return eval
	}
	if dd := currentDrawdownOf(m.equity); dd >= cons.MaxDrawdown {
		eval.Reason = "max drawdown exceeded"
		return eval
	}
	if sig.Action == signal.ActionBuy {
		existing := 0.0
		if pos, ok := snap.Position(sig.Symbol); ok {
			existing = pos.MarketValue
		}
		prospective := existing + cons.MaxPositionSize*snap.TotalValue
		if prospective/snap.TotalValue > cons.MaxConcentration {
			eval.Reason = "concentration limit exceeded"
			return eval
		}
	}

	p, b := m.kellyParameters(sig)
	q := 1 - p
	kelly := (b*p - q) / b
	if kelly < 0 {
		kelly = 0
	}
	if kelly > kellyCap {
		kelly = kellyCap
	}
	eval.KellyFraction = kelly

	fraction := kelly * sig.Confidence * sig.Strength
	if fraction > cons.MaxPositionSize {
		fraction = cons.MaxPositionSize
	}
	eval.PositionFraction = fraction

	// 调整后数量以最大持仓价值为准。
	maxPositionValue := fraction * snap.TotalValue
	eval.Quantity = maxPositionValue / input.MarketPrice
	eval.Approved = true
	eval.Notes = append(eval.Notes,
		fmt.Sprintf("kelly=%.4f fraction=%.4f", kelly, fraction))
	return eval
}

// EvaluateTrade 对候选订单做成交前校验，批准时给出止损止盈建议。
func (m *Manager) EvaluateTrade(order OrderIntent, snap PortfolioSnapshot) TradeEvaluation {
	m.mu.RLock()
	cons := m.constraints
	m.mu.RUnlock()

	if order.Quantity <= 0 || order.Price <= 0 {
		return TradeEvaluation{Reason: "invalid order"}
	}
	if snap.TotalValue <= 0 {
		return TradeEvaluation{Reason: "invalid portfolio value"}
	}

	// 减仓卖出豁免单仓市值上限：涨破上限的持仓必须始终可以退出。
	reducing := false
	if order.Side == signal.ActionSell {
		if pos, ok := snap.Position(order.Symbol); ok && order.Quantity <= pos.Quantity+1e-9 {
			reducing = true
		}
	}

	value := order.Quantity * order.Price
	if !reducing && value > cons.MaxPositionSize*snap.TotalValue {
		return TradeEvaluation{Reason: "trade value exceeds max position size"}
	}
	if order.Side == signal.ActionBuy {
		if snap.Cash-value < cons.MinCashReserve*snap.TotalValue {
			return TradeEvaluation{Reason: "insufficient cash reserve"}
		}
	}

	stopDistance := order.Price * cons.StopLossPercent
	out := TradeEvaluation{Approved: true}
	switch order.Side {
	case signal.ActionSell:
		out.StopLoss = order.Price + stopDistance
		out.TakeProfit = order.Price - 2*stopDistance
	default:
		out.StopLoss = order.Price - stopDistance
		out.TakeProfit = order.Price + 2*stopDistance
	}
	return out
}

// UpdatePortfolio 接收组合快照：追加净值序列、重算指标、扫描违规。
// 止损触发会同时产生 HIGH 告警与止损通知，由组合管理器强制平仓。
func (m *Manager) UpdatePortfolio(snap PortfolioSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshot = snap
	m.equity = append(m.equity, snap.TotalValue)
	if len(m.equity) > equityHistoryLimit {
		m.equity = m.equity[len(m.equity)-equityHistoryLimit:]
	}

	returns := returnsFromEquity(m.equity)
	beta, alpha := betaAlphaOf(returns, m.benchmark, m.cfg.RiskFreeRate)
	m.metrics = Metrics{
		VaR95:        valueAtRisk95(returns),
		MaxDrawdown:  maxDrawdownOf(m.equity),
		SharpeRatio:  sharpeOf(returns, m.cfg.RiskFreeRate),
		SortinoRatio: sortinoOf(returns, m.cfg.RiskFreeRate),
		Beta:         beta,
		Alpha:        alpha,
		UpdatedAt:    time.Now().UTC(),
	}

	m.scanViolationsLocked(snap)
}

// ObserveBenchmark 记录一期基准收益，用于 beta/alpha 回归。
func (m *Manager) ObserveBenchmark(returnPct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.benchmark = append(m.benchmark, returnPct)
	if len(m.benchmark) > equityHistoryLimit {
		m.benchmark = m.benchmark[len(m.benchmark)-equityHistoryLimit:]
	}
}

// Metrics 返回最近一次计算的风险指标。
func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Alerts 返回全部告警（含已解除），按产生顺序。
func (m *Manager) Alerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, *a)
	}
	return out
}

// ActiveAlerts 返回未解除的告警。
func (m *Manager) ActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if !a.Resolved {
			out = append(out, *a)
		}
	}
	return out
}

// ResolveAlert 显式解除一条告警。重复解除为无操作。
func (m *Manager) ResolveAlert(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alertByID[id]
	if !ok {
		return fmt.Errorf("risk: 告警不存在: %s", id)
	}
	if alert.Resolved {
		return nil
	}
	alert.Resolved = true
	m.logger.Info("告警已解除", zap.String("alert_id", id), zap.String("type", string(alert.Type)))
	return nil
}

// scanViolationsLocked 扫描快照违规并分级告警。
// 调用方必须持有写锁。
func (m *Manager) scanViolationsLocked(snap PortfolioSnapshot) {
	cons := m.constraints
	if snap.TotalValue <= 0 {
		return
	}

	// 当日亏损：80% 触发 HIGH，100% 触发 CRITICAL。
	if snap.DailyPnL < 0 {
		lossRatio := -snap.DailyPnL / (cons.MaxDailyLoss * snap.TotalValue)
		switch {
		case lossRatio >= 1.0:
			m.raiseLocked(AlertDailyLoss, SeverityCritical, "",
				fmt.Sprintf("当日亏损 %.2f 已达到限额", -snap.DailyPnL))
		case lossRatio >= 0.8:
			m.raiseLocked(AlertDailyLoss, SeverityHigh, "",
				fmt.Sprintf("当日亏损 %.2f 接近限额", -snap.DailyPnL))
		}
	}

	// 回撤：同样的两级阈值。
	if dd := currentDrawdownOf(m.equity); cons.MaxDrawdown > 0 {
		ratio := dd / cons.MaxDrawdown
		switch {
		case ratio >= 1.0:
			m.raiseLocked(AlertDrawdown, SeverityCritical, "",
				fmt.Sprintf("回撤 %.2f%% 已达到限额", dd*100))
		case ratio >= 0.8:
			m.raiseLocked(AlertDrawdown, SeverityHigh, "",
				fmt.Sprintf("回撤 %.2f%% 接近限额", dd*100))
		}
	}

	for _, pos := range snap.Positions {
		if pos.Quantity <= 0 {
			continue
		}

		// 集中度：90%/100% 两级。
		if cons.MaxConcentration > 0 {
			ratio := pos.MarketValue / snap.TotalValue / cons.MaxConcentration
			switch {
			case ratio >= 1.0:
				m.raiseLocked(AlertConcentration, SeverityCritical, pos.Symbol,
					fmt.Sprintf("%s 集中度已超限", pos.Symbol))
			case ratio >= 0.9:
				m.raiseLocked(AlertConcentration, SeverityHigh, pos.Symbol,
					fmt.Sprintf("%s 集中度接近限额", pos.Symbol))
			}
		}

		// 止损：跌破入场价的止损线立即告警并通知平仓。
		if pos.EntryPrice > 0 && pos.CurrentPrice <= pos.EntryPrice*(1-cons.StopLossPercent) {
			m.raiseLocked(AlertStopLoss, SeverityHigh, pos.Symbol,
				fmt.Sprintf("%s 当前价 %.2f 跌破止损线", pos.Symbol, pos.CurrentPrice))
			if m.notifier != nil {
				m.notifier.PublishStopLoss(event.StopLossNotice{
					Symbol: pos.Symbol,
					Price:  pos.CurrentPrice,
				})
			}
		}
	}
}

// raiseLocked 产生或升级一条告警。同类型同标的的活跃告警：
// 严重程度相同则跳过，更高则解除旧告警并以新级别重发。
func (m *Manager) raiseLocked(typ AlertType, severity Severity, symbol, message string) {
	for _, a := range m.alerts {
		if a.Resolved || a.Type != typ || a.Symbol != symbol {
			continue
		}
		if severity.rank() <= a.Severity.rank() {
			return
		}
		a.Resolved = true
		break
	}

	alert := &Alert{
		ID:        uuid.NewString(),
		Type:      typ,
		Severity:  severity,
		Symbol:    symbol,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	m.alerts = append(m.alerts, alert)
	m.alertByID[alert.ID] = alert

	m.logger.Warn("触发风险告警",
		zap.String("alert_id", alert.ID),
		zap.String("type", string(typ)),
		zap.String("severity", string(severity)),
		zap.String("symbol", symbol),
	)
	if m.notifier != nil {
		m.notifier.PublishAlert(*alert)
		if severity == SeverityCritical {
			m.notifier.PublishEmergencyStop(event.EmergencyStopNotice{
				AlertID: alert.ID,
				Message: message,
			})
		}
	}
}

// riskScoreLocked 计算 0-100 风险评分：
// 信号不确定性、标的集中度、波动率代理、当前回撤各占 25 分。
func (m *Manager) riskScoreLocked(sig signal.Signal, snap PortfolioSnapshot, cons Constraints) float64 {
	uncertainty := 1 - sig.Confidence

	concentration := 0.0
	if snap.TotalValue > 0 {
		if pos, ok := snap.Position(sig.Symbol); ok {
			concentration = pos.MarketValue / snap.TotalValue
			if cons.MaxConcentration > 0 {
				concentration = math.Min(concentration/cons.MaxConcentration, 1)
			}
		}
	}

	volatility := volatilityProxy(returnsFromEquity(m.equity))

	drawdown := 0.0
	if cons.MaxDrawdown > 0 {
		drawdown = math.Min(currentDrawdownOf(m.equity)/cons.MaxDrawdown, 1)
	}

	score := 25*uncertainty + 25*concentration + 25*volatility + 25*drawdown
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// kellyParameters 从贡献代理的历史表现估计胜率 p 与赔率 b。
// 无可用表现时退回默认参数。
func (m *Manager) kellyParameters(sig signal.Signal) (p, b float64) {
	p = defaultWinProbability
	b = defaultPayoutRatio
	if m.perf == nil {
		return p, b
	}

	sumProb := 0.0
	sumReturn := 0.0
	known := 0
	for _, id := range sig.Contributors() {
		est, ok := m.perf(id)
		if !ok {
			continue
		}
		sumProb += est.WinProbability
		sumReturn += est.AverageReturn
		known++
	}
	if known == 0 {
		return p, b
	}

	p = sumProb / float64(known)
	if p < 0.35 {
		p = 0.35
	}
	if p > 0.75 {
		p = 0.75
	}

	// 平均收益为正的代理群体赔率上调，为负下调。
	b = defaultPayoutRatio + 2*(sumReturn/float64(known))
	if b < 1.0 {
		b = 1.0
	}
	if b > 3.0 {
		b = 3.0
	}
	return p, b
}
