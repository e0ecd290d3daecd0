package risk

import (
	"time"

	"zerg-trader/internal/signal"
)

// Severity 表示告警严重程度。
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// rank 用于比较严重程度高低。
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AlertType 表示告警类别。
type AlertType string

const (
	AlertDailyLoss     AlertType = "DAILY_LOSS"
	AlertDrawdown      AlertType = "DRAWDOWN"
	AlertConcentration AlertType = "CONCENTRATION"
	AlertStopLoss      AlertType = "STOP_LOSS"
)

// Alert 为一条风险告警。解除告警需要显式调用，风控自身不会静默降级。
type Alert struct {
	ID        string    `json:"id"`
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	Symbol    string    `json:"symbol,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Resolved  bool      `json:"resolved"`
}

// Constraints 为风控约束快照。快照不可变，更新约束时整体替换，
// 只对下一次评估生效。
type Constraints struct {
	MaxPositionSize  float64 `json:"max_position_size"`
	MaxDailyLoss     float64 `json:"max_daily_loss"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	MaxConcentration float64 `json:"max_concentration"`
	// MaxLeverage 仅随快照对外透出。现货全现金组合无法加杠杆，
	// 接入保证金交易前没有可执行的闸门。
	MaxLeverage     float64 `json:"max_leverage"`
	MinCashReserve  float64 `json:"min_cash_reserve"`
	StopLossPercent float64 `json:"stop_loss_percent"`
}

// Metrics 为从净值序列派生的风险指标。
type Metrics struct {
	VaR95        float64   `json:"var_95"`
	MaxDrawdown  float64   `json:"max_drawdown"`
	SharpeRatio  float64   `json:"sharpe_ratio"`
	SortinoRatio float64   `json:"sortino_ratio"`
	Beta         float64   `json:"beta"`
	Alpha        float64   `json:"alpha"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PositionView 为风控视角下的单个持仓。
type PositionView struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	EntryPrice   float64 `json:"entry_price"`
	CurrentPrice float64 `json:"current_price"`
	MarketValue  float64 `json:"market_value"`
}

// PortfolioSnapshot 为组合管理器推送给风控的只读快照。
// 风控仅依据快照计算指标与告警，从不改写组合本身。
type PortfolioSnapshot struct {
	Cash       float64        `json:"cash"`
	TotalValue float64        `json:"total_value"`
	DailyPnL   float64        `json:"daily_pnl"`
	TotalPnL   float64        `json:"total_pnl"`
	Positions  []PositionView `json:"positions"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Position 按符号查找持仓视图。
func (s PortfolioSnapshot) Position(symbol string) (PositionView, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return PositionView{}, false
}

// EvaluationInput 为信号评估输入。
type EvaluationInput struct {
	Signal      signal.Signal
	Snapshot    PortfolioSnapshot
	MarketPrice float64
}

// Evaluation 为信号评估结果。拒绝不是错误，而是带原因的结构化结论。
type Evaluation struct {
	Approved         bool     `json:"approved"`
	Reason           string   `json:"reason,omitempty"`
	RiskScore        float64  `json:"risk_score"`
	KellyFraction    float64  `json:"kelly_fraction"`
	PositionFraction float64  `json:"position_fraction"`
	Quantity         float64  `json:"quantity"`
	Notes            []string `json:"notes,omitempty"`
}

// OrderIntent 为候选订单，供成交前的二次校验。
type OrderIntent struct {
	Symbol   string
	Side     signal.Action
	Quantity float64
	Price    float64
}

// TradeEvaluation 为订单校验结果，批准时附带止损止盈建议。
type TradeEvaluation struct {
	Approved   bool    `json:"approved"`
	Reason     string  `json:"reason,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
}

// AgentEstimate 为某个代理的历史胜率与平均收益估计，
// 由融合引擎的表现表换算而来。
type AgentEstimate struct {
	WinProbability float64
	AverageReturn  float64
}

// PerformanceLookup 查询代理历史表现；未知代理返回 ok=false，
// 此时凯利测算退回默认参数。
type PerformanceLookup func(agentID string) (AgentEstimate, bool)
