package portfolio

import (
	"time"

	"zerg-trader/internal/risk"
	"zerg-trader/internal/signal"
)

// TradeStatus 表示交易生命周期状态。
type TradeStatus string

const (
	StatusPending  TradeStatus = "PENDING"
	StatusFilled   TradeStatus = "FILLED"
	StatusRejected TradeStatus = "REJECTED"
)

// Trade 为一笔交易记录。拒绝的交易同样入册，原因写在 Metadata。
type Trade struct {
	ID        string                 `json:"id"`
	Symbol    string                 `json:"symbol"`
	Action    signal.Action          `json:"action"`
	Quantity  float64                `json:"quantity"`
	Price     float64                `json:"price"`
	Timestamp time.Time              `json:"timestamp"`
	Status    TradeStatus            `json:"status"`
	SignalIDs []string               `json:"signal_ids,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Reason 返回拒绝原因，批准的交易返回空串。
func (t Trade) Reason() string {
	if t.Metadata == nil {
		return ""
	}
	if r, ok := t.Metadata["reason"].(string); ok {
		return r
	}
	return ""
}

// Position 为单个持仓。EntryPrice 为加权平均入场价。
type Position struct {
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	CurrentPrice  float64   `json:"current_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	RealizedPnL   float64   `json:"realized_pnl"`
	Timestamp     time.Time `json:"timestamp"`
}

// MarketValue 返回持仓市值。
func (p Position) MarketValue() float64 {
	return p.Quantity * p.CurrentPrice
}

// Portfolio 为组合聚合根，只由组合管理器写入。
type Portfolio struct {
	ID         string               `json:"id"`
	Cash       float64              `json:"cash"`
	Positions  map[string]*Position `json:"positions"`
	TotalValue float64              `json:"total_value"`
	DailyPnL   float64              `json:"daily_pnl"`
	TotalPnL   float64              `json:"total_pnl"`
	Timestamp  time.Time            `json:"timestamp"`
}

// Clone 返回组合深拷贝，供只读消费方使用。
func (p Portfolio) Clone() Portfolio {
	out := p
	out.Positions = make(map[string]*Position, len(p.Positions))
	for sym, pos := range p.Positions {
		copied := *pos
		out.Positions[sym] = &copied
	}
	return out
}

// snapshotView 把组合转换为风控视角的只读快照。
func (p Portfolio) snapshotView() risk.PortfolioSnapshot {
	snap := risk.PortfolioSnapshot{
		Cash:       p.Cash,
		TotalValue: p.TotalValue,
		DailyPnL:   p.DailyPnL,
		TotalPnL:   p.TotalPnL,
		Timestamp:  p.Timestamp,
	}
	for _, pos := range p.Positions {
		snap.Positions = append(snap.Positions, risk.PositionView{
			Symbol:       pos.Symbol,
			Quantity:     pos.Quantity,
			EntryPrice:   pos.EntryPrice,
			CurrentPrice: pos.CurrentPrice,
			MarketValue:  pos.MarketValue(),
		})
	}
	return snap
}

// Performance 为组合绩效指标。
type Performance struct {
	TotalReturn  float64   `json:"total_return"`
	MaxDrawdown  float64   `json:"max_drawdown"`
	WinRate      float64   `json:"win_rate"`
	ProfitFactor float64   `json:"profit_factor"`
	SharpeRatio  float64   `json:"sharpe_ratio"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RebalanceReport 为一次再平衡运行的结果摘要。
type RebalanceReport struct {
	RunID      string            `json:"run_id"`
	Done       bool              `json:"done"`
	Cancelled  bool              `json:"cancelled"`
	Executed   []string          `json:"executed,omitempty"`
	Skipped    []string          `json:"skipped,omitempty"`
	Failures   map[string]string `json:"failures,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
}
