package event

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type 表示推送事件类型。
type Type string

const (
	TypeTradeExecuted    Type = "trade_executed"
	TypePortfolioUpdated Type = "portfolio_updated"
	TypeRiskAlert        Type = "risk_alert"
	TypeStopLoss         Type = "stop_loss"
	TypeEmergencyStop    Type = "emergency_stop"
	TypeAgentStatus      Type = "agent_status_changed"
	TypeError            Type = "error"
)

// Event 封装带时间戳的实体快照。
type Event struct {
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// StopLossNotice 为止损通知载荷，由组合管理器消费并强制平仓。
type StopLossNotice struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// EmergencyStopNotice 为紧急停止事件载荷，仅上报编排层处理。
type EmergencyStopNotice struct {
	AlertID string `json:"alert_id"`
	Message string `json:"message"`
}

// AgentStatusNotice 记录代理启停状态变化。
type AgentStatusNotice struct {
	AgentID string `json:"agent_id"`
	Running bool   `json:"running"`
	Reason  string `json:"reason,omitempty"`
}

// ErrorNotice 记录非致命错误事件。
type ErrorNotice struct {
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Notifier 按关注点划分事件通道。发送永不阻塞：
// 通道写满时丢弃事件并累加计数，保证生产方不被慢消费方拖住。
type Notifier struct {
	trades    chan Event
	portfolio chan Event
	alerts    chan Event
	agents    chan Event
	errors    chan Event

	dropped atomic.Uint64
	logger  *zap.Logger
}

// NewNotifier 创建通知器，buffer 为每个通道的缓冲长度。
func NewNotifier(buffer int, logger *zap.Logger) *Notifier {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		trades:    make(chan Event, buffer),
		portfolio: make(chan Event, buffer),
		alerts:    make(chan Event, buffer),
		agents:    make(chan Event, buffer),
		errors:    make(chan Event, buffer),
		logger:    logger,
	}
}

// Trades 返回成交事件通道。
func (n *Notifier) Trades() <-chan Event { return n.trades }

// Portfolio 返回组合更新事件通道。
func (n *Notifier) Portfolio() <-chan Event { return n.portfolio }

// Alerts 返回风险告警事件通道，包含止损与紧急停止通知。
func (n *Notifier) Alerts() <-chan Event { return n.alerts }

// Agents 返回代理状态事件通道。
func (n *Notifier) Agents() <-chan Event { return n.agents }

// Errors 返回错误事件通道。
func (n *Notifier) Errors() <-chan Event { return n.errors }

// Dropped 返回累计丢弃事件数。
func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

// PublishTrade 推送成交事件。
func (n *Notifier) PublishTrade(payload interface{}) {
	n.publish(n.trades, TypeTradeExecuted, payload)
}

// PublishPortfolio 推送组合更新事件。
func (n *Notifier) PublishPortfolio(payload interface{}) {
	n.publish(n.portfolio, TypePortfolioUpdated, payload)
}

// PublishAlert 推送风险告警事件。
func (n *Notifier) PublishAlert(payload interface{}) {
	n.publish(n.alerts, TypeRiskAlert, payload)
}

// PublishStopLoss 推送止损通知。
func (n *Notifier) PublishStopLoss(notice StopLossNotice) {
	n.publish(n.alerts, TypeStopLoss, notice)
}

// PublishEmergencyStop 推送紧急停止事件。
func (n *Notifier) PublishEmergencyStop(notice EmergencyStopNotice) {
	n.publish(n.alerts, TypeEmergencyStop, notice)
}

// PublishAgentStatus 推送代理状态事件。
func (n *Notifier) PublishAgentStatus(notice AgentStatusNotice) {
	n.publish(n.agents, TypeAgentStatus, notice)
}

// PublishError 推送错误事件。
func (n *Notifier) PublishError(msg string, ctx map[string]interface{}) {
	n.publish(n.errors, TypeError, ErrorNotice{Message: msg, Context: ctx})
}

func (n *Notifier) publish(ch chan Event, typ Type, payload interface{}) {
	evt := Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	select {
	case ch <- evt:
	default:
		n.dropped.Add(1)
		n.logger.Warn("事件通道已满，丢弃事件", zap.String("type", string(typ)))
	}
}
