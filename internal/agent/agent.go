package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"zerg-trader/internal/signal"
)

// TargetBroadcast 为广播消息的目标通配符。
const TargetBroadcast = "*"

// MessageType 表示总线消息类型。
type MessageType string

const (
	MessageSignal    MessageType = "signal"
	MessageRequest   MessageType = "request"
	MessageResponse  MessageType = "response"
	MessageBroadcast MessageType = "broadcast"
)

// Message 为总线路由的消息信封。
type Message struct {
	ID        string      `json:"id"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Type      MessageType `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage 创建一条带有新 ID 与当前时间戳的消息。
func NewMessage(from, to string, typ MessageType, payload interface{}) Message {
	return Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// AnalysisRequest 为代理分析输入：一段按时间升序的价格序列。
type AnalysisRequest struct {
	Symbol      string    `json:"symbol"`
	Prices      []float64 `json:"prices"`
	RequestedAt time.Time `json:"requested_at"`
}

// Agent 抽象一个独立运行的分析单元。具体代理在注册时选定实现，
// 总线与融合引擎只依赖该接口。
type Agent interface {
	ID() string
	Type() string

	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
	OnMessage(ctx context.Context, msg Message) error
	Analyze(ctx context.Context, req AnalysisRequest) ([]signal.Signal, error)

	Running() bool
	LastActivity() time.Time
}

// Status 描述单个代理的健康状态。
type Status struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Running      bool      `json:"running"`
	Healthy      bool      `json:"healthy"`
	LastActivity time.Time `json:"last_activity"`
}
