package monitor

import (
	"time"

	"zerg-trader/internal/portfolio"
	"zerg-trader/internal/risk"
	"zerg-trader/internal/signal"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventSignalIngest   EventType = "signal_ingest"
	EventFusion         EventType = "fusion"
	EventRiskEvaluation EventType = "risk_evaluation"
	EventExecution      EventType = "execution"
	EventAlert          EventType = "alert"
	EventError          EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// SignalIngestPayload 记录进入融合引擎的原始信号。
type SignalIngestPayload struct {
	Signal signal.Signal `json:"signal"`
}

// FusionPayload 记录融合产出的共识信号。
type FusionPayload struct {
	Signal signal.Signal `json:"signal"`
}

// RiskEvaluationPayload 记录风控评估过程。
type RiskEvaluationPayload struct {
	Signal signal.Signal   `json:"signal"`
	Result risk.Evaluation `json:"result"`
}

// ExecutionPayload 记录交易执行结果。
type ExecutionPayload struct {
	Trade portfolio.Trade `json:"trade"`
}

// AlertPayload 记录风险告警。
type AlertPayload struct {
	Alert risk.Alert `json:"alert"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}
