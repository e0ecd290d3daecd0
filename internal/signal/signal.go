package signal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action 表示信号方向。
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Valid 判断方向取值是否合法。
func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold:
		return true
	}
	return false
}

// Signal 表示某个代理对单一标的的方向性观点，发出后不可变更。
type Signal struct {
	ID         string                 `json:"id"`
	AgentID    string                 `json:"agent_id"`
	Symbol     string                 `json:"symbol"`
	Action     Action                 `json:"action"`
	Confidence float64                `json:"confidence"`
	Strength   float64                `json:"strength"`
	Timestamp  time.Time              `json:"timestamp"`
	Reasoning  string                 `json:"reasoning,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// New 创建一条带有新 ID 与当前时间戳的信号。
func New(agentID, symbol string, action Action, confidence, strength float64, reasoning string) Signal {
	return Signal{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Symbol:     strings.ToUpper(strings.TrimSpace(symbol)),
		Action:     action,
		Confidence: confidence,
		Strength:   strength,
		Timestamp:  time.Now().UTC(),
		Reasoning:  reasoning,
	}
}

// Validate 校验信号字段合法性。
func (s Signal) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("signal: id 不能为空")
	}
	if strings.TrimSpace(s.AgentID) == "" {
		return errors.New("signal: agent_id 不能为空")
	}
	if strings.TrimSpace(s.Symbol) == "" {
		return errors.New("signal: symbol 不能为空")
	}
	if !s.Action.Valid() {
		return fmt.Errorf("signal: action 取值非法: %s", s.Action)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal: confidence 必须位于[0,1]，当前为 %f", s.Confidence)
	}
	if s.Strength < 0 || s.Strength > 1 {
		return fmt.Errorf("signal: strength 必须位于[0,1]，当前为 %f", s.Strength)
	}
	if s.Timestamp.IsZero() {
		return errors.New("signal: timestamp 不能为零值")
	}
	return nil
}

// Expired 判断信号在给定时刻是否已超出有效期。
func (s Signal) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(s.Timestamp) > ttl
}

// Contributors 返回元数据中记录的贡献代理列表；普通信号返回其发出者。
func (s Signal) Contributors() []string {
	raw, ok := s.Metadata["contributors"]
	if !ok {
		return []string{s.AgentID}
	}

	switch v := raw.(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return []string{s.AgentID}
}
