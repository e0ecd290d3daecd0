package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"zerg-trader/internal/agent"
	"zerg-trader/internal/signal"
)

// AgentID 为分析源代理在总线上的固定标识。
const AgentID = "oracle-agent"

var _ agent.Agent = (*Agent)(nil)

// Agent 把分析客户端包装成总线代理，与其余分析代理同等注册路由。
type Agent struct {
	client *Client
	logger *zap.Logger

	mu           sync.RWMutex
	running      bool
	lastActivity time.Time
}

// NewAgent 创建分析源代理。
func NewAgent(client *Client, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{client: client, logger: logger}
}

// ID 返回代理标识。
func (a *Agent) ID() string { return AgentID }

// Type 返回代理类别。
func (a *Agent) Type() string { return "oracle" }

// OnStart 启动代理。重复启动返回错误。
func (a *Agent) OnStart(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("oracle: 代理已在运行")
	}
	a.running = true
	a.lastActivity = time.Now().UTC()
	return nil
}

// OnStop 停止代理。对已停止的代理为无操作。
func (a *Agent) OnStop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	return nil
}

// OnMessage 处理路由到本代理的消息，目前只刷新活跃时间。
func (a *Agent) OnMessage(ctx context.Context, msg agent.Message) error {
	a.touch()
	return nil
}

// Analyze 对请求的价格序列产出信号。
func (a *Agent) Analyze(ctx context.Context, req agent.AnalysisRequest) ([]signal.Signal, error) {
	a.touch()

	sig, err := a.client.Analyze(ctx, MarketContext{
		Symbol: req.Symbol,
		Prices: req.Prices,
	})
	if err != nil {
		return nil, err
	}
	return []signal.Signal{sig}, nil
}

// Running 返回运行状态。
func (a *Agent) Running() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// LastActivity 返回最近活跃时间。
func (a *Agent) LastActivity() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastActivity
}

func (a *Agent) touch() {
	a.mu.Lock()
	a.lastActivity = time.Now().UTC()
	a.mu.Unlock()
}
