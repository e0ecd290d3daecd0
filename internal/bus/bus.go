package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"zerg-trader/internal/agent"
	"zerg-trader/internal/config"
	"zerg-trader/internal/event"
)

// Bus 维护代理注册表并负责消息路由与健康汇总。
type Bus struct {
	mu        sync.RWMutex
	agents    map[string]agent.Agent
	history   *ring
	staleness time.Duration

	notifier *event.Notifier
	logger   *zap.Logger
}

// BatchReport 汇总一次批量启停的结果。单个代理失败不会中断批处理，
// 失败明细逐个记录在 Failures 中。
type BatchReport struct {
	Succeeded []string
	Failures  map[string]error
}

// Err 将失败明细聚合为单个错误，便于记录日志；无失败时返回 nil。
func (r BatchReport) Err() error {
	ids := make([]string, 0, len(r.Failures))
	for id := range r.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var err error
	for _, id := range ids {
		err = multierr.Append(err, fmt.Errorf("%s: %w", id, r.Failures[id]))
	}
	return err
}

// HealthReport 为总线级健康汇总。
type HealthReport struct {
	Total   int            `json:"total"`
	Running int            `json:"running"`
	Healthy int            `json:"healthy"`
	Agents  []agent.Status `json:"agents"`
}

// New 创建消息总线。
func New(cfg config.BusConfig, notifier *event.Notifier, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = 1000
	}
	staleness := cfg.StalenessWindow
	if staleness <= 0 {
		staleness = 5 * time.Minute
	}
	return &Bus{
		agents:    make(map[string]agent.Agent),
		history:   newRing(historySize),
		staleness: staleness,
		notifier:  notifier,
		logger:    logger,
	}
}

// Register 注册代理，ID 重复时报错且不改变注册表。
func (b *Bus) Register(a agent.Agent) error {
	if a == nil {
		return fmt.Errorf("bus: 代理不能为空")
	}
	id := a.ID()
	if id == "" {
		return fmt.Errorf("bus: 代理 ID 不能为空")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.agents[id]; exists {
		return fmt.Errorf("bus: 代理 %s 已注册", id)
	}
	b.agents[id] = a

	b.logger.Info("代理已注册", zap.String("agent", id), zap.String("type", a.Type()))
	return nil
}

// Unregister 注销代理，未找到时报错。
func (b *Bus) Unregister(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.agents[id]; !exists {
		return fmt.Errorf("bus: 代理 %s 未注册", id)
	}
	delete(b.agents, id)

	b.logger.Info("代理已注销", zap.String("agent", id))
	return nil
}

// Agent 按 ID 查找代理。
func (b *Bus) Agent(id string) (agent.Agent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.agents[id]
	return a, ok
}

// Route 路由一条消息。通配目标投递给发送方之外的全部代理；
// 指定目标不存在时不返回错误，而是发出引用该 ID 的错误事件。
// 每条经过路由的消息都会进入有界历史。
func (b *Bus) Route(ctx context.Context, msg agent.Message) {
	b.mu.Lock()
	b.history.append(msg)
	targets := b.resolveTargets(msg)
	b.mu.Unlock()

	if targets == nil {
		b.logger.Warn("消息目标不存在",
			zap.String("message", msg.ID),
			zap.String("target", msg.To),
		)
		if b.notifier != nil {
			b.notifier.PublishError("消息目标不存在", map[string]interface{}{
				"message_id":  msg.ID,
				"dangling_id": msg.To,
				"from":        msg.From,
			})
		}
		return
	}

	for _, target := range targets {
		if err := target.OnMessage(ctx, msg); err != nil {
			b.logger.Warn("代理处理消息失败",
				zap.String("agent", target.ID()),
				zap.String("message", msg.ID),
				zap.Error(err),
			)
			if b.notifier != nil {
				b.notifier.PublishError("代理处理消息失败", map[string]interface{}{
					"agent":      target.ID(),
					"message_id": msg.ID,
					"error":      err.Error(),
				})
			}
		}
	}
}

// resolveTargets 在持锁状态下解析目标集合；目标缺失时返回 nil。
func (b *Bus) resolveTargets(msg agent.Message) []agent.Agent {
	if msg.To == agent.TargetBroadcast {
		targets := make([]agent.Agent, 0, len(b.agents))
		ids := make([]string, 0, len(b.agents))
		for id := range b.agents {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if id == msg.From {
				continue
			}
			targets = append(targets, b.agents[id])
		}
		return targets
	}

	target, ok := b.agents[msg.To]
	if !ok {
		return nil
	}
	return []agent.Agent{target}
}

// History 返回最近的消息历史，limit<=0 时返回全部。
func (b *Bus) History(limit int) []agent.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > b.history.len() {
		limit = b.history.len()
	}
	all := b.history.snapshot()
	return all[len(all)-limit:]
}

// StartAll 并发启动全部代理。启动已运行的代理视为错误并被逐个捕获；
// 聚合调用本身不因部分失败而失败。
func (b *Bus) StartAll(ctx context.Context) BatchReport {
	return b.batch(ctx, func(ctx context.Context, a agent.Agent) error {
		if a.Running() {
			return fmt.Errorf("代理已在运行")
		}
		if err := a.OnStart(ctx); err != nil {
			return err
		}
		if b.notifier != nil {
			b.notifier.PublishAgentStatus(event.AgentStatusNotice{AgentID: a.ID(), Running: true})
		}
		return nil
	})
}

// StopAll 并发停止全部代理。停止未运行的代理为无操作。
func (b *Bus) StopAll(ctx context.Context) BatchReport {
	return b.batch(ctx, func(ctx context.Context, a agent.Agent) error {
		if !a.Running() {
			return nil
		}
		if err := a.OnStop(ctx); err != nil {
			return err
		}
		if b.notifier != nil {
			b.notifier.PublishAgentStatus(event.AgentStatusNotice{AgentID: a.ID(), Running: false})
		}
		return nil
	})
}

// Start 启动单个代理。
func (b *Bus) Start(ctx context.Context, id string) error {
	a, ok := b.Agent(id)
	if !ok {
		return fmt.Errorf("bus: 代理 %s 未注册", id)
	}
	if a.Running() {
		return fmt.Errorf("bus: 代理 %s 已在运行", id)
	}
	if err := a.OnStart(ctx); err != nil {
		return fmt.Errorf("bus: 启动代理 %s 失败: %w", id, err)
	}
	if b.notifier != nil {
		b.notifier.PublishAgentStatus(event.AgentStatusNotice{AgentID: id, Running: true})
	}
	return nil
}

// Stop 停止单个代理，未运行时为无操作。
func (b *Bus) Stop(ctx context.Context, id string) error {
	a, ok := b.Agent(id)
	if !ok {
		return fmt.Errorf("bus: 代理 %s 未注册", id)
	}
	if !a.Running() {
		return nil
	}
	if err := a.OnStop(ctx); err != nil {
		return fmt.Errorf("bus: 停止代理 %s 失败: %w", id, err)
	}
	if b.notifier != nil {
		b.notifier.PublishAgentStatus(event.AgentStatusNotice{AgentID: id, Running: false})
	}
	return nil
}

func (b *Bus) batch(ctx context.Context, op func(context.Context, agent.Agent) error) BatchReport {
	b.mu.RLock()
	agents := make([]agent.Agent, 0, len(b.agents))
	for _, a := range b.agents {
		agents = append(agents, a)
	}
	b.mu.RUnlock()

	report := BatchReport{Failures: make(map[string]error)}

	var wg sync.WaitGroup
	var reportMu sync.Mutex

	for _, a := range agents {
		wg.Add(1)
		go func(a agent.Agent) {
			defer wg.Done()
			err := op(ctx, a)

			reportMu.Lock()
			defer reportMu.Unlock()
			if err != nil {
				report.Failures[a.ID()] = err
				return
			}
			report.Succeeded = append(report.Succeeded, a.ID())
		}(a)
	}
	wg.Wait()

	sort.Strings(report.Succeeded)
	if aggErr := report.Err(); aggErr != nil {
		b.logger.Warn("批量启停存在失败项", zap.Error(aggErr))
	}
	return report
}

// Health 汇总代理健康状态。健康 = 运行中且近期有活动。
func (b *Bus) Health() HealthReport {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := time.Now().UTC()
	report := HealthReport{
		Total:  len(b.agents),
		Agents: make([]agent.Status, 0, len(b.agents)),
	}

	ids := make([]string, 0, len(b.agents))
	for id := range b.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		a := b.agents[id]
		running := a.Running()
		last := a.LastActivity()
		healthy := running && !last.IsZero() && now.Sub(last) <= b.staleness

		if running {
			report.Running++
		}
		if healthy {
			report.Healthy++
		}
		report.Agents = append(report.Agents, agent.Status{
			ID:           id,
			Type:         a.Type(),
			Running:      running,
			Healthy:      healthy,
			LastActivity: last,
		})
	}

	return report
}
