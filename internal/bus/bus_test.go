package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"zerg-trader/internal/agent"
	"zerg-trader/internal/config"
	"zerg-trader/internal/event"
	"zerg-trader/internal/signal"
)

type fakeAgent struct {
	mu       sync.Mutex
	id       string
	running  bool
	last     time.Time
	startErr error
	received []agent.Message
}

func newFakeAgent(id string) *fakeAgent {
	return &fakeAgent{id: id}
}

func (f *fakeAgent) ID() string   { return f.id }
func (f *fakeAgent) Type() string { return "fake" }

func (f *fakeAgent) OnStart(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	f.last = time.Now().UTC()
	return nil
}

func (f *fakeAgent) OnStop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return nil
}

func (f *fakeAgent) OnMessage(ctx context.Context, msg agent.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, msg)
	f.last = time.Now().UTC()
	return nil
}

func (f *fakeAgent) Analyze(ctx context.Context, req agent.AnalysisRequest) ([]signal.Signal, error) {
	return nil, nil
}

func (f *fakeAgent) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeAgent) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeAgent) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func newTestBus() (*Bus, *event.Notifier) {
	notifier := event.NewNotifier(16, nil)
	cfg := config.BusConfig{HistorySize: 8, StalenessWindow: 5 * time.Minute}
	return New(cfg, notifier, nil), notifier
}

func TestRegisterDuplicateID(t *testing.T) {
	b, _ := newTestBus()

	first := newFakeAgent("agent-a")
	if err := b.Register(first); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := b.Register(newFakeAgent("agent-a")); err == nil {
		t.Fatalf("expected duplicate registration error")
	}

	// 首个注册必须保持可路由。
	b.Route(context.Background(), agent.NewMessage("other", "agent-a", agent.MessageRequest, nil))
	if first.messageCount() != 1 {
		t.Fatalf("original registration no longer routable, got %d messages", first.messageCount())
	}
}

func TestUnregisterUnknown(t *testing.T) {
	b, _ := newTestBus()
	if err := b.Unregister("ghost"); err == nil {
		t.Fatalf("expected error for unknown agent")
	}
}

func TestRouteBroadcastSkipsSender(t *testing.T) {
	b, _ := newTestBus()
	a := newFakeAgent("agent-a")
	c := newFakeAgent("agent-b")
	d := newFakeAgent("agent-c")
	for _, ag := range []*fakeAgent{a, c, d} {
		if err := b.Register(ag); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	b.Route(context.Background(), agent.NewMessage("agent-a", agent.TargetBroadcast, agent.MessageBroadcast, "hello"))

	if a.messageCount() != 0 {
		t.Errorf("sender should not receive its own broadcast")
	}
	if c.messageCount() != 1 || d.messageCount() != 1 {
		t.Errorf("expected all other agents to receive broadcast: b=%d c=%d", c.messageCount(), d.messageCount())
	}
}

func TestRouteDanglingTargetRaisesErrorEvent(t *testing.T) {
	b, notifier := newTestBus()
	if err := b.Register(newFakeAgent("agent-a")); err != nil {
		t.Fatalf("register: %v", err)
	}

	msg := agent.NewMessage("agent-a", "missing", agent.MessageRequest, nil)
	b.Route(context.Background(), msg)

	select {
	case evt := <-notifier.Errors():
		notice, ok := evt.Payload.(event.ErrorNotice)
		if !ok {
			t.Fatalf("unexpected payload type %T", evt.Payload)
		}
		if notice.Context["dangling_id"] != "missing" {
			t.Errorf("error event should reference dangling id, got %v", notice.Context)
		}
	default:
		t.Fatalf("expected error event for dangling target")
	}

	// 消息仍应进入历史。
	if got := len(b.History(0)); got != 1 {
		t.Errorf("expected message in history, got %d", got)
	}
}

func TestHistoryBounded(t *testing.T) {
	b, _ := newTestBus()
	if err := b.Register(newFakeAgent("agent-a")); err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 0; i < 20; i++ {
		b.Route(context.Background(), agent.NewMessage("x", "agent-a", agent.MessageRequest, i))
	}

	history := b.History(0)
	if len(history) != 8 {
		t.Fatalf("expected history capped at 8, got %d", len(history))
	}
	if history[len(history)-1].Payload != 19 {
		t.Errorf("expected newest message last, got %v", history[len(history)-1].Payload)
	}
}

func TestStartAllIsolatesFailures(t *testing.T) {
	b, _ := newTestBus()
	good := newFakeAgent("agent-good")
	bad := newFakeAgent("agent-bad")
	bad.startErr = errors.New("boom")

	if err := b.Register(good); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := b.Register(bad); err != nil {
		t.Fatalf("register: %v", err)
	}

	report := b.StartAll(context.Background())

	if len(report.Succeeded) != 1 || report.Succeeded[0] != "agent-good" {
		t.Errorf("expected agent-good to start, got %v", report.Succeeded)
	}
	if _, ok := report.Failures["agent-bad"]; !ok {
		t.Errorf("expected agent-bad failure captured, got %v", report.Failures)
	}
	if !good.Running() {
		t.Errorf("healthy agent must not be blocked by failing peer")
	}

	// 再次启动：已运行的代理视为错误。
	second := b.StartAll(context.Background())
	if _, ok := second.Failures["agent-good"]; !ok {
		t.Errorf("starting a running agent should be an error, got %v", second.Failures)
	}
}

func TestStopAllIdempotent(t *testing.T) {
	b, _ := newTestBus()
	a := newFakeAgent("agent-a")
	if err := b.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}
	b.StartAll(context.Background())

	first := b.StopAll(context.Background())
	if len(first.Failures) != 0 {
		t.Fatalf("unexpected stop failures: %v", first.Failures)
	}

	// 已停止的代理再次停止为无操作。
	second := b.StopAll(context.Background())
	if len(second.Failures) != 0 {
		t.Fatalf("stopping stopped agent must be a no-op, got %v", second.Failures)
	}
}

func TestHealthStaleness(t *testing.T) {
	b, _ := newTestBus()
	fresh := newFakeAgent("agent-fresh")
	stale := newFakeAgent("agent-stale")
	stopped := newFakeAgent("agent-stopped")

	for _, ag := range []*fakeAgent{fresh, stale, stopped} {
		if err := b.Register(ag); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	b.StartAll(context.Background())
	_ = stopped.OnStop(context.Background())
	stale.mu.Lock()
	stale.last = time.Now().UTC().Add(-10 * time.Minute)
	stale.mu.Unlock()

	report := b.Health()
	if report.Total != 3 || report.Running != 2 || report.Healthy != 1 {
		t.Fatalf("unexpected aggregate: total=%d running=%d healthy=%d", report.Total, report.Running, report.Healthy)
	}

	for _, st := range report.Agents {
		switch st.ID {
		case "agent-fresh":
			if !st.Healthy {
				t.Errorf("fresh running agent should be healthy")
			}
		case "agent-stale":
			if st.Healthy {
				t.Errorf("stale agent must not be healthy even while running")
			}
		case "agent-stopped":
			if st.Healthy || st.Running {
				t.Errorf("stopped agent must be neither running nor healthy")
			}
		}
	}
}
