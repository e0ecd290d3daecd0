package fusion

import (
	"testing"
	"time"

	"zerg-trader/internal/config"
	"zerg-trader/internal/signal"
)

func testFusionConfig() config.FusionConfig {
	return config.FusionConfig{
		MinSignals:        2,
		SignalExpiry:      5 * time.Minute,
		WeightedThreshold: 0.2,
		VoteThreshold:     0.1,
		MLThreshold:       0.2,
		MetaThreshold:     0.3,
	}
}

func seededTracker(now time.Time) *PerformanceTracker {
	tracker := NewPerformanceTracker()
	for id, acc := range map[string]float64{
		"agent-a": 0.6,
		"agent-b": 0.7,
		"agent-c": 0.5,
	} {
		tracker.Seed(AgentPerformance{
			AgentID:      id,
			Accuracy:     acc,
			TotalSignals: 50,
			SharpeRatio:  1.0,
			LastUpdated:  now,
		})
	}
	return tracker
}

func aaplSignals(now time.Time) []signal.Signal {
	mk := func(agentID string, action signal.Action, conf, strength float64) signal.Signal {
		s := signal.New(agentID, "AAPL", action, conf, strength, "")
		s.Timestamp = now
		return s
	}
	return []signal.Signal{
		mk("agent-a", signal.ActionBuy, 0.8, 0.7),
		mk("agent-b", signal.ActionBuy, 0.75, 0.6),
		mk("agent-c", signal.ActionSell, 0.4, 0.3),
	}
}

func TestWeightedFusionConsensusBuy(t *testing.T) {
	now := time.Now().UTC()
	tracker := seededTracker(now)
	signals := aaplSignals(now)

	res, ok := fuseWeighted(signals, tracker.Lookup, testFusionConfig(), now)
	if !ok {
		t.Fatalf("expected weighted fusion to produce a result")
	}
	if res.action != signal.ActionBuy {
		t.Fatalf("expected BUY consensus, got %s", res.action)
	}
	if res.confidence <= 0.5 {
		t.Errorf("expected confidence > 0.5, got %f", res.confidence)
	}
	if len(res.contributors) != 2 {
		t.Errorf("expected the two buy agents as contributors, got %v", res.contributors)
	}
}

func TestWeightedFusionThreshold(t *testing.T) {
	now := time.Now().UTC()
	tracker := seededTracker(now)
	weak := []signal.Signal{
		signal.New("agent-a", "AAPL", signal.ActionBuy, 0.2, 0.2, ""),
		signal.New("agent-b", "AAPL", signal.ActionSell, 0.2, 0.2, ""),
	}
	for i := range weak {
		weak[i].Timestamp = now
	}

	if _, ok := fuseWeighted(weak, tracker.Lookup, testFusionConfig(), now); ok {
		t.Fatalf("scores below threshold must not produce a result")
	}
}

func TestWeightedFusionDiscardsHold(t *testing.T) {
	now := time.Now().UTC()
	tracker := seededTracker(now)
	holds := []signal.Signal{
		signal.New("agent-a", "AAPL", signal.ActionHold, 0.9, 0.9, ""),
		signal.New("agent-b", "AAPL", signal.ActionHold, 0.9, 0.9, ""),
	}
	for i := range holds {
		holds[i].Timestamp = now
	}

	if _, ok := fuseWeighted(holds, tracker.Lookup, testFusionConfig(), now); ok {
		t.Fatalf("all-HOLD set must not produce a result when hold is disabled")
	}

	cfg := testFusionConfig()
	cfg.AllowHold = true
	if _, ok := fuseWeighted(holds, tracker.Lookup, cfg, now); !ok {
		t.Fatalf("expected HOLD result when explicitly enabled")
	}
}

func TestVotingFusionMajority(t *testing.T) {
	now := time.Now().UTC()
	tracker := seededTracker(now)

	res, ok := fuseVoting(aaplSignals(now), tracker.Lookup, testFusionConfig())
	if !ok {
		t.Fatalf("expected voting fusion to produce a result")
	}
	if res.action != signal.ActionBuy {
		t.Fatalf("expected BUY majority, got %s", res.action)
	}

	// 两票对两票无绝对多数。
	split := []signal.Signal{
		signal.New("agent-a", "AAPL", signal.ActionBuy, 0.8, 0.7, ""),
		signal.New("agent-a", "AAPL", signal.ActionSell, 0.8, 0.7, ""),
	}
	for i := range split {
		split[i].Timestamp = now
	}
	if _, ok := fuseVoting(split, tracker.Lookup, testFusionConfig()); ok {
		t.Fatalf("tie must not yield an absolute majority")
	}
}

func TestMLFusionRecencyAndDirection(t *testing.T) {
	now := time.Now().UTC()
	tracker := seededTracker(now)

	res, ok := fuseML(aaplSignals(now), tracker.Lookup, testFusionConfig(), now)
	if !ok {
		t.Fatalf("expected ml fusion to produce a result")
	}
	if res.action != signal.ActionBuy {
		t.Fatalf("expected BUY, got %s", res.action)
	}

	// 陈旧的买方信号被时效衰减压制后，卖方占优。
	staleBuy := signal.New("agent-a", "AAPL", signal.ActionBuy, 0.9, 0.9, "")
	staleBuy.Timestamp = now.Add(-10 * time.Minute)
	freshSell := signal.New("agent-b", "AAPL", signal.ActionSell, 0.7, 0.6, "")
	freshSell.Timestamp = now

	res, ok = fuseML([]signal.Signal{staleBuy, freshSell}, tracker.Lookup, testFusionConfig(), now)
	if !ok {
		t.Fatalf("expected result after decay")
	}
	if res.action != signal.ActionSell {
		t.Fatalf("expected fresh SELL to dominate stale BUY, got %s", res.action)
	}
}

func TestMetaFusionRequiresTwoMethods(t *testing.T) {
	single := []methodResult{{
		method: MethodWeighted, action: signal.ActionBuy, confidence: 0.9, strength: 0.8,
	}}
	if _, ok := fuseMeta(single, testFusionConfig()); ok {
		t.Fatalf("meta fusion must require at least two base results")
	}
}

func TestMetaFusionConflictPenalty(t *testing.T) {
	cfg := testFusionConfig()

	aligned := []methodResult{
		{method: MethodWeighted, action: signal.ActionBuy, confidence: 0.8, strength: 0.6},
		{method: MethodVoting, action: signal.ActionBuy, confidence: 0.8, strength: 0.6},
		{method: MethodML, action: signal.ActionBuy, confidence: 0.8, strength: 0.6},
	}
	res, ok := fuseMeta(aligned, cfg)
	if !ok {
		t.Fatalf("aligned methods should fuse")
	}
	alignedConf := res.confidence

	// buy=0.4, sell=0.57 → 冲突比例 0.7018 > 0.7，施加 0.8 信心惩罚。
	conflicted := []methodResult{
		{method: MethodWeighted, action: signal.ActionBuy, confidence: 1.0, strength: 0.6},
		{method: MethodVoting, action: signal.ActionSell, confidence: 0.95, strength: 0.6},
		{method: MethodML, action: signal.ActionSell, confidence: 0.95, strength: 0.6},
	}
	res2, ok := fuseMeta(conflicted, cfg)
	if !ok {
		t.Fatalf("expected conflicted consensus to clear the meta threshold after penalty")
	}
	if res2.action != signal.ActionSell {
		t.Fatalf("expected SELL winner, got %s", res2.action)
	}
	wantConf := 0.57 * 0.8
	if diff := res2.confidence - wantConf; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected penalised confidence %.4f, got %.4f", wantConf, res2.confidence)
	}
	if res2.confidence >= alignedConf {
		t.Errorf("conflicted consensus should carry lower confidence: %f vs %f", res2.confidence, alignedConf)
	}

	// 完全对立且低置信时不应产出。
	weak := []methodResult{
		{method: MethodWeighted, action: signal.ActionBuy, confidence: 0.35, strength: 0.3},
		{method: MethodVoting, action: signal.ActionSell, confidence: 0.35, strength: 0.3},
	}
	if _, ok := fuseMeta(weak, cfg); ok {
		t.Errorf("balanced low-confidence conflict must not clear the meta threshold")
	}
}

func TestFusionDeterminism(t *testing.T) {
	now := time.Now().UTC()
	tracker := seededTracker(now)
	signals := aaplSignals(now)
	cfg := testFusionConfig()

	first, ok1 := fuseWeighted(signals, tracker.Lookup, cfg, now)
	second, ok2 := fuseWeighted(signals, tracker.Lookup, cfg, now)
	if ok1 != ok2 || first.action != second.action ||
		first.confidence != second.confidence || first.strength != second.strength {
		t.Fatalf("weighted fusion must be deterministic: %+v vs %+v", first, second)
	}

	v1, _ := fuseVoting(signals, tracker.Lookup, cfg)
	v2, _ := fuseVoting(signals, tracker.Lookup, cfg)
	if v1.action != v2.action || v1.confidence != v2.confidence {
		t.Fatalf("voting fusion must be deterministic: %+v vs %+v", v1, v2)
	}

	m1, _ := fuseML(signals, tracker.Lookup, cfg, now)
	m2, _ := fuseML(signals, tracker.Lookup, cfg, now)
	if m1.action != m2.action || m1.confidence != m2.confidence {
		t.Fatalf("ml fusion must be deterministic: %+v vs %+v", m1, m2)
	}
}
