package fusion

import (
	"math"
	"sort"
	"time"

	"zerg-trader/internal/config"
	"zerg-trader/internal/signal"
)

// 融合方法名称，写入产出信号的元数据。
const (
	MethodWeighted = "weighted"
	MethodVoting   = "voting"
	MethodML       = "ml_ensemble"
	MethodMeta     = "meta"
)

// 加权融合中代理权重的组成比例。
const (
	weightAccuracy   = 0.4
	weightExperience = 0.2
	weightSharpe     = 0.3
	weightRecency    = 0.1

	performanceHalfLife = 7 * 24 * time.Hour
	mlRecencyHalfLife   = time.Minute
)

// 元融合中各子方法的基准权重。
var metaMethodWeights = map[string]float64{
	MethodWeighted: 0.4,
	MethodVoting:   0.3,
	MethodML:       0.3,
}

const metaConflictLimit = 0.7
const metaConflictPenalty = 0.8

// methodResult 为单个融合方法的产出。
type methodResult struct {
	method       string
	action       signal.Action
	confidence   float64
	strength     float64
	contributors []string
	scores       map[string]float64
}

// performanceLookup 查询代理表现；隔离 tracker 便于单测。
type performanceLookup func(agentID string) AgentPerformance

// agentWeight 按准确率(40%)、经验(20%)、归一化Sharpe(30%)、
// 更新新鲜度(10%, 7天半衰期)混合出代理权重。
func agentWeight(perf AgentPerformance, now time.Time) float64 {
	experience := math.Min(1, float64(perf.TotalSignals)/100)

	recency := 0.0
	if !perf.LastUpdated.IsZero() {
		recency = halfLifeDecay(now.Sub(perf.LastUpdated), performanceHalfLife)
	}

	return weightAccuracy*perf.Accuracy +
		weightExperience*experience +
		weightSharpe*normalizeSharpe(perf.SharpeRatio) +
		weightRecency*recency
}

// normalizeSharpe 将 Sharpe 压缩到 [0,1]，3 以上视为满分。
func normalizeSharpe(sharpe float64) float64 {
	return clamp01(sharpe / 3)
}

func halfLifeDecay(age, halfLife time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * float64(age) / float64(halfLife))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

type actionTally struct {
	score      float64
	weight     float64
	confidence float64
	strength   float64
	agents     []string
}

// fuseWeighted 执行加权融合：单信号得分 = confidence×strength×代理权重，
// 按动作归一化后取胜者，需超过阈值。
func fuseWeighted(signals []signal.Signal, lookup performanceLookup, cfg config.FusionConfig, now time.Time) (methodResult, bool) {
	tallies := make(map[signal.Action]*actionTally)

	for _, sig := range signals {
		if sig.Action == signal.ActionHold && !cfg.AllowHold {
			continue
		}
		w := agentWeight(lookup(sig.AgentID), now)
		if w <= 0 {
			continue
		}
		score := sig.Confidence * sig.Strength * w

		tally, ok := tallies[sig.Action]
		if !ok {
			tally = &actionTally{}
			tallies[sig.Action] = tally
		}
		tally.score += score
		tally.weight += w
		tally.confidence += sig.Confidence * w
		tally.strength += sig.Strength * w
		tally.agents = append(tally.agents, sig.AgentID)
	}
	if len(tallies) == 0 {
		return methodResult{}, false
	}

	scores := make(map[string]float64, len(tallies))
	var totalScore float64
	var winner signal.Action
	var winnerNorm float64

	for _, action := range sortedActions(tallies) {
		tally := tallies[action]
		norm := tally.score / tally.weight
		scores[string(action)] = norm
		totalScore += tally.score
		if norm > winnerNorm {
			winnerNorm = norm
			winner = action
		}
	}

	if winnerNorm < cfg.WeightedThreshold {
		return methodResult{}, false
	}

	win := tallies[winner]
	dominance := 1.0
	if totalScore > 0 {
		dominance = win.score / totalScore
	}

	return methodResult{
		method:       MethodWeighted,
		action:       winner,
		confidence:   clamp01(win.confidence / win.weight * dominance),
		strength:     clamp01(winnerNorm),
		contributors: dedupe(win.agents),
		scores:       scores,
	}, true
}

// fuseVoting 执行投票融合：每信号一票，按代理原始准确率加权；
// 胜者需绝对多数与最低质量得分。
func fuseVoting(signals []signal.Signal, lookup performanceLookup, cfg config.FusionConfig) (methodResult, bool) {
	votes := make(map[signal.Action]*actionTally)
	var totalVotes float64

	for _, sig := range signals {
		acc := lookup(sig.AgentID).Accuracy
		if acc <= 0 {
			continue
		}

		tally, ok := votes[sig.Action]
		if !ok {
			tally = &actionTally{}
			votes[sig.Action] = tally
		}
		tally.weight += acc
		tally.score += sig.Confidence * sig.Strength * acc
		tally.confidence += sig.Confidence * acc
		tally.strength += sig.Strength * acc
		tally.agents = append(tally.agents, sig.AgentID)
		totalVotes += acc
	}
	if totalVotes <= 0 {
		return methodResult{}, false
	}

	scores := make(map[string]float64, len(votes))
	var winner signal.Action
	var winnerVotes float64
	for _, action := range sortedActions(votes) {
		tally := votes[action]
		scores[string(action)] = tally.weight / totalVotes
		if tally.weight > winnerVotes {
			winnerVotes = tally.weight
			winner = action
		}
	}

	// 绝对多数：胜方票数需超过总票数一半。
	if winnerVotes <= totalVotes/2 {
		return methodResult{}, false
	}
	if winner == signal.ActionHold && !cfg.AllowHold {
		return methodResult{}, false
	}

	win := votes[winner]
	quality := win.score / win.weight
	if quality < cfg.VoteThreshold {
		return methodResult{}, false
	}

	return methodResult{
		method:       MethodVoting,
		action:       winner,
		confidence:   clamp01(win.confidence / win.weight * (winnerVotes / totalVotes)),
		strength:     clamp01(quality),
		contributors: dedupe(win.agents),
		scores:       scores,
	}, true
}

// fuseML 执行类集成融合：得分 = confidence×strength×可靠度×时效衰减，
// 按买卖分别求和，胜者由差值符号决定并需超过归一化阈值。
func fuseML(signals []signal.Signal, lookup performanceLookup, cfg config.FusionConfig, now time.Time) (methodResult, bool) {
	var buy, sell actionTally

	for _, sig := range signals {
		if sig.Action == signal.ActionHold {
			continue
		}
		reliability := lookup(sig.AgentID).Accuracy
		decay := halfLifeDecay(now.Sub(sig.Timestamp), mlRecencyHalfLife)
		score := sig.Confidence * sig.Strength * reliability * decay

		switch sig.Action {
		case signal.ActionBuy:
			buy.score += score
			buy.confidence += sig.Confidence * score
			buy.strength += sig.Strength * score
			buy.agents = append(buy.agents, sig.AgentID)
		case signal.ActionSell:
			sell.score += score
			sell.confidence += sig.Confidence * score
			sell.strength += sig.Strength * score
			sell.agents = append(sell.agents, sig.AgentID)
		}
	}

	total := buy.score + sell.score
	if total <= 0 {
		return methodResult{}, false
	}

	dominance := math.Abs(buy.score-sell.score) / total
	if dominance < cfg.MLThreshold {
		return methodResult{}, false
	}

	winner := signal.ActionBuy
	win := buy
	if sell.score > buy.score {
		winner = signal.ActionSell
		win = sell
	}

	return methodResult{
		method:       MethodML,
		action:       winner,
		confidence:   clamp01(win.confidence / win.score * dominance),
		strength:     clamp01(win.strength / win.score),
		contributors: dedupe(win.agents),
		scores: map[string]float64{
			string(signal.ActionBuy):  buy.score / total,
			string(signal.ActionSell): sell.score / total,
		},
	}, true
}

// fuseMeta 在至少两个子方法产出时运行，对子方法结果重新加权，
// 冲突比例过高时施加信心惩罚，并要求更高阈值。
func fuseMeta(results []methodResult, cfg config.FusionConfig) (methodResult, bool) {
	if len(results) < 2 {
		return methodResult{}, false
	}

	var totalWeight float64
	var buyScore, sellScore float64
	buyMethods := make([]string, 0, len(results))
	sellMethods := make([]string, 0, len(results))
	contributors := make([]string, 0)
	scores := make(map[string]float64, len(results))

	for _, res := range results {
		w, ok := metaMethodWeights[res.method]
		if !ok {
			continue
		}
		totalWeight += w
		scores[res.method] = res.confidence
		contributors = append(contributors, res.contributors...)

		switch res.action {
		case signal.ActionBuy:
			buyScore += w * res.confidence
			buyMethods = append(buyMethods, res.method)
		case signal.ActionSell:
			sellScore += w * res.confidence
			sellMethods = append(sellMethods, res.method)
		}
	}
	if totalWeight <= 0 || buyScore+sellScore <= 0 {
		return methodResult{}, false
	}

	winner := signal.ActionBuy
	winScore := buyScore
	agreeing := buyMethods
	if sellScore > buyScore {
		winner = signal.ActionSell
		winScore = sellScore
		agreeing = sellMethods
	}

	confidence := winScore / totalWeight

	conflict := 0.0
	if high := math.Max(buyScore, sellScore); high > 0 {
		conflict = math.Min(buyScore, sellScore) / high
	}
	if conflict > metaConflictLimit {
		confidence *= metaConflictPenalty
	}

	if confidence < cfg.MetaThreshold {
		return methodResult{}, false
	}

	var strength float64
	for _, res := range results {
		for _, m := range agreeing {
			if res.method == m {
				strength += res.strength
			}
		}
	}
	if len(agreeing) > 0 {
		strength /= float64(len(agreeing))
	}

	sort.Strings(agreeing)
	result := methodResult{
		method:       MethodMeta,
		action:       winner,
		confidence:   clamp01(confidence),
		strength:     clamp01(strength),
		contributors: dedupe(contributors),
		scores:       scores,
	}
	result.scores["conflict_ratio"] = conflict
	return result, true
}

// metadata 构造写入产出信号的溯源元数据。
func (r methodResult) metadata(agreeing []string) map[string]interface{} {
	meta := map[string]interface{}{
		"method":       r.method,
		"contributors": r.contributors,
		"scores":       r.scores,
	}
	if len(agreeing) > 0 {
		meta["agreeing_methods"] = agreeing
	}
	return meta
}

func sortedActions(m map[signal.Action]*actionTally) []signal.Action {
	actions := make([]signal.Action, 0, len(m))
	for action := range m {
		actions = append(actions, action)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return actions
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
