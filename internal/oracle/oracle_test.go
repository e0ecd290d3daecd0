package oracle

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"zerg-trader/internal/agent"
	"zerg-trader/internal/config"
	"zerg-trader/internal/signal"
)

func risingPrices(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + float64(i)
	}
	return out
}

func fallingPrices(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 200 - float64(i)
	}
	return out
}

func TestHeuristicDeterminism(t *testing.T) {
	market := MarketContext{Symbol: "AAPL", Prices: risingPrices(40)}

	first := heuristicSignal(market)
	second := heuristicSignal(market)

	if first.Action != second.Action {
		t.Fatalf("same input must give same action: %s vs %s", first.Action, second.Action)
	}
	if first.Confidence != second.Confidence || first.Strength != second.Strength {
		t.Fatalf("same input must give same scores")
	}
	if first.Reasoning != second.Reasoning {
		t.Fatalf("same input must give same reasoning")
	}
}

func TestHeuristicDirections(t *testing.T) {
	// 持续上涨把 RSI 推入超买区。
	sell := heuristicSignal(MarketContext{Symbol: "AAPL", Prices: risingPrices(40)})
	if sell.Action != signal.ActionSell {
		t.Errorf("overbought series should suggest SELL, got %s", sell.Action)
	}

	// 持续下跌把 RSI 推入超卖区。
	buy := heuristicSignal(MarketContext{Symbol: "AAPL", Prices: fallingPrices(40)})
	if buy.Action != signal.ActionBuy {
		t.Errorf("oversold series should suggest BUY, got %s", buy.Action)
	}

	// 样本不足时保持观望。
	hold := heuristicSignal(MarketContext{Symbol: "AAPL", Prices: []float64{100, 101}})
	if hold.Action != signal.ActionHold {
		t.Errorf("short series should suggest HOLD, got %s", hold.Action)
	}
	if err := hold.Validate(); err != nil {
		t.Errorf("heuristic signal must validate: %v", err)
	}
}

func TestAnalyzeFallsBackWhenModelUnavailable(t *testing.T) {
	// 指向不可达地址且超时极短，调用必然失败并退回启发式。
	client := NewClient(config.OracleConfig{
		Enabled: true,
		APIKey:  "test-key",
		BaseURL: "http://127.0.0.1:1/v1",
		Model:   "gpt-4o-mini",
		Timeout: 50 * time.Millisecond,
	}, zap.NewNop())

	market := MarketContext{Symbol: "AAPL", Prices: fallingPrices(40)}
	sig, err := client.Analyze(context.Background(), market)
	if err != nil {
		t.Fatalf("fallback must not surface an error, got %v", err)
	}
	if sig.Metadata["source"] != "heuristic" {
		t.Fatalf("expected heuristic fallback, got source %v", sig.Metadata["source"])
	}
	if sig.Action != signal.ActionBuy {
		t.Errorf("fallback must match the deterministic heuristic, got %s", sig.Action)
	}
}

func TestAnalyzeDisabledUsesHeuristic(t *testing.T) {
	client := NewClient(config.OracleConfig{Enabled: false}, zap.NewNop())

	sig, err := client.Analyze(context.Background(), MarketContext{Symbol: "AAPL", Prices: risingPrices(40)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig.Metadata["source"] != "heuristic" {
		t.Fatalf("disabled client must use the heuristic")
	}
	if sig.AgentID != AgentID {
		t.Errorf("signal must carry the oracle agent id, got %s", sig.AgentID)
	}
}

func TestAnalyzeRejectsEmptyInput(t *testing.T) {
	client := NewClient(config.OracleConfig{}, zap.NewNop())
	if _, err := client.Analyze(context.Background(), MarketContext{Symbol: "", Prices: []float64{1}}); err == nil {
		t.Fatalf("expected error for empty symbol")
	}
	if _, err := client.Analyze(context.Background(), MarketContext{Symbol: "AAPL"}); err == nil {
		t.Fatalf("expected error for empty prices")
	}
}

func TestOracleAgentLifecycle(t *testing.T) {
	oracleAgent := NewAgent(NewClient(config.OracleConfig{}, zap.NewNop()), zap.NewNop())
	ctx := context.Background()

	if err := oracleAgent.OnStart(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := oracleAgent.OnStart(ctx); err == nil {
		t.Fatalf("starting a running agent must fail")
	}
	if !oracleAgent.Running() {
		t.Fatalf("agent must report running")
	}

	signals, err := oracleAgent.Analyze(ctx, agent.AnalysisRequest{
		Symbol: "AAPL",
		Prices: risingPrices(40),
	})
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("expected one signal, got %d", len(signals))
	}
	if signals[0].Symbol != "AAPL" {
		t.Errorf("unexpected symbol %s", signals[0].Symbol)
	}

	if err := oracleAgent.OnStop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := oracleAgent.OnStop(ctx); err != nil {
		t.Fatalf("stopping a stopped agent must be a no-op, got %v", err)
	}
}
