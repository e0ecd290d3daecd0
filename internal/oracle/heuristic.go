package oracle

import (
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"

	"zerg-trader/internal/signal"
)

const (
	rsiPeriod      = 14
	smaShortPeriod = 5
	smaLongPeriod  = 20
)

// heuristicSignal 为确定性的指标启发式：RSI 超买超卖叠加短长均线交叉。
// 同一价格序列永远得到同一结论。
func heuristicSignal(market MarketContext) signal.Signal {
	action := signal.ActionHold
	confidence := 0.3
	strength := 0.2
	reasoning := "样本不足，保持观望"

	prices := market.Prices
	if len(prices) > rsiPeriod {
		rsi := talib.Rsi(prices, rsiPeriod)
		latestRSI := rsi[len(rsi)-1]

		crossover := 0.0
		if len(prices) >= smaLongPeriod {
			short := talib.Sma(prices, smaShortPeriod)
			long := talib.Sma(prices, smaLongPeriod)
			latestLong := long[len(long)-1]
			if latestLong != 0 {
				crossover = (short[len(short)-1] - latestLong) / latestLong
			}
		}

		switch {
		case latestRSI < 30:
			action = signal.ActionBuy
			confidence = 0.5 + math.Min((30-latestRSI)/30, 1)*0.3
			strength = 0.5
			reasoning = fmt.Sprintf("RSI %.1f 进入超卖区", latestRSI)
		case latestRSI > 70:
			action = signal.ActionSell
			confidence = 0.5 + math.Min((latestRSI-70)/30, 1)*0.3
			strength = 0.5
			reasoning = fmt.Sprintf("RSI %.1f 进入超买区", latestRSI)
		case crossover > 0.01:
			action = signal.ActionBuy
			confidence = 0.45 + math.Min(crossover*10, 0.2)
			strength = 0.4
			reasoning = fmt.Sprintf("短期均线上穿长期均线 %.2f%%", crossover*100)
		case crossover < -0.01:
			action = signal.ActionSell
			confidence = 0.45 + math.Min(-crossover*10, 0.2)
			strength = 0.4
			reasoning = fmt.Sprintf("短期均线下穿长期均线 %.2f%%", crossover*100)
		default:
			reasoning = fmt.Sprintf("RSI %.1f 中性，均线纠缠", latestRSI)
		}
	}

	sig := signal.New(AgentID, market.Symbol, action, confidence, strength, reasoning)
	sig.Metadata = map[string]interface{}{"source": "heuristic"}
	return sig
}
