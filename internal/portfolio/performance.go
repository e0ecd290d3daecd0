package portfolio

import (
	"math"
	"time"
)

// 盈亏比上限。无亏损样本时按上限封顶，保持指标可 JSON 序列化。
const maxProfitFactor = 1000.0

// computePerformance 从合成净值序列与成交历史计算绩效指标。
func computePerformance(initialCash float64, series []float64, trades []Trade, now time.Time) Performance {
	perf := Performance{UpdatedAt: now}
	if len(series) == 0 || initialCash <= 0 {
		return perf
	}

	perf.TotalReturn = series[len(series)-1]/initialCash - 1
	perf.MaxDrawdown = drawdownOfSeries(series)
	perf.SharpeRatio = sharpeOfSeries(series)

	wins := 0
	losses := 0
	grossProfit := 0.0
	grossLoss := 0.0
	for _, t := range trades {
		if t.Status != StatusFilled {
			continue
		}
		realized, ok := t.Metadata["realized_pnl"].(float64)
		if !ok {
			continue
		}
		if realized > 0 {
			wins++
			grossProfit += realized
		} else if realized < 0 {
			losses++
			grossLoss += -realized
		}
	}
	if wins+losses > 0 {
		perf.WinRate = float64(wins) / float64(wins+losses)
	}
	if grossLoss > 0 {
		perf.ProfitFactor = math.Min(grossProfit/grossLoss, maxProfitFactor)
	} else if grossProfit > 0 {
		perf.ProfitFactor = maxProfitFactor
	}
	return perf
}

func drawdownOfSeries(series []float64) float64 {
	peak := math.Inf(-1)
	maxDD := 0.0
	for _, v := range series {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

func sharpeOfSeries(series []float64) float64 {
	if len(series) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		if series[i-1] == 0 {
			continue
		}
		returns = append(returns, series[i]/series[i-1]-1)
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(returns) - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std
}
