package risk

import (
	"math"
	"sort"

	talib "github.com/markcheno/go-talib"
)

// 波动率代理的观察窗口。
const volatilityWindow = 20

// returnsFromEquity 把净值序列转换为逐期收益率。
func returnsFromEquity(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, equity[i]/equity[i-1]-1)
	}
	return out
}

// valueAtRisk95 取历史收益率的第5百分位，返回为正的损失幅度。
func valueAtRisk95(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx := int(math.Floor(0.05 * float64(len(sorted))))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	v := sorted[idx]
	if v >= 0 {
		return 0
	}
	return -v
}

// maxDrawdownOf 计算净值序列的峰谷最大回撤（0-1）。
func maxDrawdownOf(equity []float64) float64 {
	peak := math.Inf(-1)
	maxDD := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := (peak - v) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// currentDrawdownOf 计算最新净值相对历史峰值的回撤。
func currentDrawdownOf(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0]
	for _, v := range equity {
		if v > peak {
			peak = v
		}
	}
	if peak <= 0 {
		return 0
	}
	dd := (peak - equity[len(equity)-1]) / peak
	if dd < 0 {
		return 0
	}
	return dd
}

// sharpeOf 用固定日度无风险利率计算夏普比率。
func sharpeOf(returns []float64, riskFree float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := meanOf(returns)
	std := sampleStd(returns, mean)
	if std == 0 {
		return 0
	}
	return (mean - riskFree) / std
}

// sortinoOf 只用下行偏差作分母。没有任何下行样本时返回 0。
func sortinoOf(returns []float64, riskFree float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := meanOf(returns)

	downside := 0.0
	count := 0
	for _, r := range returns {
		if r < riskFree {
			diff := r - riskFree
			downside += diff * diff
			count++
		}
	}
	if count == 0 {
		return 0
	}
	dd := math.Sqrt(downside / float64(len(returns)))
	if dd == 0 {
		return 0
	}
	return (mean - riskFree) / dd
}

// betaAlphaOf 对基准收益序列回归得到 beta 与 alpha。
// 序列按尾部对齐，样本不足两对时返回零值。
func betaAlphaOf(returns, benchmark []float64, riskFree float64) (beta, alpha float64) {
	n := len(returns)
	if len(benchmark) < n {
		n = len(benchmark)
	}
	if n < 2 {
		return 0, 0
	}
	rs := returns[len(returns)-n:]
	bs := benchmark[len(benchmark)-n:]

	meanR := meanOf(rs)
	meanB := meanOf(bs)

	cov := 0.0
	varB := 0.0
	for i := 0; i < n; i++ {
		cov += (rs[i] - meanR) * (bs[i] - meanB)
		varB += (bs[i] - meanB) * (bs[i] - meanB)
	}
	if varB == 0 {
		return 0, 0
	}
	beta = cov / varB
	alpha = (meanR - riskFree) - beta*(meanB-riskFree)
	return beta, alpha
}

// volatilityProxy 用 talib 的滚动标准差估计近期收益波动，
// 结果限定在 [0,1]，作为风险评分的一项输入。
func volatilityProxy(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	period := volatilityWindow
	if period > len(returns) {
		period = len(returns)
	}
	std := talib.StdDev(returns, period, 1.0)
	latest := std[len(std)-1]
	if math.IsNaN(latest) || latest <= 0 {
		return 0
	}
	// 日收益标准差 5% 以上视为极端波动。
	scaled := latest / 0.05
	if scaled > 1 {
		return 1
	}
	return scaled
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func sampleStd(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	variance := 0.0
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(values) - 1)
	return math.Sqrt(variance)
}
