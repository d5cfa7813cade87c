package scoring

import (
	"math"

	"ignitionflow/models"
)

// DefaultZScoreLookback is the prior-window length L.
const DefaultZScoreLookback = 20

// ZScore computes the volume and absolute-return z-scores of the most
// recent daily bar against the prior `lookback` bars. Axes with zero
// variance return 0. Series shorter than lookback+1 return zeros; at
// exactly lookback+1 bars the first prior return has no predecessor,
// so the return baseline runs one sample short.
func ZScore(ticker string, series models.DailySeries, lookback int) models.ZScoreResult {
	result := models.ZScoreResult{Ticker: ticker}
	if lookback <= 0 {
		lookback = DefaultZScoreLookback
	}
	if len(series) < lookback+1 {
		return result
	}

	window := series.Tail(lookback + 1)
	prior := window[:lookback]
	last := window[lookback]

	volumes := make([]float64, len(prior))
	returns := make([]float64, 0, len(prior))
	for i, b := range prior {
		volumes[i] = b.Volume
		// abs return needs the bar before; window starts one bar in.
		idx := len(series) - len(window) + i
		if idx > 0 && series[idx-1].Close > 0 {
			returns = append(returns, math.Abs(b.Close/series[idx-1].Close-1))
		}
	}

	lastReturn := 0.0
	if prior[len(prior)-1].Close > 0 {
		lastReturn = math.Abs(last.Close/prior[len(prior)-1].Close - 1)
	}

	result.ZenV = zOf(last.Volume, volumes)
	result.ZenP = zOf(lastReturn, returns)
	return result
}

func zOf(sample float64, prior []float64) float64 {
	if len(prior) == 0 {
		return 0
	}
	mu := mean(prior)
	variance := 0.0
	for _, v := range prior {
		d := v - mu
		variance += d * d
	}
	variance /= float64(len(prior))
	sigma := math.Sqrt(variance)
	if sigma == 0 {
		return 0
	}
	return (sample - mu) / sigma
}
