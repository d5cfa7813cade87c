// Package scoring holds the pure daily-bar scorers: the seismograph
// accumulation score family (v1/v2/v3) and the volume/price z-score
// divergence detector. Nothing in this package blocks or touches I/O;
// given the same series and weight table the outputs are bit-identical
// across runs.
package scoring

import (
	"math"
	"sort"
	"sync"

	appconfig "ignitionflow/config"
	"ignitionflow/models"
)

// Minimum series lengths per score version.
const (
	MinBarsV1 = 5
	MinBarsV2 = 20
	MinBarsV3 = 60
)

// SCORE_WEIGHTS is the default v2 weight table. Entries sum to 1.0.
var SCORE_WEIGHTS = map[string]float64{
	models.SignalTightRange:      0.30,
	models.SignalOBVDivergence:   0.25,
	models.SignalAccumulationBar: 0.25,
	models.SignalVolumeDryout:    0.20,
}

// V3_WEIGHTS is the default v3 weight table. Entries sum to 1.0.
var V3_WEIGHTS = map[string]float64{
	models.SignalTightRange:      0.30,
	models.SignalAccumulationBar: 0.30,
	models.SignalVolumeDryout:    0.20,
	models.SignalAbsorption:      0.20,
}

// v1 predates the tight-range and OBV signals; it weighs the two cheap
// volume signals equally.
var v1Weights = map[string]float64{
	models.SignalAccumulationBar: 0.50,
	models.SignalVolumeDryout:    0.50,
}

type cacheKey struct {
	ticker   string
	latestTs int64
}

// Scorer computes seismograph results, memoizing by (ticker, latest_ts).
type Scorer struct {
	weightsV2 map[string]float64
	weightsV3 map[string]float64

	mu    sync.Mutex
	cache map[cacheKey]models.SeismographResult
}

// NewScorer builds a scorer using the configured weight tables, falling
// back to the built-in defaults when the config leaves them empty.
func NewScorer(cfg *appconfig.Config) *Scorer {
	w2 := cfg.Scoring.WeightsV2
	if len(w2) == 0 {
		w2 = SCORE_WEIGHTS
	}
	w3 := cfg.Scoring.WeightsV3
	if len(w3) == 0 {
		w3 = V3_WEIGHTS
	}
	return &Scorer{
		weightsV2: w2,
		weightsV3: w3,
		cache:     make(map[cacheKey]models.SeismographResult),
	}
}

// Score computes the full seismograph result for a daily series. Series
// shorter than MinBarsV1 yield a zero score, stage 0 and
// DataAvailable=false.
func (s *Scorer) Score(ticker string, series models.DailySeries) models.SeismographResult {
	if len(series) < MinBarsV1 {
		return models.SeismographResult{
			Ticker:        ticker,
			Intensities:   map[string]float64{},
			IntensitiesV3: map[string]float64{},
		}
	}

	key := cacheKey{ticker: ticker, latestTs: series.LatestTimestamp()}
	s.mu.Lock()
	if cached, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return cached
	}
	s.mu.Unlock()

	intensities := Intensities(series)
	intensitiesV3 := IntensitiesV3(series)

	result := models.SeismographResult{
		Ticker:        ticker,
		ScoreV1:       WeightedScore(v1Weights, intensities),
		Intensities:   intensities,
		IntensitiesV3: intensitiesV3,
		DataAvailable: true,
		LatestTs:      key.latestTs,
	}
	if len(series) >= MinBarsV2 {
		result.ScoreV2 = WeightedScore(s.weightsV2, intensities)
		result.Stage = StageFor(result.ScoreV2, intensities)
	}
	if len(series) >= MinBarsV3 {
		result.ScoreV3 = WeightedScore(s.weightsV3, intensitiesV3)
	}

	s.mu.Lock()
	s.cache[key] = result
	s.mu.Unlock()
	return result
}

// WeightedScore folds intensities through a weight table:
// round(100 * sum(w_i * intensity_i)), round-half-to-even. Keys are
// visited in sorted order so summation order never varies.
func WeightedScore(weights, intensities map[string]float64) float64 {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)

	sum := 0.0
	for _, name := range names {
		sum += weights[name] * intensities[name]
	}
	return math.RoundToEven(100 * sum)
}

// StageFor derives the discrete accumulation stage 0..4 from the v2
// score and the signal intensities.
func StageFor(scoreV2 float64, intensities map[string]float64) int {
	dryout := intensities[models.SignalVolumeDryout]
	accum := intensities[models.SignalAccumulationBar]
	tight := intensities[models.SignalTightRange]

	switch {
	case scoreV2 >= 70 && accum >= 0.4:
		if tight >= 0.7 {
			return 4 // VCP breakout imminent
		}
		return 3
	case scoreV2 >= 55 && scoreV2 < 70 && dryout >= 0.5:
		return 2
	case scoreV2 >= 40 && scoreV2 < 55:
		return 1
	default:
		return 0
	}
}

// StageName renders the stage for persisted watchlist rows.
func StageName(stage int) string {
	switch stage {
	case 1:
		return "Stage 1: Early Accumulation"
	case 2:
		return "Stage 2: Dry-Out"
	case 3:
		return "Stage 3: Accumulation"
	case 4:
		return "Stage 4: VCP"
	default:
		return "Stage 0: Neutral"
	}
}

// Intensities computes the v2 signal intensity map. Windows shrink when
// the series is shorter than the nominal lookback so that v1 scoring
// stays defined from MinBarsV1 bars.
func Intensities(series models.DailySeries) map[string]float64 {
	return map[string]float64{
		models.SignalTightRange:      tightRange(series),
		models.SignalOBVDivergence:   obvDivergence(series),
		models.SignalAccumulationBar: accumulationBar(series),
		models.SignalVolumeDryout:    volumeDryout(series),
	}
}

// IntensitiesV3 computes the v3 map: the v2 signals plus absorption
// (the OBV signal gated on a 60% up-close fraction).
func IntensitiesV3(series models.DailySeries) map[string]float64 {
	m := Intensities(series)
	m[models.SignalAbsorption] = absorption(series)
	return m
}

// tightRange: 1 - range_10 / P90(range_60), clipped to [0,1], where
// range_n is the mean (high-low)/close over the window.
func tightRange(series models.DailySeries) float64 {
	ranges := normalizedRanges(series, 60)
	if len(ranges) < 10 {
		return 0
	}
	recent := mean(ranges[len(ranges)-10:])
	p90 := percentile(ranges, 0.90)
	if p90 <= 0 {
		return 0
	}
	return clip(1-recent/p90, 0, 1)
}

// obvDivergence compares the OBV trend against the price trend over the
// last 20 bars. Both slopes are normalized to dimensionless drift and
// squashed to (-1,1); the difference is mapped to [0,1] with 0.5 at
// parity. OBV rising faster than price reads as accumulation.
func obvDivergence(series models.DailySeries) float64 {
	window := series.Tail(20)
	if len(window) < 5 {
		return 0.5
	}

	obv := obvSeries(window)
	closes := make([]float64, len(window))
	for i, b := range window {
		closes[i] = b.Close
	}

	obvTrend := math.Tanh(normalizedSlope(obv))
	priceTrend := math.Tanh(normalizedSlope(closes))
	return clip(0.5+0.5*(obvTrend-priceTrend), 0, 1)
}

// absorption is the v3 OBV signal gated on close >= open in at least 60%
// of the last 20 bars; when the gate fails the intensity is 0.
func absorption(series models.DailySeries) float64 {
	window := series.Tail(20)
	if len(window) < 5 {
		return 0
	}
	up := 0
	for _, b := range window {
		if b.Close >= b.Open {
			up++
		}
	}
	if float64(up) < 0.6*float64(len(window)) {
		return 0
	}
	return obvDivergence(series)
}

// accumulationBar: fraction of the last 20 bars closing in the upper
// third of their intrabar range on volume >= 1.2x the window median.
func accumulationBar(series models.DailySeries) float64 {
	window := series.Tail(20)
	if len(window) == 0 {
		return 0
	}

	volumes := make([]float64, len(window))
	for i, b := range window {
		volumes[i] = b.Volume
	}
	medVol := median(volumes)

	hits := 0
	for _, b := range window {
		span := b.High - b.Low
		if span <= 0 {
			continue
		}
		if (b.Close-b.Low)/span >= 2.0/3.0 && b.Volume >= 1.2*medVol {
			hits++
		}
	}
	return float64(hits) / float64(len(window))
}

// volumeDryout: 1 - median(vol last 5) / median(vol prior 20), clipped.
func volumeDryout(series models.DailySeries) float64 {
	if len(series) < 6 {
		return 0
	}
	recentN := 5
	if len(series) < 10 {
		recentN = len(series) / 2
	}
	recent := series[len(series)-recentN:]
	prior := series[:len(series)-recentN]
	if len(prior) > 20 {
		prior = prior[len(prior)-20:]
	}

	recentVols := make([]float64, len(recent))
	for i, b := range recent {
		recentVols[i] = b.Volume
	}
	priorVols := make([]float64, len(prior))
	for i, b := range prior {
		priorVols[i] = b.Volume
	}

	priorMed := median(priorVols)
	if priorMed <= 0 {
		return 0
	}
	return clip(1-median(recentVols)/priorMed, 0, 1)
}

func obvSeries(window models.DailySeries) []float64 {
	obv := make([]float64, len(window))
	running := 0.0
	for i, b := range window {
		if i > 0 {
			switch {
			case b.Close > window[i-1].Close:
				running += b.Volume
			case b.Close < window[i-1].Close:
				running -= b.Volume
			}
		}
		obv[i] = running
	}
	return obv
}

func normalizedRanges(series models.DailySeries, n int) []float64 {
	window := series.Tail(n)
	out := make([]float64, 0, len(window))
	for _, b := range window {
		if b.Close <= 0 {
			continue
		}
		out = append(out, (b.High-b.Low)/b.Close)
	}
	return out
}

// normalizedSlope is the least-squares slope per step divided by the
// mean absolute level, yielding dimensionless drift per bar.
func normalizedSlope(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	slope := (fn*sumXY - sumX*sumY) / denom

	scale := 0.0
	for _, v := range values {
		scale += math.Abs(v)
	}
	scale /= fn
	if scale == 0 {
		return 0
	}
	return slope / scale
}

func clip(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// percentile uses the nearest-rank method over a copy of the input.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
