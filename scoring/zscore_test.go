package scoring

import (
	"testing"

	"ignitionflow/models"
)

func flatSeries(n int, volume float64) models.DailySeries {
	series := make(models.DailySeries, 0, n)
	for i := 0; i < n; i++ {
		series = append(series, models.Bar{
			Ticker:    "TEST",
			Timestamp: mondayMs + int64(i)*dayMs,
			Open:      100, High: 101, Low: 99, Close: 100,
			Volume: volume,
		})
	}
	return series
}

func TestZScoreZeroVariance(t *testing.T) {
	z := ZScore("TEST", flatSeries(30, 1_000_000), DefaultZScoreLookback)
	if z.ZenV != 0 || z.ZenP != 0 {
		t.Fatalf("zero-variance axes must yield 0, got %+v", z)
	}
}

func TestZScoreShortSeries(t *testing.T) {
	z := ZScore("TEST", flatSeries(10, 1_000_000), DefaultZScoreLookback)
	if z.ZenV != 0 || z.ZenP != 0 {
		t.Fatalf("short series must yield zeros, got %+v", z)
	}
}

func TestZScoreVolumeSpike(t *testing.T) {
	series := flatSeries(30, 1_000_000)
	// Prior volumes need some variance for a finite z.
	for i := range series {
		if i%2 == 0 {
			series[i].Volume = 1_050_000
		}
	}
	series[len(series)-1].Volume = 5_000_000

	z := ZScore("TEST", series, DefaultZScoreLookback)
	if z.ZenV < 2.0 {
		t.Fatalf("zenV = %v, want >= 2.0 for a 5x volume spike", z.ZenV)
	}
	if z.ZenP >= 0.5 {
		t.Fatalf("zenP = %v, want < 0.5 with flat closes", z.ZenP)
	}
	if !z.Divergent() {
		t.Fatal("volume spike on flat price must read divergent")
	}
}

func TestZScoreMinimumSeriesComputesZenV(t *testing.T) {
	// L+1 bars are enough: L prior volumes plus the latest bar.
	series := flatSeries(DefaultZScoreLookback+1, 1_000_000)
	for i := range series {
		if i%2 == 0 {
			series[i].Volume = 1_050_000
		}
	}
	series[len(series)-1].Volume = 5_000_000

	z := ZScore("TEST", series, DefaultZScoreLookback)
	if z.ZenV < 2.0 {
		t.Fatalf("zenV = %v, want >= 2.0 at the minimum series length", z.ZenV)
	}
	if !z.Divergent() {
		t.Fatal("volume spike on flat price must read divergent at minimum length")
	}
}

func TestZScoreDefaultLookback(t *testing.T) {
	series := flatSeries(30, 1_000_000)
	a := ZScore("TEST", series, 0)
	b := ZScore("TEST", series, DefaultZScoreLookback)
	if a != b {
		t.Fatalf("lookback 0 must fall back to default: %+v vs %+v", a, b)
	}
}
