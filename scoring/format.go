package scoring

import (
	"encoding/json"
	"strconv"
)

// Wire formatting: scores carry 2 decimals, intensities 4, z-scores 6.

func FormatScore(v float64) json.Number {
	return json.Number(strconv.FormatFloat(v, 'f', 2, 64))
}

func FormatIntensity(v float64) json.Number {
	return json.Number(strconv.FormatFloat(v, 'f', 4, 64))
}

func FormatIntensities(m map[string]float64) map[string]json.Number {
	out := make(map[string]json.Number, len(m))
	for k, v := range m {
		out[k] = FormatIntensity(v)
	}
	return out
}

func FormatZScore(v float64) json.Number {
	return json.Number(strconv.FormatFloat(v, 'f', 6, 64))
}
