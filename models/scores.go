package models

// Signal intensity names shared by the seismograph score versions.
const (
	SignalTightRange      = "tight_range"
	SignalOBVDivergence   = "obv_divergence"
	SignalAccumulationBar = "accumulation_bar"
	SignalVolumeDryout    = "volume_dryout"
	SignalAbsorption      = "absorption"
)

// SeismographResult carries the daily-bar accumulation scores for one
// ticker. Scores are integers in [0,100]; intensities live in [0,1].
type SeismographResult struct {
	Ticker        string             `json:"ticker"`
	ScoreV1       float64            `json:"score_v1"`
	ScoreV2       float64            `json:"score_v2"`
	ScoreV3       float64            `json:"score_v3"`
	Stage         int                `json:"stage"`
	Intensities   map[string]float64 `json:"intensities"`
	IntensitiesV3 map[string]float64 `json:"intensities_v3"`
	DataAvailable bool               `json:"data_available"`
	LatestTs      int64              `json:"latest_ts"`
}

// ZScoreResult holds the volume/price divergence z-scores for the most
// recent daily bar against the prior lookback window.
type ZScoreResult struct {
	Ticker string  `json:"ticker"`
	ZenV   float64 `json:"zen_v"`
	ZenP   float64 `json:"zen_p"`
}

// Divergent reports the accumulation divergence read: unusual volume
// without a matching price move.
func (z ZScoreResult) Divergent() bool {
	return z.ZenV >= 2.0 && z.ZenP < 0.5
}

// IgnitionSnapshot is a point-in-time copy of one ticker's ignition
// state, safe to hand to readers outside the monitor.
type IgnitionSnapshot struct {
	Ticker         string  `json:"ticker"`
	Score          float64 `json:"ignition_score"`
	RVol1m         float64 `json:"rvol_1m"`
	PriceAccel     float64 `json:"price_accel"`
	SpreadPenalty  float64 `json:"spread_penalty"`
	AntitrapPassed bool    `json:"antitrap_passed"`
	Stale          bool    `json:"stale"`
	UpdatedAt      int64   `json:"updated_at"`
}
