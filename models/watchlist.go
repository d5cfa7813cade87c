package models

// WatchlistSource records how a ticker entered the watchlist.
const (
	SourceScanner   = "scanner"
	SourceDayGainer = "day_gainer"
	SourceManual    = "manual"
)

// WatchlistEntry is one persisted watchlist row. Field names are stable
// across releases; Extra keeps unknown intensity keys round-tripping.
type WatchlistEntry struct {
	Ticker      string             `json:"ticker"`
	Score       float64            `json:"score"`
	ScoreV3     float64            `json:"score_v3"`
	Stage       string             `json:"stage"`
	StageNumber int                `json:"stage_number"`
	LastClose   float64            `json:"last_close"`
	ChangePct   float64            `json:"change_pct"`
	AvgVolume   float64            `json:"avg_volume"`
	Intensities map[string]float64 `json:"intensities"`
	Source      string             `json:"source"`
	CanTrade    bool               `json:"can_trade"`
	ZenV        float64            `json:"zen_v,omitempty"`
	ZenP        float64            `json:"zen_p,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// DayGainer is one row of the provider's day-gainer snapshot.
type DayGainer struct {
	Ticker    string  `json:"ticker"`
	LastClose float64 `json:"last_close"`
	ChangePct float64 `json:"change_pct"`
	Volume    float64 `json:"volume"`
}
