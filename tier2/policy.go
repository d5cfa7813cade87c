// Package tier2 decides which watchlist tickers deserve the expensive
// per-tick subscription tier, and applies those decisions.
package tier2

import (
	"time"

	"ignitionflow/models"
)

// Decision is the outcome of evaluating one ticker.
type Decision int

const (
	Hold Decision = iota
	Promote
	Demote
)

func (d Decision) String() string {
	switch d {
	case Promote:
		return "promote"
	case Demote:
		return "demote"
	default:
		return "hold"
	}
}

// Promote reasons, surfaced in logs and the control API.
const (
	ReasonIgnitionReady    = "Ignition Ready"
	ReasonStage4VCP        = "Stage 4 VCP"
	ReasonVolumeDivergence = "Volume Divergence"
	ReasonDayGainer        = "Day Gainer Momentum"
)

// Inputs collects the latest scorer and monitor outputs for one ticker.
type Inputs struct {
	Ticker         string
	IgnitionScore  float64
	AntitrapPassed bool
	StageNumber    int
	ZenV           float64
	ZenP           float64
	ScoreV3        float64
	Source         string

	// LowSince is the start of the current ignition_score < 40 streak;
	// zero if the score is at or above 40.
	LowSince time.Time
	InTier2  bool
	IsActive bool
	Now      time.Time

	// DemoteWindow overrides the default sub-40 streak length; zero
	// keeps the 5 minute default.
	DemoteWindow time.Duration
}

const (
	promoteIgnitionScore = 70
	promoteZenV          = 2.0
	promoteZenPBelow     = 0.5
	promoteDayGainerV3   = 80
	demoteIgnitionBelow  = 40
	demoteLowWindow      = 5 * time.Minute
)

// Evaluate is pure: it returns the decision and, for promotions, the
// reason. Callers apply the result to the subscription manager and the
// dispatcher filter.
func Evaluate(in Inputs) (Decision, string) {
	if !in.InTier2 {
		switch {
		case in.IgnitionScore >= promoteIgnitionScore && in.AntitrapPassed:
			return Promote, ReasonIgnitionReady
		case in.StageNumber >= 4:
			return Promote, ReasonStage4VCP
		case in.ZenV >= promoteZenV && in.ZenP < promoteZenPBelow:
			return Promote, ReasonVolumeDivergence
		case in.ScoreV3 >= promoteDayGainerV3 && in.Source == models.SourceDayGainer:
			return Promote, ReasonDayGainer
		}
		return Hold, ""
	}

	if in.IsActive || in.StageNumber >= 3 {
		return Hold, ""
	}
	window := in.DemoteWindow
	if window <= 0 {
		window = demoteLowWindow
	}
	if !in.LowSince.IsZero() && in.Now.Sub(in.LowSince) >= window {
		return Demote, ""
	}
	return Hold, ""
}
