package models

import "time"

// Timeframe identifies the bar aggregation interval.
type Timeframe string

const (
	Timeframe1d  Timeframe = "1d"
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe60m Timeframe = "60m"
)

// Minutes returns the intraday multiplier for the timeframe, 0 for daily.
func (tf Timeframe) Minutes() int {
	switch tf {
	case Timeframe1m:
		return 1
	case Timeframe5m:
		return 5
	case Timeframe15m:
		return 15
	case Timeframe60m:
		return 60
	}
	return 0
}

// IntradayTimeframe maps a minute multiplier back to a Timeframe.
func IntradayTimeframe(minutes int) (Timeframe, bool) {
	switch minutes {
	case 1:
		return Timeframe1m, true
	case 5:
		return Timeframe5m, true
	case 15:
		return Timeframe15m, true
	case 60:
		return Timeframe60m, true
	}
	return "", false
}

// Bar is a single OHLCV bar. Timestamp is milliseconds UTC at bar open.
type Bar struct {
	Ticker    string  `json:"ticker"`
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Date returns the bar's UTC calendar date in ISO-8601.
func (b Bar) Date() string {
	return time.UnixMilli(b.Timestamp).UTC().Format("2006-01-02")
}

// Valid reports whether the bar satisfies the OHLCV invariants:
// l <= min(o,c), max(o,c) <= h and non-negative volume.
func (b Bar) Valid() bool {
	if b.Volume < 0 {
		return false
	}
	lo, hi := b.Open, b.Close
	if lo > hi {
		lo, hi = hi, lo
	}
	return b.Low <= lo && hi <= b.High
}

// DailySeries is an ordered run of daily bars, oldest first, with
// strictly increasing timestamps and no duplicate trading days.
type DailySeries []Bar

// LatestTimestamp returns the newest bar timestamp, 0 when empty.
func (s DailySeries) LatestTimestamp() int64 {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1].Timestamp
}

// Tail returns the last n bars (all of them when fewer exist).
func (s DailySeries) Tail(n int) DailySeries {
	if n >= len(s) {
		return s
	}
	return s[len(s)-n:]
}
