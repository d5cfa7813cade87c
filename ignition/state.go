package ignition

import (
	"math"
	"time"

	"ignitionflow/models"
)

const (
	tradeWindowMs  = 60_000
	accelFastMs    = 10_000
	volHistMinutes = 20
	minuteRingSize = 60
	cadenceWindow  = 10 // seconds used to estimate tick cadence
)

type trade struct {
	ts    int64 // provider timestamp, ms
	price float64
	size  float64
}

type quote struct {
	ts  int64
	bid float64
	ask float64
}

type minuteBar struct {
	ts      int64
	o, h, l float64
	c, v    float64
}

// sessionClock maps trade timestamps onto trading sessions: a session
// runs from the configured start time to the next day's start, in
// exchange-local time.
type sessionClock struct {
	loc      *time.Location
	startMin int
}

func newSessionClock(start string) sessionClock {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("ET", -5*3600)
	}
	startMin := 9*60 + 30
	if t, err := time.Parse("15:04", start); err == nil {
		startMin = t.Hour()*60 + t.Minute()
	}
	return sessionClock{loc: loc, startMin: startMin}
}

// key returns the session date a timestamp belongs to. Prints before the
// session start count toward the previous session.
func (c sessionClock) key(tsMs int64) string {
	t := time.UnixMilli(tsMs).In(c.loc)
	if t.Hour()*60+t.Minute() < c.startMin {
		t = t.AddDate(0, 0, -1)
	}
	return t.Format("2006-01-02")
}

// tickerState is the per-ticker rolling state. It is mutated only by the
// monitor worker goroutine; readers get snapshots through the publish loop.
type tickerState struct {
	ticker  string
	ringCap int
	session sessionClock

	trades []trade // trailing 60 s, capped at ringCap, oldest first
	quote  quote

	// One-minute trade-volume buckets covering the last 20 minutes,
	// used as the median baseline for rvol_1m.
	volHist   [volHistMinutes]float64
	volMinute int64 // minute index of the current bucket

	bars []minuteBar // last 60 minute aggregates

	// Session VWAP accumulators, reset at the configured session start.
	sessionKey string
	sessionPV  float64
	sessionV   float64

	lastSeen time.Time
	dirty    bool
}

func newTickerState(ticker string, ringCap int, session sessionClock) *tickerState {
	if ringCap <= 0 {
		ringCap = 2048
	}
	return &tickerState{ticker: ticker, ringCap: ringCap, session: session, volMinute: -1}
}

func (s *tickerState) applyTrade(t models.Tick, now time.Time) {
	s.trades = append(s.trades, trade{ts: t.Timestamp, price: t.Price, size: t.Size})
	s.trimTrades(t.Timestamp)

	minute := t.Timestamp / 60_000
	if s.volMinute < 0 {
		s.volMinute = minute
	}
	for s.volMinute < minute {
		s.volMinute++
		s.volHist[s.volMinute%volHistMinutes] = 0
	}
	s.volHist[minute%volHistMinutes] += t.Size

	key := s.session.key(t.Timestamp)
	if key != s.sessionKey {
		s.sessionKey = key
		s.sessionPV = 0
		s.sessionV = 0
	}
	s.sessionPV += t.Price * t.Size
	s.sessionV += t.Size

	s.lastSeen = now
	s.dirty = true
}

func (s *tickerState) applyQuote(t models.Tick, now time.Time) {
	s.quote = quote{ts: t.Timestamp, bid: t.Bid, ask: t.Ask}
	s.lastSeen = now
	s.dirty = true
}

func (s *tickerState) applyAggregate(t models.Tick, now time.Time) {
	s.bars = append(s.bars, minuteBar{ts: t.Timestamp, o: t.Open, h: t.High, l: t.Low, c: t.Close, v: t.Volume})
	if len(s.bars) > minuteRingSize {
		s.bars = s.bars[len(s.bars)-minuteRingSize:]
	}
	s.lastSeen = now
	s.dirty = true
}

// trimTrades drops prints older than the 60 s window, then enforces the
// fixed ring capacity so a dense tape cannot grow memory unbounded.
func (s *tickerState) trimTrades(nowMs int64) {
	cut := nowMs - tradeWindowMs
	i := 0
	for i < len(s.trades) && s.trades[i].ts < cut {
		i++
	}
	if over := len(s.trades) - i - s.ringCap; s.ringCap > 0 && over > 0 {
		i += over
	}
	if i > 0 {
		s.trades = append(s.trades[:0], s.trades[i:]...)
	}
}

// volumeLast60s sums the trade sizes currently in the ring.
func (s *tickerState) volumeLast60s() float64 {
	var sum float64
	for _, t := range s.trades {
		sum += t.size
	}
	return sum
}

// rvol1m is volume over the last 60 s relative to the median one-minute
// bucket of the trailing 20 minutes.
func (s *tickerState) rvol1m() float64 {
	samples := make([]float64, 0, volHistMinutes)
	for _, v := range s.volHist {
		if v > 0 {
			samples = append(samples, v)
		}
	}
	base := median(samples)
	if base <= 0 {
		return 0
	}
	return s.volumeLast60s() / base
}

// vwapSince computes the VWAP of ring trades at or after cutMs.
func (s *tickerState) vwapSince(cutMs int64) float64 {
	var pv, v float64
	for _, t := range s.trades {
		if t.ts >= cutMs {
			pv += t.price * t.size
			v += t.size
		}
	}
	if v <= 0 {
		return 0
	}
	return pv / v
}

func (s *tickerState) priceAccel() float64 {
	if len(s.trades) == 0 {
		return 0
	}
	latest := s.trades[len(s.trades)-1].ts
	slow := s.vwapSince(latest - tradeWindowMs)
	fast := s.vwapSince(latest - accelFastMs)
	if slow <= 0 {
		return 0
	}
	return (fast - slow) / slow
}

func (s *tickerState) spreadPenalty() float64 {
	mid := (s.quote.bid + s.quote.ask) / 2
	if mid <= 0 || s.quote.ask <= s.quote.bid {
		return 0
	}
	spread := (s.quote.ask - s.quote.bid) / mid
	return clip(spread-0.002, 0, 0.02) / 0.02
}

// ticksPerSec estimates tape cadence from the trailing trade ring.
func (s *tickerState) ticksPerSec() float64 {
	if len(s.trades) == 0 {
		return 0
	}
	latest := s.trades[len(s.trades)-1].ts
	cut := latest - cadenceWindow*1000
	n := 0
	for _, t := range s.trades {
		if t.ts >= cut {
			n++
		}
	}
	return float64(n) / cadenceWindow
}

func (s *tickerState) sessionVWAP() float64 {
	if s.sessionV <= 0 {
		return 0
	}
	return s.sessionPV / s.sessionV
}

func clip(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
