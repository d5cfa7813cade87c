package models

import "time"

// TickKind discriminates stream payloads.
type TickKind string

const (
	TickTrade     TickKind = "trade"
	TickQuote     TickKind = "quote"
	TickAggregate TickKind = "agg"
)

// StreamChannel names a provider subscription channel.
type StreamChannel string

const (
	ChannelTrades     StreamChannel = "T"
	ChannelQuotes     StreamChannel = "Q"
	ChannelAggregates StreamChannel = "A"
)

// Tick is a single live stream event. Exactly one of the kind-specific
// field groups is meaningful, discriminated by Kind.
type Tick struct {
	Kind      TickKind `json:"kind"`
	Ticker    string   `json:"ticker"`
	Timestamp int64    `json:"timestamp"` // ms UTC

	// trade
	Price float64 `json:"price,omitempty"`
	Size  float64 `json:"size,omitempty"`

	// quote
	Bid float64 `json:"bid,omitempty"`
	Ask float64 `json:"ask,omitempty"`

	// minute aggregate
	Open   float64 `json:"open,omitempty"`
	High   float64 `json:"high,omitempty"`
	Low    float64 `json:"low,omitempty"`
	Close  float64 `json:"close,omitempty"`
	Volume float64 `json:"volume,omitempty"`

	Received time.Time `json:"-"`
}

// Malformed reports whether the tick is unusable for its declared kind.
// Malformed ticks are counted and dropped, never propagated.
func (t Tick) Malformed() bool {
	if t.Ticker == "" || t.Timestamp <= 0 {
		return true
	}
	switch t.Kind {
	case TickTrade:
		return t.Price <= 0 || t.Size < 0
	case TickQuote:
		return t.Bid < 0 || t.Ask < 0 || (t.Ask > 0 && t.Bid > t.Ask)
	case TickAggregate:
		b := Bar{Ticker: t.Ticker, Timestamp: t.Timestamp, Open: t.Open, High: t.High, Low: t.Low, Close: t.Close, Volume: t.Volume}
		return !b.Valid()
	}
	return true
}
