// Package provider wraps the external market-data API: a synchronous HTTP
// client for historical bars and day-gainer snapshots, and a websocket
// stream client for live trades, quotes and minute aggregates.
package provider

import (
	"context"
	"errors"

	"ignitionflow/models"
)

// Error kinds surfaced by provider calls. Callers branch with errors.Is.
var (
	// ErrUnavailable marks transient transport failures (network, 5xx).
	ErrUnavailable = errors.New("provider unavailable")
	// ErrRejected marks 4xx-class responses; retrying will not help.
	ErrRejected = errors.New("provider rejected request")
)

// Historical is the synchronous RPC-style surface of the provider.
type Historical interface {
	// LatestTradingDay returns the market's latest completed trading day
	// as an ISO-8601 date.
	LatestTradingDay(ctx context.Context) (string, error)

	// ListDayGainers returns the current day-gainer snapshot.
	ListDayGainers(ctx context.Context) ([]models.DayGainer, error)

	// FetchDailyBars returns daily bars in (from, to], oldest first.
	FetchDailyBars(ctx context.Context, ticker, from, to string) ([]models.Bar, error)

	// FetchIntradayBars returns intraday bars for the given minute
	// multiplier (1, 5, 15 or 60). Limit is capped at 5000 per request.
	FetchIntradayBars(ctx context.Context, ticker string, multiplier int, from, to string, limit int) ([]models.Bar, error)
}

// Subscriber manages live stream subscriptions per channel.
type Subscriber interface {
	Subscribe(channel models.StreamChannel, tickers []string) error
	Unsubscribe(channel models.StreamChannel, tickers []string) error
}
