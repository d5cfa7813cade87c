// Package repository is the read-through facade over the bar store. On a
// miss, or when the stored data trails the market's latest completed
// trading day, bars are pulled from the provider, validated and upserted
// before the read is served.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	appconfig "ignitionflow/config"
	"ignitionflow/internal/metrics"
	"ignitionflow/logger"
	"ignitionflow/models"
	"ignitionflow/provider"
	"ignitionflow/store"
)

// DailyResult is the outcome of a daily read. Partial is set when the
// provider could not be reached and only stored data is returned.
type DailyResult struct {
	Bars         models.DailySeries
	Partial      bool
	RecordsAdded int
}

type Repository struct {
	config   *appconfig.Config
	store    *store.BarStore
	provider provider.Historical
	log      *logger.Log
}

func New(cfg *appconfig.Config, barStore *store.BarStore, hist provider.Historical) *Repository {
	return &Repository{
		config:   cfg,
		store:    barStore,
		provider: hist,
		log:      logger.GetLogger(),
	}
}

// GetDailyBars returns the last `days` daily bars for ticker, oldest
// first. With autoFill the gap between the stored maximum date and the
// market's latest completed trading day is fetched first. Fewer than
// `days` rows are returned when less history exists; rows are never
// fabricated. Unknown tickers yield an empty series and no error.
func (r *Repository) GetDailyBars(ctx context.Context, ticker string, days int, autoFill bool) (DailyResult, error) {
	var result DailyResult

	if autoFill {
		added, err := r.fillDailyGap(ctx, ticker)
		result.RecordsAdded = added
		switch {
		case err == nil:
		case errors.Is(err, provider.ErrUnavailable):
			// Serve what is stored; mark the result partial.
			r.log.WithComponent("repository").WithError(err).WithFields(logger.Fields{
				"ticker": ticker,
			}).Warn("gap-fill unavailable, serving stored bars")
			result.Partial = true
		default:
			return result, err
		}
	}

	bars, err := r.store.ReadDailyBars(ticker, days)
	if err != nil {
		return result, err
	}
	result.Bars = bars
	return result, nil
}

// fillDailyGap fetches (db_latest, market_latest] when the store trails
// the market. Returns the number of rows added.
func (r *Repository) fillDailyGap(ctx context.Context, ticker string) (int, error) {
	dbLatest, err := r.store.LatestDailyTimestamp(ticker)
	if err != nil {
		return 0, err
	}

	marketLatest, err := r.provider.LatestTradingDay(ctx)
	if err != nil {
		return 0, err
	}

	dbDate := ""
	if dbLatest > 0 {
		dbDate = time.UnixMilli(dbLatest).UTC().Format("2006-01-02")
	}
	if dbDate >= marketLatest {
		return 0, nil // up to date
	}

	fillID := uuid.New().String()
	log := r.log.WithComponent("repository").WithFields(logger.Fields{
		"ticker":        ticker,
		"fill_id":       fillID,
		"db_latest":     dbDate,
		"market_latest": marketLatest,
	})
	log.Info("filling daily gap")

	fetched, err := r.provider.FetchDailyBars(ctx, ticker, dbDate, marketLatest)
	if err != nil && len(fetched) == 0 {
		return 0, err
	}

	valid := fetched[:0]
	for _, b := range fetched {
		if b.Timestamp <= dbLatest {
			continue
		}
		if !validFillBar(b) {
			metrics.EmitDropMetric(r.log, metrics.DropMetricFillRecord, "", ticker, "gap_fill")
			log.WithFields(logger.Fields{"timestamp": b.Timestamp}).Warn("dropping invalid provider bar")
			continue
		}
		valid = append(valid, b)
	}

	added, werr := r.store.WriteDailyBars(ticker, valid)
	if werr != nil {
		return added, werr
	}

	log.WithFields(logger.Fields{"records_added": added}).Info("daily gap filled")
	// A partial page followed by a transport error still surfaces the
	// error so the caller can flag the result.
	return added, err
}

// validFillBar applies the per-record validation rule: OHLC ordering,
// non-negative volume and a timestamp on a trading day.
func validFillBar(b models.Bar) bool {
	if !b.Valid() {
		return false
	}
	switch time.UnixMilli(b.Timestamp).UTC().Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

// GetIntradayBars serves intraday bars from the store, fetching from the
// provider on a complete miss for the requested range.
func (r *Repository) GetIntradayBars(ctx context.Context, ticker string, tfMinutes int, fromTs, toTs int64, limit int) ([]models.Bar, error) {
	tf, ok := models.IntradayTimeframe(tfMinutes)
	if !ok {
		return nil, errors.New("unsupported intraday timeframe")
	}

	bars, err := r.store.ReadIntradayBars(ticker, tf, fromTs, toTs, limit)
	if err != nil {
		return nil, err
	}
	if len(bars) > 0 {
		return bars, nil
	}

	from := time.UnixMilli(fromTs).UTC().Format("2006-01-02")
	to := time.UnixMilli(toTs).UTC().Format("2006-01-02")
	fetched, err := r.provider.FetchIntradayBars(ctx, ticker, tfMinutes, from, to, limit)
	if err != nil {
		if errors.Is(err, provider.ErrUnavailable) {
			return bars, nil
		}
		return nil, err
	}
	if _, err := r.store.WriteIntradayBars(ticker, tf, fetched); err != nil {
		return nil, err
	}
	return r.store.ReadIntradayBars(ticker, tf, fromTs, toTs, limit)
}

// SyncDaily runs the gap-fill across the given universe. Unreachable
// tickers are skipped; the total number of added records is returned.
func (r *Repository) SyncDaily(ctx context.Context, tickers []string) (int, error) {
	total := 0
	var firstErr error
	for _, ticker := range tickers {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		added, err := r.fillDailyGap(ctx, ticker)
		total += added
		if err != nil && firstErr == nil && !errors.Is(err, provider.ErrUnavailable) {
			firstErr = err
		}
	}
	return total, firstErr
}
