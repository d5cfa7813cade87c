package watchlist

import (
	"context"

	appconfig "ignitionflow/config"
	"ignitionflow/logger"
	"ignitionflow/models"
	"ignitionflow/provider"
	"ignitionflow/repository"
	"ignitionflow/scoring"
)

const (
	scanHistoryDays = 90
	avgVolumeDays   = 20
)

// ScanResult summarizes one scanner run.
type ScanResult struct {
	Scanned int `json:"scanned"`
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Partial int `json:"partial"`
}

// Scanner rebuilds the watchlist from stored bars plus the day-gainer
// snapshot and merges the result into the persisted list.
type Scanner struct {
	config *appconfig.Config
	repo   *repository.Repository
	scorer *scoring.Scorer
	hist   provider.Historical
	store  *Store
	log    *logger.Log
}

func NewScanner(cfg *appconfig.Config, repo *repository.Repository, scorer *scoring.Scorer, hist provider.Historical, store *Store) *Scanner {
	return &Scanner{
		config: cfg,
		repo:   repo,
		scorer: scorer,
		hist:   hist,
		store:  store,
		log:    logger.GetLogger(),
	}
}

// Run scores the current universe and merges updated entries. The
// universe is the persisted watchlist plus today's day gainers; gainer
// rows the scanner has not seen before enter with the day_gainer source.
func (sc *Scanner) Run(ctx context.Context) (ScanResult, error) {
	log := sc.log.WithComponent("scanner").WithFields(logger.Fields{"operation": "run"})

	universe := make(map[string]string) // ticker -> source for new entries
	for _, t := range sc.store.Tickers() {
		universe[t] = models.SourceScanner
	}

	gainers, err := sc.hist.ListDayGainers(ctx)
	if err != nil {
		log.WithError(err).Warn("day gainer snapshot unavailable, scanning watchlist only")
	}
	for _, g := range gainers {
		if _, ok := universe[g.Ticker]; !ok {
			universe[g.Ticker] = models.SourceDayGainer
		}
	}

	var result ScanResult
	updates := make([]models.WatchlistEntry, 0, len(universe))
	for ticker, source := range universe {
		daily, err := sc.repo.GetDailyBars(ctx, ticker, scanHistoryDays, true)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"ticker": ticker}).Warn("skipping ticker, bars unavailable")
			result.Skipped++
			continue
		}
		if daily.Partial {
			result.Partial++
		}
		if len(daily.Bars) == 0 {
			result.Skipped++
			continue
		}

		updates = append(updates, sc.buildEntry(ticker, source, daily.Bars))
		result.Scanned++
	}

	added, updated, err := sc.store.Merge(updates, true)
	if err != nil {
		return result, err
	}
	result.Added = added
	result.Updated = updated

	log.WithFields(logger.Fields{
		"scanned": result.Scanned,
		"added":   result.Added,
		"updated": result.Updated,
		"skipped": result.Skipped,
	}).Info("scanner run complete")
	return result, nil
}

func (sc *Scanner) buildEntry(ticker, source string, series models.DailySeries) models.WatchlistEntry {
	score := sc.scorer.Score(ticker, series)
	z := scoring.ZScore(ticker, series, sc.config.Scoring.Lookback)

	last := series[len(series)-1]
	changePct := 0.0
	if len(series) >= 2 {
		prev := series[len(series)-2].Close
		if prev > 0 {
			changePct = (last.Close - prev) / prev * 100
		}
	}

	var avgVol float64
	tail := series.Tail(avgVolumeDays)
	if len(tail) > 0 {
		for _, b := range tail {
			avgVol += b.Volume
		}
		avgVol /= float64(len(tail))
	}

	return models.WatchlistEntry{
		Ticker:      ticker,
		Score:       score.ScoreV2,
		ScoreV3:     score.ScoreV3,
		Stage:       scoring.StageName(score.Stage),
		StageNumber: score.Stage,
		LastClose:   last.Close,
		ChangePct:   changePct,
		AvgVolume:   avgVol,
		Intensities: score.Intensities,
		Source:      source,
		CanTrade:    score.DataAvailable,
		ZenV:        z.ZenV,
		ZenP:        z.ZenP,
	}
}
