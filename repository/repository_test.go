package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	appconfig "ignitionflow/config"
	"ignitionflow/models"
	"ignitionflow/provider"
	"ignitionflow/store"
)

const dayMs = int64(24 * 60 * 60 * 1000)

// mondayMs is 2025-01-06, a Monday.
const mondayMs = int64(1736121600000)

type fakeProvider struct {
	latestDay    string
	daily        map[string][]models.Bar
	unavailable  bool
	fetchCalls   int
	lastFromDate string
}

func (f *fakeProvider) LatestTradingDay(ctx context.Context) (string, error) {
	if f.unavailable {
		return "", fmt.Errorf("snapshot down: %w", provider.ErrUnavailable)
	}
	return f.latestDay, nil
}

func (f *fakeProvider) ListDayGainers(ctx context.Context) ([]models.DayGainer, error) {
	return nil, nil
}

func (f *fakeProvider) FetchDailyBars(ctx context.Context, ticker, from, to string) ([]models.Bar, error) {
	f.fetchCalls++
	f.lastFromDate = from
	if f.unavailable {
		return nil, fmt.Errorf("historical down: %w", provider.ErrUnavailable)
	}
	return f.daily[ticker], nil
}

func (f *fakeProvider) FetchIntradayBars(ctx context.Context, ticker string, multiplier int, from, to string, limit int) ([]models.Bar, error) {
	return nil, nil
}

func weekdayBars(n int, start int64) []models.Bar {
	bars := make([]models.Bar, 0, n)
	ts := start
	for len(bars) < n {
		wd := time.UnixMilli(ts).UTC().Weekday()
		if wd != time.Saturday && wd != time.Sunday {
			base := 20.0 + float64(len(bars))
			bars = append(bars, models.Bar{
				Ticker:    "AAPL",
				Timestamp: ts,
				Open:      base, High: base + 1, Low: base - 1, Close: base + 0.5,
				Volume: 500_000,
			})
		}
		ts += dayMs
	}
	return bars
}

func testRepo(t *testing.T, p provider.Historical) (*Repository, *store.BarStore) {
	t.Helper()
	cfg := appconfig.Default()
	cfg.Store.Root = t.TempDir()
	barStore := store.NewBarStore(cfg)
	return New(cfg, barStore, p), barStore
}

func TestGapFillUpToDateNoFetch(t *testing.T) {
	bars := weekdayBars(5, mondayMs)
	latest := bars[len(bars)-1]
	p := &fakeProvider{latestDay: latest.Date()}
	repo, barStore := testRepo(t, p)

	if _, err := barStore.WriteDailyBars("AAPL", bars); err != nil {
		t.Fatalf("seed: %v", err)
	}

	result, err := repo.GetDailyBars(context.Background(), "AAPL", 10, true)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.fetchCalls != 0 {
		t.Fatalf("fetch calls = %d, want 0 when store is current", p.fetchCalls)
	}
	if result.RecordsAdded != 0 || result.Partial {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Bars) != 5 {
		t.Fatalf("bars = %d, want 5", len(result.Bars))
	}
}

func TestGapFillFetchesMissingSuffix(t *testing.T) {
	all := weekdayBars(8, mondayMs)
	stored := all[:5]
	p := &fakeProvider{
		latestDay: all[len(all)-1].Date(),
		daily:     map[string][]models.Bar{"AAPL": all},
	}
	repo, barStore := testRepo(t, p)
	if _, err := barStore.WriteDailyBars("AAPL", stored); err != nil {
		t.Fatalf("seed: %v", err)
	}

	result, err := repo.GetDailyBars(context.Background(), "AAPL", 20, true)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.fetchCalls != 1 {
		t.Fatalf("fetch calls = %d, want 1", p.fetchCalls)
	}
	if result.RecordsAdded != 3 {
		t.Fatalf("records added = %d, want 3", result.RecordsAdded)
	}
	if len(result.Bars) != 8 {
		t.Fatalf("bars = %d, want 8 after fill", len(result.Bars))
	}
	for i := 1; i < len(result.Bars); i++ {
		if result.Bars[i].Timestamp <= result.Bars[i-1].Timestamp {
			t.Fatal("fill introduced out-of-order or duplicate timestamps")
		}
	}
}

func TestGapFillIdempotent(t *testing.T) {
	all := weekdayBars(8, mondayMs)
	p := &fakeProvider{
		latestDay: all[len(all)-1].Date(),
		daily:     map[string][]models.Bar{"AAPL": all},
	}
	repo, barStore := testRepo(t, p)
	if _, err := barStore.WriteDailyBars("AAPL", all[:5]); err != nil {
		t.Fatalf("seed: %v", err)
	}

	first, err := repo.GetDailyBars(context.Background(), "AAPL", 20, true)
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	second, err := repo.GetDailyBars(context.Background(), "AAPL", 20, true)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if second.RecordsAdded != 0 {
		t.Fatalf("second fill added %d records, want 0", second.RecordsAdded)
	}
	if len(second.Bars) != len(first.Bars) {
		t.Fatalf("row count changed across idempotent fills: %d vs %d", len(second.Bars), len(first.Bars))
	}
}

func TestGapFillDropsInvalidAndWeekendBars(t *testing.T) {
	stored := weekdayBars(3, mondayMs)
	last := stored[len(stored)-1].Timestamp

	saturday := last + dayMs
	for time.UnixMilli(saturday).UTC().Weekday() != time.Saturday {
		saturday += dayMs
	}
	monday := saturday + 2*dayMs

	fetched := []models.Bar{
		{Ticker: "AAPL", Timestamp: last + dayMs, Open: 25, High: 26, Low: 24, Close: 25.5, Volume: 100},
		{Ticker: "AAPL", Timestamp: saturday, Open: 25, High: 26, Low: 24, Close: 25.5, Volume: 100},
		{Ticker: "AAPL", Timestamp: monday, Open: 25, High: 24, Low: 26, Close: 25, Volume: 100}, // low > high
	}
	p := &fakeProvider{
		latestDay: time.UnixMilli(monday).UTC().Format("2006-01-02"),
		daily:     map[string][]models.Bar{"AAPL": fetched},
	}
	repo, barStore := testRepo(t, p)
	if _, err := barStore.WriteDailyBars("AAPL", stored); err != nil {
		t.Fatalf("seed: %v", err)
	}

	result, err := repo.GetDailyBars(context.Background(), "AAPL", 20, true)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if result.RecordsAdded != 1 {
		t.Fatalf("records added = %d, want 1 (weekend and invalid rows dropped)", result.RecordsAdded)
	}
}

func TestProviderUnavailableServesStoredPartial(t *testing.T) {
	bars := weekdayBars(5, mondayMs)
	p := &fakeProvider{unavailable: true}
	repo, barStore := testRepo(t, p)
	if _, err := barStore.WriteDailyBars("AAPL", bars); err != nil {
		t.Fatalf("seed: %v", err)
	}

	result, err := repo.GetDailyBars(context.Background(), "AAPL", 10, true)
	if err != nil {
		t.Fatalf("unavailable provider must not fail the read: %v", err)
	}
	if !result.Partial {
		t.Fatal("result must be flagged partial")
	}
	if len(result.Bars) != 5 {
		t.Fatalf("stored bars = %d, want 5", len(result.Bars))
	}
}

func TestGetDailyBarsNoAutoFill(t *testing.T) {
	p := &fakeProvider{latestDay: "2025-01-10"}
	repo, barStore := testRepo(t, p)
	bars := weekdayBars(5, mondayMs)
	if _, err := barStore.WriteDailyBars("AAPL", bars); err != nil {
		t.Fatalf("seed: %v", err)
	}

	result, err := repo.GetDailyBars(context.Background(), "AAPL", 3, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.fetchCalls != 0 {
		t.Fatal("autoFill=false must not touch the provider")
	}
	if len(result.Bars) != 3 {
		t.Fatalf("tail = %d bars, want 3", len(result.Bars))
	}
}

func TestSyncDailySkipsUnavailable(t *testing.T) {
	p := &fakeProvider{unavailable: true}
	repo, barStore := testRepo(t, p)
	if _, err := barStore.WriteDailyBars("AAPL", weekdayBars(3, mondayMs)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	total, err := repo.SyncDaily(context.Background(), []string{"AAPL", "MSFT"})
	if err != nil {
		t.Fatalf("unavailable tickers must be skipped, got %v", err)
	}
	if total != 0 {
		t.Fatalf("total = %d, want 0", total)
	}
}

func TestGetIntradayBarsUnsupportedTimeframe(t *testing.T) {
	p := &fakeProvider{}
	repo, _ := testRepo(t, p)
	if _, err := repo.GetIntradayBars(context.Background(), "AAPL", 7, 0, dayMs, 10); err == nil {
		t.Fatal("multiplier 7 must be rejected")
	}
}
