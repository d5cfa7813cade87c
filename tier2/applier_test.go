package tier2

import (
	"context"
	"testing"
	"time"

	appconfig "ignitionflow/config"
	"ignitionflow/models"
)

type stubScores struct{ snaps map[string]models.IgnitionSnapshot }

func (s *stubScores) Scores() map[string]models.IgnitionSnapshot { return s.snaps }

type stubEntries struct{ entries []models.WatchlistEntry }

func (s *stubEntries) Entries() []models.WatchlistEntry { return s.entries }

type stubActive struct{ ticker string }

func (s *stubActive) Active() string { return s.ticker }

type stubSync struct{ calls int }

func (s *stubSync) RequestSync() { s.calls++ }

type stubFilter struct{ last []string }

func (s *stubFilter) UpdateFilter(consumer string, tickers []string) error {
	s.last = tickers
	return nil
}

func TestStartPublishesStrategyFilter(t *testing.T) {
	cfg := appconfig.Default()
	cfg.Tier2.SweepInterval = time.Hour
	set := NewSet(cfg.Tier2.MaxSize)
	syncer := &stubSync{}
	filter := &stubFilter{}
	a := NewApplier(cfg, set, &stubScores{}, &stubEntries{}, &stubActive{}, syncer, filter)

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// With no members yet the filter must still be set, blocking all.
	if filter.last == nil {
		t.Fatal("strategy filter not seeded at start")
	}
	if len(filter.last) != 0 {
		t.Fatalf("strategy filter = %v, want empty", filter.last)
	}
	if syncer.calls != 1 {
		t.Fatalf("sync requests = %d, want 1", syncer.calls)
	}
	cancel()
	a.Stop()

	// A restart with existing membership republishes it.
	set.Add("NVDA", time.Now())
	ctx, cancel = context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if len(filter.last) != 1 || filter.last[0] != "NVDA" {
		t.Fatalf("strategy filter = %v, want [NVDA]", filter.last)
	}
	cancel()
	a.Stop()
}

func TestSweepPromotesAndPropagates(t *testing.T) {
	cfg := appconfig.Default()
	set := NewSet(cfg.Tier2.MaxSize)
	scores := &stubScores{snaps: map[string]models.IgnitionSnapshot{
		"AAPL": {Ticker: "AAPL", Score: 72, AntitrapPassed: true},
	}}
	entries := &stubEntries{entries: []models.WatchlistEntry{
		{Ticker: "AAPL", StageNumber: 2, Source: models.SourceScanner},
		{Ticker: "MSFT", StageNumber: 1},
	}}
	syncer := &stubSync{}
	filter := &stubFilter{}
	a := NewApplier(cfg, set, scores, entries, &stubActive{}, syncer, filter)

	a.Sweep()

	if !set.Contains("AAPL") {
		t.Fatal("AAPL not promoted")
	}
	if set.Contains("MSFT") {
		t.Fatal("MSFT wrongly promoted")
	}
	if syncer.calls != 1 {
		t.Fatalf("sync requests = %d, want 1", syncer.calls)
	}
	if len(filter.last) != 1 || filter.last[0] != "AAPL" {
		t.Fatalf("strategy filter = %v, want [AAPL]", filter.last)
	}

	// No change on the second sweep, so no propagation either.
	a.Sweep()
	if syncer.calls != 1 {
		t.Fatalf("idempotent sweep re-propagated, calls = %d", syncer.calls)
	}
}

func TestSweepDemotesAfterStreak(t *testing.T) {
	cfg := appconfig.Default()
	set := NewSet(cfg.Tier2.MaxSize)
	scores := &stubScores{snaps: map[string]models.IgnitionSnapshot{
		"AAPL": {Ticker: "AAPL", Score: 20},
	}}
	entries := &stubEntries{entries: []models.WatchlistEntry{
		{Ticker: "AAPL", StageNumber: 1},
	}}
	a := NewApplier(cfg, set, scores, entries, &stubActive{}, &stubSync{}, &stubFilter{})

	start := time.Now()
	a.now = func() time.Time { return start }
	set.Add("AAPL", start.Add(-time.Hour))

	a.Sweep() // starts the low streak
	if !set.Contains("AAPL") {
		t.Fatal("demoted before the window elapsed")
	}

	a.now = func() time.Time { return start.Add(cfg.Tier2.DemoteWindow + time.Second) }
	a.Sweep()
	if set.Contains("AAPL") {
		t.Fatal("not demoted after sustained low score")
	}
}

func TestManualPromoteDemote(t *testing.T) {
	cfg := appconfig.Default()
	set := NewSet(cfg.Tier2.MaxSize)
	syncer := &stubSync{}
	a := NewApplier(cfg, set, &stubScores{}, &stubEntries{}, &stubActive{}, syncer, &stubFilter{})

	a.PromoteManual([]string{"AAPL", "AAPL"})
	if !set.Contains("AAPL") || set.Len() != 1 {
		t.Fatalf("manual promote failed: %v", set.Members())
	}
	a.PromoteManual([]string{"AAPL"}) // idempotent
	if syncer.calls != 1 {
		t.Fatalf("idempotent promote re-propagated, calls = %d", syncer.calls)
	}

	a.DemoteManual([]string{"AAPL"})
	if set.Contains("AAPL") {
		t.Fatal("manual demote failed")
	}
	a.DemoteManual([]string{"AAPL"})
	if syncer.calls != 2 {
		t.Fatalf("idempotent demote re-propagated, calls = %d", syncer.calls)
	}
}
