package watchlist

import (
	"path/filepath"
	"testing"

	appconfig "ignitionflow/config"
	"ignitionflow/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	cfg := appconfig.Default()
	cfg.Watchlist.Path = filepath.Join(t.TempDir(), "watchlist.json")
	return NewStore(cfg)
}

func entry(ticker string, score float64, source string) models.WatchlistEntry {
	return models.WatchlistEntry{
		Ticker:      ticker,
		Score:       score,
		ScoreV3:     score,
		Stage:       "Stage 0: Neutral",
		Intensities: map[string]float64{models.SignalTightRange: 0.5},
		Source:      source,
		CanTrade:    true,
	}
}

func TestLoadMissingFile(t *testing.T) {
	s := testStore(t)
	if err := s.Load(); err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if len(s.Entries()) != 0 {
		t.Fatal("missing file must yield empty list")
	}
}

func TestMergePersistsAndReloads(t *testing.T) {
	s := testStore(t)
	added, updated, err := s.Merge([]models.WatchlistEntry{
		entry("AAPL", 60, models.SourceScanner),
		entry("MSFT", 55, models.SourceDayGainer),
	}, true)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if added != 2 || updated != 0 {
		t.Fatalf("added=%d updated=%d, want 2, 0", added, updated)
	}

	reloaded := &Store{path: s.path, log: s.log}
	if err := reloaded.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := reloaded.Entries()
	if len(got) != 2 || got[0].Ticker != "AAPL" || got[1].Ticker != "MSFT" {
		t.Fatalf("reloaded = %+v, order not preserved", got)
	}
	if got[1].Source != models.SourceDayGainer {
		t.Fatalf("source lost on persist: %q", got[1].Source)
	}
}

func TestMergeUpdateExistingPreservesSource(t *testing.T) {
	s := testStore(t)
	if _, _, err := s.Merge([]models.WatchlistEntry{entry("AAPL", 60, models.SourceDayGainer)}, true); err != nil {
		t.Fatalf("seed: %v", err)
	}

	update := entry("AAPL", 75, models.SourceScanner)
	added, updated, err := s.Merge([]models.WatchlistEntry{update}, true)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if added != 0 || updated != 1 {
		t.Fatalf("added=%d updated=%d, want 0, 1", added, updated)
	}

	got := s.Entries()[0]
	if got.Score != 75 {
		t.Fatalf("score not replaced: %v", got.Score)
	}
	if got.Source != models.SourceDayGainer {
		t.Fatalf("source = %q, want original preserved", got.Source)
	}
}

func TestMergeWithoutUpdateLeavesExisting(t *testing.T) {
	s := testStore(t)
	if _, _, err := s.Merge([]models.WatchlistEntry{entry("AAPL", 60, models.SourceScanner)}, true); err != nil {
		t.Fatalf("seed: %v", err)
	}

	added, updated, err := s.Merge([]models.WatchlistEntry{entry("AAPL", 99, models.SourceManual)}, false)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if added != 0 || updated != 0 {
		t.Fatalf("added=%d updated=%d, want 0, 0", added, updated)
	}
	if got := s.Entries()[0].Score; got != 60 {
		t.Fatalf("score = %v, want untouched 60", got)
	}
}

func TestMergeIdempotent(t *testing.T) {
	s := testStore(t)
	batch := []models.WatchlistEntry{entry("AAPL", 60, models.SourceScanner)}
	if _, _, err := s.Merge(batch, true); err != nil {
		t.Fatalf("first: %v", err)
	}
	added, _, err := s.Merge(batch, true)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if added != 0 {
		t.Fatalf("second merge added %d, want 0", added)
	}
	if len(s.Entries()) != 1 {
		t.Fatal("duplicate rows after idempotent merge")
	}
}

func TestRemove(t *testing.T) {
	s := testStore(t)
	if _, _, err := s.Merge([]models.WatchlistEntry{
		entry("AAPL", 60, models.SourceScanner),
		entry("MSFT", 55, models.SourceScanner),
	}, true); err != nil {
		t.Fatalf("seed: %v", err)
	}

	removed, err := s.Remove([]string{"AAPL", "NOPE"})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if tickers := s.Tickers(); len(tickers) != 1 || tickers[0] != "MSFT" {
		t.Fatalf("tickers = %v, want [MSFT]", tickers)
	}
}
