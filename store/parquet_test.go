package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	appconfig "ignitionflow/config"
	"ignitionflow/models"
)

const dayMs = int64(24 * 60 * 60 * 1000)

func testStore(t *testing.T) *BarStore {
	t.Helper()
	cfg := appconfig.Default()
	cfg.Store.Root = t.TempDir()
	return NewBarStore(cfg)
}

func dailyBars(n int, startTs int64) []models.Bar {
	bars := make([]models.Bar, 0, n)
	for i := 0; i < n; i++ {
		base := 50.0 + float64(i)
		bars = append(bars, models.Bar{
			Ticker:    "AAPL",
			Timestamp: startTs + int64(i)*dayMs,
			Open:      base, High: base + 2, Low: base - 2, Close: base + 1,
			Volume: 1_000_000,
		})
	}
	return bars
}

func TestWriteReadDailyRoundtrip(t *testing.T) {
	s := testStore(t)
	bars := dailyBars(10, dayMs)

	added, err := s.WriteDailyBars("AAPL", bars)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if added != 10 {
		t.Fatalf("added = %d, want 10", added)
	}

	got, err := s.ReadDailyBars("AAPL", 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("read %d bars, want 10", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp <= got[i-1].Timestamp {
			t.Fatalf("timestamps not strictly increasing at %d", i)
		}
	}
	if got[0].Close != bars[0].Close || got[9].Volume != bars[9].Volume {
		t.Fatal("roundtrip corrupted bar fields")
	}
}

func TestWriteDailyUpsertNoDuplicates(t *testing.T) {
	s := testStore(t)
	bars := dailyBars(5, dayMs)
	if _, err := s.WriteDailyBars("AAPL", bars); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Rewrite the last bar with a corrected close plus one new bar.
	corrected := bars[4]
	corrected.Close = 99
	fresh := dailyBars(1, dayMs+5*dayMs)[0]
	added, err := s.WriteDailyBars("AAPL", []models.Bar{corrected, fresh})
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if added != 1 {
		t.Fatalf("added = %d, want 1 (correction is not an add)", added)
	}

	got, err := s.ReadDailyBars("AAPL", 100)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("rows = %d, want 6", len(got))
	}
	if got[4].Close != 99 {
		t.Fatalf("correction not applied: close = %v", got[4].Close)
	}
}

func TestReadDailyUnknownTicker(t *testing.T) {
	s := testStore(t)
	got, err := s.ReadDailyBars("NOPE", 10)
	if err != nil {
		t.Fatalf("unknown ticker must not error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("unknown ticker must yield empty series, got %d", len(got))
	}
}

func TestLatestDailyTimestampFromMeta(t *testing.T) {
	s := testStore(t)
	bars := dailyBars(3, dayMs)
	if _, err := s.WriteDailyBars("AAPL", bars); err != nil {
		t.Fatalf("write: %v", err)
	}

	ts, err := s.LatestDailyTimestamp("AAPL")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if want := bars[2].Timestamp; ts != want {
		t.Fatalf("latest ts = %d, want %d", ts, want)
	}

	ts, err = s.LatestDailyTimestamp("NOPE")
	if err != nil || ts != 0 {
		t.Fatalf("unknown ticker: ts=%d err=%v, want 0, nil", ts, err)
	}
}

func TestIntradayMonthPartitions(t *testing.T) {
	s := testStore(t)

	jan := int64(1735700400000) // 2025-01-01
	feb := jan + 31*dayMs
	bars := []models.Bar{
		{Ticker: "AAPL", Timestamp: jan, Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 100},
		{Ticker: "AAPL", Timestamp: feb, Open: 11, High: 12, Low: 10, Close: 11.5, Volume: 200},
	}
	added, err := s.WriteIntradayBars("AAPL", models.Timeframe5m, bars)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}

	dir := filepath.Join(s.root, "parquet", "intraday", "5m", "AAPL")
	for _, name := range []string{"2025-01.parquet", "2025-02.parquet"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing month partition %s: %v", name, err)
		}
	}

	got, err := s.ReadIntradayBars("AAPL", models.Timeframe5m, jan, feb, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("read %d bars across months, want 2", len(got))
	}

	limited, err := s.ReadIntradayBars("AAPL", models.Timeframe5m, jan, feb, 1)
	if err != nil {
		t.Fatalf("read limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit ignored: got %d bars", len(limited))
	}
}

func TestReadCorruptFile(t *testing.T) {
	s := testStore(t)
	path := s.dailyPath("AAPL")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not a parquet file"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := s.ReadDailyBars("AAPL", 10)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestWriteDailyEmptyInput(t *testing.T) {
	s := testStore(t)
	added, err := s.WriteDailyBars("AAPL", nil)
	if err != nil || added != 0 {
		t.Fatalf("empty write: added=%d err=%v", added, err)
	}
}
