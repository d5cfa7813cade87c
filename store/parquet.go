// Package store persists OHLCV bars as a partitioned parquet tree:
//
//	<root>/parquet/daily/<ticker>.parquet
//	<root>/parquet/intraday/<tf>/<ticker>/<yyyy-mm>.parquet
//
// Each parquet file carries a _meta sibling recording the latest written
// timestamp so "latest date" queries never open the parquet file.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "ignitionflow/config"
	"ignitionflow/logger"
	"ignitionflow/models"
)

// ErrCorrupt marks a parquet file whose schema or contents cannot be read.
// It is fatal for the read that encountered it.
var ErrCorrupt = errors.New("bar store corrupt")

// BarRecord is the parquet schema for one OHLCV row.
type BarRecord struct {
	Ticker    string  `parquet:"name=ticker, type=BYTE_ARRAY, convertedtype=UTF8"`
	Date      string  `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Close     float64 `parquet:"name=close, type=DOUBLE"`
	Volume    float64 `parquet:"name=volume, type=DOUBLE"`
}

// BarStore owns the on-disk parquet tree. Writes are serialized per
// (ticker, timeframe); reads are concurrent.
type BarStore struct {
	root        string
	compression string
	log         *logger.Log
	archiver    *Archiver

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewBarStore creates a store rooted at cfg.Store.Root. The archive
// uploader is attached separately via SetArchiver.
func NewBarStore(cfg *appconfig.Config) *BarStore {
	return &BarStore{
		root:        cfg.Store.Root,
		compression: cfg.Store.Compression,
		log:         logger.GetLogger(),
		locks:       make(map[string]*sync.Mutex),
	}
}

// SetArchiver attaches an optional S3 archiver; written daily partitions
// are mirrored after each rewrite.
func (s *BarStore) SetArchiver(a *Archiver) {
	s.archiver = a
}

func (s *BarStore) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *BarStore) dailyPath(ticker string) string {
	return filepath.Join(s.root, "parquet", "daily", ticker+".parquet")
}

func (s *BarStore) intradayDir(tf models.Timeframe, ticker string) string {
	return filepath.Join(s.root, "parquet", "intraday", string(tf), ticker)
}

// WriteDailyBars upserts bars into the ticker's daily partition. Existing
// timestamps are overwritten (provider corrections); the file is rewritten
// atomically and the _meta sibling updated. Returns the number of rows
// that were not previously present.
func (s *BarStore) WriteDailyBars(ticker string, bars []models.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	lock := s.lockFor("1d|" + ticker)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.readAllDaily(ticker)
	if err != nil {
		return 0, err
	}

	byTs := make(map[int64]models.Bar, len(existing)+len(bars))
	for _, b := range existing {
		byTs[b.Timestamp] = b
	}
	added := 0
	for _, b := range bars {
		if _, ok := byTs[b.Timestamp]; !ok {
			added++
		}
		byTs[b.Timestamp] = b
	}

	merged := make([]models.Bar, 0, len(byTs))
	for _, b := range byTs {
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })

	path := s.dailyPath(ticker)
	if err := s.writeParquet(path, ticker, merged); err != nil {
		return 0, err
	}
	if err := writeMeta(path, merged[len(merged)-1].Timestamp, len(merged)); err != nil {
		s.log.WithComponent("bar_store").WithError(err).Warn("failed to write meta sibling")
	}

	if s.archiver != nil {
		data, err := os.ReadFile(path)
		if err == nil {
			s.archiver.Archive(filepath.ToSlash(filepath.Join("parquet", "daily", ticker+".parquet")), data)
		}
	}

	s.log.WithComponent("bar_store").WithFields(logger.Fields{
		"ticker": ticker,
		"rows":   len(merged),
		"added":  added,
	}).Debug("daily partition rewritten")

	return added, nil
}

// ReadDailyBars returns the last n daily bars for ticker, oldest first.
// An unknown ticker yields an empty series and no error.
func (s *BarStore) ReadDailyBars(ticker string, n int) (models.DailySeries, error) {
	bars, err := s.readAllDaily(ticker)
	if err != nil {
		return nil, err
	}
	return models.DailySeries(bars).Tail(n), nil
}

// LatestDailyTimestamp returns the newest stored daily ts for ticker,
// 0 when nothing is stored. The _meta sibling is consulted first.
func (s *BarStore) LatestDailyTimestamp(ticker string) (int64, error) {
	path := s.dailyPath(ticker)
	if meta, err := readMeta(path); err == nil {
		return meta.LatestTs, nil
	}
	bars, err := s.readAllDaily(ticker)
	if err != nil {
		return 0, err
	}
	return models.DailySeries(bars).LatestTimestamp(), nil
}

func (s *BarStore) readAllDaily(ticker string) ([]models.Bar, error) {
	return s.readParquet(s.dailyPath(ticker), ticker)
}

// WriteIntradayBars appends bars into month partitions under the
// timeframe/ticker directory.
func (s *BarStore) WriteIntradayBars(ticker string, tf models.Timeframe, bars []models.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	if tf.Minutes() == 0 {
		return 0, fmt.Errorf("timeframe %s is not intraday", tf)
	}

	lock := s.lockFor(string(tf) + "|" + ticker)
	lock.Lock()
	defer lock.Unlock()

	byMonth := make(map[string][]models.Bar)
	for _, b := range bars {
		month := time.UnixMilli(b.Timestamp).UTC().Format("2006-01")
		byMonth[month] = append(byMonth[month], b)
	}

	dir := s.intradayDir(tf, ticker)
	total := 0
	var latest int64
	for month, monthBars := range byMonth {
		path := filepath.Join(dir, month+".parquet")
		existing, err := s.readParquet(path, ticker)
		if err != nil {
			return total, err
		}
		byTs := make(map[int64]models.Bar, len(existing)+len(monthBars))
		for _, b := range existing {
			byTs[b.Timestamp] = b
		}
		for _, b := range monthBars {
			if _, ok := byTs[b.Timestamp]; !ok {
				total++
			}
			byTs[b.Timestamp] = b
		}
		merged := make([]models.Bar, 0, len(byTs))
		for _, b := range byTs {
			merged = append(merged, b)
		}
		sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })
		if err := s.writeParquet(path, ticker, merged); err != nil {
			return total, err
		}
		if ts := merged[len(merged)-1].Timestamp; ts > latest {
			latest = ts
		}
	}

	if latest > 0 {
		if err := writeMeta(filepath.Join(dir, "partition"), latest, 0); err != nil {
			s.log.WithComponent("bar_store").WithError(err).Warn("failed to write intraday meta")
		}
	}
	return total, nil
}

// ReadIntradayBars returns bars in [fromTs, toTs], oldest first, capped
// at limit when limit > 0.
func (s *BarStore) ReadIntradayBars(ticker string, tf models.Timeframe, fromTs, toTs int64, limit int) ([]models.Bar, error) {
	dir := s.intradayDir(tf, ticker)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var months []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".parquet" {
			months = append(months, e.Name())
		}
	}
	sort.Strings(months)

	var out []models.Bar
	for _, name := range months {
		bars, err := s.readParquet(filepath.Join(dir, name), ticker)
		if err != nil {
			return nil, err
		}
		for _, b := range bars {
			if b.Timestamp < fromTs || (toTs > 0 && b.Timestamp > toTs) {
				continue
			}
			out = append(out, b)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *BarStore) writeParquet(path, ticker string, bars []models.Bar) error {
	fw := newMemoryWriter()
	pw, err := writer.NewParquetWriter(fw, new(BarRecord), 2)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch s.compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, b := range bars {
		rec := BarRecord{
			Ticker:    ticker,
			Date:      b.Date(),
			Timestamp: b.Timestamp,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		}
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, fw.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *BarStore) readParquet(path, ticker string) ([]models.Bar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	fr := newMemoryReader(data)
	pr, err := reader.NewParquetReader(fr, new(BarRecord), 2)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	defer pr.ReadStop()

	num := int(pr.GetNumRows())
	records := make([]BarRecord, num)
	if err := pr.Read(&records); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}

	bars := make([]models.Bar, 0, num)
	for _, r := range records {
		bars = append(bars, models.Bar{
			Ticker:    ticker,
			Timestamp: r.Timestamp,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		})
	}
	return bars, nil
}
