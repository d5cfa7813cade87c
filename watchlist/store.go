// Package watchlist persists the ordered ticker watchlist and rebuilds
// it from the bar store and scorers.
package watchlist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	appconfig "ignitionflow/config"
	"ignitionflow/logger"
	"ignitionflow/models"
)

// Store holds the persisted watchlist. Order is preserved across merges;
// new tickers append at the end.
type Store struct {
	path string
	mu   sync.RWMutex
	list []models.WatchlistEntry
	log  *logger.Log
}

func NewStore(cfg *appconfig.Config) *Store {
	return &Store{
		path: cfg.Watchlist.Path,
		log:  logger.GetLogger(),
	}
}

// Load reads the persisted list. A missing file yields an empty list.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read watchlist %s: %w", s.path, err)
	}

	var list []models.WatchlistEntry
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("failed to parse watchlist %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.list = list
	s.mu.Unlock()

	s.log.WithComponent("watchlist").WithFields(logger.Fields{"entries": len(list)}).Info("watchlist loaded")
	return nil
}

// Entries returns a copy of the current list in persisted order.
func (s *Store) Entries() []models.WatchlistEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.WatchlistEntry, len(s.list))
	copy(out, s.list)
	return out
}

// Tickers returns the tickers in persisted order.
func (s *Store) Tickers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.list))
	for _, e := range s.list {
		out = append(out, e.Ticker)
	}
	return out
}

// Merge folds updates into the list by ticker and persists the result.
// With updateExisting, numeric and intensity fields of known tickers are
// replaced while a previously recorded source sticks. Without it, known
// tickers are left untouched. Merging the same batch twice is a no-op.
func (s *Store) Merge(updates []models.WatchlistEntry, updateExisting bool) (added, updated int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := make(map[string]int, len(s.list))
	for i, e := range s.list {
		index[e.Ticker] = i
	}

	for _, u := range updates {
		i, known := index[u.Ticker]
		if !known {
			s.list = append(s.list, u)
			index[u.Ticker] = len(s.list) - 1
			added++
			continue
		}
		if !updateExisting {
			continue
		}
		existing := &s.list[i]
		if existing.Source != "" {
			u.Source = existing.Source
		}
		u.Extra = existing.Extra
		*existing = u
		updated++
	}

	if err := s.save(); err != nil {
		return added, updated, err
	}
	return added, updated, nil
}

// Remove drops tickers from the list and persists.
func (s *Store) Remove(tickers []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]struct{}, len(tickers))
	for _, t := range tickers {
		drop[t] = struct{}{}
	}

	kept := s.list[:0]
	removed := 0
	for _, e := range s.list {
		if _, ok := drop[e.Ticker]; ok {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.list = kept

	if removed == 0 {
		return 0, nil
	}
	return removed, s.save()
}

// save writes atomically next to the target path.
func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create watchlist dir: %w", err)
	}

	data, err := json.MarshalIndent(s.list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode watchlist: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write watchlist: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace watchlist: %w", err)
	}
	return nil
}
