package tier2

import (
	"sort"
	"sync"
	"time"
)

// Set is the Tier-2 membership with promotion timestamps. It is mutated
// only by the policy applier; readers copy.
type Set struct {
	mu      sync.RWMutex
	members map[string]time.Time
	maxSize int
}

func NewSet(maxSize int) *Set {
	if maxSize <= 0 {
		maxSize = 20
	}
	return &Set{members: make(map[string]time.Time), maxSize: maxSize}
}

// Add promotes a ticker. When the set is full the least recently
// promoted member is evicted; its ticker is returned so the caller can
// propagate the demotion.
func (s *Set) Add(ticker string, at time.Time) (evicted string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[ticker]; ok {
		s.members[ticker] = at
		return ""
	}
	if len(s.members) >= s.maxSize {
		oldest := ""
		var oldestAt time.Time
		for t, p := range s.members {
			if oldest == "" || p.Before(oldestAt) {
				oldest, oldestAt = t, p
			}
		}
		delete(s.members, oldest)
		evicted = oldest
	}
	s.members[ticker] = at
	return evicted
}

func (s *Set) Remove(ticker string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[ticker]; !ok {
		return false
	}
	delete(s.members, ticker)
	return true
}

func (s *Set) Contains(ticker string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[ticker]
	return ok
}

func (s *Set) PromotedAt(ticker string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.members[ticker]
	return at, ok
}

// Members returns tickers ordered by most recent promotion first.
func (s *Set) Members() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.members))
	for t := range s.members {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := s.members[out[i]], s.members[out[j]]
		if ti.Equal(tj) {
			return out[i] < out[j]
		}
		return ti.After(tj)
	})
	return out
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}
