// Package subscription reconciles the provider stream subscriptions
// against the watchlist, the Tier-2 set, and the user's active ticker,
// enforcing per-channel quotas.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	appconfig "ignitionflow/config"
	"ignitionflow/logger"
	"ignitionflow/models"
	"ignitionflow/provider"
	"ignitionflow/tier2"
)

// ErrQuotaExceeded reports that the Tier-2 set plus the active ticker no
// longer fits a channel quota. The caller must demote before the full
// desired set can be subscribed.
var ErrQuotaExceeded = errors.New("subscription quota exceeded")

// EntrySource provides the current watchlist entries.
type EntrySource interface {
	Entries() []models.WatchlistEntry
}

// ActiveSource reports the user's active focus ticker.
type ActiveSource interface {
	Active() string
}

// Tracker mirrors trade-channel membership into per-ticker state.
type Tracker interface {
	Track(ticker string)
	Untrack(ticker string)
}

type pendingOp struct {
	channel models.StreamChannel
	ticker  string
	add     bool
	attempt int
	next    time.Time
}

// Manager exclusively owns the subscription set. Sync runs are
// serialized; a second concurrent call waits on the first.
type Manager struct {
	config   *appconfig.Config
	provider provider.Subscriber
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	entries EntrySource
	tier2   *tier2.Set
	active  ActiveSource
	tracker Tracker

	current map[models.StreamChannel]map[string]struct{}
	retries []pendingOp
	syncCh  chan struct{}
	syncMu  sync.Mutex

	now  func() time.Time
	rand *rand.Rand
}

func NewManager(cfg *appconfig.Config, sub provider.Subscriber, entries EntrySource, set *tier2.Set, active ActiveSource, tracker Tracker) *Manager {
	current := map[models.StreamChannel]map[string]struct{}{
		models.ChannelAggregates: {},
		models.ChannelQuotes:     {},
		models.ChannelTrades:     {},
	}
	return &Manager{
		config:   cfg,
		provider: sub,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		entries:  entries,
		tier2:    set,
		active:   active,
		tracker:  tracker,
		current:  current,
		syncCh:   make(chan struct{}, 1),
		now:      time.Now,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("subscription manager already running")
	}
	m.running = true
	m.ctx = ctx
	m.mu.Unlock()

	log := m.log.WithComponent("subscription").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting subscription manager")

	m.wg.Add(1)
	go m.run()

	log.Info("subscription manager started successfully")
	return nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	m.log.WithComponent("subscription").Info("stopping subscription manager")
	m.wg.Wait()
	m.log.WithComponent("subscription").Info("subscription manager stopped")
}

// RequestSync schedules a reconcile; coalesces with a pending request.
func (m *Manager) RequestSync() {
	select {
	case m.syncCh <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer m.wg.Done()

	log := m.log.WithComponent("subscription").WithFields(logger.Fields{"worker": "sync"})
	log.Info("starting sync worker")

	retryTick := time.NewTicker(time.Second)
	defer retryTick.Stop()

	for {
		select {
		case <-m.ctx.Done():
			log.Info("sync worker stopped due to context cancellation")
			return
		case <-m.syncCh:
			if err := m.Sync(); err != nil {
				log.WithError(err).Warn("subscription sync finished with error")
			}
		case <-retryTick.C:
			m.processRetries()
		}
	}
}

// Sync computes the symmetric difference between desired and current
// per channel and issues provider calls, adds before removes so no
// ticker ever sits in a coverage gap. A call with no diff is a no-op.
func (m *Manager) Sync() error {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	desired, truncated := m.desired()
	log := m.log.WithComponent("subscription").WithFields(logger.Fields{"operation": "sync"})

	var firstErr error
	for _, ch := range []models.StreamChannel{models.ChannelAggregates, models.ChannelQuotes, models.ChannelTrades} {
		toAdd, toRemove := m.diff(ch, desired[ch])
		if len(toAdd) == 0 && len(toRemove) == 0 {
			continue
		}
		log.WithFields(logger.Fields{
			"channel": string(ch),
			"add":     len(toAdd),
			"remove":  len(toRemove),
		}).Info("reconciling channel")

		if len(toAdd) > 0 {
			if err := m.provider.Subscribe(ch, toAdd); err != nil {
				log.WithError(err).WithFields(logger.Fields{"channel": string(ch)}).Warn("subscribe failed, scheduling retry")
				m.scheduleRetries(ch, toAdd, true)
				if firstErr == nil {
					firstErr = err
				}
			} else {
				m.markSubscribed(ch, toAdd)
			}
		}
		if len(toRemove) > 0 {
			if err := m.provider.Unsubscribe(ch, toRemove); err != nil {
				log.WithError(err).WithFields(logger.Fields{"channel": string(ch)}).Warn("unsubscribe failed, scheduling retry")
				m.scheduleRetries(ch, toRemove, false)
				if firstErr == nil {
					firstErr = err
				}
			} else {
				m.markUnsubscribed(ch, toRemove)
			}
		}
	}

	if truncated {
		// Quota overshoot from Tier-2 itself cannot be evicted here;
		// the policy applier owns demotion.
		if firstErr == nil {
			firstErr = ErrQuotaExceeded
		}
	}
	return firstErr
}

// desired builds the per-channel target sets, truncated to quota by
// priority: active ticker, then Tier-2 by promotion recency, then
// watchlist by score_v3 descending. The bool reports whether truncation
// cut into the Tier-2 or active portion.
func (m *Manager) desired() (map[models.StreamChannel][]string, bool) {
	activeTicker := m.active.Active()
	tier2Members := m.tier2.Members() // most recent promotion first

	entries := m.entries.Entries()
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ScoreV3 > entries[j].ScoreV3
	})

	truncated := false

	// Q and T share the same composition: Tier-2 plus active focus.
	// Each channel truncates against its own quota.
	tight := rankedUnion(activeTicker, tier2Members, nil)
	quotes, quotesCut := capQuota(tight, m.config.Subscription.QuotaQuotes)
	trades, tradesCut := capQuota(tight, m.config.Subscription.QuotaTrades)
	if quotesCut || tradesCut {
		truncated = true
	}

	watch := make([]string, 0, len(entries))
	for _, e := range entries {
		watch = append(watch, e.Ticker)
	}
	agg := rankedUnion(activeTicker, tier2Members, watch)
	quotaA := m.config.Subscription.QuotaAggregates
	if quotaA > 0 && len(agg) > quotaA {
		if len(tier2Members)+boolToInt(activeTicker != "") > quotaA {
			truncated = true
		}
		agg = agg[:quotaA]
	}

	return map[models.StreamChannel][]string{
		models.ChannelAggregates: agg,
		models.ChannelQuotes:     quotes,
		models.ChannelTrades:     trades,
	}, truncated
}

func capQuota(list []string, quota int) ([]string, bool) {
	if quota <= 0 || len(list) <= quota {
		return list, false
	}
	return list[:quota], true
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rankedUnion concatenates the priority tiers, dropping duplicates.
func rankedUnion(active string, tiers ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	if active != "" {
		seen[active] = struct{}{}
		out = append(out, active)
	}
	for _, tier := range tiers {
		for _, t := range tier {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

func (m *Manager) diff(ch models.StreamChannel, desired []string) (toAdd, toRemove []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[string]struct{}, len(desired))
	for _, t := range desired {
		want[t] = struct{}{}
		if _, ok := m.current[ch][t]; !ok {
			toAdd = append(toAdd, t)
		}
	}
	for t := range m.current[ch] {
		if _, ok := want[t]; !ok {
			toRemove = append(toRemove, t)
		}
	}
	sort.Strings(toAdd)
	sort.Strings(toRemove)
	return toAdd, toRemove
}

func (m *Manager) markSubscribed(ch models.StreamChannel, tickers []string) {
	m.mu.Lock()
	for _, t := range tickers {
		m.current[ch][t] = struct{}{}
	}
	m.mu.Unlock()

	if ch == models.ChannelTrades && m.tracker != nil {
		for _, t := range tickers {
			m.tracker.Track(t)
		}
	}
}

func (m *Manager) markUnsubscribed(ch models.StreamChannel, tickers []string) {
	m.mu.Lock()
	for _, t := range tickers {
		delete(m.current[ch], t)
	}
	m.mu.Unlock()

	if ch == models.ChannelTrades && m.tracker != nil {
		for _, t := range tickers {
			m.tracker.Untrack(t)
		}
	}
}

// Current returns a copy of one channel's subscription set.
func (m *Manager) Current(ch models.StreamChannel) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.current[ch]))
	for t := range m.current[ch] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) scheduleRetries(ch models.StreamChannel, tickers []string, add bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.now().Add(m.backoff(0))
	for _, t := range tickers {
		m.retries = append(m.retries, pendingOp{channel: ch, ticker: t, add: add, attempt: 1, next: next})
	}
}

// processRetries replays due failed operations one at a time. Failed
// removes are retried on the same cadence but never delay adds; quota
// overshoot from a lingering remove is tolerated until it succeeds.
func (m *Manager) processRetries() {
	m.mu.Lock()
	now := m.now()
	var due []pendingOp
	var rest []pendingOp
	for _, op := range m.retries {
		if op.next.After(now) {
			rest = append(rest, op)
		} else {
			due = append(due, op)
		}
	}
	m.retries = rest
	m.mu.Unlock()

	if len(due) == 0 {
		return
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].add != due[j].add {
			return due[i].add
		}
		return due[i].ticker < due[j].ticker
	})

	log := m.log.WithComponent("subscription").WithFields(logger.Fields{"worker": "retry"})
	for _, op := range due {
		var err error
		if op.add {
			err = m.provider.Subscribe(op.channel, []string{op.ticker})
		} else {
			err = m.provider.Unsubscribe(op.channel, []string{op.ticker})
		}
		if err == nil {
			if op.add {
				m.markSubscribed(op.channel, []string{op.ticker})
			} else {
				m.markUnsubscribed(op.channel, []string{op.ticker})
			}
			continue
		}

		op.attempt++
		op.next = m.now().Add(m.backoff(op.attempt - 1))
		log.WithError(err).WithFields(logger.Fields{
			"channel": string(op.channel),
			"ticker":  op.ticker,
			"attempt": op.attempt,
		}).Warn("retry failed, backing off")

		m.mu.Lock()
		m.retries = append(m.retries, op)
		m.mu.Unlock()
	}
}

// backoff is exponential from the configured base, capped, with
// plus/minus jitter.
func (m *Manager) backoff(attempt int) time.Duration {
	base := m.config.Subscription.RetryBase
	if base <= 0 {
		base = time.Second
	}
	capDur := m.config.Subscription.RetryCap
	if capDur <= 0 {
		capDur = 30 * time.Second
	}

	d := base
	for i := 0; i < attempt && d < capDur; i++ {
		d *= 2
	}
	if d > capDur {
		d = capDur
	}

	jitterPct := m.config.Subscription.RetryJitterPct
	if jitterPct > 0 {
		jitter := (m.rand.Float64()*2 - 1) * jitterPct
		d = time.Duration(float64(d) * (1 + jitter))
	}
	return d
}
