package tier2

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "ignitionflow/config"
	"ignitionflow/logger"
	"ignitionflow/models"
)

// ScoreSource provides the latest ignition snapshots.
type ScoreSource interface {
	Scores() map[string]models.IgnitionSnapshot
}

// EntrySource provides the current watchlist entries.
type EntrySource interface {
	Entries() []models.WatchlistEntry
}

// ActiveSource reports the user's active focus ticker.
type ActiveSource interface {
	Active() string
}

// SyncTrigger requests a subscription resync after membership changes.
type SyncTrigger interface {
	RequestSync()
}

// FilterUpdater pushes the Tier-2 allowlist to the strategy consumer.
type FilterUpdater interface {
	UpdateFilter(consumer string, tickers []string) error
}

// Applier sweeps the watchlist through the pure policy on an interval
// and owns all Tier-2 set mutation, including manual overrides.
type Applier struct {
	config  *appconfig.Config
	set     *Set
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log

	scores  ScoreSource
	entries EntrySource
	active  ActiveSource
	syncer  SyncTrigger
	filter  FilterUpdater

	lowSince map[string]time.Time
	now      func() time.Time
}

const strategyConsumer = "strategy"

func NewApplier(cfg *appconfig.Config, set *Set, scores ScoreSource, entries EntrySource, active ActiveSource, syncer SyncTrigger, filter FilterUpdater) *Applier {
	return &Applier{
		config:   cfg,
		set:      set,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		scores:   scores,
		entries:  entries,
		active:   active,
		syncer:   syncer,
		filter:   filter,
		lowSince: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (a *Applier) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("tier2 applier already running")
	}
	a.running = true
	a.ctx = ctx
	// Push current membership so the strategy filter is in force before
	// the first sweep, even when the set is empty.
	a.propagate()
	a.mu.Unlock()

	log := a.log.WithComponent("tier2").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting tier2 applier")

	a.wg.Add(1)
	go a.run()

	log.Info("tier2 applier started successfully")
	return nil
}

func (a *Applier) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	a.log.WithComponent("tier2").Info("stopping tier2 applier")
	a.wg.Wait()
	a.log.WithComponent("tier2").Info("tier2 applier stopped")
}

func (a *Applier) run() {
	defer a.wg.Done()

	interval := a.config.Tier2.SweepInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}

// Sweep evaluates every watchlist ticker and applies the decisions.
func (a *Applier) Sweep() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	snaps := a.scores.Scores()
	activeTicker := a.active.Active()
	changed := false
	log := a.log.WithComponent("tier2")

	for _, e := range a.entries.Entries() {
		snap := snaps[e.Ticker]
		a.trackLowStreak(e.Ticker, snap, now)

		in := Inputs{
			Ticker:         e.Ticker,
			IgnitionScore:  snap.Score,
			AntitrapPassed: snap.AntitrapPassed,
			StageNumber:    e.StageNumber,
			ZenV:           e.ZenV,
			ZenP:           e.ZenP,
			ScoreV3:        e.ScoreV3,
			Source:         e.Source,
			LowSince:       a.lowSince[e.Ticker],
			InTier2:        a.set.Contains(e.Ticker),
			IsActive:       e.Ticker == activeTicker,
			Now:            now,
			DemoteWindow:   a.config.Tier2.DemoteWindow,
		}

		switch decision, reason := Evaluate(in); decision {
		case Promote:
			evicted := a.set.Add(e.Ticker, now)
			log.WithFields(logger.Fields{"ticker": e.Ticker, "reason": reason}).Info("promoted to tier2")
			if evicted != "" {
				log.WithFields(logger.Fields{"ticker": evicted}).Info("evicted from tier2 to make room")
			}
			changed = true
		case Demote:
			if a.set.Remove(e.Ticker) {
				log.WithFields(logger.Fields{"ticker": e.Ticker}).Info("demoted from tier2")
				changed = true
			}
		}
	}

	if changed {
		a.propagate()
	}
}

// trackLowStreak maintains the start time of each ticker's sub-40 streak.
func (a *Applier) trackLowStreak(ticker string, snap models.IgnitionSnapshot, now time.Time) {
	if snap.Score >= demoteIgnitionBelow || snap.Stale {
		delete(a.lowSince, ticker)
		return
	}
	if _, ok := a.lowSince[ticker]; !ok {
		a.lowSince[ticker] = now
	}
}

// PromoteManual applies a user decision, bypassing the policy.
func (a *Applier) PromoteManual(tickers []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	changed := false
	for _, t := range tickers {
		if a.set.Contains(t) {
			continue
		}
		a.set.Add(t, now)
		a.log.WithComponent("tier2").WithFields(logger.Fields{"ticker": t, "reason": "manual"}).Info("promoted to tier2")
		changed = true
	}
	if changed {
		a.propagate()
	}
}

// DemoteManual applies a user decision, bypassing the policy.
func (a *Applier) DemoteManual(tickers []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	changed := false
	for _, t := range tickers {
		if a.set.Remove(t) {
			a.log.WithComponent("tier2").WithFields(logger.Fields{"ticker": t, "reason": "manual"}).Info("demoted from tier2")
			changed = true
		}
	}
	if changed {
		a.propagate()
	}
}

func (a *Applier) propagate() {
	members := a.set.Members()
	if a.filter != nil {
		if err := a.filter.UpdateFilter(strategyConsumer, members); err != nil {
			a.log.WithComponent("tier2").WithError(err).Warn("failed to update strategy filter")
		}
	}
	if a.syncer != nil {
		a.syncer.RequestSync()
	}
}
