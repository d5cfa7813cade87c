// Package ignition maintains per-ticker rolling state over live ticks and
// publishes a 0..100 ignition score per ticker at a bounded cadence.
package ignition

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	appconfig "ignitionflow/config"
	"ignitionflow/internal/metrics"
	"ignitionflow/logger"
	"ignitionflow/models"
)

// ErrShutdownTimeout is returned by Stop when the worker does not drain
// within the shutdown deadline.
var ErrShutdownTimeout = errors.New("ignition monitor shutdown timed out")

const shutdownDeadline = 2 * time.Second

// Monitor consumes the dispatcher's ignition queue and keeps one
// tickerState per tracked ticker. All state mutation happens on the
// worker goroutine; Scores readers get the last published snapshots.
type Monitor struct {
	config  *appconfig.Config
	in      <-chan models.Tick
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	states  map[string]*tickerState // worker-owned after Start
	ringCap int
	session sessionClock

	snapMu    sync.RWMutex
	snapshots map[string]models.IgnitionSnapshot

	malformed int64
	now       func() time.Time
}

func NewMonitor(cfg *appconfig.Config, in <-chan models.Tick) *Monitor {
	return &Monitor{
		config:    cfg,
		in:        in,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		states:    make(map[string]*tickerState),
		ringCap:   cfg.Ignition.TradeRing,
		session:   newSessionClock(cfg.Ignition.SessionStart),
		snapshots: make(map[string]models.IgnitionSnapshot),
		now:       time.Now,
	}
}

// Start attaches the monitor to the tick input for the given watchlist.
func (m *Monitor) Start(ctx context.Context, watchlist []string) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("ignition monitor already running")
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)

	for _, t := range watchlist {
		if _, ok := m.states[t]; !ok {
			m.states[t] = newTickerState(t, m.ringCap, m.session)
		}
	}
	m.mu.Unlock()

	log := m.log.WithComponent("ignition").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{"tickers": len(watchlist)}).Info("starting ignition monitor")

	m.wg.Add(1)
	go m.run()

	log.Info("ignition monitor started successfully")
	return nil
}

// Stop drains the worker. Per-ticker state survives Stop so a later
// Start resumes cleanly.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	log := m.log.WithComponent("ignition")
	log.Info("stopping ignition monitor")
	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("ignition monitor stopped")
		return nil
	case <-time.After(shutdownDeadline):
		log.Error("ignition monitor worker did not drain in time")
		return ErrShutdownTimeout
	}
}

func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Track begins maintaining state for a ticker. Called on subscribe.
func (m *Monitor) Track(ticker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[ticker]; !ok {
		m.states[ticker] = newTickerState(ticker, m.ringCap, m.session)
	}
}

// Untrack releases a ticker's state and snapshot. Called on unsubscribe.
func (m *Monitor) Untrack(ticker string) {
	m.mu.Lock()
	delete(m.states, ticker)
	m.mu.Unlock()

	m.snapMu.Lock()
	delete(m.snapshots, ticker)
	m.snapMu.Unlock()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	log := m.log.WithComponent("ignition").WithFields(logger.Fields{"worker": "monitor"})
	log.Info("starting monitor worker")

	interval := m.config.Ignition.PublishInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	publish := time.NewTicker(interval)
	defer publish.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.publishDirty()
			log.Info("monitor worker stopped due to context cancellation")
			return
		case tick, ok := <-m.in:
			if !ok {
				m.publishDirty()
				log.Info("input channel closed, monitor worker stopping")
				return
			}
			m.applyTick(tick)
		case <-publish.C:
			m.publishDirty()
		}
	}
}

// applyTick routes one tick into its ticker's state. A malformed tick is
// counted and dropped without touching any state.
func (m *Monitor) applyTick(tick models.Tick) {
	if tick.Malformed() {
		m.mu.Lock()
		m.malformed++
		m.mu.Unlock()
		metrics.EmitDropMetric(m.log, metrics.DropMetricMalformed, ConsumerName, tick.Ticker, string(tick.Kind))
		return
	}

	m.mu.RLock()
	state, ok := m.states[tick.Ticker]
	m.mu.RUnlock()
	if !ok {
		return
	}

	now := tick.Received
	if now.IsZero() {
		now = m.now()
	}
	switch tick.Kind {
	case models.TickTrade:
		state.applyTrade(tick, now)
	case models.TickQuote:
		state.applyQuote(tick, now)
	case models.TickAggregate:
		state.applyAggregate(tick, now)
	}
}

// ConsumerName is the dispatcher consumer this monitor reads from.
const ConsumerName = "ignition"

// publishDirty recomputes snapshots for tickers with new data and
// refreshes stale flags for the rest.
func (m *Monitor) publishDirty() {
	now := m.now()
	staleAfter := m.config.Ignition.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 10 * time.Second
	}

	m.mu.RLock()
	states := make([]*tickerState, 0, len(m.states))
	for _, s := range m.states {
		states = append(states, s)
	}
	m.mu.RUnlock()

	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	for _, s := range states {
		stale := s.lastSeen.IsZero() || now.Sub(s.lastSeen) > staleAfter
		if !s.dirty {
			if snap, ok := m.snapshots[s.ticker]; ok && snap.Stale != stale {
				snap.Stale = stale
				m.snapshots[s.ticker] = snap
			}
			continue
		}
		s.dirty = false
		snap := m.score(s)
		snap.Stale = stale
		snap.UpdatedAt = now.UnixMilli()
		m.snapshots[s.ticker] = snap
	}
}

// score computes the ignition score from the current rolling state.
func (m *Monitor) score(s *tickerState) models.IgnitionSnapshot {
	rvol := s.rvol1m()
	accel := s.priceAccel()
	penalty := s.spreadPenalty()

	passed, multiplier := m.antitrap(s, rvol, accel)

	raw := 40*math.Tanh(rvol/4) + 40*clip(accel*50, 0, 1) - 20*penalty
	score := math.Round(clip(raw*multiplier, 0, 100))

	return models.IgnitionSnapshot{
		Ticker:         s.ticker,
		Score:          score,
		RVol1m:         rvol,
		PriceAccel:     accel,
		SpreadPenalty:  penalty,
		AntitrapPassed: passed,
	}
}

// antitrap applies the trap heuristics: off-quote prints, distribution
// volume, and thin tape. Any hit halves the raw score.
func (m *Monitor) antitrap(s *tickerState, rvol, accel float64) (bool, float64) {
	at := m.config.Ignition.AntiTrap

	if len(s.trades) > 0 && s.quote.bid > 0 && s.quote.ask > 0 {
		last := s.trades[len(s.trades)-1].price
		if last < s.quote.bid*(1-at.OffQuotePct) || last > s.quote.ask*(1+at.OffQuotePct) {
			return false, 0.5
		}
	}
	if at.DistributionRVol > 0 && rvol > at.DistributionRVol && accel < 0 {
		return false, 0.5
	}
	if at.MinTicksPerSec > 0 && s.ticksPerSec() < at.MinTicksPerSec {
		return false, 0.5
	}
	return true, 1.0
}

// Scores returns the last published snapshot per tracked ticker.
func (m *Monitor) Scores() map[string]models.IgnitionSnapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()

	out := make(map[string]models.IgnitionSnapshot, len(m.snapshots))
	for k, v := range m.snapshots {
		out[k] = v
	}
	return out
}

// MalformedCount reports how many ticks were dropped as unusable.
func (m *Monitor) MalformedCount() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.malformed
}
