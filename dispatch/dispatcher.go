// Package dispatch fans the single upstream tick stream out to the
// registered consumers. Each consumer owns a bounded queue with its own
// full-queue policy and a runtime-updatable ticker allowlist. A single
// dispatch goroutine delivers in arrival order, so per-ticker ordering is
// preserved for every consumer.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appconfig "ignitionflow/config"
	"ignitionflow/internal/metrics"
	"ignitionflow/logger"
	"ignitionflow/models"
)

// Registered consumer names.
const (
	ConsumerIgnition    = "ignition"
	ConsumerStrategy    = "strategy"
	ConsumerUIBroadcast = "ui_broadcast"
	ConsumerRecorder    = "recorder"
)

// Policy selects the behavior when a consumer queue is full.
type Policy int

const (
	// DropOldest evicts the oldest queued tick to admit the new one.
	DropOldest Policy = iota
	// DropNewest discards the incoming tick.
	DropNewest
	// Coalesce keeps only the latest tick per ticker.
	Coalesce
	// Block waits briefly for space, then drops with a loud counter.
	Block
)

// ConsumerStats is a snapshot of one consumer's counters.
type ConsumerStats struct {
	TicksOut   int64 `json:"ticks_out"`
	Drops      int64 `json:"drops"`
	Coalesced  int64 `json:"coalesced"`
	QueueDepth int   `json:"queue_depth"`
}

// Stats is a snapshot of the dispatcher counters.
type Stats struct {
	TicksIn   int64                    `json:"ticks_in"`
	Consumers map[string]ConsumerStats `json:"consumers"`
}

type consumer struct {
	name   string
	policy Policy
	queue  chan models.Tick

	mu     sync.RWMutex
	filter map[string]struct{} // nil allows every ticker

	// Coalesce state: latest tick per ticker plus FIFO key order.
	pendingMu sync.Mutex
	pending   map[string]models.Tick
	order     []string
	notify    chan struct{}

	out       chan models.Tick
	ticksOut  atomic.Int64
	drops     atomic.Int64
	coalesced atomic.Int64
}

// Dispatcher is the single-input, N-consumer fan-out stage.
type Dispatcher struct {
	config  *appconfig.Config
	in      <-chan models.Tick
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	consumers map[string]*consumer
	ticksIn   atomic.Int64
}

func NewDispatcher(cfg *appconfig.Config, in <-chan models.Tick) *Dispatcher {
	return &Dispatcher{
		config:    cfg,
		in:        in,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		consumers: make(map[string]*consumer),
	}
}

// Register adds a consumer before Start and returns its delivery channel.
func (d *Dispatcher) Register(name string, policy Policy) (<-chan models.Tick, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil, fmt.Errorf("cannot register %s: dispatcher already running", name)
	}
	if _, ok := d.consumers[name]; ok {
		return nil, fmt.Errorf("consumer %s already registered", name)
	}

	size := d.config.Dispatcher.QueueSize
	if size <= 0 {
		size = 1024
	}

	c := &consumer{
		name:   name,
		policy: policy,
		queue:  make(chan models.Tick, size),
	}
	if policy == Coalesce {
		c.pending = make(map[string]models.Tick)
		c.notify = make(chan struct{}, size)
		c.out = make(chan models.Tick)
	}
	d.consumers[name] = c

	if policy == Coalesce {
		return c.out, nil
	}
	return c.queue, nil
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.ctx = ctx
	d.mu.Unlock()

	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{"consumers": len(d.consumers)}).Info("starting dispatcher")

	for _, c := range d.consumers {
		if c.policy == Coalesce {
			d.wg.Add(1)
			go d.coalescePump(c)
		}
	}

	d.wg.Add(1)
	go d.run()

	log.Info("dispatcher started successfully")
	return nil
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.log.WithComponent("dispatcher").Info("stopping dispatcher")
	d.wg.Wait()
	d.log.WithComponent("dispatcher").Info("dispatcher stopped")
}

// UpdateFilter replaces a consumer's ticker allowlist. An empty list
// blocks everything; pass nil to allow all tickers.
func (d *Dispatcher) UpdateFilter(name string, tickers []string) error {
	d.mu.RLock()
	c, ok := d.consumers[name]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown consumer %s", name)
	}

	var set map[string]struct{}
	if tickers != nil {
		set = make(map[string]struct{}, len(tickers))
		for _, t := range tickers {
			set[t] = struct{}{}
		}
	}

	c.mu.Lock()
	c.filter = set
	c.mu.Unlock()
	return nil
}

func (c *consumer) allows(ticker string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.filter == nil {
		return true
	}
	_, ok := c.filter[ticker]
	return ok
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{"worker": "fanout"})
	log.Info("starting fanout worker")

	for {
		select {
		case <-d.ctx.Done():
			log.Info("fanout worker stopped due to context cancellation")
			return
		case tick, ok := <-d.in:
			if !ok {
				log.Info("input channel closed, fanout worker stopping")
				return
			}
			d.ticksIn.Add(1)
			d.mu.RLock()
			for _, c := range d.consumers {
				if c.allows(tick.Ticker) {
					d.deliver(c, tick)
				}
			}
			d.mu.RUnlock()
		}
	}
}

func (d *Dispatcher) deliver(c *consumer, tick models.Tick) {
	switch c.policy {
	case Coalesce:
		c.pendingMu.Lock()
		if _, exists := c.pending[tick.Ticker]; exists {
			c.coalesced.Add(1)
		} else {
			c.order = append(c.order, tick.Ticker)
		}
		c.pending[tick.Ticker] = tick
		c.pendingMu.Unlock()
		select {
		case c.notify <- struct{}{}:
		default:
		}

	case DropOldest:
		for {
			select {
			case c.queue <- tick:
				c.ticksOut.Add(1)
				return
			default:
			}
			select {
			case <-c.queue:
				c.drops.Add(1)
			default:
			}
		}

	case DropNewest:
		select {
		case c.queue <- tick:
			c.ticksOut.Add(1)
		default:
			c.drops.Add(1)
			metrics.EmitDropMetric(d.log, metrics.DropMetricConsumer, c.name, tick.Ticker, "queue_full")
		}

	case Block:
		select {
		case c.queue <- tick:
			c.ticksOut.Add(1)
			return
		default:
		}
		block := d.config.Dispatcher.RecorderBlock
		if block <= 0 {
			block = 10 * time.Millisecond
		}
		timer := time.NewTimer(block)
		defer timer.Stop()
		select {
		case c.queue <- tick:
			c.ticksOut.Add(1)
		case <-timer.C:
			// Dropping here is a deadlock escape hatch; it must be loud.
			c.drops.Add(1)
			metrics.EmitDropMetric(d.log, metrics.DropMetricRecorder, c.name, tick.Ticker, "blocked_timeout")
			d.log.WithComponent("dispatcher").WithFields(logger.Fields{
				"consumer": c.name,
				"ticker":   tick.Ticker,
			}).Error("recorder queue blocked past deadline, dropping tick")
		case <-d.ctx.Done():
		}
	}
}

// coalescePump drains the pending map toward the consumer in key-FIFO
// order, always handing over the latest tick per ticker.
func (d *Dispatcher) coalescePump(c *consumer) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-c.notify:
		}

		for {
			c.pendingMu.Lock()
			if len(c.order) == 0 {
				c.pendingMu.Unlock()
				break
			}
			ticker := c.order[0]
			c.order = c.order[1:]
			tick := c.pending[ticker]
			delete(c.pending, ticker)
			c.pendingMu.Unlock()

			select {
			case c.out <- tick:
				c.ticksOut.Add(1)
			case <-d.ctx.Done():
				return
			}
		}
	}
}

// Stats returns a snapshot of all dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := Stats{
		TicksIn:   d.ticksIn.Load(),
		Consumers: make(map[string]ConsumerStats, len(d.consumers)),
	}
	for name, c := range d.consumers {
		depth := len(c.queue)
		if c.policy == Coalesce {
			c.pendingMu.Lock()
			depth = len(c.pending)
			c.pendingMu.Unlock()
		}
		stats.Consumers[name] = ConsumerStats{
			TicksOut:   c.ticksOut.Load(),
			Drops:      c.drops.Load(),
			Coalesced:  c.coalesced.Load(),
			QueueDepth: depth,
		}
	}
	return stats
}

// QueueStats adapts the consumer queues for the metrics reporter.
func (d *Dispatcher) QueueStats() map[string]metrics.QueueStat {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]metrics.QueueStat, len(d.consumers))
	for name, c := range d.consumers {
		if c.policy == Coalesce {
			c.pendingMu.Lock()
			out[name] = metrics.QueueStat{Depth: len(c.pending), Capacity: cap(c.notify)}
			c.pendingMu.Unlock()
			continue
		}
		out[name] = metrics.QueueStat{Depth: len(c.queue), Capacity: cap(c.queue)}
	}
	return out
}
