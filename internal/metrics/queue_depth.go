package metrics

import (
	"context"
	"time"

	"ignitionflow/logger"
)

// QueueStat describes the occupancy of one bounded queue.
type QueueStat struct {
	Depth    int
	Capacity int
}

// StartQueueDepthMetrics emits occupancy gauges for a set of named queues.
// The sample function is called once per interval; a one-second cadence is
// used when interval <= 0. Sampling stops when the context is cancelled.
func StartQueueDepthMetrics(ctx context.Context, sample func() map[string]QueueStat, interval time.Duration) {
	if sample == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "queue_buffers"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name, stat := range sample() {
					EmitMetric(log, component, name+"_queue_depth", stat.Depth, "gauge", logger.Fields{
						"queue":    name,
						"capacity": stat.Capacity,
					})
				}
			}
		}
	}()
}
