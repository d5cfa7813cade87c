package logger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type componentStat struct {
	warns  int64
	errors int64
}

var reportStats sync.Map // map[string]*componentStat

func recordWarn(component string) {
	v, _ := reportStats.LoadOrStore(component, &componentStat{})
	atomic.AddInt64(&v.(*componentStat).warns, 1)
}

func recordError(component string) {
	v, _ := reportStats.LoadOrStore(component, &componentStat{})
	atomic.AddInt64(&v.(*componentStat).errors, 1)
}

// StartReport periodically logs accumulated warn/error counts per component.
// Counters are deltas since the previous report.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reportStats.Range(func(key, value any) bool {
					cs := value.(*componentStat)
					warns := atomic.SwapInt64(&cs.warns, 0)
					errors := atomic.SwapInt64(&cs.errors, 0)
					if warns == 0 && errors == 0 {
						return true
					}
					log.WithComponent("report").WithFields(Fields{
						"source": key,
						"warns":  warns,
						"errors": errors,
					}).Info("component health report")
					return true
				})
			}
		}
	}()
}
