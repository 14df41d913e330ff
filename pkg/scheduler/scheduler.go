// Package scheduler runs the supervisor's two independent interval jobs —
// sync and publish — each on its own ticker, stopping cleanly when its
// context is canceled.
package scheduler

import (
	"context"
	"time"

	"k8s.io/klog/v2"
)

// defaultInterval is used whenever a caller passes a non-positive seconds
// value. It equals the config package's publish-interval default; the
// config package's sync-interval default is 120s.
const defaultInterval = 30 * time.Second

// Task is one scheduled unit of work. It returns whether it actually ran
// (false for a legitimately skipped tick, e.g. lock contention) and any
// error worth logging.
type Task func(ctx context.Context) (bool, error)

// Run ticks task every interval (seconds) until ctx is canceled. The first
// run happens after one interval has elapsed, matching the scheduler
// semantics of a periodic background job rather than a startup hook.
func Run(ctx context.Context, name string, intervalSeconds int, task Task) {
	interval := time.Duration(intervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	klog.V(2).Infof("[scheduler] %s started, interval=%s", name, interval)
	for {
		select {
		case <-ctx.Done():
			klog.V(2).Infof("[scheduler] %s stopped", name)
			return
		case <-ticker.C:
			ran, err := task(ctx)
			if err != nil {
				klog.Errorf("[scheduler] %s tick failed: %v", name, err)
				continue
			}
			if ran {
				klog.V(4).Infof("[scheduler] %s tick completed", name)
			}
		}
	}
}
