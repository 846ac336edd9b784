package orchestrator

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// DefaultSweepInterval is how often RunJanitor sweeps when given a
// non-positive interval.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper deletes finalized incidents whose retention window has passed.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// RunJanitor sweeps expired incidents every interval until ctx ends.
func RunJanitor(ctx context.Context, sw Sweeper, interval time.Duration, logger log.Logger) {
	if logger == nil {
		logger = log.Nop()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := sw.Sweep(ctx, now)
			if err != nil {
				logger.Error(ctx, err, "incident sweep failed")
				continue
			}
			if n > 0 {
				logger.Info(ctx, "expired incidents removed", "count", n)
			}
		}
	}
}
