package timer

import (
	"context"
	"time"

	"github.com/lthibault/jitterbug/v2"

	log "github.com/sirupsen/logrus"
)

type Interval struct {
	Duration time.Duration
	Jitter   time.Duration
}

// RunWithTicker runs fn on a jittered interval until the context is
// cancelled. fn runs once immediately before the first tick.
func RunWithTicker(ctx context.Context, name string, interval Interval, fn func(ctx context.Context) error) error {
	ticker := jitterbug.New(interval.Duration, &jitterbug.Norm{Stdev: interval.Jitter})
	defer ticker.Stop()

	log.Debugf("timer: starting %s every %v (jitter %v)", name, interval.Duration, interval.Jitter)

	for {
		if err := fn(ctx); err != nil {
			log.Warnf("timer: %s: %v", name, err)
		}

		select {
		case <-ctx.Done():
			log.Debugf("timer: stopping %s", name)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
