package layercache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
)

// Invalidator is a registry of cache clearing triggers.
type Invalidator struct {
	sync.Mutex

	// SkipInterval defines minimal duration between two cache invalidations (flood protection).
	SkipInterval time.Duration

	// Callbacks contains a list of functions to call on invalidate.
	Callbacks []func(ctx context.Context) error

	// Clock provides current time, real clock by default.
	Clock clock.Clock

	lastRun time.Time
}

// Invalidate triggers cache clearing.
//
// All callbacks are called even if some of them fail.
func (i *Invalidator) Invalidate(ctx context.Context) error {
	if i.Callbacks == nil {
		return ErrNothingToInvalidate
	}

	i.Lock()
	defer i.Unlock()

	if i.SkipInterval == 0 {
		i.SkipInterval = 15 * time.Second
	}

	if i.Clock == nil {
		i.Clock = clock.New()
	}

	now := i.Clock.Now()

	if !i.lastRun.IsZero() && now.Sub(i.lastRun) < i.SkipInterval {
		return fmt.Errorf("%w at %s, %s did not pass",
			ErrAlreadyInvalidated, i.lastRun.String(), i.SkipInterval.String())
	}

	i.lastRun = now

	var errs *multierror.Error

	for _, cb := range i.Callbacks {
		if err := cb(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}
