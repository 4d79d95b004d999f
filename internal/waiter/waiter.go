// waiter implements a bounded, fixed-delay poll loop for observing slow
// provider-side state transitions (spot request fulfillment, status checks,
// stop/terminate, request cancellation).
//
// The waiter only ever observes state, it never resubmits the operation it
// is waiting on.
package waiter

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"k8s.io/utils/clock"
)

const (
	DefaultDelay       = 5 * time.Second
	DefaultMaxAttempts = 100
)

var ErrTimeout = fmt.Errorf("timed out waiting for resource")

// TimeoutError is returned when 'MaxAttempts' polls pass without the done
// predicate holding. 'Resource' is the identifier of the pending resource
// (ex: a spot request ID) so the caller can point the user at it.
type TimeoutError struct {
	Resource string
	Attempts int
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s still pending after %d attempts (%s)",
		ErrTimeout, e.Resource, e.Attempts, e.Elapsed)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// Config configures a wait. The zero value waits with the defaults on the
// real clock.
type Config struct {
	Delay       time.Duration // default: 5s
	MaxAttempts int           // default: 100
	Clock       clock.Clock   // default: clock.RealClock{}
}

func (c *Config) applyDefaults() {
	if c.Delay <= 0 {
		c.Delay = DefaultDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
}

// Until sleeps 'Delay' then calls 'poll', up to 'MaxAttempts' times, returning
// the first polled value for which 'done' holds.
//
// An error from 'poll' ends the wait immediately and is returned as-is. When
// the attempts are exhausted a '*TimeoutError' naming 'resource' is returned
// along with the last polled value.
func Until[T any](
	ctx context.Context,
	cfg Config,
	resource string,
	poll func(context.Context) (T, error),
	done func(T) bool,
) (T, error) {
	cfg.applyDefaults()
	log := clog.FromContext(ctx).With("resource", resource)

	start := cfg.Clock.Now()
	var last T
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		cfg.Clock.Sleep(cfg.Delay)
		if err := ctx.Err(); err != nil {
			return last, err
		}
		state, err := poll(ctx)
		if err != nil {
			return state, err
		}
		last = state
		if done(state) {
			log.Debug("wait complete", "attempt", attempt)
			return state, nil
		}
		log.Debug("resource not ready, waiting longer", "attempt", attempt, "max_attempts", cfg.MaxAttempts)
	}
	return last, &TimeoutError{
		Resource: resource,
		Attempts: cfg.MaxAttempts,
		Elapsed:  cfg.Clock.Since(start),
	}
}
