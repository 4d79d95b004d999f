package waiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func TestUntil(t *testing.T) {
	const delay = 5 * time.Second

	t.Run("times-out-after-exactly-max-attempts", func(t *testing.T) {
		clk := testingclock.NewFakeClock(time.Unix(0, 0))
		polls := 0
		_, err := Until(t.Context(), Config{Delay: delay, MaxAttempts: 3, Clock: clk}, "sir-123",
			func(context.Context) (string, error) {
				polls++
				return "open", nil
			},
			func(string) bool { return false },
		)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTimeout)
		var timeout *TimeoutError
		require.ErrorAs(t, err, &timeout)
		assert.Equal(t, "sir-123", timeout.Resource)
		assert.Equal(t, 3, timeout.Attempts)
		assert.Equal(t, 3, polls)
		assert.Equal(t, 3*delay, timeout.Elapsed)
		assert.Equal(t, 3*delay, clk.Since(time.Unix(0, 0)))
	})

	t.Run("returns-first-done-state", func(t *testing.T) {
		clk := testingclock.NewFakeClock(time.Unix(0, 0))
		polls := 0
		state, err := Until(t.Context(), Config{Delay: delay, MaxAttempts: 10, Clock: clk}, "i-123",
			func(context.Context) (int, error) {
				polls++
				return polls, nil
			},
			func(n int) bool { return n == 4 },
		)
		require.NoError(t, err)
		assert.Equal(t, 4, state)
		assert.Equal(t, 4, polls)
		assert.Equal(t, 4*delay, clk.Since(time.Unix(0, 0)))
	})

	t.Run("poll-error-ends-wait", func(t *testing.T) {
		clk := testingclock.NewFakeClock(time.Unix(0, 0))
		errBoom := errors.New("boom")
		polls := 0
		_, err := Until(t.Context(), Config{Delay: delay, MaxAttempts: 10, Clock: clk}, "i-123",
			func(context.Context) (int, error) {
				polls++
				return 0, errBoom
			},
			func(int) bool { return false },
		)
		assert.ErrorIs(t, err, errBoom)
		assert.NotErrorIs(t, err, ErrTimeout)
		assert.Equal(t, 1, polls)
	})

	t.Run("cancelled-context-stops-polling", func(t *testing.T) {
		clk := testingclock.NewFakeClock(time.Unix(0, 0))
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		polls := 0
		_, err := Until(ctx, Config{Delay: delay, MaxAttempts: 10, Clock: clk}, "i-123",
			func(context.Context) (int, error) {
				polls++
				return 0, nil
			},
			func(int) bool { return false },
		)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, polls)
	})

	t.Run("defaults", func(t *testing.T) {
		var cfg Config
		cfg.applyDefaults()
		assert.Equal(t, DefaultDelay, cfg.Delay)
		assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
		assert.NotNil(t, cfg.Clock)
	})
}
