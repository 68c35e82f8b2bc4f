package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{6, 3200 * time.Millisecond},
		{7, 5 * time.Second},
		{30, 5 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Policy{}.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestDelayCustom(t *testing.T) {
	t.Parallel()
	p := Policy{Initial: 50 * time.Millisecond, Max: 300 * time.Millisecond}

	assert.Equal(t, 50*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(3))
	assert.Equal(t, 300*time.Millisecond, p.Delay(4))
}

func fastPolicy(attempts int) Policy {
	return Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Attempts: attempts}
}

func TestRetrySucceedsEventually(t *testing.T) {
	t.Parallel()
	calls := 0
	var retried []int

	err := Retry(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("unavailable")
		}
		return nil
	}, func(attempt int, err error) {
		retried = append(retried, attempt)
		assert.EqualError(t, err, "unavailable")
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetryExhausted(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return errors.New("still down")
	}, nil)

	assert.EqualError(t, err, "still down")
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	t.Parallel()
	rejected := errors.New("403 forbidden")
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return Permanent(rejected)
	}, nil)

	assert.Same(t, rejected, err)
	assert.Equal(t, 1, calls)
	assert.NoError(t, Permanent(nil))
}

func TestRetryStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, Policy{Initial: time.Hour, Attempts: 3}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("unavailable")
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorContains(t, err, "unavailable")
	assert.Equal(t, 1, calls)
}
