package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-travel/backend/internal/apperr"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{Name: "chat", MaxFailures: 2, OpenTimeout: time.Minute})
	boom := errors.New("boom")

	calls := 0
	fail := func(context.Context) error { calls++; return boom }

	require.ErrorIs(t, b.Do(context.Background(), fail), boom)
	require.ErrorIs(t, b.Do(context.Background(), fail), boom)
	assert.Equal(t, "open", b.State())

	err := b.Do(context.Background(), fail)
	require.ErrorIs(t, err, apperr.ErrCircuitOpen)
	require.ErrorIs(t, err, apperr.ErrServiceUnavailable)
	assert.True(t, apperr.IsTransient(err))
	assert.Equal(t, 2, calls)
}

func TestValidationErrorsDoNotTrip(t *testing.T) {
	b := New(Config{MaxFailures: 1})
	for i := 0; i < 3; i++ {
		err := b.Do(context.Background(), func(context.Context) error { return apperr.Validation("empty") })
		require.ErrorIs(t, err, apperr.ErrValidation)
	}
	assert.Equal(t, "closed", b.State())
}

func TestCallTimeoutApplies(t *testing.T) {
	b := New(Config{CallTimeout: 5 * time.Millisecond})
	_, err := Call(context.Background(), b, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallReturnsValue(t *testing.T) {
	got, err := Call(context.Background(), New(Config{}), func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	got, err = Call[int](context.Background(), nil, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}
