package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/tiermem/pkg/types"
)

func TestBreakerClosed(t *testing.T) {
	b := New("test")

	out, err := Do(context.Background(), b, func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, "closed", b.State())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("test")
	ctx := context.Background()
	fail := func() (any, error) { return nil, errors.New("boom") }

	for i := 0; i < 3; i++ {
		_, err := b.Execute(ctx, fail)
		require.Error(t, err)
	}
	assert.Equal(t, "open", b.State())

	_, err := b.Execute(ctx, fail)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerIgnoresCallerErrors(t *testing.T) {
	b := New("test")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := b.Execute(ctx, func() (any, error) {
			return nil, types.NewRemoteAPIError("host", 404, "missing")
		})
		assert.ErrorIs(t, err, types.ErrNotFound)
	}
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, uint64(5), b.Counters().TotalSuccesses)
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	b := NewWithConfig(Config{Name: "test", MaxFailures: 1, Timeout: 50 * time.Millisecond, HalfOpenMaxSuccesses: 1})
	ctx := context.Background()

	_, err := b.Execute(ctx, func() (any, error) { return nil, errors.New("boom") })
	require.Error(t, err)
	assert.Equal(t, "open", b.State())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, "half-open", b.State())

	_, err = b.Execute(ctx, func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "closed", b.State())
}

func TestBreakerCancelledContext(t *testing.T) {
	b := New("test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := b.Execute(ctx, func() (any, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
