package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	now := time.Now()
	b := NewBreaker("test-open", 2, time.Minute)
	b.now = func() time.Time { return now }

	boom := errors.New("connection refused")
	fail := func(context.Context) error { return boom }
	ok := func(context.Context) error { return nil }
	ctx := context.Background()

	assert.ErrorIs(t, b.Execute(ctx, "send", fail), boom)
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Execute(ctx, "send", fail), boom)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, "send", func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	// Cooldown over: one trial, failure reopens
	now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())
	assert.ErrorIs(t, b.Execute(ctx, "send", fail), boom)
	assert.Equal(t, StateOpen, b.State())

	now = now.Add(time.Minute)
	require.NoError(t, b.Execute(ctx, "send", ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := NewBreaker("test-reset", 2, time.Minute)
	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("timeout") }

	_ = b.Execute(ctx, "send", fail)
	require.NoError(t, b.Execute(ctx, "send", func(context.Context) error { return nil }))
	_ = b.Execute(ctx, "send", fail)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CanceledIsNotAFailure(t *testing.T) {
	b := NewBreaker("test-cancel", 1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, "send", func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}
