package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func failing() func() error {
	return func() error { return errBackend }
}

func succeeding() func() error {
	return func() error { return nil }
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, Timeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, failing()), errBackend)
	}
	assert.Equal(t, StateOpen, b.State())

	assert.ErrorIs(t, b.Execute(ctx, succeeding()), ErrOpen)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, Timeout: time.Hour})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing()))
	require.Error(t, b.Execute(ctx, failing()))
	require.NoError(t, b.Execute(ctx, succeeding()))
	require.Error(t, b.Execute(ctx, failing()))
	require.Error(t, b.Execute(ctx, failing()))

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := New("test", Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		MaxRequests:      2,
		Timeout:          10 * time.Millisecond,
	})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing()))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeeding()))
	require.NoError(t, b.Execute(ctx, succeeding()))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("test", Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Millisecond,
	})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing()))
	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.Error(t, b.Execute(ctx, failing()))
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenBoundsProbes(t *testing.T) {
	b := New("test", Config{
		FailureThreshold: 1,
		SuccessThreshold: 5,
		MaxRequests:      1,
		Timeout:          10 * time.Millisecond,
	})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing()))
	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// First probe is admitted and held open; the second is rejected.
	admitted := make(chan struct{})
	release := make(chan struct{})
	go func() {
		b.Execute(ctx, func() error {
			close(admitted)
			<-release
			return nil
		})
	}()
	<-admitted

	assert.ErrorIs(t, b.Execute(ctx, succeeding()), ErrTooManyRequests)
	close(release)
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []string
	b := New("remote-cache", Config{
		FailureThreshold: 1,
		Timeout:          time.Hour,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})

	require.Error(t, b.Execute(context.Background(), failing()))
	assert.Equal(t, []string{"closed>open"}, transitions)
}
