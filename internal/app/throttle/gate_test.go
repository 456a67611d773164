package throttle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGateWaitsConfiguredDelay(t *testing.T) {
	gate := NewGate(30 * time.Millisecond)
	start := time.Now()
	require.NoError(t, gate.Wait(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestGateZeroDelayAdmitsImmediately(t *testing.T) {
	called := false
	gate := NewGate(0).WithSleep(func(context.Context, time.Duration) error {
		called = true
		return nil
	})
	require.NoError(t, gate.Wait(context.Background()))
	require.False(t, called)
	require.Zero(t, gate.Delay())
}

func TestGateUsesFixedDelayEveryTime(t *testing.T) {
	var seen []time.Duration
	gate := NewGate(2 * time.Second).WithSleep(func(_ context.Context, d time.Duration) error {
		seen = append(seen, d)
		return nil
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, gate.Wait(context.Background()))
	}
	require.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}, seen)
}

func TestGateHonoursCancellation(t *testing.T) {
	gate := NewGate(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := gate.Wait(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestNilGateAdmits(t *testing.T) {
	var gate *Gate
	require.NoError(t, gate.Wait(context.Background()))
}
