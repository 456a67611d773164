// Package throttle provides the fixed-delay admission gate placed in front of replay dispatches.
package throttle

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Gate blocks each caller for a fixed delay before admitting it. It keeps no per-request state:
// every admission waits the full delay regardless of backlog or priority.
type Gate struct {
	delay time.Duration
	sleep SleepFunc

	admitted metric.Int64Counter
	waited   metric.Float64Histogram
}

// NewGate constructs a gate with the provided delay. A non-positive delay admits immediately.
func NewGate(delay time.Duration) *Gate {
	gate := new(Gate)
	gate.delay = delay
	gate.sleep = sleepContext

	meter := otel.Meter("throttle")
	gate.admitted, _ = meter.Int64Counter("throttle.admissions",
		metric.WithDescription("Replay requests admitted by the throttle gate"),
		metric.WithUnit("{request}"))
	gate.waited, _ = meter.Float64Histogram("throttle.wait.duration",
		metric.WithDescription("Time spent blocked in the throttle gate"),
		metric.WithUnit("ms"))
	return gate
}

// WithSleep overrides the blocking primitive, primarily for testing.
func (g *Gate) WithSleep(sleep SleepFunc) *Gate {
	if sleep == nil {
		sleep = sleepContext
	}
	g.sleep = sleep
	return g
}

// Delay returns the configured admission delay.
func (g *Gate) Delay() time.Duration {
	if g == nil {
		return 0
	}
	return g.delay
}

// Wait blocks the calling goroutine for the configured delay. It returns the context error if
// ctx ends first, in which case the request must not be dispatched.
func (g *Gate) Wait(ctx context.Context) error {
	if g == nil || g.delay <= 0 {
		return nil
	}
	start := time.Now()
	if err := g.sleep(ctx, g.delay); err != nil {
		return fmt.Errorf("throttle wait: %w", err)
	}
	if g.admitted != nil {
		g.admitted.Add(ctx, 1)
	}
	if g.waited != nil {
		g.waited.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
