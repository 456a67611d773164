package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/runner/errs"
	"github.com/coachpo/runner/internal/domain/run"
)

type closingEngine struct {
	closed bool
}

func (c *closingEngine) Start(context.Context, run.Context) error { return nil }

func (c *closingEngine) Close() error {
	c.closed = true
	return nil
}

func TestKindForTestMode(t *testing.T) {
	require.Equal(t, KindTest, KindForTestMode(true))
	require.Equal(t, KindProduction, KindForTestMode(false))
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind(" Production ")
	require.NoError(t, err)
	require.Equal(t, KindProduction, kind)

	_, err = ParseKind("staging")
	require.True(t, errs.Is(err, errs.CodeConfiguration))
}

func TestNewRegistryValidation(t *testing.T) {
	_, err := NewRegistry(nil)
	require.True(t, errs.Is(err, errs.CodeConfiguration))

	_, err = NewRegistry(map[Kind]Engine{KindTest: nil})
	require.True(t, errs.Is(err, errs.CodeConfiguration))

	_, err = NewRegistry(map[Kind]Engine{Kind("shadow"): Func(func(context.Context, run.Context) error { return nil })})
	require.True(t, errs.Is(err, errs.CodeConfiguration))
}

func TestRegistryResolvesIndependentEngines(t *testing.T) {
	var testRuns, prodRuns int
	registry, err := NewRegistry(map[Kind]Engine{
		KindTest: Func(func(context.Context, run.Context) error {
			testRuns++
			return nil
		}),
		KindProduction: Func(func(context.Context, run.Context) error {
			prodRuns++
			return errors.New("exchange rejected")
		}),
	})
	require.NoError(t, err)

	handle, err := registry.Acquire(KindTest)
	require.NoError(t, err)
	require.Equal(t, KindTest, handle.Kind())
	require.NoError(t, handle.Start(context.Background(), run.Context{}))
	handle.Release()
	handle.Release()

	handle, err = registry.Acquire(KindProduction)
	require.NoError(t, err)
	require.Error(t, handle.Start(context.Background(), run.Context{}))
	handle.Release()

	require.Equal(t, 1, testRuns)
	require.Equal(t, 1, prodRuns)

	stats := registry.Stats()
	require.Len(t, stats, 2)
	require.Equal(t, KindProduction, stats[0].Kind)
	require.Equal(t, uint64(1), stats[0].Runs)
	require.Equal(t, uint64(1), stats[0].Failures)
	require.Equal(t, "exchange rejected", stats[0].LastError)
	require.Equal(t, KindTest, stats[1].Kind)
	require.Equal(t, uint64(0), stats[1].Failures)
	require.Zero(t, stats[1].Active)
	require.False(t, stats[1].LastStartedAt.IsZero())
}

func TestRegistryAcquireUnregisteredKind(t *testing.T) {
	registry, err := NewRegistry(map[Kind]Engine{KindTest: Func(func(context.Context, run.Context) error { return nil })})
	require.NoError(t, err)
	_, err = registry.Acquire(KindProduction)
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestRegistryCloseWaitsForHandles(t *testing.T) {
	eng := &closingEngine{}
	registry, err := NewRegistry(map[Kind]Engine{KindTest: eng})
	require.NoError(t, err)

	handle, err := registry.Acquire(KindTest)
	require.NoError(t, err)
	require.Equal(t, 1, registry.Stats()[0].Active)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, registry.Close(ctx))
	require.False(t, eng.closed)

	_, err = registry.Acquire(KindTest)
	require.True(t, errs.Is(err, errs.CodeUnavailable))

	handle.Release()
	require.NoError(t, registry.Close(context.Background()))
}

func TestRegistryCloseClosesEngines(t *testing.T) {
	eng := &closingEngine{}
	registry, err := NewRegistry(map[Kind]Engine{KindTest: eng})
	require.NoError(t, err)
	require.NoError(t, registry.Close(context.Background()))
	require.True(t, eng.closed)
	require.NoError(t, registry.Close(context.Background()))
}
