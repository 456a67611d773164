package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/runner/errs"
	"github.com/coachpo/runner/internal/app/engine"
	"github.com/coachpo/runner/internal/app/throttle"
	"github.com/coachpo/runner/internal/domain/run"
	"github.com/coachpo/runner/internal/domain/signaltime"
)

type recordingEngine struct {
	mu    sync.Mutex
	runs  []run.Context
	block chan struct{}
	err   error
	panic bool
}

func (e *recordingEngine) Start(_ context.Context, rc run.Context) error {
	if e.block != nil {
		<-e.block
	}
	e.mu.Lock()
	e.runs = append(e.runs, rc)
	e.mu.Unlock()
	if e.panic {
		panic("engine exploded")
	}
	return e.err
}

func (e *recordingEngine) Runs() []run.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]run.Context(nil), e.runs...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) ReplayStarted(_ context.Context, instrument string, month time.Month, year int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, fmt.Sprintf("%s %s %d", instrument, month, year))
}

type outcomeCollector struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (c *outcomeCollector) Deliver(_ context.Context, outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, outcome)
}

func (c *outcomeCollector) All() []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Outcome(nil), c.outcomes...)
}

type fixture struct {
	test       *recordingEngine
	production *recordingEngine
	registry   *engine.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{test: &recordingEngine{}, production: &recordingEngine{}}
	registry, err := engine.NewRegistry(map[engine.Kind]engine.Engine{
		engine.KindTest:       f.test,
		engine.KindProduction: f.production,
	})
	require.NoError(t, err)
	f.registry = registry
	return f
}

func defaultSettings(parallel bool) Settings {
	return Settings{
		Parallel: parallel,
		Sizing:   run.Sizing{Percentage: decimal.RequireFromString("0.25"), MaxCount: 4},
	}
}

func waitIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

func TestNewRequiresEngines(t *testing.T) {
	_, err := New(nil, nil, defaultSettings(false))
	require.True(t, errs.Is(err, errs.CodeConfiguration))

	f := newFixture(t)
	settings := defaultSettings(false)
	settings.Sizing.MaxCount = -1
	_, err = New(f.registry, nil, settings)
	require.True(t, errs.Is(err, errs.CodeConfiguration))
}

func TestExecuteRoutesByMode(t *testing.T) {
	f := newFixture(t)
	d, err := New(f.registry, nil, defaultSettings(false))
	require.NoError(t, err)

	_, err = d.Execute(context.Background(), run.ModeTest, "BTC/USD", "v1")
	require.NoError(t, err)
	_, err = d.Execute(context.Background(), run.ModeProduction, "SOL/USD", "v3")
	require.NoError(t, err)

	testRuns := f.test.Runs()
	require.Len(t, testRuns, 1)
	require.Equal(t, "BTC/USD", testRuns[0].Instrument)
	require.Equal(t, "v1", testRuns[0].Brain)
	require.False(t, testRuns[0].Replay)
	require.True(t, testRuns[0].TestMode)

	prodRuns := f.production.Runs()
	require.Len(t, prodRuns, 1)
	require.Equal(t, "SOL/USD", prodRuns[0].Instrument)
	require.False(t, prodRuns[0].TestMode)
	require.False(t, prodRuns[0].Replay)
}

func TestExecuteUnknownModeIsConfigurationError(t *testing.T) {
	f := newFixture(t)
	d, err := New(f.registry, nil, defaultSettings(false))
	require.NoError(t, err)

	_, err = d.Execute(context.Background(), run.ModeTest, "BTC/USD", "v1")
	require.NoError(t, err)

	// The previous dispatch's test flag must not leak into an unrecognised mode.
	_, err = d.Execute(context.Background(), run.Mode("paper"), "BTC/USD", "v1")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeConfiguration))
	require.Len(t, f.test.Runs(), 1)
	require.Empty(t, f.production.Runs())
}

func TestBackTestBuildsReplayContext(t *testing.T) {
	f := newFixture(t)
	notifier := &recordingNotifier{}
	var received []string
	d, err := New(f.registry, nil, defaultSettings(false),
		WithNotifier(notifier),
		WithDecomposer(func(date string) (signaltime.Decomposition, error) {
			received = append(received, date)
			return signaltime.Decompose(date)
		}))
	require.NoError(t, err)

	_, err = d.BackTest(context.Background(), "2021-03-05 10:00:00+00:00", "ETH/USD", "v2")
	require.NoError(t, err)

	require.Equal(t, []string{"2021-03-05, 10:00:00"}, received)
	runs := f.test.Runs()
	require.Len(t, runs, 1)
	rc := runs[0]
	require.True(t, rc.Replay)
	require.True(t, rc.TestMode)
	require.Equal(t, run.ModeTest, rc.Mode)
	require.Equal(t, time.March, rc.Month)
	require.Equal(t, 2021, rc.Year)
	require.Equal(t, time.Date(2021, time.March, 5, 10, 0, 0, 0, time.UTC).Unix(), rc.SignalTimestamp)
	require.True(t, rc.SizingPercentage.Equal(decimal.RequireFromString("0.25")))
	require.Equal(t, 4, rc.SizingMaxCount)
	require.Equal(t, "ETH/USD", rc.Instrument)
	require.Equal(t, "v2", rc.Brain)
	require.Empty(t, f.production.Runs())
	require.Equal(t, []string{"ETH/USD March 2021"}, notifier.calls)
}

func TestBackTestMonthMatchesUnixTimestamp(t *testing.T) {
	f := newFixture(t)
	d, err := New(f.registry, nil, defaultSettings(false))
	require.NoError(t, err)

	inputs := []string{
		"2020-12-31 23:59:59+05:00",
		"2021-01-01 00:00:00-08:00",
		"2024-02-29T12:30:00Z",
		"1999-07-15 08:00:00",
	}
	for _, input := range inputs {
		require.NoError(t, d.PerformBackTest(context.Background(), input, "ETH/USD", "v2"), input)
	}
	runs := f.test.Runs()
	require.Len(t, runs, len(inputs))
	for i, rc := range runs {
		at := time.Unix(rc.SignalTimestamp, 0).UTC()
		require.Equal(t, at.Month(), rc.Month, inputs[i])
		require.Equal(t, at.Year(), rc.Year, inputs[i])
	}
	// Offsets are dropped, not applied.
	require.Equal(t, time.December, runs[0].Month)
	require.Equal(t, 2020, runs[0].Year)
}

func TestBackTestMalformedTimestamp(t *testing.T) {
	f := newFixture(t)
	collector := &outcomeCollector{}
	d, err := New(f.registry, nil, defaultSettings(false), WithSinks(collector))
	require.NoError(t, err)

	_, err = d.BackTest(context.Background(), "yesterday at noon", "ETH/USD", "v2")
	require.True(t, errs.Is(err, errs.CodeMalformedTimestamp))
	require.Empty(t, f.test.Runs())

	outcomes := collector.All()
	require.Len(t, outcomes, 1)
	require.Equal(t, OpBackTest, outcomes[0].Request.Operation)
	require.Equal(t, "yesterday at noon", outcomes[0].Request.Timestamp)
	require.False(t, outcomes[0].Succeeded())
}

func TestBackTestWaitsForThrottleBeforeDispatch(t *testing.T) {
	const delay = 40 * time.Millisecond
	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("parallel=%t", parallel), func(t *testing.T) {
			f := newFixture(t)
			started := make(chan time.Time, 1)
			registry, err := engine.NewRegistry(map[engine.Kind]engine.Engine{
				engine.KindTest: engine.Func(func(context.Context, run.Context) error {
					started <- time.Now()
					return nil
				}),
				engine.KindProduction: f.production,
			})
			require.NoError(t, err)
			d, err := New(registry, throttle.NewGate(delay), defaultSettings(parallel))
			require.NoError(t, err)

			begin := time.Now()
			_, err = d.BackTest(context.Background(), "2021-03-05 10:00:00", "ETH/USD", "v2")
			require.NoError(t, err)
			require.GreaterOrEqual(t, time.Since(begin), delay, "gate blocks the caller in both modes")

			select {
			case at := <-started:
				require.GreaterOrEqual(t, at.Sub(begin), delay)
			case <-time.After(5 * time.Second):
				t.Fatal("run never started")
			}
			waitIdle(t, d)
		})
	}
}

func TestBackTestCanceledDuringThrottle(t *testing.T) {
	f := newFixture(t)
	collector := &outcomeCollector{}
	d, err := New(f.registry, throttle.NewGate(time.Hour), defaultSettings(true), WithSinks(collector))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	id, err := d.BackTest(ctx, "2021-03-05 10:00:00", "ETH/USD", "v2")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, uuid.Nil, id)
	waitIdle(t, d)
	require.Empty(t, f.test.Runs())
	require.Empty(t, collector.All())
}

func TestInlineReturnsAfterRunCompletes(t *testing.T) {
	var finished atomic.Bool
	f := newFixture(t)
	registry, err := engine.NewRegistry(map[engine.Kind]engine.Engine{
		engine.KindTest: engine.Func(func(context.Context, run.Context) error {
			time.Sleep(20 * time.Millisecond)
			finished.Store(true)
			return nil
		}),
		engine.KindProduction: f.production,
	})
	require.NoError(t, err)
	d, err := New(registry, nil, defaultSettings(false))
	require.NoError(t, err)

	_, err = d.Execute(context.Background(), run.ModeTest, "BTC/USD", "v1")
	require.NoError(t, err)
	require.True(t, finished.Load())

	finished.Store(false)
	_, err = d.BackTest(context.Background(), "2021-03-05 10:00:00", "BTC/USD", "v1")
	require.NoError(t, err)
	require.True(t, finished.Load())
}

func TestParallelReturnsBeforeRunCompletes(t *testing.T) {
	f := newFixture(t)
	f.test.block = make(chan struct{})
	f.production.block = f.test.block
	collector := &outcomeCollector{}
	d, err := New(f.registry, nil, defaultSettings(true), WithSinks(collector))
	require.NoError(t, err)

	ids := make(map[uuid.UUID]struct{})
	for i := 0; i < 3; i++ {
		id, err := d.Execute(context.Background(), run.ModeProduction, "BTC/USD", "v1")
		require.NoError(t, err)
		ids[id] = struct{}{}
		id, err = d.BackTest(context.Background(), "2021-03-05 10:00:00", "ETH/USD", "v2")
		require.NoError(t, err)
		ids[id] = struct{}{}
	}
	require.Len(t, ids, 6)
	require.Empty(t, f.test.Runs())
	require.Empty(t, f.production.Runs())

	close(f.test.block)
	waitIdle(t, d)

	require.Len(t, f.test.Runs(), 3)
	require.Len(t, f.production.Runs(), 3)
	outcomes := collector.All()
	require.Len(t, outcomes, 6)
	for _, outcome := range outcomes {
		require.True(t, outcome.Background)
		require.True(t, outcome.Succeeded())
		_, ok := ids[outcome.ID]
		require.True(t, ok)
	}
}

func TestBackgroundFailuresReachSinks(t *testing.T) {
	f := newFixture(t)
	f.production.err = errors.New("exchange rejected order")
	global := &outcomeCollector{}
	perCall := &outcomeCollector{}
	d, err := New(f.registry, nil, defaultSettings(true), WithSinks(global))
	require.NoError(t, err)

	id, err := d.Execute(context.Background(), run.ModeProduction, "BTC/USD", "v1", perCall)
	require.NoError(t, err, "background failures never reach the caller")
	waitIdle(t, d)

	for _, collector := range []*outcomeCollector{global, perCall} {
		outcomes := collector.All()
		require.Len(t, outcomes, 1)
		require.Equal(t, id, outcomes[0].ID)
		require.True(t, errs.Is(outcomes[0].Err, errs.CodeDownstream))
		require.ErrorIs(t, outcomes[0].Err, f.production.err)
		require.Equal(t, "BTC/USD", outcomes[0].Context.Instrument)
		require.False(t, outcomes[0].FinishedAt.Before(outcomes[0].StartedAt))
	}
}

func TestInlineEngineFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.test.err = errors.New("brain crashed")
	d, err := New(f.registry, nil, defaultSettings(false))
	require.NoError(t, err)

	_, err = d.Execute(context.Background(), run.ModeTest, "BTC/USD", "v1")
	require.True(t, errs.Is(err, errs.CodeDownstream))
	require.ErrorIs(t, err, f.test.err)

	err = d.PerformBackTest(context.Background(), "2021-03-05 10:00:00", "ETH/USD", "v2")
	require.True(t, errs.Is(err, errs.CodeDownstream))
}

func TestEnginePanicBecomesDownstreamFailure(t *testing.T) {
	f := newFixture(t)
	f.test.panic = true
	collector := &outcomeCollector{}
	d, err := New(f.registry, nil, defaultSettings(true), WithSinks(collector))
	require.NoError(t, err)

	_, err = d.Execute(context.Background(), run.ModeTest, "BTC/USD", "v1")
	require.NoError(t, err)
	waitIdle(t, d)

	outcomes := collector.All()
	require.Len(t, outcomes, 1)
	require.True(t, errs.Is(outcomes[0].Err, errs.CodeDownstream))
	require.Contains(t, outcomes[0].Err.Error(), "engine exploded")

	stats := f.registry.Stats()
	for _, s := range stats {
		require.Zero(t, s.Active, "handles are released after a panic")
	}
}

func TestBackgroundRunsIgnoreCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.test.block = make(chan struct{})
	var sawCanceled atomic.Bool
	registry, err := engine.NewRegistry(map[engine.Kind]engine.Engine{
		engine.KindTest: engine.Func(func(ctx context.Context, rc run.Context) error {
			<-f.test.block
			sawCanceled.Store(ctx.Err() != nil)
			return nil
		}),
		engine.KindProduction: f.production,
	})
	require.NoError(t, err)
	d, err := New(registry, nil, defaultSettings(true))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	_, err = d.Execute(ctx, run.ModeTest, "BTC/USD", "v1")
	require.NoError(t, err)
	cancel()
	close(f.test.block)
	waitIdle(t, d)
	require.False(t, sawCanceled.Load())
}

func TestConcurrentDispatchesKeepTheirOwnContext(t *testing.T) {
	var mismatches atomic.Int64
	var runs atomic.Int64
	check := engine.Func(func(_ context.Context, rc run.Context) error {
		runs.Add(1)
		if rc.Brain != "brain-"+rc.Instrument {
			mismatches.Add(1)
		}
		return nil
	})
	registry, err := engine.NewRegistry(map[engine.Kind]engine.Engine{
		engine.KindTest:       check,
		engine.KindProduction: check,
	})
	require.NoError(t, err)
	d, err := New(registry, nil, defaultSettings(true))
	require.NoError(t, err)

	const n = 64
	for i := 0; i < n; i++ {
		instrument := fmt.Sprintf("COIN%d/USD", i)
		if i%2 == 0 {
			_, err = d.Execute(context.Background(), run.ModeProduction, instrument, "brain-"+instrument)
		} else {
			_, err = d.BackTest(context.Background(), "2021-03-05 10:00:00", instrument, "brain-"+instrument)
		}
		require.NoError(t, err)
	}
	waitIdle(t, d)
	require.EqualValues(t, n, runs.Load())
	require.Zero(t, mismatches.Load())
}

func TestUnavailableEngine(t *testing.T) {
	rec := &recordingEngine{}
	registry, err := engine.NewRegistry(map[engine.Kind]engine.Engine{engine.KindProduction: rec})
	require.NoError(t, err)
	d, err := New(registry, nil, defaultSettings(false))
	require.NoError(t, err)

	_, err = d.Execute(context.Background(), run.ModeTest, "BTC/USD", "v1")
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestSinkPanicDoesNotBreakDispatch(t *testing.T) {
	f := newFixture(t)
	collector := &outcomeCollector{}
	d, err := New(f.registry, nil, defaultSettings(false),
		WithSinks(SinkFunc(func(context.Context, Outcome) { panic("sink") }), collector))
	require.NoError(t, err)

	_, err = d.Execute(context.Background(), run.ModeTest, "BTC/USD", "v1")
	require.NoError(t, err)
	require.Len(t, collector.All(), 1)
}

func TestWaitHonoursContext(t *testing.T) {
	f := newFixture(t)
	f.test.block = make(chan struct{})
	d, err := New(f.registry, nil, defaultSettings(true))
	require.NoError(t, err)

	_, err = d.Execute(context.Background(), run.ModeTest, "BTC/USD", "v1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)

	close(f.test.block)
	waitIdle(t, d)
}
