// Package dispatcher routes strategy invocations to the engines, inline or in the background.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/runner/errs"
	"github.com/coachpo/runner/internal/app/engine"
	"github.com/coachpo/runner/internal/app/throttle"
	"github.com/coachpo/runner/internal/domain/run"
	"github.com/coachpo/runner/internal/domain/signaltime"
	"github.com/coachpo/runner/internal/infra/telemetry"
	"github.com/coachpo/runner/internal/observability"
)

// Engines resolves the engine handle a run is started on.
type Engines interface {
	Acquire(kind engine.Kind) (*engine.Handle, error)
}

// Notifier announces replay runs. It must not block the dispatch.
type Notifier interface {
	ReplayStarted(ctx context.Context, instrument string, month time.Month, year int)
}

// DecomposeFunc turns a normalised signal timestamp into its calendar fields.
type DecomposeFunc func(date string) (signaltime.Decomposition, error)

// Settings is the static configuration the dispatcher applies to every request.
type Settings struct {
	// Parallel schedules runs on background goroutines instead of the caller's.
	Parallel bool
	// Sizing is copied into every replay context.
	Sizing run.Sizing
}

// Dispatcher maps requests onto run contexts and starts them on the matching engine.
type Dispatcher struct {
	engines   Engines
	gate      *throttle.Gate
	settings  Settings
	notifier  Notifier
	decompose DecomposeFunc
	sinks     []Sink
	logger    observability.Logger
	clock     func() time.Time

	background conc.WaitGroup

	runsCounter metric.Int64Counter
	inflight    metric.Int64UpDownCounter
	runDuration metric.Float64Histogram
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithNotifier announces every replay through n before its run starts.
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) {
		d.notifier = n
	}
}

// WithSinks registers sinks that receive the outcome of every dispatch.
func WithSinks(sinks ...Sink) Option {
	return func(d *Dispatcher) {
		for _, sink := range sinks {
			if sink != nil {
				d.sinks = append(d.sinks, sink)
			}
		}
	}
}

// WithLogger overrides the logger. Defaults to the global observability logger.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDecomposer overrides the timestamp decomposer used by replays.
func WithDecomposer(fn DecomposeFunc) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.decompose = fn
		}
	}
}

// WithClock overrides the clock used to stamp outcomes.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// New constructs a dispatcher. A nil gate admits replays without delay.
func New(engines Engines, gate *throttle.Gate, settings Settings, opts ...Option) (*Dispatcher, error) {
	if engines == nil {
		return nil, errs.New("dispatcher", errs.CodeConfiguration, errs.WithMessage("engine registry required"))
	}
	if settings.Sizing.Percentage.IsNegative() {
		return nil, errs.New("dispatcher", errs.CodeConfiguration,
			errs.WithMessage("replay sizing percentage must be >= 0"),
			errs.WithField("sizingPercentage", settings.Sizing.Percentage.String()))
	}
	if settings.Sizing.MaxCount < 0 {
		return nil, errs.New("dispatcher", errs.CodeConfiguration,
			errs.WithMessage("replay sizing max count must be >= 0"),
			errs.WithField("sizingMaxCount", fmt.Sprint(settings.Sizing.MaxCount)))
	}

	d := new(Dispatcher)
	d.engines = engines
	d.gate = gate
	d.settings = settings
	d.decompose = signaltime.Decompose
	d.logger = observability.Log()
	d.clock = time.Now
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	meter := otel.Meter("dispatcher")
	d.runsCounter, _ = meter.Int64Counter("dispatcher.runs",
		metric.WithDescription("Dispatched strategy runs by outcome"),
		metric.WithUnit("{run}"))
	d.inflight, _ = meter.Int64UpDownCounter("dispatcher.runs.inflight",
		metric.WithDescription("Strategy runs currently executing"),
		metric.WithUnit("{run}"))
	d.runDuration, _ = meter.Float64Histogram("dispatcher.run.duration",
		metric.WithDescription("Strategy run duration from admission to completion"),
		metric.WithUnit("ms"))
	return d, nil
}

// Settings returns the static configuration in effect.
func (d *Dispatcher) Settings() Settings {
	return d.settings
}

// Execute dispatches a live run. With parallel execution enabled the run is scheduled in the
// background and Execute returns immediately; its error then only reaches the sinks.
// Otherwise Execute blocks until the engine returns and reports its error.
func (d *Dispatcher) Execute(ctx context.Context, mode run.Mode, instrument, brain string, sinks ...Sink) (uuid.UUID, error) {
	req := Request{Operation: OpExecute, Mode: string(mode), Instrument: instrument, Brain: brain}
	return d.dispatch(ctx, req, sinks, func(ctx context.Context) (run.Context, error) {
		return d.performExecute(ctx, mode, instrument, brain)
	})
}

// PerformExecute builds the live run context and starts it on the engine selected by mode,
// blocking until the run completes. An unrecognised mode is a configuration error.
func (d *Dispatcher) PerformExecute(ctx context.Context, mode run.Mode, instrument, brain string) error {
	_, err := d.performExecute(ctx, mode, instrument, brain)
	return err
}

// BackTest dispatches a replay. It always waits on the throttle gate on the calling goroutine
// first, then schedules or runs the replay as Execute does. A context cancelled during the
// wait withdraws the request before anything is dispatched.
func (d *Dispatcher) BackTest(ctx context.Context, timestamp, instrument, brain string, sinks ...Sink) (uuid.UUID, error) {
	if err := d.gate.Wait(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("backtest admission: %w", err)
	}
	req := Request{Operation: OpBackTest, Timestamp: timestamp, Instrument: instrument, Brain: brain}
	return d.dispatch(ctx, req, sinks, func(ctx context.Context) (run.Context, error) {
		return d.performBackTest(ctx, timestamp, instrument, brain)
	})
}

// PerformBackTest builds the replay context for timestamp and starts it on the test engine,
// blocking until the run completes.
func (d *Dispatcher) PerformBackTest(ctx context.Context, timestamp, instrument, brain string) error {
	_, err := d.performBackTest(ctx, timestamp, instrument, brain)
	return err
}

// Wait blocks until every background dispatch has finished or ctx ends. Callers must stop
// issuing dispatches before waiting.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.background.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("dispatcher wait: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (d *Dispatcher) performExecute(ctx context.Context, mode run.Mode, instrument, brain string) (run.Context, error) {
	parsed, err := run.ParseMode(string(mode))
	if err != nil {
		return run.Context{}, err
	}
	rc, err := run.Live(parsed, instrument, brain)
	if err != nil {
		return run.Context{}, err
	}
	return rc, d.start(ctx, rc)
}

func (d *Dispatcher) performBackTest(ctx context.Context, timestamp, instrument, brain string) (run.Context, error) {
	decomposed, err := d.decompose(signaltime.Normalize(timestamp))
	if err != nil {
		return run.Context{}, err
	}
	rc, err := run.Replay(instrument, brain, d.settings.Sizing, decomposed.Time())
	if err != nil {
		return run.Context{}, err
	}
	if d.notifier != nil {
		d.notifier.ReplayStarted(ctx, rc.Instrument, rc.Month, rc.Year)
	}
	return rc, d.start(ctx, rc)
}

func (d *Dispatcher) start(ctx context.Context, rc run.Context) error {
	kind := engine.KindForTestMode(rc.TestMode)
	handle, err := d.engines.Acquire(kind)
	if err != nil {
		return err
	}
	defer handle.Release()
	if err := handle.Start(ctx, rc); err != nil {
		return errs.New("dispatcher", errs.CodeDownstream,
			errs.WithMessage("engine run failed"),
			errs.WithField("engine", string(kind)),
			errs.WithField("instrument", rc.Instrument),
			errs.WithField("brain", rc.Brain),
			errs.WithCause(err))
	}
	return nil
}

type performFunc func(ctx context.Context) (run.Context, error)

func (d *Dispatcher) dispatch(ctx context.Context, req Request, sinks []Sink, perform performFunc) (uuid.UUID, error) {
	id := uuid.New()
	if !d.settings.Parallel {
		return id, d.run(ctx, id, req, false, sinks, perform)
	}
	// A started run cannot be aborted, so background runs outlive the caller's context.
	detached := context.WithoutCancel(ctx)
	d.background.Go(func() {
		_ = d.run(detached, id, req, true, sinks, perform)
	})
	return id, nil
}

func (d *Dispatcher) run(ctx context.Context, id uuid.UUID, req Request, background bool, sinks []Sink, perform performFunc) (err error) {
	startedAt := d.clock()
	path := pathOf(req.Operation)
	if d.inflight != nil {
		d.inflight.Add(ctx, 1, metric.WithAttributes(telemetry.RunAttributes(telemetry.Environment(), path, "", background, "")...))
	}

	var rc run.Context
	defer func() {
		if r := recover(); r != nil {
			err = errs.New("dispatcher", errs.CodeDownstream,
				errs.WithMessage("run panicked"),
				errs.WithField("instrument", req.Instrument),
				errs.WithField("brain", req.Brain),
				errs.WithField("panic", fmt.Sprint(r)))
		}
		d.complete(ctx, Outcome{
			ID:         id,
			Request:    req,
			Background: background,
			Context:    rc,
			StartedAt:  startedAt,
			FinishedAt: d.clock(),
			Err:        err,
		}, sinks)
	}()

	rc, err = perform(ctx)
	return err
}

func (d *Dispatcher) complete(ctx context.Context, outcome Outcome, sinks []Sink) {
	path := pathOf(outcome.Request.Operation)
	kind := ""
	if outcome.Context.Instrument != "" {
		kind = string(engine.KindForTestMode(outcome.Context.TestMode))
	}
	result := telemetry.ResultSuccess
	if outcome.Err != nil {
		result = string(errs.CodeOf(outcome.Err))
		if result == "" {
			result = "error"
		}
	}
	if d.inflight != nil {
		d.inflight.Add(ctx, -1, metric.WithAttributes(telemetry.RunAttributes(telemetry.Environment(), path, "", outcome.Background, "")...))
	}
	attrs := metric.WithAttributes(telemetry.RunAttributes(telemetry.Environment(), path, kind, outcome.Background, result)...)
	if d.runsCounter != nil {
		d.runsCounter.Add(ctx, 1, attrs)
	}
	if d.runDuration != nil {
		d.runDuration.Record(ctx, float64(outcome.Duration().Microseconds())/1000.0, attrs)
	}

	fields := []observability.Field{
		observability.F("id", outcome.ID.String()),
		observability.F("operation", string(outcome.Request.Operation)),
		observability.F("instrument", outcome.Request.Instrument),
		observability.F("brain", outcome.Request.Brain),
		observability.F("background", outcome.Background),
		observability.F("duration", outcome.Duration().String()),
	}
	if outcome.Err != nil {
		d.logger.Error("dispatch failed", append(fields, observability.F("error", outcome.Err))...)
	} else {
		d.logger.Debug("dispatch completed", fields...)
	}

	for _, sink := range d.sinks {
		d.deliver(ctx, sink, outcome)
	}
	for _, sink := range sinks {
		if sink != nil {
			d.deliver(ctx, sink, outcome)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("outcome sink panicked",
				observability.F("id", outcome.ID.String()),
				observability.F("panic", fmt.Sprint(r)))
		}
	}()
	sink.Deliver(ctx, outcome)
}

func pathOf(op Operation) string {
	if op == OpBackTest {
		return "replay"
	}
	return "live"
}
