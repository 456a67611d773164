package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/dop251/goja"

	"github.com/coachpo/runner/errs"
	"github.com/coachpo/runner/internal/domain/run"
	"github.com/coachpo/runner/internal/observability"
)

// RunContext is the view of a run.Context exposed to brain scripts.
type RunContext struct {
	Mode             string  `json:"mode"`
	Instrument       string  `json:"instrument"`
	Brain            string  `json:"brain"`
	TestMode         bool    `json:"testMode"`
	Replay           bool    `json:"replay"`
	SignalTimestamp  int64   `json:"signalTimestamp"`
	Month            int     `json:"month"`
	Year             int     `json:"year"`
	SizingPercentage float64 `json:"sizingPercentage"`
	SizingMaxCount   int     `json:"sizingMaxCount"`
	Sequence         uint64  `json:"sequence"`
}

// Engine runs brain scripts. Every Start gets a fresh goja runtime, so runs never share
// JavaScript state and may execute concurrently.
type Engine struct {
	name   string
	loader *Loader
	logger observability.Logger
	seq    atomic.Uint64
}

// New constructs an engine named name that resolves brains through loader.
func New(name string, loader *Loader, logger observability.Logger) (*Engine, error) {
	if loader == nil {
		return nil, fmt.Errorf("script engine: loader required")
	}
	if logger == nil {
		logger = observability.Log()
	}
	return &Engine{name: strings.TrimSpace(name), loader: loader, logger: logger}, nil
}

// Brains lists the brain scripts the engine can run.
func (e *Engine) Brains() []ModuleSummary {
	return e.loader.List()
}

// Refresh recompiles the brain scripts from disk.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.loader.Refresh(ctx)
}

// Start runs the brain's exported start function with the run context. Cancelling ctx
// interrupts the script.
func (e *Engine) Start(ctx context.Context, rc run.Context) error {
	module, err := e.resolve(ctx, rc.Brain)
	if err != nil {
		return err
	}

	rt := goja.New()
	exports, err := runModule(rt, module.Program, e.console(rc))
	if err != nil {
		return e.failure(rc, "load brain", err)
	}
	start, ok := goja.AssertFunction(exports.Get("start"))
	if !ok {
		return e.failure(rc, "load brain", fmt.Errorf("start export must be a function"))
	}

	stop := context.AfterFunc(ctx, func() {
		rt.Interrupt(ctx.Err())
	})
	defer stop()

	view := toRunContext(rc, e.seq.Add(1))
	if _, err := start(goja.Undefined(), rt.ToValue(view)); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return e.failure(rc, "run interrupted", err)
		}
		return e.failure(rc, "brain start failed", err)
	}
	return nil
}

func (e *Engine) resolve(ctx context.Context, brain string) (*Module, error) {
	module, err := e.loader.Get(brain)
	if err == nil {
		return module, nil
	}
	// Pick up brains added since the last refresh.
	if refreshErr := e.loader.Refresh(ctx); refreshErr != nil {
		return nil, errs.New("engine/"+e.name, errs.CodeDownstream,
			errs.WithMessage("refresh brain scripts"),
			errs.WithCause(refreshErr))
	}
	module, err = e.loader.Get(brain)
	if err != nil {
		return nil, errs.New("engine/"+e.name, errs.CodeNotFound,
			errs.WithMessage("brain script not found"),
			errs.WithField("brain", brain),
			errs.WithField("root", e.loader.Root()),
			errs.WithCause(err))
	}
	return module, nil
}

func (e *Engine) failure(rc run.Context, message string, cause error) error {
	return errs.New("engine/"+e.name, errs.CodeDownstream,
		errs.WithMessage(message),
		errs.WithField("brain", rc.Brain),
		errs.WithField("instrument", rc.Instrument),
		errs.WithCause(cause))
}

func (e *Engine) console(rc run.Context) consoleFunc {
	return func(level string, args []string) {
		msg := strings.Join(args, " ")
		fields := []observability.Field{
			observability.F("engine", e.name),
			observability.F("brain", rc.Brain),
			observability.F("instrument", rc.Instrument),
		}
		switch level {
		case "error", "warn":
			e.logger.Error(msg, fields...)
		case "debug":
			e.logger.Debug(msg, fields...)
		default:
			e.logger.Info(msg, fields...)
		}
	}
}

func toRunContext(rc run.Context, seq uint64) RunContext {
	return RunContext{
		Mode:             rc.Mode.String(),
		Instrument:       rc.Instrument,
		Brain:            rc.Brain,
		TestMode:         rc.TestMode,
		Replay:           rc.Replay,
		SignalTimestamp:  rc.SignalTimestamp,
		Month:            int(rc.Month),
		Year:             rc.Year,
		SizingPercentage: rc.SizingPercentage.InexactFloat64(),
		SizingMaxCount:   rc.SizingMaxCount,
		Sequence:         seq,
	}
}
