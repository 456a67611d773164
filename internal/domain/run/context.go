package run

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/runner/errs"
)

// Context describes a single strategy invocation. It is built fresh for every dispatch and
// passed by value, so concurrent dispatches never observe each other's parameters.
type Context struct {
	Mode       Mode
	Instrument string
	Brain      string
	TestMode   bool

	Replay          bool
	SignalTimestamp int64
	Month           time.Month
	Year            int

	SizingPercentage decimal.Decimal
	SizingMaxCount   int
}

// Live builds the context for a live dispatch.
func Live(mode Mode, instrument, brain string) (Context, error) {
	testMode, err := mode.TestMode()
	if err != nil {
		return Context{}, err
	}
	ctx := Context{
		Mode:       mode,
		Instrument: strings.TrimSpace(instrument),
		Brain:      strings.TrimSpace(brain),
		TestMode:   testMode,
	}
	return ctx, ctx.Validate()
}

// Sizing holds the replay position-sizing parameters sourced from static configuration.
type Sizing struct {
	Percentage decimal.Decimal
	MaxCount   int
}

// Replay builds the context for a historical replay. Replays always address the test engine.
func Replay(instrument, brain string, sizing Sizing, signal time.Time) (Context, error) {
	utc := signal.UTC()
	ctx := Context{
		Mode:             ModeTest,
		Instrument:       strings.TrimSpace(instrument),
		Brain:            strings.TrimSpace(brain),
		TestMode:         true,
		Replay:           true,
		SignalTimestamp:  utc.Unix(),
		Month:            utc.Month(),
		Year:             utc.Year(),
		SizingPercentage: sizing.Percentage,
		SizingMaxCount:   sizing.MaxCount,
	}
	return ctx, ctx.Validate()
}

// Validate checks the context is fully populated.
func (c Context) Validate() error {
	if c.Instrument == "" {
		return errs.New("run", errs.CodeInvalid, errs.WithMessage("instrument required"))
	}
	if c.Brain == "" {
		return errs.New("run", errs.CodeInvalid, errs.WithMessage("brain required"))
	}
	if _, err := c.Mode.TestMode(); err != nil {
		return err
	}
	if !c.Replay {
		return nil
	}
	if !c.TestMode {
		return errs.New("run", errs.CodeInvalid, errs.WithMessage("replay runs must target the test engine"))
	}
	if c.Month < time.January || c.Month > time.December {
		return errs.New("run", errs.CodeInvalid, errs.WithMessage("replay month out of range"))
	}
	if c.SizingPercentage.IsNegative() {
		return errs.New("run", errs.CodeInvalid, errs.WithMessage("sizing percentage must be >= 0"))
	}
	if c.SizingMaxCount < 0 {
		return errs.New("run", errs.CodeInvalid, errs.WithMessage("sizing max count must be >= 0"))
	}
	return nil
}

// Path labels the dispatch path for logs and metrics.
func (c Context) Path() string {
	if c.Replay {
		return "replay"
	}
	return "live"
}
