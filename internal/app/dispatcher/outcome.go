package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/runner/internal/domain/run"
)

// Operation names the dispatcher entry point that produced an outcome.
type Operation string

const (
	// OpExecute marks live dispatches.
	OpExecute Operation = "execute"
	// OpBackTest marks replay dispatches.
	OpBackTest Operation = "backtest"
)

// Request records the caller's arguments as received.
type Request struct {
	Operation  Operation `json:"operation"`
	Mode       string    `json:"mode,omitempty"`
	Timestamp  string    `json:"timestamp,omitempty"`
	Instrument string    `json:"instrument"`
	Brain      string    `json:"brain"`
}

// Outcome reports the completion of one dispatch. Context is the zero value when the
// dispatch failed before its run context could be built.
type Outcome struct {
	ID         uuid.UUID
	Request    Request
	Background bool
	Context    run.Context
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// Succeeded reports whether the run completed without error.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Duration is the wall time spent between admission and completion.
func (o Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// Sink receives dispatch outcomes. Deliver must not block for long: it runs on the
// goroutine that executed the dispatch.
type Sink interface {
	Deliver(ctx context.Context, outcome Outcome)
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, outcome Outcome)

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, outcome Outcome) {
	f(ctx, outcome)
}
