package backtest

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/coachpo/runner/internal/app/dispatcher"
	"github.com/coachpo/runner/internal/domain/signaltime"
	"github.com/coachpo/runner/internal/observability"
)

// BackTester dispatches a single replay.
type BackTester interface {
	BackTest(ctx context.Context, timestamp, instrument, brain string, sinks ...dispatcher.Sink) (uuid.UUID, error)
}

// Summary counts what a replay pass did.
type Summary struct {
	Signals    int
	Dispatched int
	Failed     int
	RunIDs     []uuid.UUID
}

type replayerConfig struct {
	ordered     bool
	stopOnError bool
	logger      observability.Logger
	sinks       []dispatcher.Sink
}

// ReplayerOption configures optional replayer behaviour.
type ReplayerOption func(*replayerConfig)

// WithChronologicalOrder buffers every signal and dispatches them oldest first.
func WithChronologicalOrder() ReplayerOption {
	return func(cfg *replayerConfig) {
		cfg.ordered = true
	}
}

// WithStopOnError aborts the pass at the first failed dispatch.
func WithStopOnError() ReplayerOption {
	return func(cfg *replayerConfig) {
		cfg.stopOnError = true
	}
}

// WithReplayLogger overrides the logger.
func WithReplayLogger(logger observability.Logger) ReplayerOption {
	return func(cfg *replayerConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithReplaySinks attaches sinks to every dispatched replay.
func WithReplaySinks(sinks ...dispatcher.Sink) ReplayerOption {
	return func(cfg *replayerConfig) {
		cfg.sinks = append(cfg.sinks, sinks...)
	}
}

// Replayer feeds signals into the dispatcher one at a time. Admission pacing is the
// dispatcher's throttle gate.
type Replayer struct {
	feeder DataFeeder
	target BackTester
	cfg    replayerConfig
}

// NewReplayer creates a replayer.
func NewReplayer(feeder DataFeeder, target BackTester, opts ...ReplayerOption) (*Replayer, error) {
	if feeder == nil {
		return nil, fmt.Errorf("replayer: feeder required")
	}
	if target == nil {
		return nil, fmt.Errorf("replayer: dispatcher required")
	}
	cfg := replayerConfig{logger: observability.Log()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Replayer{feeder: feeder, target: target, cfg: cfg}, nil
}

// Run dispatches every signal. Per-signal failures are counted and logged; feeder errors
// and context cancellation end the pass.
func (r *Replayer) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	next := r.feeder.Next
	if r.cfg.ordered {
		queue, malformed, err := r.buffer()
		if err != nil {
			return summary, err
		}
		summary.Signals += malformed
		summary.Failed += malformed
		next = queue.next
	}

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		signal, err := next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return summary, nil
			}
			return summary, err
		}
		summary.Signals++

		id, err := r.target.BackTest(ctx, signal.Timestamp, signal.Instrument, signal.Brain, r.cfg.sinks...)
		if id != uuid.Nil {
			summary.RunIDs = append(summary.RunIDs, id)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return summary, ctxErr
			}
			summary.Failed++
			r.cfg.logger.Error("replay signal failed",
				observability.F("line", signal.Line),
				observability.F("timestamp", signal.Timestamp),
				observability.F("instrument", signal.Instrument),
				observability.F("error", err))
			if r.cfg.stopOnError {
				return summary, fmt.Errorf("replay line %d: %w", signal.Line, err)
			}
			continue
		}
		summary.Dispatched++
	}
}

// buffer drains the feeder into a time-ordered queue. Rows with unparseable timestamps
// are logged and counted as failures.
func (r *Replayer) buffer() (*signalQueue, int, error) {
	queue := &signalQueue{}
	heap.Init(queue)
	malformed := 0
	for {
		signal, err := r.feeder.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return queue, malformed, nil
			}
			return nil, malformed, err
		}
		decomposed, err := signaltime.Decompose(signaltime.Normalize(signal.Timestamp))
		if err != nil {
			malformed++
			r.cfg.logger.Error("replay signal skipped",
				observability.F("line", signal.Line),
				observability.F("timestamp", signal.Timestamp),
				observability.F("error", err))
			continue
		}
		heap.Push(queue, queuedSignal{signal: signal, unix: decomposed.Time().Unix()})
	}
}

type queuedSignal struct {
	signal Signal
	unix   int64
}

// signalQueue orders signals by time, then by source line.
type signalQueue []queuedSignal

func (q signalQueue) Len() int { return len(q) }

func (q signalQueue) Less(i, j int) bool {
	if q[i].unix != q[j].unix {
		return q[i].unix < q[j].unix
	}
	return q[i].signal.Line < q[j].signal.Line
}

func (q signalQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *signalQueue) Push(x any) {
	*q = append(*q, x.(queuedSignal))
}

func (q *signalQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func (q *signalQueue) next() (Signal, error) {
	if q.Len() == 0 {
		return Signal{}, io.EOF
	}
	return heap.Pop(q).(queuedSignal).signal, nil
}
