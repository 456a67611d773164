// Package history records dispatch outcomes into a run store.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/runner/errs"
	"github.com/coachpo/runner/internal/app/dispatcher"
	"github.com/coachpo/runner/internal/app/engine"
	"github.com/coachpo/runner/internal/domain/runstore"
	"github.com/coachpo/runner/internal/observability"
)

const defaultSaveTimeout = 5 * time.Second

// Recorder is a dispatcher sink that persists every outcome.
type Recorder struct {
	store   runstore.Store
	logger  observability.Logger
	timeout time.Duration
}

// NewRecorder constructs a Recorder. A non-positive timeout uses five seconds.
func NewRecorder(store runstore.Store, logger observability.Logger, timeout time.Duration) *Recorder {
	if logger == nil {
		logger = observability.Log()
	}
	if timeout <= 0 {
		timeout = defaultSaveTimeout
	}
	return &Recorder{store: store, logger: logger, timeout: timeout}
}

// Deliver saves the outcome. Store failures are logged and never reach the dispatcher.
func (r *Recorder) Deliver(ctx context.Context, outcome dispatcher.Outcome) {
	if r == nil || r.store == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	record := ToRecord(outcome)
	if err := r.store.Save(saveCtx, record); err != nil {
		r.logger.Error("record run failed",
			observability.F("run", record.ID.String()),
			observability.F("error", err))
	}
}

// Recent lists stored runs, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]runstore.Record, error) {
	return r.store.Recent(ctx, limit)
}

// Get loads one stored run.
func (r *Recorder) Get(ctx context.Context, id uuid.UUID) (runstore.Record, error) {
	return r.store.Get(ctx, id)
}

// ToRecord flattens an outcome into its persisted form. Fields the dispatch never
// resolved, such as the run context of a rejected request, stay at their zero value.
func ToRecord(outcome dispatcher.Outcome) runstore.Record {
	rc := outcome.Context
	record := runstore.Record{
		ID:               outcome.ID,
		Operation:        string(outcome.Request.Operation),
		Path:             "live",
		Mode:             outcome.Request.Mode,
		Instrument:       outcome.Request.Instrument,
		Brain:            outcome.Request.Brain,
		Background:       outcome.Background,
		SizingPercentage: rc.SizingPercentage,
		SizingMaxCount:   rc.SizingMaxCount,
		Status:           runstore.StatusSucceeded,
		StartedAt:        outcome.StartedAt,
		FinishedAt:       outcome.FinishedAt,
	}
	if outcome.Request.Operation == dispatcher.OpBackTest {
		record.Path = "replay"
	}
	if rc.Instrument != "" {
		record.Path = rc.Path()
		record.Mode = rc.Mode.String()
		record.Instrument = rc.Instrument
		record.Brain = rc.Brain
		record.Engine = string(engine.KindForTestMode(rc.TestMode))
		record.Replay = rc.Replay
		record.SignalTimestamp = rc.SignalTimestamp
		record.Month = int(rc.Month)
		record.Year = rc.Year
	}
	if outcome.Request.Timestamp != "" {
		record.Metadata = map[string]any{"timestamp": outcome.Request.Timestamp}
	}
	if outcome.Err != nil {
		record.Status = runstore.StatusFailed
		record.ErrorCode = string(errs.CodeOf(outcome.Err))
		record.Error = outcome.Err.Error()
	}
	return record
}
