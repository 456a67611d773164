package history

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/runner/errs"
	"github.com/coachpo/runner/internal/app/dispatcher"
	"github.com/coachpo/runner/internal/domain/run"
	"github.com/coachpo/runner/internal/domain/runstore"
	"github.com/coachpo/runner/internal/infra/persistence/memory"
	"github.com/coachpo/runner/internal/observability"
)

type lineLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLogger) Debug(msg string, fields ...observability.Field) {
	l.add("DEBUG", msg, fields)
}
func (l *lineLogger) Info(msg string, fields ...observability.Field) { l.add("INFO", msg, fields) }
func (l *lineLogger) Error(msg string, fields ...observability.Field) {
	l.add("ERROR", msg, fields)
}

func (l *lineLogger) add(level, msg string, fields []observability.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, observability.Format(level, msg, fields...))
}

type failingStore struct {
	runstore.Store
}

func (failingStore) Save(context.Context, runstore.Record) error {
	return errors.New("disk full")
}

func replayOutcome(t *testing.T) dispatcher.Outcome {
	t.Helper()
	signal := time.Date(2021, 3, 5, 10, 0, 0, 0, time.UTC)
	rc, err := run.Replay("ETH/USD", "momentum", run.Sizing{Percentage: decimal.RequireFromString("0.25"), MaxCount: 4}, signal)
	require.NoError(t, err)
	return dispatcher.Outcome{
		ID: uuid.New(),
		Request: dispatcher.Request{
			Operation:  dispatcher.OpBackTest,
			Timestamp:  "2021-03-05 10:00:00",
			Instrument: "ETH/USD",
			Brain:      "momentum",
		},
		Background: true,
		Context:    rc,
		StartedAt:  signal,
		FinishedAt: signal.Add(time.Second),
	}
}

func TestToRecordReplay(t *testing.T) {
	record := ToRecord(replayOutcome(t))
	require.Equal(t, "backtest", record.Operation)
	require.Equal(t, "replay", record.Path)
	require.Equal(t, "test", record.Mode)
	require.Equal(t, "test", record.Engine)
	require.True(t, record.Replay)
	require.True(t, record.Background)
	require.Equal(t, int64(1614938400), record.SignalTimestamp)
	require.Equal(t, 3, record.Month)
	require.Equal(t, 2021, record.Year)
	require.Equal(t, "0.25", record.SizingPercentage.String())
	require.Equal(t, 4, record.SizingMaxCount)
	require.Equal(t, runstore.StatusSucceeded, record.Status)
	require.Equal(t, "2021-03-05 10:00:00", record.Metadata["timestamp"])
}

func TestToRecordRejectedBeforeContext(t *testing.T) {
	outcome := dispatcher.Outcome{
		ID:      uuid.New(),
		Request: dispatcher.Request{Operation: dispatcher.OpExecute, Mode: "staging", Instrument: "BTC/USD", Brain: "b"},
		Err:     errs.New("run", errs.CodeConfiguration, errs.WithMessage("unrecognized run mode")),
	}
	record := ToRecord(outcome)
	require.Equal(t, "live", record.Path)
	require.Equal(t, "staging", record.Mode)
	require.Empty(t, record.Engine)
	require.Equal(t, runstore.StatusFailed, record.Status)
	require.Equal(t, "configuration", record.ErrorCode)
	require.Contains(t, record.Error, "unrecognized run mode")
}

func TestRecorderPersistsOutcomes(t *testing.T) {
	store := memory.NewRunStore(8)
	recorder := NewRecorder(store, &lineLogger{}, time.Second)
	outcome := replayOutcome(t)

	recorder.Deliver(context.Background(), outcome)

	got, err := recorder.Get(context.Background(), outcome.ID)
	require.NoError(t, err)
	require.Equal(t, "ETH/USD", got.Instrument)

	recent, err := recorder.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestRecorderSavesAfterCallerCancellation(t *testing.T) {
	store := memory.NewRunStore(8)
	recorder := NewRecorder(store, &lineLogger{}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	recorder.Deliver(ctx, replayOutcome(t))
	require.Equal(t, 1, store.Len())
}

func TestRecorderLogsStoreFailures(t *testing.T) {
	logger := &lineLogger{}
	recorder := NewRecorder(failingStore{}, logger, time.Second)
	require.NotPanics(t, func() { recorder.Deliver(context.Background(), replayOutcome(t)) })

	logger.mu.Lock()
	defer logger.mu.Unlock()
	require.Len(t, logger.lines, 1)
	require.True(t, strings.HasPrefix(logger.lines[0], "ERROR record run failed"))
	require.Contains(t, logger.lines[0], "disk full")
}
