package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/runner/internal/domain/runstore"
)

// RunStore persists dispatch run records.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore constructs a RunStore backed by the provided pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

const (
	defaultRunLimit = 50
	maxRunLimit     = 1000
)

const (
	runColumns = `
    id,
    operation,
    path,
    mode,
    instrument,
    brain,
    engine,
    background,
    replay,
    signal_timestamp,
    month,
    year,
    sizing_percentage::text,
    sizing_max_count,
    status,
    error_code,
    error,
    metadata,
    started_at,
    finished_at`

	runUpsertSQL = `
INSERT INTO dispatch_runs (
    id,
    operation,
    path,
    mode,
    instrument,
    brain,
    engine,
    background,
    replay,
    signal_timestamp,
    month,
    year,
    sizing_percentage,
    sizing_max_count,
    status,
    error_code,
    error,
    metadata,
    started_at,
    finished_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, COALESCE($18::jsonb, '{}'::jsonb), $19, $20)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    error_code = EXCLUDED.error_code,
    error = EXCLUDED.error,
    metadata = EXCLUDED.metadata,
    finished_at = EXCLUDED.finished_at;
`

	runGetSQL = `SELECT` + runColumns + `
FROM dispatch_runs
WHERE id = $1;
`

	runRecentSQL = `SELECT` + runColumns + `
FROM dispatch_runs
ORDER BY started_at DESC
LIMIT $1;
`
)

// Save inserts record or updates the terminal fields of an existing row.
func (s *RunStore) Save(ctx context.Context, record runstore.Record) error {
	if s.pool == nil {
		return fmt.Errorf("run store: nil pool")
	}
	if record.ID == uuid.Nil {
		return fmt.Errorf("run store: id required")
	}
	status := strings.TrimSpace(string(record.Status))
	if status == "" {
		return fmt.Errorf("run store: status required")
	}
	sizing, err := numericFromDecimal(record.SizingPercentage)
	if err != nil {
		return fmt.Errorf("run store: sizing percentage: %w", err)
	}
	metadata, err := marshalMetadata(record.Metadata)
	if err != nil {
		return fmt.Errorf("run store: metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, runUpsertSQL,
		record.ID,
		record.Operation,
		record.Path,
		record.Mode,
		record.Instrument,
		record.Brain,
		record.Engine,
		record.Background,
		record.Replay,
		optionalInt8(record.SignalTimestamp),
		optionalInt2(record.Month),
		optionalInt4(record.Year),
		sizing,
		record.SizingMaxCount,
		status,
		record.ErrorCode,
		record.Error,
		metadata,
		record.StartedAt.UTC(),
		record.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", record.ID, err)
	}
	return nil
}

// Get loads the run stored under id.
func (s *RunStore) Get(ctx context.Context, id uuid.UUID) (runstore.Record, error) {
	if s.pool == nil {
		return runstore.Record{}, fmt.Errorf("run store: nil pool")
	}
	record, err := scanRunRecord(s.pool.QueryRow(ctx, runGetSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return runstore.Record{}, runstore.ErrNotFound
		}
		return runstore.Record{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return record, nil
}

// Recent returns up to limit runs, most recently started first.
func (s *RunStore) Recent(ctx context.Context, limit int) ([]runstore.Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("run store: nil pool")
	}
	if limit <= 0 {
		limit = defaultRunLimit
	}
	if limit > maxRunLimit {
		limit = maxRunLimit
	}
	rows, err := s.pool.Query(ctx, runRecentSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]runstore.Record, 0, limit)
	for rows.Next() {
		record, err := scanRunRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunRecord(row rowScanner) (runstore.Record, error) {
	var (
		record     runstore.Record
		status     string
		signalTS   pgtype.Int8
		month      pgtype.Int2
		year       pgtype.Int4
		sizingText string
		metaJSON   []byte
		startedAt  time.Time
		finishedAt time.Time
	)
	if err := row.Scan(
		&record.ID,
		&record.Operation,
		&record.Path,
		&record.Mode,
		&record.Instrument,
		&record.Brain,
		&record.Engine,
		&record.Background,
		&record.Replay,
		&signalTS,
		&month,
		&year,
		&sizingText,
		&record.SizingMaxCount,
		&status,
		&record.ErrorCode,
		&record.Error,
		&metaJSON,
		&startedAt,
		&finishedAt,
	); err != nil {
		return runstore.Record{}, err
	}
	sizing, err := decimalFromText(sizingText)
	if err != nil {
		return runstore.Record{}, fmt.Errorf("decode run sizing: %w", err)
	}
	record.SizingPercentage = sizing
	record.Status = runstore.Status(status)
	if signalTS.Valid {
		record.SignalTimestamp = signalTS.Int64
	}
	if month.Valid {
		record.Month = int(month.Int16)
	}
	if year.Valid {
		record.Year = int(year.Int32)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &record.Metadata); err != nil {
			return runstore.Record{}, fmt.Errorf("decode run metadata: %w", err)
		}
		if len(record.Metadata) == 0 {
			record.Metadata = nil
		}
	}
	record.StartedAt = startedAt.UTC()
	record.FinishedAt = finishedAt.UTC()
	return record, nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	return json.Marshal(metadata)
}

func optionalInt8(value int64) pgtype.Int8 {
	return pgtype.Int8{Int64: value, Valid: value != 0}
}

func optionalInt2(value int) pgtype.Int2 {
	return pgtype.Int2{Int16: int16(value), Valid: value != 0}
}

func optionalInt4(value int) pgtype.Int4 {
	return pgtype.Int4{Int32: int32(value), Valid: value != 0}
}
