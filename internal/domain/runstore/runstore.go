// Package runstore defines persistence contracts for dispatch run history.
package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotFound reports a run id with no stored record.
var ErrNotFound = errors.New("run not found")

// Status is the terminal state of a dispatched run.
type Status string

const (
	// StatusSucceeded marks runs whose engine returned without error.
	StatusSucceeded Status = "succeeded"
	// StatusFailed marks runs that failed anywhere between admission and engine completion.
	StatusFailed Status = "failed"
)

// Record is the persisted view of one dispatch.
type Record struct {
	ID               uuid.UUID       `json:"id"`
	Operation        string          `json:"operation"`
	Path             string          `json:"path"`
	Mode             string          `json:"mode,omitempty"`
	Instrument       string          `json:"instrument"`
	Brain            string          `json:"brain"`
	Engine           string          `json:"engine,omitempty"`
	Background       bool            `json:"background"`
	Replay           bool            `json:"replay"`
	SignalTimestamp  int64           `json:"signalTimestamp,omitempty"`
	Month            int             `json:"month,omitempty"`
	Year             int             `json:"year,omitempty"`
	SizingPercentage decimal.Decimal `json:"sizingPercentage"`
	SizingMaxCount   int             `json:"sizingMaxCount"`
	Status           Status          `json:"status"`
	ErrorCode        string          `json:"errorCode,omitempty"`
	Error            string          `json:"error,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	StartedAt        time.Time       `json:"startedAt"`
	FinishedAt       time.Time       `json:"finishedAt"`
}

// Store abstracts persistence operations for run history.
type Store interface {
	Save(ctx context.Context, record Record) error
	Get(ctx context.Context, id uuid.UUID) (Record, error)
	// Recent returns up to limit records, most recently started first.
	Recent(ctx context.Context, limit int) ([]Record, error)
}
