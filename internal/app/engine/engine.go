// Package engine resolves the strategy engines that execute dispatched runs.
package engine

import (
	"context"
	"strings"

	"github.com/coachpo/runner/errs"
	"github.com/coachpo/runner/internal/domain/run"
)

// Engine executes a strategy run. Start blocks until the run completes.
type Engine interface {
	Start(ctx context.Context, rc run.Context) error
}

// Closer is implemented by engines that hold resources released when the registry closes.
type Closer interface {
	Close() error
}

// Kind identifies one of the two engine instances a process runs.
type Kind string

const (
	// KindTest executes test-mode and replay runs.
	KindTest Kind = "test"
	// KindProduction executes production runs.
	KindProduction Kind = "production"
)

// KindForTestMode maps the run test flag onto an engine kind.
func KindForTestMode(testMode bool) Kind {
	if testMode {
		return KindTest
	}
	return KindProduction
}

// ParseKind normalises raw into a Kind.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindTest:
		return KindTest, nil
	case KindProduction:
		return KindProduction, nil
	default:
		return "", errs.New("engine", errs.CodeConfiguration,
			errs.WithMessage("unknown engine kind"),
			errs.WithField("kind", raw))
	}
}

// Func adapts a plain function into an Engine.
type Func func(ctx context.Context, rc run.Context) error

// Start calls f.
func (f Func) Start(ctx context.Context, rc run.Context) error {
	return f(ctx, rc)
}
