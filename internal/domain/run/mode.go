// Package run defines the per-dispatch run description handed to strategy engines.
package run

import (
	"strings"

	"github.com/coachpo/runner/errs"
)

// Mode selects whether a live dispatch targets the test or the production engine.
type Mode string

const (
	// ModeTest routes dispatches to the test engine.
	ModeTest Mode = "test"
	// ModeProduction routes dispatches to the production engine.
	ModeProduction Mode = "production"
)

// ParseMode normalises raw into a Mode. Unknown values are configuration errors.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeTest:
		return ModeTest, nil
	case ModeProduction, "prod":
		return ModeProduction, nil
	default:
		return "", errs.New("run", errs.CodeConfiguration,
			errs.WithMessage("unrecognized run mode"),
			errs.WithField("mode", raw),
			errs.WithRemediation("use one of: test, production"))
	}
}

// TestMode reports whether m addresses the test engine.
func (m Mode) TestMode() (bool, error) {
	switch m {
	case ModeTest:
		return true, nil
	case ModeProduction:
		return false, nil
	default:
		return false, errs.New("run", errs.CodeConfiguration,
			errs.WithMessage("unrecognized run mode"),
			errs.WithField("mode", string(m)))
	}
}

func (m Mode) String() string { return string(m) }
