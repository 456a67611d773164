// Package signaltime turns replay signal timestamps into the calendar fields used for replay
// bookkeeping.
package signaltime

import (
	"regexp"
	"strings"
	"time"

	"github.com/coachpo/runner/errs"
)

// Layout is the normalised date/time form handed to Decompose.
const Layout = "2006-01-02, 15:04:05"

var layouts = []string{
	Layout,
	"2006-01-02, 15:04",
	"2006-01-02",
}

// Matches a trailing UTC designator or numeric offset that follows a clock time.
var offsetSuffix = regexp.MustCompile(`(\d{2}:\d{2}(?::\d{2}(?:\.\d+)?)?)\s*(?:Z|[+-]\d{2}(?::?\d{2})?)$`)

// Decomposition is the calendar breakdown of a signal timestamp.
type Decomposition struct {
	UnixTime int64
	Month    time.Month
	Year     int
}

// Time returns the decomposed instant in UTC.
func (d Decomposition) Time() time.Time {
	return time.Unix(d.UnixTime, 0).UTC()
}

// Normalize rewrites a raw signal timestamp into the form Decompose expects. The date/time
// separator becomes ", " and a trailing timezone offset is dropped, so
// "2021-03-05 10:00:00+00:00" becomes "2021-03-05, 10:00:00". Already normalised input is
// returned unchanged.
func Normalize(raw string) string {
	date := strings.TrimSpace(raw)
	date = strings.Replace(date, "T", " ", 1)
	if !strings.Contains(date, ", ") {
		date = strings.Replace(date, " ", ", ", 1)
	}
	return offsetSuffix.ReplaceAllString(date, "$1")
}

// Decompose parses a normalised timestamp as UTC wall-clock time.
func Decompose(date string) (Decomposition, error) {
	return DecomposeIn(date, time.UTC)
}

// DecomposeIn parses a normalised timestamp as wall-clock time in loc. Month and year are
// reported for the resulting instant in UTC.
func DecomposeIn(date string, loc *time.Location) (Decomposition, error) {
	if loc == nil {
		loc = time.UTC
	}
	trimmed := strings.TrimSpace(date)
	if trimmed == "" {
		return Decomposition{}, errs.New("signaltime", errs.CodeMalformedTimestamp,
			errs.WithMessage("timestamp required"))
	}
	var firstErr error
	for _, layout := range layouts {
		parsed, err := time.ParseInLocation(layout, trimmed, loc)
		if err == nil {
			utc := parsed.UTC()
			return Decomposition{UnixTime: utc.Unix(), Month: utc.Month(), Year: utc.Year()}, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return Decomposition{}, errs.New("signaltime", errs.CodeMalformedTimestamp,
		errs.WithMessage("cannot parse timestamp"),
		errs.WithField("input", trimmed),
		errs.WithRemediation("send timestamps as YYYY-MM-DD HH:MM:SS with an optional offset"),
		errs.WithCause(firstErr))
}
