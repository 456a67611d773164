// Package backtest replays historical signals through the dispatcher.
package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/coachpo/runner/internal/domain/run"
)

// Signal is one historical replay request.
type Signal struct {
	Timestamp  string
	Instrument string
	Brain      string
	// Line is the 1-based source line, header included.
	Line int
}

// DataFeeder yields signals until it returns io.EOF.
type DataFeeder interface {
	Next() (Signal, error)
}

var requiredColumns = []string{"timestamp", "instrument", "brain"}

// FeederOption customises a CSVFeeder.
type FeederOption func(*CSVFeeder)

// WithPair keeps only signals whose instrument is a BASE/QUOTE pair matching the non-empty sides.
func WithPair(base, quote string) FeederOption {
	return func(f *CSVFeeder) {
		f.base = strings.TrimSpace(base)
		f.quote = strings.TrimSpace(quote)
	}
}

// WithDefaultBrain fills rows whose brain column is empty.
func WithDefaultBrain(brain string) FeederOption {
	return func(f *CSVFeeder) {
		f.defaultBrain = strings.TrimSpace(brain)
	}
}

// CSVFeeder reads replay signals from CSV. The header row must name the timestamp,
// instrument and brain columns in any order; other columns are ignored.
type CSVFeeder struct {
	reader       *csv.Reader
	closer       io.Closer
	columns      map[string]int
	line         int
	base         string
	quote        string
	defaultBrain string
}

// NewCSVFeeder opens filePath and reads its header.
func NewCSVFeeder(filePath string, opts ...FeederOption) (*CSVFeeder, error) {
	// #nosec G304 -- file path is operator provided via CLI flags.
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}
	feeder, err := NewCSVReader(file, opts...)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	feeder.closer = file
	return feeder, nil
}

// NewCSVReader reads signals from r.
func NewCSVReader(r io.Reader, opts ...FeederOption) (*CSVFeeder, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := columns[name]; !ok {
			return nil, fmt.Errorf("csv header missing %q column", name)
		}
	}

	feeder := &CSVFeeder{reader: reader, columns: columns, line: 1}
	for _, opt := range opts {
		if opt != nil {
			opt(feeder)
		}
	}
	return feeder, nil
}

// Next returns the next signal, skipping rows outside the configured pair.
func (f *CSVFeeder) Next() (Signal, error) {
	for {
		record, err := f.reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Signal{}, io.EOF
			}
			return Signal{}, fmt.Errorf("read csv record: %w", err)
		}
		f.line++

		signal := Signal{
			Timestamp:  f.field(record, "timestamp"),
			Instrument: f.field(record, "instrument"),
			Brain:      f.field(record, "brain"),
			Line:       f.line,
		}
		if signal.Brain == "" {
			signal.Brain = f.defaultBrain
		}
		if signal.Timestamp == "" {
			return Signal{}, fmt.Errorf("csv line %d: timestamp required", f.line)
		}
		if (f.base != "" || f.quote != "") && !run.IsPair(signal.Instrument, f.base, f.quote) {
			continue
		}
		return signal, nil
	}
}

// Close releases the underlying file, if any.
func (f *CSVFeeder) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

func (f *CSVFeeder) field(record []string, name string) string {
	idx := f.columns[name]
	if idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}
