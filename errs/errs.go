// Package errs provides structured error types and helpers for runner services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeConfiguration indicates a configuration value the dispatcher cannot act on.
	CodeConfiguration Code = "configuration"
	// CodeDownstream indicates the strategy engine failed a run.
	CodeDownstream Code = "downstream_failure"
	// CodeMalformedTimestamp indicates a replay signal timestamp could not be parsed.
	CodeMalformedTimestamp Code = "malformed_timestamp"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the component is closed or saturated.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the runner stack.
type E struct {
	Component   string
	Code        Code
	Message     string
	Remediation string
	Metadata    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component:   strings.TrimSpace(component),
		Code:        code,
		Message:     "",
		Remediation: "",
		Metadata:    nil,
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether err carries an envelope with the provided code anywhere in its chain.
func Is(err error, code Code) bool {
	for err != nil {
		var envelope *E
		if !errors.As(err, &envelope) {
			return false
		}
		if envelope.Code == code {
			return true
		}
		err = envelope.cause
	}
	return false
}

// CodeOf returns the code of the outermost envelope in err's chain, or "" when none exists.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return ""
}
