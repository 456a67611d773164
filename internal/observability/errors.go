package observability

import (
	"errors"
	"fmt"
)

// JoinErrors drops nil entries, logs the survivors under operation and returns them joined.
// It returns nil when every entry is nil.
func JoinErrors(operation string, errs []error, fields ...Field) error {
	filtered := make([]error, 0, len(errs))
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		filtered = append(filtered, err)
		messages = append(messages, err.Error())
	}
	if len(filtered) == 0 {
		return nil
	}
	logFields := append(fields,
		F("operation", operation),
		F("error_count", len(filtered)),
		F("errors", messages),
	)
	Log().Error("operation errors", logFields...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(filtered...))
}
