package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromString converts a decimal string into a pgtype.Numeric value.
func numericFromString(value string) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("numeric value required")
	}
	if err := out.Scan(trimmed); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return out, nil
}

// numericFromDecimal converts a decimal into a pgtype.Numeric value.
func numericFromDecimal(value decimal.Decimal) (pgtype.Numeric, error) {
	return numericFromString(value.String())
}

// decimalFromText parses a numeric column selected as text. Empty input yields zero.
func decimalFromText(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	out, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", trimmed, err)
	}
	return out, nil
}
