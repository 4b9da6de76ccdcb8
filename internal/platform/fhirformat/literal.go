package fhirformat

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrFormat is the sentinel wrapped by every value that cannot be
// represented as a SQL literal.
type ErrFormat struct {
	Value any
	Cause string
}

func (e *ErrFormat) Error() string {
	return fmt.Sprintf("fhirformat: cannot format value %#v as SQL literal: %s", e.Value, e.Cause)
}

// Date is a date-only value, rendered 'YYYY-MM-DD'.
type Date time.Time

// BinaryLiteralFunc renders a byte slice as a backend-specific SQL
// literal. Every backend's Adapter.FormatBinaryLiteral satisfies this.
type BinaryLiteralFunc func([]byte) string

// Format renders v as a SQL literal. This is the ONLY place in the
// codebase that builds a literal SQL fragment from a Go value; every
// other package calls through here (or uses driver placeholders for
// plain scalar query arguments, where no backend-specific rendering is
// needed).
func Format(v any, binaryLiteral BinaryLiteralFunc) (string, error) {
	switch val := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return quoteString(val), nil
	case bool:
		if val {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return fmt.Sprintf("%d", val), nil
	case int32:
		return fmt.Sprintf("%d", val), nil
	case int64:
		return fmt.Sprintf("%d", val), nil
	case float32:
		return formatDecimal(decimal.NewFromFloat32(val)), nil
	case float64:
		return formatDecimal(decimal.NewFromFloat(val)), nil
	case decimal.Decimal:
		return formatDecimal(val), nil
	case Date:
		return quoteString(time.Time(val).Format("2006-01-02")), nil
	case time.Time:
		return quoteString(FormatTimestamp(val)), nil
	case []byte:
		if binaryLiteral == nil {
			return "", &ErrFormat{Value: v, Cause: "no binary literal formatter configured"}
		}
		return binaryLiteral(val), nil
	default:
		return "", &ErrFormat{Value: v, Cause: fmt.Sprintf("unsupported Go type %T", v)}
	}
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func formatDecimal(d decimal.Decimal) string {
	return d.String()
}

// FormatTimestamp renders a timestamp with sub-second precision clamped
// to milliseconds and seconds normalised into [00.000, 59.999].
// time.Time's own formatting can carry nanosecond precision and,
// after arithmetic on the clock reading, a rounded value of exactly 60s;
// both are re-normalised here before rendering.
func FormatTimestamp(t time.Time) string {
	t = t.UTC()
	ms := t.Nanosecond() / int(time.Millisecond)
	sec := t.Second()
	if sec >= 60 {
		// Leap-second-adjacent or rounding artefact: clamp into range and
		// roll the excess into the next minute.
		extra := sec - 59
		t = t.Add(time.Duration(extra) * time.Second)
		sec = 59
		ms = 999
	}
	datePart := t.Format("2006-01-02T15:04:05")
	return fmt.Sprintf("%s.%03d", datePart[:len(datePart)-2]+fmt.Sprintf("%02d", sec), ms)
}

// FormatISO8601 renders a timestamp the way it is written into a
// resource's `meta.lastUpdated` field on read.
func FormatISO8601(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
