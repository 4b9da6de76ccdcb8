// Package extractor is the search-parameter extractor: for every
// catalog row that applies to a resource being written, it evaluates
// the row's FHIRPath expression (or the custom
// extension path) against the resource and produces typed values ready
// to be written into a standard column, a CUSTOM_EXTENSION_SEARCH_PARAMS
// row, or a reference edge.
package extractor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nirmitee-tech/fhir-server/internal/platform/catalog"
	"github.com/nirmitee-tech/fhir-server/internal/platform/fhir"
)

// Value is one extracted, typed tuple ready for writing.
type Value struct {
	ParamName string
	ParamType catalog.ParamType

	String   string // string, uri, token-as-string fallback
	Number   decimal.Decimal
	Date     time.Time
	DateOnly bool // true when the source had no time component

	TokenSystem string
	TokenCode   string

	// ReferenceType/ReferenceID hold the parsed reference; Leaf is the
	// JSON field name the reference was found under, stored as the
	// edge's sourceExpression.
	ReferenceType string
	ReferenceID   string
	Leaf          string
}

// whereURLPattern matches the literal custom-extension clause this
// server supports: `.where(url='...')`.
var whereURLPattern = regexp.MustCompile(`\.where\(url\s*=\s*'([^']*)'\)`)

// resolveIsPattern matches `.where(resolve() is T)` on a polymorphic
// reference field. `resolve()` has no meaning to the FHIRPath engine
// and bare `is` isn't one of its infix operators, so this clause is
// parsed here rather than delegated to Evaluate.
var resolveIsPattern = regexp.MustCompile(`\.where\(resolve\(\)\s+is\s+(\w+)\)`)

// Extractor evaluates catalog entries against a resource.
type Extractor struct {
	fhirpath *fhir.FHIRPathEngine
}

func New() *Extractor {
	return &Extractor{fhirpath: fhir.NewFHIRPathEngine()}
}

// Extract evaluates one catalog entry against resource, returning zero
// or more typed values (a catalog expression that matches a repeating
// FHIRPath collection can emit more than one tuple).
func (e *Extractor) Extract(resource map[string]any, entry catalog.Entry) ([]Value, error) {
	if url, ok := customExtensionURL(entry.Expression); ok {
		return e.extractCustomExtension(resource, entry, url)
	}
	if baseExpr, targetType, ok := polymorphicReferenceTarget(entry.Expression); ok {
		return e.extractPolymorphicReference(resource, entry, baseExpr, targetType)
	}
	return e.extractFHIRPath(resource, entry)
}

// polymorphicReferenceTarget reports whether expression ends in a
// `.where(resolve() is T)` clause and, if so, the path to evaluate with
// the clause stripped off and the target type T to filter matches by.
func polymorphicReferenceTarget(expression string) (baseExpr, targetType string, ok bool) {
	m := resolveIsPattern.FindStringSubmatchIndex(expression)
	if m == nil {
		return "", "", false
	}
	return expression[:m[0]], expression[m[2]:m[3]], true
}

// extractPolymorphicReference evaluates the reference field's base path
// (without the `.where(resolve() is T)` suffix) and keeps only the
// results whose reference points at targetType.
func (e *Extractor) extractPolymorphicReference(resource map[string]any, entry catalog.Entry, baseExpr, targetType string) ([]Value, error) {
	results, err := e.fhirpath.Evaluate(resource, baseExpr)
	if err != nil {
		return nil, fmt.Errorf("extractor: evaluate %s (%s): %w", entry.Name, baseExpr, err)
	}
	var filtered []any
	for _, r := range results {
		rtype, _, err := toReference(r)
		if err != nil {
			continue
		}
		if rtype == targetType {
			filtered = append(filtered, r)
		}
	}
	return convert(entry, filtered)
}

// customExtensionURL reports whether expression uses the custom
// extension path (a .where(url='...') clause on extension) and, if
// so, the matched url.
func customExtensionURL(expression string) (string, bool) {
	if !strings.Contains(expression, ".where(") {
		return "", false
	}
	m := whereURLPattern.FindStringSubmatch(expression)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func (e *Extractor) extractCustomExtension(resource map[string]any, entry catalog.Entry, url string) ([]Value, error) {
	exts, _ := resource["extension"].([]any)
	var out []Value
	for _, raw := range exts {
		ext, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if u, _ := ext["url"].(string); u != url {
			continue
		}
		val, ok := extensionValue(ext)
		if !ok {
			continue
		}
		v, err := convert(entry, []any{val})
		if err != nil {
			return nil, err
		}
		out = append(out, v...)
	}
	return out, nil
}

// extensionValue reads the first `value[x]` field present on an
// extension object, a shallow depth-1 peek.
func extensionValue(ext map[string]any) (any, bool) {
	for k, v := range ext {
		if strings.HasPrefix(k, "value") && k != "valueless" {
			return v, true
		}
	}
	return nil, false
}

func (e *Extractor) extractFHIRPath(resource map[string]any, entry catalog.Entry) ([]Value, error) {
	results, err := e.fhirpath.Evaluate(resource, entry.Expression)
	if err != nil {
		return nil, fmt.Errorf("extractor: evaluate %s (%s): %w", entry.Name, entry.Expression, err)
	}
	return convert(entry, results)
}

// convert normalises a FHIRPath result array into typed Values, one
// shape per search-parameter value kind.
func convert(entry catalog.Entry, results []any) ([]Value, error) {
	out := make([]Value, 0, len(results))
	leaf := leafField(entry.Expression)
	for _, r := range results {
		v := Value{ParamName: entry.Name, ParamType: entry.Type, Leaf: leaf}
		switch entry.Type {
		case catalog.TypeString, catalog.TypeURI:
			s, err := stringify(r)
			if err != nil {
				return nil, fmt.Errorf("extractor: %s: %w", entry.Name, err)
			}
			v.String = s
		case catalog.TypeNumber:
			d, err := toDecimal(r)
			if err != nil {
				return nil, fmt.Errorf("extractor: %s: %w", entry.Name, err)
			}
			v.Number = d
		case catalog.TypeDate:
			t, dateOnly, err := parsePartialDate(r)
			if err != nil {
				return nil, fmt.Errorf("extractor: %s: %w", entry.Name, err)
			}
			v.Date, v.DateOnly = t, dateOnly
		case catalog.TypeToken:
			system, code, err := toToken(r)
			if err != nil {
				return nil, fmt.Errorf("extractor: %s: %w", entry.Name, err)
			}
			v.TokenSystem, v.TokenCode = system, code
		case catalog.TypeReference:
			rtype, rid, err := toReference(r)
			if err != nil {
				return nil, fmt.Errorf("extractor: %s: %w", entry.Name, err)
			}
			v.ReferenceType, v.ReferenceID = rtype, rid
		default:
			return nil, fmt.Errorf("extractor: %s: unknown search parameter type %q", entry.Name, entry.Type)
		}
		out = append(out, v)
	}
	return out, nil
}

// leafField extracts the last path segment before a `.where(` clause or
// the end of the expression, e.g. "Appointment.participant.actor" -> "actor",
// "Patient.generalPractitioner.where(resolve() is Practitioner)" -> "generalPractitioner".
func leafField(expression string) string {
	expr := expression
	if idx := strings.Index(expr, ".where("); idx >= 0 {
		expr = expr[:idx]
	}
	parts := strings.Split(expr, ".")
	return parts[len(parts)-1]
}

func stringify(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(val), nil
	default:
		return "", fmt.Errorf("cannot stringify value of type %T", v)
	}
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val), nil
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int64:
		return decimal.NewFromInt(val), nil
	case string:
		d, err := decimal.NewFromString(val)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("not a number: %q", val)
		}
		return d, nil
	default:
		return decimal.Decimal{}, fmt.Errorf("cannot convert %T to number", v)
	}
}

var partialDateFormats = []struct {
	layout   string
	dateOnly bool
}{
	{"2006-01-02T15:04:05.000Z", false},
	{time.RFC3339, false},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02", true},
	{"2006-01", true},
	{"2006", true},
}

func parsePartialDate(v any) (time.Time, bool, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false, fmt.Errorf("date value must be a string, got %T", v)
	}
	for _, f := range partialDateFormats {
		if t, err := time.Parse(f.layout, s); err == nil {
			return t, f.dateOnly, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unparseable date %q", s)
}

func toToken(v any) (system, code string, err error) {
	switch val := v.(type) {
	case string:
		return "", val, nil
	case map[string]any:
		// Works for both Coding ({system,code}) and CodeableConcept
		// ({coding:[{system,code}], text}) via a depth-1 peek.
		if s, ok := val["system"].(string); ok {
			c, _ := val["code"].(string)
			return s, c, nil
		}
		if codings, ok := val["coding"].([]any); ok && len(codings) > 0 {
			if first, ok := codings[0].(map[string]any); ok {
				s, _ := first["system"].(string)
				c, _ := first["code"].(string)
				return s, c, nil
			}
		}
		return "", "", fmt.Errorf("object has neither system/code nor coding[]")
	default:
		return "", "", fmt.Errorf("cannot convert %T to token", v)
	}
}

func toReference(v any) (resourceType, id string, err error) {
	var refStr string
	switch val := v.(type) {
	case string:
		refStr = val
	case map[string]any:
		s, ok := val["reference"].(string)
		if !ok {
			return "", "", fmt.Errorf("object has no reference field")
		}
		refStr = s
	default:
		return "", "", fmt.Errorf("cannot convert %T to reference", v)
	}
	idx := strings.LastIndex(refStr, "/")
	if idx < 0 {
		return "", "", fmt.Errorf("malformed reference %q: missing resourceType/id separator", refStr)
	}
	return refStr[:idx], refStr[idx+1:], nil
}
