// Package schema bundles the DDL (one file per backend) and the
// standard search-parameter CSV seed shipped with the binary.
package schema

import (
	_ "embed"
	"encoding/csv"
	"fmt"
	"strings"
)

//go:embed postgres.sql
var PostgresDDL string

//go:embed sqlite.sql
var SQLiteDDL string

//go:embed search_parameters.csv
var searchParametersCSV string

// StandardSearchParam is one row of the bundled search-parameter seed.
type StandardSearchParam struct {
	Name       string
	Resource   string
	Type       string
	Expression string
}

// StandardSearchParams parses the bundled CSV into the standard seed rows
// consumed by the search-parameter catalog at first-time schema init.
func StandardSearchParams() ([]StandardSearchParam, error) {
	r := csv.NewReader(strings.NewReader(searchParametersCSV))
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("schema: parse search_parameters.csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, want := range []string{"name", "resource", "type", "expression"} {
		if _, ok := idx[want]; !ok {
			return nil, fmt.Errorf("schema: search_parameters.csv missing column %q", want)
		}
	}

	out := make([]StandardSearchParam, 0, len(records)-1)
	for i, rec := range records[1:] {
		if len(rec) < len(header) {
			return nil, fmt.Errorf("schema: search_parameters.csv row %d: short record", i+2)
		}
		out = append(out, StandardSearchParam{
			Name:       rec[idx["name"]],
			Resource:   rec[idx["resource"]],
			Type:       rec[idx["type"]],
			Expression: rec[idx["expression"]],
		})
	}
	return out, nil
}

// DDLFor returns the bundled DDL text for the given backend name.
func DDLFor(backend string) (string, error) {
	switch backend {
	case "postgresql":
		return PostgresDDL, nil
	case "h2":
		return SQLiteDDL, nil
	default:
		return "", fmt.Errorf("schema: unknown backend %q", backend)
	}
}

// SplitStatements splits a DDL file on statement-terminating semicolons,
// skipping blank lines and `--` comment lines. Both bundled DDL files are
// written one statement per logical block, so a naive split is sufficient
// and avoids depending on a full SQL parser for schema bootstrap.
func SplitStatements(ddl string) []string {
	var stmts []string
	var buf strings.Builder
	for _, line := range strings.Split(ddl, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSpace(buf.String())
			if stmt != "" {
				stmts = append(stmts, stmt)
			}
			buf.Reset()
		}
	}
	if rest := strings.TrimSpace(buf.String()); rest != "" {
		stmts = append(stmts, rest)
	}
	return stmts
}
