package fhirstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nirmitee-tech/fhir-server/internal/platform/catalog"
	"github.com/nirmitee-tech/fhir-server/internal/platform/extractor"
	"github.com/nirmitee-tech/fhir-server/internal/platform/fhirformat"
)

// columnValue renders one extracted value as the scalar it should be
// stored under in a standard resource-table column; a single TEXT
// column per search parameter, matching schema/postgres.sql (the
// discovery that motivated fhir.TokenColumnClause).
func columnValue(v extractor.Value) any {
	switch v.ParamType {
	case catalog.TypeString, catalog.TypeURI:
		return v.String
	case catalog.TypeNumber:
		return v.Number
	case catalog.TypeDate:
		if v.DateOnly {
			return fhirformat.Date(v.Date)
		}
		return v.Date
	case catalog.TypeToken:
		if v.TokenSystem != "" {
			return v.TokenSystem + "|" + v.TokenCode
		}
		return v.TokenCode
	case catalog.TypeReference:
		return v.ReferenceType + "/" + v.ReferenceID
	default:
		return nil
	}
}

// buildRow assembles the column->value map for a dedicated resource
// table row: the fixed metadata columns plus one entry per extracted
// value whose catalog-derived column name is actually present on the
// table. Values whose column does not exist (custom-extension entries,
// or a catalog row with no backing column) are skipped here; the
// caller writes those into CUSTOM_EXTENSION_SEARCH_PARAMS instead.
func buildRow(pkCol, id string, versionID int, createdAt, updatedAt, lastUpdated time.Time, blob []byte, tableCols []string, values []extractor.Value) map[string]any {
	present := make(map[string]bool, len(tableCols))
	for _, c := range tableCols {
		present[c] = true
	}
	row := map[string]any{
		pkCol:           id,
		"VERSION_ID":    versionID,
		"CREATED_AT":    createdAt,
		"UPDATED_AT":    updatedAt,
		"LAST_UPDATED":  lastUpdated,
		"RESOURCE_JSON": blob,
	}
	for _, v := range values {
		col := columnNameFor(v.ParamName)
		if !present[col] {
			continue
		}
		row[col] = columnValue(v)
	}
	return row
}

func columnNameFor(paramName string) string {
	return fhirformat.Column(paramName)
}

// customExtensionRow is one row destined for CUSTOM_EXTENSION_SEARCH_PARAMS.
type customExtensionRow struct {
	ID           string
	ResourceType string
	ResourceID   string
	ParamName    string
	ParamType    catalog.ParamType
	Value        extractor.Value
}

func buildCustomRows(resourceType, resourceID string, values []extractor.Value) []customExtensionRow {
	out := make([]customExtensionRow, 0, len(values))
	for _, v := range values {
		out = append(out, customExtensionRow{
			ID:           uuid.New().String(),
			ResourceType: resourceType,
			ResourceID:   resourceID,
			ParamName:    v.ParamName,
			ParamType:    v.ParamType,
			Value:        v,
		})
	}
	return out
}

// insertRow builds and executes a dynamic INSERT using fhirformat
// literals, the same pattern txcontrol uses to rematerialise a row on
// rollback; both touch a column list that varies per resource type.
func insertRow(ctx context.Context, exec rawExecer, table string, row map[string]any, binaryLiteral fhirformat.BinaryLiteralFunc) error {
	cols := sortedColumnNames(row)
	colList := make([]string, 0, len(cols))
	litList := make([]string, 0, len(cols))
	for _, c := range cols {
		lit, err := fhirformat.Format(row[c], binaryLiteral)
		if err != nil {
			return fmt.Errorf("format column %s: %w", c, err)
		}
		colList = append(colList, fmt.Sprintf("%q", c))
		litList = append(litList, lit)
	}
	stmt := fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s)`, table, joinComma(colList), joinComma(litList))
	_, err := exec.Exec(ctx, stmt)
	return err
}

// updateRow builds and executes a dynamic UPDATE over every column in
// row except pkCol, which appears only in the WHERE clause.
func updateRow(ctx context.Context, exec rawExecer, table, pkCol string, row map[string]any, binaryLiteral fhirformat.BinaryLiteralFunc) error {
	cols := sortedColumnNames(row)
	setClauses := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == pkCol {
			continue
		}
		lit, err := fhirformat.Format(row[c], binaryLiteral)
		if err != nil {
			return fmt.Errorf("format column %s: %w", c, err)
		}
		setClauses = append(setClauses, fmt.Sprintf("%q = %s", c, lit))
	}
	pkLit, err := fhirformat.Format(row[pkCol], binaryLiteral)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`UPDATE %q SET %s WHERE %q = %s`, table, joinComma(setClauses), pkCol, pkLit)
	_, err = exec.Exec(ctx, stmt)
	return err
}

type rawExecer interface {
	Exec(ctx context.Context, sql string) (int64, error)
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
