// Package fhirformat holds the deterministic, pure functions every other
// component uses to map between FHIR names and SQL names, and to render
// Go values as SQL literals. Nothing here touches a
// database connection; everything is safe for concurrent use because
// nothing here holds state.
package fhirformat

import "strings"

// TableName maps a FHIR resource type to its physical table name:
// tableName(type) = type + "Table", case preserved.
func TableName(resourceType string) string {
	return resourceType + "Table"
}

// PrimaryKey maps a FHIR resource type to its primary-key column name:
// primaryKey(type) = UPPER(type) + "TABLE_ID".
func PrimaryKey(resourceType string) string {
	return strings.ToUpper(resourceType) + "TABLE_ID"
}

// Column maps a search-parameter name to its physical column name:
// column(param) = UPPER(param with '-' -> '_').
func Column(paramName string) string {
	return strings.ToUpper(strings.ReplaceAll(paramName, "-", "_"))
}

// Param is the inverse of Column: param(column) = LOWER(column with '_' -> '-').
func Param(column string) string {
	return strings.ToLower(strings.ReplaceAll(column, "_", "-"))
}
