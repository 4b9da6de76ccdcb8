package sqladapter

import (
	"context"
	"fmt"

	"github.com/nirmitee-tech/fhir-server/internal/platform/sqladapter/schema"
)

// knownResourceTables lists every dedicated resource table the bundled DDL
// creates, plus the generic fallback table for arbitrary R4 types.
var knownResourceTables = []string{
	"PatientTable",
	"PractitionerTable",
	"AppointmentTable",
	"MedicationTable",
	"SearchParameterTable",
	"StructureDefinitionTable",
	"ResourceTable",
}

// sideTables lists the cross-cutting tables shared by every resource type.
var sideTables = []string{
	"REFERENCES",
	"SEARCH_PARAM_RES_EXPRESSIONS",
	"CUSTOM_EXTENSION_SEARCH_PARAMS",
	"RESOURCE_HISTORY",
}

// seedCatalog loads the bundled standard search-parameter CSV into
// SEARCH_PARAM_RES_EXPRESSIONS. It is idempotent:
// re-running it (e.g. on every Bootstrap call) upserts rather than
// duplicating rows, keyed on (resourceName, searchParamName).
func seedCatalog(ctx context.Context, a Adapter, clear bool) error {
	params, err := schema.StandardSearchParams()
	if err != nil {
		return err
	}
	if clear {
		if _, err := a.ExecParams(ctx, `DELETE FROM "SEARCH_PARAM_RES_EXPRESSIONS" WHERE "IS_CUSTOM" = false`); err != nil {
			return fmt.Errorf("sqladapter: clear standard catalog seed: %w", err)
		}
	}
	for _, p := range params {
		_, err := a.ExecParams(ctx, `
			INSERT INTO "SEARCH_PARAM_RES_EXPRESSIONS"
				("SEARCH_PARAM_NAME", "SEARCH_PARAM_TYPE", "RESOURCE_NAME", "EXPRESSION", "IS_CUSTOM")
			VALUES ($1, $2, $3, $4, false)
			ON CONFLICT ("RESOURCE_NAME", "SEARCH_PARAM_NAME") DO UPDATE SET
				"SEARCH_PARAM_TYPE" = EXCLUDED."SEARCH_PARAM_TYPE",
				"EXPRESSION" = EXCLUDED."EXPRESSION"`,
			p.Name, p.Type, p.Resource, p.Expression)
		if err != nil {
			return fmt.Errorf("sqladapter: seed standard search parameter %s/%s: %w", p.Resource, p.Name, err)
		}
	}
	return nil
}
