package fhirstore

import (
	"context"
	"fmt"

	"github.com/nirmitee-tech/fhir-server/internal/platform/catalog"
)

// deleteCustomExtensionRows removes every CUSTOM_EXTENSION_SEARCH_PARAMS
// row for (resourceType, resourceID), the first step of rewriting them
// on update/patch/delete; the table has a fixed column set, so unlike
// the dedicated resource tables it's always safe to parameterise.
func (e *Engine) deleteCustomExtensionRows(ctx context.Context, resourceType, resourceID string) error {
	_, err := e.db.ExecParams(ctx, `
		DELETE FROM "CUSTOM_EXTENSION_SEARCH_PARAMS" WHERE "RESOURCE_TYPE" = $1 AND "RESOURCE_ID" = $2`,
		resourceType, resourceID)
	if err != nil {
		return fmt.Errorf("fhirstore: delete custom extension rows for %s/%s: %w", resourceType, resourceID, err)
	}
	return nil
}

func (e *Engine) insertCustomExtensionRows(ctx context.Context, rows []customExtensionRow) error {
	for _, r := range rows {
		var valString, valTokenSystem, valTokenCode, valRefType, valRefID any
		var valNumber, valDate any
		switch r.ParamType {
		case catalog.TypeString, catalog.TypeURI:
			valString = r.Value.String
		case catalog.TypeNumber:
			valNumber = r.Value.Number
		case catalog.TypeDate:
			valDate = r.Value.Date
		case catalog.TypeToken:
			if r.Value.TokenSystem != "" {
				valTokenSystem = r.Value.TokenSystem
			}
			valTokenCode = r.Value.TokenCode
		case catalog.TypeReference:
			valRefType = r.Value.ReferenceType
			valRefID = r.Value.ReferenceID
		}
		_, err := e.db.ExecParams(ctx, `
			INSERT INTO "CUSTOM_EXTENSION_SEARCH_PARAMS"
				("ID", "RESOURCE_TYPE", "RESOURCE_ID", "PARAM_NAME", "PARAM_TYPE",
				 "VALUE_STRING", "VALUE_NUMBER", "VALUE_DATE",
				 "VALUE_TOKEN_SYSTEM", "VALUE_TOKEN_CODE",
				 "VALUE_REFERENCE_TYPE", "VALUE_REFERENCE_ID")
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			r.ID, r.ResourceType, r.ResourceID, r.ParamName, string(r.ParamType),
			valString, valNumber, valDate, valTokenSystem, valTokenCode, valRefType, valRefID)
		if err != nil {
			return fmt.Errorf("fhirstore: insert custom extension row %s/%s/%s: %w", r.ResourceType, r.ResourceID, r.ParamName, err)
		}
	}
	return nil
}
