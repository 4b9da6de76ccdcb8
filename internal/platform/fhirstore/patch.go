package fhirstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"
)

// Patch implements PATCH /{type}/{id}: a shallow, top-level merge of the
// request body over the current resource document,
// then the same write path as Update. sjson.SetRawBytes writes each
// top-level field of the request body into a JSON encoding of the
// current document without
// round-tripping the whole thing through Go maps for the merge itself.
func (e *Engine) Patch(ctx context.Context, resourceType, id string, patchDoc json.RawMessage) (map[string]any, error) {
	current, err := e.Read(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	currentBlob, err := json.Marshal(current)
	if err != nil {
		return nil, newErr(ErrInternal, "marshal current resource", err)
	}

	var patchFields map[string]json.RawMessage
	if err := json.Unmarshal(patchDoc, &patchFields); err != nil {
		return nil, newErr(ErrInvalidInput, "patch body must be a JSON object", err)
	}

	merged := currentBlob
	for field, raw := range patchFields {
		merged, err = sjson.SetRawBytes(merged, field, raw)
		if err != nil {
			return nil, newErr(ErrInvalidInput, fmt.Sprintf("merge patch field %q", field), err)
		}
	}

	var mergedResource map[string]any
	if err := json.Unmarshal(merged, &mergedResource); err != nil {
		return nil, newErr(ErrInternal, "unmarshal merged resource", err)
	}
	return e.Update(ctx, resourceType, id, mergedResource)
}
