package fhirstore

import (
	"context"

	"github.com/nirmitee-tech/fhir-server/internal/platform/fhir"
)

// assembleBundle paginates the primary result set, resolves _include
// and _revinclude against it, and renders a searchset Bundle.
// Pagination happens here (not in the SQL query) so _include/
// _revinclude can still see the full matched set's ids if a future
// caller wants whole-set fan-out semantics; the current implementation
// resolves includes only against the page actually returned, matching
// how most FHIR servers scope "include the page's references".
func (e *Engine) assembleBundle(ctx context.Context, sp SearchParams, all []map[string]any, count int) (*fhir.Bundle, error) {
	total := len(all)
	offset := sp.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + count
	if end > total {
		end = total
	}
	page := all[offset:end]

	resources := make([]interface{}, 0, len(page))
	for _, r := range page {
		resources = append(resources, r)
	}

	if includeRaw, ok := sp.Values["_include"]; ok {
		included, err := e.resolveIncludes(ctx, page, includeRaw)
		if err != nil {
			return nil, err
		}
		for _, r := range included {
			resources = append(resources, r)
		}
	}
	if revincludeRaw, ok := sp.Values["_revinclude"]; ok {
		included, err := e.resolveRevincludes(ctx, page, revincludeRaw)
		if err != nil {
			return nil, err
		}
		for _, r := range included {
			resources = append(resources, r)
		}
	}

	bundle := fhir.NewSearchBundleWithLinks(resources, fhir.SearchBundleParams{
		BaseURL:  sp.BaseURL,
		QueryStr: sp.QueryString,
		Count:    count,
		Offset:   offset,
		Total:    total,
	})
	// Entries beyond the primary page are _include/_revinclude results;
	// FHIR marks these "include" rather than "match".
	for i := len(page); i < len(bundle.Entry); i++ {
		bundle.Entry[i].Search = &fhir.BundleSearch{Mode: "include"}
	}
	return bundle, nil
}
