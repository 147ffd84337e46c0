package enrich

import (
	"fmt"

	"github.com/gpuradar/listings-engine/internal/registry"
	"github.com/gpuradar/listings-engine/pkg/models"
)

// Enricher joins normalized listings against the GPU spec registry. It is
// pure: no I/O, no registry mutation, and it produces new values rather
// than editing rows in place.
type Enricher struct {
	reg *registry.Registry
}

func New(reg *registry.Registry) *Enricher {
	return &Enricher{reg: reg}
}

// Enrich projects the registry spec onto one normalized listing.
//
// UNKNOWN canonicals get nil spec fields and no warning: an unresolved
// title is an expected outcome, not a registry defect. A canonical the
// resolver produced but the registry does not know IS a defect and gets a
// warning while still passing through with nil spec fields.
func (e *Enricher) Enrich(row models.NormalizedListing) models.EnrichedListing {
	out := models.EnrichedListing{NormalizedListing: row}

	if row.CanonicalModel == models.CanonicalUnknown {
		return out
	}

	spec, ok := e.reg.Spec(row.CanonicalModel)
	if !ok {
		out.Warnings = append(out.Warnings, models.Warn("unregistered_canonical",
			fmt.Sprintf("Model '%s' not found in GPU registry", row.CanonicalModel)))
		return out
	}

	out.Spec = &spec
	return out
}

// EnrichBatch enriches a batch preserving input order.
func (e *Enricher) EnrichBatch(rows []models.NormalizedListing) []models.EnrichedListing {
	out := make([]models.EnrichedListing, len(rows))
	for i, row := range rows {
		out[i] = e.Enrich(row)
	}
	return out
}
