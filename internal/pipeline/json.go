package pipeline

import (
	"encoding/json"
	"io"

	"github.com/gpuradar/listings-engine/pkg/models"
)

func init() {
	RegisterLoader("json", jsonLoader{})
}

type jsonLoader struct{}

// Load parses a vendor JSON export: a top-level array of raw listings.
// Optional fields take the same documented defaults as the CSV reader.
func (jsonLoader) Load(r io.Reader) (*LoadResult, error) {
	var rows []models.RawListing
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rows); err != nil {
		return nil, models.E(models.KindSchema, "malformed JSON payload: %v", err)
	}

	result := &LoadResult{Rows: make([]models.RawListing, 0, len(rows))}
	for i, row := range rows {
		if row.GeographicRegion == "" {
			row.GeographicRegion = defaultRegion
		}
		if row.ListingAge == "" {
			row.ListingAge = defaultListingAge
		}
		if row.Condition == "" {
			row.Condition = models.ConditionUnknown
		}
		if row.Price < 0 {
			return nil, models.RowError(i, "price must be non-negative, got %s", row.Price)
		}
		if err := rowValidator.Struct(row); err != nil {
			return nil, models.RowError(i, "invalid row: %v", err)
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}
