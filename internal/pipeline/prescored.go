package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/gpuradar/listings-engine/pkg/models"
)

// Readers for pipeline-produced artifacts: batches that already carry
// canonical models and scores and only need validation + persistence.

// ReadScoredJSON parses a top-level array of scored listings.
func ReadScoredJSON(r io.Reader) ([]models.ScoredListing, error) {
	var rows []models.ScoredListing
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, models.E(models.KindSchema, "malformed scored JSON payload: %v", err)
	}
	for i := range rows {
		if err := validateScoredRow(i, &rows[i]); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// ReadScoredCSV parses a scored CSV produced by WriteScoredCSV (or a
// compatible pipeline). Trailing columns beyond the known set are ignored.
func ReadScoredCSV(r io.Reader) ([]models.ScoredListing, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, models.E(models.KindSchema, "empty scored CSV payload")
	}
	if err != nil {
		return nil, models.E(models.KindSchema, "unreadable CSV header: %v", err)
	}

	colIndex := make(map[string]int, len(header))
	for i, name := range header {
		colIndex[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range []string{"title", "price", "source_url", "canonical_model", "match_type", "match_score", "score"} {
		if _, ok := colIndex[col]; !ok {
			return nil, models.E(models.KindSchema, "scored CSV missing required column %q", col)
		}
	}

	field := func(record []string, name string) string {
		idx, ok := colIndex[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	var rows []models.ScoredListing
	rowIdx := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, models.RowError(rowIdx, "malformed CSV record: %v", err)
		}

		row, err := parseScoredRow(rowIdx, record, field)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
		rowIdx++
	}
	return rows, nil
}

func parseScoredRow(rowIdx int, record []string, field func([]string, string) string) (models.ScoredListing, error) {
	var row models.ScoredListing

	row.Title = field(record, "title")
	price, err := models.ParseUSD(field(record, "price"))
	if err != nil {
		return row, models.RowError(rowIdx, "price: %v", err)
	}
	row.Price = price

	if q := field(record, "quantity"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			return row, models.RowError(rowIdx, "quantity: invalid integer %q", q)
		}
		row.Quantity = n
	}
	row.Seller = field(record, "seller")
	row.SourceURL = field(record, "source_url")
	row.SourceType = field(record, "source_type")
	cond, err := parseCondition(field(record, "condition"))
	if err != nil {
		return row, models.RowError(rowIdx, "%v", err)
	}
	row.Condition = cond
	row.BulkNotes = field(record, "bulk_notes")
	row.GeographicRegion = field(record, "geographic_region")
	row.ListingAge = field(record, "listing_age")
	row.ModelHint = field(record, "model")

	row.CanonicalModel = field(record, "canonical_model")
	row.MatchType = models.MatchType(field(record, "match_type"))
	ms, err := strconv.ParseFloat(field(record, "match_score"), 64)
	if err != nil {
		return row, models.RowError(rowIdx, "match_score: invalid float")
	}
	row.MatchScore = ms
	row.MatchNotes = field(record, "match_notes")

	if vram := field(record, "vram_gb"); vram != "" {
		spec := &models.GPUSpec{CanonicalName: row.CanonicalModel}
		if spec.VRAMGB, err = strconv.Atoi(vram); err != nil {
			return row, models.RowError(rowIdx, "vram_gb: invalid integer %q", vram)
		}
		spec.TDPWatts, _ = strconv.Atoi(field(record, "tdp_watts"))
		spec.SlotWidth, _ = strconv.Atoi(field(record, "slot_width"))
		spec.MIGSupport, _ = strconv.Atoi(field(record, "mig_support"))
		spec.NVLink = field(record, "nvlink") == "true"
		spec.Generation = models.Generation(field(record, "generation"))
		spec.CUDACores, _ = strconv.Atoi(field(record, "cuda_cores"))
		spec.PCIeGeneration, _ = strconv.Atoi(field(record, "pcie_generation"))
		spec.FormFactor = models.FormFactor(field(record, "form_factor"))
		row.Spec = spec
	}

	if cell := field(record, "quantization_capacity"); cell != "" {
		var qc models.QuantizationCapacity
		if err := json.Unmarshal([]byte(cell), &qc); err == nil {
			row.Quantization = &qc
		}
	}

	sc, err := strconv.ParseFloat(field(record, "score"), 64)
	if err != nil {
		return row, models.RowError(rowIdx, "score: invalid float")
	}
	row.Score = sc

	if err := validateScoredRow(rowIdx, &row); err != nil {
		return row, err
	}
	return row, nil
}

func validateScoredRow(rowIdx int, row *models.ScoredListing) error {
	if row.Title == "" {
		return models.RowError(rowIdx, "title is required")
	}
	if row.SourceURL == "" {
		return models.RowError(rowIdx, "source_url is required")
	}
	if row.CanonicalModel == "" {
		return models.RowError(rowIdx, "canonical_model is required")
	}
	if row.Price < 0 {
		return models.RowError(rowIdx, "price must be non-negative")
	}
	switch row.MatchType {
	case models.MatchExact, models.MatchRegex, models.MatchFuzzy, models.MatchNone:
	default:
		return models.RowError(rowIdx, "match_type %q is not one of exact/regex/fuzzy/none", row.MatchType)
	}
	if row.MatchScore < 0.0 || row.MatchScore > 1.0 {
		return models.RowError(rowIdx, "match_score %v outside [0,1]", row.MatchScore)
	}
	if row.Score < 0.0 || row.Score > 100.0 {
		return models.RowError(rowIdx, "score %v outside [0,100]", row.Score)
	}
	return nil
}
