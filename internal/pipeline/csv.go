package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/gpuradar/listings-engine/pkg/models"
)

// Raw ingest CSV column set. Order here is the documented contract; the
// reader maps by header name so column order in uploads is free.
var rawColumns = []string{
	"title", "price", "quantity", "seller", "source_url", "source_type",
	"condition", "bulk_notes", "geographic_region", "listing_age", "model",
}

var requiredRawColumns = map[string]bool{
	"title": true, "price": true, "quantity": true, "seller": true,
	"source_url": true, "source_type": true, "condition": true,
}

const (
	defaultRegion     = "USA"
	defaultListingAge = "Current"
)

var rowValidator = validator.New()

func init() {
	RegisterLoader("csv", csvLoader{})
}

type csvLoader struct{}

// Load parses a raw-listing CSV. Missing required columns fail the whole
// upload with SchemaError; unknown extra columns are ignored with a
// warning; any unparseable required field aborts with a row-scoped
// ValidationError so the caller can reject the batch atomically.
func (csvLoader) Load(r io.Reader) (*LoadResult, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, models.E(models.KindSchema, "empty CSV payload")
	}
	if err != nil {
		return nil, models.E(models.KindSchema, "unreadable CSV header: %v", err)
	}

	result := &LoadResult{}

	colIndex := make(map[string]int, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(name))
		if _, known := colIndex[key]; known {
			return nil, models.E(models.KindSchema, "duplicate column %q", key)
		}
		colIndex[key] = i
	}

	known := make(map[string]bool, len(rawColumns))
	for _, c := range rawColumns {
		known[c] = true
	}
	for key := range colIndex {
		if !known[key] {
			result.Warnings = append(result.Warnings,
				models.Warn("unknown_column", fmt.Sprintf("ignoring unknown column %q", key)))
		}
	}
	for col := range requiredRawColumns {
		if _, ok := colIndex[col]; !ok {
			return nil, models.E(models.KindSchema, "missing required column %q", col)
		}
	}

	field := func(record []string, name string) string {
		idx, ok := colIndex[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	rowIdx := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, models.RowError(rowIdx, "malformed CSV record: %v", err)
		}

		row, err := parseRawRow(rowIdx, record, field)
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, row)
		rowIdx++
	}

	return result, nil
}

func parseRawRow(rowIdx int, record []string, field func([]string, string) string) (models.RawListing, error) {
	var row models.RawListing

	row.Title = field(record, "title")

	price, err := models.ParseUSD(field(record, "price"))
	if err != nil {
		return row, models.RowError(rowIdx, "price: %v", err)
	}
	if price < 0 {
		return row, models.RowError(rowIdx, "price must be non-negative, got %s", price)
	}
	row.Price = price

	qtyStr := field(record, "quantity")
	qty, err := strconv.Atoi(strings.ReplaceAll(qtyStr, ",", ""))
	if err != nil {
		return row, models.RowError(rowIdx, "quantity: invalid integer %q", qtyStr)
	}
	if qty < 0 {
		return row, models.RowError(rowIdx, "quantity must be non-negative, got %d", qty)
	}
	row.Quantity = qty

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
	if row.GeographicRegion == "" {
		row.GeographicRegion = defaultRegion
	}
	row.ListingAge = field(record, "listing_age")
	if row.ListingAge == "" {
		row.ListingAge = defaultListingAge
	}
	row.ModelHint = field(record, "model")

	if err := rowValidator.Struct(row); err != nil {
		return row, models.RowError(rowIdx, "invalid row: %v", err)
	}
	return row, nil
}

func parseCondition(s string) (models.Condition, error) {
	switch strings.ToLower(s) {
	case "new":
		return models.ConditionNew, nil
	case "used":
		return models.ConditionUsed, nil
	case "refurbished", "refurb":
		return models.ConditionRefurbished, nil
	case "unknown", "":
		return models.ConditionUnknown, nil
	}
	return "", fmt.Errorf("condition %q is not one of New/Used/Refurbished/Unknown", s)
}

// Scored output CSV column set: the raw columns followed by pipeline
// additions. Stable and additive across versions; old consumers ignore
// trailing columns.
var scoredColumns = append(append([]string{}, rawColumns...),
	"canonical_model", "match_type", "match_score", "match_notes",
	"vram_gb", "tdp_watts", "slot_width", "mig_support", "nvlink",
	"generation", "cuda_cores", "pcie_generation", "form_factor",
	"quantization_capacity", "warnings", "score",
	"import_id", "import_index", "seen_at",
)

// WriteScoredCSV emits the scored batch with the stable column order.
func WriteScoredCSV(w io.Writer, rows []models.ScoredListing) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(scoredColumns); err != nil {
		return err
	}

	for _, row := range rows {
		record := make([]string, 0, len(scoredColumns))
		record = append(record,
			row.Title,
			row.Price.String(),
			strconv.Itoa(row.Quantity),
			row.Seller,
			row.SourceURL,
			row.SourceType,
			string(row.Condition),
			row.BulkNotes,
			row.GeographicRegion,
			row.ListingAge,
			row.ModelHint,
			row.CanonicalModel,
			string(row.MatchType),
			strconv.FormatFloat(row.MatchScore, 'f', -1, 64),
			row.MatchNotes,
		)
		if row.Spec != nil {
			record = append(record,
				strconv.Itoa(row.Spec.VRAMGB),
				strconv.Itoa(row.Spec.TDPWatts),
				strconv.Itoa(row.Spec.SlotWidth),
				strconv.Itoa(row.Spec.MIGSupport),
				strconv.FormatBool(row.Spec.NVLink),
				string(row.Spec.Generation),
				strconv.Itoa(row.Spec.CUDACores),
				strconv.Itoa(row.Spec.PCIeGeneration),
				string(row.Spec.FormFactor),
			)
		} else {
			record = append(record, "", "", "", "", "", "", "", "", "")
		}
		record = append(record,
			encodeJSONCell(row.Quantization),
			encodeWarnings(row.Warnings),
			strconv.FormatFloat(row.Score, 'f', -1, 64),
			row.ImportID,
			strconv.Itoa(row.ImportIndex),
			formatSeenAt(row),
		)
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func encodeJSONCell(v interface{}) string {
	if v == nil {
		return ""
	}
	if q, ok := v.(*models.QuantizationCapacity); ok && q == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func encodeWarnings(ws []models.Warning) string {
	if len(ws) == 0 {
		return ""
	}
	parts := make([]string, len(ws))
	for i, w := range ws {
		parts[i] = w.Code + ": " + w.Detail
	}
	return strings.Join(parts, "; ")
}

func formatSeenAt(row models.ScoredListing) string {
	if row.SeenAt.IsZero() {
		return ""
	}
	return row.SeenAt.UTC().Format("2006-01-02T15:04:05Z07:00")
}
