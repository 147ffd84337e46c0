package models

import "time"

// Condition describes the advertised physical state of a listing.
type Condition string

const (
	ConditionNew         Condition = "New"
	ConditionUsed        Condition = "Used"
	ConditionRefurbished Condition = "Refurbished"
	ConditionUnknown     Condition = "Unknown"
)

// MatchType records which stage of the resolver produced the canonical model.
type MatchType string

const (
	MatchExact MatchType = "exact"
	MatchRegex MatchType = "regex"
	MatchFuzzy MatchType = "fuzzy"
	MatchNone  MatchType = "none"
)

// CanonicalUnknown is the sentinel canonical for titles no stage could resolve.
const CanonicalUnknown = "UNKNOWN"

// Generation is the NVIDIA architecture family of a SKU.
type Generation string

const (
	GenTuring    Generation = "Turing"
	GenAmpere    Generation = "Ampere"
	GenAda       Generation = "Ada"
	GenHopper    Generation = "Hopper"
	GenBlackwell Generation = "Blackwell"
	GenOther     Generation = "Other"
)

// FormFactor is the physical card profile.
type FormFactor string

const (
	FormSFF        FormFactor = "SFF"
	FormDual       FormFactor = "Dual"
	FormTriple     FormFactor = "Triple"
	FormFullHeight FormFactor = "FullHeight"
	FormLowProfile FormFactor = "LowProfile"
)

// RawListing is the vendor-agnostic ingest record. Source loaders produce
// exactly this shape regardless of the upstream format.
type RawListing struct {
	Title            string    `json:"title" validate:"required"`
	Price            USD       `json:"price" validate:"gte=0"`
	Quantity         int       `json:"quantity" validate:"gte=0"`
	Seller           string    `json:"seller" validate:"required"`
	SourceURL        string    `json:"source_url" validate:"required"`
	SourceType       string    `json:"source_type" validate:"required"`
	Condition        Condition `json:"condition" validate:"oneof=New Used Refurbished Unknown"`
	BulkNotes        string    `json:"bulk_notes,omitempty"`
	GeographicRegion string    `json:"geographic_region,omitempty"` // default "USA"
	ListingAge       string    `json:"listing_age,omitempty"`       // default "Current"
	ModelHint        string    `json:"model,omitempty"`             // pre-tagged canonical, if the source carries one
}

// GPUSpec is a registry entry describing one canonical SKU.
type GPUSpec struct {
	CanonicalName  string     `json:"canonical_name" yaml:"canonical_name"`
	VRAMGB         int        `json:"vram_gb" yaml:"vram_gb"`
	TDPWatts       int        `json:"tdp_watts" yaml:"tdp_watts"`
	SlotWidth      int        `json:"slot_width" yaml:"slot_width"`
	MIGSupport     int        `json:"mig_support" yaml:"mig_support"` // 0..7, 0 = no MIG
	NVLink         bool       `json:"nvlink" yaml:"nvlink"`
	Generation     Generation `json:"generation" yaml:"generation"`
	CUDACores      int        `json:"cuda_cores,omitempty" yaml:"cuda_cores"` // 0 = unknown
	PCIeGeneration int        `json:"pcie_generation" yaml:"pcie_generation"` // 3..5
	FormFactor     FormFactor `json:"form_factor" yaml:"form_factor"`
	MSRP           USD        `json:"msrp_usd,omitempty" yaml:"msrp_usd"` // 0 = unpublished
	Notes          string     `json:"notes,omitempty" yaml:"notes"`
}

// Warning is a non-fatal, structured annotation that rides through the
// pipeline into the output CSV and API responses.
type Warning struct {
	Severity string `json:"severity"` // "info" or "warn"
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

// Warn builds a warn-severity warning.
func Warn(code, detail string) Warning {
	return Warning{Severity: "warn", Code: code, Detail: detail}
}

// NormalizedListing is a RawListing with a resolved canonical identity.
type NormalizedListing struct {
	RawListing

	CanonicalModel string    `json:"canonical_model"`
	MatchType      MatchType `json:"match_type"`
	MatchScore     float64   `json:"match_score"` // 0.0..1.0, exact = 1.0
	MatchNotes     string    `json:"match_notes"` // provenance, e.g. "regex:RTX_PRO_6000"

	// Optional ML annotation. Never overrides a deterministic match.
	MLIsGPU *bool    `json:"ml_is_gpu,omitempty"`
	MLScore *float64 `json:"ml_score,omitempty"`

	Warnings []Warning `json:"warnings,omitempty"`
}

// QuantizationCapacity counts how many quantized models of each size class
// fit in usable VRAM after runtime overhead.
type QuantizationCapacity struct {
	Size7B  int `json:"7b"`
	Size13B int `json:"13b"`
	Size70B int `json:"70b"`
}

// AttrKind tags the value slot of a HeuristicAttr.
type AttrKind string

const (
	AttrBool  AttrKind = "bool"
	AttrInt   AttrKind = "int"
	AttrFloat AttrKind = "float"
	AttrEnum  AttrKind = "enum"
)

// HeuristicAttr is one named contribution from a heuristic strategy.
// Exactly one value slot is meaningful, selected by Kind.
type HeuristicAttr struct {
	Name  string   `json:"name"`
	Kind  AttrKind `json:"kind"`
	Bool  bool     `json:"bool,omitempty"`
	Int   int64    `json:"int,omitempty"`
	Float float64  `json:"float,omitempty"`
	Enum  string   `json:"enum,omitempty"`
}

// EnrichedListing joins the normalized listing with its registry spec and
// any heuristic contributions.
type EnrichedListing struct {
	NormalizedListing

	Spec         *GPUSpec              `json:"spec,omitempty"`         // nil when canonical is UNKNOWN or unregistered
	Quantization *QuantizationCapacity `json:"quantization,omitempty"` // set by the quantization_capacity strategy
	Attributes   []HeuristicAttr       `json:"attributes,omitempty"`
}

// ScoredListing is the terminal pipeline record: an enriched listing with
// its composite score and per-metric components.
type ScoredListing struct {
	EnrichedListing

	Score           float64            `json:"score"` // 0.0..100.0
	ScoreComponents map[string]float64 `json:"score_components,omitempty"`

	// Assigned at persistence.
	ImportID    string    `json:"import_id,omitempty"`
	ImportIndex int       `json:"import_index"`
	SeenAt      time.Time `json:"seen_at"`
}

// Import is one atomic ingest event.
type Import struct {
	ImportID    string    `json:"import_id"`
	Timestamp   time.Time `json:"timestamp"`
	RecordCount int       `json:"record_count"`
	SourceLabel string    `json:"source_label"`
	FirstModel  string    `json:"first_model"`
	LastModel   string    `json:"last_model"`
}

// ImportResult is the success payload of an ingest call.
type ImportResult struct {
	ImportID    string    `json:"import_id"`
	RecordCount int       `json:"record_count"`
	FirstModel  string    `json:"first_model"`
	LastModel   string    `json:"last_model"`
	Timestamp   time.Time `json:"timestamp"`
	Warnings    []Warning `json:"warnings"`
}

// ListingSnapshot captures a listing's state at one ingest, keyed by
// source_url (the logical listing identity).
type ListingSnapshot struct {
	ID             int64                 `json:"id"`
	SourceURL      string                `json:"source_url"`
	CanonicalModel string                `json:"canonical_model"`
	Price          USD                   `json:"price"`
	Score          float64               `json:"score"`
	Quantization   *QuantizationCapacity `json:"quantization,omitempty"`
	SeenAt         time.Time             `json:"seen_at"`
	Seller         string                `json:"seller"`
	Region         string                `json:"region"`
	ImportID       string                `json:"import_id"`
}

// ListingDelta is the change record between two consecutive snapshots of
// the same source_url. It exists only when a prior snapshot does.
type ListingDelta struct {
	ID             int64     `json:"id"`
	SourceURL      string    `json:"source_url"`
	CanonicalModel string    `json:"canonical_model"`
	Region         string    `json:"region"`
	PrevSnapshotID int64     `json:"prev_snapshot_id"`
	CurrSnapshotID int64     `json:"curr_snapshot_id"`
	PriceDelta     USD       `json:"price_delta"`
	PriceDeltaPct  float64   `json:"price_delta_pct"`
	ScoreDelta     float64   `json:"score_delta"`
	Timestamp      time.Time `json:"timestamp"`
}
