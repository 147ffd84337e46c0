package pipeline

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gpuradar/listings-engine/internal/registry"
	"github.com/gpuradar/listings-engine/pkg/models"
)

const sampleCSV = `title,price,quantity,seller,source_url,source_type,condition,bulk_notes,geographic_region,listing_age,model
NVIDIA RTX A6000 48GB,3200.00,1,gpuseller,https://example.com/a6000,ebay,Used,,USA,Current,
Intel Arc A770 16GB,250.00,2,cpuworld,https://example.com/arc,ebay,New,,,,
`

func mustRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.Load()
	if err != nil {
		t.Fatalf("registry.Load: %v", err)
	}
	return r
}

func mustPipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	p, err := New(mustRegistry(t), opts)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return p
}

func TestCSVLoader_HappyPath(t *testing.T) {
	loader, ok := LoaderFor("csv")
	if !ok {
		t.Fatal("csv loader not registered")
	}
	result, err := loader.Load(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(result.Rows))
	}

	row := result.Rows[0]
	if row.Title != "NVIDIA RTX A6000 48GB" {
		t.Errorf("title = %q", row.Title)
	}
	if row.Price != 320000 {
		t.Errorf("price = %d cents, want 320000", row.Price)
	}
	if row.Condition != models.ConditionUsed {
		t.Errorf("condition = %q", row.Condition)
	}

	// Optional fields default when blank.
	if result.Rows[1].GeographicRegion != "USA" {
		t.Errorf("region default = %q, want USA", result.Rows[1].GeographicRegion)
	}
	if result.Rows[1].ListingAge != "Current" {
		t.Errorf("listing_age default = %q, want Current", result.Rows[1].ListingAge)
	}
}

func TestCSVLoader_MissingRequiredColumn(t *testing.T) {
	loader, _ := LoaderFor("csv")
	_, err := loader.Load(strings.NewReader("title,price\nRTX 4090,1600\n"))
	if err == nil {
		t.Fatal("Expected SchemaError for missing columns")
	}
	if models.KindOf(err) != models.KindSchema {
		t.Errorf("kind = %s, want SchemaError", models.KindOf(err))
	}
}

func TestCSVLoader_UnknownColumnWarns(t *testing.T) {
	csv := `title,price,quantity,seller,source_url,source_type,condition,shipping_speed
RTX 4090,1600.00,1,s,https://example.com/x,ebay,New,fast
`
	loader, _ := LoaderFor("csv")
	result, err := loader.Load(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	found := false
	for _, w := range result.Warnings {
		if w.Code == "unknown_column" && strings.Contains(w.Detail, "shipping_speed") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected unknown_column warning, got %v", result.Warnings)
	}
}

func TestCSVLoader_BadRowCarriesIndex(t *testing.T) {
	csv := `title,price,quantity,seller,source_url,source_type,condition
RTX 4090,1600.00,1,s,https://example.com/a,ebay,New
RTX 4090,not-a-price,1,s,https://example.com/b,ebay,New
`
	loader, _ := LoaderFor("csv")
	_, err := loader.Load(strings.NewReader(csv))
	if err == nil {
		t.Fatal("Expected row error")
	}
	se := models.AsError(err)
	if se.Kind != models.KindValidation {
		t.Errorf("kind = %s, want ValidationError", se.Kind)
	}
	if se.RowIndex != 1 {
		t.Errorf("row_index = %d, want 1", se.RowIndex)
	}
}

func TestJSONLoader(t *testing.T) {
	payload := `[{"title":"NVIDIA L40S","price":6500,"quantity":1,"seller":"dc","source_url":"https://example.com/l40s","source_type":"broker","condition":"New"}]`
	loader, ok := LoaderFor("json")
	if !ok {
		t.Fatal("json loader not registered")
	}
	result, err := loader.Load(strings.NewReader(payload))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0].GeographicRegion != "USA" {
		t.Fatalf("unexpected rows: %+v", result.Rows)
	}

	// Unknown fields are a schema defect, not silently dropped.
	_, err = loader.Load(strings.NewReader(`[{"title":"x","shipping":"fast"}]`))
	if models.KindOf(err) != models.KindSchema {
		t.Errorf("kind = %s, want SchemaError", models.KindOf(err))
	}
}

func TestPipeline_RunEndToEnd(t *testing.T) {
	p := mustPipeline(t, Options{Strategies: []string{"quantization_capacity"}})

	rows := []models.RawListing{
		{Title: "NVIDIA RTX A6000 48GB", Price: 320000, Quantity: 1, Seller: "s",
			SourceURL: "https://example.com/a6000", SourceType: "csv", Condition: models.ConditionUsed,
			GeographicRegion: "USA", ListingAge: "Current"},
		{Title: "Intel Arc A770 16GB", Price: 25000, Quantity: 1, Seller: "s",
			SourceURL: "https://example.com/arc", SourceType: "csv", Condition: models.ConditionNew,
			GeographicRegion: "USA", ListingAge: "Current"},
	}

	scored, err := p.Run(context.Background(), rows, "balanced")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(scored) != 2 {
		t.Fatalf("rows = %d, want 2", len(scored))
	}

	a6000 := scored[0]
	if a6000.CanonicalModel != "RTX_A6000" {
		t.Errorf("row 0 canonical = %q, want RTX_A6000", a6000.CanonicalModel)
	}
	if a6000.Spec == nil || a6000.Spec.VRAMGB != 48 {
		t.Errorf("row 0 spec not joined: %+v", a6000.Spec)
	}
	if a6000.Quantization == nil || a6000.Quantization.Size13B != 7 {
		t.Errorf("row 0 quantization = %+v, want 13b=7", a6000.Quantization)
	}
	if a6000.Score <= 0.0 {
		t.Errorf("row 0 score = %v, want > 0", a6000.Score)
	}

	arc := scored[1]
	if arc.CanonicalModel != models.CanonicalUnknown {
		t.Errorf("row 1 canonical = %q, want UNKNOWN", arc.CanonicalModel)
	}
	if arc.Spec != nil {
		t.Errorf("row 1 has spec for UNKNOWN")
	}
	if arc.Score != 0.0 {
		t.Errorf("row 1 score = %v, want 0", arc.Score)
	}
}

func TestPipeline_RunSource(t *testing.T) {
	p := mustPipeline(t, Options{})

	scored, _, err := p.RunSource(context.Background(), "csv", strings.NewReader(sampleCSV), "")
	if err != nil {
		t.Fatalf("RunSource: %v", err)
	}
	if len(scored) != 2 {
		t.Fatalf("rows = %d, want 2", len(scored))
	}

	_, _, err = p.RunSource(context.Background(), "parquet", strings.NewReader(""), "")
	if models.KindOf(err) != models.KindSchema {
		t.Errorf("unknown source type kind = %s, want SchemaError", models.KindOf(err))
	}

	_, _, err = p.RunSource(context.Background(), "csv",
		strings.NewReader("title,price,quantity,seller,source_url,source_type,condition\n"), "")
	if models.KindOf(err) != models.KindValidation {
		t.Errorf("empty batch kind = %s, want ValidationError", models.KindOf(err))
	}
}

func TestPipeline_CancelledRunIsUnavailable(t *testing.T) {
	p := mustPipeline(t, Options{})

	rows := []models.RawListing{
		{Title: "NVIDIA RTX A6000 48GB", Price: 320000, Quantity: 1, Seller: "s",
			SourceURL: "https://example.com/a6000", SourceType: "csv", Condition: models.ConditionUsed,
			GeographicRegion: "USA", ListingAge: "Current"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Cancellation and deadline expiry are availability failures (503), not
	// internal errors.
	_, err := p.Run(ctx, rows, "balanced")
	if err == nil {
		t.Fatal("Run succeeded with a cancelled context")
	}
	if models.KindOf(err) != models.KindUnavailable {
		t.Errorf("kind = %s, want ServiceUnavailable", models.KindOf(err))
	}

	expired, cancel2 := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel2()
	_, err = p.Run(expired, rows, "balanced")
	if models.KindOf(err) != models.KindUnavailable {
		t.Errorf("expired deadline kind = %s, want ServiceUnavailable", models.KindOf(err))
	}
}

func TestPipeline_UnknownStrategyRejected(t *testing.T) {
	_, err := New(mustRegistry(t), Options{Strategies: []string{"vibes"}})
	if models.KindOf(err) != models.KindConfig {
		t.Errorf("kind = %s, want ConfigError", models.KindOf(err))
	}
}

func TestScoredCSVRoundTrip(t *testing.T) {
	p := mustPipeline(t, Options{Strategies: []string{"quantization_capacity"}})
	scored, _, err := p.RunSource(context.Background(), "csv", strings.NewReader(sampleCSV), "balanced")
	if err != nil {
		t.Fatalf("RunSource: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteScoredCSV(&buf, scored); err != nil {
		t.Fatalf("WriteScoredCSV: %v", err)
	}

	back, err := ReadScoredCSV(&buf)
	if err != nil {
		t.Fatalf("ReadScoredCSV: %v", err)
	}
	if len(back) != len(scored) {
		t.Fatalf("rows = %d, want %d", len(back), len(scored))
	}
	for i := range back {
		if back[i].CanonicalModel != scored[i].CanonicalModel {
			t.Errorf("row %d canonical = %q, want %q", i, back[i].CanonicalModel, scored[i].CanonicalModel)
		}
		if back[i].Score != scored[i].Score {
			t.Errorf("row %d score = %v, want %v", i, back[i].Score, scored[i].Score)
		}
		if back[i].Price != scored[i].Price {
			t.Errorf("row %d price = %v, want %v", i, back[i].Price, scored[i].Price)
		}
	}
	if back[0].Quantization == nil || back[0].Quantization.Size7B != scored[0].Quantization.Size7B {
		t.Errorf("quantization lost in round trip")
	}
}

func TestReadScoredJSON_Validation(t *testing.T) {
	good := `[{"title":"RTX A6000","price":3200,"quantity":1,"seller":"s","source_url":"https://example.com/a","source_type":"csv","condition":"Used","canonical_model":"RTX_A6000","match_type":"exact","match_score":1.0,"score":55.0}]`
	rows, err := ReadScoredJSON(strings.NewReader(good))
	if err != nil {
		t.Fatalf("ReadScoredJSON: %v", err)
	}
	if len(rows) != 1 || rows[0].CanonicalModel != "RTX_A6000" {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	bad := `[{"title":"RTX A6000","price":3200,"source_url":"https://example.com/a","canonical_model":"RTX_A6000","match_type":"exact","match_score":1.0,"score":250.0}]`
	_, err = ReadScoredJSON(strings.NewReader(bad))
	se := models.AsError(err)
	if se == nil || se.Kind != models.KindValidation || se.RowIndex != 0 {
		t.Errorf("out-of-range score: got %v", err)
	}
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	if s := tr.Snapshot(); s.Active || s.Stage != StageIdle {
		t.Fatalf("fresh tracker = %+v", s)
	}

	tr.Begin(10)
	tr.SetStage(StageNormalizing)
	tr.Advance(10)
	s := tr.Snapshot()
	if !s.Active || s.Stage != StageNormalizing || s.ProcessedRows != 10 || s.TotalRows != 10 {
		t.Errorf("mid-run snapshot = %+v", s)
	}

	tr.Finish()
	s = tr.Snapshot()
	if s.Active || s.Stage != StageIdle || s.CompletedRuns != 1 {
		t.Errorf("post-run snapshot = %+v", s)
	}
}
