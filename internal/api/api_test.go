package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/gpuradar/listings-engine/internal/pipeline"
	"github.com/gpuradar/listings-engine/internal/registry"
	"github.com/gpuradar/listings-engine/pkg/models"
)

func testRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg, err := registry.Load()
	if err != nil {
		t.Fatalf("registry.Load: %v", err)
	}
	pl, err := pipeline.New(reg, pipeline.Options{})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	// nil store: endpoints needing the database answer ServiceUnavailable.
	return SetupRouter(reg, nil, pl, NewHub())
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body *bytes.Buffer, contentType string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var payload map[string]interface{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
			t.Fatalf("%s %s: non-JSON body %q", method, path, w.Body.String())
		}
	}
	return w, payload
}

func TestHealth(t *testing.T) {
	r := testRouter(t)
	w, body := doJSON(t, r, "GET", "/api/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["status"] != "operational" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["schema_version"] != "1" {
		t.Errorf("schema_version = %v", body["schema_version"])
	}
	if body["db_connected"] != false {
		t.Errorf("db_connected = %v, want false with nil store", body["db_connected"])
	}
}

func TestModels(t *testing.T) {
	r := testRouter(t)
	w, body := doJSON(t, r, "GET", "/api/models", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	modelsList, ok := body["models"].([]interface{})
	if !ok || len(modelsList) == 0 {
		t.Fatalf("models = %v", body["models"])
	}
	first := modelsList[0].(map[string]interface{})
	if first["canonical_name"] == "" {
		t.Errorf("first model missing canonical_name: %v", first)
	}
}

func TestSchemaVersions(t *testing.T) {
	r := testRouter(t)
	w, body := doJSON(t, r, "GET", "/api/schema/versions", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["current"] != float64(1) {
		t.Errorf("current = %v", body["current"])
	}
}

func TestImportProgress(t *testing.T) {
	r := testRouter(t)
	w, body := doJSON(t, r, "GET", "/api/imports/progress", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	progress, ok := body["progress"].(map[string]interface{})
	if !ok {
		t.Fatalf("progress = %v", body["progress"])
	}
	if progress["stage"] != "idle" {
		t.Errorf("stage = %v, want idle", progress["stage"])
	}
}

func TestListings_NoDatabase(t *testing.T) {
	r := testRouter(t)
	w, body := doJSON(t, r, "GET", "/api/listings", nil, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if body["kind"] != string(models.KindUnavailable) {
		t.Errorf("kind = %v", body["kind"])
	}
}

func TestDeltas_NoDatabase(t *testing.T) {
	r := testRouter(t)
	w, body := doJSON(t, r, "GET", "/api/forecast/deltas", nil, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	_ = body
}

func TestListings_BadFilterIs400(t *testing.T) {
	r := testRouter(t)
	// Malformed filter values fail before the store is consulted, so the
	// answer is 400 even with no database attached. 422 stays reserved for
	// ingest row failures.
	cases := []string{
		"/api/listings?min_price=abc",
		"/api/listings?max_price=$$",
		"/api/listings?min_score=high",
		"/api/listings?after=yesterday",
		"/api/listings?limit=0",
		"/api/listings?limit=ten",
		"/api/listings?offset=-1",
		"/api/listings?offset=x",
	}
	for _, path := range cases {
		w, body := doJSON(t, r, "GET", path, nil, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, w.Code)
			continue
		}
		if body["kind"] != string(models.KindSchema) {
			t.Errorf("%s: kind = %v, want %s", path, body["kind"], models.KindSchema)
		}
	}
}

func TestListings_ValidOffsetParses(t *testing.T) {
	r := testRouter(t)
	// A well-formed page request clears the filter stage; with a nil store
	// the handler then reports 503 rather than a parse error.
	w, body := doJSON(t, r, "GET", "/api/listings?limit=50&offset=100", nil, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if body["kind"] != string(models.KindUnavailable) {
		t.Errorf("kind = %v", body["kind"])
	}
}

func TestDeltas_BadFilterIs400(t *testing.T) {
	r := testRouter(t)
	for _, path := range []string{
		"/api/forecast/deltas?after=yesterday",
		"/api/forecast/deltas?min_abs_price_delta_pct=lots",
		"/api/forecast/deltas?min_abs_price_delta_pct=-5",
		"/api/forecast/deltas?min_abs_pct=lots",
	} {
		w, body := doJSON(t, r, "GET", path, nil, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, w.Code)
			continue
		}
		if body["kind"] != string(models.KindSchema) {
			t.Errorf("%s: kind = %v", path, body["kind"])
		}
	}
}

func TestDeltas_MagnitudeParamSpellings(t *testing.T) {
	r := testRouter(t)
	// Both the full name and the short alias parse; reaching the 503 from
	// the nil store proves the filter stage accepted them.
	for _, path := range []string{
		"/api/forecast/deltas?min_abs_price_delta_pct=12.5",
		"/api/forecast/deltas?min_abs_pct=12.5",
	} {
		w, _ := doJSON(t, r, "GET", path, nil, "")
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", path, w.Code)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	cases := map[models.Kind]int{
		models.KindSchema:            http.StatusBadRequest,
		models.KindUnknownPreset:     http.StatusBadRequest,
		models.KindUnsupportedSchema: http.StatusBadRequest,
		models.KindValidation:        http.StatusUnprocessableEntity,
		models.KindDuplicateImport:   http.StatusConflict,
		models.KindStore:             http.StatusServiceUnavailable,
		models.KindUnavailable:       http.StatusServiceUnavailable,
		models.KindInternal:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusFor(kind); got != want {
			t.Errorf("statusFor(%s) = %d, want %d", kind, got, want)
		}
	}
}

func multipartCSV(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUploadArtifact_ValidCSV(t *testing.T) {
	r := testRouter(t)
	csv := "title,price,quantity,seller,source_url,source_type,condition\n" +
		"RTX 4090,1600.00,1,s,https://example.com/x,ebay,New\n"
	body, contentType := multipartCSV(t, "file", "batch.csv", csv)

	w, payload := doJSON(t, r, "POST", "/api/ingest/upload-artifact", body, contentType)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if payload["valid"] != true {
		t.Errorf("valid = %v, payload %v", payload["valid"], payload)
	}
	if payload["rows"] != float64(1) {
		t.Errorf("rows = %v", payload["rows"])
	}
	if payload["type"] != "csv" {
		t.Errorf("type = %v", payload["type"])
	}
	if _, saved := payload["saved_path"]; saved {
		t.Errorf("saved_path present without save=true")
	}
}

func TestUploadArtifact_InvalidRowReported(t *testing.T) {
	r := testRouter(t)
	csv := "title,price,quantity,seller,source_url,source_type,condition\n" +
		"RTX 4090,not-a-price,1,s,https://example.com/x,ebay,New\n"
	body, contentType := multipartCSV(t, "file", "batch.csv", csv)

	w, payload := doJSON(t, r, "POST", "/api/ingest/upload-artifact", body, contentType)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if payload["valid"] != false {
		t.Fatalf("valid = %v", payload["valid"])
	}
	errs, ok := payload["errors"].([]interface{})
	if !ok || len(errs) != 1 {
		t.Fatalf("errors = %v", payload["errors"])
	}
	entry := errs[0].(map[string]interface{})
	if entry["kind"] != string(models.KindValidation) {
		t.Errorf("error kind = %v", entry["kind"])
	}
	if entry["row_index"] != float64(0) {
		t.Errorf("row_index = %v", entry["row_index"])
	}
}

func TestImportCSV_MissingFile(t *testing.T) {
	r := testRouter(t)
	w, body := doJSON(t, r, "POST", "/api/imports/csv", bytes.NewBufferString(""), "multipart/form-data")
	// nil store short-circuits before the multipart parse.
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	_ = body
}

func TestAuthMiddleware_TokenRequired(t *testing.T) {
	t.Setenv("API_AUTH_TOKEN", "s3cret")
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", AuthMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest("GET", "/x", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no header: status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("bad token: status = %d, want 403", w.Code)
	}

	req = httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("good token: status = %d, want 200", w.Code)
	}
}

func TestRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter(60, 3)
	for i := 0; i < 3; i++ {
		if ok, _ := rl.allow("10.0.0.1"); !ok {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	ok, retryAfter := rl.allow("10.0.0.1")
	if ok {
		t.Fatal("fourth request allowed beyond burst")
	}
	if retryAfter <= 0 {
		t.Errorf("retryAfter = %v, want > 0", retryAfter)
	}

	// A different IP has its own bucket.
	if ok, _ := rl.allow("10.0.0.2"); !ok {
		t.Error("fresh IP denied")
	}
}

func TestImportFromPipeline_BadFormat(t *testing.T) {
	r := testRouter(t)
	w, _ := doJSON(t, r, "POST", "/api/imports/from-pipeline?format=xml",
		bytes.NewBufferString("<xml/>"), "application/xml")
	// nil store short-circuits to 503 before format parsing.
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	r := testRouter(t)
	req := httptest.NewRequest("OPTIONS", "/api/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 204 {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" && !strings.Contains(got, "localhost") {
		t.Errorf("Allow-Origin = %q", got)
	}
}
