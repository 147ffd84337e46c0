package api

import (
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gpuradar/listings-engine/internal/db"
	"github.com/gpuradar/listings-engine/internal/heuristics"
	"github.com/gpuradar/listings-engine/internal/pipeline"
	"github.com/gpuradar/listings-engine/internal/registry"
	"github.com/gpuradar/listings-engine/pkg/models"
)

var schemaVersionString = strconv.Itoa(db.SchemaVersion)

// significantDeltaPct is the |price change| threshold above which a delta
// is broadcast on the websocket stream.
const significantDeltaPct = 10.0

type APIHandler struct {
	reg      *registry.Registry
	store    *db.PostgresStore
	pipeline *pipeline.Pipeline
	wsHub    *Hub
}

func SetupRouter(reg *registry.Registry, store *db.PostgresStore, pl *pipeline.Pipeline, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	// CORS — configurable via ALLOWED_ORIGINS env var.
	// Production: ALLOWED_ORIGINS=https://dashboard.example.com
	// Development: leave empty for *
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{reg: reg, store: store, pipeline: pl, wsHub: wsHub}

	limiter := NewRateLimiter(ratePerMinFromEnv(), 10)

	api := r.Group("/api")
	{
		// Public endpoints: stream subscription and progress polling.
		api.GET("/stream", wsHub.Subscribe)
		api.GET("/imports/progress", handler.handleImportProgress)
		api.GET("/health", handler.handleHealth)

		protected := api.Group("")
		protected.Use(limiter.Middleware(), AuthMiddleware())
		{
			protected.GET("/models", handler.handleModels)
			protected.GET("/listings", handler.handleListings)
			protected.GET("/imports", handler.handleListImports)
			protected.GET("/forecast/deltas", handler.handleDeltas)
			protected.GET("/schema/versions", handler.handleSchemaVersions)

			protected.POST("/imports/csv", handler.handleImportCSV)
			protected.POST("/imports/from-pipeline", handler.handleImportFromPipeline)
			protected.POST("/ingest/upload-artifact", handler.handleUploadArtifact)
		}
	}

	return r
}

func ratePerMinFromEnv() int {
	if v := os.Getenv("RATE_LIMIT_PER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 60
}

// handleHealth returns engine status and capabilities for service discovery.
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "operational",
		"engine":         "GPU Listings Engine",
		"schema_version": schemaVersionString,
		"db_connected":   h.store != nil,
		"loaders":        pipeline.Loaders(),
		"strategies":     heuristics.Available(),
		"presets":        h.reg.Presets(),
	})
}

// handleModels returns every registered GPU spec, sorted by canonical name.
func (h *APIHandler) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"schema_version": schemaVersionString,
		"count":          len(h.reg.AllSpecs()),
		"models":         h.reg.AllSpecs(),
	})
}

// handleSchemaVersions reports which on-disk schema versions this binary
// writes and can read.
func (h *APIHandler) handleSchemaVersions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"schema_version": schemaVersionString,
		"current":        db.SchemaVersion,
		"supported":      db.SupportedSchemaVersions(),
	})
}

// handleImportProgress returns the pipeline progress counters.
func (h *APIHandler) handleImportProgress(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"schema_version": schemaVersionString,
		"progress":       h.pipeline.Tracker().Snapshot(),
	})
}

// handleListings serves filtered scored listings.
//
// Query params: canonical_model (exact, case-insensitive), canonical_prefix,
// min_price, max_price (USD decimals), min_score, region, after (RFC3339),
// import_id, limit (default 100, max 1000), offset (>= 0).
//
// Malformed filter values are a 400, not a 422: the 422 kind is reserved
// for rows that fail validation during ingest.
func (h *APIHandler) handleListings(c *gin.Context) {
	filter := db.ListingFilter{
		Canonical:       c.Query("canonical_model"),
		CanonicalPrefix: c.Query("canonical_prefix"),
		Region:          c.Query("region"),
		ImportID:        c.Query("import_id"),
	}

	if v := c.Query("min_price"); v != "" {
		p, err := models.ParseUSD(v)
		if err != nil {
			writeError(c, models.E(models.KindSchema, "min_price: %v", err))
			return
		}
		filter.MinPrice = &p
	}
	if v := c.Query("max_price"); v != "" {
		p, err := models.ParseUSD(v)
		if err != nil {
			writeError(c, models.E(models.KindSchema, "max_price: %v", err))
			return
		}
		filter.MaxPrice = &p
	}
	if v := c.Query("min_score"); v != "" {
		s, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(c, models.E(models.KindSchema, "min_score: invalid float %q", v))
			return
		}
		filter.MinScore = &s
	}
	if v := c.Query("after"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(c, models.E(models.KindSchema, "after: want RFC3339 timestamp, got %q", v))
			return
		}
		filter.After = &ts
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(c, models.E(models.KindSchema, "limit: invalid value %q", v))
			return
		}
		filter.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(c, models.E(models.KindSchema, "offset: invalid value %q", v))
			return
		}
		filter.Offset = n
	}

	if h.store == nil {
		writeError(c, models.E(models.KindUnavailable, "database not connected"))
		return
	}

	rows, err := h.store.QueryListings(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"schema_version": schemaVersionString,
		"count":          len(rows),
		"listings":       rows,
	})
}

// handleDeltas serves change records, newest first. The magnitude filter
// is named min_abs_price_delta_pct; min_abs_pct is kept as a short alias.
func (h *APIHandler) handleDeltas(c *gin.Context) {
	filter := db.DeltaFilter{
		Canonical: c.Query("canonical_model"),
		Region:    c.Query("region"),
	}
	minAbs, minAbsParam := c.Query("min_abs_price_delta_pct"), "min_abs_price_delta_pct"
	if minAbs == "" {
		minAbs, minAbsParam = c.Query("min_abs_pct"), "min_abs_pct"
	}
	if minAbs != "" {
		p, err := strconv.ParseFloat(minAbs, 64)
		if err != nil || p < 0 {
			writeError(c, models.E(models.KindSchema, "%s: invalid value %q", minAbsParam, minAbs))
			return
		}
		filter.MinAbsPct = p
	}
	if v := c.Query("after"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(c, models.E(models.KindSchema, "after: want RFC3339 timestamp, got %q", v))
			return
		}
		filter.After = &ts
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(c, models.E(models.KindSchema, "limit: invalid value %q", v))
			return
		}
		filter.Limit = n
	}

	if h.store == nil {
		writeError(c, models.E(models.KindUnavailable, "database not connected"))
		return
	}

	deltas, err := h.store.QueryDeltas(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"schema_version": schemaVersionString,
		"count":          len(deltas),
		"deltas":         deltas,
	})
}

// handleListImports returns recent ingest events, newest first.
func (h *APIHandler) handleListImports(c *gin.Context) {
	if h.store == nil {
		writeError(c, models.E(models.KindUnavailable, "database not connected"))
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	imports, err := h.store.ListImports(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"schema_version": schemaVersionString,
		"count":          len(imports),
		"imports":        imports,
	})
}

// handleImportCSV ingests a raw multipart CSV through the full pipeline and
// persists the scored batch atomically.
//
// Form fields: file (required), preset, source_label.
func (h *APIHandler) handleImportCSV(c *gin.Context) {
	if h.store == nil {
		writeError(c, models.E(models.KindUnavailable, "database not connected"))
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		writeError(c, models.E(models.KindValidation, "multipart field 'file' is required: %v", err))
		return
	}
	defer file.Close()

	sourceLabel := c.PostForm("source_label")
	if sourceLabel == "" {
		sourceLabel = header.Filename
	}

	scored, warnings, err := h.pipeline.RunSource(c.Request.Context(), "csv", file, c.PostForm("preset"))
	if err != nil {
		writeError(c, err)
		return
	}

	result, deltas, err := h.store.InsertBatch(c.Request.Context(), scored, sourceLabel, db.InsertOptions{})
	if err != nil {
		writeError(c, err)
		return
	}
	result.Warnings = append(result.Warnings, warnings...)

	h.broadcastImport(result, deltas)
	c.JSON(http.StatusOK, gin.H{
		"schema_version": schemaVersionString,
		"result":         result,
	})
}

// handleImportFromPipeline ingests a pre-scored artifact (CSV or JSON)
// produced by the CLI pipeline, skipping normalization and scoring.
//
// Format is taken from ?format=csv|json, defaulting by Content-Type.
// Optional: ?import_id=<uuid> pins the batch identity, ?replace=true allows
// overwriting an existing import with the same id.
func (h *APIHandler) handleImportFromPipeline(c *gin.Context) {
	if h.store == nil {
		writeError(c, models.E(models.KindUnavailable, "database not connected"))
		return
	}

	format := c.Query("format")
	if format == "" {
		if strings.Contains(c.ContentType(), "json") {
			format = "json"
		} else {
			format = "csv"
		}
	}

	var (
		rows []models.ScoredListing
		err  error
	)
	switch format {
	case "csv":
		rows, err = pipeline.ReadScoredCSV(c.Request.Body)
	case "json":
		rows, err = pipeline.ReadScoredJSON(c.Request.Body)
	default:
		writeError(c, models.E(models.KindValidation, "format %q is not one of csv/json", format))
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	opts := db.InsertOptions{
		ImportID: c.Query("import_id"),
		Replace:  c.Query("replace") == "true",
	}
	sourceLabel := c.Query("source_label")
	if sourceLabel == "" {
		sourceLabel = "pipeline-artifact"
	}

	result, deltas, err := h.store.InsertBatch(c.Request.Context(), rows, sourceLabel, opts)
	if err != nil {
		writeError(c, err)
		return
	}

	h.broadcastImport(result, deltas)
	c.JSON(http.StatusOK, gin.H{
		"schema_version": schemaVersionString,
		"result":         result,
	})
}

// handleUploadArtifact validates an artifact without persisting it. With
// ?save=true and STAGING_DIR set, the validated payload is also written to
// the staging directory for later replay.
//
// Artifact type is taken from ?type=csv|json|scored_csv|scored_json,
// defaulting to the file extension.
func (h *APIHandler) handleUploadArtifact(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		writeError(c, models.E(models.KindValidation, "multipart field 'file' is required: %v", err))
		return
	}
	defer file.Close()

	artifactType := c.Query("type")
	if artifactType == "" {
		switch strings.ToLower(filepath.Ext(header.Filename)) {
		case ".json":
			artifactType = "json"
		default:
			artifactType = "csv"
		}
	}

	rowCount, warnings, verr := validateArtifact(artifactType, file)
	body := gin.H{
		"schema_version": schemaVersionString,
		"type":           artifactType,
		"valid":          verr == nil,
		"rows":           rowCount,
		"warnings":       warnings,
	}
	if verr != nil {
		se := models.AsError(verr)
		errEntry := gin.H{"kind": string(se.Kind), "message": se.Message}
		if se.RowIndex >= 0 {
			errEntry["row_index"] = se.RowIndex
		}
		body["errors"] = []gin.H{errEntry}
		c.JSON(http.StatusOK, body)
		return
	}

	if c.Query("save") == "true" {
		savedPath, err := stageArtifact(header)
		if err != nil {
			writeError(c, err)
			return
		}
		body["saved_path"] = savedPath
	}
	c.JSON(http.StatusOK, body)
}

func validateArtifact(artifactType string, r io.Reader) (int, []models.Warning, error) {
	switch artifactType {
	case "csv", "json":
		loader, ok := pipeline.LoaderFor(artifactType)
		if !ok {
			return 0, nil, models.E(models.KindSchema, "no loader registered for %q", artifactType)
		}
		result, err := loader.Load(r)
		if err != nil {
			return 0, nil, err
		}
		return len(result.Rows), result.Warnings, nil
	case "scored_csv":
		rows, err := pipeline.ReadScoredCSV(r)
		return len(rows), nil, err
	case "scored_json":
		rows, err := pipeline.ReadScoredJSON(r)
		return len(rows), nil, err
	}
	return 0, nil, models.E(models.KindValidation, "artifact type %q is not one of csv/json/scored_csv/scored_json", artifactType)
}

// stageArtifact writes the uploaded file into STAGING_DIR under a fresh
// UUID-prefixed name to avoid collisions.
func stageArtifact(header *multipart.FileHeader) (string, error) {
	stagingDir := os.Getenv("STAGING_DIR")
	if stagingDir == "" {
		return "", models.E(models.KindValidation, "save requested but STAGING_DIR is not configured")
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", models.E(models.KindInternal, "failed to create staging dir: %v", err)
	}

	src, err := header.Open()
	if err != nil {
		return "", models.E(models.KindInternal, "failed to reopen upload: %v", err)
	}
	defer src.Close()

	savedPath := filepath.Join(stagingDir,
		fmt.Sprintf("%s-%s", uuid.NewString(), filepath.Base(header.Filename)))
	dst, err := os.Create(savedPath)
	if err != nil {
		return "", models.E(models.KindInternal, "failed to create staging file: %v", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", models.E(models.KindInternal, "failed to write staging file: %v", err)
	}
	return savedPath, nil
}

// broadcastImport pushes the import-complete alert and any significant
// price deltas onto the websocket stream.
func (h *APIHandler) broadcastImport(result *models.ImportResult, deltas []models.ListingDelta) {
	if h.wsHub == nil {
		return
	}
	h.wsHub.BroadcastImportAlert(result)
	for _, d := range deltas {
		if d.PriceDeltaPct >= significantDeltaPct || d.PriceDeltaPct <= -significantDeltaPct {
			h.wsHub.BroadcastDeltaAlert(d)
		}
	}
	log.Printf("[API] Import %s broadcast: %d rows, %d deltas", result.ImportID, result.RecordCount, len(deltas))
}
