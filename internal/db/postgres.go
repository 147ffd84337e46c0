package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gpuradar/listings-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside runtime images that do not carry internal/db/schema.sql.
//
//go:embed schema.sql
var schemaSQL string

// SchemaVersion is the version this binary writes and reads.
const SchemaVersion = 1

// supportedSchemaVersions lists the on-disk versions this binary can read.
// Minor additive versions stay readable; a major break drops old entries.
var supportedSchemaVersions = map[int]bool{1: true}

// SupportedSchemaVersions returns the readable versions, for the API.
func SupportedSchemaVersions() []int {
	out := make([]int, 0, len(supportedSchemaVersions))
	for v := range supportedSchemaVersions {
		out = append(out, v)
	}
	return out
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("[DB] Connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL, verifies the recorded
// schema version is one this binary can read, and stamps the current
// version on a fresh database.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return models.WrapStore(err, "failed to execute schema migrations")
	}

	var version int
	err := s.pool.QueryRow(ctx, `SELECT version FROM schema_meta`).Scan(&version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO schema_meta (version) VALUES ($1)`, SchemaVersion); err != nil {
			return models.WrapStore(err, "failed to stamp schema version")
		}
		version = SchemaVersion
	case err != nil:
		return models.WrapStore(err, "failed to read schema version")
	}

	if !supportedSchemaVersions[version] {
		return models.E(models.KindUnsupportedSchema,
			"database schema version %d is not readable by this binary (supports %v)",
			version, SupportedSchemaVersions())
	}

	log.Printf("[DB] Listings schema initialized (version %d)", version)
	return nil
}

// RefreshSpecCache upserts the registry's spec table into gpu_specs so SQL
// consumers can join without the embedded YAML.
func (s *PostgresStore) RefreshSpecCache(ctx context.Context, specs []models.GPUSpec) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr(err, "failed to begin spec cache refresh")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, spec := range specs {
		raw, err := json.Marshal(spec)
		if err != nil {
			return models.WrapStore(err, "failed to encode spec "+spec.CanonicalName)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO gpu_specs (canonical_name, spec, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (canonical_name) DO UPDATE
			SET spec = EXCLUDED.spec, updated_at = NOW();
		`, spec.CanonicalName, raw)
		if err != nil {
			return models.WrapStore(err, "failed to upsert spec "+spec.CanonicalName)
		}
	}
	return tx.Commit(ctx)
}

// InsertOptions controls InsertBatch behavior.
type InsertOptions struct {
	// ImportID pins the batch identity (for pipeline-produced artifacts that
	// already carry one). Empty means allocate a fresh UUID.
	ImportID string
	// Replace deletes an existing import with the same id before inserting.
	// Off by default: re-submitting a batch is DuplicateImport.
	Replace bool
}

// InsertBatch persists a scored batch atomically: the imports row, every
// scored listing keyed by (import_id, import_index), a snapshot per row,
// and a delta wherever a prior snapshot exists for the source_url. Any row
// failure aborts the whole transaction. Returns the computed deltas so the
// caller can broadcast significant ones.
func (s *PostgresStore) InsertBatch(ctx context.Context, rows []models.ScoredListing, sourceLabel string, opts InsertOptions) (*models.ImportResult, []models.ListingDelta, error) {
	if len(rows) == 0 {
		return nil, nil, models.E(models.KindValidation, "batch contains no rows")
	}

	importID := opts.ImportID
	if importID == "" {
		importID = uuid.NewString()
	} else if _, err := uuid.Parse(importID); err != nil {
		return nil, nil, models.E(models.KindValidation, "import_id %q is not a UUID", importID)
	}
	seenAt := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, storeErr(err, "failed to begin import transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM imports WHERE import_id = $1)`, importID).Scan(&exists); err != nil {
		return nil, nil, models.WrapStore(err, "failed to check import existence")
	}
	if exists {
		if !opts.Replace {
			return nil, nil, models.E(models.KindDuplicateImport, "import %s already exists", importID)
		}
		// Cascades to scored_listings, snapshots and deltas of the old run.
		if _, err := tx.Exec(ctx, `DELETE FROM imports WHERE import_id = $1`, importID); err != nil {
			return nil, nil, models.WrapStore(err, "failed to replace import "+importID)
		}
	}

	result := &models.ImportResult{
		ImportID:    importID,
		RecordCount: len(rows),
		FirstModel:  rows[0].CanonicalModel,
		LastModel:   rows[len(rows)-1].CanonicalModel,
		Timestamp:   seenAt,
		Warnings:    []models.Warning{},
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO imports (import_id, ts, record_count, source_label, first_model, last_model)
		VALUES ($1, $2, $3, $4, $5, $6);
	`, importID, seenAt, len(rows), sourceLabel, result.FirstModel, result.LastModel)
	if err != nil {
		return nil, nil, models.WrapStore(err, "failed to insert imports row")
	}

	var deltas []models.ListingDelta
	for i := range rows {
		row := rows[i]
		row.ImportID = importID
		row.ImportIndex = i
		if row.SeenAt.IsZero() {
			row.SeenAt = seenAt
		}

		if err := insertListing(ctx, tx, row); err != nil {
			return nil, nil, err
		}

		delta, err := snapshotAndDelta(ctx, tx, row)
		if err != nil {
			return nil, nil, err
		}
		if delta != nil {
			deltas = append(deltas, *delta)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, storeErr(err, "failed to commit import "+importID)
	}

	log.Printf("[DB] Import %s committed: %d rows, %d deltas", importID, len(rows), len(deltas))
	return result, deltas, nil
}

func insertListing(ctx context.Context, tx pgx.Tx, row models.ScoredListing) error {
	spec, err := jsonbOrNil(row.Spec)
	if err != nil {
		return models.RowError(row.ImportIndex, "failed to encode spec: %v", err)
	}
	quant, err := jsonbOrNil(row.Quantization)
	if err != nil {
		return models.RowError(row.ImportIndex, "failed to encode quantization: %v", err)
	}
	attrs, err := jsonbOrNil(row.Attributes)
	if err != nil {
		return models.RowError(row.ImportIndex, "failed to encode attributes: %v", err)
	}
	warns, err := jsonbOrNil(row.Warnings)
	if err != nil {
		return models.RowError(row.ImportIndex, "failed to encode warnings: %v", err)
	}
	components, err := jsonbOrNil(row.ScoreComponents)
	if err != nil {
		return models.RowError(row.ImportIndex, "failed to encode score components: %v", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO scored_listings
			(import_id, import_index, title, price_cents, quantity, seller,
			 source_url, source_type, condition, bulk_notes, geographic_region,
			 listing_age, model_hint, canonical_model, match_type, match_score,
			 match_notes, ml_is_gpu, ml_score, spec, quantization, attributes,
			 warnings, score, score_components, seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			 $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26);
	`,
		row.ImportID, row.ImportIndex, row.Title, int64(row.Price), row.Quantity,
		row.Seller, row.SourceURL, row.SourceType, string(row.Condition),
		row.BulkNotes, row.GeographicRegion, row.ListingAge, row.ModelHint,
		row.CanonicalModel, string(row.MatchType), row.MatchScore, row.MatchNotes,
		row.MLIsGPU, row.MLScore, spec, quant, attrs, warns,
		row.Score, components, row.SeenAt,
	)
	if err != nil {
		return models.WrapStore(err, fmt.Sprintf("failed to insert listing row %d", row.ImportIndex))
	}
	return nil
}

// snapshotAndDelta records the row's current state and, when a prior
// snapshot of the same source_url exists, the change against it.
func snapshotAndDelta(ctx context.Context, tx pgx.Tx, row models.ScoredListing) (*models.ListingDelta, error) {
	var (
		prevID    int64
		prevPrice int64
		prevScore float64
	)
	hasPrev := true
	err := tx.QueryRow(ctx, `
		SELECT id, price_cents, score
		FROM listing_snapshots
		WHERE source_url = $1
		ORDER BY seen_at DESC, id DESC
		LIMIT 1;
	`, row.SourceURL).Scan(&prevID, &prevPrice, &prevScore)
	if errors.Is(err, pgx.ErrNoRows) {
		hasPrev = false
	} else if err != nil {
		return nil, models.WrapStore(err, "failed to look up prior snapshot for "+row.SourceURL)
	}

	quant, err := jsonbOrNil(row.Quantization)
	if err != nil {
		return nil, models.RowError(row.ImportIndex, "failed to encode quantization: %v", err)
	}

	var currID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO listing_snapshots
			(source_url, canonical_model, price_cents, score, quantization,
			 seen_at, seller, region, import_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id;
	`, row.SourceURL, row.CanonicalModel, int64(row.Price), row.Score, quant,
		row.SeenAt, row.Seller, row.GeographicRegion, row.ImportID).Scan(&currID)
	if err != nil {
		return nil, models.WrapStore(err, "failed to insert snapshot for "+row.SourceURL)
	}

	if !hasPrev {
		return nil, nil
	}

	delta := models.ListingDelta{
		SourceURL:      row.SourceURL,
		CanonicalModel: row.CanonicalModel,
		Region:         row.GeographicRegion,
		PrevSnapshotID: prevID,
		CurrSnapshotID: currID,
		PriceDelta:     row.Price - models.USD(prevPrice),
		ScoreDelta:     row.Score - prevScore,
		Timestamp:      row.SeenAt,
	}
	if prevPrice > 0 {
		delta.PriceDeltaPct = float64(int64(row.Price)-prevPrice) / float64(prevPrice) * 100.0
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO listing_deltas
			(source_url, canonical_model, region, prev_snapshot_id,
			 curr_snapshot_id, price_delta_cents, price_delta_pct, score_delta, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id;
	`, delta.SourceURL, delta.CanonicalModel, delta.Region, delta.PrevSnapshotID,
		delta.CurrSnapshotID, int64(delta.PriceDelta), delta.PriceDeltaPct,
		delta.ScoreDelta, delta.Timestamp).Scan(&delta.ID)
	if err != nil {
		return nil, models.WrapStore(err, "failed to insert delta for "+row.SourceURL)
	}
	return &delta, nil
}

// ListingFilter selects scored listings. Zero values mean "no constraint".
type ListingFilter struct {
	Canonical       string // exact, case-insensitive
	CanonicalPrefix string // prefix, case-insensitive
	MinPrice        *models.USD
	MaxPrice        *models.USD
	MinScore        *float64
	Region          string
	After           *time.Time
	ImportID        string
	Limit           int
	Offset          int
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// clampPage normalizes pagination inputs: limit defaults to 100 and caps at
// 1000, negative offsets read as 0.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// QueryListings returns scored listings matching the filter, ordered by
// score DESC, seen_at DESC, (import_id, import_index) ASC. Limit and Offset
// page through that total order, so query(L,0)+query(L,L) covers the same
// rows as query(2L,0) when the data is unchanged between calls.
func (s *PostgresStore) QueryListings(ctx context.Context, f ListingFilter) ([]models.ScoredListing, error) {
	limit, offset := clampPage(f.Limit, f.Offset)

	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Canonical != "" {
		where = append(where, "LOWER(canonical_model) = LOWER("+arg(f.Canonical)+")")
	}
	if f.CanonicalPrefix != "" {
		where = append(where, "LOWER(canonical_model) LIKE LOWER("+arg(likePrefix(f.CanonicalPrefix))+")")
	}
	if f.MinPrice != nil {
		where = append(where, "price_cents >= "+arg(int64(*f.MinPrice)))
	}
	if f.MaxPrice != nil {
		where = append(where, "price_cents <= "+arg(int64(*f.MaxPrice)))
	}
	if f.MinScore != nil {
		where = append(where, "score >= "+arg(*f.MinScore))
	}
	if f.Region != "" {
		where = append(where, "geographic_region = "+arg(f.Region))
	}
	if f.After != nil {
		where = append(where, "seen_at > "+arg(*f.After))
	}
	if f.ImportID != "" {
		if _, err := uuid.Parse(f.ImportID); err != nil {
			return nil, models.E(models.KindValidation, "import_id %q is not a UUID", f.ImportID)
		}
		where = append(where, "import_id = "+arg(f.ImportID))
	}

	sql := `
		SELECT import_id, import_index, title, price_cents, quantity, seller,
		       source_url, source_type, condition, bulk_notes, geographic_region,
		       listing_age, model_hint, canonical_model, match_type, match_score,
		       match_notes, ml_is_gpu, ml_score, spec, quantization, attributes,
		       warnings, score, score_components, seen_at
		FROM scored_listings`
	if len(where) > 0 {
		sql += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	sql += "\n\t\tORDER BY score DESC, seen_at DESC, import_id ASC, import_index ASC\n\t\tLIMIT " + arg(limit) + " OFFSET " + arg(offset)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, storeErr(err, "listing query failed")
	}
	defer rows.Close()

	out := make([]models.ScoredListing, 0)
	for rows.Next() {
		row, err := scanListing(rows)
		if err != nil {
			return nil, models.WrapStore(err, "failed to scan listing row")
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, storeErr(rows.Err(), "listing query failed")
	}
	return out, nil
}

func scanListing(rows pgx.Rows) (models.ScoredListing, error) {
	var (
		row                              models.ScoredListing
		condition, matchType             string
		spec, quant, attrs, warns, comps []byte
	)
	err := rows.Scan(
		&row.ImportID, &row.ImportIndex, &row.Title, &row.Price, &row.Quantity,
		&row.Seller, &row.SourceURL, &row.SourceType, &condition, &row.BulkNotes,
		&row.GeographicRegion, &row.ListingAge, &row.ModelHint,
		&row.CanonicalModel, &matchType, &row.MatchScore, &row.MatchNotes,
		&row.MLIsGPU, &row.MLScore, &spec, &quant, &attrs, &warns,
		&row.Score, &comps, &row.SeenAt,
	)
	if err != nil {
		return row, err
	}
	row.Condition = models.Condition(condition)
	row.MatchType = models.MatchType(matchType)

	if err := decodeJSONB(spec, &row.Spec); err != nil {
		return row, err
	}
	if err := decodeJSONB(quant, &row.Quantization); err != nil {
		return row, err
	}
	if err := decodeJSONB(attrs, &row.Attributes); err != nil {
		return row, err
	}
	if err := decodeJSONB(warns, &row.Warnings); err != nil {
		return row, err
	}
	if err := decodeJSONB(comps, &row.ScoreComponents); err != nil {
		return row, err
	}
	return row, nil
}

// DeltaFilter selects change records. Zero values mean "no constraint".
type DeltaFilter struct {
	Canonical string
	MinAbsPct float64 // minimum |price_delta_pct|
	After     *time.Time
	Region    string
	Limit     int
}

// QueryDeltas returns change records matching the filter, newest first.
func (s *PostgresStore) QueryDeltas(ctx context.Context, f DeltaFilter) ([]models.ListingDelta, error) {
	limit, _ := clampPage(f.Limit, 0)

	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Canonical != "" {
		where = append(where, "LOWER(canonical_model) = LOWER("+arg(f.Canonical)+")")
	}
	if f.MinAbsPct > 0 {
		where = append(where, "ABS(price_delta_pct) >= "+arg(f.MinAbsPct))
	}
	if f.After != nil {
		where = append(where, "ts > "+arg(*f.After))
	}
	if f.Region != "" {
		where = append(where, "region = "+arg(f.Region))
	}

	sql := `
		SELECT id, source_url, canonical_model, region, prev_snapshot_id,
		       curr_snapshot_id, price_delta_cents, price_delta_pct, score_delta, ts
		FROM listing_deltas`
	if len(where) > 0 {
		sql += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	sql += "\n\t\tORDER BY ts DESC, id DESC\n\t\tLIMIT " + arg(limit)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, storeErr(err, "delta query failed")
	}
	defer rows.Close()

	out := make([]models.ListingDelta, 0)
	for rows.Next() {
		var d models.ListingDelta
		var priceDelta int64
		err := rows.Scan(&d.ID, &d.SourceURL, &d.CanonicalModel, &d.Region,
			&d.PrevSnapshotID, &d.CurrSnapshotID, &priceDelta, &d.PriceDeltaPct,
			&d.ScoreDelta, &d.Timestamp)
		if err != nil {
			return nil, models.WrapStore(err, "failed to scan delta row")
		}
		d.PriceDelta = models.USD(priceDelta)
		out = append(out, d)
	}
	if rows.Err() != nil {
		return nil, storeErr(rows.Err(), "delta query failed")
	}
	return out, nil
}

// ListImports returns recent imports, newest first.
func (s *PostgresStore) ListImports(ctx context.Context, limit int) ([]models.Import, error) {
	if limit <= 0 || limit > maxQueryLimit {
		limit = defaultQueryLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT import_id, ts, record_count, source_label, first_model, last_model
		FROM imports
		ORDER BY ts DESC
		LIMIT $1;
	`, limit)
	if err != nil {
		return nil, storeErr(err, "import query failed")
	}
	defer rows.Close()

	out := make([]models.Import, 0)
	for rows.Next() {
		var imp models.Import
		if err := rows.Scan(&imp.ImportID, &imp.Timestamp, &imp.RecordCount,
			&imp.SourceLabel, &imp.FirstModel, &imp.LastModel); err != nil {
			return nil, models.WrapStore(err, "failed to scan import row")
		}
		out = append(out, imp)
	}
	if rows.Err() != nil {
		return nil, storeErr(rows.Err(), "import query failed")
	}
	return out, nil
}

// GetPool exposes the connection pool for subsystems needing raw access.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}

func jsonbOrNil(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case *models.GPUSpec:
		if t == nil {
			return nil, nil
		}
	case *models.QuantizationCapacity:
		if t == nil {
			return nil, nil
		}
	case []models.HeuristicAttr:
		if len(t) == 0 {
			return nil, nil
		}
	case []models.Warning:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]float64:
		if len(t) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func decodeJSONB(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func likePrefix(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}

// storeErr maps a database fault to the right kind: pool/deadline pressure
// is ServiceUnavailable (retryable), everything else StoreError.
func storeErr(err error, msg string) *models.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		e := models.E(models.KindUnavailable, "%s: connection pool exhausted or deadline exceeded", msg)
		e.Details = err.Error()
		return e
	}
	return models.WrapStore(err, msg)
}
