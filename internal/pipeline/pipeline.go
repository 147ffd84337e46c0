package pipeline

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/gpuradar/listings-engine/internal/enrich"
	"github.com/gpuradar/listings-engine/internal/heuristics"
	"github.com/gpuradar/listings-engine/internal/normalize"
	"github.com/gpuradar/listings-engine/internal/registry"
	"github.com/gpuradar/listings-engine/internal/score"
	"github.com/gpuradar/listings-engine/pkg/models"
)

// DefaultDeadline bounds a full batch run. Batches are in-memory and small;
// anything slower than this indicates a stuck stage, not a big batch.
const DefaultDeadline = 10 * time.Minute

// Options configures one Pipeline instance.
type Options struct {
	FuzzyThreshold float64              // 0 means normalize.DefaultFuzzyThreshold
	Workers        int                  // normalizer parallelism, 0 means default
	Classifier     normalize.Classifier // optional ML annotator, may be nil
	Strategies     []string             // heuristic strategies to enable, may be empty
	Deadline       time.Duration        // 0 means DefaultDeadline
}

// Pipeline composes the four stages: normalize, enrich, heuristics, score.
// Every stage produces new values; input slices are never mutated, so a
// failed run leaves nothing to roll back.
type Pipeline struct {
	normalizer *normalize.Normalizer
	enricher   *enrich.Enricher
	engine     *heuristics.Engine
	scorer     *score.Scorer
	deadline   time.Duration
	tracker    *Tracker
}

// New builds a Pipeline over an immutable registry. Fails with ConfigError
// when Options names an unknown heuristic strategy or two enabled
// strategies collide on an output name.
func New(reg *registry.Registry, opts Options) (*Pipeline, error) {
	engine, err := heuristics.NewEngine(reg, opts.Strategies)
	if err != nil {
		return nil, err
	}
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Pipeline{
		normalizer: normalize.New(reg, normalize.Config{
			FuzzyThreshold: opts.FuzzyThreshold,
			Workers:        opts.Workers,
		}, opts.Classifier),
		enricher: enrich.New(reg),
		engine:   engine,
		scorer:   score.New(reg),
		deadline: deadline,
		tracker:  NewTracker(),
	}, nil
}

// Tracker exposes the pipeline's progress tracker for the API layer.
func (p *Pipeline) Tracker() *Tracker { return p.tracker }

// Run takes a validated raw batch through all four stages under the named
// preset. Row order is preserved end to end.
func (p *Pipeline) Run(ctx context.Context, rows []models.RawListing, preset string) ([]models.ScoredListing, error) {
	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	p.tracker.Begin(int64(len(rows)))
	defer p.tracker.Finish()

	start := time.Now()
	log.Printf("[Pipeline] Starting run: %d rows, preset %q", len(rows), preset)

	p.tracker.SetStage(StageNormalizing)
	normalized := p.normalizer.ResolveBatch(ctx, rows)
	if err := ctx.Err(); err != nil {
		// Deadline expiry and cancellation surface as 503, same as the
		// store layer's treatment of pool deadlines.
		return nil, models.E(models.KindUnavailable, "pipeline cancelled during normalization: %v", err)
	}
	p.tracker.Advance(int64(len(rows)))

	p.tracker.SetStage(StageEnriching)
	enriched := p.enricher.EnrichBatch(normalized)
	enriched = p.engine.ApplyBatch(enriched)

	p.tracker.SetStage(StageScoring)
	scored, err := p.scorer.ScoreBatch(enriched, preset)
	if err != nil {
		return nil, err
	}

	unknown := 0
	for _, row := range scored {
		if row.CanonicalModel == models.CanonicalUnknown {
			unknown++
		}
	}
	log.Printf("[Pipeline] Run complete: %d rows scored (%d UNKNOWN) in %s",
		len(scored), unknown, time.Since(start).Round(time.Millisecond))
	return scored, nil
}

// RunSource loads rows from a registered source format and runs them.
// Batch-level loader warnings (unknown columns, defaulted fields) are
// returned alongside the scored rows so the caller can surface them in the
// import result.
func (p *Pipeline) RunSource(ctx context.Context, sourceType string, r io.Reader, preset string) ([]models.ScoredListing, []models.Warning, error) {
	loader, ok := LoaderFor(sourceType)
	if !ok {
		return nil, nil, models.E(models.KindSchema, "no loader registered for source type %q", sourceType)
	}

	p.tracker.SetStage(StageLoading)
	result, err := loader.Load(r)
	if err != nil {
		return nil, nil, err
	}
	if len(result.Rows) == 0 {
		return nil, nil, models.E(models.KindValidation, "batch contains no rows")
	}

	scored, err := p.Run(ctx, result.Rows, preset)
	if err != nil {
		return nil, nil, err
	}
	return scored, result.Warnings, nil
}
