package normalize

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gpuradar/listings-engine/internal/registry"
	"github.com/gpuradar/listings-engine/pkg/models"
)

// DefaultFuzzyThreshold is the minimum token-set similarity for a fuzzy
// match. Documented default; treat as configuration, not a constant — it is
// expected to be retuned as the alias corpus grows.
const DefaultFuzzyThreshold = 0.70

// Classifier is the optional ML signal contract. It annotates rows after
// deterministic resolution and never overrides an exact/regex/fuzzy match.
type Classifier interface {
	PredictIsGPU(title, notes string) (isGPU bool, score float64)
}

// Config controls resolver behavior.
type Config struct {
	FuzzyThreshold float64 // 0 means DefaultFuzzyThreshold
	Workers        int     // parallel rows per batch; 0 means 4
}

// Normalizer resolves free-text listing titles to canonical models using
// the three-stage cascade: exact alias, ordered regex patterns, token-set
// fuzzy match. Resolution is deterministic per row.
type Normalizer struct {
	reg        *registry.Registry
	cfg        Config
	classifier Classifier

	// Surface forms sorted once so fuzzy iteration order (and therefore
	// tie-breaking input order) is stable across runs.
	surfaces []string
}

// New builds a Normalizer. classifier may be nil.
func New(reg *registry.Registry, cfg Config, classifier Classifier) *Normalizer {
	if cfg.FuzzyThreshold <= 0 {
		cfg.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	aliases := reg.Aliases()
	surfaces := make([]string, 0, len(aliases))
	for surface := range aliases {
		surfaces = append(surfaces, surface)
	}
	sort.Strings(surfaces)

	return &Normalizer{reg: reg, cfg: cfg, classifier: classifier, surfaces: surfaces}
}

// Resolve assigns (canonical_model, match_type, match_score, match_notes)
// to a single raw listing. It never fails: the worst case is UNKNOWN.
func (n *Normalizer) Resolve(raw models.RawListing) models.NormalizedListing {
	out := models.NormalizedListing{RawListing: raw}

	// Source-tagged canonical hint wins when it names a registered spec.
	if raw.ModelHint != "" {
		if _, ok := n.reg.Spec(raw.ModelHint); ok {
			out.CanonicalModel = raw.ModelHint
			out.MatchType = models.MatchExact
			out.MatchScore = 1.0
			out.MatchNotes = "hint:" + raw.ModelHint
			n.annotateML(&out)
			return out
		}
		out.Warnings = append(out.Warnings,
			models.Warn("unknown_model_hint", fmt.Sprintf("model hint %q is not a registered canonical", raw.ModelHint)))
	}

	title := strings.ToLower(strings.TrimSpace(raw.Title))

	// Stage 1: exact alias.
	if canonical, ok := n.reg.Alias(title); ok {
		out.CanonicalModel = canonical
		out.MatchType = models.MatchExact
		out.MatchScore = 1.0
		out.MatchNotes = "alias:" + title
		n.annotateML(&out)
		return out
	}

	// Stage 2: ordered patterns, first match wins.
	for _, p := range n.reg.Patterns() {
		if p.Regex.MatchString(raw.Title) {
			out.CanonicalModel = p.Canonical
			out.MatchType = models.MatchRegex
			out.MatchScore = p.Confidence
			out.MatchNotes = "regex:" + p.Canonical
			n.annotateML(&out)
			return out
		}
	}

	// Stage 3: fuzzy against every known surface form.
	if canonical, score, ok := n.bestFuzzy(title); ok {
		out.CanonicalModel = canonical
		out.MatchType = models.MatchFuzzy
		out.MatchScore = score
		out.MatchNotes = fmt.Sprintf("fuzzy:'%s'→%s@%.2f", raw.Title, canonical, score)
		n.annotateML(&out)
		return out
	}

	out.CanonicalModel = models.CanonicalUnknown
	out.MatchType = models.MatchNone
	out.MatchScore = 0.0
	out.MatchNotes = "no-match"
	n.annotateML(&out)
	return out
}

// bestFuzzy scans all alias surfaces for the highest token-set similarity
// at or above the threshold. Ties prefer the canonical with higher MSRP,
// then the alphabetically first canonical.
func (n *Normalizer) bestFuzzy(title string) (canonical string, score float64, ok bool) {
	const eps = 1e-9

	best := -1.0
	var candidates []string // canonicals tied at best

	for _, s := range n.surfaces {
		sim := TokenSetRatio(title, s)
		c, _ := n.reg.Alias(s)
		switch {
		case sim > best+eps:
			best = sim
			candidates = candidates[:0]
			candidates = append(candidates, c)
		case sim > best-eps: // tie
			candidates = append(candidates, c)
		}
	}

	if best < n.cfg.FuzzyThreshold {
		return "", 0, false
	}
	// Token squashing can rate a punctuation-only variant identical to a
	// known alias. A perfect score belongs to the alias and regex stages,
	// so fuzzy similarity is capped strictly below 1.0.
	if best >= 1.0 {
		best = 0.99
	}

	return n.fuzzyWinner(candidates), best, true
}

// fuzzyWinner picks among canonicals tied on similarity: highest MSRP
// first, alphabetically first canonical on an MSRP tie. The result does
// not depend on candidate order.
func (n *Normalizer) fuzzyWinner(candidates []string) string {
	winner := candidates[0]
	for _, c := range candidates[1:] {
		if c == winner {
			continue
		}
		ws, _ := n.reg.Spec(winner)
		cs, _ := n.reg.Spec(c)
		if cs.MSRP > ws.MSRP || (cs.MSRP == ws.MSRP && c < winner) {
			winner = c
		}
	}
	return winner
}

func (n *Normalizer) annotateML(out *models.NormalizedListing) {
	if n.classifier == nil {
		return
	}
	isGPU, score := n.classifier.PredictIsGPU(out.Title, out.BulkNotes)
	out.MLIsGPU = &isGPU
	out.MLScore = &score
}

// ResolveBatch resolves rows in parallel while preserving input order in
// the output slice. Worker count is bounded by Config.Workers.
func (n *Normalizer) ResolveBatch(ctx context.Context, rows []models.RawListing) []models.NormalizedListing {
	out := make([]models.NormalizedListing, len(rows))

	workers := n.cfg.Workers
	if workers > len(rows) {
		workers = len(rows)
	}
	if workers <= 1 {
		for i, row := range rows {
			out[i] = n.Resolve(row)
		}
		return out
	}

	indices := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indices {
				out[i] = n.Resolve(rows[i])
			}
		}()
	}

feed:
	for i := range rows {
		select {
		case <-ctx.Done():
			break feed
		case indices <- i:
		}
	}
	close(indices)
	wg.Wait()
	return out
}
