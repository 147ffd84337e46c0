package score

import (
	"github.com/gpuradar/listings-engine/internal/registry"
	"github.com/gpuradar/listings-engine/pkg/models"
)

// DefaultPreset is used when an ingest does not name one.
const DefaultPreset = "balanced"

// Scorer computes the weighted composite score for a batch. All min-max
// normalization is over the current batch only, so identical batches under
// the same preset produce bitwise identical scores.
type Scorer struct {
	reg *registry.Registry
}

func New(reg *registry.Registry) *Scorer {
	return &Scorer{reg: reg}
}

// bounds holds the batch min/max for one normalized metric.
type bounds struct {
	min, max float64
	seen     bool
}

func (b *bounds) observe(v float64) {
	if !b.seen || v < b.min {
		b.min = v
	}
	if !b.seen || v > b.max {
		b.max = v
	}
	b.seen = true
}

// normalize maps a raw value into [0,1] over the batch range. A degenerate
// range (single distinct value) maps to 0.5 so one-row batches still score
// mid-scale instead of pinning to an extreme.
func (b *bounds) normalize(v float64) float64 {
	if !b.seen || b.max == b.min {
		return 0.5
	}
	return (v - b.min) / (b.max - b.min)
}

// metricRaw extracts the raw (pre-normalization) value of one metric for
// one listing. ok=false means the listing lacks the fields the metric
// needs; that metric then contributes 0 with a score_partial warning.
func metricRaw(metric string, row models.EnrichedListing) (float64, bool) {
	spec := row.Spec
	if spec == nil {
		return 0, false
	}
	switch metric {
	case "price_efficiency":
		if spec.VRAMGB <= 0 || row.Price <= 0 {
			return 0, false
		}
		return row.Price.Float64() / float64(spec.VRAMGB), true
	case "vram_capacity":
		if spec.VRAMGB <= 0 {
			return 0, false
		}
		return float64(spec.VRAMGB), true
	case "mig_capability":
		return float64(spec.MIGSupport) / 7.0, true
	case "power_efficiency":
		if spec.TDPWatts <= 0 {
			return 0, false
		}
		if spec.CUDACores > 0 {
			return float64(spec.TDPWatts) / float64(spec.CUDACores), true
		}
		if spec.VRAMGB <= 0 {
			return 0, false
		}
		return float64(spec.TDPWatts) / float64(spec.VRAMGB), true
	case "form_factor":
		return clamp01(1.0 - float64(spec.SlotWidth-1)/2.0), true
	case "connectivity":
		nv := 0.0
		if spec.NVLink {
			nv = 1.0
		}
		return clamp01(0.5*nv + 0.5*float64(spec.PCIeGeneration-3)/2.0), true
	}
	return 0, false
}

// metricNeedsMinMax reports whether the metric is batch-normalized; the
// others are already absolute 0..1 values.
func metricNeedsMinMax(metric string) bool {
	switch metric {
	case "price_efficiency", "vram_capacity", "power_efficiency":
		return true
	}
	return false
}

// lowerIsBetter metrics are inverted after normalization.
func lowerIsBetter(metric string) bool {
	switch metric {
	case "price_efficiency", "power_efficiency":
		return true
	}
	return false
}

// ScoreBatch computes composite scores for a batch under the named preset.
// Fails only on an unknown preset; individual rows never fail, they just
// accumulate score_partial warnings.
func (s *Scorer) ScoreBatch(rows []models.EnrichedListing, preset string) ([]models.ScoredListing, error) {
	if preset == "" {
		preset = DefaultPreset
	}
	weights, err := s.reg.Weights(preset)
	if err != nil {
		return nil, err
	}

	batch := make(map[string]*bounds)
	for _, metric := range registry.KnownMetrics {
		if !metricNeedsMinMax(metric) {
			continue
		}
		b := &bounds{}
		for _, row := range rows {
			if raw, ok := metricRaw(metric, row); ok {
				b.observe(raw)
			}
		}
		batch[metric] = b
	}

	out := make([]models.ScoredListing, len(rows))
	for i, row := range rows {
		scored := models.ScoredListing{
			EnrichedListing: row,
			ScoreComponents: make(map[string]float64, len(registry.KnownMetrics)),
		}

		total := 0.0
		// Fixed metric iteration order keeps the float accumulation, and
		// therefore the composite, bitwise reproducible.
		for _, metric := range registry.KnownMetrics {
			component, ok := metricRaw(metric, row)
			if ok && metricNeedsMinMax(metric) {
				component = batch[metric].normalize(component)
			}
			if ok && lowerIsBetter(metric) {
				component = 1.0 - component
			}
			if !ok {
				scored.Warnings = append(scored.Warnings,
					models.Warn("score_partial", "score_partial:"+metric))
				component = 0
			}
			scored.ScoreComponents[metric] = component
			total += weights[metric] * component
		}

		scored.Score = clamp01(total) * 100.0
		out[i] = scored
	}
	return out, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
