package heuristics

import (
	"math"

	"github.com/gpuradar/listings-engine/internal/registry"
	"github.com/gpuradar/listings-engine/pkg/models"
)

// StrategyQuantizationCapacity derives how many quantized LLM checkpoints
// of each size class fit in a card's usable VRAM:
//
//	capacity[size] = max(0, floor((vram_gb - overhead_gb) / model_sizes[size]))
//
// Monotone in VRAM by construction: more VRAM never yields less capacity.
const StrategyQuantizationCapacity = "quantization_capacity"

func init() {
	Register(StrategyQuantizationCapacity, func(reg *registry.Registry) Strategy {
		return &quantizeStrategy{quant: reg.Quantization()}
	})
}

type quantizeStrategy struct {
	quant registry.Quantization
}

func (q *quantizeStrategy) Name() string { return StrategyQuantizationCapacity }

func (q *quantizeStrategy) Outputs() []string {
	return []string{StrategyQuantizationCapacity}
}

func (q *quantizeStrategy) Apply(row models.EnrichedListing) Contribution {
	if row.Spec == nil || row.Spec.VRAMGB <= 0 {
		return Contribution{
			Quantization: &models.QuantizationCapacity{},
			Warnings: []models.Warning{
				models.Warn("quantization_no_vram", "vram_gb unavailable, quantization capacity is zero"),
			},
		}
	}

	usable := float64(row.Spec.VRAMGB) - q.quant.OverheadGB
	return Contribution{
		Quantization: &models.QuantizationCapacity{
			Size7B:  capacityFor(usable, q.quant.ModelSizes["7b"]),
			Size13B: capacityFor(usable, q.quant.ModelSizes["13b"]),
			Size70B: capacityFor(usable, q.quant.ModelSizes["70b"]),
		},
	}
}

func capacityFor(usableGB, sizeGB float64) int {
	if sizeGB <= 0 || usableGB <= 0 {
		return 0
	}
	n := int(math.Floor(usableGB / sizeGB))
	if n < 0 {
		return 0
	}
	return n
}
