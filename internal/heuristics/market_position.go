package heuristics

import (
	"math"

	"github.com/gpuradar/listings-engine/internal/registry"
	"github.com/gpuradar/listings-engine/pkg/models"
)

// StrategyMarketPosition compares the asking price against the registry
// MSRP and tags the listing with a discount percentage and a coarse tier.
// Listings without a spec or without a published MSRP contribute nothing.
const StrategyMarketPosition = "market_position"

func init() {
	Register(StrategyMarketPosition, func(reg *registry.Registry) Strategy {
		return &marketPositionStrategy{}
	})
}

type marketPositionStrategy struct{}

func (m *marketPositionStrategy) Name() string { return StrategyMarketPosition }

func (m *marketPositionStrategy) Outputs() []string {
	return []string{"msrp_discount_pct", "below_msrp", "price_tier"}
}

func (m *marketPositionStrategy) Apply(row models.EnrichedListing) Contribution {
	if row.Spec == nil || row.Spec.MSRP <= 0 || row.Price <= 0 {
		return Contribution{}
	}

	msrp := row.Spec.MSRP.Float64()
	price := row.Price.Float64()
	discountPct := math.Round((msrp-price)/msrp*10000) / 100 // positive = below MSRP

	tier := "premium"
	switch {
	case price < msrp*0.5:
		tier = "deep_discount"
	case price < msrp*0.85:
		tier = "discount"
	case price <= msrp*1.10:
		tier = "market"
	}

	return Contribution{
		Attrs: []models.HeuristicAttr{
			{Name: "msrp_discount_pct", Kind: models.AttrFloat, Float: discountPct},
			{Name: "below_msrp", Kind: models.AttrBool, Bool: price < msrp},
			{Name: "price_tier", Kind: models.AttrEnum, Enum: tier},
		},
	}
}
