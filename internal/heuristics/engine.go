package heuristics

import (
	"sort"
	"sync"

	"github.com/gpuradar/listings-engine/internal/registry"
	"github.com/gpuradar/listings-engine/pkg/models"
)

// Contribution is what one strategy adds to one listing.
type Contribution struct {
	Attrs        []models.HeuristicAttr
	Quantization *models.QuantizationCapacity
	Warnings     []models.Warning
}

// Strategy is one named derivation over an enriched listing. Strategies
// must be pure over their inputs; the engine owns merging.
type Strategy interface {
	Name() string
	// Outputs declares every attribute name the strategy may emit so the
	// engine can reject collisions at startup instead of mid-batch.
	Outputs() []string
	Apply(row models.EnrichedListing) Contribution
}

var (
	strategyMu  sync.Mutex
	strategyTab = make(map[string]func(*registry.Registry) Strategy)
)

// Register adds a strategy constructor under its name. Called from init
// functions; a duplicate name is a programming error and fails loudly.
func Register(name string, ctor func(*registry.Registry) Strategy) {
	strategyMu.Lock()
	defer strategyMu.Unlock()
	if _, dup := strategyTab[name]; dup {
		panic("heuristics: duplicate strategy registration: " + name)
	}
	strategyTab[name] = ctor
}

// Available lists registered strategy names, sorted.
func Available() []string {
	strategyMu.Lock()
	defer strategyMu.Unlock()
	names := make([]string, 0, len(strategyTab))
	for name := range strategyTab {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Engine runs an ordered set of enabled strategies. Strategies are gated
// by explicit enablement; nothing runs by default.
type Engine struct {
	strategies []Strategy
}

// NewEngine instantiates the named strategies in the given order and
// validates that no two enabled strategies claim the same output name.
func NewEngine(reg *registry.Registry, enabled []string) (*Engine, error) {
	strategyMu.Lock()
	defer strategyMu.Unlock()

	e := &Engine{}
	claimed := make(map[string]string) // output name -> strategy name
	for _, name := range enabled {
		ctor, ok := strategyTab[name]
		if !ok {
			return nil, models.E(models.KindConfig, "unknown heuristic strategy %q", name)
		}
		s := ctor(reg)
		for _, out := range s.Outputs() {
			if prev, dup := claimed[out]; dup {
				return nil, models.E(models.KindConfig,
					"heuristic output %q claimed by both %q and %q", out, prev, name)
			}
			claimed[out] = name
		}
		e.strategies = append(e.strategies, s)
	}
	return e, nil
}

// Apply runs every enabled strategy over one listing and merges the
// contributions into a new value.
func (e *Engine) Apply(row models.EnrichedListing) models.EnrichedListing {
	out := row
	for _, s := range e.strategies {
		c := s.Apply(row)
		if len(c.Attrs) > 0 {
			out.Attributes = append(out.Attributes, c.Attrs...)
		}
		if c.Quantization != nil {
			out.Quantization = c.Quantization
		}
		if len(c.Warnings) > 0 {
			out.Warnings = append(out.Warnings, c.Warnings...)
		}
	}
	return out
}

// ApplyBatch applies strategies across a batch preserving order.
func (e *Engine) ApplyBatch(rows []models.EnrichedListing) []models.EnrichedListing {
	out := make([]models.EnrichedListing, len(rows))
	for i, row := range rows {
		out[i] = e.Apply(row)
	}
	return out
}
