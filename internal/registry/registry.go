package registry

import (
	"embed"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gpuradar/listings-engine/pkg/models"
)

// Resource files are compiled into the binary at build time so the engine
// never depends on a config directory being mounted next to it.
//
//go:embed resources/*.yaml
var resourceFS embed.FS

// Metric names the scorer understands. Weight presets may only reference
// these.
var KnownMetrics = []string{
	"price_efficiency",
	"vram_capacity",
	"mig_capability",
	"power_efficiency",
	"form_factor",
	"connectivity",
}

// Pattern is one compiled structured-text matcher. Patterns are evaluated
// in slice order (priority descending, declaration order within a priority).
type Pattern struct {
	Regex      *regexp.Regexp
	Canonical  string
	Priority   int
	Confidence float64 // 1.0 unless the pattern declares lower
}

// Quantization holds the constants for the quantization_capacity strategy.
type Quantization struct {
	OverheadGB float64            `yaml:"overhead_gb"`
	ModelSizes map[string]float64 `yaml:"model_sizes"`
}

// Registry is the process-wide declarative configuration: canonical GPU
// specs, alias map, match patterns, weight presets, and quantization
// constants. It is immutable after Load and safe for unlocked concurrent
// reads.
type Registry struct {
	specs    map[string]models.GPUSpec
	ordered  []models.GPUSpec // sorted by canonical name, for the catalog endpoint
	aliases  map[string]string
	patterns []Pattern
	presets  map[string]map[string]float64
	quant    Quantization
}

type specsFile struct {
	Specs []models.GPUSpec `yaml:"specs"`
}

type aliasesFile struct {
	Aliases map[string]string `yaml:"aliases"`
}

type patternsFile struct {
	Patterns []struct {
		Pattern    string  `yaml:"pattern"`
		Canonical  string  `yaml:"canonical"`
		Priority   int     `yaml:"priority"`
		Confidence float64 `yaml:"confidence"`
	} `yaml:"patterns"`
}

type weightsFile struct {
	Presets map[string]map[string]float64 `yaml:"presets"`
}

type quantFile struct {
	Quantization Quantization `yaml:"quantization"`
}

// Load parses and validates the embedded resource files. Any schema
// violation, dangling canonical reference, weight-sum drift, or pattern
// compile failure is fatal: there is no partial registry.
func Load() (*Registry, error) {
	r := &Registry{
		specs:   make(map[string]models.GPUSpec),
		aliases: make(map[string]string),
		presets: make(map[string]map[string]float64),
	}

	if err := r.loadSpecs(); err != nil {
		return nil, err
	}
	if err := r.loadAliases(); err != nil {
		return nil, err
	}
	if err := r.loadPatterns(); err != nil {
		return nil, err
	}
	if err := r.loadWeights(); err != nil {
		return nil, err
	}
	if err := r.loadQuantization(); err != nil {
		return nil, err
	}
	return r, nil
}

func readResource(name string, out interface{}) error {
	raw, err := resourceFS.ReadFile("resources/" + name)
	if err != nil {
		return models.E(models.KindConfig, "missing embedded resource %s: %v", name, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return models.E(models.KindConfig, "malformed resource %s: %v", name, err)
	}
	return nil
}

func (r *Registry) loadSpecs() error {
	var f specsFile
	if err := readResource("specs.yaml", &f); err != nil {
		return err
	}
	if len(f.Specs) == 0 {
		return models.E(models.KindConfig, "specs.yaml declares no GPU specs")
	}

	for _, spec := range f.Specs {
		if spec.CanonicalName == "" {
			return models.E(models.KindConfig, "spec with empty canonical_name")
		}
		if _, dup := r.specs[spec.CanonicalName]; dup {
			return models.E(models.KindConfig, "duplicate canonical name %q", spec.CanonicalName)
		}
		if spec.VRAMGB <= 0 || spec.TDPWatts <= 0 {
			return models.E(models.KindConfig, "spec %q: vram_gb and tdp_watts must be positive", spec.CanonicalName)
		}
		if spec.SlotWidth < 1 || spec.SlotWidth > 4 {
			return models.E(models.KindConfig, "spec %q: slot_width %d outside 1..4", spec.CanonicalName, spec.SlotWidth)
		}
		if spec.MIGSupport < 0 || spec.MIGSupport > 7 {
			return models.E(models.KindConfig, "spec %q: mig_support %d outside 0..7", spec.CanonicalName, spec.MIGSupport)
		}
		if spec.PCIeGeneration < 3 || spec.PCIeGeneration > 5 {
			return models.E(models.KindConfig, "spec %q: pcie_generation %d outside 3..5", spec.CanonicalName, spec.PCIeGeneration)
		}
		r.specs[spec.CanonicalName] = spec
	}

	r.ordered = make([]models.GPUSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		r.ordered = append(r.ordered, spec)
	}
	sort.Slice(r.ordered, func(i, j int) bool {
		return r.ordered[i].CanonicalName < r.ordered[j].CanonicalName
	})
	return nil
}

func (r *Registry) loadAliases() error {
	var f aliasesFile
	if err := readResource("aliases.yaml", &f); err != nil {
		return err
	}
	for surface, canonical := range f.Aliases {
		key := strings.ToLower(strings.TrimSpace(surface))
		if key != surface {
			return models.E(models.KindConfig, "alias %q is not lowercased/trimmed", surface)
		}
		if _, ok := r.specs[canonical]; !ok {
			return models.E(models.KindConfig, "alias %q references unknown canonical %q", surface, canonical)
		}
		r.aliases[key] = canonical
	}
	return nil
}

func (r *Registry) loadPatterns() error {
	var f patternsFile
	if err := readResource("patterns.yaml", &f); err != nil {
		return err
	}
	r.patterns = make([]Pattern, 0, len(f.Patterns))
	for i, p := range f.Patterns {
		if _, ok := r.specs[p.Canonical]; !ok {
			return models.E(models.KindConfig, "pattern %d references unknown canonical %q", i, p.Canonical)
		}
		re, err := regexp.Compile("(?i)" + p.Pattern)
		if err != nil {
			return models.E(models.KindConfig, "pattern %d (%s) does not compile: %v", i, p.Canonical, err)
		}
		conf := p.Confidence
		if conf == 0 {
			conf = 1.0
		}
		if conf < 0 || conf > 1 {
			return models.E(models.KindConfig, "pattern %d (%s): confidence %v outside [0,1]", i, p.Canonical, conf)
		}
		r.patterns = append(r.patterns, Pattern{
			Regex:      re,
			Canonical:  p.Canonical,
			Priority:   p.Priority,
			Confidence: conf,
		})
	}
	// Priority resolves overlaps; declaration order breaks ties.
	sort.SliceStable(r.patterns, func(i, j int) bool {
		return r.patterns[i].Priority > r.patterns[j].Priority
	})
	return nil
}

func (r *Registry) loadWeights() error {
	var f weightsFile
	if err := readResource("weights.yaml", &f); err != nil {
		return err
	}
	if len(f.Presets) == 0 {
		return models.E(models.KindConfig, "weights.yaml declares no presets")
	}
	known := make(map[string]bool, len(KnownMetrics))
	for _, m := range KnownMetrics {
		known[m] = true
	}
	for name, weights := range f.Presets {
		sum := 0.0
		for metric, w := range weights {
			if !known[metric] {
				return models.E(models.KindConfig, "preset %q references unknown metric %q", name, metric)
			}
			if w < 0 {
				return models.E(models.KindConfig, "preset %q: negative weight for %q", name, metric)
			}
			sum += w
		}
		if math.Abs(sum-1.0) > 1e-6 {
			return models.E(models.KindConfig, "preset %q weights sum to %.8f, expected 1.0", name, sum)
		}
	}
	r.presets = f.Presets
	return nil
}

func (r *Registry) loadQuantization() error {
	var f quantFile
	if err := readResource("quantization.yaml", &f); err != nil {
		return err
	}
	if f.Quantization.OverheadGB < 0 {
		return models.E(models.KindConfig, "quantization overhead_gb must be >= 0")
	}
	if len(f.Quantization.ModelSizes) == 0 {
		return models.E(models.KindConfig, "quantization declares no model sizes")
	}
	for name, size := range f.Quantization.ModelSizes {
		if size <= 0 {
			return models.E(models.KindConfig, "quantization model size %q must be positive", name)
		}
	}
	for _, required := range []string{"7b", "13b", "70b"} {
		if _, ok := f.Quantization.ModelSizes[required]; !ok {
			return models.E(models.KindConfig, "quantization model_sizes missing required class %q", required)
		}
	}
	r.quant = f.Quantization
	return nil
}

// Spec returns the registry entry for a canonical name.
func (r *Registry) Spec(canonical string) (models.GPUSpec, bool) {
	spec, ok := r.specs[canonical]
	return spec, ok
}

// AllSpecs returns every registered spec sorted by canonical name.
// The returned slice is a copy; callers may not mutate registry state.
func (r *Registry) AllSpecs() []models.GPUSpec {
	out := make([]models.GPUSpec, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Alias resolves a lowercased, trimmed surface string.
func (r *Registry) Alias(surface string) (string, bool) {
	canonical, ok := r.aliases[surface]
	return canonical, ok
}

// Aliases returns the full surface->canonical map as a copy, sorted access
// is up to the caller.
func (r *Registry) Aliases() map[string]string {
	out := make(map[string]string, len(r.aliases))
	for k, v := range r.aliases {
		out[k] = v
	}
	return out
}

// Patterns returns the compiled matchers in evaluation order.
func (r *Registry) Patterns() []Pattern {
	return r.patterns
}

// Weights returns the weight vector for a preset.
func (r *Registry) Weights(preset string) (map[string]float64, error) {
	weights, ok := r.presets[preset]
	if !ok {
		return nil, models.E(models.KindUnknownPreset, "unknown scoring preset %q (known: %s)", preset, strings.Join(r.Presets(), ", "))
	}
	out := make(map[string]float64, len(weights))
	for k, v := range weights {
		out[k] = v
	}
	return out, nil
}

// Presets lists the preset names, sorted.
func (r *Registry) Presets() []string {
	names := make([]string, 0, len(r.presets))
	for name := range r.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Quantization returns the quantization constants.
func (r *Registry) Quantization() Quantization {
	sizes := make(map[string]float64, len(r.quant.ModelSizes))
	for k, v := range r.quant.ModelSizes {
		sizes[k] = v
	}
	return Quantization{OverheadGB: r.quant.OverheadGB, ModelSizes: sizes}
}

// String summarizes registry cardinality for startup logging.
func (r *Registry) String() string {
	return fmt.Sprintf("%d specs, %d aliases, %d patterns, %d presets",
		len(r.specs), len(r.aliases), len(r.patterns), len(r.presets))
}
