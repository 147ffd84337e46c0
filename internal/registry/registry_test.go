package registry

import (
	"math"
	"testing"
)

func TestLoad_EmbeddedResources(t *testing.T) {
	r, err := Load()
	if err != nil {
		t.Fatalf("Load failed on embedded resources: %v", err)
	}

	if _, ok := r.Spec("RTX_A6000"); !ok {
		t.Error("Expected RTX_A6000 in the spec set")
	}
	if canonical, ok := r.Alias("nvidia rtx a6000 48gb"); !ok || canonical != "RTX_A6000" {
		t.Errorf("Alias lookup failed: got (%q, %v)", canonical, ok)
	}
	if len(r.Patterns()) == 0 {
		t.Error("Expected compiled patterns")
	}
}

func TestLoad_EveryAliasAndPatternResolves(t *testing.T) {
	r, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	for surface, canonical := range r.Aliases() {
		if _, ok := r.Spec(canonical); !ok {
			t.Errorf("Alias %q references canonical %q with no spec", surface, canonical)
		}
	}
	for _, p := range r.Patterns() {
		if _, ok := r.Spec(p.Canonical); !ok {
			t.Errorf("Pattern %q references canonical %q with no spec", p.Regex, p.Canonical)
		}
	}
}

func TestLoad_PresetWeightsSumToOne(t *testing.T) {
	r, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	presets := r.Presets()
	if len(presets) < 5 {
		t.Fatalf("Expected at least 5 presets, got %d: %v", len(presets), presets)
	}

	for _, name := range presets {
		weights, err := r.Weights(name)
		if err != nil {
			t.Fatalf("Weights(%q): %v", name, err)
		}
		sum := 0.0
		for _, w := range weights {
			sum += w
		}
		if math.Abs(sum-1.0) > 1e-6 {
			t.Errorf("Preset %q weights sum to %v, expected 1.0", name, sum)
		}
	}
}

func TestWeights_UnknownPresetRejected(t *testing.T) {
	r, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := r.Weights("turbo_overclock"); err == nil {
		t.Error("Expected UnknownPreset error for unregistered preset name")
	}
}

func TestPatterns_PriorityOrdering(t *testing.T) {
	r, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	patterns := r.Patterns()
	for i := 1; i < len(patterns); i++ {
		if patterns[i].Priority > patterns[i-1].Priority {
			t.Fatalf("Patterns not sorted by priority: index %d (%d) after %d (%d)",
				i, patterns[i].Priority, i-1, patterns[i-1].Priority)
		}
	}
}

func TestQuantization_Constants(t *testing.T) {
	r, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	q := r.Quantization()
	if q.OverheadGB < 0 {
		t.Errorf("Negative overhead: %v", q.OverheadGB)
	}
	for name, size := range q.ModelSizes {
		if size <= 0 {
			t.Errorf("Model size %q is not positive: %v", name, size)
		}
	}
	if _, ok := q.ModelSizes["7b"]; !ok {
		t.Error("Expected a 7b model size class")
	}
}
