package planner

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Complexity buckets an objective for template selection.
type Complexity string

const (
	// ComplexitySimple covers single-step objectives.
	ComplexitySimple Complexity = "simple"
	// ComplexityModerate covers objectives needing preparation.
	ComplexityModerate Complexity = "moderate"
	// ComplexityComplex covers multi-part objectives with analysis.
	ComplexityComplex Complexity = "complex"
	// ComplexityVeryComplex covers objectives needing design and review.
	ComplexityVeryComplex Complexity = "very_complex"
)

// Valid returns true if the complexity is a known value.
func (c Complexity) Valid() bool {
	switch c {
	case ComplexitySimple, ComplexityModerate, ComplexityComplex, ComplexityVeryComplex:
		return true
	default:
		return false
	}
}

// PhaseTemplate is one phase in a decomposition template. A phase with
// subphases expands recursively; sibling subphases are independent
// subtrees and run in parallel when marked parallel-safe.
type PhaseTemplate struct {
	// Name identifies the phase within its template.
	Name string
	// Description is expanded into the task unit description.
	Description string
	// Capabilities lists the capability tags an agent needs for this phase.
	Capabilities []string
	// Duration is the phase's execution estimate.
	Duration time.Duration
	// ParallelSafe marks the phase as safe to overlap with its predecessor.
	ParallelSafe bool
	// Conditional marks the phase as dependent on its predecessor's
	// expected outcome holding.
	Conditional bool
	// Subphases expand in place of this phase.
	Subphases []PhaseTemplate
}

// phaseTemplateYAML mirrors PhaseTemplate with a string duration so
// catalogs can write "30m" instead of nanoseconds.
type phaseTemplateYAML struct {
	Name         string              `yaml:"name"`
	Description  string              `yaml:"description,omitempty"`
	Capabilities []string            `yaml:"capabilities,omitempty"`
	Duration     string              `yaml:"duration,omitempty"`
	ParallelSafe bool                `yaml:"parallel_safe,omitempty"`
	Conditional  bool                `yaml:"conditional,omitempty"`
	Subphases    []phaseTemplateYAML `yaml:"subphases,omitempty"`
}

// UnmarshalYAML decodes a phase template, parsing the duration string.
func (t *PhaseTemplate) UnmarshalYAML(value *yaml.Node) error {
	var raw phaseTemplateYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := fromYAML(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func fromYAML(raw phaseTemplateYAML) (PhaseTemplate, error) {
	t := PhaseTemplate{
		Name:         raw.Name,
		Description:  raw.Description,
		Capabilities: raw.Capabilities,
		ParallelSafe: raw.ParallelSafe,
		Conditional:  raw.Conditional,
	}
	if raw.Duration != "" {
		d, err := time.ParseDuration(raw.Duration)
		if err != nil {
			return t, fmt.Errorf("phase %q: bad duration %q: %w", raw.Name, raw.Duration, err)
		}
		t.Duration = d
	}
	for _, sub := range raw.Subphases {
		parsed, err := fromYAML(sub)
		if err != nil {
			return t, err
		}
		t.Subphases = append(t.Subphases, parsed)
	}
	return t, nil
}

// Catalog maps each complexity class to its phase template.
type Catalog map[Complexity][]PhaseTemplate

// LoadCatalog reads a phase-template catalog from a YAML file. Classes
// absent from the file fall back to the built-in defaults.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading template catalog: %w", err)
	}

	loaded := make(Catalog)
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parsing template catalog %s: %w", path, err)
	}

	catalog := DefaultCatalog()
	for class, phases := range loaded {
		if !class.Valid() {
			return nil, fmt.Errorf("template catalog %s: unknown complexity class %q", path, class)
		}
		if len(phases) == 0 {
			return nil, fmt.Errorf("template catalog %s: class %q has no phases", path, class)
		}
		catalog[class] = phases
	}
	return catalog, nil
}

// DefaultCatalog returns the built-in phase templates.
func DefaultCatalog() Catalog {
	return Catalog{
		ComplexitySimple: {
			{Name: "execute", Description: "carry out", Duration: 15 * time.Minute},
			{Name: "validate", Description: "verify the outcome of", Capabilities: []string{"validate"}, Duration: 5 * time.Minute},
		},
		ComplexityModerate: {
			{Name: "prepare", Description: "prepare for", Duration: 10 * time.Minute},
			{Name: "execute", Description: "carry out", Duration: 30 * time.Minute},
			{Name: "validate", Description: "verify the outcome of", Capabilities: []string{"validate"}, Duration: 10 * time.Minute},
		},
		ComplexityComplex: {
			{Name: "analyze", Description: "analyze the scope of", Capabilities: []string{"analyze"}, Duration: 15 * time.Minute},
			{Name: "prepare", Description: "prepare for", Duration: 15 * time.Minute},
			{Name: "execute", Description: "carry out", Duration: time.Hour, Subphases: []PhaseTemplate{
				{Name: "implement", Description: "implement the core of", Duration: 45 * time.Minute, ParallelSafe: true},
				{Name: "integrate", Description: "integrate the parts of", Duration: 15 * time.Minute, ParallelSafe: true},
			}},
			{Name: "validate", Description: "verify the outcome of", Capabilities: []string{"validate"}, Duration: 15 * time.Minute},
		},
		ComplexityVeryComplex: {
			{Name: "analyze", Description: "analyze the scope of", Capabilities: []string{"analyze"}, Duration: 30 * time.Minute},
			{Name: "design", Description: "design the approach for", Capabilities: []string{"analyze"}, Duration: 30 * time.Minute},
			{Name: "prepare", Description: "prepare for", Duration: 30 * time.Minute},
			{Name: "execute", Description: "carry out", Duration: 2 * time.Hour, Subphases: []PhaseTemplate{
				{Name: "implement", Description: "implement the core of", Duration: 90 * time.Minute, ParallelSafe: true},
				{Name: "integrate", Description: "integrate the parts of", Duration: 30 * time.Minute, ParallelSafe: true},
			}},
			{Name: "validate", Description: "verify the outcome of", Capabilities: []string{"validate"}, Duration: 30 * time.Minute},
			{Name: "review", Description: "review open findings from", Capabilities: []string{"analyze"}, Duration: 15 * time.Minute, Conditional: true},
		},
	}
}
