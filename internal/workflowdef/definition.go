// Package workflowdef loads workflow definitions: the ordered phase template
// a run is created from and the critical artifacts that must be reloaded into
// a fresh execution context. Definitions are YAML files; a built-in "default"
// workflow ships embedded in the binary.
package workflowdef

import (
	"errors"
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/continuum/internal/run"
)

// SchemaVersion is the only definition file version understood.
const SchemaVersion = "1"

// Definition is a workflow: its phases in order and its reload plan.
type Definition struct {
	// ID is the workflow identifier recorded on every run (e.g., "default")
	ID string `yaml:"id"`
	// Name is a display name (optional)
	Name string `yaml:"name,omitempty"`
	// Description explains the workflow (optional)
	Description string `yaml:"description,omitempty"`
	// Version is the definition file format version (currently "1")
	Version string `yaml:"version"`
	// Phases is the ordered phase template
	Phases []PhaseTemplate `yaml:"phases"`
	// CriticalArtifacts lists what must be reloaded after a session boundary
	CriticalArtifacts CriticalArtifacts `yaml:"critical_artifacts"`
}

// PhaseTemplate describes one planned phase.
type PhaseTemplate struct {
	Name              string         `yaml:"name"`
	Description       string         `yaml:"description,omitempty"`
	ExpectedArtifacts []ArtifactDecl `yaml:"expected_artifacts,omitempty"`
}

// ArtifactDecl is an artifact a phase is expected to produce.
type ArtifactDecl struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type,omitempty"`
	Path string `yaml:"path,omitempty"`
}

// CriticalArtifacts groups reload specs. Unconditional specs are planned
// before conditional ones.
type CriticalArtifacts struct {
	AlwaysLoad      []ArtifactSpec `yaml:"always_load,omitempty"`
	ConditionalLoad []ArtifactSpec `yaml:"conditional_load,omitempty"`
}

// ArtifactSpec describes a critical artifact.
//
// Path is a text/template rendered against the run document; StatePath is a
// dotted path into the same document whose value is the artifact path. When
// both are set, Path wins. ReloadTriggers are glob patterns matched against
// trigger names such as "session_start", "manual" or
// "phase_transition:build->evaluate".
type ArtifactSpec struct {
	ID             string   `yaml:"id"`
	Type           string   `yaml:"type,omitempty"`
	Path           string   `yaml:"path,omitempty"`
	StatePath      string   `yaml:"state_path,omitempty"`
	Required       bool     `yaml:"required,omitempty"`
	ReloadTriggers []string `yaml:"reload_triggers"`
	Condition      string   `yaml:"condition,omitempty"`
}

// Parse decodes and validates a definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing workflow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow definition: %w", err)
	}
	return &def, nil
}

// LoadFile reads and validates a definition file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow definition: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Validate checks that the definition is well-formed.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return errors.New("workflow id is required")
	}
	if !run.ValidID(d.ID) {
		return fmt.Errorf("workflow id %q is not a valid file name", d.ID)
	}
	if d.Version != SchemaVersion {
		return fmt.Errorf("unsupported workflow version: %q (supported: %s)", d.Version, SchemaVersion)
	}
	if len(d.Phases) == 0 {
		return errors.New("workflow must declare at least one phase")
	}

	seen := make(map[string]bool, len(d.Phases))
	for i, p := range d.Phases {
		if p.Name == "" {
			return fmt.Errorf("phase %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("phase %q declared twice", p.Name)
		}
		seen[p.Name] = true
		for _, a := range p.ExpectedArtifacts {
			if a.ID == "" {
				return fmt.Errorf("phase %q: expected artifact id is required", p.Name)
			}
		}
	}

	specs := d.CriticalArtifacts.All()
	ids := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if err := spec.validate(); err != nil {
			return err
		}
		if ids[spec.ID] {
			return fmt.Errorf("critical artifact %q declared twice", spec.ID)
		}
		ids[spec.ID] = true
	}
	return nil
}

func (s ArtifactSpec) validate() error {
	if s.ID == "" {
		return errors.New("critical artifact id is required")
	}
	if s.Path == "" && s.StatePath == "" {
		return fmt.Errorf("critical artifact %q: path or state_path is required", s.ID)
	}
	if len(s.ReloadTriggers) == 0 {
		return fmt.Errorf("critical artifact %q: at least one reload trigger is required", s.ID)
	}
	for _, pattern := range s.ReloadTriggers {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("critical artifact %q: invalid reload trigger %q: %w", s.ID, pattern, err)
		}
	}
	return nil
}

// All returns unconditional specs followed by conditional ones.
func (c CriticalArtifacts) All() []ArtifactSpec {
	out := make([]ArtifactSpec, 0, len(c.AlwaysLoad)+len(c.ConditionalLoad))
	out = append(out, c.AlwaysLoad...)
	return append(out, c.ConditionalLoad...)
}

// PhaseNames returns the phase names in workflow order.
func (d *Definition) PhaseNames() []string {
	names := make([]string, len(d.Phases))
	for i, p := range d.Phases {
		names[i] = p.Name
	}
	return names
}

// PlannedPhases converts the phase template into manifest entries.
func (d *Definition) PlannedPhases() []run.PlannedPhase {
	planned := make([]run.PlannedPhase, len(d.Phases))
	for i, p := range d.Phases {
		expected := make([]run.ArtifactRef, len(p.ExpectedArtifacts))
		for j, a := range p.ExpectedArtifacts {
			expected[j] = run.ArtifactRef{ID: a.ID, Type: a.Type, Path: a.Path}
		}
		planned[i] = run.PlannedPhase{Name: p.Name, ExpectedArtifacts: expected}
	}
	return planned
}
