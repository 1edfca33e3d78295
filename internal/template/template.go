// Package template loads pipeline templates: YAML documents that tell the
// coordinator what command each delivery phase runs and how its failure is
// classified.
package template

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/delivery-orchestrator/internal/domain"
)

// PhaseSpec configures one phase of the pipeline
type PhaseSpec struct {
	Command []string `yaml:"command"` // tool invocation, argv form
	Failure string   `yaml:"failure"` // "blocking" or "non_blocking"
	Skip    bool     `yaml:"skip"`    // operator override, recorded in history
	Reason  string   `yaml:"reason"`  // required when Skip is set
}

// Template describes a full pipeline configuration for a run
type Template struct {
	Name   string               `yaml:"name"`
	Phases map[string]PhaseSpec `yaml:"phases"`
}

// Load reads and validates a template file
func Load(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse validates raw YAML template content
func Parse(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	for name, spec := range t.Phases {
		if domain.PhaseIndex(domain.Phase(name)) < 0 {
			return nil, fmt.Errorf("template %q: unknown phase %q", t.Name, name)
		}
		switch spec.Failure {
		case "", string(domain.FailureBlocking), string(domain.FailureNonBlocking):
		default:
			return nil, fmt.Errorf("template %q: phase %q: invalid failure class %q", t.Name, name, spec.Failure)
		}
		if spec.Skip && spec.Reason == "" {
			return nil, fmt.Errorf("template %q: phase %q: skip requires a reason", t.Name, name)
		}
	}
	return &t, nil
}

// FailureClassFor returns the classification for a phase. Phases the
// template leaves unset fall back to the supplied default resolver.
func (t *Template) FailureClassFor(p domain.Phase, fallback func(string) string) domain.FailureClass {
	if spec, ok := t.Phases[string(p)]; ok && spec.Failure != "" {
		return domain.FailureClass(spec.Failure)
	}
	return domain.FailureClass(fallback(string(p)))
}

// SpecFor returns the phase spec, with ok=false when the template does not
// configure the phase.
func (t *Template) SpecFor(p domain.Phase) (PhaseSpec, bool) {
	spec, ok := t.Phases[string(p)]
	return spec, ok
}
