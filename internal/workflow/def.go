// Package workflow loads phase-graph definitions and selects the next phase
// for a run by evaluating transition predicates against the issue status
// mapping. The engine ships no built-in graph; workflows are authored as YAML
// and the interpreter accepts any well-formed shape, cyclic or not.
package workflow

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration-level workflow failures. They are fatal for
// the run (completion reason workflow_invalid).
var ErrInvalid = errors.New("workflow invalid")

// PhaseType classifies a phase node.
type PhaseType string

const (
	// PhaseExecute runs the provider with write-capable tooling.
	PhaseExecute PhaseType = "execute"
	// PhaseEvaluate runs the provider in an assessment posture.
	PhaseEvaluate PhaseType = "evaluate"
	// PhaseTerminal ends the workflow with reason workflow_complete.
	PhaseTerminal PhaseType = "terminal"
)

// MCPEnforcement selects fail-fast or degraded behavior when required MCP
// servers are missing.
type MCPEnforcement string

const (
	EnforceStrict       MCPEnforcement = "strict"
	EnforceAllowDegrade MCPEnforcement = "allow_degraded"
)

// Transition routes from one phase to a target when its predicate matches.
type Transition struct {
	To   string `yaml:"to"`
	When string `yaml:"when,omitempty"`
	Auto bool   `yaml:"auto,omitempty"`

	pred *Predicate
}

// Phase is one node of the workflow graph.
type Phase struct {
	Name           string         `yaml:"-"`
	Type           PhaseType      `yaml:"type"`
	Prompt         string         `yaml:"prompt,omitempty"`
	MCPProfile     string         `yaml:"mcp_profile,omitempty"`
	MCPEnforcement MCPEnforcement `yaml:"mcp_enforcement,omitempty"`
	PermissionMode string         `yaml:"permission_mode,omitempty"`
	Parallel       bool           `yaml:"parallel,omitempty"`
	Transitions    []Transition   `yaml:"transitions,omitempty"`
}

// Enforcement returns the effective MCP enforcement, defaulting to strict.
func (p *Phase) Enforcement() MCPEnforcement {
	if p.MCPEnforcement == "" {
		return EnforceStrict
	}
	return p.MCPEnforcement
}

// Workflow is a named phase graph with a start node.
type Workflow struct {
	Name    string
	Version string
	Start   string
	Phases  map[string]*Phase
}

type fileDoc struct {
	Workflow struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
		Start   string `yaml:"start"`
	} `yaml:"workflow"`
	Phases map[string]*Phase `yaml:"phases"`
}

// Parse decodes and validates a workflow document.
func Parse(data []byte) (*Workflow, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	wf := &Workflow{
		Name:    doc.Workflow.Name,
		Version: doc.Workflow.Version,
		Start:   doc.Workflow.Start,
		Phases:  doc.Phases,
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

// ParseFile reads and parses a workflow YAML file.
func ParseFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	wf, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return wf, nil
}

// Validate checks structural invariants and compiles transition predicates:
// a named start phase, transitions referencing known phases, parseable
// predicates, no transitions out of terminal phases. A non-terminal phase
// with no transitions is legal; such a phase self-loops until the iteration
// budget or stall detection ends the run.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("%w: workflow name is required", ErrInvalid)
	}
	if len(w.Phases) == 0 {
		return fmt.Errorf("%w: no phases defined", ErrInvalid)
	}
	if w.Start == "" {
		return fmt.Errorf("%w: start phase is required", ErrInvalid)
	}
	if _, ok := w.Phases[w.Start]; !ok {
		return fmt.Errorf("%w: start phase %q not defined", ErrInvalid, w.Start)
	}
	for name, phase := range w.Phases {
		if phase == nil {
			return fmt.Errorf("%w: phase %q has no body", ErrInvalid, name)
		}
		phase.Name = name
		switch phase.Type {
		case PhaseExecute, PhaseEvaluate, PhaseTerminal:
		default:
			return fmt.Errorf("%w: phase %q: unknown type %q", ErrInvalid, name, phase.Type)
		}
		switch phase.Enforcement() {
		case EnforceStrict, EnforceAllowDegrade:
		default:
			return fmt.Errorf("%w: phase %q: unknown mcp_enforcement %q", ErrInvalid, name, phase.MCPEnforcement)
		}
		if phase.Type == PhaseTerminal && len(phase.Transitions) > 0 {
			return fmt.Errorf("%w: terminal phase %q must not declare transitions", ErrInvalid, name)
		}
		for i := range phase.Transitions {
			tr := &phase.Transitions[i]
			if tr.To == "" {
				return fmt.Errorf("%w: phase %q transition %d: missing target", ErrInvalid, name, i)
			}
			if _, ok := w.Phases[tr.To]; !ok {
				return fmt.Errorf("%w: phase %q transition %d: unknown target %q", ErrInvalid, name, i, tr.To)
			}
			if tr.Auto && tr.When != "" {
				return fmt.Errorf("%w: phase %q transition %d: auto and when are mutually exclusive", ErrInvalid, name, i)
			}
			if !tr.Auto {
				if tr.When == "" {
					return fmt.Errorf("%w: phase %q transition %d: when or auto is required", ErrInvalid, name, i)
				}
				pred, err := ParsePredicate(tr.When)
				if err != nil {
					return fmt.Errorf("%w: phase %q transition %d: %v", ErrInvalid, name, i, err)
				}
				tr.pred = pred
			}
		}
	}
	return nil
}

// Phase returns the named phase definition.
func (w *Workflow) Phase(name string) (*Phase, error) {
	p, ok := w.Phases[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown phase %q", ErrInvalid, name)
	}
	return p, nil
}
