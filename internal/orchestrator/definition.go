package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// FailureAction decides what happens when a step fails.
type FailureAction string

const (
	ActionAbort FailureAction = "abort"
	ActionSkip  FailureAction = "skip"
	ActionRetry FailureAction = "retry"
)

// SourceInitial names the workflow's initial input in an InputMapping.
const SourceInitial = "initial"

var ErrInvalidDefinition = errors.New("invalid workflow definition")

// FailurePolicy is a step's failure handling. Retries is the number of extra
// attempts for ActionRetry.
type FailurePolicy struct {
	Action  FailureAction `json:"action" yaml:"action"`
	Retries int           `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// Abort stops the workflow on failure.
func Abort() FailurePolicy { return FailurePolicy{Action: ActionAbort} }

// Skip records a null output and continues.
func Skip() FailurePolicy { return FailurePolicy{Action: ActionSkip} }

// Retry re-invokes the step up to n more times, then aborts.
func Retry(n int) FailurePolicy { return FailurePolicy{Action: ActionRetry, Retries: n} }

func (p FailurePolicy) attempts() int {
	if p.Action == ActionRetry && p.Retries > 0 {
		return p.Retries + 1
	}
	return 1
}

func (p FailurePolicy) String() string {
	if p.Action == ActionRetry {
		return fmt.Sprintf("retry(%d)", p.Retries)
	}
	if p.Action == "" {
		return string(ActionAbort)
	}
	return string(p.Action)
}

var retryPattern = regexp.MustCompile(`^retry\s*\(\s*(\d+)\s*\)$`)

// ParsePolicy parses "abort", "skip", "retry" or "retry(n)".
func ParsePolicy(s string) (FailurePolicy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", string(ActionAbort):
		return Abort(), nil
	case string(ActionSkip):
		return Skip(), nil
	case string(ActionRetry):
		return Retry(1), nil
	}
	if m := retryPattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return FailurePolicy{}, err
		}
		return Retry(n), nil
	}
	return FailurePolicy{}, fmt.Errorf("unknown failure policy %q", s)
}

// UnmarshalYAML accepts either the scalar form ("retry(2)") or a mapping.
func (p *FailurePolicy) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		parsed, err := ParsePolicy(node.Value)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	type plain FailurePolicy
	var out plain
	if err := node.Decode(&out); err != nil {
		return err
	}
	*p = FailurePolicy(out)
	return nil
}

// InputMapping selects a step's input. From is empty for the previous step's
// output (the initial input for the first step), SourceInitial, or the name
// of an earlier step. Transform names a registered TransformFunc.
type InputMapping struct {
	From      string `json:"from,omitempty" yaml:"from,omitempty"`
	Transform string `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// Step invokes one capability.
type Step struct {
	Name       string        `json:"name" yaml:"name"`
	Capability string        `json:"capability" yaml:"capability"`
	Input      InputMapping  `json:"input,omitempty" yaml:"input,omitempty"`
	OnFailure  FailurePolicy `json:"on_failure" yaml:"on_failure"`
}

// Definition is an ordered workflow. It must not be modified after
// registration.
type Definition struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

// Validate checks the definition's structure. Transform names are checked by
// the orchestrator at registration.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w %q: no steps", ErrInvalidDefinition, d.ID)
	}
	earlier := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		switch {
		case s.Name == "":
			return fmt.Errorf("%w %q: step %d has no name", ErrInvalidDefinition, d.ID, i)
		case s.Name == SourceInitial:
			return fmt.Errorf("%w %q: step name %q is reserved", ErrInvalidDefinition, d.ID, SourceInitial)
		case earlier[s.Name]:
			return fmt.Errorf("%w %q: duplicate step %q", ErrInvalidDefinition, d.ID, s.Name)
		case s.Capability == "":
			return fmt.Errorf("%w %q: step %q has no capability", ErrInvalidDefinition, d.ID, s.Name)
		}
		switch s.OnFailure.Action {
		case "", ActionAbort, ActionSkip, ActionRetry:
		default:
			return fmt.Errorf("%w %q: step %q: unknown failure action %q", ErrInvalidDefinition, d.ID, s.Name, s.OnFailure.Action)
		}
		if s.OnFailure.Retries < 0 {
			return fmt.Errorf("%w %q: step %q: negative retries", ErrInvalidDefinition, d.ID, s.Name)
		}
		if from := s.Input.From; from != "" && from != SourceInitial && !earlier[from] {
			return fmt.Errorf("%w %q: step %q maps from %q, which is not an earlier step", ErrInvalidDefinition, d.ID, s.Name, from)
		}
		earlier[s.Name] = true
	}
	return nil
}

type definitionFile struct {
	Workflows []*Definition `yaml:"workflows"`
}

// ParseDefinitions decodes a YAML document with a top-level workflows list.
func ParseDefinitions(data []byte) ([]*Definition, error) {
	var f definitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse workflows: %w", err)
	}
	return f.Workflows, nil
}

// ReadDefinitions reads a YAML workflow file.
func ReadDefinitions(path string) ([]*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflows: %w", err)
	}
	defs, err := ParseDefinitions(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}
