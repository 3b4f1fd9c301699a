// Package stages maps the abstract certification stage vocabulary onto
// organization-specific profiles and enforces their transition rules.
package stages

import (
	"errors"
	"fmt"
	"slices"

	"github.com/normanking/halalcert/internal/planning/graph"
)

// StageKey is an abstract stage name shared by every profile.
type StageKey string

const (
	StageIntake             StageKey = "intake"
	StageDocumentReview     StageKey = "document-review"
	StageIngredientAnalysis StageKey = "ingredient-analysis"
	StageUnderReview        StageKey = "under-review"
	StageCertified          StageKey = "certified"
	StageRejected           StageKey = "rejected"
)

// Vocabulary lists the known stage keys in their canonical order.
var Vocabulary = []StageKey{
	StageIntake,
	StageDocumentReview,
	StageIngredientAnalysis,
	StageUnderReview,
	StageCertified,
	StageRejected,
}

// Known reports whether k belongs to the vocabulary.
func Known(k StageKey) bool { return slices.Contains(Vocabulary, k) }

var (
	ErrInvalidProfile         = errors.New("invalid stage profile")
	ErrUnknownStage           = errors.New("unknown stage")
	ErrTerminalStage          = errors.New("stage is terminal")
	ErrIllegalStageTransition = errors.New("illegal stage transition")
	ErrStageMismatch          = errors.New("current stage does not match tracked stage")
)

// Stage is one step of an organization's process.
type Stage struct {
	Key      StageKey `json:"key" yaml:"key"`
	Display  string   `json:"display" yaml:"display"`
	Terminal bool     `json:"terminal" yaml:"terminal"`
}

// Profile is an organization's view of the certification process.
type Profile struct {
	OrgID       string                  `json:"org_id" yaml:"org_id"`
	Name        string                  `json:"name" yaml:"name"`
	Stages      []Stage                 `json:"stages" yaml:"stages"`
	Transitions map[StageKey][]StageKey `json:"transitions" yaml:"transitions"`
}

// Stage returns the stage definition for k.
func (p *Profile) Stage(k StageKey) (Stage, bool) {
	for _, s := range p.Stages {
		if s.Key == k {
			return s, true
		}
	}
	return Stage{}, false
}

// Display returns the organization's label for k, falling back to the key.
func (p *Profile) Display(k StageKey) string {
	if s, ok := p.Stage(k); ok && s.Display != "" {
		return s.Display
	}
	return string(k)
}

// Successors returns the stages allowed to follow k, in listed order.
func (p *Profile) Successors(k StageKey) []StageKey {
	return slices.Clone(p.Transitions[k])
}

// Terminal reports whether k ends the process.
func (p *Profile) Terminal(k StageKey) bool {
	s, ok := p.Stage(k)
	return ok && s.Terminal
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	out := &Profile{
		OrgID:       p.OrgID,
		Name:        p.Name,
		Stages:      slices.Clone(p.Stages),
		Transitions: make(map[StageKey][]StageKey, len(p.Transitions)),
	}
	for k, v := range p.Transitions {
		out.Transitions[k] = slices.Clone(v)
	}
	return out
}

// Validate checks that the profile describes a finite acyclic graph starting
// at intake and ending in terminal stages.
func (p *Profile) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("%w %q: no stages", ErrInvalidProfile, p.OrgID)
	}
	seen := make(map[StageKey]bool, len(p.Stages))
	for _, s := range p.Stages {
		if !Known(s.Key) {
			return fmt.Errorf("%w %q: %w: %q", ErrInvalidProfile, p.OrgID, ErrUnknownStage, s.Key)
		}
		if seen[s.Key] {
			return fmt.Errorf("%w %q: stage %q listed twice", ErrInvalidProfile, p.OrgID, s.Key)
		}
		seen[s.Key] = true
	}
	if p.Stages[0].Key != StageIntake {
		return fmt.Errorf("%w %q: first stage must be %q", ErrInvalidProfile, p.OrgID, StageIntake)
	}

	for from, tos := range p.Transitions {
		if !seen[from] {
			return fmt.Errorf("%w %q: transition from undeclared stage %q", ErrInvalidProfile, p.OrgID, from)
		}
		if p.Terminal(from) && len(tos) > 0 {
			return fmt.Errorf("%w %q: terminal stage %q has outgoing transitions", ErrInvalidProfile, p.OrgID, from)
		}
		for _, to := range tos {
			if !seen[to] {
				return fmt.Errorf("%w %q: transition %q -> undeclared stage %q", ErrInvalidProfile, p.OrgID, from, to)
			}
		}
	}
	for _, s := range p.Stages {
		if !s.Terminal && len(p.Transitions[s.Key]) == 0 {
			return fmt.Errorf("%w %q: stage %q is a dead end", ErrInvalidProfile, p.OrgID, s.Key)
		}
	}

	g := graph.NewGraph()
	for _, s := range p.Stages {
		g.AddNode(string(s.Key))
	}
	for _, s := range p.Stages {
		for _, to := range p.Transitions[s.Key] {
			if err := g.AddEdge(string(s.Key), string(to)); err != nil {
				return fmt.Errorf("%w %q: %w", ErrInvalidProfile, p.OrgID, err)
			}
		}
	}
	terminalReached := false
	for _, k := range g.Reachable(string(StageIntake)) {
		if p.Terminal(StageKey(k)) {
			terminalReached = true
			break
		}
	}
	if !terminalReached {
		return fmt.Errorf("%w %q: no terminal stage reachable from %q", ErrInvalidProfile, p.OrgID, StageIntake)
	}
	return nil
}
