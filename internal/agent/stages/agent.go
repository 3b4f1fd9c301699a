package stages

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/halalcert/internal/agent"
	"github.com/normanking/halalcert/internal/bus"
)

// AgentID is the registry id of the workflow-configuration agent.
const AgentID = "workflow-config"

// ConfigRequest is the get-workflow-config payload.
type ConfigRequest struct {
	OrgID string `json:"org_id"`
}

// AdvanceRequest is the advance-stage payload. An empty CurrentStage means the
// tracked stage, or intake for a new instance. An empty Target picks the
// first listed successor.
type AdvanceRequest struct {
	OrgID        string   `json:"org_id"`
	InstanceID   string   `json:"instance_id"`
	CurrentStage StageKey `json:"current_stage,omitempty"`
	Target       StageKey `json:"target,omitempty"`
}

// Transition is the result of a stage advance and the stage-advanced payload.
type Transition struct {
	OrgID       string    `json:"org_id"`
	InstanceID  string    `json:"instance_id"`
	From        StageKey  `json:"from"`
	To          StageKey  `json:"to"`
	FromDisplay string    `json:"from_display"`
	ToDisplay   string    `json:"to_display"`
	Terminal    bool      `json:"terminal"`
	At          time.Time `json:"at"`
}

type instanceKey struct{ org, id string }

// Agent serves organization profiles and tracks per-instance stages.
type Agent struct {
	*agent.Base
	source   ProfileSource
	fallback *Profile

	mu        sync.Mutex
	instances map[instanceKey]StageKey
}

// NewAgent creates the workflow-configuration agent. A nil source serves the
// built-in profile to every organization.
func NewAgent(source ProfileSource, b *bus.Bus, logger zerolog.Logger) *Agent {
	caps := []agent.Capability{
		{Name: agent.CapGetWorkflowConfig, InputType: "stages.ConfigRequest", OutputType: "stages.Profile"},
		{Name: agent.CapAdvanceStage, InputType: "stages.AdvanceRequest", OutputType: "stages.Transition"},
	}
	return &Agent{
		Base:      agent.NewBase(agent.Identity{ID: AgentID, Name: "Workflow Configuration", Version: "1.0.0"}, caps, b, logger),
		source:    source,
		fallback:  DefaultProfile(),
		instances: make(map[instanceKey]StageKey),
	}
}

// Initialize validates the built-in profile.
func (a *Agent) Initialize(ctx context.Context) error {
	if err := a.fallback.Validate(); err != nil {
		return err
	}
	return a.MarkInitialized()
}

// Process handles get-workflow-config and advance-stage.
func (a *Agent) Process(ctx context.Context, req agent.Request) (any, error) {
	if err := a.Ready(); err != nil {
		return nil, err
	}
	switch req.Capability {
	case agent.CapGetWorkflowConfig:
		in, err := agent.DecodeInput[ConfigRequest](req.Input)
		if err != nil {
			return nil, err
		}
		return a.Config(ctx, in.OrgID)
	case agent.CapAdvanceStage:
		in, err := agent.DecodeInput[AdvanceRequest](req.Input)
		if err != nil {
			return nil, err
		}
		return a.Advance(ctx, in)
	default:
		return nil, a.Unsupported(req.Capability)
	}
}

// Config returns the organization's profile, or the built-in one when the
// source does not know the organization.
func (a *Agent) Config(ctx context.Context, orgID string) (*Profile, error) {
	if a.source != nil {
		p, err := a.source.Profile(ctx, orgID)
		switch {
		case err == nil:
			if err := p.Validate(); err != nil {
				return nil, err
			}
			return p, nil
		case !errors.Is(err, ErrProfileNotFound):
			return nil, fmt.Errorf("load profile %q: %w", orgID, err)
		}
	}
	p := a.fallback.Clone()
	if orgID != "" {
		p.OrgID = orgID
	}
	return p, nil
}

// Advance moves an instance to its next stage.
func (a *Agent) Advance(ctx context.Context, in AdvanceRequest) (*Transition, error) {
	if in.InstanceID == "" {
		return nil, fmt.Errorf("%w: instance_id is required", agent.ErrInvalidInput)
	}
	p, err := a.Config(ctx, in.OrgID)
	if err != nil {
		return nil, err
	}

	key := instanceKey{org: in.OrgID, id: in.InstanceID}
	t, err := a.move(p, key, in)
	if err != nil {
		return nil, err
	}
	a.Logger.Info().
		Str("org", in.OrgID).
		Str("instance", in.InstanceID).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Msg("stage advanced")
	a.Emit(ctx, bus.TopicStageAdvanced, *t)
	return t, nil
}

func (a *Agent) move(p *Profile, key instanceKey, in AdvanceRequest) (*Transition, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	current := in.CurrentStage
	tracked, isTracked := a.instances[key]
	switch {
	case current == "" && isTracked:
		current = tracked
	case current == "":
		current = StageIntake
	case isTracked && current != tracked:
		return nil, fmt.Errorf("%w: instance %q is at %q, not %q", ErrStageMismatch, in.InstanceID, tracked, current)
	}
	if _, ok := p.Stage(current); !ok {
		return nil, fmt.Errorf("%w: %q in profile %q", ErrUnknownStage, current, p.OrgID)
	}
	if p.Terminal(current) {
		return nil, fmt.Errorf("%w: %q", ErrTerminalStage, current)
	}

	next := p.Successors(current)
	target := in.Target
	if target == "" {
		target = next[0]
	}
	if !slices.Contains(next, target) {
		return nil, fmt.Errorf("%w: %q -> %q", ErrIllegalStageTransition, current, target)
	}

	a.instances[key] = target
	return &Transition{
		OrgID:       in.OrgID,
		InstanceID:  in.InstanceID,
		From:        current,
		To:          target,
		FromDisplay: p.Display(current),
		ToDisplay:   p.Display(target),
		Terminal:    p.Terminal(target),
		At:          time.Now().UTC(),
	}, nil
}

// CurrentStage returns the tracked stage of an instance.
func (a *Agent) CurrentStage(orgID, instanceID string) (StageKey, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.instances[instanceKey{org: orgID, id: instanceID}]
	return s, ok
}
