package stages

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/halalcert/internal/agent"
	"github.com/normanking/halalcert/internal/bus"
	"github.com/normanking/halalcert/internal/planning/graph"
)

func TestDefaultProfileIsValid(t *testing.T) {
	p := DefaultProfile()
	require.NoError(t, p.Validate())
	assert.Equal(t, StageIntake, p.Stages[0].Key)
	assert.True(t, p.Terminal(StageCertified))
	assert.True(t, p.Terminal(StageRejected))
	assert.Equal(t, "Under Shariah review", p.Display(StageUnderReview))
}

func TestProfileValidate(t *testing.T) {
	base := func() *Profile {
		return &Profile{
			OrgID: "acme",
			Stages: []Stage{
				{Key: StageIntake},
				{Key: StageUnderReview},
				{Key: StageCertified, Terminal: true},
			},
			Transitions: map[StageKey][]StageKey{
				StageIntake:      {StageUnderReview},
				StageUnderReview: {StageCertified},
			},
		}
	}
	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(p *Profile)
	}{
		{"unknown stage", func(p *Profile) { p.Stages = append(p.Stages, Stage{Key: "shipping"}) }},
		{"duplicate stage", func(p *Profile) { p.Stages = append(p.Stages, Stage{Key: StageIntake}) }},
		{"not starting at intake", func(p *Profile) { p.Stages[0], p.Stages[1] = p.Stages[1], p.Stages[0] }},
		{"cycle", func(p *Profile) {
			p.Transitions[StageUnderReview] = []StageKey{StageIntake, StageCertified}
		}},
		{"terminal with outgoing", func(p *Profile) {
			p.Transitions[StageCertified] = []StageKey{StageUnderReview}
		}},
		{"dead end", func(p *Profile) { delete(p.Transitions, StageUnderReview) }},
		{"undeclared target", func(p *Profile) {
			p.Transitions[StageIntake] = []StageKey{StageRejected}
		}},
		{"no terminal stage", func(p *Profile) {
			p.Stages[2].Terminal = false
			p.Transitions = map[StageKey][]StageKey{StageIntake: {StageUnderReview}, StageUnderReview: {StageCertified}, StageCertified: {}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(p)
			assert.ErrorIs(t, p.Validate(), ErrInvalidProfile)
		})
	}
}

func TestProfileValidateReportsCyclePath(t *testing.T) {
	p := &Profile{
		OrgID: "loop",
		Stages: []Stage{
			{Key: StageIntake},
			{Key: StageDocumentReview},
			{Key: StageUnderReview},
			{Key: StageCertified, Terminal: true},
		},
		Transitions: map[StageKey][]StageKey{
			StageIntake:         {StageDocumentReview},
			StageDocumentReview: {StageUnderReview},
			StageUnderReview:    {StageIntake, StageCertified},
		},
	}

	err := p.Validate()
	require.ErrorIs(t, err, ErrInvalidProfile)
	assert.True(t, graph.IsCycleError(err))
	assert.Contains(t, err.Error(), "under-review -> intake -> document-review -> under-review")
}

func newAgent(t *testing.T, src ProfileSource, eb *bus.Bus) *Agent {
	t.Helper()
	a := NewAgent(src, eb, zerolog.Nop())
	require.NoError(t, a.Initialize(context.Background()))
	return a
}

func TestAdvanceWalksToTerminal(t *testing.T) {
	eb := bus.NewBus()
	var seen []Transition
	_, err := eb.Subscribe(bus.TopicStageAdvanced, func(_ context.Context, ev bus.Event) error {
		seen = append(seen, ev.Payload.(Transition))
		return nil
	})
	require.NoError(t, err)

	a := newAgent(t, nil, eb)
	ctx := context.Background()
	want := []StageKey{StageDocumentReview, StageIngredientAnalysis, StageUnderReview, StageCertified}
	for _, stage := range want {
		tr, err := a.Advance(ctx, AdvanceRequest{OrgID: "acme", InstanceID: "app-1"})
		require.NoError(t, err)
		assert.Equal(t, stage, tr.To)
	}
	assert.True(t, seen[len(seen)-1].Terminal)
	assert.Len(t, seen, 4)
	assert.Equal(t, "Application received", seen[0].FromDisplay)

	_, err = a.Advance(ctx, AdvanceRequest{OrgID: "acme", InstanceID: "app-1"})
	assert.ErrorIs(t, err, ErrTerminalStage)

	got, ok := a.CurrentStage("acme", "app-1")
	require.True(t, ok)
	assert.Equal(t, StageCertified, got)
}

func TestAdvanceRejectsIllegalTransitions(t *testing.T) {
	a := newAgent(t, nil, nil)
	ctx := context.Background()

	_, err := a.Advance(ctx, AdvanceRequest{InstanceID: "x", CurrentStage: StageIntake, Target: StageCertified})
	assert.ErrorIs(t, err, ErrIllegalStageTransition)

	_, err = a.Advance(ctx, AdvanceRequest{InstanceID: "x", CurrentStage: "shipping"})
	assert.ErrorIs(t, err, ErrUnknownStage)

	tr, err := a.Advance(ctx, AdvanceRequest{InstanceID: "x", Target: StageRejected})
	require.NoError(t, err)
	assert.True(t, tr.Terminal)

	_, err = a.Advance(ctx, AdvanceRequest{InstanceID: "x", CurrentStage: StageIntake})
	assert.ErrorIs(t, err, ErrStageMismatch)

	_, err = a.Advance(ctx, AdvanceRequest{})
	assert.ErrorIs(t, err, agent.ErrInvalidInput)
}

func TestFileProfileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
profiles:
  - org_id: fastlane
    name: Fast lane
    stages:
      - key: intake
        display: Submitted
      - key: certified
        display: Approved
        terminal: true
      - key: rejected
        display: Declined
        terminal: true
    transitions:
      intake: [certified, rejected]
`), 0o600))

	src, err := NewFileProfileSource(path)
	require.NoError(t, err)
	a := newAgent(t, src, nil)
	ctx := context.Background()

	out, err := a.Process(ctx, agent.Request{Capability: agent.CapGetWorkflowConfig, Input: map[string]any{"org_id": "fastlane"}})
	require.NoError(t, err)
	p := out.(*Profile)
	assert.Equal(t, "Fast lane", p.Name)
	assert.Equal(t, "Approved", p.Display(StageCertified))

	// Unknown organizations get the built-in profile under their own id.
	p, err = a.Config(ctx, "someone-else")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", p.OrgID)
	assert.Len(t, p.Stages, len(Vocabulary))

	out, err = a.Process(ctx, agent.Request{Capability: agent.CapAdvanceStage, Input: AdvanceRequest{OrgID: "fastlane", InstanceID: "f1"}})
	require.NoError(t, err)
	tr := out.(*Transition)
	assert.Equal(t, StageCertified, tr.To)
	assert.Equal(t, "Approved", tr.ToDisplay)
}

func TestFileProfileSourceRejectsInvalidProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
profiles:
  - org_id: loop
    stages:
      - key: intake
      - key: under-review
      - key: certified
        terminal: true
    transitions:
      intake: [under-review]
      under-review: [intake]
`), 0o600))

	_, err := NewFileProfileSource(path)
	assert.ErrorIs(t, err, ErrInvalidProfile)
}
