// Package a2a exposes the certification agents over the A2A protocol
// (v0.3, JSON-RPC transport) using the official a2a-go SDK.
//
// A message selects a skill with a data part of the form
//
//	{"skill": "<capability or workflow id>", "input": {...}}
//
// or with a "skill" metadata key. A plain text message is treated as an
// ingredient declaration and classified.
package a2a

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/a2aproject/a2a-go/a2asrv/eventqueue"
	"github.com/rs/zerolog"

	"github.com/normanking/halalcert/internal/agent"
	"github.com/normanking/halalcert/internal/agent/certificate"
	"github.com/normanking/halalcert/internal/agent/classification"
	"github.com/normanking/halalcert/internal/agent/extraction"
	"github.com/normanking/halalcert/internal/orchestrator"
	"github.com/normanking/halalcert/internal/system"
)

func init() {
	// Artifact data is stored in the task store as nested maps.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]map[string]any{})
}

// Invocation is the decoded form of an incoming message.
type Invocation struct {
	Skill string          `json:"skill"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Executor implements a2asrv.AgentExecutor on top of the certification
// system.
type Executor struct {
	sys *system.System
	log zerolog.Logger
}

// NewExecutor creates an executor routing to sys.
func NewExecutor(sys *system.System, logger zerolog.Logger) *Executor {
	return &Executor{sys: sys, log: logger}
}

// Execute implements a2asrv.AgentExecutor.
func (e *Executor) Execute(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	e.log.Info().Str("task_id", string(reqCtx.TaskID)).Msg("a2a execute")

	working := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateWorking, nil)
	if err := queue.Write(ctx, working); err != nil {
		return fmt.Errorf("write state working: %w", err)
	}

	inv, err := ParseInvocation(reqCtx.Message)
	if err != nil {
		return e.fail(ctx, reqCtx, queue, err)
	}

	out, err := e.invoke(ctx, inv)
	if err != nil {
		e.log.Warn().Err(err).Str("skill", inv.Skill).Msg("a2a skill failed")
		return e.fail(ctx, reqCtx, queue, err)
	}

	data, err := toData(out)
	if err != nil {
		return e.fail(ctx, reqCtx, queue, err)
	}
	artifact := a2a.NewArtifactEvent(reqCtx, a2a.DataPart{Data: data})
	artifact.Artifact.Name = inv.Skill
	artifact.Artifact.Description = fmt.Sprintf("Result of %s", inv.Skill)
	if err := queue.Write(ctx, artifact); err != nil {
		e.log.Warn().Err(err).Msg("a2a artifact write failed")
	}

	msg := a2a.NewMessage(a2a.MessageRoleAgent, a2a.TextPart{Text: summarize(inv.Skill, out)})
	done := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCompleted, msg)
	done.Final = true
	if err := queue.Write(ctx, done); err != nil {
		return fmt.Errorf("write state completed: %w", err)
	}
	return nil
}

// Cancel implements a2asrv.AgentExecutor. Point requests are not
// interruptible, so the task is only marked cancelled.
func (e *Executor) Cancel(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	e.log.Info().Str("task_id", string(reqCtx.TaskID)).Msg("a2a cancel")

	ev := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCanceled, nil)
	ev.Final = true
	return queue.Write(ctx, ev)
}

func (e *Executor) fail(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue, cause error) error {
	msg := a2a.NewMessage(a2a.MessageRoleAgent, a2a.TextPart{Text: fmt.Sprintf("Error: %v", cause)})
	ev := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateFailed, msg)
	ev.Final = true
	return queue.Write(ctx, ev)
}

// invoke runs a workflow when the skill names one and routes a point request
// otherwise.
func (e *Executor) invoke(ctx context.Context, inv Invocation) (any, error) {
	var input any
	if len(inv.Input) > 0 {
		input = inv.Input
	}
	if e.isWorkflow(inv.Skill) {
		exec, err := e.sys.ExecuteWorkflow(ctx, inv.Skill, input)
		if err != nil {
			return nil, err
		}
		if exec.Status != orchestrator.ExecutionCompleted {
			return nil, fmt.Errorf("workflow %s %s: %s", inv.Skill, exec.Status, exec.Error)
		}
		return exec, nil
	}
	return e.sys.Route(ctx, inv.Skill, input)
}

func (e *Executor) isWorkflow(id string) bool {
	return slices.ContainsFunc(e.sys.Workflows(), func(d *orchestrator.Definition) bool {
		return d.ID == id
	})
}

// ParseInvocation decodes the skill and input carried by msg.
func ParseInvocation(msg *a2a.Message) (Invocation, error) {
	if msg == nil {
		return Invocation{}, fmt.Errorf("%w: empty message", agent.ErrInvalidInput)
	}

	var inv Invocation
	if skill, ok := msg.Metadata["skill"].(string); ok {
		inv.Skill = skill
	}

	var text strings.Builder
	for _, part := range msg.Parts {
		switch p := part.(type) {
		case a2a.DataPart:
			if err := mergeData(&inv, p.Data); err != nil {
				return inv, err
			}
		case *a2a.DataPart:
			if err := mergeData(&inv, p.Data); err != nil {
				return inv, err
			}
		case a2a.TextPart:
			text.WriteString(p.Text)
			text.WriteString("\n")
		case *a2a.TextPart:
			text.WriteString(p.Text)
			text.WriteString("\n")
		}
	}
	if inv.Skill != "" && len(inv.Input) > 0 {
		return inv, nil
	}

	body := strings.TrimSpace(text.String())
	if body == "" {
		if inv.Skill == "" {
			return inv, fmt.Errorf("%w: message carries no skill or text", agent.ErrInvalidInput)
		}
		return inv, nil
	}

	// A JSON object in a text part is read like a data part.
	if strings.HasPrefix(body, "{") {
		var data map[string]any
		if err := json.Unmarshal([]byte(body), &data); err == nil {
			if err := mergeData(&inv, data); err != nil {
				return inv, err
			}
			if inv.Skill != "" {
				return inv, nil
			}
		}
	}

	return declarationInvocation(inv.Skill, body)
}

// mergeData reads the skill and input keys of a data part. A data part
// without an input key is itself the input.
func mergeData(inv *Invocation, data map[string]any) error {
	if skill, ok := data["skill"].(string); ok && skill != "" {
		inv.Skill = skill
	}
	payload, ok := data["input"]
	if !ok {
		rest := make(map[string]any, len(data))
		for k, v := range data {
			if k != "skill" {
				rest[k] = v
			}
		}
		if len(rest) == 0 {
			return nil
		}
		payload = rest
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", agent.ErrInvalidInput, err)
	}
	inv.Input = raw
	return nil
}

// declarationInvocation turns free text into a classification request, or an
// extraction request when the skill asks for one.
func declarationInvocation(skill, text string) (Invocation, error) {
	var input any
	switch skill {
	case agent.CapExtractIngredients:
		input = extraction.Request{Kind: extraction.KindText, Locator: text}
	case "", agent.CapClassifyIngredients:
		skill = agent.CapClassifyIngredients
		name, _ := extraction.SplitDeclaration(text)
		input = classification.Request{ProductName: name, Ingredients: extraction.ParseIngredients(text)}
	default:
		return Invocation{Skill: skill}, fmt.Errorf("%w: %s needs structured input", agent.ErrInvalidInput, skill)
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return Invocation{}, err
	}
	return Invocation{Skill: skill, Input: raw}, nil
}

// toData converts a result into the map a data part carries.
func toData(out any) (map[string]any, error) {
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err == nil && data != nil {
		return data, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return map[string]any{"result": value}, nil
}

func summarize(skill string, out any) string {
	switch v := out.(type) {
	case *classification.Result:
		name := v.ProductName
		if name == "" {
			name = "Product"
		}
		return fmt.Sprintf("%s: %s (confidence %d%%)", name, v.Status, v.Confidence)
	case *extraction.Document:
		return fmt.Sprintf("Extracted %d ingredients", len(v.Ingredients))
	case *certificate.Record:
		return fmt.Sprintf("Certificate %s %s", v.Number, v.Status)
	case *certificate.Verification:
		if v.Valid {
			return fmt.Sprintf("Certificate %s is valid", v.ID)
		}
		return fmt.Sprintf("Certificate %s is not valid: %s", v.ID, strings.Join(v.Reasons, ", "))
	case *orchestrator.Execution:
		return fmt.Sprintf("Workflow %s %s", v.DefinitionID, v.Status)
	}
	return fmt.Sprintf("%s completed", skill)
}
