// Package orchestrator routes capability requests to agents and runs
// declarative multi-step workflows over them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/halalcert/internal/agent"
	"github.com/normanking/halalcert/internal/bus"
	"github.com/normanking/halalcert/internal/logging"
)

// DefaultRetention keeps finished executions for an hour.
const DefaultRetention = time.Hour

// Resolver finds the agent serving a capability.
type Resolver interface {
	Resolve(capability string) (agent.Agent, error)
}

// Results holds the outputs accumulated by an execution, keyed by step name.
// The initial input is stored under SourceInitial.
type Results map[string]any

// TransformFunc reshapes a step's source value into the step input.
type TransformFunc func(ctx context.Context, value any, results Results) (any, error)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRetention sets how long finished executions are kept.
func WithRetention(d time.Duration) Option {
	return func(o *Orchestrator) { o.retention = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

type run struct {
	mu        sync.Mutex
	exec      *Execution
	cancelled atomic.Bool
	done      chan struct{}
}

func (r *run) snapshot() *Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.clone()
}

func (r *run) update(fn func(e *Execution)) {
	r.mu.Lock()
	fn(r.exec)
	r.mu.Unlock()
}

// Orchestrator routes requests and executes workflows.
type Orchestrator struct {
	resolver  Resolver
	bus       *bus.Bus
	logger    zerolog.Logger
	retention time.Duration
	now       func() time.Time

	defMu       sync.RWMutex
	definitions map[string]*Definition
	transforms  map[string]TransformFunc

	runMu sync.RWMutex
	runs  map[string]*run
}

// New creates an orchestrator.
func New(resolver Resolver, b *bus.Bus, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		resolver:    resolver,
		bus:         b,
		logger:      logger,
		retention:   DefaultRetention,
		now:         time.Now,
		definitions: make(map[string]*Definition),
		transforms:  make(map[string]TransformFunc),
		runs:        make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ─── point routing ──────────────────────────────────────────────────────────

// RouteRequest invokes the agent serving capability and announces the
// outcome on <capability>-completed or <capability>-failed.
func (o *Orchestrator) RouteRequest(ctx context.Context, capability string, input any) (any, error) {
	if bus.CorrelationID(ctx) == "" {
		ctx = bus.ContextWithCorrelationID(ctx, uuid.NewString())
	}
	ev := RouteEvent{Capability: capability, CorrelationID: bus.CorrelationID(ctx)}

	a, err := o.resolver.Resolve(capability)
	if err != nil {
		ev.Error = err.Error()
		o.publish(ctx, bus.FailedTopic(capability), ev)
		return nil, err
	}
	ev.AgentID = a.Identity().ID

	start := o.now()
	out, err := invokeAgent(ctx, a, agent.Request{Capability: capability, Input: input})
	ev.Duration = o.now().Sub(start)

	if err != nil {
		ev.Error = err.Error()
		o.logger.Debug().Err(err).Str("capability", capability).Str("agent", ev.AgentID).Msg("request failed")
		o.publish(ctx, bus.FailedTopic(capability), ev)
		return nil, fmt.Errorf("%s via %s: %w", capability, ev.AgentID, err)
	}
	o.publish(ctx, bus.CompletedTopic(capability), ev)
	return out, nil
}

func invokeAgent(ctx context.Context, a agent.Agent, req agent.Request) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrAgentPanic, r)
		}
	}()
	return a.Process(ctx, req)
}

func (o *Orchestrator) publish(ctx context.Context, topic string, payload any, opts ...bus.PublishOption) {
	if o.bus == nil {
		return
	}
	if _, err := o.bus.Publish(ctx, topic, payload, opts...); err != nil && !errors.Is(err, bus.ErrClosed) {
		o.logger.Warn().Err(err).Str("topic", topic).Msg("publish failed")
	}
}

// ─── definitions ────────────────────────────────────────────────────────────

// RegisterTransform adds a named input transform.
func (o *Orchestrator) RegisterTransform(name string, fn TransformFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("register transform: name and func are required")
	}
	o.defMu.Lock()
	defer o.defMu.Unlock()
	if _, ok := o.transforms[name]; ok {
		return fmt.Errorf("register transform: %q already registered", name)
	}
	o.transforms[name] = fn
	return nil
}

// RegisterDefinition validates and stores a workflow definition.
func (o *Orchestrator) RegisterDefinition(def *Definition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if err := def.Validate(); err != nil {
		return err
	}
	o.defMu.Lock()
	defer o.defMu.Unlock()
	if _, ok := o.definitions[def.ID]; ok {
		return fmt.Errorf("%w: %q already registered", ErrInvalidDefinition, def.ID)
	}
	for _, s := range def.Steps {
		if t := s.Input.Transform; t != "" {
			if _, ok := o.transforms[t]; !ok {
				return fmt.Errorf("%w %q: step %q: %w %q", ErrInvalidDefinition, def.ID, s.Name, ErrUnknownTransform, t)
			}
		}
	}
	o.definitions[def.ID] = def
	o.logger.Debug().Str("workflow", def.ID).Int("steps", len(def.Steps)).Msg("workflow registered")
	return nil
}

// LoadDefinitions registers every workflow in a YAML file.
func (o *Orchestrator) LoadDefinitions(path string) error {
	defs, err := ReadDefinitions(path)
	if err != nil {
		return err
	}
	for _, d := range defs {
		if err := o.RegisterDefinition(d); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

// Definition returns a registered definition.
func (o *Orchestrator) Definition(id string) (*Definition, bool) {
	o.defMu.RLock()
	defer o.defMu.RUnlock()
	d, ok := o.definitions[id]
	return d, ok
}

// Definitions lists registered definitions by id.
func (o *Orchestrator) Definitions() []*Definition {
	o.defMu.RLock()
	out := make([]*Definition, 0, len(o.definitions))
	for _, d := range o.definitions {
		out = append(out, d)
	}
	o.defMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ─── executions ─────────────────────────────────────────────────────────────

// ExecuteWorkflow runs a workflow to completion and returns its final
// snapshot. An aborted run also returns a *StepFailedError; a cancelled run
// returns no error.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, definitionID string, input any) (*Execution, error) {
	def, r, err := o.begin(definitionID)
	if err != nil {
		return nil, err
	}
	err = o.execute(ctx, def, r, input)
	return r.snapshot(), err
}

// StartWorkflow runs a workflow in the background and returns its id. The run
// keeps the values of ctx but not its cancellation.
func (o *Orchestrator) StartWorkflow(ctx context.Context, definitionID string, input any) (string, error) {
	def, r, err := o.begin(definitionID)
	if err != nil {
		return "", err
	}
	runCtx := logging.DetachContext(ctx)
	go func() {
		if err := o.execute(runCtx, def, r, input); err != nil {
			o.logger.Debug().Err(err).Str("execution", r.exec.ID).Msg("background workflow ended with error")
		}
	}()
	return r.exec.ID, nil
}

func (o *Orchestrator) begin(definitionID string) (*Definition, *run, error) {
	def, ok := o.Definition(definitionID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrDefinitionNotFound, definitionID)
	}
	steps := make([]StepResult, len(def.Steps))
	for i, s := range def.Steps {
		steps[i] = StepResult{Name: s.Name, Capability: s.Capability, Status: StepPending}
	}
	r := &run{
		exec: &Execution{
			ID:           uuid.NewString(),
			DefinitionID: def.ID,
			Steps:        steps,
			Status:       ExecutionRunning,
			StartedAt:    o.now(),
		},
		done: make(chan struct{}),
	}
	o.runMu.Lock()
	o.runs[r.exec.ID] = r
	o.runMu.Unlock()
	return def, r, nil
}

func (o *Orchestrator) execute(ctx context.Context, def *Definition, r *run, input any) error {
	defer close(r.done)

	id := r.exec.ID
	ctx = bus.ContextWithCorrelationID(ctx, id)
	log := o.logger.With().Str("execution", id).Str("workflow", def.ID).Logger()
	event := func(topic, step string, attempt int, status string, err error) {
		ev := WorkflowEvent{ExecutionID: id, DefinitionID: def.ID, Step: step, Attempt: attempt, Status: status}
		if err != nil {
			ev.Error = err.Error()
		}
		o.publish(ctx, topic, ev, bus.WithCorrelationID(id))
	}

	log.Info().Int("steps", len(def.Steps)).Msg("workflow started")
	event(bus.TopicWorkflowStarted, "", 0, string(ExecutionRunning), nil)

	results := Results{SourceInitial: input}
	prev := input
	for i, step := range def.Steps {
		if o.stopRequested(ctx, r) {
			return o.finishCancelled(r, log, event)
		}
		r.update(func(e *Execution) {
			e.CurrentStep = i
			e.Steps[i].Status = StepRunning
			e.Steps[i].StartedAt = o.now()
		})

		out, attempts, err := o.runStep(ctx, step, prev, results, func(attempt int) {
			r.update(func(e *Execution) { e.Steps[i].Attempts = attempt })
			event(bus.TopicWorkflowStepStarted, step.Name, attempt, string(StepRunning), nil)
		}, func(attempt int, err error) {
			log.Warn().Err(err).Str("step", step.Name).Int("attempt", attempt).Msg("step attempt failed")
			event(bus.TopicWorkflowStepFailed, step.Name, attempt, string(StepFailed), err)
		})

		switch {
		case err == nil:
			r.update(func(e *Execution) {
				e.Steps[i].Status = StepSucceeded
				e.Steps[i].Output = out
				e.Steps[i].EndedAt = o.now()
			})
			results[step.Name] = out
			prev = out
			event(bus.TopicWorkflowStepCompleted, step.Name, attempts, string(StepSucceeded), nil)

		case step.OnFailure.Action == ActionSkip:
			r.update(func(e *Execution) {
				e.Steps[i].Status = StepSkipped
				e.Steps[i].Error = err.Error()
				e.Steps[i].EndedAt = o.now()
			})
			results[step.Name] = nil
			prev = nil
			log.Info().Str("step", step.Name).Msg("step skipped")
			event(bus.TopicWorkflowStepCompleted, step.Name, attempts, string(StepSkipped), err)

		default:
			failure := &StepFailedError{Step: step.Name, Cause: err}
			r.update(func(e *Execution) {
				e.Steps[i].Status = StepFailed
				e.Steps[i].Error = err.Error()
				e.Steps[i].EndedAt = o.now()
				e.Status = ExecutionFailed
				e.Error = failure.Error()
				e.EndedAt = o.now()
			})
			log.Error().Err(err).Str("step", step.Name).Int("attempts", attempts).Msg("workflow failed")
			event(bus.TopicWorkflowFailed, step.Name, attempts, string(ExecutionFailed), failure)
			return failure
		}
	}

	if o.stopRequested(ctx, r) {
		return o.finishCancelled(r, log, event)
	}
	r.update(func(e *Execution) {
		e.Status = ExecutionCompleted
		e.Output = prev
		e.EndedAt = o.now()
	})
	log.Info().Msg("workflow completed")
	event(bus.TopicWorkflowCompleted, "", 0, string(ExecutionCompleted), nil)
	return nil
}

// runStep builds the step input and invokes the capability, retrying per the
// step's policy. Attempts are strictly sequential.
func (o *Orchestrator) runStep(
	ctx context.Context,
	step Step,
	prev any,
	results Results,
	started func(attempt int),
	failed func(attempt int, err error),
) (any, int, error) {
	var lastErr error
	limit := step.OnFailure.attempts()
	for attempt := 1; attempt <= limit; attempt++ {
		if attempt > 1 && ctx.Err() != nil {
			return nil, attempt - 1, lastErr
		}
		started(attempt)
		in, err := o.stepInput(ctx, step, prev, results)
		if err == nil {
			var out any
			out, err = o.RouteRequest(ctx, step.Capability, in)
			if err == nil {
				return out, attempt, nil
			}
		}
		lastErr = err
		failed(attempt, err)
	}
	return nil, limit, lastErr
}

func (o *Orchestrator) stepInput(ctx context.Context, step Step, prev any, results Results) (any, error) {
	var value any
	switch step.Input.From {
	case "":
		value = prev
	case SourceInitial:
		value = results[SourceInitial]
	default:
		value = results[step.Input.From]
	}
	if step.Input.Transform == "" {
		return value, nil
	}
	o.defMu.RLock()
	fn := o.transforms[step.Input.Transform]
	o.defMu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownTransform, step.Input.Transform)
	}
	out, err := fn(ctx, value, results)
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", step.Input.Transform, err)
	}
	return out, nil
}

func (o *Orchestrator) stopRequested(ctx context.Context, r *run) bool {
	return r.cancelled.Load() || ctx.Err() != nil
}

func (o *Orchestrator) finishCancelled(r *run, log zerolog.Logger, event func(string, string, int, string, error)) error {
	r.update(func(e *Execution) {
		e.Status = ExecutionCancelled
		e.EndedAt = o.now()
	})
	log.Info().Msg("workflow cancelled")
	event(bus.TopicWorkflowCancelled, "", 0, string(ExecutionCancelled), nil)
	return nil
}

// CancelExecution asks a running execution to stop at its next step
// boundary. The step in flight is allowed to finish.
func (o *Orchestrator) CancelExecution(id string) error {
	r, ok := o.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exec.Status.Finished() {
		return fmt.Errorf("%w: %s is %s", ErrExecutionFinished, id, r.exec.Status)
	}
	r.cancelled.Store(true)
	return nil
}

// GetExecution returns a snapshot of an execution.
func (o *Orchestrator) GetExecution(id string) (*Execution, error) {
	r, ok := o.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return r.snapshot(), nil
}

// Wait blocks until the execution finishes or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*Execution, error) {
	r, ok := o.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// ListExecutions returns snapshots ordered by start time.
func (o *Orchestrator) ListExecutions() []*Execution {
	o.runMu.RLock()
	out := make([]*Execution, 0, len(o.runs))
	for _, r := range o.runs {
		out = append(out, r.snapshot())
	}
	o.runMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ActiveExecutions counts running executions.
func (o *Orchestrator) ActiveExecutions() int {
	o.runMu.RLock()
	defer o.runMu.RUnlock()
	n := 0
	for _, r := range o.runs {
		r.mu.Lock()
		if r.exec.Status == ExecutionRunning {
			n++
		}
		r.mu.Unlock()
	}
	return n
}

// Prune drops executions that finished more than the retention window before
// now and returns how many were removed.
func (o *Orchestrator) Prune(now time.Time) int {
	cutoff := now.Add(-o.retention)
	o.runMu.Lock()
	defer o.runMu.Unlock()
	n := 0
	for id, r := range o.runs {
		r.mu.Lock()
		expired := r.exec.Status.Finished() && r.exec.EndedAt.Before(cutoff)
		r.mu.Unlock()
		if expired {
			delete(o.runs, id)
			n++
		}
	}
	if n > 0 {
		o.logger.Debug().Int("pruned", n).Msg("pruned finished executions")
	}
	return n
}

func (o *Orchestrator) lookup(id string) (*run, bool) {
	o.runMu.RLock()
	defer o.runMu.RUnlock()
	r, ok := o.runs[id]
	return r, ok
}
