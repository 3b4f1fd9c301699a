// Package registrar tracks live agents and the capabilities they declare.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/halalcert/internal/agent"
	"github.com/normanking/halalcert/internal/bus"
)

var (
	// ErrNoAgentForCapability is returned when nothing declares a capability.
	ErrNoAgentForCapability = errors.New("no agent for capability")

	// ErrDuplicateAgentID is returned when an agent id is already registered.
	ErrDuplicateAgentID = errors.New("duplicate agent id")
)

// DefaultHealthTimeout bounds each agent's health probe.
const DefaultHealthTimeout = 5 * time.Second

// HealthReport is the outcome of probing one agent.
type HealthReport struct {
	AgentID string        `json:"agent_id"`
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency_ns"`
	Error   string        `json:"error,omitempty"`
}

// AgentInfo is the status view of a registered agent.
type AgentInfo struct {
	Identity     agent.Identity     `json:"identity"`
	Capabilities []agent.Capability `json:"capabilities"`
	RegisteredAt time.Time          `json:"registered_at"`
}

type entry struct {
	agent        agent.Agent
	registeredAt time.Time
}

// Registry indexes agents by id and by capability. When several agents declare
// the same capability, Resolve returns the one registered first.
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]*entry
	order        []string
	capabilities map[string][]string

	bus           *bus.Bus
	logger        zerolog.Logger
	healthTimeout time.Duration
}

// New creates an empty registry. A nil bus disables health fault events.
func New(b *bus.Bus, logger zerolog.Logger, healthTimeout time.Duration) *Registry {
	if healthTimeout <= 0 {
		healthTimeout = DefaultHealthTimeout
	}
	return &Registry{
		agents:        make(map[string]*entry),
		capabilities:  make(map[string][]string),
		bus:           b,
		logger:        logger,
		healthTimeout: healthTimeout,
	}
}

// Register initializes the agent and indexes its capabilities. The agent is
// not visible to Resolve if Initialize fails.
func (r *Registry) Register(ctx context.Context, a agent.Agent) error {
	id := a.Identity().ID
	if id == "" {
		return fmt.Errorf("register: %w: empty agent id", agent.ErrInvalidInput)
	}

	r.mu.RLock()
	_, exists := r.agents[id]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("register %s: %w", id, ErrDuplicateAgentID)
	}

	if err := a.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize %s: %w", id, err)
	}

	r.mu.Lock()
	if _, exists := r.agents[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("register %s: %w", id, ErrDuplicateAgentID)
	}
	r.agents[id] = &entry{agent: a, registeredAt: time.Now()}
	r.order = append(r.order, id)
	caps := a.Capabilities()
	for _, c := range caps {
		r.capabilities[c.Name] = append(r.capabilities[c.Name], id)
	}
	r.mu.Unlock()

	r.logger.Info().Str("agent", id).Int("capabilities", len(caps)).Msg("agent registered")
	if r.bus != nil {
		_, _ = r.bus.Publish(ctx, bus.TopicAgentRegistered, AgentInfo{
			Identity:     a.Identity(),
			Capabilities: caps,
		}, bus.WithSource("registry"))
	}
	return nil
}

// Resolve returns the first registered agent declaring the capability.
func (r *Registry) Resolve(capability string) (agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.capabilities[capability]
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAgentForCapability, capability)
	}
	return r.agents[ids[0]].agent, nil
}

// ResolveAll returns every agent declaring the capability in registration order.
func (r *Registry) ResolveAll(capability string) []agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.capabilities[capability]
	out := make([]agent.Agent, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.agents[id].agent)
	}
	return out
}

// Get returns an agent by id.
func (r *Registry) Get(id string) (agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return e.agent, true
}

// Agents lists registered agents in registration order.
func (r *Registry) Agents() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentInfo, 0, len(r.order))
	for _, id := range r.order {
		e := r.agents[id]
		out = append(out, AgentInfo{
			Identity:     e.agent.Identity(),
			Capabilities: e.agent.Capabilities(),
			RegisteredAt: e.registeredAt,
		})
	}
	return out
}

// Capabilities returns the sorted set of capability names with a provider.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func (r *Registry) snapshot() []agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]agent.Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id].agent)
	}
	return out
}

// HealthCheck probes every agent, bounding each probe by the health timeout.
// Unhealthy agents are reported on the agent-error topic.
func (r *Registry) HealthCheck(ctx context.Context) []HealthReport {
	agents := r.snapshot()
	reports := make([]HealthReport, len(agents))

	var wg sync.WaitGroup
	for i, a := range agents {
		wg.Add(1)
		go func(i int, a agent.Agent) {
			defer wg.Done()
			reports[i] = r.probe(ctx, a)
		}(i, a)
	}
	wg.Wait()

	for _, rep := range reports {
		if rep.Healthy {
			continue
		}
		r.logger.Warn().Str("agent", rep.AgentID).Str("error", rep.Error).Msg("agent unhealthy")
		if r.bus != nil {
			_, _ = r.bus.Publish(ctx, bus.TopicAgentError, bus.AgentFault{
				AgentID: rep.AgentID,
				Op:      "health-check",
				Error:   rep.Error,
			}, bus.WithSource("registry"))
		}
	}
	return reports
}

func (r *Registry) probe(ctx context.Context, a agent.Agent) HealthReport {
	pctx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- a.HealthCheck(pctx) }()

	var err error
	select {
	case err = <-done:
	case <-pctx.Done():
		err = fmt.Errorf("health check: %w", pctx.Err())
	}

	rep := HealthReport{AgentID: a.Identity().ID, Healthy: err == nil, Latency: time.Since(start)}
	if err != nil {
		rep.Error = err.Error()
	}
	return rep
}

// ShutdownError lists the agents whose Shutdown hook failed.
type ShutdownError struct {
	Failures map[string]error
}

func (e *ShutdownError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, fmt.Errorf("%s: %w", id, e.Failures[id]))
	}
	return fmt.Sprintf("shutdown failed for %d agent(s): %v", len(ids), errors.Join(errs...))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *ShutdownError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		out = append(out, err)
	}
	return out
}

// ShutdownAll shuts down every agent in reverse registration order, continuing
// past failures.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	agents := r.snapshot()
	failures := make(map[string]error)
	for i := len(agents) - 1; i >= 0; i-- {
		a := agents[i]
		if err := a.Shutdown(ctx); err != nil {
			failures[a.Identity().ID] = err
			r.logger.Error().Err(err).Str("agent", a.Identity().ID).Msg("agent shutdown failed")
		}
	}
	if len(failures) > 0 {
		return &ShutdownError{Failures: failures}
	}
	return nil
}
