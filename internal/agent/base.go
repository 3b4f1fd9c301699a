package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/normanking/halalcert/internal/bus"
)

// State is an agent lifecycle state.
type State int32

const (
	StateConstructed State = iota
	StateInitialized
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateInitialized:
		return "initialized"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

var (
	ErrNotInitialized = errors.New("agent not initialized")
	ErrShutdown       = errors.New("agent shut down")
)

// Base carries the identity, lifecycle and event plumbing shared by the
// built-in agents. Embed a *Base and implement Process.
type Base struct {
	identity     Identity
	capabilities []Capability
	state        atomic.Int32

	Bus    *bus.Bus
	Logger zerolog.Logger
}

// NewBase creates the shared agent core.
func NewBase(id Identity, caps []Capability, b *bus.Bus, logger zerolog.Logger) *Base {
	return &Base{
		identity:     id,
		capabilities: caps,
		Bus:          b,
		Logger:       logger.With().Str("agent", id.ID).Logger(),
	}
}

func (b *Base) Identity() Identity { return b.identity }

func (b *Base) Capabilities() []Capability {
	out := make([]Capability, len(b.capabilities))
	copy(out, b.capabilities)
	return out
}

// State returns the current lifecycle state.
func (b *Base) State() State { return State(b.state.Load()) }

// MarkInitialized moves constructed -> initialized. Initializing twice is a no-op.
func (b *Base) MarkInitialized() error {
	if b.state.CompareAndSwap(int32(StateConstructed), int32(StateInitialized)) {
		return nil
	}
	if b.State() == StateShutdown {
		return fmt.Errorf("initialize %s: %w", b.identity.ID, ErrShutdown)
	}
	return nil
}

// MarkShutdown moves the agent to its terminal state.
func (b *Base) MarkShutdown() { b.state.Store(int32(StateShutdown)) }

// Ready reports whether the agent may process requests.
func (b *Base) Ready() error {
	switch b.State() {
	case StateInitialized:
		return nil
	case StateShutdown:
		return fmt.Errorf("%s: %w", b.identity.ID, ErrShutdown)
	default:
		return fmt.Errorf("%s: %w", b.identity.ID, ErrNotInitialized)
	}
}

// Initialize is the default lifecycle hook.
func (b *Base) Initialize(ctx context.Context) error { return b.MarkInitialized() }

// HealthCheck is healthy while the agent is initialized.
func (b *Base) HealthCheck(ctx context.Context) error { return b.Ready() }

// Shutdown is the default lifecycle hook.
func (b *Base) Shutdown(ctx context.Context) error {
	b.MarkShutdown()
	return nil
}

// Emit publishes an event sourced from this agent. A nil bus or a closed bus
// is logged and ignored.
func (b *Base) Emit(ctx context.Context, topic string, payload any) {
	if b.Bus == nil {
		return
	}
	if _, err := b.Bus.Publish(ctx, topic, payload, bus.WithSource(b.identity.ID)); err != nil {
		b.Logger.Debug().Err(err).Str("topic", topic).Msg("emit dropped")
	}
}

// Unsupported builds the error for an undeclared capability.
func (b *Base) Unsupported(capability string) error {
	return fmt.Errorf("%s: %w: %q", b.identity.ID, ErrUnsupportedCapability, capability)
}
