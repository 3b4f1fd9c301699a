package registrar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/halalcert/internal/agent"
	"github.com/normanking/halalcert/internal/bus"
)

type fakeAgent struct {
	id          string
	caps        []string
	initErr     error
	healthErr   error
	healthDelay time.Duration
	shutdownErr error
	initialized bool
	shutdown    bool
}

func (f *fakeAgent) Identity() agent.Identity { return agent.Identity{ID: f.id, Name: f.id} }

func (f *fakeAgent) Capabilities() []agent.Capability {
	out := make([]agent.Capability, 0, len(f.caps))
	for _, c := range f.caps {
		out = append(out, agent.Capability{Name: c})
	}
	return out
}

func (f *fakeAgent) Initialize(ctx context.Context) error {
	if f.initErr != nil {
		return f.initErr
	}
	f.initialized = true
	return nil
}

func (f *fakeAgent) Process(ctx context.Context, req agent.Request) (any, error) {
	return f.id, nil
}

func (f *fakeAgent) HealthCheck(ctx context.Context) error {
	if f.healthDelay > 0 {
		select {
		case <-time.After(f.healthDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.healthErr
}

func (f *fakeAgent) Shutdown(ctx context.Context) error {
	f.shutdown = true
	return f.shutdownErr
}

func newTestRegistry(b *bus.Bus) *Registry {
	return New(b, zerolog.Nop(), 50*time.Millisecond)
}

func TestRegisterAndResolve(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)

	first := &fakeAgent{id: "classifier-a", caps: []string{"classify-ingredients"}}
	second := &fakeAgent{id: "classifier-b", caps: []string{"classify-ingredients", "extract-ingredients"}}
	require.NoError(t, r.Register(ctx, first))
	require.NoError(t, r.Register(ctx, second))

	assert.True(t, first.initialized, "Register must run Initialize")

	got, err := r.Resolve("classify-ingredients")
	require.NoError(t, err)
	assert.Equal(t, "classifier-a", got.Identity().ID, "first registered wins")

	all := r.ResolveAll("classify-ingredients")
	require.Len(t, all, 2)
	assert.Equal(t, "classifier-b", all[1].Identity().ID)

	got, err = r.Resolve("extract-ingredients")
	require.NoError(t, err)
	assert.Equal(t, "classifier-b", got.Identity().ID)

	_, err = r.Resolve("generate-certificate")
	assert.ErrorIs(t, err, ErrNoAgentForCapability)

	assert.Equal(t, 2, r.Count())
	assert.Equal(t, []string{"classify-ingredients", "extract-ingredients"}, r.Capabilities())
}

func TestRegisterDuplicate(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)
	require.NoError(t, r.Register(ctx, &fakeAgent{id: "x"}))

	err := r.Register(ctx, &fakeAgent{id: "x"})
	assert.ErrorIs(t, err, ErrDuplicateAgentID)
	assert.Equal(t, 1, r.Count())
}

func TestRegisterInitFailure(t *testing.T) {
	r := newTestRegistry(nil)
	err := r.Register(context.Background(), &fakeAgent{id: "broken", caps: []string{"c"}, initErr: errors.New("no config")})
	require.Error(t, err)

	_, err = r.Resolve("c")
	assert.ErrorIs(t, err, ErrNoAgentForCapability)
}

func TestHealthCheck(t *testing.T) {
	eb := bus.NewBus()
	defer eb.Close()

	var faults []bus.AgentFault
	eb.Subscribe(bus.TopicAgentError, func(ctx context.Context, e bus.Event) error {
		faults = append(faults, e.Payload.(bus.AgentFault))
		return nil
	})

	ctx := context.Background()
	r := newTestRegistry(eb)
	require.NoError(t, r.Register(ctx, &fakeAgent{id: "ok"}))
	require.NoError(t, r.Register(ctx, &fakeAgent{id: "sick", healthErr: errors.New("upstream down")}))
	require.NoError(t, r.Register(ctx, &fakeAgent{id: "slow", healthDelay: time.Second}))

	reports := r.HealthCheck(ctx)
	require.Len(t, reports, 3)
	assert.True(t, reports[0].Healthy)
	assert.False(t, reports[1].Healthy)
	assert.Equal(t, "upstream down", reports[1].Error)
	assert.False(t, reports[2].Healthy)
	assert.Less(t, reports[2].Latency, time.Second)

	require.Len(t, faults, 2)
	assert.Equal(t, "sick", faults[0].AgentID)
	assert.Equal(t, "slow", faults[1].AgentID)
}

func TestShutdownAllCollectsErrors(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)

	errA := errors.New("flush failed")
	a := &fakeAgent{id: "a", shutdownErr: errA}
	b := &fakeAgent{id: "b"}
	c := &fakeAgent{id: "c", shutdownErr: errors.New("socket busy")}
	for _, ag := range []*fakeAgent{a, b, c} {
		require.NoError(t, r.Register(ctx, ag))
	}

	err := r.ShutdownAll(ctx)
	require.Error(t, err)
	assert.True(t, a.shutdown && b.shutdown && c.shutdown, "every agent must be shut down")

	var se *ShutdownError
	require.ErrorAs(t, err, &se)
	assert.Len(t, se.Failures, 2)
	assert.ErrorIs(t, err, errA)
	assert.Contains(t, err.Error(), "a: flush failed")
}

func TestRegisterPublishesEvent(t *testing.T) {
	eb := bus.NewBus()
	defer eb.Close()
	var infos []AgentInfo
	eb.Subscribe(bus.TopicAgentRegistered, func(ctx context.Context, e bus.Event) error {
		infos = append(infos, e.Payload.(AgentInfo))
		return nil
	})

	r := newTestRegistry(eb)
	require.NoError(t, r.Register(context.Background(), &fakeAgent{id: "x", caps: []string{"c"}}))
	require.Len(t, infos, 1)
	assert.Equal(t, "x", infos[0].Identity.ID)
	assert.Len(t, r.Agents(), 1)
}
