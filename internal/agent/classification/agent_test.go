package classification

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/halalcert/internal/agent"
	"github.com/normanking/halalcert/internal/bus"
)

func TestAgentProcess(t *testing.T) {
	eb := bus.NewBus()
	defer eb.Close()

	a := NewAgent(newTestEngine(t, nil), eb, zerolog.Nop())
	ctx := context.Background()

	_, err := a.Process(ctx, agent.Request{Capability: agent.CapClassifyIngredients, Input: Request{Ingredients: []string{"water"}}})
	assert.ErrorIs(t, err, agent.ErrNotInitialized)

	require.NoError(t, a.Initialize(ctx))

	out, err := a.Process(ctx, agent.Request{
		Capability: agent.CapClassifyIngredients,
		Input:      map[string]any{"product_name": "Tea", "ingredients": []any{"Water", "Sugar"}},
	})
	require.NoError(t, err)
	res := out.(*Result)
	assert.Equal(t, "Tea", res.ProductName)
	assert.Equal(t, StatusApproved, res.Status)

	_, err = a.Process(ctx, agent.Request{Capability: agent.CapGenerateCertificate})
	assert.ErrorIs(t, err, agent.ErrUnsupportedCapability)

	require.NoError(t, a.Shutdown(ctx))
	assert.Error(t, a.HealthCheck(ctx))
}

func TestAgentSelfTriggersOnChainedExtraction(t *testing.T) {
	eb := bus.NewBus()
	defer eb.Close()

	done := make(chan *Result, 1)
	eb.Subscribe(bus.TopicClassificationCompleted, func(ctx context.Context, e bus.Event) error {
		assert.Equal(t, "exec-7", e.CorrelationID)
		done <- e.Payload.(*Result)
		return nil
	})
	var requested int
	eb.Subscribe(bus.TopicClassificationRequested, func(ctx context.Context, e bus.Event) error {
		requested++
		return nil
	})

	a := NewAgent(newTestEngine(t, nil), eb, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, a.Initialize(ctx))
	defer a.Shutdown(ctx)

	notice := map[string]any{
		"document": map[string]any{"product_name": "Jelly", "ingredients": []string{"Water", "Gelatin"}},
		"chain":    true,
	}
	_, err := eb.Publish(bus.ContextWithCorrelationID(ctx, "exec-7"), bus.TopicExtractionCompleted, notice)
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.Equal(t, "Jelly", res.ProductName)
		assert.Equal(t, StatusQuestionable, res.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("classification-completed not published")
	}
	assert.Equal(t, 1, requested)
}

func TestAgentIgnoresUnchainedExtraction(t *testing.T) {
	eb := bus.NewBus()
	defer eb.Close()

	var fired bool
	eb.Subscribe(bus.TopicClassificationRequested, func(ctx context.Context, e bus.Event) error {
		fired = true
		return nil
	})

	a := NewAgent(newTestEngine(t, nil), eb, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, a.Initialize(ctx))
	defer a.Shutdown(ctx)

	eb.Publish(ctx, bus.TopicExtractionCompleted, map[string]any{"document": map[string]any{"ingredients": []string{"x"}}})
	assert.False(t, fired)
}

func TestAgentDropsLateDeliveriesAfterShutdown(t *testing.T) {
	eb := bus.NewBus()
	defer eb.Close()

	var requested atomic.Int32
	eb.Subscribe(bus.TopicClassificationRequested, func(ctx context.Context, e bus.Event) error {
		requested.Add(1)
		return nil
	})

	a := NewAgent(newTestEngine(t, nil), eb, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, a.Initialize(ctx))

	ev := bus.NewEvent(bus.TopicExtractionCompleted, map[string]any{
		"document": map[string]any{"product_name": "Jelly", "ingredients": []string{"Water"}},
		"chain":    true,
	})

	// Deliveries racing the shutdown either start a run that Shutdown waits
	// for, or are dropped.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, a.onExtraction(ctx, ev))
			}
		}()
	}
	require.NoError(t, a.Shutdown(ctx))
	wg.Wait()

	// A delivery snapshotted before Unsubscribe arrives late.
	before := requested.Load()
	require.NoError(t, a.onExtraction(ctx, ev))
	assert.Equal(t, before, requested.Load())
}
