package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/halalcert/internal/bus"
)

type sample struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

func TestDecodeInput(t *testing.T) {
	t.Run("typed value", func(t *testing.T) {
		got, err := DecodeInput[sample](sample{Name: "a"})
		require.NoError(t, err)
		assert.Equal(t, "a", got.Name)
	})

	t.Run("pointer", func(t *testing.T) {
		got, err := DecodeInput[sample](&sample{Name: "b"})
		require.NoError(t, err)
		assert.Equal(t, "b", got.Name)
	})

	t.Run("generic map", func(t *testing.T) {
		got, err := DecodeInput[sample](map[string]any{"name": "c", "items": []any{"x", "y"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"x", "y"}, got.Items)
	})

	t.Run("raw json", func(t *testing.T) {
		got, err := DecodeInput[sample](json.RawMessage(`{"name":"d"}`))
		require.NoError(t, err)
		assert.Equal(t, "d", got.Name)
	})

	t.Run("nil", func(t *testing.T) {
		_, err := DecodeInput[sample](nil)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("wrong shape", func(t *testing.T) {
		_, err := DecodeInput[sample]("not an object")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestBaseLifecycle(t *testing.T) {
	b := NewBase(Identity{ID: "a1"}, []Capability{{Name: "x"}}, nil, zerolog.Nop())
	ctx := context.Background()

	assert.Equal(t, StateConstructed, b.State())
	assert.ErrorIs(t, b.Ready(), ErrNotInitialized)

	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.Initialize(ctx))
	assert.NoError(t, b.HealthCheck(ctx))

	require.NoError(t, b.Shutdown(ctx))
	assert.ErrorIs(t, b.Ready(), ErrShutdown)
	assert.ErrorIs(t, b.Initialize(ctx), ErrShutdown)
}

func TestBaseEmit(t *testing.T) {
	eb := bus.NewBus()
	defer eb.Close()

	var got bus.Event
	eb.Subscribe("stage-advanced", func(ctx context.Context, e bus.Event) error {
		got = e
		return nil
	})

	b := NewBase(Identity{ID: "stages"}, nil, eb, zerolog.Nop())
	b.Emit(context.Background(), "stage-advanced", 1)
	assert.Equal(t, "stages", got.Source)
	assert.Equal(t, 1, got.Payload)

	caps := []Capability{{Name: "x"}}
	b2 := NewBase(Identity{ID: "b2"}, caps, nil, zerolog.Nop())
	b2.Emit(context.Background(), "ignored", nil)
	assert.True(t, Declares(b2, "x"))
	assert.False(t, Declares(b2, "y"))
}
