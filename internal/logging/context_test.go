package logging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type ctxKey struct{}

func TestDetachContext_SurvivesCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "corr-1"))
	detached := DetachContext(parent)
	cancel()

	assert.Error(t, parent.Err())
	assert.NoError(t, detached.Err())
	assert.Equal(t, "corr-1", detached.Value(ctxKey{}))
}

func TestDetachContextWithTimeout_OwnDeadline(t *testing.T) {
	parent, parentCancel := context.WithCancel(context.Background())
	detached, cancel := DetachContextWithTimeout(parent, 50*time.Millisecond)
	defer cancel()

	parentCancel()
	assert.NoError(t, detached.Err())

	<-detached.Done()
	assert.ErrorIs(t, detached.Err(), context.DeadlineExceeded)
}
