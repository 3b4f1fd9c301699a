package logging

import (
	"context"
	"time"
)

// DetachContext returns a context that keeps the parent's values but is not
// cancelled with it. Background workflow runs started from a request use it
// so the run outlives the request.
func DetachContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachContextWithTimeout detaches from the parent and applies its own deadline.
//
//	runCtx, cancel := logging.DetachContextWithTimeout(r.Context(), time.Minute)
//	defer cancel()
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
