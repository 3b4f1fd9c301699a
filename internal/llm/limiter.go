package llm

import (
	"context"
	"sync"
	"time"
)

// Limited throttles calls to a provider with a token bucket and caps the
// number of calls in flight.
type Limited struct {
	Provider

	bucket *tokenBucket
	slots  chan struct{}
}

// NewLimited wraps p. A zero requestsPerMinute disables rate limiting and a
// zero maxConcurrent disables the concurrency cap.
func NewLimited(p Provider, requestsPerMinute, maxConcurrent int) *Limited {
	l := &Limited{Provider: p}
	if requestsPerMinute > 0 {
		l.bucket = newTokenBucket(requestsPerMinute, time.Now)
	}
	if maxConcurrent > 0 {
		l.slots = make(chan struct{}, maxConcurrent)
	}
	return l
}

// Chat waits for a free slot and a rate token before calling the provider.
func (l *Limited) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if l.slots != nil {
		select {
		case l.slots <- struct{}{}:
			defer func() { <-l.slots }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.bucket != nil {
		if err := l.bucket.acquire(ctx); err != nil {
			return nil, err
		}
	}
	return l.Provider.Chat(ctx, req)
}

// Unwrap returns the limited provider.
func (l *Limited) Unwrap() Provider { return l.Provider }

// tokenBucket refills continuously up to one minute's worth of requests.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

func newTokenBucket(perMinute int, now func() time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(perMinute),
		maxTokens:  float64(perMinute),
		refillRate: float64(perMinute) / 60,
		lastRefill: now(),
		now:        now,
	}
}

// acquire blocks until a token is available or ctx is done.
func (tb *tokenBucket) acquire(ctx context.Context) error {
	for {
		wait := tb.take()
		if wait == 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// take consumes a token and returns zero, or returns how long until one is
// available.
func (tb *tokenBucket) take() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return 0
	}
	return time.Duration((1 - tb.tokens) / tb.refillRate * float64(time.Second))
}

// refill must be called with mu held.
func (tb *tokenBucket) refill() {
	now := tb.now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
}
