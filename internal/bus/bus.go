// Package bus is the in-process event bus shared by agents, the orchestrator
// and the transports. Delivery is synchronous: Publish returns after every
// matching handler has run, in registration order.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	// DefaultHistorySize is the number of recent events to retain for replay.
	DefaultHistorySize = 1000
)

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus is closed")

	// ErrSubscriptionNotFound is returned when unsubscribing an unknown id.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// SubscriptionID is a unique identifier for event subscriptions.
type SubscriptionID string

// Handler consumes an event. A returned error (or a panic) is reported on
// TopicAgentError and never stops delivery to the remaining subscribers.
type Handler func(ctx context.Context, event Event) error

type subscription struct {
	id      SubscriptionID
	topic   string
	handler Handler
}

// Stats is a point-in-time snapshot of bus activity.
type Stats struct {
	Published       uint64            `json:"published"`
	PublishedTopics map[string]uint64 `json:"published_by_topic"`
	HandlerErrors   uint64            `json:"handler_errors"`
	Subscriptions   int               `json:"subscriptions"`
	HistoryLen      int               `json:"history_len"`
	HistoryCap      int               `json:"history_cap"`
}

// Bus is a thread-safe synchronous pub/sub hub with wildcard support and a
// bounded event history.
type Bus struct {
	subs       []*subscription
	subsMu     sync.RWMutex
	subCounter uint64

	// Ring buffer of recent events.
	history     []Event
	historyHead int
	historyLen  int
	historyMu   sync.RWMutex

	published     atomic.Uint64
	handlerErrors atomic.Uint64
	topicCounts   map[string]uint64
	topicMu       sync.Mutex

	logger zerolog.Logger
	closed atomic.Bool
}

// NewBus creates a bus with the default history size and a no-op logger.
func NewBus() *Bus {
	return NewBusWithConfig(DefaultHistorySize, zerolog.Nop())
}

// NewBusWithConfig creates a bus with a custom history size.
func NewBusWithConfig(historySize int, logger zerolog.Logger) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Bus{
		history:     make([]Event, historySize),
		topicCounts: make(map[string]uint64),
		logger:      logger,
	}
}

// Subscribe registers a handler for a topic. Use Wildcard to receive every
// event. The returned ID can be passed to Unsubscribe.
func (b *Bus) Subscribe(topic string, handler Handler) (SubscriptionID, error) {
	if b.closed.Load() {
		return "", ErrClosed
	}
	if handler == nil {
		return "", fmt.Errorf("subscribe %q: nil handler", topic)
	}

	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	b.subCounter++
	id := SubscriptionID(fmt.Sprintf("sub_%d", b.subCounter))
	b.subs = append(b.subs, &subscription{id: id, topic: topic, handler: handler})
	return id, nil
}

// Unsubscribe removes a subscription by ID.
func (b *Bus) Unsubscribe(id SubscriptionID) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
}

// Publish records the event in history and delivers it to every matching
// subscriber before returning. The correlation id defaults to the one carried
// by ctx.
func (b *Bus) Publish(ctx context.Context, topic string, payload any, opts ...PublishOption) (Event, error) {
	if b.closed.Load() {
		return Event{}, ErrClosed
	}
	if topic == "" || topic == Wildcard {
		return Event{}, fmt.Errorf("publish: invalid topic %q", topic)
	}

	event := NewEvent(topic, payload)
	event.CorrelationID = CorrelationID(ctx)
	for _, opt := range opts {
		opt(&event)
	}

	b.published.Add(1)
	b.topicMu.Lock()
	b.topicCounts[topic]++
	b.topicMu.Unlock()
	b.addToHistory(event)

	for _, sub := range b.matching(topic) {
		b.deliver(ctx, sub, event)
	}
	return event, nil
}

// matching snapshots the subscribers for a topic in registration order.
func (b *Bus) matching(topic string) []*subscription {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()

	out := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.topic == topic || sub.topic == Wildcard {
			out = append(out, sub)
		}
	}
	return out
}

func (b *Bus) deliver(ctx context.Context, sub *subscription, event Event) {
	panicked, err := invoke(ctx, sub.handler, event)
	if err == nil {
		return
	}

	b.handlerErrors.Add(1)
	b.logger.Warn().
		Err(err).
		Str("subscription", string(sub.id)).
		Str("topic", event.Topic).
		Bool("panic", panicked).
		Msg("event handler failed")

	// Failures while handling agent-error are only logged.
	if event.Topic == TopicAgentError || b.closed.Load() {
		return
	}
	_, _ = b.Publish(ctx, TopicAgentError, HandlerError{
		SubscriptionID: sub.id,
		Topic:          event.Topic,
		EventID:        event.ID,
		Error:          err.Error(),
		Panic:          panicked,
	}, WithSource("bus"), WithCorrelationID(event.CorrelationID))
}

func invoke(ctx context.Context, h Handler, event Event) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			panicked = true
		}
	}()
	return false, h(ctx, event)
}

func (b *Bus) addToHistory(event Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	size := len(b.history)
	idx := (b.historyHead + b.historyLen) % size
	b.history[idx] = event
	if b.historyLen < size {
		b.historyLen++
	} else {
		b.historyHead = (b.historyHead + 1) % size
	}
}

// History returns the last n retained events, oldest first. n <= 0 returns
// everything retained.
func (b *Bus) History(n int) []Event {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	if n <= 0 || n > b.historyLen {
		n = b.historyLen
	}
	out := make([]Event, n)
	start := b.historyLen - n
	for i := 0; i < n; i++ {
		out[i] = b.history[(b.historyHead+start+i)%len(b.history)]
	}
	return out
}

// SubscriptionsCount returns the number of active subscriptions.
func (b *Bus) SubscriptionsCount() int {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	return len(b.subs)
}

// Stats returns counters describing bus activity.
func (b *Bus) Stats() Stats {
	b.topicMu.Lock()
	topics := make(map[string]uint64, len(b.topicCounts))
	for k, v := range b.topicCounts {
		topics[k] = v
	}
	b.topicMu.Unlock()

	b.historyMu.RLock()
	histLen, histCap := b.historyLen, len(b.history)
	b.historyMu.RUnlock()

	return Stats{
		Published:       b.published.Load(),
		PublishedTopics: topics,
		HandlerErrors:   b.handlerErrors.Load(),
		Subscriptions:   b.SubscriptionsCount(),
		HistoryLen:      histLen,
		HistoryCap:      histCap,
	}
}

// Close drops all subscriptions. Later Publish and Subscribe calls fail with
// ErrClosed.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	b.subsMu.Lock()
	b.subs = nil
	b.subsMu.Unlock()
	return nil
}
