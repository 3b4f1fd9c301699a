package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewBusWithConfig(t *testing.T) {
	bus := NewBus()
	if got := bus.Stats().HistoryCap; got != DefaultHistorySize {
		t.Errorf("Expected history cap %d, got %d", DefaultHistorySize, got)
	}

	bus = NewBusWithConfig(5, nopLogger())
	if got := bus.Stats().HistoryCap; got != 5 {
		t.Errorf("Expected history cap 5, got %d", got)
	}
}

func TestPublishDeliversSynchronouslyInOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		if _, err := bus.Subscribe("extraction-completed", func(ctx context.Context, e Event) error {
			order = append(order, name)
			return nil
		}); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	if _, err := bus.Publish(context.Background(), "extraction-completed", "payload"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// No waiting: delivery completed before Publish returned.
	want := []string{"first", "second", "third"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("Expected delivery order %v, got %v", want, order)
	}
}

func TestWildcardAndTopicFiltering(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var all, typed atomic.Int32
	bus.Subscribe(Wildcard, func(ctx context.Context, e Event) error {
		all.Add(1)
		return nil
	})
	bus.Subscribe("certificate-issued", func(ctx context.Context, e Event) error {
		typed.Add(1)
		return nil
	})

	ctx := context.Background()
	bus.Publish(ctx, "certificate-issued", nil)
	bus.Publish(ctx, "stage-advanced", nil)

	if all.Load() != 2 {
		t.Errorf("Expected wildcard to see 2 events, got %d", all.Load())
	}
	if typed.Load() != 1 {
		t.Errorf("Expected typed subscriber to see 1 event, got %d", typed.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var calls atomic.Int32
	id, _ := bus.Subscribe("x", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})

	if err := bus.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	bus.Publish(context.Background(), "x", nil)
	if calls.Load() != 0 {
		t.Errorf("Handler called after unsubscribe")
	}

	if err := bus.Unsubscribe(id); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestFailingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var reports []HandlerError
	bus.Subscribe(TopicAgentError, func(ctx context.Context, e Event) error {
		reports = append(reports, e.Payload.(HandlerError))
		return nil
	})

	var after atomic.Bool
	bus.Subscribe("classification-completed", func(ctx context.Context, e Event) error {
		return errors.New("boom")
	})
	bus.Subscribe("classification-completed", func(ctx context.Context, e Event) error {
		panic("worse")
	})
	bus.Subscribe("classification-completed", func(ctx context.Context, e Event) error {
		after.Store(true)
		return nil
	})

	ev, err := bus.Publish(context.Background(), "classification-completed", nil)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if !after.Load() {
		t.Error("Subscriber after the failing ones was not called")
	}
	if len(reports) != 2 {
		t.Fatalf("Expected 2 agent-error reports, got %d", len(reports))
	}
	if reports[0].EventID != ev.ID || reports[0].Error != "boom" {
		t.Errorf("Unexpected first report: %+v", reports[0])
	}
	if !reports[1].Panic {
		t.Errorf("Expected second report to be a panic: %+v", reports[1])
	}
	if got := bus.Stats().HandlerErrors; got != 2 {
		t.Errorf("Expected 2 handler errors, got %d", got)
	}
}

func TestAgentErrorHandlerFailureDoesNotRecurse(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var calls atomic.Int32
	bus.Subscribe(TopicAgentError, func(ctx context.Context, e Event) error {
		calls.Add(1)
		return errors.New("still broken")
	})

	bus.Publish(context.Background(), TopicAgentError, nil)
	if calls.Load() != 1 {
		t.Errorf("Expected exactly one agent-error delivery, got %d", calls.Load())
	}
}

func TestHistoryRingBuffer(t *testing.T) {
	bus := NewBusWithConfig(3, nopLogger())
	defer bus.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		bus.Publish(ctx, fmt.Sprintf("t%d", i), i)
	}

	hist := bus.History(0)
	if len(hist) != 3 {
		t.Fatalf("Expected 3 retained events, got %d", len(hist))
	}
	for i, want := range []string{"t2", "t3", "t4"} {
		if hist[i].Topic != want {
			t.Errorf("history[%d] = %s, want %s", i, hist[i].Topic, want)
		}
	}

	last := bus.History(2)
	if len(last) != 2 || last[0].Topic != "t3" {
		t.Errorf("Unexpected History(2): %v", last)
	}
}

func TestCorrelationIDFromContext(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx := ContextWithCorrelationID(context.Background(), "exec-1")
	ev, _ := bus.Publish(ctx, "x", nil, WithSource("agent-a"))
	if ev.CorrelationID != "exec-1" || ev.Source != "agent-a" {
		t.Errorf("Unexpected event metadata: %+v", ev)
	}

	ev, _ = bus.Publish(ctx, "x", nil, WithCorrelationID("other"))
	if ev.CorrelationID != "other" {
		t.Errorf("Expected override correlation id, got %s", ev.CorrelationID)
	}
}

func TestNestedPublishFromHandler(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	bus.Subscribe("extraction-completed", func(ctx context.Context, e Event) error {
		_, err := bus.Publish(ctx, "classification-requested", nil)
		return err
	})
	var got atomic.Bool
	bus.Subscribe("classification-requested", func(ctx context.Context, e Event) error {
		got.Store(true)
		return nil
	})

	bus.Publish(context.Background(), "extraction-completed", nil)
	if !got.Load() {
		t.Error("Nested publish was not delivered")
	}
	hist := bus.History(0)
	if hist[0].Topic != "extraction-completed" || hist[1].Topic != "classification-requested" {
		t.Errorf("Unexpected history order: %v", hist)
	}
}

func TestHistoryRecordedBeforeDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var seen []Event
	bus.Subscribe("certificate-issued", func(ctx context.Context, e Event) error {
		seen = bus.History(0)
		return errors.New("boom")
	})

	ev, err := bus.Publish(context.Background(), "certificate-issued", nil)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// The handler already sees its own event.
	if len(seen) != 1 || seen[0].ID != ev.ID {
		t.Fatalf("Expected history to hold the event during delivery, got %v", seen)
	}

	// The failure report follows its cause.
	hist := bus.History(0)
	if len(hist) != 2 {
		t.Fatalf("Expected 2 events in history, got %d", len(hist))
	}
	if hist[0].ID != ev.ID || hist[1].Topic != TopicAgentError {
		t.Errorf("Unexpected history order: %s, %s", hist[0].Topic, hist[1].Topic)
	}
	if he, ok := hist[1].Payload.(HandlerError); !ok || he.EventID != ev.ID {
		t.Errorf("Expected agent-error payload for %s, got %#v", ev.ID, hist[1].Payload)
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count atomic.Int64
	bus.Subscribe(Wildcard, func(ctx context.Context, e Event) error {
		count.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(context.Background(), "load", j)
			}
		}()
	}
	wg.Wait()

	if count.Load() != 500 {
		t.Errorf("Expected 500 deliveries, got %d", count.Load())
	}
	if bus.Stats().PublishedTopics["load"] != 500 {
		t.Errorf("Unexpected topic count: %v", bus.Stats().PublishedTopics)
	}
}

func TestClose(t *testing.T) {
	bus := NewBus()
	bus.Subscribe("x", func(ctx context.Context, e Event) error { return nil })

	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := bus.Publish(context.Background(), "x", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Publish, got %v", err)
	}
	if _, err := bus.Subscribe("x", func(ctx context.Context, e Event) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Subscribe, got %v", err)
	}
	if err := bus.Close(); err == nil {
		t.Error("Expected error closing twice")
	}
}

func nopLogger() zerolog.Logger { return zerolog.Nop() }
