package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Reserved and well-known topics.
const (
	// Wildcard subscribes a handler to every topic.
	Wildcard = "*"

	// TopicAgentError carries handler failures and agent health problems.
	TopicAgentError = "agent-error"

	TopicAgentRegistered = "agent-registered"
	TopicHealthChecked   = "health-checked"

	TopicExtractionCompleted = "extraction-completed"

	TopicClassificationRequested = "classification-requested"
	TopicClassificationCompleted = "classification-completed"
	TopicClassificationFailed    = "classification-failed"

	TopicCertificateIssued  = "certificate-issued"
	TopicCertificateRevoked = "certificate-revoked"

	TopicStageAdvanced = "stage-advanced"

	TopicWorkflowStarted       = "workflow-started"
	TopicWorkflowStepStarted   = "workflow-step-started"
	TopicWorkflowStepCompleted = "workflow-step-completed"
	TopicWorkflowStepFailed    = "workflow-step-failed"
	TopicWorkflowCompleted     = "workflow-completed"
	TopicWorkflowFailed        = "workflow-failed"
	TopicWorkflowCancelled     = "workflow-cancelled"
)

// CompletedTopic is the topic a routed request publishes on success.
func CompletedTopic(capability string) string { return capability + "-completed" }

// FailedTopic is the topic a routed request publishes on failure.
func FailedTopic(capability string) string { return capability + "-failed" }

// Event is an immutable notification delivered to subscribers.
type Event struct {
	ID            string    `json:"id"`
	Topic         string    `json:"topic"`
	Payload       any       `json:"payload,omitempty"`
	Source        string    `json:"source,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewEvent creates an event with a fresh ID and the current time.
func NewEvent(topic string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// HandlerError is the payload published on TopicAgentError when a subscriber
// returns an error or panics.
type HandlerError struct {
	SubscriptionID SubscriptionID `json:"subscription_id"`
	Topic          string         `json:"topic"`
	EventID        string         `json:"event_id"`
	Error          string         `json:"error"`
	Panic          bool           `json:"panic,omitempty"`
}

// AgentFault is published on TopicAgentError by components that detect an
// unhealthy agent outside of event delivery.
type AgentFault struct {
	AgentID string `json:"agent_id"`
	Op      string `json:"op"`
	Error   string `json:"error"`
}

// PublishOption customises a single Publish call.
type PublishOption func(*Event)

// WithSource records the publishing agent or component.
func WithSource(source string) PublishOption {
	return func(e *Event) { e.Source = source }
}

// WithCorrelationID overrides the correlation id taken from the context.
func WithCorrelationID(id string) PublishOption {
	return func(e *Event) { e.CorrelationID = id }
}

type correlationKey struct{}

// ContextWithCorrelationID attaches a correlation id that Publish stamps on
// every event emitted with this context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id carried by ctx, if any.
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
