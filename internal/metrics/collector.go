// Package metrics aggregates runtime activity observed on the event bus.
package metrics

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/normanking/halalcert/internal/bus"
	"github.com/normanking/halalcert/internal/orchestrator"
)

// CapabilityStats counts routed requests for one capability.
type CapabilityStats struct {
	Capability     string `json:"capability"`
	Completed      int64  `json:"completed"`
	Failed         int64  `json:"failed"`
	TotalLatencyMs int64  `json:"total_latency_ms"`
}

// AvgLatencyMs is the mean latency of completed and failed requests.
func (c CapabilityStats) AvgLatencyMs() float64 {
	n := c.Completed + c.Failed
	if n == 0 {
		return 0
	}
	return float64(c.TotalLatencyMs) / float64(n)
}

// Snapshot is a copy of the collector's counters.
type Snapshot struct {
	StartTime           time.Time         `json:"start_time"`
	Events              int64             `json:"events"`
	Capabilities        []CapabilityStats `json:"capabilities"`
	WorkflowsStarted    int64             `json:"workflows_started"`
	WorkflowsCompleted  int64             `json:"workflows_completed"`
	WorkflowsFailed     int64             `json:"workflows_failed"`
	WorkflowsCancelled  int64             `json:"workflows_cancelled"`
	CertificatesIssued  int64             `json:"certificates_issued"`
	CertificatesRevoked int64             `json:"certificates_revoked"`
	Classifications     int64             `json:"classifications"`
	AgentErrors         int64             `json:"agent_errors"`
	LastEvent           string            `json:"last_event,omitempty"`
	LastEventTime       time.Time         `json:"last_event_time,omitzero"`
	// Recent holds the topics of the last few events, oldest first.
	Recent []string `json:"recent,omitempty"`
}

// Requests sums completed and failed requests across capabilities.
func (s Snapshot) Requests() (completed, failed int64) {
	for _, c := range s.Capabilities {
		completed += c.Completed
		failed += c.Failed
	}
	return completed, failed
}

const recentTopics = 5

// Collector subscribes to the event bus and aggregates metrics.
type Collector struct {
	bus          *bus.Bus
	mu           sync.RWMutex
	snap         Snapshot
	capabilities map[string]*CapabilityStats
	recentEvents []bus.Event
	maxEvents    int
	sub          bus.SubscriptionID
	started      bool
	stopped      bool
}

// NewCollector creates a metrics collector.
func NewCollector(eventBus *bus.Bus) *Collector {
	return &Collector{
		bus:          eventBus,
		snap:         Snapshot{StartTime: time.Now()},
		capabilities: make(map[string]*CapabilityStats),
		maxEvents:    50,
	}
}

// Start begins listening to the event bus.
func (c *Collector) Start() error {
	if c.bus == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return nil
	}
	id, err := c.bus.Subscribe(bus.Wildcard, c.handleEvent)
	if err != nil {
		return err
	}
	c.sub = id
	c.started = true
	return nil
}

// Stop stops listening.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if c.started {
		_ = c.bus.Unsubscribe(c.sub)
	}
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.snap
	out.Capabilities = make([]CapabilityStats, 0, len(c.capabilities))
	for _, s := range c.capabilities {
		out.Capabilities = append(out.Capabilities, *s)
	}
	sort.Slice(out.Capabilities, func(i, j int) bool {
		return out.Capabilities[i].Capability < out.Capabilities[j].Capability
	})
	from := max(len(c.recentEvents)-recentTopics, 0)
	for _, e := range c.recentEvents[from:] {
		out.Recent = append(out.Recent, e.Topic)
	}
	return out
}

// RecentEvents returns up to n of the most recent events, oldest first.
func (c *Collector) RecentEvents(n int) []bus.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n > len(c.recentEvents) || n <= 0 {
		n = len(c.recentEvents)
	}
	events := make([]bus.Event, n)
	copy(events, c.recentEvents[len(c.recentEvents)-n:])
	return events
}

func (c *Collector) handleEvent(_ context.Context, event bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recentEvents = append(c.recentEvents, event)
	if len(c.recentEvents) > c.maxEvents {
		c.recentEvents = c.recentEvents[1:]
	}
	c.snap.Events++
	c.snap.LastEvent = event.Topic
	c.snap.LastEventTime = event.Timestamp

	switch event.Topic {
	case bus.TopicWorkflowStarted:
		c.snap.WorkflowsStarted++
	case bus.TopicWorkflowCompleted:
		c.snap.WorkflowsCompleted++
	case bus.TopicWorkflowFailed:
		c.snap.WorkflowsFailed++
	case bus.TopicWorkflowCancelled:
		c.snap.WorkflowsCancelled++
	case bus.TopicCertificateIssued:
		c.snap.CertificatesIssued++
	case bus.TopicCertificateRevoked:
		c.snap.CertificatesRevoked++
	case bus.TopicClassificationCompleted:
		c.snap.Classifications++
	case bus.TopicAgentError:
		c.snap.AgentErrors++
	default:
		if ev, ok := event.Payload.(orchestrator.RouteEvent); ok {
			c.handleRoute(event.Topic, ev)
		}
	}
	return nil
}

func (c *Collector) handleRoute(topic string, ev orchestrator.RouteEvent) {
	s, ok := c.capabilities[ev.Capability]
	if !ok {
		s = &CapabilityStats{Capability: ev.Capability}
		c.capabilities[ev.Capability] = s
	}
	switch {
	case strings.HasSuffix(topic, "-completed"):
		s.Completed++
	case strings.HasSuffix(topic, "-failed"):
		s.Failed++
	}
	s.TotalLatencyMs += ev.Duration.Milliseconds()
}
