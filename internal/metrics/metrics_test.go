package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/halalcert/internal/agent"
	"github.com/normanking/halalcert/internal/bus"
	"github.com/normanking/halalcert/internal/orchestrator"
)

func publish(t *testing.T, b *bus.Bus, topic string, payload any) {
	t.Helper()
	_, err := b.Publish(context.Background(), topic, payload)
	require.NoError(t, err)
}

func TestCollectorCounts(t *testing.T) {
	b := bus.NewBus()
	c := NewCollector(b)
	require.NoError(t, c.Start())
	defer c.Stop()

	publish(t, b, bus.CompletedTopic(agent.CapClassifyIngredients), orchestrator.RouteEvent{
		Capability: agent.CapClassifyIngredients, Duration: 40 * time.Millisecond,
	})
	publish(t, b, bus.CompletedTopic(agent.CapClassifyIngredients), orchestrator.RouteEvent{
		Capability: agent.CapClassifyIngredients, Duration: 20 * time.Millisecond,
	})
	publish(t, b, bus.FailedTopic(agent.CapGenerateCertificate), orchestrator.RouteEvent{
		Capability: agent.CapGenerateCertificate, Error: "boom",
	})
	publish(t, b, bus.TopicWorkflowStarted, nil)
	publish(t, b, bus.TopicWorkflowCompleted, nil)
	publish(t, b, bus.TopicCertificateIssued, nil)
	publish(t, b, bus.TopicAgentError, nil)

	s := c.Snapshot()
	assert.Equal(t, int64(7), s.Events)
	assert.Equal(t, int64(1), s.WorkflowsStarted)
	assert.Equal(t, int64(1), s.WorkflowsCompleted)
	assert.Equal(t, int64(1), s.CertificatesIssued)
	assert.Equal(t, int64(1), s.AgentErrors)
	assert.Equal(t, bus.TopicAgentError, s.LastEvent)

	require.Len(t, s.Capabilities, 2)
	assert.Equal(t, agent.CapClassifyIngredients, s.Capabilities[0].Capability)
	assert.Equal(t, int64(2), s.Capabilities[0].Completed)
	assert.InDelta(t, 30.0, s.Capabilities[0].AvgLatencyMs(), 0.001)
	assert.Equal(t, int64(1), s.Capabilities[1].Failed)

	completed, failed := s.Requests()
	assert.Equal(t, int64(2), completed)
	assert.Equal(t, int64(1), failed)
	assert.Len(t, s.Recent, 5)
}

func TestCollectorRecentEventsRing(t *testing.T) {
	b := bus.NewBus()
	c := NewCollector(b)
	require.NoError(t, c.Start())

	for range 60 {
		publish(t, b, bus.TopicHealthChecked, nil)
	}
	assert.Len(t, c.RecentEvents(0), 50)
	assert.Len(t, c.RecentEvents(3), 3)

	c.Stop()
	publish(t, b, bus.TopicHealthChecked, nil)
	assert.Equal(t, int64(60), c.Snapshot().Events)
}

func TestCollectorWithoutBus(t *testing.T) {
	c := NewCollector(nil)
	require.NoError(t, c.Start())
	c.Stop()
	assert.Zero(t, c.Snapshot().Events)
}

func TestDashboardRender(t *testing.T) {
	d := NewDashboard()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return start.Add(90 * time.Second) }
	d.SetWidth(200)

	out := d.Render(Snapshot{
		StartTime:          start,
		WorkflowsCompleted: 3,
		CertificatesIssued: 2,
		Capabilities: []CapabilityStats{
			{Capability: agent.CapExtractIngredients, Completed: 4, TotalLatencyMs: 100},
		},
		LastEvent:     bus.TopicCertificateIssued,
		LastEventTime: start.Add(80 * time.Second),
		Recent:        []string{bus.TopicCertificateIssued},
	})
	assert.Contains(t, out, "METRICS")
	assert.Contains(t, out, agent.CapExtractIngredients)
	assert.Contains(t, out, "2 issued")
	assert.Contains(t, out, "2m")
	assert.Contains(t, out, "●○○○○")

	compact := d.RenderCompact(Snapshot{})
	assert.True(t, strings.HasPrefix(compact, "[Metrics] 0 ok / 0 failed"))
}
