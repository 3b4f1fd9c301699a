package metrics

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Dashboard renders a Snapshot for terminal display.
type Dashboard struct {
	styles DashboardStyles
	width  int
	now    func() time.Time
}

// DashboardStyles defines the styling for the dashboard.
type DashboardStyles struct {
	Border    lipgloss.Style
	Header    lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Success   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
}

// NewDashboard creates a dashboard renderer.
func NewDashboard() *Dashboard {
	return &Dashboard{
		width:  80,
		styles: DefaultDashboardStyles(),
		now:    time.Now,
	}
}

// DefaultDashboardStyles returns the default dashboard styling.
func DefaultDashboardStyles() DashboardStyles {
	return DashboardStyles{
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")),
		Label: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),
		Value: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")),
		Success: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("82")),
		Error: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196")),
		Highlight: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214")),
	}
}

// SetWidth sets the dashboard width.
func (d *Dashboard) SetWidth(w int) {
	d.width = w
}

// Styles exposes the palette so callers can render matching sections.
func (d *Dashboard) Styles() DashboardStyles {
	return d.styles
}

// Render returns the bordered metrics panel.
func (d *Dashboard) Render(s Snapshot) string {
	completed, failed := s.Requests()
	total := completed + failed

	successRate := float64(100)
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	var content strings.Builder
	content.WriteString(d.styles.Header.Render("METRICS"))
	content.WriteString("\n")

	row1 := fmt.Sprintf("%s %s │ %s %s │ %s %s",
		d.styles.Label.Render("Requests:"),
		d.styles.Value.Render(fmt.Sprintf("%d", total)),
		d.styles.Label.Render("Success:"),
		d.formatSuccessRate(successRate),
		d.styles.Label.Render("Uptime:"),
		d.styles.Value.Render(formatElapsed(d.now().Sub(s.StartTime))),
	)
	content.WriteString(row1)
	content.WriteString("\n")

	row2 := fmt.Sprintf("%s %s %s %s │ %s %s / %s",
		d.styles.Label.Render("Workflows:"),
		d.styles.Success.Render(fmt.Sprintf("%d ok", s.WorkflowsCompleted)),
		d.styles.Error.Render(fmt.Sprintf("%d failed", s.WorkflowsFailed)),
		d.styles.Highlight.Render(fmt.Sprintf("%d cancelled", s.WorkflowsCancelled)),
		d.styles.Label.Render("Certificates:"),
		d.styles.Value.Render(fmt.Sprintf("%d issued", s.CertificatesIssued)),
		d.styles.Value.Render(fmt.Sprintf("%d revoked", s.CertificatesRevoked)),
	)
	content.WriteString(row2)
	content.WriteString("\n")

	for _, c := range s.Capabilities {
		content.WriteString(fmt.Sprintf("  %-22s %s %s %s\n",
			c.Capability,
			d.styles.Success.Render(fmt.Sprintf("%d", c.Completed)),
			d.styles.Error.Render(fmt.Sprintf("%d", c.Failed)),
			d.styles.Label.Render(fmt.Sprintf("%.0fms avg", c.AvgLatencyMs())),
		))
	}

	lastEvent := s.LastEvent
	if lastEvent == "" {
		lastEvent = "none"
	}
	if len(lastEvent) > 24 {
		lastEvent = lastEvent[:21] + "..."
	}
	since := ""
	if !s.LastEventTime.IsZero() {
		since = " (" + formatElapsed(d.now().Sub(s.LastEventTime)) + ")"
	}

	row3 := fmt.Sprintf("%s %s │ %s %s │ %s",
		d.styles.Label.Render("Errors:"),
		d.styles.Error.Render(fmt.Sprintf("%d", s.AgentErrors)),
		d.styles.Label.Render("Last:"),
		d.styles.Value.Render(lastEvent+since),
		renderEventActivity(s.Recent),
	)
	content.WriteString(row3)

	return d.styles.Border.Width(d.width - 4).Render(content.String())
}

// RenderCompact returns a single-line summary.
func (d *Dashboard) RenderCompact(s Snapshot) string {
	completed, failed := s.Requests()
	return fmt.Sprintf("[Metrics] %d ok / %d failed │ %d workflows │ %d certs │ %s",
		completed,
		failed,
		s.WorkflowsStarted,
		s.CertificatesIssued,
		renderEventActivity(s.Recent),
	)
}

func (d *Dashboard) formatSuccessRate(rate float64) string {
	formatted := fmt.Sprintf("%.0f%%", rate)
	if rate >= 90 {
		return d.styles.Success.Render(formatted)
	} else if rate >= 70 {
		return d.styles.Highlight.Render(formatted)
	}
	return d.styles.Error.Render(formatted)
}

// renderEventActivity renders one dot per recent event slot.
func renderEventActivity(recent []string) string {
	activity := make([]string, recentTopics)
	for i := range recentTopics {
		if i < len(recent) {
			activity[i] = "●"
		} else {
			activity[i] = "○"
		}
	}
	return strings.Join(activity, "")
}

func formatElapsed(elapsed time.Duration) string {
	switch {
	case elapsed < time.Second:
		return "now"
	case elapsed < time.Minute:
		return fmt.Sprintf("%.0fs", elapsed.Seconds())
	case elapsed < time.Hour:
		return fmt.Sprintf("%.0fm", elapsed.Minutes())
	default:
		return fmt.Sprintf("%.1fh", elapsed.Hours())
	}
}
