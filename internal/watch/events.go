package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/topicexec/internal/events"
)

func renderEventStream(eventLog []events.Event, limit int, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENTS"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= limit {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENTS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))
	desc, style := describeEvent(e, theme)
	return fmt.Sprintf("%s %s %s", ts, style.Render(fmt.Sprintf("%-18s", e.Type)), desc)
}

// describeEvent summarises an event payload on one line.
func describeEvent(e events.Event, theme Theme) (string, lipgloss.Style) {
	switch e.Type {
	case events.TypeSessionState:
		var p events.SessionState
		if json.Unmarshal(e.Data, &p) == nil {
			desc := fmt.Sprintf("%s -> %s", p.Connection, p.State)
			if p.Error != "" {
				desc += ": " + p.Error
			}
			return desc, theme.stateStyle(p.State)
		}
	case events.TypeDispatchCompleted:
		var p events.DispatchCompleted
		if json.Unmarshal(e.Data, &p) == nil {
			desc := fmt.Sprintf("%s %s exit=%d %dms", p.Connection, p.Status, p.ExitCode, p.DurationMS)
			if p.Status != "dispatched" {
				if p.Error != "" {
					desc += " " + p.Error
				}
				return desc, theme.StatusFailed
			}
			return desc, theme.StatusOK
		}
	}

	raw := string(e.Data)
	if len(raw) > 60 {
		raw = raw[:60] + "..."
	}
	return raw, theme.Dim
}
