package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState is the latest /healthz answer.
type HealthState struct {
	Status            string
	UptimeSeconds     int64
	SessionsTotal     int
	SessionsListening int
	Connected         bool
}

func renderHeader(baseURL string, health HealthState, spinner Spinner, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	switch {
	case !health.Connected:
		statusText = theme.StatusFailed.Render("CONNECTING")
	case health.Status != "ok" && health.Status != "":
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	lastEvent := "never"
	if !spinner.LastEvent().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", time.Since(spinner.LastEvent()).Round(time.Second))
	}

	title := " TOPICEXEC WATCH " + theme.Dim.Render(baseURL)
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		title+strings.Repeat(" ", pad)+clock+" ",
		fmt.Sprintf(" %s  up %s  Listening: %d/%d",
			statusText,
			formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
			health.SessionsListening, health.SessionsTotal,
		),
		fmt.Sprintf(" Last event: %s %s", lastEvent, spinner.Render(theme)),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
