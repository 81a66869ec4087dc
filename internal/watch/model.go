package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/topicexec/internal/events"
)

const (
	eventLogSize   = 50
	eventsShown    = 10
	healthInterval = 5 * time.Second
	reconnectDelay = 3 * time.Second
)

// Model is the bubbletea model of the monitor.
type Model struct {
	baseURL string
	client  *client

	width  int
	height int

	health   HealthState
	sessions *sessionTable
	table    table.Model
	eventLog []events.Event
	lastID   int64

	spinner Spinner
	theme   Theme

	hubEvents chan events.Event
	lastError string
}

// New creates a monitor for the status API at baseURL.
func New(baseURL, apiKey string) Model {
	tbl := table.New(
		table.WithColumns(sessionColumns(80)),
		table.WithFocused(true),
		table.WithHeight(6),
	)
	styles := table.DefaultStyles()
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("#E5C07B")).Bold(true)
	tbl.SetStyles(styles)

	return Model{
		baseURL:   baseURL,
		client:    newClient(baseURL, apiKey),
		sessions:  newSessionTable(),
		table:     tbl,
		hubEvents: make(chan events.Event, 100),
		theme:     NewDefaultTheme(),
	}
}

// Run starts the monitor full screen and blocks until the user quits.
func Run(baseURL, apiKey string) error {
	_, err := tea.NewProgram(New(baseURL, apiKey), tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribe(0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.client.fetchHealth,
		m.client.fetchSessions,
		tick(),
	)
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.client.fetchSessions
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetColumns(sessionColumns(msg.Width - 8))
		m.table.SetHeight(max(3, min(len(m.sessions.rows)+1, msg.Height/3)))

	case tickMsg:
		m.spinner.Decay()
		return m, tick()

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastID {
			m.lastID = e.ID
		}
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.spinner.OnEvent()
		m.sessions.apply(e)
		m.table.SetRows(m.sessions.tableRows())
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case sessionsMsg:
		m.sessions.load(msg.Sessions)
		m.table.SetRows(m.sessions.tableRows())

	case healthMsg:
		m.health = HealthState{
			Status:            msg.Status,
			UptimeSeconds:     msg.UptimeSeconds,
			SessionsTotal:     msg.SessionsTotal,
			SessionsListening: msg.SessionsListening,
			Connected:         true,
		}
		m.lastError = ""
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return m.client.fetchHealth() })

	case streamClosedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading the same channel.
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, tea.Batch(m.client.subscribe(m.lastID, m.hubEvents), m.client.fetchSessions)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return m.client.fetchHealth() })
	}

	return m, nil
}

func (m Model) selected() *SessionRow {
	rows := m.sessions.sorted()
	i := m.table.Cursor()
	if i < 0 || i >= len(rows) {
		return nil
	}
	return rows[i]
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to " + m.baseURL + "..."
	}

	parts := []string{
		renderHeader(m.baseURL, m.health, m.spinner, m.theme, m.width),
		renderSessions(m.table, m.selected(), m.theme, m.width),
		renderEventStream(m.eventLog, eventsShown, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ! %s", m.lastError)))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Select session • [r] Refresh"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
