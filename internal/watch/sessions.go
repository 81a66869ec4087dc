package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/topicexec/internal/events"
	"github.com/mattjoyce/topicexec/internal/session"
)

// SessionRow is what the monitor knows about one connection.
type SessionRow struct {
	Connection string
	Topic      string
	State      string
	Error      string
	Processed  int64
	Failed     int64
	LastStatus string
	LastExit   int
	LastAt     time.Time
	order      int
}

// sessionTable tracks connections in the order they were first seen.
type sessionTable struct {
	rows map[string]*SessionRow
	next int
}

func newSessionTable() *sessionTable {
	return &sessionTable{rows: make(map[string]*SessionRow)}
}

func (t *sessionTable) get(conn string) *SessionRow {
	r, ok := t.rows[conn]
	if !ok {
		r = &SessionRow{Connection: conn, order: t.next}
		t.next++
		t.rows[conn] = r
	}
	return r
}

// load replaces counters with an authoritative snapshot.
func (t *sessionTable) load(statuses []session.Status) {
	for _, st := range statuses {
		r := t.get(st.Connection)
		r.Topic = st.Topic
		r.State = string(st.State)
		r.Error = st.Error
		r.Processed = st.Processed
		r.Failed = st.Failed
		if !st.LastMessageAt.IsZero() {
			r.LastAt = st.LastMessageAt
		}
	}
}

// apply folds one hub event into the table. Unknown event types are ignored.
func (t *sessionTable) apply(e events.Event) {
	switch e.Type {
	case events.TypeSessionState:
		var p events.SessionState
		if json.Unmarshal(e.Data, &p) != nil || p.Connection == "" {
			return
		}
		r := t.get(p.Connection)
		r.Topic = p.Topic
		r.State = p.State
		r.Error = p.Error
	case events.TypeDispatchCompleted:
		var p events.DispatchCompleted
		if json.Unmarshal(e.Data, &p) != nil || p.Connection == "" {
			return
		}
		r := t.get(p.Connection)
		if r.Topic == "" {
			r.Topic = p.Topic
		}
		r.Processed++
		if p.Status != "dispatched" {
			r.Failed++
		}
		r.LastStatus = p.Status
		r.LastExit = p.ExitCode
		r.LastAt = e.At
	}
}

func (t *sessionTable) sorted() []*SessionRow {
	out := make([]*SessionRow, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

func sessionColumns(width int) []table.Column {
	topic := width - 12 - 12 - 7 - 7 - 12 - 10 - 14
	if topic < 10 {
		topic = 10
	}
	return []table.Column{
		{Title: "Connection", Width: 12},
		{Title: "Topic", Width: topic},
		{Title: "State", Width: 12},
		{Title: "Done", Width: 7},
		{Title: "Failed", Width: 7},
		{Title: "Last", Width: 12},
		{Title: "Seen", Width: 10},
	}
}

func (t *sessionTable) tableRows() []table.Row {
	var rows []table.Row
	for _, r := range t.sorted() {
		last := r.LastStatus
		if last == "failed" {
			last = fmt.Sprintf("failed(%d)", r.LastExit)
		}
		seen := "-"
		if !r.LastAt.IsZero() {
			seen = r.LastAt.Format("15:04:05")
		}
		rows = append(rows, table.Row{
			r.Connection,
			r.Topic,
			r.State,
			fmt.Sprintf("%d", r.Processed),
			fmt.Sprintf("%d", r.Failed),
			last,
			seen,
		})
	}
	return rows
}

func renderSessions(tbl table.Model, selected *SessionRow, theme Theme, width int) string {
	innerWidth := width - 4
	parts := []string{theme.Title.Render("SESSIONS"), tbl.View()}
	if selected != nil && selected.Error != "" {
		parts = append(parts, theme.StatusFailed.Render(" "+selected.Connection+": "+selected.Error))
	} else if selected != nil {
		parts = append(parts, theme.Dim.Render(" "+selected.Connection+" ")+theme.stateStyle(selected.State).Render(selected.State))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
