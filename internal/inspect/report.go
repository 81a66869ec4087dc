// Package inspect renders dispatch journal entries for the terminal.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/topicexec/internal/journal"
)

// Reader is the read side of the journal.
type Reader interface {
	Recent(ctx context.Context, connection string, limit int) ([]journal.Entry, error)
	Get(ctx context.Context, id string) (journal.Entry, error)
}

// Report is the JSON form of one dispatch.
type Report struct {
	ID          string   `json:"id"`
	Connection  string   `json:"connection"`
	Topic       string   `json:"topic"`
	ClientID    string   `json:"client_id"`
	MessageID   uint16   `json:"message_id"`
	Status      string   `json:"status"`
	Values      string   `json:"values,omitempty"`
	ExitCode    *int     `json:"exit_code,omitempty"`
	Error       string   `json:"error,omitempty"`
	DurationMS  int64    `json:"duration_ms"`
	ReceivedAt  string   `json:"received_at"`
	CompletedAt string   `json:"completed_at"`
	Stderr      []string `json:"stderr,omitempty"`
}

func newReport(e journal.Entry) Report {
	r := Report{
		ID:          e.ID,
		Connection:  e.Connection,
		Topic:       e.Topic,
		ClientID:    e.ClientID,
		MessageID:   e.MessageID,
		Status:      string(e.Status),
		Values:      e.Values,
		ExitCode:    e.ExitCode,
		Error:       e.LastError,
		DurationMS:  e.Duration.Milliseconds(),
		ReceivedAt:  formatTime(e.ReceivedAt),
		CompletedAt: formatTime(e.CompletedAt),
	}
	if s := strings.TrimRight(e.Stderr, "\n"); s != "" {
		r.Stderr = strings.Split(s, "\n")
	}
	return r
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(time.RFC3339Nano)
}

// BuildReport renders one dispatch for the terminal.
func BuildReport(ctx context.Context, r Reader, id string) (string, error) {
	e, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	rep := newReport(e)

	exit := "<none>"
	if rep.ExitCode != nil {
		exit = fmt.Sprintf("%d", *rep.ExitCode)
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Dispatch Report\n")
	fmt.Fprintf(&out, "ID          : %s\n", rep.ID)
	fmt.Fprintf(&out, "Connection  : %s\n", rep.Connection)
	fmt.Fprintf(&out, "Topic       : %s\n", rep.Topic)
	fmt.Fprintf(&out, "Client ID   : %s\n", rep.ClientID)
	fmt.Fprintf(&out, "Message ID  : %d\n", rep.MessageID)
	fmt.Fprintf(&out, "Status      : %s\n", rep.Status)
	fmt.Fprintf(&out, "Exit code   : %s\n", exit)
	fmt.Fprintf(&out, "Duration    : %s\n", e.Duration)
	fmt.Fprintf(&out, "Received    : %s\n", rep.ReceivedAt)
	fmt.Fprintf(&out, "Completed   : %s\n", rep.CompletedAt)
	if rep.Values != "" {
		fmt.Fprintf(&out, "Values      : %s\n", rep.Values)
	}
	if rep.Error != "" {
		fmt.Fprintf(&out, "Error       : %s\n", rep.Error)
	}
	if len(rep.Stderr) > 0 {
		fmt.Fprintf(&out, "Stderr      :\n")
		for _, line := range rep.Stderr {
			fmt.Fprintf(&out, "    %s\n", line)
		}
	}
	return out.String(), nil
}

// BuildJSONReport returns one dispatch as indented JSON.
func BuildJSONReport(ctx context.Context, r Reader, id string) (string, error) {
	e, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(newReport(e), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// BuildListing renders the newest dispatches of connection (all connections
// when empty) as a table.
func BuildListing(ctx context.Context, r Reader, connection string, limit int) (string, error) {
	entries, err := r.Recent(ctx, connection, limit)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "No dispatches recorded.\n", nil
	}

	var out strings.Builder
	tw := tabwriter.NewWriter(&out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPLETED\tCONNECTION\tSTATUS\tEXIT\tDURATION\tID")
	for _, e := range entries {
		exit := "-"
		if e.ExitCode != nil {
			exit = fmt.Sprintf("%d", *e.ExitCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CompletedAt.Local().Format("2006-01-02 15:04:05"),
			e.Connection,
			e.Status,
			exit,
			e.Duration.Round(time.Millisecond),
			e.ID,
		)
	}
	if err := tw.Flush(); err != nil {
		return "", err
	}
	return out.String(), nil
}
