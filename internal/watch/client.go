package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/topicexec/internal/api"
	"github.com/mattjoyce/topicexec/internal/events"
)

type eventMsg events.Event

type healthMsg api.HealthzResponse

type sessionsMsg api.SessionsResponse

type tickMsg time.Time

type errMsg error

type streamClosedMsg struct{}

type reconnectMsg struct{}

// client talks to the status API.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newClient(baseURL, apiKey string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 2 * time.Second},
	}
}

func (c *client) newRequest(path string) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *client) getJSON(path string, v any) error {
	req, err := c.newRequest(path)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("GET %s: %s %s", path, resp.Status, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *client) fetchHealth() tea.Msg {
	var h api.HealthzResponse
	if err := c.getJSON("/healthz", &h); err != nil {
		return errMsg(err)
	}
	return healthMsg(h)
}

func (c *client) fetchSessions() tea.Msg {
	var s api.SessionsResponse
	if err := c.getJSON("/sessions", &s); err != nil {
		return errMsg(err)
	}
	return sessionsMsg(s)
}

// subscribe follows /events/stream from lastID and feeds ch until the stream
// ends.
func (c *client) subscribe(lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := c.newRequest("/events/stream")
		if err != nil {
			return errMsg(err)
		}
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		// The stream stays open, so no client timeout here.
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return streamClosedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("GET /events/stream: %s", resp.Status))
		}

		_ = readSSE(resp.Body, func(ev events.Event) { ch <- ev })
		return streamClosedMsg{}
	}
}

// readSSE parses server-sent event frames and calls fn for each frame with data.
func readSSE(r io.Reader, fn func(events.Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var current events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(current.Data) > 0 {
				current.At = time.Now()
				fn(current)
			}
			current = events.Event{}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.Data = json.RawMessage(line[6:])
		}
	}
	return scanner.Err()
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}
