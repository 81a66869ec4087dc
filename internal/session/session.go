// Package session runs one subscription: connect, subscribe, then extract and
// dispatch each delivered message in order on a single worker.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/topicexec/internal/broker"
	"github.com/mattjoyce/topicexec/internal/config"
	"github.com/mattjoyce/topicexec/internal/dispatch"
	"github.com/mattjoyce/topicexec/internal/events"
	"github.com/mattjoyce/topicexec/internal/extract"
	"github.com/mattjoyce/topicexec/internal/journal"
	"github.com/mattjoyce/topicexec/internal/log"
	"github.com/mattjoyce/topicexec/internal/metrics"
)

// ErrConnectionLost is returned by Run when the broker drops an established connection.
var ErrConnectionLost = errors.New("broker connection lost")

const defaultQueueSize = 16

// Dispatcher runs the external command for one message.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request, sink *slog.Logger) (dispatch.Outcome, error)
}

// Options holds the per-session collaborators and settings.
type Options struct {
	QoS         byte
	QueueSize   int
	ValueFormat extract.ValueFormat
	// StallWarning is how long the transport handler may block on a full queue
	// before a warning is logged. The broker client cannot process keep-alive
	// responses while the handler blocks, so this is normally the keep-alive
	// interval. Zero disables the warning.
	StallWarning time.Duration
	// Sink receives command output and per-message failures. Defaults to the process logger.
	Sink *slog.Logger
	// Journal is optional.
	Journal journal.Recorder
	// Events is optional.
	Events  *events.Hub
	Metrics *metrics.Metrics
}

// Status is a point-in-time view of a session.
type Status struct {
	Connection    string    `json:"connection"`
	Topic         string    `json:"topic"`
	ClientID      string    `json:"client_id"`
	State         State     `json:"state"`
	Error         string    `json:"error,omitempty"`
	Processed     int64     `json:"processed"`
	Failed        int64     `json:"failed"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
}

// Session serves one Connection Definition with its own broker client.
type Session struct {
	conn       config.Connection
	client     broker.Client
	dispatcher Dispatcher
	opts       Options
	sink       *slog.Logger
	logger     *slog.Logger

	mu            sync.RWMutex
	state         State
	lastErr       error
	processed     int64
	failed        int64
	lastMessageAt time.Time
}

// New creates a session in the Created state.
func New(conn config.Connection, client broker.Client, dispatcher Dispatcher, opts Options) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.ValueFormat == "" {
		opts.ValueFormat = extract.FormatJSON
	}
	logger := log.WithConnection(conn.List).With("component", "session", "topic", conn.Topic)
	sink := opts.Sink
	if sink == nil {
		sink = logger
	}
	return &Session{
		conn:       conn,
		client:     client,
		dispatcher: dispatcher,
		opts:       opts,
		sink:       sink,
		logger:     logger,
		state:      StateCreated,
	}
}

// Connection returns the definition this session serves.
func (s *Session) Connection() config.Connection { return s.conn }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Status returns a snapshot for status reporting.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Connection:    s.conn.List,
		Topic:         s.conn.Topic,
		ClientID:      s.client.ClientID(),
		State:         s.state,
		Processed:     s.processed,
		Failed:        s.failed,
		LastMessageAt: s.lastMessageAt,
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	return st
}

// Run drives the session until it terminates. It returns an error wrapping
// broker.ErrConnect, broker.ErrSubscribe or ErrConnectionLost, or ctx.Err()
// after a graceful stop.
func (s *Session) Run(ctx context.Context) error {
	s.setState(StateConnecting, nil)
	if err := s.client.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return s.terminate(ctx.Err())
		}
		if !errors.Is(err, broker.ErrConnect) {
			err = fmt.Errorf("%w: %v", broker.ErrConnect, err)
		}
		return s.terminate(err)
	}
	s.setState(StateConnected, nil)

	queue := make(chan broker.Message, s.opts.QueueSize)
	stop := make(chan struct{})
	handler := func(m broker.Message) { s.enqueue(queue, stop, m) }

	if err := s.client.Subscribe(ctx, s.conn.Topic, s.opts.QoS, handler); err != nil {
		s.client.Disconnect()
		if ctx.Err() != nil {
			return s.terminate(ctx.Err())
		}
		if !errors.Is(err, broker.ErrSubscribe) {
			err = fmt.Errorf("%w: %v", broker.ErrSubscribe, err)
		}
		return s.terminate(err)
	}
	s.setState(StateSubscribed, nil)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		s.work(ctx, queue, stop)
	}()
	s.setState(StateListening, nil)

	var cause error
	select {
	case <-ctx.Done():
		cause = ctx.Err()
		s.logger.Info("stopping session")
	case err := <-s.client.ConnectionLost():
		cause = fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	s.client.Disconnect()
	close(stop)
	<-workerDone
	return s.terminate(cause)
}

// enqueue hands m to the worker, blocking while the queue is full.
func (s *Session) enqueue(queue chan<- broker.Message, stop <-chan struct{}, m broker.Message) {
	select {
	case queue <- m:
		return
	default:
	}

	var stall <-chan time.Time
	if s.opts.StallWarning > 0 {
		timer := time.NewTimer(s.opts.StallWarning)
		defer timer.Stop()
		stall = timer.C
	}
	for {
		select {
		case queue <- m:
			return
		case <-stop:
			s.logger.Warn("session stopping, message dropped", "message_id", m.MessageID)
			return
		case <-stall:
			stall = nil
			s.sink.Warn("delivery blocked on a full queue past the keep-alive interval, broker may drop the connection",
				"queue_size", cap(queue), "blocked_for", s.opts.StallWarning)
		}
	}
}

// work processes queued messages one at a time until stop is closed. Messages
// still queued at that point are processed only if ctx is alive.
func (s *Session) work(ctx context.Context, queue <-chan broker.Message, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			s.drain(ctx, queue)
			return
		default:
		}

		select {
		case <-stop:
			s.drain(ctx, queue)
			return
		case m := <-queue:
			s.process(ctx, m)
		}
	}
}

func (s *Session) drain(ctx context.Context, queue <-chan broker.Message) {
	for {
		select {
		case m := <-queue:
			if ctx.Err() != nil {
				s.logger.Warn("session cancelled, queued messages dropped", "dropped", len(queue)+1)
				return
			}
			s.process(ctx, m)
		default:
			return
		}
	}
}

// process runs extraction and dispatch for one message.
func (s *Session) process(ctx context.Context, m broker.Message) {
	arrival := []any{
		"time", m.ReceivedAt.Format(time.RFC3339Nano),
		"topic", m.Topic,
		"message", string(m.Payload),
		"qos", m.QoS,
	}
	s.sink.Info("message arrived", arrival...)
	if s.sink != s.logger {
		s.logger.Debug("message arrived", arrival...)
	}

	entry := journal.Entry{
		Connection: s.conn.List,
		Topic:      m.Topic,
		ClientID:   s.client.ClientID(),
		MessageID:  m.MessageID,
		ReceivedAt: m.ReceivedAt,
	}

	values, err := s.extract(m.Payload)
	if err != nil {
		attrs := []any{"error", err}
		var fe *extract.FieldError
		if errors.As(err, &fe) {
			attrs = append(attrs, "field", fe.Spec.String(), "document", fe.Document.String())
		}
		s.sink.Warn("extraction failed, message dropped", attrs...)
		entry.Status = journal.StatusExtractFailed
		entry.LastError = err.Error()
		s.finish(ctx, entry)
		return
	}
	entry.Values = values

	out, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
		List:   s.conn.List,
		URL:    s.conn.URL,
		Values: values,
	}, s.sink)
	entry.Stderr = out.Stderr
	entry.Duration = out.Duration
	if !errors.Is(err, dispatch.ErrStart) {
		code := out.ExitCode
		entry.ExitCode = &code
	}
	if err != nil {
		s.sink.Error("dispatch failed", "error", err, "exit_code", out.ExitCode)
		entry.Status = journal.StatusFailed
		entry.LastError = err.Error()
	} else {
		entry.Status = journal.StatusDispatched
	}
	s.finish(ctx, entry)
}

func (s *Session) extract(payload []byte) (string, error) {
	doc, err := extract.Parse(payload)
	if err != nil {
		return "", err
	}
	res, err := extract.Extract(doc, s.conn.Fields, s.opts.ValueFormat)
	if err != nil {
		return "", err
	}
	return res.Values(), nil
}

// finish updates counters, journals the entry and publishes the outcome.
func (s *Session) finish(ctx context.Context, entry journal.Entry) {
	entry.CompletedAt = time.Now()

	s.mu.Lock()
	s.processed++
	if entry.Status != journal.StatusDispatched {
		s.failed++
	}
	s.lastMessageAt = entry.ReceivedAt
	s.mu.Unlock()

	if s.opts.Journal != nil {
		// Outcomes of messages finished during shutdown are still recorded.
		if _, err := s.opts.Journal.Record(context.WithoutCancel(ctx), entry); err != nil {
			s.logger.Error("failed to record dispatch", "error", err)
		}
	}

	ev := events.DispatchCompleted{
		Connection: entry.Connection,
		Topic:      entry.Topic,
		Status:     string(entry.Status),
		DurationMS: entry.Duration.Milliseconds(),
		Error:      entry.LastError,
	}
	if entry.ExitCode != nil {
		ev.ExitCode = *entry.ExitCode
	}
	s.opts.Events.Publish(events.TypeDispatchCompleted, ev)
	s.opts.Metrics.ObserveDispatch(entry.Connection, string(entry.Status), entry.Duration)
}

func (s *Session) setState(next State, err error) {
	s.mu.Lock()
	prev := s.state
	if !CanTransition(prev, next) {
		s.mu.Unlock()
		s.logger.Error("illegal session state transition", "from", prev, "to", next)
		return
	}
	s.state = next
	s.lastErr = err
	s.mu.Unlock()

	ev := events.SessionState{
		Connection: s.conn.List,
		Topic:      s.conn.Topic,
		ClientID:   s.client.ClientID(),
		State:      string(next),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.opts.Events.Publish(events.TypeSessionState, ev)
	s.opts.Metrics.SetListening(s.conn.List, next == StateListening)
	s.logger.Debug("session state changed", "from", prev, "to", next)
}

func (s *Session) terminate(err error) error {
	s.setState(StateTerminated, err)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		s.logger.Info("session terminated")
	default:
		s.logger.Error("session terminated", "error", err)
		if s.sink != s.logger {
			s.sink.Error("session terminated", "error", err)
		}
	}
	return err
}
