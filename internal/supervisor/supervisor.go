// Package supervisor starts one session per connection definition and decides,
// from the sessions' terminal reports, whether the whole process stops.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/topicexec/internal/broker"
	"github.com/mattjoyce/topicexec/internal/config"
	"github.com/mattjoyce/topicexec/internal/events"
	"github.com/mattjoyce/topicexec/internal/extract"
	"github.com/mattjoyce/topicexec/internal/journal"
	"github.com/mattjoyce/topicexec/internal/log"
	"github.com/mattjoyce/topicexec/internal/metrics"
	"github.com/mattjoyce/topicexec/internal/session"
)

// ErrNoSessions is returned when no connection could be set up.
var ErrNoSessions = errors.New("no sessions could be started")

// Report is the terminal outcome of one session.
type Report struct {
	Connection string
	State      session.State
	Err        error
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Factory    broker.Factory
	Dispatcher session.Dispatcher
	Journal    journal.Recorder
	Events     *events.Hub
	Metrics    *metrics.Metrics
}

// Supervisor owns the sessions for one broker.
type Supervisor struct {
	cfg    *config.Config
	broker config.BrokerSettings
	conns  []config.Connection
	deps   Deps
	logger *slog.Logger

	mu       sync.RWMutex
	sessions []*session.Session
}

// New creates a supervisor for the valid connections of one broker. A nil
// deps.Factory uses the paho client.
func New(cfg *config.Config, bs config.BrokerSettings, conns []config.Connection, deps Deps) *Supervisor {
	if deps.Factory == nil {
		deps.Factory = broker.DefaultFactory
	}
	return &Supervisor{
		cfg:    cfg,
		broker: bs,
		conns:  conns,
		deps:   deps,
		logger: log.WithComponent("supervisor"),
	}
}

// Snapshot returns the status of every started session in configuration order.
func (s *Supervisor) Snapshot() []session.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]session.Status, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Status())
	}
	return out
}

// Run starts every session and blocks until they have all terminated. Under the
// exit policy the first connect failure or connection loss stops all sessions and
// is returned. Subscribe failures only ever stop their own session.
func (s *Supervisor) Run(ctx context.Context) error {
	sinks, err := s.build()
	defer func() {
		for _, sink := range sinks {
			_ = sink.Close()
		}
	}()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.RLock()
	sessions := append([]*session.Session(nil), s.sessions...)
	s.mu.RUnlock()

	reports := make(chan Report, len(sessions))
	for _, sess := range sessions {
		go func(sess *session.Session) {
			err := sess.Run(runCtx)
			reports <- Report{Connection: sess.Connection().List, State: sess.State(), Err: err}
		}(sess)
	}

	policy := s.cfg.Supervisor.OnSessionFailure
	var fatal error
	for range sessions {
		r := <-reports
		switch {
		case r.Err == nil || errors.Is(r.Err, context.Canceled):
			s.logger.Debug("session stopped", "connection", r.Connection)
		case errors.Is(r.Err, broker.ErrSubscribe):
			s.logger.Error("subscription failed, session stopped", "connection", r.Connection, "error", r.Err)
		case policy == config.FailureExit:
			if fatal == nil {
				fatal = fmt.Errorf("connection %s: %w", r.Connection, r.Err)
				s.logger.Error("session failed, stopping all sessions", "connection", r.Connection, "error", r.Err)
				cancel()
			}
		default:
			s.logger.Error("session failed, others continue", "connection", r.Connection, "error", r.Err)
		}
	}
	return fatal
}

// build creates the sessions and their log sinks. A connection whose client or
// sink cannot be created is logged and skipped.
func (s *Supervisor) build() ([]*log.Sink, error) {
	var (
		sinks    []*log.Sink
		sessions []*session.Session
	)
	for _, conn := range s.conns {
		s.logger.Info(conn.String())

		opts := broker.OptionsFromConfig(s.cfg.MQTT, s.broker)
		opts.ClientID = s.clientID(conn)
		client, err := s.deps.Factory(opts)
		if err != nil {
			s.logger.Error("cannot create broker client, connection not started", "connection", conn.List, "error", err)
			continue
		}

		sink, err := log.OpenSink(s.cfg.Service.LogDir, conn.List, s.cfg.Service.LogLevel)
		if err != nil {
			s.logger.Error("cannot open connection log, connection not started", "connection", conn.List, "error", err)
			continue
		}
		sinks = append(sinks, sink)

		sessions = append(sessions, session.New(conn, client, s.deps.Dispatcher, session.Options{
			QoS:          byte(s.cfg.MQTT.QoS),
			QueueSize:    s.cfg.Dispatch.QueueSize,
			ValueFormat:  extract.ValueFormat(s.cfg.Dispatch.ValueFormat),
			StallWarning: s.cfg.MQTT.KeepAlive,
			Sink:         sink.Logger,
			Journal:      s.deps.Journal,
			Events:       s.deps.Events,
			Metrics:      s.deps.Metrics,
		}))
	}

	s.mu.Lock()
	s.sessions = sessions
	s.mu.Unlock()

	if len(sessions) == 0 {
		return sinks, ErrNoSessions
	}
	s.logger.Info("starting sessions", "count", len(sessions), "broker", s.broker.URL())
	return sinks, nil
}

// clientID is stable per connection when the broker keeps session state, and
// unique per run otherwise.
func (s *Supervisor) clientID(conn config.Connection) string {
	if !s.cfg.MQTT.IsCleanSession() {
		return s.cfg.MQTT.ClientIDPrefix + conn.List
	}
	return broker.NewClientID(s.cfg.MQTT.ClientIDPrefix)
}
