// Package broker wraps the MQTT transport used by subscriber sessions.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrConnect wraps every failure to establish the broker connection.
	ErrConnect = errors.New("broker connect failed")
	// ErrSubscribe wraps every failed or rejected subscription.
	ErrSubscribe = errors.New("broker subscribe failed")
)

// Message is one delivered publication. Payload is owned by the receiver.
type Message struct {
	Topic      string
	QoS        byte
	Payload    []byte
	MessageID  uint16
	Duplicate  bool
	Retained   bool
	ReceivedAt time.Time
}

// Handler receives delivered messages. It is invoked from the transport's
// delivery goroutine, one message at a time in delivery order; blocking it
// holds back further deliveries.
type Handler func(Message)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks github.com/mattjoyce/topicexec/internal/broker Client

// Client is the per-session broker connection.
type Client interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, qos byte, handler Handler) error
	// ConnectionLost yields the cause once when an established connection drops
	// and will not be re-established.
	ConnectionLost() <-chan error
	ClientID() string
	Disconnect()
}

// Factory builds a Client from Options.
type Factory func(Options) (Client, error)

// DefaultFactory builds paho-backed clients.
func DefaultFactory(opts Options) (Client, error) {
	return NewClient(opts)
}

// maxClientIDSuffix keeps generated ids within the 23 characters MQTT 3.1
// brokers are required to accept, for the default prefix.
const maxClientIDSuffix = 12

// NewClientID returns prefix followed by a random hex suffix.
func NewClientID(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + suffix[:maxClientIDSuffix]
}
