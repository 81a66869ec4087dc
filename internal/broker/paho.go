package broker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mattjoyce/topicexec/internal/log"
)

const (
	// disconnectQuiesce is how long paho may spend finishing in-flight work on Disconnect.
	disconnectQuiesce = 250 // milliseconds

	// subscribeFailure is the SUBACK return code for a rejected subscription.
	subscribeFailure = 0x80
)

type subscription struct {
	qos     byte
	handler Handler
}

// PahoClient is the eclipse/paho implementation of Client.
type PahoClient struct {
	opts   Options
	client mqtt.Client
	logger *slog.Logger
	lost   chan error

	mu        sync.Mutex
	connected bool
	subs      map[string]subscription
}

// NewClient builds a paho client. It does not connect.
func NewClient(opts Options) (*PahoClient, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	c := &PahoClient{
		opts:   opts,
		logger: log.WithComponent("broker").With("client_id", opts.ClientID),
		lost:   make(chan error, 1),
		subs:   make(map[string]subscription),
	}

	po := mqtt.NewClientOptions()
	po.AddBroker(opts.BrokerURL)
	po.SetClientID(opts.ClientID)
	if opts.Username != "" {
		po.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		po.SetPassword(opts.Password)
	}
	po.SetCleanSession(opts.CleanSession)
	if opts.KeepAlive > 0 {
		po.SetKeepAlive(opts.KeepAlive)
	}
	if opts.ConnectTimeout > 0 {
		po.SetConnectTimeout(opts.ConnectTimeout)
	}
	po.SetAutoReconnect(opts.AutoReconnect)
	po.SetConnectRetry(false)
	po.SetOrderMatters(true)

	if opts.StoreDir != "" {
		dir := filepath.Join(opts.StoreDir, opts.ClientID)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create message store directory: %w", err)
		}
		po.SetStore(mqtt.NewFileStore(dir))
	}

	if opts.secure() {
		tlsConfig, err := newTLSConfig(opts.TLS)
		if err != nil {
			return nil, fmt.Errorf("configure TLS: %w", err)
		}
		po.SetTLSConfig(tlsConfig)
	}

	po.SetOnConnectHandler(c.onConnect)
	po.SetConnectionLostHandler(c.onConnectionLost)
	po.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.logger.Info("reconnecting to broker", "broker", opts.BrokerURL)
	})

	c.client = mqtt.NewClient(po)
	return c, nil
}

// ClientID returns the MQTT client identity.
func (c *PahoClient) ClientID() string { return c.opts.ClientID }

// ConnectionLost implements Client.
func (c *PahoClient) ConnectionLost() <-chan error { return c.lost }

// Connect dials the broker and waits for CONNACK or ctx.
func (c *PahoClient) Connect(ctx context.Context) error {
	c.logger.Debug("connecting", "broker", c.opts.BrokerURL, "clean_session", c.opts.CleanSession)
	if err := wait(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnect, c.opts.BrokerURL, err)
	}
	return nil
}

// Subscribe registers handler for topic and waits for SUBACK or ctx.
func (c *PahoClient) Subscribe(ctx context.Context, topic string, qos byte, handler Handler) error {
	token := c.client.Subscribe(topic, qos, deliver(handler))
	if err := wait(ctx, token); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSubscribe, topic, err)
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		if code, found := st.Result()[topic]; found && code == subscribeFailure {
			return fmt.Errorf("%w: %s: rejected by broker", ErrSubscribe, topic)
		}
	}

	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()
	return nil
}

// Disconnect closes the connection if it is open.
func (c *PahoClient) Disconnect() {
	if c.client.IsConnectionOpen() {
		c.client.Disconnect(disconnectQuiesce)
	}
}

func (c *PahoClient) onConnect(client mqtt.Client) {
	c.mu.Lock()
	reconnect := c.connected
	c.connected = true
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	c.mu.Unlock()

	if !reconnect {
		c.logger.Info("connected to broker", "broker", c.opts.BrokerURL)
		return
	}

	c.logger.Info("reconnected to broker, restoring subscriptions", "broker", c.opts.BrokerURL, "subscriptions", len(subs))
	for topic, s := range subs {
		token := client.Subscribe(topic, s.qos, deliver(s.handler))
		go func(topic string) {
			<-token.Done()
			if err := token.Error(); err != nil {
				c.logger.Error("failed to restore subscription", "topic", topic, "error", err)
			}
		}(topic)
	}
}

func (c *PahoClient) onConnectionLost(_ mqtt.Client, err error) {
	if c.opts.AutoReconnect {
		c.logger.Warn("connection lost, paho will reconnect", "error", err)
		return
	}
	select {
	case c.lost <- err:
	default:
	}
}

func deliver(handler Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		handler(toMessage(m, time.Now()))
	}
}

func toMessage(m mqtt.Message, at time.Time) Message {
	payload := make([]byte, len(m.Payload()))
	copy(payload, m.Payload())
	return Message{
		Topic:      m.Topic(),
		QoS:        m.Qos(),
		Payload:    payload,
		MessageID:  m.MessageID(),
		Duplicate:  m.Duplicate(),
		Retained:   m.Retained(),
		ReceivedAt: at,
	}
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
