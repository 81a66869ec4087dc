package broker

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/topicexec/internal/config"
	"github.com/mattjoyce/topicexec/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type fakeMessage struct {
	topic   string
	payload []byte
	qos     byte
	id      uint16
	dup     bool
}

func (f *fakeMessage) Duplicate() bool   { return f.dup }
func (f *fakeMessage) Qos() byte         { return f.qos }
func (f *fakeMessage) Retained() bool    { return false }
func (f *fakeMessage) Topic() string     { return f.topic }
func (f *fakeMessage) MessageID() uint16 { return f.id }
func (f *fakeMessage) Payload() []byte   { return f.payload }
func (f *fakeMessage) Ack()              {}

func TestNewClientID(t *testing.T) {
	a := NewClientID("topicexec-")
	b := NewClientID("topicexec-")
	assert.True(t, strings.HasPrefix(a, "topicexec-"))
	assert.Len(t, a, len("topicexec-")+maxClientIDSuffix)
	assert.LessOrEqual(t, len(a), 23)
	assert.NotEqual(t, a, b)
}

func TestOptionsFromConfig(t *testing.T) {
	clean := false
	m := config.MQTTConfig{
		CleanSession:   &clean,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 5 * time.Second,
		AutoReconnect:  true,
		PersistenceDir: "/tmp/store",
	}
	b := config.BrokerSettings{Protocol: "tcp", Broker: "mq.local", Port: "1883", UserName: "u", Password: "p"}

	opts := OptionsFromConfig(m, b)
	assert.Equal(t, "tcp://mq.local:1883", opts.BrokerURL)
	assert.Equal(t, "u", opts.Username)
	assert.Equal(t, "p", opts.Password)
	assert.False(t, opts.CleanSession)
	assert.True(t, opts.AutoReconnect)
	assert.Equal(t, "/tmp/store", opts.StoreDir)
	assert.Empty(t, opts.ClientID)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Options{ClientID: "x"})
	assert.Error(t, err)

	_, err = NewClient(Options{BrokerURL: "tcp://localhost:1883"})
	assert.Error(t, err)
}

func TestNewClientAppliesOptions(t *testing.T) {
	storeDir := t.TempDir()
	c, err := NewClient(Options{
		BrokerURL:    "tcp://localhost:1883",
		ClientID:     "topicexec-test",
		Username:     "user",
		CleanSession: true,
		KeepAlive:    15 * time.Second,
		StoreDir:     storeDir,
	})
	require.NoError(t, err)
	assert.Equal(t, "topicexec-test", c.ClientID())

	r := c.client.OptionsReader()
	require.Len(t, r.Servers(), 1)
	assert.Equal(t, "localhost:1883", r.Servers()[0].Host)
	assert.Equal(t, "topicexec-test", r.ClientID())
	assert.Equal(t, "user", r.Username())
	assert.True(t, r.CleanSession())
	assert.Equal(t, 15*time.Second, r.KeepAlive())
	assert.Nil(t, r.TLSConfig())

	info, err := os.Stat(filepath.Join(storeDir, "topicexec-test"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewClientTLS(t *testing.T) {
	for _, scheme := range []string{"ssl", "tls", "mqtts"} {
		c, err := NewClient(Options{BrokerURL: scheme + "://broker:8883", ClientID: "id"})
		require.NoError(t, err, scheme)
		r := c.client.OptionsReader()
		assert.NotNil(t, r.TLSConfig(), scheme)
	}

	_, err := NewClient(Options{
		BrokerURL: "ssl://broker:8883",
		ClientID:  "id",
		TLS:       config.TLSConfig{CAFile: filepath.Join(t.TempDir(), "missing.pem")},
	})
	assert.Error(t, err)
}

func TestConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	c, err := NewClient(Options{BrokerURL: "tcp://" + addr, ClientID: "refused", ConnectTimeout: 2 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnect))
}

func TestConnectHonoursContext(t *testing.T) {
	// Accepts TCP but never answers CONNECT.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu   sync.Mutex
		held []net.Conn
	)
	t.Cleanup(func() {
		_ = l.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range held {
			_ = conn.Close()
		}
	})
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, conn)
			mu.Unlock()
		}
	}()

	c, err := NewClient(Options{BrokerURL: "tcp://" + l.Addr().String(), ClientID: "silent", ConnectTimeout: 30 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = c.Connect(ctx)
	assert.ErrorIs(t, err, ErrConnect)
	assert.ErrorContains(t, err, context.DeadlineExceeded.Error())
}

func TestConnectionLostSignalledOnce(t *testing.T) {
	c, err := NewClient(Options{BrokerURL: "tcp://localhost:1883", ClientID: "lost"})
	require.NoError(t, err)

	c.onConnectionLost(nil, errors.New("eof"))
	c.onConnectionLost(nil, errors.New("second"))

	select {
	case err := <-c.ConnectionLost():
		assert.EqualError(t, err, "eof")
	default:
		t.Fatal("connection loss not signalled")
	}
	select {
	case <-c.ConnectionLost():
		t.Fatal("connection loss signalled twice")
	default:
	}
}

func TestConnectionLostSuppressedWithAutoReconnect(t *testing.T) {
	c, err := NewClient(Options{BrokerURL: "tcp://localhost:1883", ClientID: "auto", AutoReconnect: true})
	require.NoError(t, err)

	c.onConnectionLost(nil, errors.New("eof"))
	select {
	case <-c.ConnectionLost():
		t.Fatal("auto-reconnect client must not report loss")
	default:
	}
}

func TestDeliverCopiesMessage(t *testing.T) {
	var got Message
	h := deliver(func(m Message) { got = m })

	raw := &fakeMessage{topic: "t1", payload: []byte(`{"a":1}`), qos: 1, id: 7, dup: true}
	h(nil, raw)
	raw.payload[0] = 'X'

	assert.Equal(t, "t1", got.Topic)
	assert.Equal(t, `{"a":1}`, string(got.Payload))
	assert.Equal(t, byte(1), got.QoS)
	assert.Equal(t, uint16(7), got.MessageID)
	assert.True(t, got.Duplicate)
	assert.False(t, got.ReceivedAt.IsZero())
}
