package broker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/topicexec/internal/config"
)

// Options configures one client connection.
type Options struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	CleanSession   bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	AutoReconnect  bool
	// StoreDir holds paho's in-flight message store. Empty keeps it in memory.
	StoreDir string
	TLS      config.TLSConfig
}

// OptionsFromConfig merges the shared transport settings with the broker document.
// ClientID is left for the caller to assign.
func OptionsFromConfig(m config.MQTTConfig, b config.BrokerSettings) Options {
	return Options{
		BrokerURL:      b.URL(),
		Username:       b.UserName,
		Password:       b.Password,
		CleanSession:   m.IsCleanSession(),
		KeepAlive:      m.KeepAlive,
		ConnectTimeout: m.ConnectTimeout,
		AutoReconnect:  m.AutoReconnect,
		StoreDir:       m.PersistenceDir,
		TLS:            m.TLS,
	}
}

func (o Options) validate() error {
	if o.BrokerURL == "" {
		return fmt.Errorf("broker URL is required")
	}
	if _, err := url.Parse(o.BrokerURL); err != nil {
		return fmt.Errorf("invalid broker URL %q: %w", o.BrokerURL, err)
	}
	if o.ClientID == "" {
		return fmt.Errorf("client id is required")
	}
	return nil
}

// secure reports whether the connection needs a TLS configuration.
func (o Options) secure() bool {
	u, err := url.Parse(o.BrokerURL)
	if err == nil {
		switch strings.ToLower(u.Scheme) {
		case "ssl", "tls", "mqtts", "wss":
			return true
		}
	}
	return o.TLS.CAFile != "" || o.TLS.CertFile != ""
}

func newTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}
	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file %s: %w", cfg.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in CA file %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
