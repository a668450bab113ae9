// Package mqtt publishes monitor events to an MQTT broker.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/SimplyPrint/nfc-wedge/internal/config"
	"github.com/SimplyPrint/nfc-wedge/internal/logging"
	"github.com/SimplyPrint/nfc-wedge/internal/monitor"
)

// PublishTimeout bounds how long a publish result is awaited.
const PublishTimeout = 5 * time.Second

// client is the part of paho.Client the publisher uses.
type client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Publisher sends each monitor event as JSON to <topic>/<event name>.
// A Publisher built from a config without a host is a no-op.
type Publisher struct {
	client  client
	topic   string
	qos     byte
	enabled bool
}

// New creates a publisher for cfg. It does not connect.
func New(cfg config.MQTTConfig) (*Publisher, error) {
	if !cfg.Enabled() {
		return &Publisher{}, nil
	}

	var (
		broker    string
		tlsConfig *tls.Config
	)
	port := cfg.Port
	if cfg.CACert != "" || cfg.ClientCert != "" {
		if port == 0 {
			port = 8883
		}
		broker = fmt.Sprintf("ssl://%s:%d", cfg.Host, port)
		var err error
		if tlsConfig, err = buildTLSConfig(cfg); err != nil {
			return nil, fmt.Errorf("build TLS config: %w", err)
		}
	} else {
		if port == 0 {
			port = 1883
		}
		broker = fmt.Sprintf("tcp://%s:%d", cfg.Host, port)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetKeepAlive(60 * time.Second).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logging.Warn(logging.CatMQTT, "MQTT connection lost", map[string]any{"error": err.Error()})
		}).
		SetOnConnectHandler(func(paho.Client) {
			logging.Info(logging.CatMQTT, "MQTT connected", map[string]any{"broker": broker})
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	paho.ERROR = pahoLogger{level: logging.LevelError}
	paho.CRITICAL = pahoLogger{level: logging.LevelError}
	paho.WARN = pahoLogger{level: logging.LevelWarn}

	return newPublisher(paho.NewClient(opts), cfg.Topic, byte(cfg.QoS)), nil
}

func newPublisher(c client, topic string, qos byte) *Publisher {
	return &Publisher{
		client:  c,
		topic:   strings.TrimSuffix(topic, "/"),
		qos:     qos,
		enabled: true,
	}
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("no certificates in CA file")
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// Enabled reports whether a broker is configured.
func (p *Publisher) Enabled() bool {
	return p.enabled
}

// Connect starts the connection. With connect retry on, paho keeps trying
// in the background; Connect returns when the first attempt finishes or ctx
// ends.
func (p *Publisher) Connect(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	token := p.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects, allowing in-flight messages a short grace period.
func (p *Publisher) Close() {
	if !p.enabled {
		return
	}
	p.client.Disconnect(250)
}

// Topic returns the topic an event is published to.
func (p *Publisher) Topic(ev monitor.Event) string {
	return p.topic + "/" + ev.Name()
}

// Publish sends ev. Status changes are retained so new subscribers see the
// current scanner state. The call does not wait for the broker.
func (p *Publisher) Publish(ev monitor.Event) error {
	if !p.enabled {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Name(), err)
	}
	_, retained := ev.(monitor.StatusChanged)
	topic := p.Topic(ev)

	token := p.client.Publish(topic, p.qos, retained, payload)
	go func() {
		defer logging.RecoverAndLog("mqtt-publish", false)
		if !token.WaitTimeout(PublishTimeout) {
			logging.Warn(logging.CatMQTT, "MQTT publish timed out", map[string]any{"topic": topic})
			return
		}
		if err := token.Error(); err != nil {
			logging.Warn(logging.CatMQTT, "MQTT publish failed", map[string]any{"topic": topic, "error": err.Error()})
		}
	}()
	return nil
}

// pahoLogger forwards paho's internal logging into the category logger.
type pahoLogger struct {
	level logging.Level
}

func (l pahoLogger) Println(v ...interface{}) {
	l.log(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l pahoLogger) Printf(format string, v ...interface{}) {
	l.log(fmt.Sprintf(format, v...))
}

func (l pahoLogger) log(msg string) {
	logging.Get().Log(l.level, logging.CatMQTT, msg, nil)
}
