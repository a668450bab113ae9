package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimplyPrint/nfc-wedge/internal/config"
	"github.com/SimplyPrint/nfc-wedge/internal/core"
	"github.com/SimplyPrint/nfc-wedge/internal/monitor"
)

type doneToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	connectErr   error
	msgs         []published
	disconnected bool
}

func (c *fakeClient) Connect() paho.Token { return newToken(c.connectErr) }
func (c *fakeClient) IsConnected() bool   { return true }

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic, qos, retained, payload.([]byte)})
	return newToken(nil)
}

func TestDisabledWithoutHost(t *testing.T) {
	p, err := New(config.MQTTConfig{})
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Connect(context.Background()))
	assert.NoError(t, p.Publish(monitor.CardRemoved{Reader: "r"}))
	p.Close()
}

func TestNewRejectsMissingCA(t *testing.T) {
	_, err := New(config.MQTTConfig{Host: "broker", Port: 8883, CACert: "/nonexistent/ca.pem"})
	assert.ErrorContains(t, err, "read CA cert")
}

func TestPublishTopicsAndPayload(t *testing.T) {
	fc := &fakeClient{}
	p := newPublisher(fc, "shop/nfc/", 1)
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	text := "PLA-0042"
	rec := core.NewCardRecord(core.CardRecordParams{
		ReaderName: "ACS ACR1252 Dual Reader PICC",
		DetectedAt: at,
		Family:     core.FamilyNTAG,
		Text:       &text,
		Succeeded:  true,
	})

	require.NoError(t, p.Publish(monitor.CardDetected{Record: rec}))
	require.NoError(t, p.Publish(monitor.StatusChanged{State: core.StateScanning, At: at}))
	require.NoError(t, p.Publish(monitor.ErrorOccurred{Kind: core.KindProtocolFailure, Message: "read binary", At: at}))

	require.Len(t, fc.msgs, 3)
	assert.Equal(t, "shop/nfc/card_detected", fc.msgs[0].topic)
	assert.Equal(t, byte(1), fc.msgs[0].qos)
	assert.False(t, fc.msgs[0].retained)
	assert.Equal(t, "shop/nfc/status_changed", fc.msgs[1].topic)
	assert.True(t, fc.msgs[1].retained, "status is retained")
	assert.Equal(t, "shop/nfc/error", fc.msgs[2].topic)

	var card struct {
		Card struct {
			Reader string `json:"reader"`
			Text   string `json:"text"`
			Family string `json:"family"`
		} `json:"card"`
	}
	require.NoError(t, json.Unmarshal(fc.msgs[0].payload, &card))
	assert.Equal(t, "PLA-0042", card.Card.Text)
	assert.Equal(t, "NTAG", card.Card.Family)

	var status map[string]any
	require.NoError(t, json.Unmarshal(fc.msgs[1].payload, &status))
	assert.Equal(t, "scanning", status["state"])
}

func TestConnect(t *testing.T) {
	p := newPublisher(&fakeClient{}, "nfc", 0)
	assert.NoError(t, p.Connect(context.Background()))

	p = newPublisher(&fakeClient{connectErr: errors.New("refused")}, "nfc", 0)
	assert.ErrorContains(t, p.Connect(context.Background()), "refused")
}

func TestClose(t *testing.T) {
	fc := &fakeClient{}
	p := newPublisher(fc, "nfc", 0)
	p.Close()
	assert.True(t, fc.disconnected)
}
