package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minerwatch/internal/collectors"
	"minerwatch/internal/metrics"
	"minerwatch/internal/models"
	"minerwatch/internal/verifier"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeBroker struct {
	mu        sync.Mutex
	err       error
	handlers  map[string]mqtt.MessageHandler
	published []published
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: map[string]mqtt.MessageHandler{}}
}

func (b *fakeBroker) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.handlers[topic] = cb
	}
	return &fakeToken{err: b.err}
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.published = append(b.published, published{topic, qos, retained, payload.([]byte)})
	}
	return &fakeToken{err: b.err}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestSubscriberFeedsBuffer(t *testing.T) {
	broker := newFakeBroker()
	buf := collectors.NewReadingBuffer(8, 0)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s := NewSubscriber(broker, "sensors/+/rf", buf, zerolog.Nop())
	s.now = func() time.Time { return at }
	require.NoError(t, s.Subscribe())

	handler, ok := broker.handlers["sensors/+/rf"]
	require.True(t, ok)

	before := testutil.ToFloat64(metrics.RFReadings.WithLabelValues("accepted"))
	handler(nil, fakeMessage{topic: "sensors/10.0.0.5/rf", payload: []byte(`{"power": 2.5, "heat": 41}`)})

	readings := buf.Between("10.0.0.5", at, at)
	require.Len(t, readings, 1)
	assert.Equal(t, 2.5, readings[0].Power)
	assert.Equal(t, 41.0, readings[0].Heat)
	assert.Equal(t, at, readings[0].At)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RFReadings.WithLabelValues("accepted")))
}

func TestSubscriberRejectsBadReadings(t *testing.T) {
	buf := collectors.NewReadingBuffer(8, 0)
	s := NewSubscriber(newFakeBroker(), "sensors/+/rf", buf, zerolog.Nop())

	tests := []struct {
		name  string
		topic string
		body  string
	}{
		{"not json", "sensors/10.0.0.5/rf", `power=3`},
		{"missing heat", "sensors/10.0.0.5/rf", `{"power": 3}`},
		{"negative", "sensors/10.0.0.5/rf", `{"power": -1, "heat": 3}`},
		{"no device level", "sensors", `{"power": 1, "heat": 3}`},
	}

	before := testutil.ToFloat64(metrics.RFReadings.WithLabelValues("rejected"))
	for _, tt := range tests {
		s.handleReading(nil, fakeMessage{topic: tt.topic, payload: []byte(tt.body)})
	}

	assert.Empty(t, buf.Keys())
	assert.Equal(t, before+float64(len(tests)), testutil.ToFloat64(metrics.RFReadings.WithLabelValues("rejected")))
}

func TestSubscribeError(t *testing.T) {
	broker := newFakeBroker()
	broker.err = errors.New("not authorized")

	err := NewSubscriber(broker, "sensors/+/rf", collectors.NewReadingBuffer(1, 0), zerolog.Nop()).Subscribe()
	assert.ErrorContains(t, err, "not authorized")
}

func TestExtractDeviceKey(t *testing.T) {
	assert.Equal(t, "10.0.0.5", extractDeviceKey("sensors/10.0.0.5/rf"))
	assert.Equal(t, "", extractDeviceKey("sensors"))
}

func TestPublisherPublishesPersistedUpdates(t *testing.T) {
	broker := newFakeBroker()
	p := NewPublisher(broker, "minerwatch/confidence/{device_id}", zerolog.Nop())

	prev := 60
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.OnUpdate(context.Background(), verifier.Outcome{
		Device: &models.MonitoredDevice{ID: "d1", IPAddress: "10.0.0.5"},
		Update: models.ConfidenceUpdate{DeviceID: "d1", Previous: &prev, Score: 72, Delta: 12, Decision: models.DecisionPersist, Timestamp: ts},
	})
	p.OnUpdate(context.Background(), verifier.Outcome{
		Device: &models.MonitoredDevice{ID: "d2", IPAddress: "10.0.0.6"},
		Update: models.ConfidenceUpdate{DeviceID: "d2", Previous: &prev, Score: 62, Delta: 2, Decision: models.DecisionSkip, Timestamp: ts},
	})

	require.Len(t, broker.published, 1)
	msg := broker.published[0]
	assert.Equal(t, "minerwatch/confidence/d1", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.True(t, msg.retained)

	var event ConfidenceEvent
	require.NoError(t, json.Unmarshal(msg.payload, &event))
	assert.Equal(t, "10.0.0.5", event.IPAddress)
	assert.Equal(t, 72, event.Score)
	assert.Equal(t, models.ThreatHigh, event.ThreatLevel)
	require.NotNil(t, event.Previous)
	assert.Equal(t, 60, *event.Previous)
}

func TestPublisherSurvivesBrokerErrors(t *testing.T) {
	broker := newFakeBroker()
	broker.err = errors.New("connection lost")
	p := NewPublisher(broker, "minerwatch/confidence/{device_id}", zerolog.Nop())

	assert.NotPanics(t, func() {
		p.OnUpdate(context.Background(), verifier.Outcome{
			Update: models.ConfidenceUpdate{DeviceID: "d1", Score: 80, Decision: models.DecisionPersist},
		})
	})
	assert.Empty(t, broker.published)
}

func TestClientRestoresSubscriptionsOnReconnect(t *testing.T) {
	broker := newFakeBroker()
	buf := collectors.NewReadingBuffer(8, 0)
	c := &Client{logger: zerolog.Nop()}

	s := NewSubscriber(broker, "sensors/+/rf", buf, zerolog.Nop())
	require.NoError(t, c.AddSubscription(s.Subscribe))
	require.Contains(t, broker.handlers, "sensors/+/rf")

	// A clean-session reconnect leaves the broker without our subscription
	broker.mu.Lock()
	broker.handlers = map[string]mqtt.MessageHandler{}
	broker.mu.Unlock()

	c.handleConnect()

	handler, ok := broker.handlers["sensors/+/rf"]
	require.True(t, ok, "subscription was not restored")
	handler(nil, fakeMessage{topic: "sensors/10.0.0.9/rf", payload: []byte(`{"power": 1, "heat": 2}`)})
	assert.Equal(t, []string{"10.0.0.9"}, buf.Keys())
}

func TestClientAddSubscriptionFailure(t *testing.T) {
	broker := newFakeBroker()
	broker.err = errors.New("not authorized")
	c := &Client{logger: zerolog.Nop()}

	s := NewSubscriber(broker, "sensors/+/rf", collectors.NewReadingBuffer(1, 0), zerolog.Nop())
	require.Error(t, c.AddSubscription(s.Subscribe))
	assert.Empty(t, c.subscriptions)

	// Nothing to restore, and nothing panics
	c.handleConnect()
}
