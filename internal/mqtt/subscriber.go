package mqtt

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"minerwatch/internal/collectors"
	"minerwatch/internal/metrics"
)

// ReadingSink receives decoded RF readings keyed by device IP
type ReadingSink interface {
	Add(key string, r collectors.Reading)
}

// readingPayload is the JSON body published by RF sensors
type readingPayload struct {
	Power *float64 `json:"power"`
	Heat  *float64 `json:"heat"`
}

// Subscriber feeds RF readings from the broker into a ReadingSink
type Subscriber struct {
	broker Broker
	topic  string
	sink   ReadingSink
	now    func() time.Time
	logger zerolog.Logger
}

// NewSubscriber creates a subscriber for topic, e.g. "sensors/+/rf"
func NewSubscriber(broker Broker, topic string, sink ReadingSink, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		broker: broker,
		topic:  topic,
		sink:   sink,
		now:    time.Now,
		logger: logger.With().Str("component", "mqtt-subscriber").Logger(),
	}
}

// Subscribe registers the reading handler at QoS 1
func (s *Subscriber) Subscribe() error {
	token := s.broker.Subscribe(s.topic, 1, s.handleReading)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.topic, token.Error())
	}

	s.logger.Info().Str("topic", s.topic).Msg("Subscribed to RF readings")
	return nil
}

func (s *Subscriber) handleReading(_ mqtt.Client, msg mqtt.Message) {
	key := extractDeviceKey(msg.Topic())
	if key == "" {
		metrics.RFReadings.WithLabelValues("rejected").Inc()
		s.logger.Warn().Str("topic", msg.Topic()).Msg("Could not extract device from topic")
		return
	}

	reading, err := decodeReading(msg.Payload())
	if err != nil {
		metrics.RFReadings.WithLabelValues("rejected").Inc()
		s.logger.Warn().Err(err).Str("device", key).Msg("Dropping RF reading")
		return
	}

	// Timestamps are assigned on receipt
	reading.At = s.now()
	s.sink.Add(key, reading)
	metrics.RFReadings.WithLabelValues("accepted").Inc()
}

func decodeReading(payload []byte) (collectors.Reading, error) {
	var p readingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return collectors.Reading{}, fmt.Errorf("invalid payload: %w", err)
	}
	if p.Power == nil || p.Heat == nil {
		return collectors.Reading{}, errors.New("payload needs power and heat")
	}
	for _, v := range []float64{*p.Power, *p.Heat} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return collectors.Reading{}, fmt.Errorf("invalid reading value %v", v)
		}
	}
	return collectors.Reading{Power: *p.Power, Heat: *p.Heat}, nil
}

// extractDeviceKey returns the second topic level.
// Example: "sensors/10.0.0.5/rf" -> "10.0.0.5"
func extractDeviceKey(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
