package mqtt

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"minerwatch/internal/models"
	"minerwatch/internal/verifier"
)

const publishTimeout = 5 * time.Second

// ConfidenceEvent is published whenever a device's score is persisted
type ConfidenceEvent struct {
	DeviceID    string             `json:"device_id"`
	IPAddress   string             `json:"ip_address"`
	Score       int                `json:"confidence_score"`
	Previous    *int               `json:"previous_score"`
	Delta       int                `json:"delta"`
	ThreatLevel models.ThreatLevel `json:"threat_level"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Publisher emits confidence events; it is a verifier.UpdateObserver
type Publisher struct {
	broker Broker
	topic  string // e.g. "minerwatch/confidence/{device_id}"
	logger zerolog.Logger
}

// NewPublisher creates a confidence event publisher
func NewPublisher(broker Broker, topic string, logger zerolog.Logger) *Publisher {
	return &Publisher{
		broker: broker,
		topic:  topic,
		logger: logger.With().Str("component", "mqtt-publisher").Logger(),
	}
}

// OnUpdate publishes persisted updates. Skipped updates carry no new state.
func (p *Publisher) OnUpdate(_ context.Context, o verifier.Outcome) {
	if o.Update.Decision != models.DecisionPersist {
		return
	}

	event := ConfidenceEvent{
		DeviceID:    o.Update.DeviceID,
		Score:       o.Update.Score,
		Previous:    o.Update.Previous,
		Delta:       o.Update.Delta,
		ThreatLevel: models.ThreatLevelFor(o.Update.Score),
		Timestamp:   o.Update.Timestamp,
	}
	if o.Device != nil {
		event.IPAddress = o.Device.IPAddress
	}

	if err := p.publish(event); err != nil {
		p.logger.Error().Err(err).Str("device", event.DeviceID).Msg("Failed to publish confidence event")
	}
}

func (p *Publisher) publish(event ConfidenceEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal confidence event: %w", err)
	}

	topic := formatTopic(p.topic, event.DeviceID)

	// Retained so late subscribers see the latest score per device
	token := p.broker.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// formatTopic replaces the {device_id} placeholder
func formatTopic(pattern, deviceID string) string {
	return strings.ReplaceAll(pattern, "{device_id}", deviceID)
}
