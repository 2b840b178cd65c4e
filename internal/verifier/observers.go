package verifier

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"minerwatch/internal/metrics"
	"minerwatch/internal/models"
)

// HistoryStore keeps per-device scan results
type HistoryStore interface {
	AddScanResult(ctx context.Context, r *models.ScanResult) (int64, error)
}

// AlertStore keeps raised alerts
type AlertStore interface {
	AddAlert(ctx context.Context, a *models.Alert) (int64, error)
}

// HistoryRecorder stores every verification as a scan result
type HistoryRecorder struct {
	store  HistoryStore
	logger zerolog.Logger
}

// NewHistoryRecorder creates a history observer
func NewHistoryRecorder(store HistoryStore, logger zerolog.Logger) *HistoryRecorder {
	return &HistoryRecorder{store: store, logger: logger.With().Str("observer", "history").Logger()}
}

// OnUpdate records the outcome
func (h *HistoryRecorder) OnUpdate(ctx context.Context, o Outcome) {
	r := &models.ScanResult{
		DeviceID:        o.Update.DeviceID,
		NetworkScore:    o.Breakdown.Network,
		RFScore:         o.Breakdown.RF,
		GeoScore:        o.Breakdown.Geo,
		HistoryScore:    o.Breakdown.History,
		ConfidenceScore: o.Breakdown.Score,
		Decision:        o.Update.Decision,
		Timestamp:       o.Update.Timestamp,
	}

	if _, err := h.store.AddScanResult(ctx, r); err != nil {
		h.logger.Error().Err(err).Str("device", r.DeviceID).Msg("Failed to record scan result")
	}
}

// Alerter raises an alert when a persisted score crosses the threshold upward
type Alerter struct {
	store     AlertStore
	threshold int
	logger    zerolog.Logger
}

// NewAlerter creates an alert observer
func NewAlerter(store AlertStore, threshold int, logger zerolog.Logger) *Alerter {
	return &Alerter{store: store, threshold: threshold, logger: logger.With().Str("observer", "alerter").Logger()}
}

// Crossed reports whether an update moves the score to or above the threshold
func (a *Alerter) Crossed(u models.ConfidenceUpdate) bool {
	if u.Decision != models.DecisionPersist || u.Score < a.threshold {
		return false
	}
	return u.Previous == nil || *u.Previous < a.threshold
}

// OnUpdate stores an alert when the threshold was crossed
func (a *Alerter) OnUpdate(ctx context.Context, o Outcome) {
	if !a.Crossed(o.Update) {
		return
	}

	level := models.ThreatLevelFor(o.Update.Score)
	alert := &models.Alert{
		DeviceID:  o.Update.DeviceID,
		Level:     level,
		Score:     o.Update.Score,
		Message:   alertMessage(o),
		CreatedAt: o.Update.Timestamp,
	}

	if _, err := a.store.AddAlert(ctx, alert); err != nil {
		a.logger.Error().Err(err).Str("device", alert.DeviceID).Msg("Failed to store alert")
		return
	}

	metrics.AlertsRaised.WithLabelValues(string(level)).Inc()
	a.logger.Warn().
		Str("device", alert.DeviceID).
		Int("score", alert.Score).
		Str("level", string(level)).
		Msg("Confidence threshold crossed")
}

func alertMessage(o Outcome) string {
	ip := ""
	if o.Device != nil {
		ip = o.Device.IPAddress
	}
	return fmt.Sprintf("device %s (%s) reached confidence %d with %d open mining ports",
		o.Update.DeviceID, ip, o.Update.Score, o.Network.MiningPorts)
}

// MetricsObserver counts verifications and records score distribution
type MetricsObserver struct{}

// OnUpdate records the outcome
func (MetricsObserver) OnUpdate(_ context.Context, o Outcome) {
	metrics.VerificationsTotal.WithLabelValues(string(o.Update.Decision)).Inc()
	metrics.ConfidenceScore.Observe(float64(o.Breakdown.Score))
}
