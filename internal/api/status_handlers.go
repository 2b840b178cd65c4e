// internal/api/status_handlers.go
package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"minerwatch/internal/config"
	"minerwatch/internal/models"
	"minerwatch/internal/verifier"
)

// StatusStore provides the storage side of the status endpoints
type StatusStore interface {
	PingContext(ctx context.Context) error
	GetDatabaseStats(ctx context.Context) (map[string]interface{}, error)
	GetRecentRuns(ctx context.Context, limit int) ([]*models.VerificationRun, error)
	GetRecentAlerts(ctx context.Context, limit int) ([]*models.Alert, error)
}

// RunReporter reports the scheduler state
type RunReporter interface {
	GetStatus() verifier.RunStats
}

// ConnectionReporter reports whether the MQTT broker is reachable
type ConnectionReporter interface {
	IsConnected() bool
}

// StatusHandler handles system status endpoints
type StatusHandler struct {
	db        StatusStore
	scheduler RunReporter // nil when the scheduler is disabled
	broker    ConnectionReporter
	cfg       *config.Config
	startTime time.Time
	logger    zerolog.Logger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(db StatusStore, scheduler RunReporter, cfg *config.Config, logger zerolog.Logger) *StatusHandler {
	return &StatusHandler{
		db:        db,
		scheduler: scheduler,
		cfg:       cfg,
		startTime: time.Now(),
		logger:    logger.With().Str("handler", "status").Logger(),
	}
}

// WithBroker adds the MQTT connection state to /api/status
func (h *StatusHandler) WithBroker(broker ConnectionReporter) *StatusHandler {
	h.broker = broker
	return h
}

// RegisterRoutes registers the status routes
func (h *StatusHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/status", h.getSystemStatus).Methods("GET")
	r.HandleFunc("/api/status/health", h.getHealthCheck).Methods("GET")
}

// getSystemStatus returns the overall system status
func (h *StatusHandler) getSystemStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbStats, err := h.db.GetDatabaseStats(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to retrieve database stats")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve database stats")
		return
	}

	runs, err := h.db.GetRecentRuns(ctx, 5)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to retrieve recent runs")
	}
	alerts, err := h.db.GetRecentAlerts(ctx, 10)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to retrieve recent alerts")
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	scheduler := map[string]interface{}{
		"enabled": h.scheduler != nil,
	}
	if h.scheduler != nil {
		stats := h.scheduler.GetStatus()
		scheduler["status"] = stats.Status
		scheduler["lastRun"] = stats
	}

	mqttSection := map[string]interface{}{
		"enabled": h.broker != nil,
	}
	if h.broker != nil {
		mqttSection["broker"] = h.cfg.MQTT.Broker
		mqttSection["connected"] = h.broker.IsConnected()
	}

	response := map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(h.startTime).String(),
		"startTime": h.startTime,
		"system": map[string]interface{}{
			"goVersion":    runtime.Version(),
			"numCPU":       runtime.NumCPU(),
			"numGoroutine": runtime.NumGoroutine(),
			"allocMB":      memStats.Alloc / 1024 / 1024,
		},
		"verifier": map[string]interface{}{
			"interval":       h.cfg.Verifier.Interval,
			"maxInFlight":    h.cfg.Verifier.MaxInFlight,
			"deltaThreshold": h.cfg.Verifier.DeltaThreshold,
			"alertThreshold": h.cfg.Verifier.AlertThreshold,
			"weights":        h.cfg.Verifier.Weights,
		},
		"scheduler": scheduler,
		"mqtt":      mqttSection,
		"database": map[string]interface{}{
			"sizeBytes":          dbStats["sizeBytes"],
			"deviceCount":        dbStats["deviceCount"],
			"activeDeviceCount":  dbStats["activeDeviceCount"],
			"scanResultCount":    dbStats["scanResultCount"],
			"alertCount":         dbStats["alertCount"],
			"runCount":           dbStats["runCount"],
			"lastRunTime":        dbStats["lastRunTime"],
			"threatDistribution": dbStats["threatDistribution"],
			"retentionDays":      h.cfg.Database.DataRetentionDays,
		},
		"recentRuns":   emptyIfNil(runs),
		"recentAlerts": emptyIfNil(alerts),
		"timestamp":    time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, response, h.logger)
}

// getHealthCheck reports whether the database is reachable
func (h *StatusHandler) getHealthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if err := h.db.PingContext(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("Database ping failed")
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
	}, h.logger)
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
