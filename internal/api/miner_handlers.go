package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"minerwatch/internal/database"
	"minerwatch/internal/models"
	"minerwatch/internal/presenter"
	"minerwatch/internal/verifier"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// MinerVerifier runs live re-verification
type MinerVerifier interface {
	VerifyAll(ctx context.Context) (*verifier.BatchResult, error)
	VerifyDevice(ctx context.Context, id string) (verifier.Outcome, error)
}

// HistoryReader loads stored history for a device
type HistoryReader interface {
	GetDeviceHistory(ctx context.Context, deviceID string, limit int) (*models.DeviceHistory, error)
}

// MinerHandler serves the verified miner views
type MinerHandler struct {
	verifier MinerVerifier
	history  HistoryReader
	logger   zerolog.Logger
}

// NewMinerHandler creates a new miner handler
func NewMinerHandler(v MinerVerifier, history HistoryReader, logger zerolog.Logger) *MinerHandler {
	return &MinerHandler{
		verifier: v,
		history:  history,
		logger:   logger.With().Str("handler", "miners").Logger(),
	}
}

// RegisterRoutes registers the miner routes
func (h *MinerHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/miners", h.getMiners).Methods("GET")
	r.HandleFunc("/api/miners/{id}", h.getMiner).Methods("GET")
	r.HandleFunc("/api/miners/{id}/history", h.getHistory).Methods("GET")
}

// getMiners re-verifies every active device and returns their views.
// Devices whose verification failed are left out and counted in the
// X-Partial-Failures header.
func (h *MinerHandler) getMiners(w http.ResponseWriter, r *http.Request) {
	result, err := h.verifier.VerifyAll(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Verification batch failed")
		writeError(w, http.StatusInternalServerError, "Failed to verify devices")
		return
	}

	views := make([]models.MinerView, 0, len(result.Outcomes))
	for _, o := range result.Outcomes {
		views = append(views, presenter.Present(o.Device, o.Geo))
	}

	if n := len(result.Failed); n > 0 {
		w.Header().Set("X-Partial-Failures", strconv.Itoa(n))
		h.logger.Warn().Int("failed", n).Int("total", result.Total).Msg("Partial verification failure")
	}

	writeJSON(w, http.StatusOK, views, h.logger)
}

// getMiner re-verifies a single device
func (h *MinerHandler) getMiner(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	o, err := h.verifier.VerifyDevice(r.Context(), id)
	if err != nil {
		var perr *verifier.PersistenceError
		switch {
		case errors.Is(err, database.ErrNotFound):
			writeError(w, http.StatusNotFound, "Device not found")
		case errors.As(err, &perr):
			writeError(w, http.StatusInternalServerError, "Failed to store confidence score")
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "Verification timed out")
		default:
			h.logger.Error().Err(err).Str("id", id).Msg("Verification failed")
			writeError(w, http.StatusInternalServerError, "Failed to verify device")
		}
		return
	}

	writeJSON(w, http.StatusOK, presenter.Present(o.Device, o.Geo), h.logger)
}

// getHistory returns stored scan results and alerts, newest first
func (h *MinerHandler) getHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	history, err := h.history.GetDeviceHistory(r.Context(), id, limit)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to load history")
		writeError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}

	writeJSON(w, http.StatusOK, history, h.logger)
}
