// internal/api/device_handlers.go
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"minerwatch/internal/database"
	"minerwatch/internal/models"
)

// DeviceStore is the device registry behind the device endpoints
type DeviceStore interface {
	ListDevices(ctx context.Context) ([]*models.MonitoredDevice, error)
	GetDevice(ctx context.Context, id string) (*models.MonitoredDevice, error)
	GetDeviceByIP(ctx context.Context, ipAddress string) (*models.MonitoredDevice, error)
	CreateDevice(ctx context.Context, device *models.MonitoredDevice) error
	SetDeviceActive(ctx context.Context, id string, active bool) error
}

// ActiveRequest toggles re-verification of a device
type ActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// DeviceHandler handles device registry endpoints
type DeviceHandler struct {
	db       DeviceStore
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(db DeviceStore, logger zerolog.Logger) *DeviceHandler {
	return &DeviceHandler{
		db:       db,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With().Str("handler", "devices").Logger(),
	}
}

// RegisterRoutes registers the device routes
func (h *DeviceHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/devices", h.getDevices).Methods("GET")
	r.HandleFunc("/api/devices", h.createDevice).Methods("POST")
	r.HandleFunc("/api/devices/{id}/active", h.setActive).Methods("PUT")
}

// getDevices returns all devices as stored, without re-verifying
func (h *DeviceHandler) getDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.db.ListDevices(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to retrieve devices")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve devices")
		return
	}

	if devices == nil {
		devices = []*models.MonitoredDevice{}
	}
	writeJSON(w, http.StatusOK, devices, h.logger)
}

// createDevice registers a device by hand
func (h *DeviceHandler) createDevice(w http.ResponseWriter, r *http.Request) {
	var req models.NewDeviceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	existing, err := h.db.GetDeviceByIP(r.Context(), req.IPAddress)
	switch {
	case err == nil:
		w.Header().Set("Location", "/api/miners/"+existing.ID)
		writeError(w, http.StatusConflict, "Device "+existing.ID+" already has this IP address")
		return
	case !errors.Is(err, database.ErrNotFound):
		h.logger.Error().Err(err).Str("ip", req.IPAddress).Msg("Failed to look up device")
		writeError(w, http.StatusInternalServerError, "Failed to create device")
		return
	}

	device := &models.MonitoredDevice{
		IPAddress:       req.IPAddress,
		MACAddress:      req.MACAddress,
		Hostname:        req.Hostname,
		DeviceType:      req.DeviceType,
		Latitude:        req.Latitude,
		Longitude:       req.Longitude,
		City:            req.City,
		DetectionMethod: req.DetectionMethod,
		SuspicionScore:  req.SuspicionScore,
		ConfidenceScore: req.ConfidenceScore,
		Active:          true,
		Notes:           req.Notes,
	}

	if err := h.db.CreateDevice(r.Context(), device); err != nil {
		// Lost a race with a concurrent registration of the same IP
		if errors.Is(err, database.ErrDuplicate) {
			writeError(w, http.StatusConflict, "A device with this IP address already exists")
			return
		}
		h.logger.Error().Err(err).Str("ip", req.IPAddress).Msg("Failed to create device")
		writeError(w, http.StatusInternalServerError, "Failed to create device")
		return
	}

	w.Header().Set("Location", "/api/miners/"+device.ID)
	writeJSON(w, http.StatusCreated, device, h.logger)
}

// setActive enables or disables re-verification of a device
func (h *DeviceHandler) setActive(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req ActiveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	if err := h.db.SetDeviceActive(r.Context(), id, *req.Active); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Device not found")
			return
		}
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to update device")
		writeError(w, http.StatusInternalServerError, "Failed to update device")
		return
	}

	device, err := h.db.GetDevice(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to reload device")
		writeError(w, http.StatusInternalServerError, "Failed to reload device")
		return
	}

	writeJSON(w, http.StatusOK, device, h.logger)
}

// validationMessage lists the offending fields of a validation error
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Invalid request"
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" failed "+fe.Tag())
	}
	return "Invalid fields: " + strings.Join(fields, ", ")
}
