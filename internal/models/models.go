// Package models defines the data structures used throughout minerwatch.
// It contains the monitored device record, the transient signal readings
// produced by the collectors, the per-cycle confidence update, and the
// history records (scan results, alerts, verification runs) kept by storage.
package models

import "time"

// ThreatLevel classifies a device by its confidence score
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// Valid reports whether t is one of the known threat levels
func (t ThreatLevel) Valid() bool {
	switch t {
	case ThreatLow, ThreatMedium, ThreatHigh, ThreatCritical:
		return true
	}
	return false
}

// ThreatLevelFor buckets a confidence score into a threat level.
// Buckets follow the dashboard: below 40 low, below 70 medium (suspicious),
// below 90 high, otherwise critical.
func ThreatLevelFor(score int) ThreatLevel {
	switch {
	case score < 40:
		return ThreatLow
	case score < 70:
		return ThreatMedium
	case score < 90:
		return ThreatHigh
	default:
		return ThreatCritical
	}
}

// MonitoredDevice represents a device suspected of unauthorized mining
type MonitoredDevice struct {
	ID              string      `json:"id"`
	IPAddress       string      `json:"ipAddress"`
	MACAddress      string      `json:"macAddress,omitempty"`
	Hostname        string      `json:"hostname,omitempty"`
	DeviceType      string      `json:"deviceType,omitempty"`
	Latitude        *float64    `json:"latitude"`
	Longitude       *float64    `json:"longitude"`
	City            string      `json:"city,omitempty"`
	DetectionMethod string      `json:"detectionMethod"`
	SuspicionScore  int         `json:"suspicionScore"`
	ConfidenceScore *int        `json:"confidenceScore"`
	ThreatLevel     ThreatLevel `json:"threatLevel"`
	Active          bool        `json:"active"`
	Notes           string      `json:"notes,omitempty"`
	DetectedAt      time.Time   `json:"detectedAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// GeoResult is the outcome of an IP geolocation lookup.
// The zero value is the failure sentinel.
type GeoResult struct {
	City           string   `json:"city,omitempty"`
	Country        string   `json:"country,omitempty"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	InJurisdiction *bool    `json:"inJurisdiction,omitempty"`
}

// Resolved reports whether the lookup produced coordinates
func (g GeoResult) Resolved() bool {
	return g.Latitude != nil && g.Longitude != nil
}

// NetworkResult is the outcome of a network probe against a device.
// The zero value is the failure sentinel.
type NetworkResult struct {
	MiningPorts int     `json:"miningPorts"`
	Bandwidth   float64 `json:"bandwidth"`
	Suspicious  float64 `json:"suspicious"`
	OpenPorts   []int   `json:"openPorts,omitempty"`
}

// Empty reports whether n carries no evidence
func (n NetworkResult) Empty() bool {
	return n.MiningPorts == 0 && n.Bandwidth == 0 && n.Suspicious == 0 && len(n.OpenPorts) == 0
}

// RFResult holds calibrated, normalized deviations from a device baseline.
// The zero value is the failure sentinel.
type RFResult struct {
	PowerDeviation float64 `json:"powerDeviation"`
	HeatDeviation  float64 `json:"heatDeviation"`
}

// Empty reports whether r carries no evidence
func (r RFResult) Empty() bool {
	return r.PowerDeviation == 0 && r.HeatDeviation == 0
}

// Decision is the outcome of the delta gate
type Decision string

const (
	DecisionPersist Decision = "persist"
	DecisionSkip    Decision = "skip_insufficient_delta"
)

// ConfidenceUpdate describes one re-verification of a device
type ConfidenceUpdate struct {
	DeviceID  string    `json:"deviceId"`
	Previous  *int      `json:"previous"`
	Score     int       `json:"score"`
	Delta     int       `json:"delta"`
	Decision  Decision  `json:"decision"`
	Timestamp time.Time `json:"timestamp"`
}

// ScanResult is one stored re-verification of a device
type ScanResult struct {
	ID              int64     `json:"id"`
	DeviceID        string    `json:"deviceId"`
	NetworkScore    float64   `json:"networkScore"`
	RFScore         float64   `json:"rfScore"`
	GeoScore        float64   `json:"geoScore"`
	HistoryScore    float64   `json:"historyScore"`
	ConfidenceScore int       `json:"confidenceScore"`
	Decision        Decision  `json:"decision"`
	Timestamp       time.Time `json:"timestamp"`
}

// Alert is raised when a device's confidence crosses the alert threshold
type Alert struct {
	ID        int64       `json:"id"`
	DeviceID  string      `json:"deviceId"`
	Level     ThreatLevel `json:"level"`
	Score     int         `json:"score"`
	Message   string      `json:"message"`
	CreatedAt time.Time   `json:"createdAt"`
}

// VerificationRun records one full re-verification cycle
type VerificationRun struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Duration     int64     `json:"durationMs"`
	Devices      int       `json:"devices"`
	Persisted    int       `json:"persisted"`
	Failed       int       `json:"failed"`
	Status       string    `json:"status"` // running, completed, error
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// Owner describes who a device appears to belong to
type Owner struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// MinerView is the public projection of a device served to the dashboard
type MinerView struct {
	ID              string    `json:"id"`
	Latitude        *float64  `json:"latitude"`
	Longitude       *float64  `json:"longitude"`
	IPAddress       string    `json:"ip_address"`
	ConfidenceScore int       `json:"confidence_score"`
	Owner           Owner     `json:"owner"`
	LastSeen        time.Time `json:"last_seen"`
}

// NewDeviceRequest is the payload for manual device registration
type NewDeviceRequest struct {
	IPAddress       string   `json:"ipAddress" validate:"required,ip"`
	MACAddress      string   `json:"macAddress,omitempty" validate:"omitempty,mac"`
	Hostname        string   `json:"hostname,omitempty" validate:"omitempty,max=253"`
	DeviceType      string   `json:"deviceType,omitempty" validate:"omitempty,max=64"`
	Latitude        *float64 `json:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude       *float64 `json:"longitude,omitempty" validate:"omitempty,longitude"`
	City            string   `json:"city,omitempty" validate:"omitempty,max=128"`
	DetectionMethod string   `json:"detectionMethod" validate:"required,max=64"`
	SuspicionScore  int      `json:"suspicionScore" validate:"gte=0"`
	ConfidenceScore *int     `json:"confidenceScore,omitempty" validate:"omitempty,gte=0,lte=100"`
	Notes           string   `json:"notes,omitempty" validate:"omitempty,max=2048"`
}

// DeviceHistory bundles a device's stored scan results and alerts
type DeviceHistory struct {
	DeviceID    string        `json:"deviceId"`
	ScanResults []*ScanResult `json:"scanResults"`
	Alerts      []*Alert      `json:"alerts"`
}
