// internal/api/integration_test.go
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"minerwatch/internal/auth"
	"minerwatch/internal/fusion"
	"minerwatch/internal/models"
	"minerwatch/internal/verifier"
)

type staticGeo struct{ res models.GeoResult }

func (s staticGeo) Lookup(context.Context, string) models.GeoResult { return s.res }

type staticNetwork struct{ res models.NetworkResult }

func (s staticNetwork) Scan(context.Context, string) models.NetworkResult { return s.res }

type staticRF struct{ res models.RFResult }

func (s staticRF) Analyze(context.Context, string) models.RFResult { return s.res }

// setupServer wires the full router over a real database and verifier
func setupServer(t *testing.T) (*httptest.Server, string) {
	_, cfg, db := setupTestEnvironment(t)

	lat, lon := 33.64, 46.42
	in := true
	v := verifier.New(db,
		staticGeo{models.GeoResult{City: "Ilam", Latitude: &lat, Longitude: &lon, InJurisdiction: &in}},
		staticNetwork{models.NetworkResult{MiningPorts: 2, Bandwidth: 0.5, Suspicious: 0.1}},
		staticRF{models.RFResult{PowerDeviation: 0.3, HeatDeviation: 0.2}},
		fusion.NewFuser(fusion.DefaultWeights, true),
		verifier.Options{MaxInFlight: 4, DeltaThreshold: 5},
		zerolog.Nop(),
	)
	v.AddObserver(verifier.NewHistoryRecorder(db, zerolog.Nop()))
	v.AddObserver(verifier.NewAlerter(db, 70, zerolog.Nop()))

	tokens, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, time.Hour)
	if err != nil {
		t.Fatalf("Failed to create token manager: %v", err)
	}
	hash, err := auth.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}
	creds, err := auth.NewCredentials("admin", hash)
	if err != nil {
		t.Fatalf("Failed to create credentials: %v", err)
	}

	router := NewRouter(tokens, zerolog.Nop(), nil,
		NewAuthHandler(tokens, creds, zerolog.Nop()),
		NewMinerHandler(v, db, zerolog.Nop()),
		NewDeviceHandler(db, zerolog.Nop()),
		NewStatusHandler(db, nil, cfg, zerolog.Nop()),
	)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	token := login(t, server.URL)
	return server, token
}

func login(t *testing.T, baseURL string) string {
	t.Helper()

	resp, err := http.Post(baseURL+"/api/token", "application/json",
		strings.NewReader(`{"username":"admin","password":"hunter2"}`))
	if err != nil {
		t.Fatalf("Failed to request token: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from token endpoint, got %d", resp.StatusCode)
	}

	var tr TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatalf("Failed to decode token response: %v", err)
	}
	return tr.AccessToken
}

func do(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()

	var req *http.Request
	var err error
	if body != "" {
		req, err = http.NewRequest(method, url, strings.NewReader(body))
	} else {
		req, err = http.NewRequest(method, url, nil)
	}
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request %s %s failed: %v", method, url, err)
	}
	return resp
}

// TestIntegrationRequiresToken tests that the API is closed without a token
func TestIntegrationRequiresToken(t *testing.T) {
	server, _ := setupServer(t)

	for _, path := range []string{"/api/miners", "/api/devices", "/api/status"} {
		resp := do(t, "GET", server.URL+path, "", "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("Expected 401 for %s, got %d", path, resp.StatusCode)
		}
	}

	resp := do(t, "GET", server.URL+"/api/status/health", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected health to be public, got %d", resp.StatusCode)
	}
}

// TestIntegrationVerificationFlow registers a device, verifies it twice and
// reads its history back
func TestIntegrationVerificationFlow(t *testing.T) {
	server, token := setupServer(t)

	resp := do(t, "POST", server.URL+"/api/devices", token,
		`{"ipAddress":"5.160.0.10","hostname":"rig-01","deviceType":"asic","detectionMethod":"manual"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	var device models.MonitoredDevice
	if err := json.NewDecoder(resp.Body).Decode(&device); err != nil {
		t.Fatalf("Failed to decode device: %v", err)
	}
	resp.Body.Close()

	// First verification has no prior score, so it always persists
	resp = do(t, "GET", server.URL+"/api/miners", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from miners, got %d", resp.StatusCode)
	}
	var views []models.MinerView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("Failed to decode views: %v", err)
	}
	resp.Body.Close()

	if len(views) != 1 {
		t.Fatalf("Expected 1 view, got %d", len(views))
	}
	view := views[0]
	if view.ID != device.ID || view.ConfidenceScore != 48 {
		t.Errorf("Expected device %s with score 48, got %+v", device.ID, view)
	}
	if view.Owner.Name != "rig-01" || view.Owner.Type != "asic" {
		t.Errorf("Unexpected owner: %+v", view.Owner)
	}
	if view.Latitude == nil || *view.Latitude != 33.64 {
		t.Errorf("Expected coordinates from geolocation, got %v", view.Latitude)
	}

	// Second verification lands within the delta threshold and is not written
	resp = do(t, "GET", server.URL+"/api/miners/"+device.ID, token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from miner, got %d", resp.StatusCode)
	}
	var single models.MinerView
	if err := json.NewDecoder(resp.Body).Decode(&single); err != nil {
		t.Fatalf("Failed to decode view: %v", err)
	}
	resp.Body.Close()
	if single.ConfidenceScore != 48 {
		t.Errorf("Expected stored score to stay 48, got %d", single.ConfidenceScore)
	}

	resp = do(t, "GET", server.URL+"/api/miners/"+device.ID+"/history", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from history, got %d", resp.StatusCode)
	}
	var history models.DeviceHistory
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		t.Fatalf("Failed to decode history: %v", err)
	}
	resp.Body.Close()

	if len(history.ScanResults) != 2 {
		t.Fatalf("Expected 2 scan results, got %d", len(history.ScanResults))
	}
	if history.ScanResults[0].Decision != models.DecisionSkip || history.ScanResults[1].Decision != models.DecisionPersist {
		t.Errorf("Expected skip then persist (newest first), got %s and %s",
			history.ScanResults[0].Decision, history.ScanResults[1].Decision)
	}
	if len(history.Alerts) != 0 {
		t.Errorf("Expected no alerts below the threshold, got %d", len(history.Alerts))
	}

	resp = do(t, "GET", server.URL+"/api/miners/does-not-exist", token, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown miner, got %d", resp.StatusCode)
	}
}

// TestIntegrationInactiveDevicesAreSkipped tests that deactivated devices
// drop out of the miners list
func TestIntegrationInactiveDevicesAreSkipped(t *testing.T) {
	server, token := setupServer(t)

	var ids []string
	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		resp := do(t, "POST", server.URL+"/api/devices", token, `{"ipAddress":"`+ip+`","detectionMethod":"manual"}`)
		var d models.MonitoredDevice
		if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
			t.Fatalf("Failed to decode device: %v", err)
		}
		resp.Body.Close()
		ids = append(ids, d.ID)
	}

	resp := do(t, "PUT", server.URL+"/api/devices/"+ids[1]+"/active", token, `{"active":false}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from toggle, got %d", resp.StatusCode)
	}

	resp = do(t, "GET", server.URL+"/api/miners", token, "")
	var views []models.MinerView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("Failed to decode views: %v", err)
	}
	resp.Body.Close()

	if len(views) != 1 || views[0].ID != ids[0] {
		t.Errorf("Expected only %s, got %+v", ids[0], views)
	}
}
