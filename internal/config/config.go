// Package config manages the minerwatch application configuration.
// It handles loading, validating, and providing access to configuration settings
// from YAML files, with secrets and paths overridable from the environment
// (optionally seeded from a .env file). It includes defaults for all settings.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings
const (
	EnvJWTSecret         = "MINERWATCH_JWT_SECRET"
	EnvDatabasePath      = "MINERWATCH_DB_PATH"
	EnvGeoIPDatabase     = "MINERWATCH_GEOIP_DB"
	EnvMQTTPassword      = "MINERWATCH_MQTT_PASSWORD"
	EnvAdminPasswordHash = "MINERWATCH_ADMIN_PASSWORD_HASH"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Port            int      `yaml:"port"`
		Host            string   `yaml:"host"`
		AllowedOrigins  []string `yaml:"allowedOrigins"`
		ReadTimeout     int      `yaml:"readTimeout"`
		WriteTimeout    int      `yaml:"writeTimeout"`
		ShutdownTimeout int      `yaml:"shutdownTimeout"`
	} `yaml:"server"`

	Database struct {
		Path              string `yaml:"path"`
		BackupDir         string `yaml:"backupDir"`
		DataRetentionDays int    `yaml:"dataRetentionDays"`
		MaxConnections    int    `yaml:"maxConnections"`
	} `yaml:"database"`

	Auth struct {
		Username       string `yaml:"username"`
		PasswordHash   string `yaml:"passwordHash"`
		SessionTimeout int    `yaml:"sessionTimeout"`
		JWTSecret      string `yaml:"jwtSecret"`
		Issuer         string `yaml:"issuer"`
	} `yaml:"auth"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		OutputPath string `yaml:"outputPath"`
	} `yaml:"logging"`

	Verifier struct {
		EnableScheduler bool    `yaml:"enableScheduler"`
		Interval        string  `yaml:"interval"`
		MaxInFlight     int     `yaml:"maxInFlight"`
		DeviceTimeout   string  `yaml:"deviceTimeout"`
		BatchTimeout    string  `yaml:"batchTimeout"`
		DeltaThreshold  int     `yaml:"deltaThreshold"`
		AlertThreshold  int     `yaml:"alertThreshold"`
		CapSubScores    bool    `yaml:"capSubScores"`
		Weights         Weights `yaml:"weights"`
	} `yaml:"verifier"`

	Collectors struct {
		Geo struct {
			DatabasePath string `yaml:"databasePath"`
			ProviderURL  string `yaml:"providerUrl"`
			Timeout      string `yaml:"timeout"`
			Bounds       Bounds `yaml:"bounds"`
		} `yaml:"geo"`

		Network struct {
			Ports          []int   `yaml:"ports"`
			ConnectTimeout string  `yaml:"connectTimeout"`
			RateLimit      int     `yaml:"rateLimit"`
			LinkCapacity   float64 `yaml:"linkCapacityBytes"`
			SampleInterval string  `yaml:"sampleInterval"`
		} `yaml:"network"`

		RF struct {
			CalibrationWindow string `yaml:"calibrationWindow"`
			SampleWindow      string `yaml:"sampleWindow"`
			BufferSize        int    `yaml:"bufferSize"`
			MaxDevices        int    `yaml:"maxDevices"`
		} `yaml:"rf"`
	} `yaml:"collectors"`

	Cache struct {
		Enabled    bool   `yaml:"enabled"`
		TTL        string `yaml:"ttl"`
		MaxEntries int64  `yaml:"maxEntries"`
	} `yaml:"cache"`

	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		ClientID        string `yaml:"clientId"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		ReadingsTopic   string `yaml:"readingsTopic"`
		ConfidenceTopic string `yaml:"confidenceTopic"`
	} `yaml:"mqtt"`

	Maintenance struct {
		Interval         string `yaml:"interval"`
		DatabaseBackup   bool   `yaml:"databaseBackup"`
		DatabaseOptimize bool   `yaml:"databaseOptimize"`
		CleanupOldData   bool   `yaml:"cleanupOldData"`
	} `yaml:"maintenance"`

	Advanced struct {
		MetricsEnabled  bool   `yaml:"metricsEnabled"`
		MetricsEndpoint string `yaml:"metricsEndpoint"`
	} `yaml:"advanced"`

	path string
	mu   sync.RWMutex
}

// Weights are the fusion weights for the four sub-scores
type Weights struct {
	Network float64 `yaml:"network"`
	RF      float64 `yaml:"rf"`
	Geo     float64 `yaml:"geo"`
	History float64 `yaml:"history"`
}

// Bounds is the jurisdiction bounding box in degrees
type Bounds struct {
	North float64 `yaml:"north"`
	South float64 `yaml:"south"`
	East  float64 `yaml:"east"`
	West  float64 `yaml:"west"`
}

// New returns a configuration populated with defaults
func New() *Config {
	c := &Config{}
	setDefaults(c)
	return c
}

// LoadConfig loads configuration from a YAML file and applies environment overrides
func (c *Config) LoadConfig(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Save path for potential reloading
	c.path = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("configuration file does not exist: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse configuration file: %w", err)
	}

	c.applyEnv()

	// Create directories if they don't exist
	dirs := []string{
		c.Database.BackupDir,
		filepath.Dir(c.Database.Path),
	}
	if c.Logging.OutputPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.OutputPath))
	}

	for _, dir := range dirs {
		if dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
	}

	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

// LoadEnvFile loads variables from a .env file into the process environment.
// A missing file is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// applyEnv applies environment overrides on top of the current values
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvDatabasePath); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvGeoIPDatabase); v != "" {
		c.Collectors.Geo.DatabasePath = v
	}
	if v := os.Getenv(EnvMQTTPassword); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv(EnvAdminPasswordHash); v != "" {
		c.Auth.PasswordHash = v
	}
}

// Reload re-reads the configuration file and applies the settings that can
// change while running, which is the logging section. Other sections take
// effect on restart. The current values are kept when the file is invalid.
func (c *Config) Reload() error {
	c.mu.RLock()
	path := c.path
	c.mu.RUnlock()

	if path == "" {
		return errors.New("configuration was not loaded from a file")
	}

	fresh := New()
	if err := fresh.LoadConfig(path); err != nil {
		return err
	}

	c.mu.Lock()
	c.Logging = fresh.Logging
	c.mu.Unlock()
	return nil
}

// LogLevel returns the configured log level
func (c *Config) LogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging.Level
}

// SaveConfig writes the configuration as YAML to a new file. An existing
// file is never overwritten.
func (c *Config) SaveConfig(path string) error {
	c.mu.RLock()
	data, err := yaml.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create configuration file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	return f.Close()
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required (set auth.jwtSecret or %s)", EnvJWTSecret)
	}

	durations := map[string]string{
		"verifier interval":       c.Verifier.Interval,
		"verifier device timeout": c.Verifier.DeviceTimeout,
		"verifier batch timeout":  c.Verifier.BatchTimeout,
		"geo timeout":             c.Collectors.Geo.Timeout,
		"network connect timeout": c.Collectors.Network.ConnectTimeout,
		"network sample interval": c.Collectors.Network.SampleInterval,
		"rf calibration window":   c.Collectors.RF.CalibrationWindow,
		"rf sample window":        c.Collectors.RF.SampleWindow,
		"cache ttl":               c.Cache.TTL,
		"maintenance interval":    c.Maintenance.Interval,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %s", name, value)
		}
	}

	// GET /api/miners runs a batch inside the request
	if c.Server.WriteTimeout > 0 {
		batch := Duration(c.Verifier.BatchTimeout, 45*time.Second)
		if write := time.Duration(c.Server.WriteTimeout) * time.Second; batch >= write {
			return fmt.Errorf("verifier batch timeout %s must be shorter than server write timeout %s", batch, write)
		}
	}

	if c.Verifier.MaxInFlight <= 0 {
		return fmt.Errorf("invalid max in flight: %d", c.Verifier.MaxInFlight)
	}

	if c.Verifier.DeltaThreshold < 1 {
		return fmt.Errorf("invalid delta threshold: %d", c.Verifier.DeltaThreshold)
	}

	if err := c.Verifier.Weights.Validate(); err != nil {
		return err
	}

	b := c.Collectors.Geo.Bounds
	if b.South > b.North || b.West > b.East {
		return fmt.Errorf("invalid jurisdiction bounds: %+v", b)
	}

	if c.Collectors.Network.RateLimit <= 0 {
		return fmt.Errorf("invalid rate limit: %d", c.Collectors.Network.RateLimit)
	}

	for _, p := range c.Collectors.Network.Ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("invalid probe port: %d", p)
		}
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt broker is required when mqtt is enabled")
	}

	return nil
}

// Validate checks that the weights are non-negative and sum to 1
func (w Weights) Validate() error {
	for name, v := range map[string]float64{"network": w.Network, "rf": w.RF, "geo": w.Geo, "history": w.History} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("invalid %s weight: %v", name, v)
		}
	}
	if sum := w.Network + w.RF + w.Geo + w.History; math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("weights must sum to 1, got %v", sum)
	}
	return nil
}

// Duration parses a configured duration, falling back when empty or invalid
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetVerifyInterval returns the scheduler interval as a parsed duration
func (c *Config) GetVerifyInterval() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return time.ParseDuration(c.Verifier.Interval)
}

// GetMaintenanceInterval returns the maintenance interval as a parsed duration
func (c *Config) GetMaintenanceInterval() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return time.ParseDuration(c.Maintenance.Interval)
}

// setDefaults initializes the configuration with default values
func setDefaults(c *Config) {
	// Server defaults
	c.Server.Port = 8080
	c.Server.Host = "127.0.0.1"
	c.Server.AllowedOrigins = []string{"http://localhost:5000", "http://127.0.0.1:5000"}
	c.Server.ReadTimeout = 30
	c.Server.WriteTimeout = 60
	c.Server.ShutdownTimeout = 10

	// Database defaults
	c.Database.Path = "./data/minerwatch.db"
	c.Database.BackupDir = "./data/backups"
	c.Database.DataRetentionDays = 365
	c.Database.MaxConnections = 1

	// Auth defaults
	c.Auth.Username = "admin"
	c.Auth.SessionTimeout = 3600 // 1 hour
	c.Auth.Issuer = "minerwatch"

	// Logging defaults
	c.Logging.Level = "info"
	c.Logging.Format = "console"

	// Verifier defaults
	c.Verifier.EnableScheduler = false
	c.Verifier.Interval = "5m"
	c.Verifier.MaxInFlight = 16
	c.Verifier.DeviceTimeout = "15s"
	c.Verifier.BatchTimeout = "45s"
	c.Verifier.DeltaThreshold = 5
	c.Verifier.AlertThreshold = 70
	c.Verifier.CapSubScores = true
	c.Verifier.Weights = Weights{Network: 0.4, RF: 0.3, Geo: 0.2, History: 0.1}

	// Geo defaults: Ilam province
	c.Collectors.Geo.ProviderURL = "http://ip-api.com/json/{ip}"
	c.Collectors.Geo.Timeout = "5s"
	c.Collectors.Geo.Bounds = Bounds{North: 34.5, South: 32.0, East: 48.5, West: 45.5}

	// Network defaults
	c.Collectors.Network.Ports = []int{3333, 3334, 3335, 8332, 8333, 4444, 4445, 7777, 7778, 9332, 9333}
	c.Collectors.Network.ConnectTimeout = "1s"
	c.Collectors.Network.RateLimit = 200
	c.Collectors.Network.LinkCapacity = 12_500_000 // 100 Mbit/s
	c.Collectors.Network.SampleInterval = "1s"

	// RF defaults
	c.Collectors.RF.CalibrationWindow = "60s"
	c.Collectors.RF.SampleWindow = "5s"
	c.Collectors.RF.BufferSize = 512
	c.Collectors.RF.MaxDevices = 4096

	// Cache defaults
	c.Cache.Enabled = true
	c.Cache.TTL = "30s"
	c.Cache.MaxEntries = 10000

	// MQTT defaults
	c.MQTT.Enabled = false
	c.MQTT.Broker = "tcp://localhost:1883"
	c.MQTT.ClientID = "minerwatch"
	c.MQTT.ReadingsTopic = "sensors/+/rf"
	c.MQTT.ConfidenceTopic = "minerwatch/confidence/{device_id}"

	// Maintenance defaults
	c.Maintenance.Interval = "24h"
	c.Maintenance.DatabaseBackup = true
	c.Maintenance.DatabaseOptimize = true
	c.Maintenance.CleanupOldData = true

	// Advanced defaults
	c.Advanced.MetricsEnabled = true
	c.Advanced.MetricsEndpoint = "/metrics"
}
