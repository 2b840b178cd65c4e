package collectors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"minerwatch/internal/metrics"
	"minerwatch/internal/models"
)

// ErrLookupFailed is returned by providers that could not resolve an address
var ErrLookupFailed = errors.New("geo lookup failed")

// GeoProvider is a single geolocation source. Unlike GeoLookup it reports
// errors so that ChainGeo can fall through to the next provider.
type GeoProvider interface {
	Name() string
	Resolve(ctx context.Context, ip string) (models.GeoResult, error)
}

// MaxMindGeo resolves addresses from a local GeoLite2 City database
type MaxMindGeo struct {
	db *geoip2.Reader
	mu sync.RWMutex
}

// NewMaxMindGeo opens the .mmdb database at path
func NewMaxMindGeo(path string) (*MaxMindGeo, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	return &MaxMindGeo{db: db}, nil
}

// Name returns the provider name
func (m *MaxMindGeo) Name() string {
	return "maxmind"
}

// Resolve looks the address up in the database
func (m *MaxMindGeo) Resolve(_ context.Context, ip string) (models.GeoResult, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return models.GeoResult{}, fmt.Errorf("invalid ip address %q", ip)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.db == nil {
		return models.GeoResult{}, errors.New("geoip database is closed")
	}

	record, err := m.db.City(addr)
	if err != nil {
		return models.GeoResult{}, fmt.Errorf("geoip lookup: %w", err)
	}

	// Private and unknown ranges come back as an empty record
	if record.Location.Latitude == 0 && record.Location.Longitude == 0 {
		return models.GeoResult{}, ErrLookupFailed
	}

	lat, lon := record.Location.Latitude, record.Location.Longitude
	return models.GeoResult{
		City:      record.City.Names["en"],
		Country:   record.Country.IsoCode,
		Latitude:  &lat,
		Longitude: &lon,
	}, nil
}

// Close closes the underlying database
func (m *MaxMindGeo) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}

// ipAPIResponse is the subset of the ip-api.com payload we use
type ipAPIResponse struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Country string  `json:"country"`
	City    string  `json:"city"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// HTTPGeo resolves addresses against an ip-api compatible JSON endpoint.
// Calls go through a circuit breaker so an unreachable provider fails fast.
type HTTPGeo struct {
	urlTemplate string
	client      *http.Client
	cb          *gobreaker.CircuitBreaker[models.GeoResult]
}

// NewHTTPGeo creates a provider for urlTemplate, in which {ip} is replaced
// by the address being resolved
func NewHTTPGeo(urlTemplate string, timeout time.Duration, logger zerolog.Logger) *HTTPGeo {
	name := "geo-http"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[models.GeoResult](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Geo provider circuit breaker changed state")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	return &HTTPGeo{
		urlTemplate: urlTemplate,
		client:      &http.Client{Timeout: timeout},
		cb:          cb,
	}
}

// Name returns the provider name
func (h *HTTPGeo) Name() string {
	return "http"
}

// Resolve queries the provider
func (h *HTTPGeo) Resolve(ctx context.Context, ip string) (models.GeoResult, error) {
	return h.cb.Execute(func() (models.GeoResult, error) {
		return h.fetch(ctx, ip)
	})
}

func (h *HTTPGeo) fetch(ctx context.Context, ip string) (models.GeoResult, error) {
	url := strings.ReplaceAll(h.urlTemplate, "{ip}", ip)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.GeoResult{}, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return models.GeoResult{}, fmt.Errorf("geo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.GeoResult{}, fmt.Errorf("geo provider returned status %d", resp.StatusCode)
	}

	var body ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return models.GeoResult{}, fmt.Errorf("failed to decode geo response: %w", err)
	}

	if body.Status != "success" {
		return models.GeoResult{}, fmt.Errorf("%w: status %q: %s", ErrLookupFailed, body.Status, body.Message)
	}
	if body.Lat == 0 && body.Lon == 0 {
		return models.GeoResult{}, fmt.Errorf("%w: no coordinates for %s", ErrLookupFailed, ip)
	}

	lat, lon := body.Lat, body.Lon
	return models.GeoResult{
		City:      body.City,
		Country:   body.Country,
		Latitude:  &lat,
		Longitude: &lon,
	}, nil
}

// ChainGeo tries each provider in order and tags the first success with
// the jurisdiction flag
type ChainGeo struct {
	providers []GeoProvider
	bounds    Bounds
	logger    zerolog.Logger
}

// NewChainGeo creates a GeoLookup over providers
func NewChainGeo(bounds Bounds, logger zerolog.Logger, providers ...GeoProvider) *ChainGeo {
	return &ChainGeo{
		providers: providers,
		bounds:    bounds,
		logger:    logger.With().Str("collector", NameGeo).Logger(),
	}
}

// Lookup returns the first successful provider result, or the sentinel
func (c *ChainGeo) Lookup(ctx context.Context, ip string) models.GeoResult {
	start := time.Now()

	for _, p := range c.providers {
		if ctx.Err() != nil {
			break
		}

		res, err := p.Resolve(ctx, ip)
		if err != nil {
			c.logger.Debug().Err(err).Str("provider", p.Name()).Str("ip", ip).Msg("Geo provider failed")
			continue
		}
		if !res.Resolved() {
			continue
		}

		metrics.RecordCollector(NameGeo, time.Since(start), false)
		return withJurisdiction(res, c.bounds)
	}

	c.logger.Warn().Str("ip", ip).Msg("Geo lookup failed, using empty result")
	metrics.RecordCollector(NameGeo, time.Since(start), true)
	return models.GeoResult{}
}
