package collectors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	psnet "github.com/shirou/gopsutil/v4/net"
	"golang.org/x/time/rate"

	"minerwatch/internal/metrics"
	"minerwatch/internal/models"
)

// MiningPorts are the stratum and node RPC ports probed by default
var MiningPorts = []int{3333, 3334, 3335, 8332, 8333, 4444, 4445, 7777, 7778, 9332, 9333}

const maxReportedPorts = 5

// TrafficSource supplies the bandwidth and suspicious-connection indicators
// for a device, both in [0, 1]
type TrafficSource interface {
	Sample(ctx context.Context, ip string) (bandwidth, suspicious float64, err error)
}

// ProberConfig holds configuration for the port prober
type ProberConfig struct {
	Ports          []int
	ConnectTimeout time.Duration
	RateLimit      int // dials per second across all scans
}

// PortProber is a NetworkScanner that dials the mining ports of a device
type PortProber struct {
	ports   []int
	timeout time.Duration
	limiter *rate.Limiter
	traffic TrafficSource
	dial    func(ctx context.Context, ip string, port int) bool
	logger  zerolog.Logger
}

// NewPortProber creates a prober. traffic may be nil, in which case both
// indicators are 0.
func NewPortProber(cfg ProberConfig, traffic TrafficSource, logger zerolog.Logger) *PortProber {
	if len(cfg.Ports) == 0 {
		cfg.Ports = MiningPorts
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 200
	}

	p := &PortProber{
		ports:   cfg.Ports,
		timeout: cfg.ConnectTimeout,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit),
		traffic: traffic,
		logger:  logger.With().Str("collector", NameNetwork).Logger(),
	}
	p.dial = p.dialTCP
	return p
}

// Scan probes every configured port concurrently and samples traffic
func (p *PortProber) Scan(ctx context.Context, ip string) models.NetworkResult {
	start := time.Now()

	if net.ParseIP(ip) == nil {
		p.logger.Warn().Str("ip", ip).Msg("Invalid IP address, skipping network scan")
		metrics.RecordCollector(NameNetwork, time.Since(start), true)
		return models.NetworkResult{}
	}

	open, err := p.probe(ctx, ip)
	if err != nil {
		if len(open) == 0 {
			p.logger.Warn().Err(err).Str("ip", ip).Msg("Network scan failed, using empty result")
			metrics.RecordCollector(NameNetwork, time.Since(start), true)
			return models.NetworkResult{}
		}
		// Ports confirmed open before the deadline still count
		p.logger.Warn().Err(err).Str("ip", ip).Ints("open", open).Msg("Network scan incomplete, using partial result")
		metrics.RecordCollector(NameNetwork, time.Since(start), true)
		return models.NetworkResult{
			MiningPorts: min(len(open), maxReportedPorts),
			OpenPorts:   open,
		}
	}

	result := models.NetworkResult{
		MiningPorts: min(len(open), maxReportedPorts),
		OpenPorts:   open,
	}

	if p.traffic != nil {
		bw, sus, err := p.traffic.Sample(ctx, ip)
		if err != nil {
			p.logger.Debug().Err(err).Str("ip", ip).Msg("Traffic sample failed")
		} else {
			result.Bandwidth = bw
			result.Suspicious = sus
		}
	}

	metrics.RecordCollector(NameNetwork, time.Since(start), false)
	return result
}

// probe returns the sorted list of open ports
func (p *PortProber) probe(ctx context.Context, ip string) ([]int, error) {
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		open []int
	)

	for _, port := range p.ports {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()

			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
			if p.dial(ctx, ip, port) {
				mu.Lock()
				open = append(open, port)
				mu.Unlock()
			}
		}(port)
	}
	wg.Wait()

	slices.Sort(open)
	if err := ctx.Err(); err != nil {
		return open, fmt.Errorf("probe of %s interrupted: %w", ip, err)
	}
	return open, nil
}

func (p *PortProber) dialTCP(ctx context.Context, ip string, port int) bool {
	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// HostTrafficSource derives traffic indicators from the host's own network
// counters and connection table
type HostTrafficSource struct {
	linkCapacity float64 // bytes per second
	interval     time.Duration
	ports        map[uint32]struct{}
}

// NewHostTrafficSource creates a traffic source. linkCapacity is the link
// throughput in bytes per second that maps to a bandwidth indicator of 1.
func NewHostTrafficSource(linkCapacity float64, interval time.Duration, ports []int) *HostTrafficSource {
	if len(ports) == 0 {
		ports = MiningPorts
	}
	set := make(map[uint32]struct{}, len(ports))
	for _, p := range ports {
		set[uint32(p)] = struct{}{}
	}
	return &HostTrafficSource{linkCapacity: linkCapacity, interval: interval, ports: set}
}

// Sample measures throughput over the sampling interval and the share of
// established connections to ip that use a mining port
func (h *HostTrafficSource) Sample(ctx context.Context, ip string) (float64, float64, error) {
	bandwidth, err := h.bandwidth(ctx)
	if err != nil {
		return 0, 0, err
	}

	suspicious, err := h.suspicious(ctx, ip)
	if err != nil {
		return 0, 0, err
	}

	return bandwidth, suspicious, nil
}

func (h *HostTrafficSource) bandwidth(ctx context.Context) (float64, error) {
	if h.linkCapacity <= 0 {
		return 0, errors.New("link capacity not configured")
	}

	first, err := totalBytes(ctx)
	if err != nil {
		return 0, err
	}
	started := time.Now()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(h.interval):
	}

	second, err := totalBytes(ctx)
	if err != nil {
		return 0, err
	}

	elapsed := time.Since(started).Seconds()
	if elapsed <= 0 || second < first {
		return 0, nil
	}
	usage := float64(second-first) / elapsed / h.linkCapacity
	return min(usage, 1), nil
}

func (h *HostTrafficSource) suspicious(ctx context.Context, ip string) (float64, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return 0, fmt.Errorf("failed to list connections: %w", err)
	}

	total, mining := 0, 0
	for _, c := range conns {
		if c.Status != "ESTABLISHED" || c.Raddr.IP != ip {
			continue
		}
		total++
		if _, ok := h.ports[c.Raddr.Port]; ok {
			mining++
		}
	}

	if total == 0 {
		return 0, nil
	}
	return float64(mining) / float64(total), nil
}

func totalBytes(ctx context.Context) (uint64, error) {
	counters, err := psnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return 0, fmt.Errorf("failed to read io counters: %w", err)
	}
	if len(counters) == 0 {
		return 0, errors.New("no io counters available")
	}
	return counters[0].BytesRecv + counters[0].BytesSent, nil
}
