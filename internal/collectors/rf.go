package collectors

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"minerwatch/internal/metrics"
	"minerwatch/internal/models"
)

// Reading is one RF sensor sample
type Reading struct {
	Power float64
	Heat  float64
	At    time.Time
}

// ReadingBuffer keeps the most recent readings per device, keyed by the
// device IP address. The number of devices is bounded too: when a new key
// arrives at the limit, the key with the stalest latest reading is dropped.
type ReadingBuffer struct {
	mu         sync.RWMutex
	capacity   int
	maxDevices int
	readings   map[string][]Reading
}

// NewReadingBuffer creates a buffer holding up to capacity readings for each
// of up to maxDevices devices
func NewReadingBuffer(capacity, maxDevices int) *ReadingBuffer {
	if capacity <= 0 {
		capacity = 512
	}
	if maxDevices <= 0 {
		maxDevices = 4096
	}
	return &ReadingBuffer{capacity: capacity, maxDevices: maxDevices, readings: make(map[string][]Reading)}
}

// Add appends a reading, dropping the oldest when the device is at capacity
func (b *ReadingBuffer) Add(key string, r Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.readings[key]; !ok && len(b.readings) >= b.maxDevices {
		b.evictStalest()
	}

	rs := append(b.readings[key], r)
	if len(rs) > b.capacity {
		rs = rs[len(rs)-b.capacity:]
	}
	b.readings[key] = rs
}

// evictStalest removes the device whose newest reading is the oldest.
// Callers hold b.mu.
func (b *ReadingBuffer) evictStalest() {
	var (
		victim string
		oldest time.Time
		found  bool
	)
	for k, rs := range b.readings {
		var last time.Time
		if len(rs) > 0 {
			last = rs[len(rs)-1].At
		}
		if !found || last.Before(oldest) {
			victim, oldest, found = k, last, true
		}
	}
	if found {
		delete(b.readings, victim)
	}
}

// Len returns the number of devices with buffered readings
func (b *ReadingBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.readings)
}

// Between returns the readings for key taken in [from, to]
func (b *ReadingBuffer) Between(key string, from, to time.Time) []Reading {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Reading
	for _, r := range b.readings[key] {
		if !r.At.Before(from) && !r.At.After(to) {
			out = append(out, r)
		}
	}
	return out
}

// Keys returns every device with buffered readings
func (b *ReadingBuffer) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.readings))
	for k := range b.readings {
		keys = append(keys, k)
	}
	return keys
}

// Baseline is the calibrated mean power and heat of a device
type Baseline struct {
	Power float64
	Heat  float64
}

// RFConfig holds configuration for RF analysis
type RFConfig struct {
	CalibrationWindow time.Duration
	SampleWindow      time.Duration
}

// BufferedRF is an RFAnalyzer over a ReadingBuffer
type BufferedRF struct {
	buf       *ReadingBuffer
	cfg       RFConfig
	now       func() time.Time
	logger    zerolog.Logger
	mu        sync.RWMutex
	baselines map[string]Baseline
}

// NewBufferedRF creates an analyzer. now defaults to time.Now.
func NewBufferedRF(buf *ReadingBuffer, cfg RFConfig, now func() time.Time, logger zerolog.Logger) *BufferedRF {
	if cfg.CalibrationWindow <= 0 {
		cfg.CalibrationWindow = 60 * time.Second
	}
	if cfg.SampleWindow <= 0 {
		cfg.SampleWindow = 5 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &BufferedRF{
		buf:       buf,
		cfg:       cfg,
		now:       now,
		logger:    logger.With().Str("collector", NameRF).Logger(),
		baselines: make(map[string]Baseline),
	}
}

// Calibrate waits for the calibration window and sets a baseline for every
// device that reported during it. It returns the number of devices
// calibrated.
func (a *BufferedRF) Calibrate(ctx context.Context) (int, error) {
	start := a.now()
	a.logger.Info().Dur("window", a.cfg.CalibrationWindow).Msg("RF calibration started")

	timer := time.NewTimer(a.cfg.CalibrationWindow)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
	}

	end := a.now()
	calibrated := 0
	for _, key := range a.buf.Keys() {
		power, heat, ok := mean(a.buf.Between(key, start, end))
		if !ok {
			continue
		}
		a.SetBaseline(key, Baseline{Power: power, Heat: heat})
		calibrated++
	}

	a.logger.Info().Int("devices", calibrated).Msg("RF calibration completed")
	return calibrated, nil
}

// SetBaseline sets the baseline for a device
func (a *BufferedRF) SetBaseline(key string, b Baseline) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.baselines[key] = b
}

// Baseline returns the baseline for a device
func (a *BufferedRF) Baseline(key string) (Baseline, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.baselines[key]
	return b, ok
}

// Analyze compares readings from the last sample window with the baseline.
// It never waits for new readings.
func (a *BufferedRF) Analyze(_ context.Context, ip string) models.RFResult {
	start := time.Now()

	base, ok := a.Baseline(ip)
	if !ok {
		a.logger.Debug().Str("ip", ip).Msg("No RF baseline for device")
		metrics.RecordCollector(NameRF, time.Since(start), true)
		return models.RFResult{}
	}

	now := a.now()
	power, heat, ok := mean(a.buf.Between(ip, now.Add(-a.cfg.SampleWindow), now))
	if !ok {
		a.logger.Warn().Str("ip", ip).Msg("No recent RF readings, using empty result")
		metrics.RecordCollector(NameRF, time.Since(start), true)
		return models.RFResult{}
	}

	metrics.RecordCollector(NameRF, time.Since(start), false)
	return models.RFResult{
		PowerDeviation: deviation(power, base.Power),
		HeatDeviation:  deviation(heat, base.Heat),
	}
}

func mean(rs []Reading) (power, heat float64, ok bool) {
	if len(rs) == 0 {
		return 0, 0, false
	}
	for _, r := range rs {
		power += r.Power
		heat += r.Heat
	}
	n := float64(len(rs))
	return power / n, heat / n, true
}

// deviation is |value - baseline| / baseline, limited to 1. A zero
// baseline yields 0 for an unchanged channel and 1 otherwise.
func deviation(value, baseline float64) float64 {
	if baseline == 0 {
		if value == 0 {
			return 0
		}
		return 1
	}
	return math.Min(math.Abs(value-baseline)/math.Abs(baseline), 1)
}
