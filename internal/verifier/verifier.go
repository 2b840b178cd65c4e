// Package verifier implements the re-verification cycle for monitored
// devices. Each active device is locked, re-read from the store, probed by
// the geo, network and RF collectors concurrently, scored by the fuser and
// handed to the delta-gated persister. Observers are notified of every
// completed verification.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"minerwatch/internal/collectors"
	"minerwatch/internal/fusion"
	"minerwatch/internal/metrics"
	"minerwatch/internal/models"
)

// Store is the device storage the verifier reads and writes
type Store interface {
	ConfidenceWriter
	GetActiveDevices(ctx context.Context) ([]*models.MonitoredDevice, error)
	GetDevice(ctx context.Context, id string) (*models.MonitoredDevice, error)
}

// Outcome is the result of verifying one device
type Outcome struct {
	Device    *models.MonitoredDevice
	Geo       models.GeoResult
	Network   models.NetworkResult
	RF        models.RFResult
	Breakdown fusion.Breakdown
	Update    models.ConfidenceUpdate
	Verified  bool // false when the device was inactive and left untouched
	Err       error
}

// UpdateObserver is notified after each verified device
type UpdateObserver interface {
	OnUpdate(ctx context.Context, o Outcome)
}

// ObserverFunc adapts a function to UpdateObserver
type ObserverFunc func(ctx context.Context, o Outcome)

// OnUpdate calls f
func (f ObserverFunc) OnUpdate(ctx context.Context, o Outcome) {
	f(ctx, o)
}

// DefaultBatchTimeout bounds a full VerifyAll pass
const DefaultBatchTimeout = 45 * time.Second

// Options configures the verifier. Zero or negative values select the
// defaults.
type Options struct {
	MaxInFlight    int
	DeviceTimeout  time.Duration
	BatchTimeout   time.Duration
	DeltaThreshold int
}

// BatchResult summarizes a VerifyAll run
type BatchResult struct {
	Outcomes  []Outcome // successful verifications, in store order
	Failed    []Outcome
	Total     int
	Persisted int
	Duration  time.Duration
}

// Verifier runs re-verification for single devices and batches
type Verifier struct {
	store     Store
	geo       collectors.GeoLookup
	network   collectors.NetworkScanner
	rf        collectors.RFAnalyzer
	fuser     *fusion.Fuser
	persister *Persister
	locks     *keyLock
	opts      Options
	logger    zerolog.Logger

	mu        sync.RWMutex
	observers []UpdateObserver
}

// New creates a verifier
func New(store Store, geo collectors.GeoLookup, network collectors.NetworkScanner, rf collectors.RFAnalyzer,
	fuser *fusion.Fuser, opts Options, logger zerolog.Logger) *Verifier {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 16
	}
	if opts.DeviceTimeout <= 0 {
		opts.DeviceTimeout = 15 * time.Second
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = DefaultBatchTimeout
	}
	if opts.DeltaThreshold <= 0 {
		opts.DeltaThreshold = DefaultDeltaThreshold
	}

	return &Verifier{
		store:     store,
		geo:       geo,
		network:   network,
		rf:        rf,
		fuser:     fuser,
		persister: NewPersister(store, opts.DeltaThreshold, nil),
		locks:     newKeyLock(),
		opts:      opts,
		logger:    logger.With().Str("component", "verifier").Logger(),
	}
}

// AddObserver registers an observer for completed verifications
func (v *Verifier) AddObserver(o UpdateObserver) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.observers = append(v.observers, o)
}

// VerifyAll re-verifies every active device. Only a failure to list the
// devices is returned as an error; per-device failures are reported in
// BatchResult.Failed.
func (v *Verifier) VerifyAll(ctx context.Context) (*BatchResult, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, v.opts.BatchTimeout)
	defer cancel()

	devices, err := v.store.GetActiveDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active devices: %w", err)
	}
	metrics.ActiveDevices.Set(float64(len(devices)))

	outcomes := make([]Outcome, len(devices))

	g := new(errgroup.Group)
	g.SetLimit(v.opts.MaxInFlight)
	for i, d := range devices {
		g.Go(func() error {
			outcomes[i] = v.verify(ctx, d.ID)
			return nil
		})
	}
	_ = g.Wait()

	result := &BatchResult{Total: len(devices)}
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			result.Failed = append(result.Failed, o)
		case !o.Verified:
			// Deactivated after listing
		default:
			if o.Update.Decision == models.DecisionPersist {
				result.Persisted++
			}
			result.Outcomes = append(result.Outcomes, o)
		}
	}
	result.Duration = time.Since(start)
	metrics.BatchDuration.Observe(result.Duration.Seconds())

	v.logger.Info().
		Int("devices", result.Total).
		Int("persisted", result.Persisted).
		Int("failed", len(result.Failed)).
		Dur("duration", result.Duration).
		Msg("Verification batch completed")

	return result, nil
}

// VerifyDevice re-verifies one device. Inactive devices are returned as
// stored with Verified false.
func (v *Verifier) VerifyDevice(ctx context.Context, id string) (Outcome, error) {
	o := v.verify(ctx, id)
	return o, o.Err
}

func (v *Verifier) verify(ctx context.Context, id string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, v.opts.DeviceTimeout)
	defer cancel()

	logger := v.logger.With().Str("device", id).Logger()

	unlock, err := v.locks.Lock(ctx, id)
	if err != nil {
		return v.failed(logger, Outcome{}, fmt.Errorf("waiting for device %s: %w", id, err))
	}
	defer unlock()

	device, err := v.store.GetDevice(ctx, id)
	if err != nil {
		return v.failed(logger, Outcome{}, fmt.Errorf("failed to load device %s: %w", id, err))
	}

	out := Outcome{Device: device}
	if !device.Active {
		return out
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		out.Geo = v.geo.Lookup(ctx, device.IPAddress)
	}()
	go func() {
		defer wg.Done()
		out.Network = v.network.Scan(ctx, device.IPAddress)
	}()
	go func() {
		defer wg.Done()
		out.RF = v.rf.Analyze(ctx, device.IPAddress)
	}()
	wg.Wait()

	out.Breakdown = v.fuser.Fuse(device.ConfidenceScore, out.Geo, out.Network, out.RF)

	out.Update, err = v.persister.Persist(ctx, id, device.ConfidenceScore, out.Breakdown.Score)
	if err != nil {
		return v.failed(logger, out, err)
	}

	if out.Update.Decision == models.DecisionPersist {
		score := out.Update.Score
		device.ConfidenceScore = &score
		device.ThreatLevel = models.ThreatLevelFor(score)
		device.UpdatedAt = out.Update.Timestamp
	}
	out.Verified = true

	logger.Debug().
		Int("score", out.Breakdown.Score).
		Int("delta", out.Update.Delta).
		Str("decision", string(out.Update.Decision)).
		Msg("Device verified")

	v.notify(ctx, out)
	return out
}

func (v *Verifier) failed(logger zerolog.Logger, o Outcome, err error) Outcome {
	o.Err = err

	var perr *PersistenceError
	if errors.As(err, &perr) {
		logger.Error().Err(err).Msg("Failed to persist confidence")
	} else {
		logger.Warn().Err(err).Msg("Device verification failed")
	}

	metrics.VerificationsTotal.WithLabelValues("error").Inc()
	return o
}

func (v *Verifier) notify(ctx context.Context, o Outcome) {
	v.mu.RLock()
	observers := v.observers
	v.mu.RUnlock()

	for _, obs := range observers {
		obs.OnUpdate(ctx, o)
	}
}
