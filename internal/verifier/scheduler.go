package verifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"minerwatch/internal/models"
)

// ErrRunInProgress is returned when a cycle is requested while one is running
var ErrRunInProgress = errors.New("a verification run is already in progress")

// RunStore records verification cycles
type RunStore interface {
	CreateRun(ctx context.Context, started time.Time) (int64, error)
	UpdateRun(ctx context.Context, run *models.VerificationRun) error
}

// RunStats tracks statistics for the current or last cycle
type RunStats struct {
	RunID     int64     `json:"runId"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Status    string    `json:"status"` // idle, running, completed, error
	Devices   int       `json:"devices"`
	Persisted int       `json:"persisted"`
	Failed    int       `json:"failed"`
	Error     string    `json:"error,omitempty"`
}

// Scheduler runs VerifyAll periodically and records each cycle
type Scheduler struct {
	verifier *Verifier
	runs     RunStore
	interval time.Duration
	logger   zerolog.Logger

	runLock   sync.Mutex
	isRunning bool
	stats     *RunStats
	ticker    *time.Ticker
	stopChan  chan struct{}
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewScheduler creates a scheduler. An interval of zero or less means 5m.
func NewScheduler(v *Verifier, runs RunStore, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		verifier: v,
		runs:     runs,
		interval: interval,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		stats:    &RunStats{Status: "idle"},
	}
}

// Start launches the periodic loop. The first cycle runs immediately.
func (s *Scheduler) Start() {
	s.runLock.Lock()
	defer s.runLock.Unlock()

	if s.ticker != nil {
		return
	}

	s.logger.Info().Str("interval", s.interval.String()).Msg("Starting verification scheduler")
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.ticker = time.NewTicker(s.interval)
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})

	ctx, ticker, stop, done := s.ctx, s.ticker, s.stopChan, s.done
	go func() {
		defer close(done)

		s.runScheduled(ctx)
		for {
			select {
			case <-ticker.C:
				s.runScheduled(ctx)
			case <-stop:
				s.logger.Info().Msg("Verification scheduler stopped")
				return
			}
		}
	}()
}

// Stop halts the loop, cancels a cycle in progress and waits for it to end.
// Stopping a scheduler that is not running does nothing.
func (s *Scheduler) Stop() {
	s.runLock.Lock()
	if s.ticker == nil {
		s.runLock.Unlock()
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	close(s.stopChan)
	s.cancel()
	done := s.done
	s.runLock.Unlock()

	<-done
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
		s.logger.Error().Err(err).Msg("Scheduled verification failed")
	}
}

// GetStatus returns the current or last run statistics
func (s *Scheduler) GetStatus() RunStats {
	s.runLock.Lock()
	defer s.runLock.Unlock()
	return *s.stats
}

// RunOnce performs one verification cycle and records it
func (s *Scheduler) RunOnce(ctx context.Context) (*models.VerificationRun, error) {
	s.runLock.Lock()
	if s.isRunning {
		s.runLock.Unlock()
		return nil, ErrRunInProgress
	}
	s.isRunning = true
	s.stats = &RunStats{StartTime: time.Now(), Status: "running"}
	started := s.stats.StartTime
	s.runLock.Unlock()

	defer func() {
		s.runLock.Lock()
		s.isRunning = false
		s.stats.EndTime = time.Now()
		s.runLock.Unlock()
	}()

	runID, err := s.runs.CreateRun(ctx, started)
	if err != nil {
		s.setError(err)
		return nil, fmt.Errorf("failed to record verification run: %w", err)
	}

	s.runLock.Lock()
	s.stats.RunID = runID
	s.runLock.Unlock()

	run := &models.VerificationRun{ID: runID, Timestamp: started, Status: "completed"}

	result, verr := s.verifier.VerifyAll(ctx)
	run.Duration = time.Since(started).Milliseconds()
	if verr != nil {
		run.Status = "error"
		run.ErrorMessage = verr.Error()
	} else {
		run.Devices = result.Total
		run.Persisted = result.Persisted
		run.Failed = len(result.Failed)
	}

	// The cycle context may already be cancelled on shutdown
	if err := s.runs.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Error().Err(err).Int64("runID", runID).Msg("Failed to update verification run")
	}

	if verr != nil {
		s.setError(verr)
		return run, verr
	}

	s.runLock.Lock()
	s.stats.Status = "completed"
	s.stats.Devices = run.Devices
	s.stats.Persisted = run.Persisted
	s.stats.Failed = run.Failed
	s.runLock.Unlock()

	s.logger.Info().
		Int64("runID", runID).
		Int("devices", run.Devices).
		Int("persisted", run.Persisted).
		Int("failed", run.Failed).
		Int64("durationMs", run.Duration).
		Msg("Verification run completed")

	return run, nil
}

func (s *Scheduler) setError(err error) {
	s.runLock.Lock()
	defer s.runLock.Unlock()

	s.stats.Status = "error"
	s.stats.Error = err.Error()
}
