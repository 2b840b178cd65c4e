// Package maintenance runs the periodic database upkeep of minerwatch:
// retention cleanup, optimization, backups, and pruning of old backups.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Store is the database side of maintenance
type Store interface {
	CleanOldData(ctx context.Context, retentionDays int) (int, error)
	OptimizeDatabase() error
	BackupDatabase(backupDir string) (string, error)
}

// Options selects which tasks run and how often
type Options struct {
	Interval      time.Duration
	RetentionDays int
	BackupDir     string
	Cleanup       bool
	Optimize      bool
	Backup        bool
}

// Service runs maintenance on a ticker
type Service struct {
	store  Store
	opts   Options
	now    func() time.Time
	logger zerolog.Logger

	mu       sync.Mutex
	ticker   *time.Ticker
	stopChan chan struct{}
	done     chan struct{}
	lastRun  time.Time
}

// New creates a maintenance service. An interval of zero or less means 24h.
func New(store Store, opts Options, logger zerolog.Logger) *Service {
	if opts.Interval <= 0 {
		opts.Interval = 24 * time.Hour
	}
	return &Service{
		store:  store,
		opts:   opts,
		now:    time.Now,
		logger: logger.With().Str("component", "maintenance").Logger(),
	}
}

// Start launches the maintenance loop. The first pass runs after one interval.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}

	s.logger.Info().Str("interval", s.opts.Interval.String()).Msg("Starting maintenance")
	s.ticker = time.NewTicker(s.opts.Interval)
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})

	ticker, stop, done := s.ticker, s.stopChan, s.done
	go func() {
		defer close(done)
		for {
			select {
			case <-ticker.C:
				if err := s.RunOnce(context.Background()); err != nil {
					s.logger.Error().Err(err).Msg("Maintenance pass failed")
				}
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for a pass in progress. It does nothing
// when the loop is not running.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()

	<-done
}

// LastRun returns when the last pass finished
func (s *Service) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// RunOnce performs every enabled task. A failing task does not stop the
// others; all failures are returned together.
func (s *Service) RunOnce(ctx context.Context) error {
	var errs []error

	if s.opts.Cleanup && s.opts.RetentionDays > 0 {
		if n, err := s.store.CleanOldData(ctx, s.opts.RetentionDays); err != nil {
			errs = append(errs, fmt.Errorf("cleanup: %w", err))
		} else {
			s.logger.Info().Int("deleted", n).Msg("Retention cleanup finished")
		}
	}

	if s.opts.Optimize {
		if err := s.store.OptimizeDatabase(); err != nil {
			errs = append(errs, fmt.Errorf("optimize: %w", err))
		}
	}

	if s.opts.Backup {
		if path, err := s.store.BackupDatabase(s.opts.BackupDir); err != nil {
			errs = append(errs, fmt.Errorf("backup: %w", err))
		} else {
			s.logger.Info().Str("path", path).Msg("Backup written")
		}

		if err := s.pruneBackups(); err != nil {
			errs = append(errs, fmt.Errorf("prune backups: %w", err))
		}
	}

	s.mu.Lock()
	s.lastRun = s.now()
	s.mu.Unlock()

	return errors.Join(errs...)
}

// pruneBackups removes backup files older than the retention period
func (s *Service) pruneBackups() error {
	if s.opts.RetentionDays <= 0 || s.opts.BackupDir == "" {
		return nil
	}

	cutoff := s.now().AddDate(0, 0, -s.opts.RetentionDays)

	return filepath.Walk(s.opts.BackupDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}

		if info.ModTime().Before(cutoff) {
			s.logger.Debug().Str("file", path).Msg("Removing old backup")
			if err := os.Remove(path); err != nil {
				s.logger.Error().Err(err).Str("file", path).Msg("Failed to remove old backup")
			}
		}
		return nil
	})
}
