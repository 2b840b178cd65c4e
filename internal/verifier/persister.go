package verifier

import (
	"context"
	"fmt"
	"time"

	"minerwatch/internal/models"
)

// DefaultDeltaThreshold is the minimum score movement that is written
const DefaultDeltaThreshold = 5

// ConfidenceWriter stores a new confidence score for a device
type ConfidenceWriter interface {
	UpdateDeviceConfidence(ctx context.Context, id string, score int, ts time.Time) error
}

// PersistenceError reports a failed confidence write
type PersistenceError struct {
	DeviceID string
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist confidence for device %s: %v", e.DeviceID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Persister writes a score only when it moved by more than the threshold
type Persister struct {
	store     ConfidenceWriter
	threshold int
	now       func() time.Time
}

// NewPersister creates a delta-gated persister. now defaults to time.Now.
func NewPersister(store ConfidenceWriter, threshold int, now func() time.Time) *Persister {
	if now == nil {
		now = time.Now
	}
	return &Persister{store: store, threshold: threshold, now: now}
}

// Persist applies the delta gate. A device without a previous score is
// always written. The returned update describes the decision even when the
// write fails.
func (p *Persister) Persist(ctx context.Context, id string, previous *int, score int) (models.ConfidenceUpdate, error) {
	update := models.ConfidenceUpdate{
		DeviceID:  id,
		Previous:  previous,
		Score:     score,
		Delta:     score,
		Decision:  models.DecisionPersist,
		Timestamp: p.now(),
	}

	if previous != nil {
		update.Delta = score - *previous
		if abs(update.Delta) <= p.threshold {
			update.Decision = models.DecisionSkip
			return update, nil
		}
	}

	if err := p.store.UpdateDeviceConfidence(ctx, id, score, update.Timestamp); err != nil {
		return update, &PersistenceError{DeviceID: id, Err: err}
	}

	return update, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
