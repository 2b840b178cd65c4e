package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"minerwatch/internal/models"
)

// AddScanResult stores one re-verification of a device
func (db *DB) AddScanResult(ctx context.Context, r *models.ScanResult) (int64, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO scan_results (device_id, network_score, rf_score, geo_score, history_score,
		 confidence_score, decision, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DeviceID, r.NetworkScore, r.RFScore, r.GeoScore, r.HistoryScore,
		r.ConfidenceScore, string(r.Decision), r.Timestamp.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert scan result: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get inserted scan result ID: %w", err)
	}
	r.ID = id
	return id, nil
}

// AddAlert stores an alert
func (db *DB) AddAlert(ctx context.Context, a *models.Alert) (int64, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO alerts (device_id, level, score, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.DeviceID, string(a.Level), a.Score, a.Message, a.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert alert: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get inserted alert ID: %w", err)
	}
	a.ID = id
	return id, nil
}

// GetDeviceHistory returns the latest scan results and alerts of a device
func (db *DB) GetDeviceHistory(ctx context.Context, deviceID string, limit int) (*models.DeviceHistory, error) {
	if _, err := db.GetDevice(ctx, deviceID); err != nil {
		return nil, err
	}

	history := &models.DeviceHistory{
		DeviceID:    deviceID,
		ScanResults: []*models.ScanResult{},
		Alerts:      []*models.Alert{},
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, device_id, network_score, rf_score, geo_score, history_score, confidence_score, decision, timestamp
		 FROM scan_results WHERE device_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r models.ScanResult
		var decision string
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.NetworkScore, &r.RFScore, &r.GeoScore,
			&r.HistoryScore, &r.ConfidenceScore, &decision, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan scan result row: %w", err)
		}
		r.Decision = models.Decision(decision)
		history.ScanResults = append(history.ScanResults, &r)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scan result rows: %w", err)
	}

	alerts, err := db.queryAlerts(ctx,
		`SELECT id, device_id, level, score, message, created_at
		 FROM alerts WHERE device_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, err
	}
	history.Alerts = append(history.Alerts, alerts...)

	return history, nil
}

// GetRecentAlerts returns the latest alerts across all devices
func (db *DB) GetRecentAlerts(ctx context.Context, limit int) ([]*models.Alert, error) {
	return db.queryAlerts(ctx,
		`SELECT id, device_id, level, score, message, created_at
		 FROM alerts ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

func (db *DB) queryAlerts(ctx context.Context, query string, args ...any) ([]*models.Alert, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		var a models.Alert
		var level string
		if err := rows.Scan(&a.ID, &a.DeviceID, &level, &a.Score, &a.Message, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		a.Level = models.ThreatLevel(level)
		alerts = append(alerts, &a)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alert rows: %w", err)
	}

	return alerts, nil
}

// CreateRun creates a verification run record in the running state
func (db *DB) CreateRun(ctx context.Context, started time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO verification_runs (timestamp, status, duration, devices, persisted, failed)
		 VALUES (?, ?, 0, 0, 0, 0)`,
		started.UTC(), "running",
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create verification run: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get verification run ID: %w", err)
	}
	return id, nil
}

// UpdateRun stores the outcome of a verification run
func (db *DB) UpdateRun(ctx context.Context, run *models.VerificationRun) error {
	res, err := db.ExecContext(ctx,
		`UPDATE verification_runs
		 SET status = ?, duration = ?, devices = ?, persisted = ?, failed = ?, error_message = ?
		 WHERE id = ?`,
		run.Status, run.Duration, run.Devices, run.Persisted, run.Failed, nullString(run.ErrorMessage), run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update verification run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("verification run %d: %w", run.ID, ErrNotFound)
	}
	return nil
}

// GetRun retrieves a verification run by ID
func (db *DB) GetRun(ctx context.Context, id int64) (*models.VerificationRun, error) {
	var run models.VerificationRun
	var errMsg sql.NullString

	err := db.QueryRowContext(ctx,
		`SELECT id, timestamp, duration, devices, persisted, failed, status, error_message
		 FROM verification_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.Timestamp, &run.Duration, &run.Devices, &run.Persisted, &run.Failed, &run.Status, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("verification run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verification run: %w", err)
	}

	run.ErrorMessage = errMsg.String
	return &run, nil
}

// GetRecentRuns retrieves the latest verification runs
func (db *DB) GetRecentRuns(ctx context.Context, limit int) ([]*models.VerificationRun, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, timestamp, duration, devices, persisted, failed, status, error_message
		 FROM verification_runs ORDER BY timestamp DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query verification runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.VerificationRun
	for rows.Next() {
		var run models.VerificationRun
		var errMsg sql.NullString
		if err := rows.Scan(&run.ID, &run.Timestamp, &run.Duration, &run.Devices, &run.Persisted,
			&run.Failed, &run.Status, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan verification run row: %w", err)
		}
		run.ErrorMessage = errMsg.String
		runs = append(runs, &run)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating verification run rows: %w", err)
	}

	return runs, nil
}
