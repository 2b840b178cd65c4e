package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"minerwatch/internal/models"
)

const deviceColumns = `id, ip_address, mac_address, hostname, device_type, latitude, longitude, city,
	detection_method, suspicion_score, confidence_score, threat_level, active, notes, detected_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.MonitoredDevice, error) {
	var (
		d           models.MonitoredDevice
		mac         sql.NullString
		hostname    sql.NullString
		deviceType  sql.NullString
		city        sql.NullString
		notes       sql.NullString
		lat, lon    sql.NullFloat64
		confidence  sql.NullInt64
		threatLevel string
	)

	err := row.Scan(
		&d.ID,
		&d.IPAddress,
		&mac,
		&hostname,
		&deviceType,
		&lat,
		&lon,
		&city,
		&d.DetectionMethod,
		&d.SuspicionScore,
		&confidence,
		&threatLevel,
		&d.Active,
		&notes,
		&d.DetectedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.MACAddress = mac.String
	d.Hostname = hostname.String
	d.DeviceType = deviceType.String
	d.City = city.String
	d.Notes = notes.String
	d.ThreatLevel = models.ThreatLevel(threatLevel)
	if lat.Valid {
		d.Latitude = &lat.Float64
	}
	if lon.Valid {
		d.Longitude = &lon.Float64
	}
	if confidence.Valid {
		score := int(confidence.Int64)
		d.ConfidenceScore = &score
	}

	return &d, nil
}

func (db *DB) queryDevices(ctx context.Context, query string, args ...any) ([]*models.MonitoredDevice, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.MonitoredDevice
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		devices = append(devices, device)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating device rows: %w", err)
	}

	return devices, nil
}

// CreateDevice inserts a new monitored device and assigns its ID
func (db *DB) CreateDevice(ctx context.Context, device *models.MonitoredDevice) error {
	db.Lock()
	defer db.Unlock()

	now := time.Now().UTC()
	device.ID = uuid.NewString()
	device.DetectedAt = now
	device.UpdatedAt = now
	if device.ConfidenceScore != nil {
		device.ThreatLevel = models.ThreatLevelFor(*device.ConfidenceScore)
	} else if !device.ThreatLevel.Valid() {
		device.ThreatLevel = models.ThreatLow
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO devices (`+deviceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		device.ID,
		device.IPAddress,
		nullString(device.MACAddress),
		nullString(device.Hostname),
		nullString(device.DeviceType),
		device.Latitude,
		device.Longitude,
		nullString(device.City),
		device.DetectionMethod,
		device.SuspicionScore,
		device.ConfidenceScore,
		string(device.ThreatLevel),
		device.Active,
		nullString(device.Notes),
		device.DetectedAt,
		device.UpdatedAt,
	)
	if err != nil {
		if isUnique(err) {
			return fmt.Errorf("device with ip %s: %w", device.IPAddress, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert device: %w", err)
	}

	db.logger.Info().
		Str("id", device.ID).
		Str("ip", device.IPAddress).
		Str("method", device.DetectionMethod).
		Msg("New device registered")

	return nil
}

// GetDevice retrieves a device by ID
func (db *DB) GetDevice(ctx context.Context, id string) (*models.MonitoredDevice, error) {
	device, err := scanDevice(db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return device, nil
}

// GetDeviceByIP retrieves a device by IP address
func (db *DB) GetDeviceByIP(ctx context.Context, ipAddress string) (*models.MonitoredDevice, error) {
	device, err := scanDevice(db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE ip_address = ?`, ipAddress))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device with ip %s: %w", ipAddress, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device by IP: %w", err)
	}
	return device, nil
}

// GetActiveDevices retrieves every device flagged for re-verification
func (db *DB) GetActiveDevices(ctx context.Context) ([]*models.MonitoredDevice, error) {
	return db.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE active = 1 ORDER BY detected_at`)
}

// ListDevices retrieves all devices, most recently updated first
func (db *DB) ListDevices(ctx context.Context) ([]*models.MonitoredDevice, error) {
	return db.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY updated_at DESC`)
}

// SetDeviceActive toggles whether a device is re-verified
func (db *DB) SetDeviceActive(ctx context.Context, id string, active bool) error {
	db.Lock()
	defer db.Unlock()

	res, err := db.ExecContext(ctx,
		`UPDATE devices SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}

	return requireRow(res, id)
}

// UpdateDeviceConfidence stores a new confidence score and its threat level
func (db *DB) UpdateDeviceConfidence(ctx context.Context, id string, score int, ts time.Time) error {
	if score < 0 || score > 100 {
		return fmt.Errorf("confidence score %d out of range", score)
	}

	db.Lock()
	defer db.Unlock()

	var res sql.Result
	err := db.ExecuteWithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var err error
		res, err = db.ExecContext(ctx,
			`UPDATE devices SET confidence_score = ?, threat_level = ?, updated_at = ? WHERE id = ?`,
			score, string(models.ThreatLevelFor(score)), ts.UTC(), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update confidence: %w", err)
	}

	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
