// Package database provides database operations for minerwatch.
// It handles all interactions with the SQLite database including initialization,
// optimization, maintenance, and CRUD operations for monitored devices, scan
// results, alerts, and verification runs.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique constraint is violated
	ErrDuplicate = errors.New("record already exists")
)

// DB represents the database connection
type DB struct {
	*sql.DB
	Path   string
	logger zerolog.Logger
	sync.Mutex
}

// New creates a new database connection
func New(path string, logger zerolog.Logger) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Foreign keys and busy timeout are per connection, so they go in the DSN
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=10000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection parameters
	db.SetMaxOpenConns(1) // SQLite supports only one writer at a time
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	dbInstance := &DB{
		DB:     db,
		Path:   path,
		logger: logger.With().Str("component", "database").Logger(),
	}

	if err := dbInstance.initializeDB(); err != nil {
		db.Close()
		return nil, err
	}

	if err := dbInstance.optimizeDB(); err != nil {
		dbInstance.logger.Warn().Err(err).Msg("Failed to set some database optimization parameters")
	}

	return dbInstance, nil
}

// Initialize database schema
func (db *DB) initializeDB() error {
	db.logger.Info().Msg("Initializing database schema")

	schema := `
	-- Monitored devices
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		ip_address TEXT NOT NULL UNIQUE,
		mac_address TEXT,
		hostname TEXT,
		device_type TEXT,
		latitude REAL,
		longitude REAL,
		city TEXT,
		detection_method TEXT NOT NULL,
		suspicion_score INTEGER NOT NULL DEFAULT 0,
		confidence_score INTEGER CHECK (confidence_score BETWEEN 0 AND 100),
		threat_level TEXT NOT NULL DEFAULT 'low',
		active BOOLEAN NOT NULL DEFAULT 1,
		notes TEXT,
		detected_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	-- One row per re-verification
	CREATE TABLE IF NOT EXISTS scan_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		network_score REAL NOT NULL,
		rf_score REAL NOT NULL,
		geo_score REAL NOT NULL,
		history_score REAL NOT NULL,
		confidence_score INTEGER NOT NULL,
		decision TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE
	);

	-- Alerts
	CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		level TEXT NOT NULL,
		score INTEGER NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE
	);

	-- Verification cycles
	CREATE TABLE IF NOT EXISTS verification_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP NOT NULL,
		duration INTEGER DEFAULT 0,
		devices INTEGER DEFAULT 0,
		persisted INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		status TEXT NOT NULL,
		error_message TEXT
	);

	-- Create indexes
	CREATE INDEX IF NOT EXISTS idx_devices_active ON devices(active);
	CREATE INDEX IF NOT EXISTS idx_devices_updated_at ON devices(updated_at);
	CREATE INDEX IF NOT EXISTS idx_scan_results_device ON scan_results(device_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_scan_results_timestamp ON scan_results(timestamp);
	CREATE INDEX IF NOT EXISTS idx_alerts_device ON alerts(device_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_timestamp ON verification_runs(timestamp);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return nil
}

// optimizeDB sets SQLite optimization parameters
func (db *DB) optimizeDB() error {
	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return err
	}

	// Set synchronous mode to NORMAL for better performance with adequate safety
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return err
	}

	// Set cache size for better performance
	if _, err := db.Exec("PRAGMA cache_size=-20000"); err != nil { // Approx 20MB cache
		db.logger.Warn().Err(err).Msg("Failed to set cache_size PRAGMA")
	}

	// Set mmap_size for improved performance
	if _, err := db.Exec("PRAGMA mmap_size=134217728"); err != nil { // 128MB
		db.logger.Warn().Err(err).Msg("Failed to set mmap_size PRAGMA")
	}

	return nil
}

// ExecuteWithRetry attempts to execute a function with retries for transient errors
func (db *DB) ExecuteWithRetry(ctx context.Context, maxRetries int, retryDelay time.Duration, operation func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil {
			return nil
		}

		if !isBusy(err) {
			break
		}

		db.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("maxRetries", maxRetries).
			Msg("Retrying database operation")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
	}

	return fmt.Errorf("database operation failed after %d attempts: %w", maxRetries, err)
}

// isBusy reports whether err is a transient lock error
func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return strings.Contains(err.Error(), "database is locked")
}

// isUnique reports whether err is a unique constraint violation
func isUnique(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

// OptimizeDatabase performs database maintenance operations
func (db *DB) OptimizeDatabase() error {
	db.Lock()
	defer db.Unlock()

	db.logger.Info().Msg("Optimizing database")

	// Run VACUUM to rebuild the database and reclaim space
	if _, err := db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}

	// Run ANALYZE to update statistics for query planning
	if _, err := db.Exec("ANALYZE"); err != nil {
		return fmt.Errorf("failed to analyze database: %w", err)
	}

	// Refresh PRAGMA settings as they may reset after VACUUM
	if err := db.optimizeDB(); err != nil {
		db.logger.Warn().Err(err).Msg("Failed to reset optimization parameters after vacuum")
	}

	return nil
}

// BackupDatabase writes a consistent copy of the database into backupDir
func (db *DB) BackupDatabase(backupDir string) (string, error) {
	db.Lock()
	defer db.Unlock()

	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(db.Path), "backups")
	}
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	// Create backup filename with timestamp
	timestamp := time.Now().Format("20060102_150405")
	base := filepath.Base(db.Path)
	ext := filepath.Ext(base)
	backupPath := filepath.Join(backupDir, fmt.Sprintf("%s_%s%s", strings.TrimSuffix(base, ext), timestamp, ext))

	// Checkpoint the WAL first to ensure all changes are in the main DB file
	if _, err := db.Exec("PRAGMA wal_checkpoint(FULL)"); err != nil {
		db.logger.Warn().Err(err).Msg("Failed to checkpoint WAL before backup")
	}

	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		// Fall back to file copy if VACUUM INTO fails (it requires SQLite 3.27.0+)
		if fileErr := copyFile(db.Path, backupPath); fileErr != nil {
			return "", fmt.Errorf("failed to backup database (both VACUUM INTO and file copy failed): %w", fileErr)
		}
		db.logger.Warn().Err(err).Msg("VACUUM INTO failed, used file copy backup instead")
	}

	db.logger.Info().Str("path", backupPath).Msg("Database backup created")

	return backupPath, nil
}

// Helper function to copy a file
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer dstFile.Close()

	if _, err := dstFile.ReadFrom(srcFile); err != nil {
		return fmt.Errorf("failed to copy file contents: %w", err)
	}

	return nil
}

// CleanOldData removes history older than the retention period, and
// inactive devices not updated within it. Deleting a device cascades to
// its scan results and alerts.
func (db *DB) CleanOldData(ctx context.Context, retentionDays int) (int, error) {
	db.Lock()
	defer db.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Ensure transaction is rolled back in case of error
	defer func() {
		if tx != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, "DELETE FROM scan_results WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old scan results: %w", err)
	}
	resultCount, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, "DELETE FROM alerts WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old alerts: %w", err)
	}
	alertCount, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, "DELETE FROM verification_runs WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old verification runs: %w", err)
	}
	runCount, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, "DELETE FROM devices WHERE active = 0 AND updated_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old devices: %w", err)
	}
	deviceCount, _ := res.RowsAffected()

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	// Set tx to nil to prevent rollback in deferred function
	tx = nil

	total := int(resultCount + alertCount + runCount + deviceCount)

	db.logger.Info().
		Int("scanResults", int(resultCount)).
		Int("alerts", int(alertCount)).
		Int("runs", int(runCount)).
		Int("devices", int(deviceCount)).
		Int("total", total).
		Msg("Cleaned old data")

	return total, nil
}

// GetDatabaseStats returns statistics about the database
func (db *DB) GetDatabaseStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	counts := []struct {
		key   string
		query string
	}{
		{"deviceCount", "SELECT COUNT(*) FROM devices"},
		{"activeDeviceCount", "SELECT COUNT(*) FROM devices WHERE active = 1"},
		{"scanResultCount", "SELECT COUNT(*) FROM scan_results"},
		{"alertCount", "SELECT COUNT(*) FROM alerts"},
		{"runCount", "SELECT COUNT(*) FROM verification_runs"},
	}

	for _, c := range counts {
		var n int
		if err := db.QueryRowContext(ctx, c.query).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to get %s: %w", c.key, err)
		}
		stats[c.key] = n
	}

	// Aggregates lose the column type, so the timestamp comes back as text
	var lastRun sql.NullString
	err := db.QueryRowContext(ctx, "SELECT MAX(timestamp) FROM verification_runs").Scan(&lastRun)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get last run time: %w", err)
	}
	stats["lastRunTime"] = time.Time{}
	if lastRun.Valid && lastRun.String != "" {
		if t, err := parseTimestamp(lastRun.String); err != nil {
			db.logger.Warn().Err(err).Str("timestamp", lastRun.String).Msg("Failed to parse run timestamp")
		} else {
			stats["lastRunTime"] = t
		}
	}

	// Get database file size
	if fileInfo, err := os.Stat(db.Path); err != nil {
		db.logger.Warn().Err(err).Msg("Failed to get database file size")
		stats["sizeBytes"] = int64(0)
	} else {
		stats["sizeBytes"] = fileInfo.Size()
	}

	// Threat level distribution of active devices
	threatDistribution := make(map[string]int)
	rows, err := db.QueryContext(ctx, "SELECT threat_level, COUNT(*) FROM devices WHERE active = 1 GROUP BY threat_level")
	if err != nil {
		db.logger.Warn().Err(err).Msg("Failed to get threat distribution")
	} else {
		defer rows.Close()
		for rows.Next() {
			var level string
			var count int
			if err := rows.Scan(&level, &count); err != nil {
				db.logger.Warn().Err(err).Msg("Failed to scan threat distribution row")
				continue
			}
			threatDistribution[level] = count
		}

		if err = rows.Err(); err != nil {
			db.logger.Warn().Err(err).Msg("Error iterating threat distribution rows")
		}
	}
	stats["threatDistribution"] = threatDistribution

	return stats, nil
}

// parseTimestamp parses the text forms SQLite may hand back for a timestamp
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		"2006-01-02 15:04:05.999999999-07:00", // go-sqlite3 write format
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999Z07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05",
	}

	var err error
	for _, format := range formats {
		var t time.Time
		if t, err = time.Parse(format, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}
