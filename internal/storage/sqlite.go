package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/KevinKickass/OpenSolarCollector/internal/config"
	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS measurements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL,
		timestamp TEXT NOT NULL,
		power_w REAL,
		voltage_v REAL,
		current_a REAL,
		temperature_c REAL,
		fault_code INTEGER DEFAULT 0,
		fault_code2 INTEGER DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_measurements_device_ts ON measurements(device_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT
	)`,
}

// Columns added after the first release. Older files get them on open.
var lateColumns = []struct{ name, ddl string }{
	{"fault_code", "ALTER TABLE measurements ADD COLUMN fault_code INTEGER DEFAULT 0"},
	{"fault_code2", "ALTER TABLE measurements ADD COLUMN fault_code2 INTEGER DEFAULT 0"},
}

const measurementColumns = `device_id, timestamp, power_w, voltage_v, current_a, temperature_c,
       COALESCE(fault_code, 0), COALESCE(fault_code2, 0)`

// SQLiteStore keeps measurements in a local SQLite file. The collector
// and any dashboard process may open the same file concurrently.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens cfg.Path and ensures the schema.
func OpenSQLite(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.SQLiteDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", cfg.Path, err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite store ready", zap.String("path", cfg.Path))
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	existing, err := s.columns(ctx)
	if err != nil {
		return err
	}
	for _, col := range lateColumns {
		if existing[col.name] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("failed to add column %s: %w", col.name, err)
		}
		s.logger.Info("Added missing column", zap.String("column", col.name))
	}
	return nil
}

func (s *SQLiteStore) columns(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info(measurements)")
	if err != nil {
		return nil, fmt.Errorf("failed to inspect measurements: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle for tests and maintenance tools.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Append(ctx context.Context, m types.Measurement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO measurements (device_id, timestamp, power_w, voltage_v, current_a, temperature_c, fault_code, fault_code2)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.DeviceID, formatTimestamp(m.Timestamp), m.Power, m.Voltage, m.Current, m.Temperature,
		int64(m.FaultCode), int64(m.FaultCode2))
	if err != nil {
		return fmt.Errorf("failed to insert measurement: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestPerDevice(ctx context.Context) ([]types.Measurement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+measurementColumns+`
		FROM measurements m
		WHERE m.id = (
			SELECT m2.id FROM measurements m2
			WHERE m2.device_id = m.device_id
			ORDER BY m2.timestamp DESC, m2.id DESC
			LIMIT 1
		)
		ORDER BY m.device_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest measurements: %w", err)
	}
	defer rows.Close()

	return scanSQLRows(rows)
}

func (s *SQLiteStore) History(ctx context.Context, deviceID int, q HistoryQuery) ([]types.Measurement, error) {
	query := `SELECT ` + measurementColumns + ` FROM measurements WHERE device_id = ?`
	args := []any{deviceID}
	if !q.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, formatTimestamp(q.Since))
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	out, err := scanSQLRows(rows)
	if err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value.String, true, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) SeedSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("failed to seed setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM measurements`); err != nil {
		return fmt.Errorf("failed to clear measurements: %w", err)
	}
	s.logger.Warn("All measurements deleted")
	return nil
}

func scanSQLRows(rows *sql.Rows) ([]types.Measurement, error) {
	var out []types.Measurement
	for rows.Next() {
		var (
			m       types.Measurement
			ts      string
			power   sql.NullFloat64
			voltage sql.NullFloat64
			current sql.NullFloat64
			temp    sql.NullFloat64
			fault   int64
			fault2  int64
		)
		if err := rows.Scan(&m.DeviceID, &ts, &power, &voltage, &current, &temp, &fault, &fault2); err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		t, err := parseTimestamp(ts)
		if err != nil {
			return nil, err
		}
		m.Timestamp = t
		m.Power = power.Float64
		m.Voltage = voltage.Float64
		m.Current = current.Float64
		m.Temperature = temp.Float64
		m.FaultCode = uint32(fault)
		m.FaultCode2 = uint32(fault2)
		out = append(out, m)
	}
	return out, rows.Err()
}
