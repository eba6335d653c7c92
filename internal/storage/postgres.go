package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenSolarCollector/internal/config"
	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS measurements (
		id BIGSERIAL PRIMARY KEY,
		device_id INTEGER NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		power_w DOUBLE PRECISION,
		voltage_v DOUBLE PRECISION,
		current_a DOUBLE PRECISION,
		temperature_c DOUBLE PRECISION,
		fault_code BIGINT DEFAULT 0,
		fault_code2 BIGINT DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_measurements_device_ts ON measurements(device_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT
	)`,
}

var postgresLateColumns = []struct{ name, ddl string }{
	{"fault_code", "ALTER TABLE measurements ADD COLUMN fault_code BIGINT DEFAULT 0"},
	{"fault_code2", "ALTER TABLE measurements ADD COLUMN fault_code2 BIGINT DEFAULT 0"},
}

// PostgresStore is the Store for installations that keep telemetry in a
// shared PostgreSQL server.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Connection testen
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("PostgreSQL store ready",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database))
	return s, nil
}

func (p *PostgresStore) migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	for _, col := range postgresLateColumns {
		var present bool
		err := p.pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.columns
				WHERE table_schema = current_schema()
				  AND table_name = 'measurements'
				  AND column_name = $1
			)
		`, col.name).Scan(&present)
		if err != nil {
			return fmt.Errorf("failed to inspect column %s: %w", col.name, err)
		}
		if present {
			continue
		}
		if _, err := p.pool.Exec(ctx, col.ddl); err != nil {
			return fmt.Errorf("failed to add column %s: %w", col.name, err)
		}
		p.logger.Info("Added missing column", zap.String("column", col.name))
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *PostgresStore) Append(ctx context.Context, m types.Measurement) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO measurements (device_id, timestamp, power_w, voltage_v, current_a, temperature_c, fault_code, fault_code2)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.DeviceID, m.Timestamp.UTC(), m.Power, m.Voltage, m.Current, m.Temperature,
		int64(m.FaultCode), int64(m.FaultCode2))
	if err != nil {
		return fmt.Errorf("failed to insert measurement: %w", err)
	}
	return nil
}

func (p *PostgresStore) LatestPerDevice(ctx context.Context) ([]types.Measurement, error) {
	rows, err := p.pool.Query(ctx, `
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

	return scanPgxRows(rows)
}

func (p *PostgresStore) History(ctx context.Context, deviceID int, q HistoryQuery) ([]types.Measurement, error) {
	query := `SELECT ` + measurementColumns + ` FROM measurements WHERE device_id = $1`
	args := []any{deviceID}
	if !q.Since.IsZero() {
		args = append(args, q.Since.UTC())
		query += fmt.Sprintf(` AND timestamp >= $%d`, len(args))
	}
	args = append(args, q.limit())
	query += fmt.Sprintf(` ORDER BY timestamp DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	out, err := scanPgxRows(rows)
	if err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (p *PostgresStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value *string
	err := p.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	if value == nil {
		return "", true, nil
	}
	return *value, true, nil
}

func (p *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) SeedSetting(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to seed setting %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) ClearAll(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM measurements`); err != nil {
		return fmt.Errorf("failed to clear measurements: %w", err)
	}
	p.logger.Warn("All measurements deleted")
	return nil
}

func scanPgxRows(rows pgx.Rows) ([]types.Measurement, error) {
	var out []types.Measurement
	for rows.Next() {
		var (
			m       types.Measurement
			power   *float64
			voltage *float64
			current *float64
			temp    *float64
			fault   int64
			fault2  int64
		)
		if err := rows.Scan(&m.DeviceID, &m.Timestamp, &power, &voltage, &current, &temp, &fault, &fault2); err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		m.Power = deref(power)
		m.Voltage = deref(voltage)
		m.Current = deref(current)
		m.Temperature = deref(temp)
		m.FaultCode = uint32(fault)
		m.FaultCode2 = uint32(fault2)
		out = append(out, m)
	}
	return out, rows.Err()
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
