package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/config"
	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	"go.uber.org/zap"
)

// ErrUnsupportedDriver is returned by Open for an unknown database.driver.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// DefaultHistoryLimit applies when a history query has neither a limit nor
// a lower time bound.
const DefaultHistoryLimit = 100

// MaxHistoryLimit caps every history query, including time-bounded ones.
const MaxHistoryLimit = 10000

// timestampLayout is fixed width so text ordering equals time ordering.
const timestampLayout = "2006-01-02 15:04:05.000000"

// HistoryQuery bounds a device series. Zero Since means no lower bound.
type HistoryQuery struct {
	Limit int
	Since time.Time
}

func (q HistoryQuery) limit() int {
	switch {
	case q.Limit > MaxHistoryLimit:
		return MaxHistoryLimit
	case q.Limit > 0:
		return q.Limit
	case !q.Since.IsZero():
		// the window bounds the result
		return MaxHistoryLimit
	default:
		return DefaultHistoryLimit
	}
}

// Store is the persistence façade shared by the collector and the
// display consumers.
type Store interface {
	Append(ctx context.Context, m types.Measurement) error
	// LatestPerDevice returns the newest row of every device, ordered by id.
	LatestPerDevice(ctx context.Context) ([]types.Measurement, error)
	// History returns the newest rows of a device, oldest first. A Since-only
	// query returns the whole window up to MaxHistoryLimit.
	History(ctx context.Context, deviceID int, q HistoryQuery) ([]types.Measurement, error)
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	// SeedSetting writes value only when key is absent.
	SeedSetting(ctx context.Context, key, value string) error
	ClearAll(ctx context.Context) error
	Close() error
}

// Open connects the store selected by cfg.Driver and ensures its schema.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return OpenSQLite(ctx, cfg, logger)
	case "postgres":
		return NewPostgresStore(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(timestampLayout, s, time.UTC); err == nil {
		return t, nil
	}
	// Rows written by older collectors may lack the fraction or use RFC 3339.
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// reverse turns a newest-first slice into oldest-first.
func reverse(rows []types.Measurement) {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
}
