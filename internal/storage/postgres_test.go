package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap/zaptest"
)

// openTestPostgres needs OSC_TEST_POSTGRES_DSN pointing at a scratch database.
func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("OSC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("OSC_TEST_POSTGRES_DSN not set")
	}

	parsed, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg := config.DatabaseConfig{
		Driver:         "postgres",
		Host:           parsed.ConnConfig.Host,
		Port:           int(parsed.ConnConfig.Port),
		Database:       parsed.ConnConfig.Database,
		User:           parsed.ConnConfig.User,
		Password:       parsed.ConnConfig.Password,
		MaxConnections: 2,
	}

	ctx := context.Background()
	store, err := NewPostgresStore(ctx, cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	if _, err := store.Pool().Exec(ctx, `TRUNCATE measurements, settings`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresLatestAndHistory(t *testing.T) {
	store := openTestPostgres(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.Append(ctx, sample(1, time.Duration(i)*time.Minute, float64(i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	store.Append(ctx, sample(2, 0, 50))

	latest, err := store.LatestPerDevice(ctx)
	if err != nil {
		t.Fatalf("LatestPerDevice: %v", err)
	}
	if len(latest) != 2 || latest[0].Power != 4 || latest[1].Power != 50 {
		t.Fatalf("unexpected latest: %+v", latest)
	}

	hist, err := store.History(ctx, 1, HistoryQuery{Limit: 2})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].Power != 3 || hist[1].Power != 4 {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestPostgresSettings(t *testing.T) {
	store := openTestPostgres(t)
	ctx := context.Background()

	store.SeedSetting(ctx, "target_port", "502")
	store.SeedSetting(ctx, "target_port", "503")
	if v, ok, err := store.GetSetting(ctx, "target_port"); err != nil || !ok || v != "502" {
		t.Fatalf("seed must insert once: %q %v %v", v, ok, err)
	}
	store.SetSetting(ctx, "target_port", "8899")
	if v, _, _ := store.GetSetting(ctx, "target_port"); v != "8899" {
		t.Fatalf("set must overwrite: %q", v)
	}
}
