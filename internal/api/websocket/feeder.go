package websocket

import (
	"context"
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	"go.uber.org/zap"
)

// LatestSource is the read side of the measurement store.
type LatestSource interface {
	LatestPerDevice(ctx context.Context) ([]types.Measurement, error)
}

// Feeder pushes the latest reading per inverter to the hub on a fixed
// interval. It only reads the store and never talks to the poller.
type Feeder struct {
	hub      *Hub
	source   LatestSource
	interval time.Duration
	logger   *zap.Logger
}

func NewFeeder(hub *Hub, source LatestSource, interval time.Duration, logger *zap.Logger) *Feeder {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Feeder{hub: hub, source: source, interval: interval, logger: logger}
}

// Run publishes a snapshot immediately and then on every tick until ctx
// is done.
func (f *Feeder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.push(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.push(ctx)
		}
	}
}

func (f *Feeder) push(ctx context.Context) {
	rows, err := f.source.LatestPerDevice(ctx)
	if err != nil {
		if ctx.Err() == nil {
			f.logger.Warn("Live feed query failed", zap.Error(err))
		}
		return
	}
	f.hub.Broadcast(NewSnapshotMessage(rows))
}
