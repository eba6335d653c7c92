package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenSolarCollector/internal/config"
	"github.com/KevinKickass/OpenSolarCollector/internal/modbus"
	"github.com/KevinKickass/OpenSolarCollector/internal/profiles"
	"github.com/KevinKickass/OpenSolarCollector/internal/settings"
	"github.com/KevinKickass/OpenSolarCollector/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State            string `json:"state"`
	CollectorRunning bool   `json:"collector_running"`
	GatewayReachable bool   `json:"gateway_reachable"`
	LastCycleID      string `json:"last_cycle_id,omitempty"`
}

// LifecycleManager is what the API layer needs from the running service.
type LifecycleManager interface {
	Config() *config.Config
	Store() storage.Store
	Settings() *settings.Provider
	Profiles() *profiles.Loader

	StartCollector() error
	StopCollector()
	CollectorRunning() bool
	CollectorStatus() (modbus.CycleStatus, bool)

	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
