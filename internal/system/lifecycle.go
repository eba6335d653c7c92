package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/api/rest"
	"github.com/KevinKickass/OpenSolarCollector/internal/api/websocket"
	"github.com/KevinKickass/OpenSolarCollector/internal/auth"
	"github.com/KevinKickass/OpenSolarCollector/internal/config"
	"github.com/KevinKickass/OpenSolarCollector/internal/interfaces"
	"github.com/KevinKickass/OpenSolarCollector/internal/modbus"
	"github.com/KevinKickass/OpenSolarCollector/internal/profiles"
	"github.com/KevinKickass/OpenSolarCollector/internal/publish"
	"github.com/KevinKickass/OpenSolarCollector/internal/settings"
	"github.com/KevinKickass/OpenSolarCollector/internal/storage"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name of the collector. The
// empty service name reports the same status.
const HealthService = "opensolarcollector.Collector"

type LifecycleManager struct {
	config    *config.Config
	store     storage.Store
	provider  *settings.Provider
	loader    *profiles.Loader
	poller    *modbus.Poller
	scheduler *modbus.Scheduler
	mqtt      *publish.MQTTSink
	logger    *zap.Logger

	authService *auth.Service
	wsHub       *websocket.Hub
	feeder      *websocket.Feeder
	restServer  *rest.Server
	grpcServer  *grpc.Server
	health      *health.Server
	grpcAddr    net.Addr

	// root context of background workers
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownOnce sync.Once
}

// NewLifecycleManager opens the store, seeds the runtime settings and wires
// the collector. Nothing runs until Start.
func NewLifecycleManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	store, err := storage.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	loader, err := profiles.NewLoader(cfg.Profiles.SearchPaths)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("profiles: %w", err)
	}

	defaults, err := bootstrapDefaults(cfg.Collector, loader)
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := settings.Seed(ctx, store, defaults); err != nil {
		store.Close()
		return nil, fmt.Errorf("seed settings: %w", err)
	}

	provider := settings.NewProvider(store, defaults, loader.Validator(), logger)

	sink := modbus.NewFanoutSink(logger)
	sink.Add("store", store)

	lm := &LifecycleManager{
		config:       cfg,
		store:        store,
		provider:     provider,
		loader:       loader,
		logger:       logger,
		currentState: StateInitializing,
	}

	if cfg.MQTT.Enabled {
		mqttSink, err := publish.Connect(cfg.MQTT, logger)
		if err != nil {
			// the store remains the system of record
			logger.Warn("MQTT disabled, broker unavailable", zap.Error(err))
		} else {
			lm.mqtt = mqttSink
			sink.AddMirror("mqtt", mqttSink)
		}
	}

	lm.poller = modbus.NewPoller(nil, sink, modbus.PollerConfig{
		RegisterDelay: cfg.Modbus.RegisterDelay,
		DeviceDelay:   cfg.Modbus.DeviceDelay,
	}, logger)

	timeout := cfg.Modbus.Timeout
	lm.scheduler = modbus.NewScheduler(lm.poller, provider, func(address string) modbus.Conn {
		return modbus.NewTCPClient(address, timeout)
	}, logger)
	lm.scheduler.SetMinInterval(cfg.Modbus.MinInterval)

	lm.authService = auth.NewService(cfg.Auth, logger)
	lm.wsHub = websocket.NewHub(logger)
	lm.feeder = websocket.NewFeeder(lm.wsHub, store, cfg.Dashboard.RefreshInterval, logger)
	lm.health = health.NewServer()

	lm.scheduler.OnCycle(lm.onCycle)

	return lm, nil
}

func bootstrapDefaults(cc config.CollectorConfig, loader *profiles.Loader) (settings.Defaults, error) {
	d := settings.DefaultValues()
	if cc.TargetIP != "" {
		d.TargetIP = cc.TargetIP
	}
	if cc.TargetPort != 0 {
		d.TargetPort = cc.TargetPort
	}
	if cc.DeviceIDs != "" {
		d.DeviceIDs = cc.DeviceIDs
	}
	if cc.RefreshSeconds > 0 {
		d.RefreshSeconds = cc.RefreshSeconds
	}
	if err := settings.ValidateEndpoint(d.TargetIP, d.TargetPort); err != nil {
		return d, fmt.Errorf("collector config: %w", err)
	}

	if cc.Profile != "" {
		p, err := loader.Load(cc.Profile)
		if err != nil {
			return d, fmt.Errorf("collector profile %q: %w", cc.Profile, err)
		}
		d.RegisterMap = p.RegisterMap
	}
	return d, nil
}

func (lm *LifecycleManager) onCycle(status modbus.CycleStatus) {
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if status.GatewayReachable {
		serving = healthpb.HealthCheckResponse_SERVING
	}
	lm.health.SetServingStatus("", serving)
	lm.health.SetServingStatus(HealthService, serving)

	if lm.mqtt != nil {
		lm.mqtt.SetOnline(status.GatewayReachable)
	}
	lm.wsHub.Broadcast(websocket.NewCollectorStatusMessage(status))
}

func (lm *LifecycleManager) Config() *config.Config       { return lm.config }
func (lm *LifecycleManager) Store() storage.Store         { return lm.store }
func (lm *LifecycleManager) Settings() *settings.Provider { return lm.provider }
func (lm *LifecycleManager) Profiles() *profiles.Loader   { return lm.loader }

// Start starts the entire system
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting OpenSolarCollector")

	lm.ctx, lm.cancel = context.WithCancel(context.Background())

	lm.wg.Add(2)
	go func() {
		defer lm.wg.Done()
		lm.wsHub.Run(lm.ctx)
	}()
	go func() {
		defer lm.wg.Done()
		lm.feeder.Run(lm.ctx)
	}()

	if err := lm.startGRPCServer(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start gRPC: %w", err)
	}

	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.wsHub, lm.authService)
	if err := lm.restServer.Start(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	if lm.config.Collector.AutoStart {
		if err := lm.StartCollector(); err != nil {
			lm.setState(StateError)
			return err
		}
	} else {
		lm.logger.Info("Collector auto start disabled, waiting for start command")
	}

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.String("database", lm.config.Database.Driver),
		zap.Bool("mqtt", lm.mqtt != nil))

	return nil
}

// StartCollector starts the scan loop. It is a no-op while running.
func (lm *LifecycleManager) StartCollector() error {
	if lm.ctx == nil {
		return errors.New("system not started")
	}
	if lm.ctx.Err() != nil {
		return errors.New("system is shutting down")
	}
	return lm.scheduler.Start(lm.ctx)
}

// StopCollector stops the scan loop after the running cycle.
func (lm *LifecycleManager) StopCollector() {
	lm.scheduler.Stop()
}

func (lm *LifecycleManager) CollectorRunning() bool {
	return lm.scheduler.IsRunning()
}

func (lm *LifecycleManager) CollectorStatus() (modbus.CycleStatus, bool) {
	return lm.scheduler.Status()
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	// 1. Collector first, so the running cycle can finish its writes
	lm.scheduler.Stop()

	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	// 2. REST API Server graceful shutdown
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	// 3. gRPC Server graceful stop
	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.health.Shutdown()
			lm.grpcServer.GracefulStop()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		errs = append(errs, fmt.Errorf("shutdown timeout exceeded"))
	}
	close(errChan)
	for err := range errChan {
		errs = append(errs, err)
	}

	// 4. Background workers
	if lm.cancel != nil {
		lm.cancel()
		lm.wg.Wait()
	}

	// 5. Sinks and store
	if lm.mqtt != nil {
		lm.mqtt.Close()
	}
	if err := lm.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close failed: %w", err))
	}

	if len(errs) == 0 {
		lm.logger.Info("Graceful shutdown completed")
	}
	return errors.Join(errs...)
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	lm.grpcAddr = lis.Addr()

	lm.grpcServer = grpc.NewServer()

	// NOT_SERVING until the first cycle reached the gateway
	lm.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	lm.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(lm.grpcServer, lm.health)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected state change", zap.Error(err))
	}
	lm.currentState = state
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state := lm.currentState
	lm.stateMu.RUnlock()

	status := interfaces.SystemStatus{
		State:            state.String(),
		CollectorRunning: lm.scheduler.IsRunning(),
	}
	if last, ok := lm.scheduler.Status(); ok {
		status.GatewayReachable = last.GatewayReachable
		status.LastCycleID = last.CycleID
	}
	return status
}

var _ interfaces.LifecycleManager = (*LifecycleManager)(nil)
