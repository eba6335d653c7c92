package modbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/metrics"
	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MinInterval is the lowest refresh interval the scheduler accepts.
const MinInterval = 2 * time.Second

// SettingsProvider returns the settings to use for the next cycle. It is
// called once per cycle and must never fail; implementations fall back to
// the last good settings.
type SettingsProvider interface {
	Load(ctx context.Context) types.CollectorSettings
}

// Dialer builds an unconnected Conn for a gateway address.
type Dialer func(address string) Conn

// CycleStatus summarises the most recent scan cycle.
type CycleStatus struct {
	CycleID          string        `json:"cycle_id"`
	StartedAt        time.Time     `json:"started_at"`
	Elapsed          time.Duration `json:"elapsed_ns"`
	Interval         time.Duration `json:"interval_ns"`
	Address          string        `json:"address"`
	Devices          int           `json:"devices"`
	Stored           int           `json:"stored"`
	Failed           int           `json:"failed"`
	Overrun          bool          `json:"overrun"`
	GatewayReachable bool          `json:"gateway_reachable"`
	ConnState        string        `json:"conn_state"`
	Error            string        `json:"error,omitempty"`
}

// RemainingWait returns how long to sleep after a cycle that took elapsed.
// overrun is true when the cycle used up the whole interval.
func RemainingWait(interval, elapsed time.Duration) (wait time.Duration, overrun bool) {
	if elapsed >= interval {
		return 0, true
	}
	return interval - elapsed, false
}

// ClampInterval raises interval to floor.
func ClampInterval(interval, floor time.Duration) time.Duration {
	if interval < floor {
		return floor
	}
	return interval
}

// Scheduler runs the poller on a drift-corrected cadence.
type Scheduler struct {
	poller      *Poller
	settings    SettingsProvider
	dial        Dialer
	logger      *zap.Logger
	minInterval time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	address string

	mu        sync.RWMutex
	last      CycleStatus
	hasLast   bool
	listeners []func(CycleStatus)
	running   bool
	cancel    context.CancelFunc
	// done is closed when the current (or last) loop goroutine has exited.
	done chan struct{}
	run  uint64
}

func NewScheduler(poller *Poller, settings SettingsProvider, dial Dialer, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		poller:      poller,
		settings:    settings,
		dial:        dial,
		logger:      logger,
		minInterval: MinInterval,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// SetMinInterval overrides the interval floor. Values below MinInterval
// are ignored.
func (s *Scheduler) SetMinInterval(d time.Duration) {
	if d >= MinInterval {
		s.minInterval = d
	}
}

// OnCycle registers a callback invoked after every cycle. Register before Start.
func (s *Scheduler) OnCycle(fn func(CycleStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Status returns the last cycle summary; ok is false before the first cycle.
func (s *Scheduler) Status() (CycleStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasLast
}

// Start startet die Scan-Schleife im Hintergrund
func (s *Scheduler) Start(parent context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	// a loop being stopped still owns the connection
	if prev := s.done; prev != nil {
		s.mu.Unlock()
		<-prev
		s.mu.Lock()
		if s.running {
			return nil
		}
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.running = true
	s.run++
	run := s.run

	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil {
			s.logger.Error("Scheduler stopped with error", zap.Error(err))
		}
		s.mu.Lock()
		if s.run == run {
			s.running = false
		}
		s.mu.Unlock()
	}()

	s.logger.Info("Collector started")
	return nil
}

// Stop cancels the loop and waits for it to exit. IsRunning reports false
// as soon as Stop returns, and a following Start begins a new loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.logger.Info("Collector stopped")
}

// IsRunning gibt an ob die Schleife läuft
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Run executes cycles until ctx is cancelled. It closes the gateway
// connection on exit.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.closeConn()

	for {
		if ctx.Err() != nil {
			return nil
		}

		start := s.now()
		settings := s.settings.Load(ctx)
		interval := ClampInterval(settings.Interval, s.minInterval)

		status := s.runOnce(ctx, settings)
		status.StartedAt = start
		status.Interval = interval

		elapsed := s.now().Sub(start)
		wait, overrun := RemainingWait(interval, elapsed)
		status.Elapsed = elapsed
		status.Overrun = overrun

		s.record(status)

		if ctx.Err() != nil {
			return nil
		}

		if overrun {
			s.logger.Warn("Scan cycle overran refresh interval",
				zap.String("cycle_id", status.CycleID),
				zap.Duration("elapsed", elapsed),
				zap.Duration("interval", interval))
		}

		if err := s.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, settings types.CollectorSettings) CycleStatus {
	status := CycleStatus{
		CycleID: uuid.NewString(),
		Address: settings.Address(),
		Devices: len(settings.DeviceIDs),
	}
	logger := s.logger.With(zap.String("cycle_id", status.CycleID))

	s.ensureEndpoint(settings.Address())

	if len(settings.DeviceIDs) == 0 {
		logger.Warn("No device ids configured, nothing to poll")
		status.ConnState = s.connState()
		return status
	}

	results, err := s.poller.RunCycle(WithCycleID(ctx, status.CycleID), settings.DeviceIDs, settings.RegisterMap)
	status.GatewayReachable = !errors.Is(err, ErrGatewayUnreachable)
	if err != nil && !errors.Is(err, context.Canceled) {
		status.Error = err.Error()
	}

	for _, r := range results {
		if r.Stored {
			status.Stored++
		} else {
			status.Failed++
		}
	}
	status.ConnState = s.connState()

	logger.Info("Scan cycle finished",
		zap.String("address", status.Address),
		zap.Int("devices", status.Devices),
		zap.Int("stored", status.Stored),
		zap.Int("failed", status.Failed))
	return status
}

// ensureEndpoint replaces the connection when the target changed.
func (s *Scheduler) ensureEndpoint(address string) {
	if s.address == address && s.poller.Conn() != nil {
		return
	}

	old := s.poller.SwapConn(s.dial(address))
	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Debug("Closing previous gateway connection failed", zap.Error(err))
		}
		s.logger.Info("Gateway endpoint changed",
			zap.String("from", s.address),
			zap.String("to", address))
	}
	s.address = address
}

func (s *Scheduler) connState() string {
	conn := s.poller.Conn()
	if st, ok := conn.(interface{ State() (ConnState, error) }); ok {
		state, _ := st.State()
		return state.String()
	}
	if conn != nil && conn.IsConnected() {
		return StateConnected.String()
	}
	return StateDisconnected.String()
}

func (s *Scheduler) closeConn() {
	if conn := s.poller.Conn(); conn != nil {
		conn.Close()
	}
}

func (s *Scheduler) record(status CycleStatus) {
	result := metrics.ResultSuccess
	if status.Error != "" {
		result = metrics.ResultError
	}
	metrics.ObserveCycle(result, status.Elapsed, status.Overrun)

	s.mu.Lock()
	s.last = status
	s.hasLast = true
	listeners := append([]func(CycleStatus){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
}
