package modbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/metrics"
	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	"go.uber.org/zap"
)

// ErrGatewayUnreachable aborts a cycle whose initial connect failed.
var ErrGatewayUnreachable = errors.New("gateway unreachable")

// Sink receives every successfully polled measurement.
type Sink interface {
	Append(ctx context.Context, m types.Measurement) error
}

// CycleResult is the outcome for one device of a scan cycle.
type CycleResult struct {
	DeviceID    int
	Measurement types.Measurement
	// Responded is false when a Required read or the transport failed.
	Responded bool
	// Stored is true when the sink accepted the measurement.
	Stored bool
	Err    error
}

// PollerConfig holds the pacing of a scan cycle.
type PollerConfig struct {
	RegisterDelay time.Duration
	DeviceDelay   time.Duration
}

// DefaultPollerConfig matches what RS-485 gateways tolerate in practice.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		RegisterDelay: 50 * time.Millisecond,
		DeviceDelay:   500 * time.Millisecond,
	}
}

type cycleIDKey struct{}

// WithCycleID tags ctx with a scan cycle id for log correlation.
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleIDKey{}, id)
}

// CycleID returns the scan cycle id stored in ctx, if any.
func CycleID(ctx context.Context) string {
	id, _ := ctx.Value(cycleIDKey{}).(string)
	return id
}

// Poller runs scan cycles over one shared gateway connection.
type Poller struct {
	mu     sync.Mutex
	conn   Conn
	sink   Sink
	config PollerConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewPoller(conn Conn, sink Sink, config PollerConfig, logger *zap.Logger) *Poller {
	return &Poller{
		conn:   conn,
		sink:   sink,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Conn returns the connection currently used by the poller.
func (p *Poller) Conn() Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// SwapConn installs a new connection and returns the previous one.
// The caller closes the old connection.
func (p *Poller) SwapConn(conn Conn) Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.conn
	p.conn = conn
	return old
}

// RunCycle polls every device once, in the given order. It only returns an
// error when the cycle could not run at all.
func (p *Poller) RunCycle(ctx context.Context, deviceIDs []int, rm types.RegisterMap) ([]CycleResult, error) {
	conn := p.Conn()
	logger := p.logger.With(zap.String("cycle_id", CycleID(ctx)))

	if !conn.IsConnected() {
		if err := conn.Connect(); err != nil {
			metrics.SetGatewayUp(false)
			logger.Warn("Gateway unreachable, skipping cycle", zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
		}
	}
	metrics.SetGatewayUp(true)

	results := make([]CycleResult, 0, len(deviceIDs))
	for i, id := range deviceIDs {
		if i > 0 {
			if err := sleepCtx(ctx, p.config.DeviceDelay); err != nil {
				return results, err
			}
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result := p.pollDevice(ctx, conn, logger, id, rm)
		results = append(results, result)
	}

	return results, nil
}

func (p *Poller) pollDevice(ctx context.Context, conn Conn, logger *zap.Logger, id int, rm types.RegisterMap) CycleResult {
	result := CycleResult{DeviceID: id}
	device := strconv.Itoa(id)
	logger = logger.With(zap.Int("device_id", id))

	if !types.ValidDeviceID(id) {
		result.Err = fmt.Errorf("device id %d out of range", id)
		logger.Warn("Skipping invalid device id")
		return result
	}

	// Ein Transportfehler des letzten Geräts hat die Verbindung geschlossen.
	if !conn.IsConnected() {
		if err := conn.Connect(); err != nil {
			result.Err = fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
			metrics.IncDevicePoll(device, metrics.ResultUnreachable)
			logger.Warn("Reconnect failed", zap.Error(err))
			return result
		}
	}

	reader := &groupReader{conn: conn, unitID: uint8(id)}

	groups := CoreGroups(rm)
	if block, ok := CoreBlock(rm); ok {
		groups = []RegisterGroup{block}
	}
	groups = append(groups, FaultGroups(rm)...)

	collected := make([]GroupResult, 0, len(groups))
	for i, group := range groups {
		if i > 0 {
			if err := sleepCtx(ctx, p.config.RegisterDelay); err != nil {
				result.Err = err
				return result
			}
		}

		res := reader.read(group)
		if i == 0 && res.Failed() && errors.Is(res.Err, ErrException) && rm.InputFallback {
			logger.Debug("Holding read rejected, retrying with input registers", zap.Error(res.Err))
			reader.input = true
			res = reader.read(group)
		}

		if res.Err != nil {
			kind := metrics.KindException
			if IsTransportFault(res.Err) {
				kind = metrics.KindTransport
			}
			metrics.IncRegisterError(group.Name, kind)
		}

		if IsTransportFault(res.Err) {
			result.Err = res.Err
			metrics.IncDevicePoll(device, metrics.ResultUnresponsive)
			logger.Warn("Transport fault, device skipped",
				zap.String("group", group.Name),
				zap.Error(res.Err))
			return result
		}
		if res.VoidsDevice() {
			result.Err = res.Err
			metrics.IncDevicePoll(device, metrics.ResultUnresponsive)
			logger.Info("Device unresponsive",
				zap.String("group", group.Name),
				zap.Error(res.Err))
			return result
		}
		if res.Err != nil {
			logger.Debug("Optional register unavailable",
				zap.String("group", group.Name),
				zap.Error(res.Err))
		}

		collected = append(collected, res)
	}

	m, ok := BuildMeasurement(id, rm, collected)
	if !ok {
		result.Err = errors.New("required register group failed")
		metrics.IncDevicePoll(device, metrics.ResultUnresponsive)
		return result
	}
	m.Timestamp = p.now().UTC()

	result.Responded = true
	result.Measurement = m

	if err := p.sink.Append(ctx, m); err != nil {
		result.Err = err
		metrics.IncDevicePoll(device, metrics.ResultError)
		logger.Error("Failed to store measurement", zap.Error(err))
		return result
	}

	result.Stored = true
	metrics.IncDevicePoll(device, metrics.ResultSuccess)
	logger.Debug("Measurement stored",
		zap.Float64("power_w", m.Power),
		zap.Float64("voltage_v", m.Voltage),
		zap.Float64("current_a", m.Current),
		zap.Float64("temperature_c", m.Temperature),
		zap.Uint32("fault_code", m.FaultCode))
	return result
}

// groupReader reads register groups of one unit, switching to input
// registers after a successful fallback.
type groupReader struct {
	conn   Conn
	unitID uint8
	input  bool
}

func (r *groupReader) read(group RegisterGroup) GroupResult {
	var (
		values []uint16
		err    error
	)
	if r.input {
		values, err = r.conn.ReadInputRegisters(r.unitID, group.Address, group.Words)
	} else {
		values, err = r.conn.ReadHoldingRegisters(r.unitID, group.Address, group.Words)
	}
	if err == nil && len(values) < int(group.Words) {
		err = fmt.Errorf("%w: short response: %d of %d words", ErrException, len(values), group.Words)
	}
	return GroupResult{Group: group, Values: values, Err: err}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
