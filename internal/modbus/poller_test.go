package modbus

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	"go.uber.org/zap/zaptest"
)

func newTestPoller(t *testing.T, conn Conn, sink Sink) *Poller {
	t.Helper()
	return NewPoller(conn, sink, PollerConfig{}, zaptest.NewLogger(t))
}

func TestRunCycleScalesAndStores(t *testing.T) {
	conn := newFakeConn()
	conn.setHolding(1, inverterRegisters(1500, 2304, 53, 41))
	conn.setHolding(2, inverterRegisters(800, 2299, 35, 38))
	sink := &memorySink{}

	results, err := newTestPoller(t, conn, sink).RunCycle(context.Background(), []int{1, 2}, types.DefaultRegisterMap())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	rows := sink.byDevice()
	m := rows[1]
	if !approx(m.Power, 1500) || !approx(m.Voltage, 230.4) || !approx(m.Current, 5.3) || !approx(m.Temperature, 41) {
		t.Fatalf("unexpected measurement for device 1: %+v", m)
	}
	if m.Timestamp.IsZero() || m.Timestamp.Location() != time.UTC {
		t.Fatalf("timestamp must be set in UTC, got %v", m.Timestamp)
	}
	if !approx(rows[2].Power, 800) {
		t.Fatalf("unexpected power for device 2: %v", rows[2].Power)
	}

	// Devices are polled in the given order.
	first := conn.reads[0]
	if !strings.HasPrefix(first, "holding:1:16:1") {
		t.Fatalf("expected power of unit 1 first, got %s", first)
	}
}

func TestRequiredFailureSkipsOnlyThatDevice(t *testing.T) {
	conn := newFakeConn()
	conn.setHolding(1, inverterRegisters(100, 2300, 10, 30))
	conn.setHolding(2, map[uint16]uint16{0: 2300, 1: 10, 4: 30})
	conn.setHolding(3, inverterRegisters(300, 2300, 10, 30))
	sink := &memorySink{}

	rm := types.DefaultRegisterMap()
	rm.InputFallback = false

	results, err := newTestPoller(t, conn, sink).RunCycle(context.Background(), []int{1, 2, 3}, rm)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	rows := sink.byDevice()
	if len(rows) != 2 {
		t.Fatalf("expected 2 stored rows, got %d", len(rows))
	}
	if _, ok := rows[2]; ok {
		t.Fatalf("device 2 must not be stored")
	}
	if results[1].Responded || results[1].Stored || results[1].Err == nil {
		t.Fatalf("unexpected result for device 2: %+v", results[1])
	}
	if !conn.IsConnected() {
		t.Fatalf("protocol faults must keep the connection")
	}
}

func TestOptionalVoltageFailureStoresZero(t *testing.T) {
	conn := newFakeConn()
	conn.setHolding(1, map[uint16]uint16{1: 53, 4: 41, 16: 1500})
	sink := &memorySink{}

	if _, err := newTestPoller(t, conn, sink).RunCycle(context.Background(), []int{1}, types.DefaultRegisterMap()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	m, ok := sink.byDevice()[1]
	if !ok {
		t.Fatalf("device 1 must be stored")
	}
	if m.Voltage != 0 || !approx(m.Power, 1500) || !approx(m.Current, 5.3) {
		t.Fatalf("unexpected measurement: %+v", m)
	}
}

func TestInputRegisterFallback(t *testing.T) {
	conn := newFakeConn()
	conn.setHolding(1, map[uint16]uint16{})
	conn.setInput(1, inverterRegisters(900, 2310, 40, 35))
	sink := &memorySink{}

	if _, err := newTestPoller(t, conn, sink).RunCycle(context.Background(), []int{1}, types.DefaultRegisterMap()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	m, ok := sink.byDevice()[1]
	if !ok {
		t.Fatalf("fallback read must store device 1")
	}
	if !approx(m.Power, 900) || !approx(m.Voltage, 231) {
		t.Fatalf("unexpected measurement: %+v", m)
	}
	for _, r := range conn.reads[1:] {
		if !strings.HasPrefix(r, "input:") {
			t.Fatalf("reads after fallback must use input registers, got %s", r)
		}
	}
}

func TestConnectFailureAbortsCycle(t *testing.T) {
	conn := newFakeConn()
	conn.connectErr = errors.New("connection refused")
	sink := &memorySink{}

	results, err := newTestPoller(t, conn, sink).RunCycle(context.Background(), []int{1, 2, 3}, types.DefaultRegisterMap())
	if !errors.Is(err, ErrGatewayUnreachable) {
		t.Fatalf("expected ErrGatewayUnreachable, got %v", err)
	}
	if len(results) != 0 || conn.readCount() != 0 {
		t.Fatalf("no reads expected, got %d", conn.readCount())
	}
	if conn.connects != 1 {
		t.Fatalf("connect must be attempted once per cycle, got %d", conn.connects)
	}
}

func TestTransportFaultVoidsDeviceAndReconnects(t *testing.T) {
	conn := newFakeConn()
	conn.setHolding(1, inverterRegisters(100, 2300, 10, 30))
	conn.setHolding(2, inverterRegisters(200, 2300, 10, 30))
	conn.transport[1] = true
	sink := &memorySink{}

	results, err := newTestPoller(t, conn, sink).RunCycle(context.Background(), []int{1, 2}, types.DefaultRegisterMap())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !errors.Is(results[0].Err, errBrokenPipe) {
		t.Fatalf("expected transport error for device 1, got %v", results[0].Err)
	}
	if !results[1].Stored {
		t.Fatalf("device 2 must be stored after reconnect: %+v", results[1])
	}
	if conn.connects != 2 {
		t.Fatalf("expected a lazy reconnect, got %d connects", conn.connects)
	}
}

func TestFaultRegisters(t *testing.T) {
	conn := newFakeConn()
	regs := inverterRegisters(100, 2300, 10, 30)
	regs[30] = 0x0001
	regs[31] = 0x0002
	conn.setHolding(1, regs)
	sink := &memorySink{}

	a, b := uint16(30), uint16(50)
	rm := types.DefaultRegisterMap()
	rm.FaultAddr = &a
	rm.FaultWords = 2
	rm.FaultAddr2 = &b

	if _, err := newTestPoller(t, conn, sink).RunCycle(context.Background(), []int{1}, rm); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	m := sink.byDevice()[1]
	if m.FaultCode != 65538 {
		t.Fatalf("FaultCode = %d, want 65538", m.FaultCode)
	}
	if m.FaultCode2 != 0 {
		t.Fatalf("missing second fault register must degrade to 0, got %d", m.FaultCode2)
	}
}

func TestBlockReadForContiguousRegisters(t *testing.T) {
	conn := newFakeConn()
	conn.setHolding(5, map[uint16]uint16{10: 2304, 11: 53, 12: 1500, 13: 41})
	sink := &memorySink{}

	rm := types.RegisterMap{
		PowerAddr: 12, PowerScale: 1,
		VoltageAddr: 10, VoltageScale: 0.1,
		CurrentAddr: 11, CurrentScale: 0.1,
		TemperatureAddr: 13, TemperatureScale: 1,
	}

	if _, err := newTestPoller(t, conn, sink).RunCycle(context.Background(), []int{5}, rm); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if conn.readCount() != 1 || conn.reads[0] != "holding:5:10:4" {
		t.Fatalf("expected one block read, got %v", conn.reads)
	}
	m := sink.byDevice()[5]
	if !approx(m.Power, 1500) || !approx(m.Voltage, 230.4) || !approx(m.Temperature, 41) {
		t.Fatalf("unexpected measurement: %+v", m)
	}
}

func TestSinkErrorDoesNotStopCycle(t *testing.T) {
	conn := newFakeConn()
	conn.setHolding(1, inverterRegisters(100, 2300, 10, 30))
	conn.setHolding(2, inverterRegisters(200, 2300, 10, 30))
	sink := &memorySink{err: errors.New("database is locked")}

	results, err := newTestPoller(t, conn, sink).RunCycle(context.Background(), []int{1, 2}, types.DefaultRegisterMap())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected both devices polled, got %d", len(results))
	}
	for _, r := range results {
		if !r.Responded || r.Stored || r.Err == nil {
			t.Fatalf("unexpected result: %+v", r)
		}
	}
}

func TestMirrorFailureStillCountsAsStored(t *testing.T) {
	conn := newFakeConn()
	conn.setHolding(1, inverterRegisters(100, 2300, 10, 30))
	store := &memorySink{}
	broker := &memorySink{err: errors.New("not connected")}

	fanout := NewFanoutSink(zaptest.NewLogger(t))
	fanout.Add("store", store)
	fanout.AddMirror("mqtt", broker)

	results, err := newTestPoller(t, conn, fanout).RunCycle(context.Background(), []int{1}, types.DefaultRegisterMap())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(results) != 1 || !results[0].Stored || results[0].Err != nil {
		t.Fatalf("row reached the store, expected stored result: %+v", results)
	}
	if len(store.byDevice()) != 1 {
		t.Fatalf("store must hold the row")
	}

	failing := NewFanoutSink(zaptest.NewLogger(t))
	failing.Add("store", &memorySink{err: errors.New("disk full")})
	failing.AddMirror("mqtt", &memorySink{})
	if err := failing.Append(context.Background(), types.Measurement{DeviceID: 1}); err == nil {
		t.Fatalf("primary failure must be reported")
	}
}

func TestRunCycleHonoursCancellation(t *testing.T) {
	conn := newFakeConn()
	conn.setHolding(1, inverterRegisters(100, 2300, 10, 30))
	conn.setHolding(2, inverterRegisters(200, 2300, 10, 30))
	sink := &memorySink{}

	p := NewPoller(conn, sink, PollerConfig{DeviceDelay: time.Minute}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	results, err := p.RunCycle(ctx, []int{1, 2}, types.DefaultRegisterMap())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancellation took too long")
	}
	if len(results) != 1 {
		t.Fatalf("expected only device 1 polled, got %d", len(results))
	}
}
