package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenSolarCollector/internal/types"
)

var errBrokenPipe = errors.New("write: broken pipe")

// fakeConn is an in-memory Conn. Missing addresses answer with an
// exception; transport entries simulate socket faults.
type fakeConn struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	connects   int
	closed     int

	holding   map[uint8]map[uint16]uint16
	input     map[uint8]map[uint16]uint16
	transport map[uint8]bool
	reads     []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		holding:   make(map[uint8]map[uint16]uint16),
		input:     make(map[uint8]map[uint16]uint16),
		transport: make(map[uint8]bool),
	}
}

func (f *fakeConn) setHolding(unit uint8, values map[uint16]uint16) {
	f.holding[unit] = values
}

func (f *fakeConn) setInput(unit uint8, values map[uint16]uint16) {
	f.input[unit] = values
}

func (f *fakeConn) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	f.connected = false
	return nil
}

func (f *fakeConn) ReadHoldingRegisters(unitID uint8, address, quantity uint16) ([]uint16, error) {
	return f.read("holding", f.holding, unitID, address, quantity)
}

func (f *fakeConn) ReadInputRegisters(unitID uint8, address, quantity uint16) ([]uint16, error) {
	return f.read("input", f.input, unitID, address, quantity)
}

func (f *fakeConn) read(kind string, table map[uint8]map[uint16]uint16, unitID uint8, address, quantity uint16) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reads = append(f.reads, fmt.Sprintf("%s:%d:%d:%d", kind, unitID, address, quantity))

	if !f.connected {
		return nil, ErrNotConnected
	}
	if f.transport[unitID] {
		f.connected = false
		return nil, errBrokenPipe
	}

	regs, ok := table[unitID]
	if !ok {
		return nil, fmt.Errorf("%w: unit %d: gateway target failed to respond", ErrException, unitID)
	}
	values := make([]uint16, quantity)
	for i := uint16(0); i < quantity; i++ {
		v, ok := regs[address+i]
		if !ok {
			return nil, fmt.Errorf("%w: unit %d: illegal data address %d", ErrException, unitID, address+i)
		}
		values[i] = v
	}
	return values, nil
}

func (f *fakeConn) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reads)
}

// memorySink collects appended measurements.
type memorySink struct {
	mu   sync.Mutex
	rows []types.Measurement
	err  error
}

func (s *memorySink) Append(_ context.Context, m types.Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, m)
	return nil
}

func (s *memorySink) byDevice() map[int]types.Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]types.Measurement, len(s.rows))
	for _, m := range s.rows {
		out[m.DeviceID] = m
	}
	return out
}

// inverterRegisters returns a register table for the default map.
func inverterRegisters(powerW, voltageRaw, currentRaw, tempC uint16) map[uint16]uint16 {
	return map[uint16]uint16{
		0:  voltageRaw,
		1:  currentRaw,
		4:  tempC,
		16: powerW,
	}
}
