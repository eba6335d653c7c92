package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

var (
	// ErrException wraps Modbus exception responses. The link itself is
	// healthy when a read fails with this error.
	ErrException = errors.New("modbus exception")

	// ErrNotConnected is returned by reads issued while the client is
	// not in the Connected state.
	ErrNotConnected = errors.New("not connected")
)

// ConnState is the state of the shared gateway connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnected
	StateFaulted
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Conn is what the poller needs from a Modbus TCP link.
type Conn interface {
	Connect() error
	IsConnected() bool
	ReadHoldingRegisters(unitID uint8, address, quantity uint16) ([]uint16, error)
	ReadInputRegisters(unitID uint8, address, quantity uint16) ([]uint16, error)
	Close() error
}

// IsTransportFault reports whether err came from the socket rather than
// from a device exception response.
func IsTransportFault(err error) bool {
	return err != nil && !errors.Is(err, ErrException)
}

// TCPClient is a Conn over github.com/goburrow/modbus. One client is shared
// by all units behind the gateway; the unit id is switched per request.
type TCPClient struct {
	address string
	timeout time.Duration

	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
	state   ConnState
	lastErr error
}

func NewTCPClient(address string, timeout time.Duration) *TCPClient {
	return &TCPClient{
		address: address,
		timeout: timeout,
		state:   StateDisconnected,
	}
}

// Address returns the gateway host:port.
func (c *TCPClient) Address() string {
	return c.address
}

// Connect stellt die TCP-Verbindung her. Connecting from Faulted or
// Disconnected builds a fresh handler so no stale transaction is read.
func (c *TCPClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnected {
		return nil
	}

	handler := modbus.NewTCPClientHandler(c.address)
	handler.Timeout = c.timeout
	handler.IdleTimeout = 0

	if err := handler.Connect(); err != nil {
		c.state = StateFaulted
		c.lastErr = err
		return fmt.Errorf("connection to %s failed: %w", c.address, err)
	}

	c.handler = handler
	c.client = modbus.NewClient(handler)
	c.state = StateConnected
	c.lastErr = nil
	return nil
}

func (c *TCPClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// State returns the current connection state and the fault that caused
// the last transition to Faulted, if any.
func (c *TCPClient) State() (ConnState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.lastErr
}

// Close schließt die Verbindung
func (c *TCPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked(StateDisconnected, nil)
}

func (c *TCPClient) closeLocked(next ConnState, cause error) error {
	var err error
	if c.handler != nil {
		err = c.handler.Close()
	}
	c.handler = nil
	c.client = nil
	c.state = next
	c.lastErr = cause
	return err
}

// ReadHoldingRegisters liest Holding Registers (0x03)
func (c *TCPClient) ReadHoldingRegisters(unitID uint8, address, quantity uint16) ([]uint16, error) {
	return c.read(unitID, func(cl modbus.Client) ([]byte, error) {
		return cl.ReadHoldingRegisters(address, quantity)
	})
}

// ReadInputRegisters liest Input Registers (0x04)
func (c *TCPClient) ReadInputRegisters(unitID uint8, address, quantity uint16) ([]uint16, error) {
	return c.read(unitID, func(cl modbus.Client) ([]byte, error) {
		return cl.ReadInputRegisters(address, quantity)
	})
}

func (c *TCPClient) read(unitID uint8, fn func(modbus.Client) ([]byte, error)) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return nil, ErrNotConnected
	}

	c.handler.SlaveId = unitID
	raw, err := fn(c.client)
	if err != nil {
		var mbErr *modbus.ModbusError
		if errors.As(err, &mbErr) {
			return nil, fmt.Errorf("%w: unit %d: %v", ErrException, unitID, mbErr)
		}
		// Socket faults leave the stream in an unknown position; drop it.
		c.closeLocked(StateFaulted, err)
		return nil, fmt.Errorf("unit %d: %w", unitID, err)
	}

	return BytesToWords(raw), nil
}

// BytesToWords decodes big-endian register bytes into 16-bit words.
func BytesToWords(raw []byte) []uint16 {
	words := make([]uint16, len(raw)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(raw[i*2 : i*2+2])
	}
	return words
}
