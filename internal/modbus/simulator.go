package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
)

// SimUnit is one simulated slave behind the gateway.
type SimUnit struct {
	Holding map[uint16]uint16
	Input   map[uint16]uint16
	// Faulty addresses answer with an illegal data address exception.
	Faulty map[uint16]bool
	// HoldingUnsupported makes 0x03 answer with an illegal function exception.
	HoldingUnsupported bool
	// Silent units never answer, like a dead inverter on the RS-485 bus.
	Silent bool
}

// Simulator is a minimal Modbus TCP gateway used for bench tests and the
// package tests. Unknown units answer with "gateway target failed to respond".
type Simulator struct {
	logger *zap.Logger

	mu       sync.RWMutex
	units    map[uint8]*SimUnit
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

func NewSimulator(logger *zap.Logger) *Simulator {
	return &Simulator{
		logger: logger,
		units:  make(map[uint8]*SimUnit),
		conns:  make(map[net.Conn]struct{}),
	}
}

// SetUnit installs or replaces a unit.
func (s *Simulator) SetUnit(unitID uint8, unit *SimUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if unit.Holding == nil {
		unit.Holding = make(map[uint16]uint16)
	}
	if unit.Input == nil {
		unit.Input = make(map[uint16]uint16)
	}
	if unit.Faulty == nil {
		unit.Faulty = make(map[uint16]bool)
	}
	s.units[unitID] = unit
}

// SetHolding updates a single holding register of an existing unit.
func (s *Simulator) SetHolding(unitID uint8, addr, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.units[unitID]; ok {
		u.Holding[addr] = value
	}
}

// Listen binds the simulator; use "127.0.0.1:0" for an ephemeral port.
func (s *Simulator) Listen(address string) (string, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return l.Addr().String(), nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Simulator) Serve(ctx context.Context) error {
	s.mu.RLock()
	l := s.listener
	s.mu.RUnlock()
	if l == nil {
		return errors.New("simulator: Listen not called")
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

// Close stops the listener and drops all client connections.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.conns {
		c.Close()
	}
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Simulator) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	buf := make([]byte, maxFrameSize)
	for {
		if _, err := io.ReadFull(conn, buf[:mbapHeaderSize]); err != nil {
			return
		}
		length := int(binary.BigEndian.Uint16(buf[4:6]))
		if length < 2 || mbapHeaderSize-1+length > maxFrameSize {
			s.logger.Warn("Simulator dropped malformed frame", zap.Int("length", length))
			return
		}
		if _, err := io.ReadFull(conn, buf[mbapHeaderSize:mbapHeaderSize-1+length]); err != nil {
			return
		}

		request, err := DecodeFrame(buf[:mbapHeaderSize-1+length])
		if err != nil {
			s.logger.Warn("Simulator decode failed", zap.Error(err))
			return
		}

		response := s.respond(request)
		if response == nil {
			continue
		}
		if _, err := conn.Write(response.Encode()); err != nil {
			return
		}
	}
}

func (s *Simulator) respond(req *Frame) *Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()

	unit, ok := s.units[req.UnitID]
	if !ok {
		return req.ExceptionResponse(ExceptionGatewayNoResponse)
	}
	if unit.Silent {
		return nil
	}

	var table map[uint16]uint16
	switch req.FunctionCode {
	case FuncCodeReadHoldingRegisters:
		if unit.HoldingUnsupported {
			return req.ExceptionResponse(ExceptionIllegalFunction)
		}
		table = unit.Holding
	case FuncCodeReadInputRegisters:
		table = unit.Input
	default:
		return req.ExceptionResponse(ExceptionIllegalFunction)
	}

	start, quantity, err := req.ParseReadRequest()
	if err != nil || quantity == 0 || quantity > 125 {
		return req.ExceptionResponse(ExceptionIllegalDataValue)
	}

	values := make([]uint16, quantity)
	for i := uint16(0); i < quantity; i++ {
		addr := start + i
		v, present := table[addr]
		if !present || unit.Faulty[addr] {
			return req.ExceptionResponse(ExceptionIllegalDataAddress)
		}
		values[i] = v
	}

	return req.RegisterResponse(values)
}
