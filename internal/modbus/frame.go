package modbus

import (
	"encoding/binary"
	"fmt"
)

// MBAP Header (7 Bytes) + Function Code + Data
type Frame struct {
	TransactionID uint16 // Request/Response Korrelation
	ProtocolID    uint16 // immer 0x0000 für Modbus
	Length        uint16 // Anzahl folgender Bytes
	UnitID        uint8  // Slave Address
	FunctionCode  uint8
	Data          []byte
}

const (
	FuncCodeReadHoldingRegisters = 0x03
	FuncCodeReadInputRegisters   = 0x04

	mbapHeaderSize = 7
	maxFrameSize   = 260
)

// Exception codes used by the simulator
const (
	ExceptionIllegalFunction    = 0x01
	ExceptionIllegalDataAddress = 0x02
	ExceptionIllegalDataValue   = 0x03
	ExceptionGatewayNoResponse  = 0x0B
)

// Encode erstellt das komplette TCP Frame
func (f *Frame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2) // UnitID + FunctionCode

	frame := make([]byte, mbapHeaderSize+1+len(f.Data))
	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	frame[6] = f.UnitID
	frame[7] = f.FunctionCode
	copy(frame[8:], f.Data)

	return frame
}

// DecodeFrame parst ein empfangenes Frame
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < mbapHeaderSize+1 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	frame := &Frame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		FunctionCode:  data[7],
	}

	if frame.ProtocolID != 0x0000 {
		return nil, fmt.Errorf("invalid protocol ID: 0x%04X", frame.ProtocolID)
	}
	if int(frame.Length) != len(data)-6 {
		return nil, fmt.Errorf("length mismatch: header %d, payload %d", frame.Length, len(data)-6)
	}

	if len(data) > 8 {
		frame.Data = data[8:]
	}

	return frame, nil
}

// ParseReadRequest extracts start address and quantity of a 0x03/0x04 request.
func (f *Frame) ParseReadRequest() (uint16, uint16, error) {
	if len(f.Data) != 4 {
		return 0, 0, fmt.Errorf("read request needs 4 data bytes, got %d", len(f.Data))
	}
	return binary.BigEndian.Uint16(f.Data[0:2]), binary.BigEndian.Uint16(f.Data[2:4]), nil
}

// RegisterResponse builds the reply to a read request.
func (f *Frame) RegisterResponse(values []uint16) *Frame {
	data := make([]byte, 1+len(values)*2)
	data[0] = byte(len(values) * 2)
	for i, v := range values {
		binary.BigEndian.PutUint16(data[1+i*2:], v)
	}

	return &Frame{
		TransactionID: f.TransactionID,
		UnitID:        f.UnitID,
		FunctionCode:  f.FunctionCode,
		Data:          data,
	}
}

// ExceptionResponse builds an exception reply (function code | 0x80).
func (f *Frame) ExceptionResponse(code byte) *Frame {
	return &Frame{
		TransactionID: f.TransactionID,
		UnitID:        f.UnitID,
		FunctionCode:  f.FunctionCode | 0x80,
		Data:          []byte{code},
	}
}
