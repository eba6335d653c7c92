package websocket

import (
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/modbus"
	"github.com/KevinKickass/OpenSolarCollector/internal/types"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Latest measurement per inverter, sent on every feeder tick
	MessageTypeSnapshot MessageType = "snapshot"

	// Result of the last scan cycle
	MessageTypeCollectorStatus MessageType = "collector_status"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// SnapshotData is the payload of a snapshot message.
type SnapshotData struct {
	Devices    []types.Measurement `json:"devices"`
	TotalPower float64             `json:"total_power"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func NewSnapshotMessage(rows []types.Measurement) Message {
	if rows == nil {
		rows = []types.Measurement{}
	}
	var total float64
	for _, m := range rows {
		total += m.Power
	}
	return NewMessage(MessageTypeSnapshot, SnapshotData{Devices: rows, TotalPower: total})
}

func NewCollectorStatusMessage(status modbus.CycleStatus) Message {
	return NewMessage(MessageTypeCollectorStatus, status)
}
