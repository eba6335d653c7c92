package types

import "time"

// Modbus unit identifier range
const (
	MinDeviceID = 1
	MaxDeviceID = 247
)

// Measurement is one successful poll of one inverter.
type Measurement struct {
	DeviceID    int       `json:"device_id"`
	Timestamp   time.Time `json:"timestamp"`
	Power       float64   `json:"power"`       // W
	Voltage     float64   `json:"voltage"`     // V
	Current     float64   `json:"current"`     // A
	Temperature float64   `json:"temperature"` // °C
	FaultCode   uint32    `json:"fault_code"`
	FaultCode2  uint32    `json:"fault_code2"`
}

// ValidDeviceID reports whether id is an addressable Modbus unit.
func ValidDeviceID(id int) bool {
	return id >= MinDeviceID && id <= MaxDeviceID
}
