package types

import (
	"fmt"
	"time"
)

// RegisterMap tells the poller where each quantity lives on the inverter
// and how to scale the raw register word into a physical unit.
type RegisterMap struct {
	PowerAddr        uint16  `json:"power_addr" yaml:"power_addr"`
	PowerScale       float64 `json:"power_scale" yaml:"power_scale"`
	VoltageAddr      uint16  `json:"voltage_addr" yaml:"voltage_addr"`
	VoltageScale     float64 `json:"voltage_scale" yaml:"voltage_scale"`
	CurrentAddr      uint16  `json:"current_addr" yaml:"current_addr"`
	CurrentScale     float64 `json:"current_scale" yaml:"current_scale"`
	TemperatureAddr  uint16  `json:"temperature_addr" yaml:"temperature_addr"`
	TemperatureScale float64 `json:"temperature_scale" yaml:"temperature_scale"`

	// Fault/alarm registers are optional. Words is 1 or 2; 0 means 1.
	FaultAddr   *uint16 `json:"fault_addr,omitempty" yaml:"fault_addr,omitempty"`
	FaultWords  uint16  `json:"fault_words,omitempty" yaml:"fault_words,omitempty"`
	FaultAddr2  *uint16 `json:"fault_addr2,omitempty" yaml:"fault_addr2,omitempty"`
	FaultWords2 uint16  `json:"fault_words2,omitempty" yaml:"fault_words2,omitempty"`

	// InputFallback retries with input registers (0x04) when the
	// device rejects the holding register read of the power value.
	InputFallback bool `json:"input_fallback" yaml:"input_fallback"`
}

// DefaultRegisterMap matches the WaveShare gateway wiring used on site.
func DefaultRegisterMap() RegisterMap {
	return RegisterMap{
		PowerAddr:        16,
		PowerScale:       1.0,
		VoltageAddr:      0,
		VoltageScale:     0.1,
		CurrentAddr:      1,
		CurrentScale:     0.1,
		TemperatureAddr:  4,
		TemperatureScale: 1.0,
		InputFallback:    true,
	}
}

// CollectorSettings is the runtime configuration the scheduler reloads
// on every cycle.
type CollectorSettings struct {
	TargetIP    string        `json:"target_ip"`
	TargetPort  int           `json:"target_port"`
	DeviceIDs   []int         `json:"device_ids"`
	Interval    time.Duration `json:"interval"`
	RegisterMap RegisterMap   `json:"register_map"`
}

// Address returns the gateway address in host:port form.
func (s CollectorSettings) Address() string {
	return fmt.Sprintf("%s:%d", s.TargetIP, s.TargetPort)
}
