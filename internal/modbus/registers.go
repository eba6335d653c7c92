package modbus

import (
	"sort"

	"github.com/KevinKickass/OpenSolarCollector/internal/types"
)

// Requirement decides what a failed read of a group does to the device.
type Requirement int

const (
	// Required groups void the whole device for this cycle when they fail.
	Required Requirement = iota
	// Optional groups degrade to zero when they fail.
	Optional
)

func (r Requirement) String() string {
	if r == Required {
		return "required"
	}
	return "optional"
}

// Field names a quantity inside a register group.
type Field string

const (
	FieldPower       Field = "power"
	FieldVoltage     Field = "voltage"
	FieldCurrent     Field = "current"
	FieldTemperature Field = "temperature"
	FieldFault       Field = "fault"
	FieldFault2      Field = "fault2"
)

// RegisterGroup is one read request. Fields maps a quantity to its word
// offset inside the group.
type RegisterGroup struct {
	Name        string
	Address     uint16
	Words       uint16
	Requirement Requirement
	Fields      map[Field]uint16
}

// GroupResult is the tagged outcome of reading one group.
type GroupResult struct {
	Group  RegisterGroup
	Values []uint16
	Err    error
}

// Failed reports whether the read did not produce usable words.
func (r GroupResult) Failed() bool {
	return r.Err != nil || len(r.Values) < int(r.Group.Words)
}

// VoidsDevice reports whether this result discards the whole device.
func (r GroupResult) VoidsDevice() bool {
	return r.Failed() && r.Group.Requirement == Required
}

// Word returns the raw word for a field, or 0 when the read failed.
func (r GroupResult) Word(f Field) (uint16, bool) {
	offset, ok := r.Group.Fields[f]
	if !ok || r.Failed() || int(offset) >= len(r.Values) {
		return 0, false
	}
	return r.Values[offset], true
}

// Uint32 returns the group value as a 1- or 2-word integer, 0 on failure.
func (r GroupResult) Uint32() uint32 {
	if r.Failed() {
		return 0
	}
	if r.Group.Words >= 2 {
		return CombineWords(r.Values[0], r.Values[1])
	}
	return uint32(r.Values[0])
}

// Scale converts a raw register word into a physical value.
func Scale(raw uint16, factor float64) float64 {
	return float64(raw) * factor
}

// CombineWords joins a high and low word into one 32-bit value.
func CombineWords(high, low uint16) uint32 {
	return uint32(high)<<16 | uint32(low)
}

// coreAddresses returns the four core addresses keyed by field.
func coreAddresses(rm types.RegisterMap) map[Field]uint16 {
	return map[Field]uint16{
		FieldPower:       rm.PowerAddr,
		FieldVoltage:     rm.VoltageAddr,
		FieldCurrent:     rm.CurrentAddr,
		FieldTemperature: rm.TemperatureAddr,
	}
}

// CoreBlock returns a single Required group covering all four core
// registers when their addresses form a contiguous run of four.
func CoreBlock(rm types.RegisterMap) (RegisterGroup, bool) {
	addrs := coreAddresses(rm)
	sorted := make([]int, 0, len(addrs))
	for _, a := range addrs {
		sorted = append(sorted, int(a))
	}
	sort.Ints(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] != sorted[i-1]+1 {
			return RegisterGroup{}, false
		}
	}

	start := uint16(sorted[0])
	fields := make(map[Field]uint16, len(addrs))
	for f, a := range addrs {
		fields[f] = a - start
	}
	return RegisterGroup{
		Name:        "core",
		Address:     start,
		Words:       4,
		Requirement: Required,
		Fields:      fields,
	}, true
}

// CoreGroups returns the per-register groups used when the core
// registers are scattered. Power comes first and is Required.
func CoreGroups(rm types.RegisterMap) []RegisterGroup {
	single := func(f Field, addr uint16, req Requirement) RegisterGroup {
		return RegisterGroup{
			Name:        string(f),
			Address:     addr,
			Words:       1,
			Requirement: req,
			Fields:      map[Field]uint16{f: 0},
		}
	}
	return []RegisterGroup{
		single(FieldPower, rm.PowerAddr, Required),
		single(FieldVoltage, rm.VoltageAddr, Optional),
		single(FieldCurrent, rm.CurrentAddr, Optional),
		single(FieldTemperature, rm.TemperatureAddr, Optional),
	}
}

// FaultGroups returns the configured fault/alarm register groups.
func FaultGroups(rm types.RegisterMap) []RegisterGroup {
	var groups []RegisterGroup
	add := func(f Field, addr *uint16, words uint16) {
		if addr == nil {
			return
		}
		if words != 2 {
			words = 1
		}
		groups = append(groups, RegisterGroup{
			Name:        string(f),
			Address:     *addr,
			Words:       words,
			Requirement: Optional,
			Fields:      map[Field]uint16{f: 0},
		})
	}
	add(FieldFault, rm.FaultAddr, rm.FaultWords)
	add(FieldFault2, rm.FaultAddr2, rm.FaultWords2)
	return groups
}

// BuildMeasurement scales the collected group results. It returns false
// when a Required group failed.
func BuildMeasurement(deviceID int, rm types.RegisterMap, results []GroupResult) (types.Measurement, bool) {
	m := types.Measurement{DeviceID: deviceID}
	scales := map[Field]float64{
		FieldPower:       rm.PowerScale,
		FieldVoltage:     rm.VoltageScale,
		FieldCurrent:     rm.CurrentScale,
		FieldTemperature: rm.TemperatureScale,
	}
	targets := map[Field]*float64{
		FieldPower:       &m.Power,
		FieldVoltage:     &m.Voltage,
		FieldCurrent:     &m.Current,
		FieldTemperature: &m.Temperature,
	}

	for _, r := range results {
		if r.VoidsDevice() {
			return types.Measurement{}, false
		}
		for f := range r.Group.Fields {
			switch f {
			case FieldFault:
				m.FaultCode = r.Uint32()
			case FieldFault2:
				m.FaultCode2 = r.Uint32()
			default:
				if raw, ok := r.Word(f); ok {
					*targets[f] = Scale(raw, scales[f])
				}
			}
		}
	}
	return m, true
}
