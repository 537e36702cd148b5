// Package obd holds the mode 01 parameter table and turns adapter frames
// into physical values.
package obd

import "sort"

// PID is a mode+parameter request, e.g. "010C". It is sent to the adapter verbatim.
type PID string

const (
	EngineLoad        PID = "0104"
	CoolantTemp       PID = "0105"
	ShortFuelTrimB1   PID = "0106"
	LongFuelTrimB1    PID = "0107"
	ShortFuelTrimB2   PID = "0108"
	LongFuelTrimB2    PID = "0109"
	FuelPressure      PID = "010A"
	IntakePressure    PID = "010B"
	EngineRPM         PID = "010C"
	VehicleSpeed      PID = "010D"
	TimingAdvance     PID = "010E"
	IntakeTemp        PID = "010F"
	MAFRate           PID = "0110"
	ThrottlePosition  PID = "0111"
	O2SensorB1S1      PID = "0114"
	O2SensorB1S2      PID = "0115"
	RuntimeSinceStart PID = "011F"
	DistanceWithMIL   PID = "0121"
	DistanceSinceClr  PID = "0131"
	CatalystTempB1S1  PID = "013C"
	ModuleVoltage     PID = "0142"
)

// ReadCodes requests stored trouble codes (mode 03). It has no registry entry.
const ReadCodes = "03"

// DecodeKind selects how a raw integer becomes a physical value.
type DecodeKind int

const (
	// Direct passes the raw integer through.
	Direct DecodeKind = iota
	// Linear computes raw*Multiplier/Divisor + Bias.
	Linear
	// Offset computes (raw-Offset)*Multiplier/Divisor + Bias.
	Offset
)

func (k DecodeKind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Linear:
		return "linear"
	case Offset:
		return "offset"
	}
	return "unknown"
}

// Formula is a closed decode strategy. A zero Multiplier or Divisor counts as 1.
type Formula struct {
	Kind       DecodeKind
	Multiplier float64
	Divisor    float64
	Offset     float64
	Bias       float64
}

// Level is the classification of a value against a parameter's thresholds.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	}
	return "normal"
}

// ParameterSpec describes one parameter. Nil thresholds disable that side
// of the classification.
type ParameterSpec struct {
	ID      PID
	Name    string
	Unit    string
	Bytes   int // data bytes in a single-ECU reply
	Formula Formula

	CriticalHigh *float64
	CriticalLow  *float64
	WarningHigh  *float64
	WarningLow   *float64
}

// Classify judges v against the parameter's thresholds. Critical bounds take
// precedence and are inclusive on the high side, like the coolant rules.
func (s ParameterSpec) Classify(v float64) Level {
	switch {
	case s.CriticalHigh != nil && v >= *s.CriticalHigh:
		return LevelCritical
	case s.CriticalLow != nil && v < *s.CriticalLow:
		return LevelCritical
	case s.WarningHigh != nil && v >= *s.WarningHigh:
		return LevelWarning
	case s.WarningLow != nil && v < *s.WarningLow:
		return LevelWarning
	}
	return LevelNormal
}

func f(v float64) *float64 { return &v }

var (
	celsiusToF    = Formula{Kind: Offset, Offset: 40, Multiplier: 9, Divisor: 5, Bias: 32}
	percentOf255  = Formula{Kind: Linear, Multiplier: 100, Divisor: 255}
	fuelTrim      = Formula{Kind: Offset, Offset: 128, Multiplier: 100, Divisor: 128}
	kilometerToMi = Formula{Kind: Linear, Multiplier: 0.621371}
)

var registry = buildRegistry([]ParameterSpec{
	{ID: EngineLoad, Name: "Engine Load", Unit: "%", Bytes: 1, Formula: percentOf255,
		WarningHigh: f(90)},
	{ID: CoolantTemp, Name: "Coolant Temperature", Unit: "°F", Bytes: 1, Formula: celsiusToF,
		CriticalHigh: f(230), WarningHigh: f(220)},
	{ID: ShortFuelTrimB1, Name: "Short Term Fuel Trim Bank 1", Unit: "%", Bytes: 1, Formula: fuelTrim,
		WarningHigh: f(25), WarningLow: f(-25)},
	{ID: LongFuelTrimB1, Name: "Long Term Fuel Trim Bank 1", Unit: "%", Bytes: 1, Formula: fuelTrim,
		WarningHigh: f(20), WarningLow: f(-20)},
	{ID: ShortFuelTrimB2, Name: "Short Term Fuel Trim Bank 2", Unit: "%", Bytes: 1, Formula: fuelTrim,
		WarningHigh: f(25), WarningLow: f(-25)},
	{ID: LongFuelTrimB2, Name: "Long Term Fuel Trim Bank 2", Unit: "%", Bytes: 1, Formula: fuelTrim,
		WarningHigh: f(20), WarningLow: f(-20)},
	{ID: FuelPressure, Name: "Fuel Pressure", Unit: "kPa", Bytes: 1,
		Formula: Formula{Kind: Linear, Multiplier: 3}},
	{ID: IntakePressure, Name: "Intake Manifold Pressure", Unit: "kPa", Bytes: 1,
		Formula: Formula{Kind: Direct}},
	{ID: EngineRPM, Name: "Engine RPM", Unit: "RPM", Bytes: 2,
		Formula: Formula{Kind: Linear, Divisor: 4}, WarningHigh: f(6000), CriticalHigh: f(7000)},
	{ID: VehicleSpeed, Name: "Vehicle Speed", Unit: "MPH", Bytes: 1, Formula: kilometerToMi},
	{ID: TimingAdvance, Name: "Timing Advance", Unit: "°", Bytes: 1,
		Formula: Formula{Kind: Offset, Offset: 128, Divisor: 2}},
	{ID: IntakeTemp, Name: "Intake Air Temperature", Unit: "°F", Bytes: 1, Formula: celsiusToF,
		WarningHigh: f(160)},
	{ID: MAFRate, Name: "Mass Air Flow", Unit: "g/s", Bytes: 2,
		Formula: Formula{Kind: Linear, Divisor: 100}},
	{ID: ThrottlePosition, Name: "Throttle Position", Unit: "%", Bytes: 1, Formula: percentOf255},
	{ID: O2SensorB1S1, Name: "O2 Sensor Bank 1 Sensor 1", Unit: "V", Bytes: 1,
		Formula: Formula{Kind: Linear, Divisor: 200}},
	{ID: O2SensorB1S2, Name: "O2 Sensor Bank 1 Sensor 2", Unit: "V", Bytes: 1,
		Formula: Formula{Kind: Linear, Divisor: 200}},
	{ID: RuntimeSinceStart, Name: "Run Time Since Start", Unit: "s", Bytes: 2,
		Formula: Formula{Kind: Direct}},
	{ID: DistanceWithMIL, Name: "Distance With MIL On", Unit: "mi", Bytes: 2, Formula: kilometerToMi},
	{ID: DistanceSinceClr, Name: "Distance Since Codes Cleared", Unit: "mi", Bytes: 2, Formula: kilometerToMi},
	{ID: CatalystTempB1S1, Name: "Catalyst Temperature Bank 1 Sensor 1", Unit: "°C", Bytes: 2,
		Formula: Formula{Kind: Offset, Offset: 400, Divisor: 10}, WarningHigh: f(850), CriticalHigh: f(950)},
	{ID: ModuleVoltage, Name: "Control Module Voltage", Unit: "V", Bytes: 2,
		Formula: Formula{Kind: Linear, Divisor: 1000}, CriticalLow: f(12.0), WarningLow: f(12.5)},
})

func buildRegistry(specs []ParameterSpec) map[PID]ParameterSpec {
	m := make(map[PID]ParameterSpec, len(specs))
	for _, s := range specs {
		if _, dup := m[s.ID]; dup {
			panic("obd: duplicate parameter " + string(s.ID))
		}
		m[s.ID] = s
	}
	return m
}

// Lookup returns the parameter definition for id.
func Lookup(id PID) (ParameterSpec, bool) {
	s, ok := registry[id]
	return s, ok
}

// All returns every registered parameter ordered by PID.
func All() []ParameterSpec {
	out := make([]ParameterSpec, 0, len(registry))
	for _, s := range registry {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PolledPIDs is the fixed set read every cycle, in issue order.
func PolledPIDs() []PID {
	return []PID{
		EngineRPM, VehicleSpeed, CoolantTemp, EngineLoad, ThrottlePosition,
		IntakeTemp, MAFRate,
		ShortFuelTrimB1, LongFuelTrimB1, ShortFuelTrimB2, LongFuelTrimB2,
		ModuleVoltage,
	}
}
