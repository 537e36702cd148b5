package model

import (
	"strings"
	"time"
)

// Reading is one polling cycle's worth of decoded engine parameters plus the
// ambient-sensor snapshot taken when the cycle was assembled.
//
// Pointer fields are nil when the parameter could not be read; a nil value is
// never replaced by zero.
type Reading struct {
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	TripID    string    `json:"tripId,omitempty"`

	// Engine
	EngineRPM        *float64 `json:"engineRpm,omitempty"`        // RPM
	VehicleSpeed     *float64 `json:"vehicleSpeed,omitempty"`     // MPH
	CoolantTemp      *float64 `json:"coolantTemp,omitempty"`      // °F
	EngineLoad       *float64 `json:"engineLoad,omitempty"`       // %
	ThrottlePosition *float64 `json:"throttlePosition,omitempty"` // %
	IntakeTemp       *float64 `json:"intakeTemp,omitempty"`       // °F
	MAFRate          *float64 `json:"mafRate,omitempty"`          // g/s

	// Fuel system (%)
	ShortFuelTrimBank1 *float64 `json:"shortFuelTrimBank1,omitempty"`
	LongFuelTrimBank1  *float64 `json:"longFuelTrimBank1,omitempty"`
	ShortFuelTrimBank2 *float64 `json:"shortFuelTrimBank2,omitempty"`
	LongFuelTrimBank2  *float64 `json:"longFuelTrimBank2,omitempty"`

	// Electrical
	BatteryVoltage *float64 `json:"batteryVoltage,omitempty"` // V

	// Ambient sensor
	AmbientTemp       *float64 `json:"ambientTemp,omitempty"` // °F
	DeviceOverheating bool     `json:"deviceOverheating"`
}

// Float returns a pointer to v. Used when assembling readings by hand.
func Float(v float64) *float64 { return &v }

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Notifiable reports whether alerts of this severity are pushed to the operator.
func (s Severity) Notifiable() bool {
	return s == SeverityWarning || s == SeverityCritical
}

// Category groups alerts by the subsystem that raised them.
type Category string

const (
	CategoryCoolant      Category = "COOLANT"
	CategoryEngine       Category = "ENGINE"
	CategoryFuelSystem   Category = "FUEL_SYSTEM"
	CategoryElectrical   Category = "ELECTRICAL"
	CategorySensors      Category = "SENSORS"
	CategoryMaintenance  Category = "MAINTENANCE"
	CategoryDeviceSafety Category = "DEVICE_SAFETY"
	CategoryOther        Category = "OTHER"
)

// Alert is an operator-facing anomaly. Only Acknowledged changes after creation.
type Alert struct {
	ID           int64     `json:"id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Severity     Severity  `json:"severity"`
	Category     Category  `json:"category"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	Acknowledged bool      `json:"acknowledged"`
	RelatedPID   string    `json:"relatedPid,omitempty"`
	Value        *float64  `json:"value,omitempty"`
}

// TripSummary aggregates one monitoring session. EndTime is nil while the
// trip is open; at most one trip is open at a time.
type TripSummary struct {
	TripID    string     `json:"tripId"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	Samples        int      `json:"samples"`
	DistanceMiles  float64  `json:"distanceMiles"`
	AvgSpeed       *float64 `json:"avgSpeed,omitempty"`
	MaxSpeed       *float64 `json:"maxSpeed,omitempty"`
	AvgRPM         *float64 `json:"avgRpm,omitempty"`
	MaxRPM         *float64 `json:"maxRpm,omitempty"`
	AvgCoolantTemp *float64 `json:"avgCoolantTemp,omitempty"`
	MaxCoolantTemp *float64 `json:"maxCoolantTemp,omitempty"`
	AvgEngineLoad  *float64 `json:"avgEngineLoad,omitempty"`
	AvgFuelTrim    *float64 `json:"avgFuelTrim,omitempty"`

	HardAccelerations int           `json:"hardAccelerations"`
	HardBraking       int           `json:"hardBraking"`
	IdleTime          time.Duration `json:"idleTime"`
}

// Open reports whether the trip has not been closed yet.
func (t *TripSummary) Open() bool { return t.EndTime == nil }

// MaintenanceType names a kind of service work.
type MaintenanceType string

const (
	MaintenanceOilChange    MaintenanceType = "OIL_CHANGE"
	MaintenanceTransFluid   MaintenanceType = "TRANSMISSION_FLUID"
	MaintenanceCoolantFlush MaintenanceType = "COOLANT_FLUSH"
	MaintenanceAirFilter    MaintenanceType = "AIR_FILTER"
	MaintenanceSparkPlugs   MaintenanceType = "SPARK_PLUGS"
	MaintenanceO2Sensor     MaintenanceType = "O2_SENSOR"
	MaintenanceMAFCleaning  MaintenanceType = "MAF_CLEANING"
	MaintenanceBattery      MaintenanceType = "BATTERY"
	MaintenanceTires        MaintenanceType = "TIRES"
	MaintenanceBrakes       MaintenanceType = "BRAKES"
	MaintenanceOther        MaintenanceType = "OTHER"
)

// MaintenanceTypes lists every known type in display order.
var MaintenanceTypes = []MaintenanceType{
	MaintenanceOilChange, MaintenanceTransFluid, MaintenanceCoolantFlush,
	MaintenanceAirFilter, MaintenanceSparkPlugs, MaintenanceO2Sensor,
	MaintenanceMAFCleaning, MaintenanceBattery, MaintenanceTires,
	MaintenanceBrakes, MaintenanceOther,
}

// ParseMaintenanceType accepts the canonical name in any case.
func ParseMaintenanceType(s string) (MaintenanceType, bool) {
	for _, t := range MaintenanceTypes {
		if strings.EqualFold(string(t), s) {
			return t, true
		}
	}
	return "", false
}

// MaintenanceEvent is a record of service work, done or scheduled.
type MaintenanceEvent struct {
	ID             int64           `json:"id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Mileage        *int            `json:"mileage,omitempty"`
	Type           MaintenanceType `json:"type"`
	Description    string          `json:"description"`
	Notes          string          `json:"notes,omitempty"`
	Cost           *float64        `json:"cost,omitempty"`
	NextDueDate    *time.Time      `json:"nextDueDate,omitempty"`
	NextDueMileage *int            `json:"nextDueMileage,omitempty"`
	Completed      bool            `json:"completed"`
}

// DiagnosticCode is a trouble code reported by the engine controller.
type DiagnosticCode struct {
	ID          int64      `json:"id,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	Code        string     `json:"code"`
	Description string     `json:"description"`
	Severity    Severity   `json:"severity"`
	Cleared     bool       `json:"cleared"`
	ClearedAt   *time.Time `json:"clearedAt,omitempty"`
}
