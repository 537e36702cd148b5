// Package alert turns readings into deduplicated, severity-ranked alerts.
package alert

import (
	"fmt"
	"math"
	"time"

	"github.com/shaunagostinho/obdmon/internal/model"
	"github.com/shaunagostinho/obdmon/internal/obd"
)

// Alert titles. Deduplication is keyed on the title.
const (
	TitleCoolantCritical   = "CRITICAL: Coolant Temperature"
	TitleCoolantHigh       = "High Coolant Temperature"
	TitleVoltageCritical   = "Critical Battery Voltage"
	TitleVoltageLow        = "Low Battery Voltage"
	TitleDeviceOverheating = "Phone Overheating"
	TitleFuelTrim          = "Extreme Fuel Trim"
	TitleTempCorrelation   = "Temperature Correlation Issue"
	TitleConnectionFailed  = "OBD Connection Failed"
)

// Policy holds alert thresholds and the duplicate window.
type Policy struct {
	CoolantWarningF   float64 `yaml:"coolant_warning_f" json:"coolantWarningF"`
	CoolantCriticalF  float64 `yaml:"coolant_critical_f" json:"coolantCriticalF"`
	VoltageWarning    float64 `yaml:"voltage_warning" json:"voltageWarning"`
	VoltageCritical   float64 `yaml:"voltage_critical" json:"voltageCritical"`
	FuelTrimLimit     float64 `yaml:"fuel_trim_limit" json:"fuelTrimLimit"`
	DifferentialMinF  float64 `yaml:"differential_min_f" json:"differentialMinF"`
	DifferentialMaxF  float64 `yaml:"differential_max_f" json:"differentialMaxF"`
	DifferentialHeatF float64 `yaml:"differential_heat_f" json:"differentialHeatF"`
	DedupWindowSec    int     `yaml:"dedup_window_s" json:"dedupWindowS"`
	HistorySize       int     `yaml:"history_size" json:"historySize"`
}

// DefaultPolicy takes its thresholds from the parameter registry.
func DefaultPolicy() Policy {
	coolant, _ := obd.Lookup(obd.CoolantTemp)
	volts, _ := obd.Lookup(obd.ModuleVoltage)
	trim, _ := obd.Lookup(obd.LongFuelTrimB1)
	return Policy{
		CoolantWarningF:   *coolant.WarningHigh,
		CoolantCriticalF:  *coolant.CriticalHigh,
		VoltageWarning:    *volts.WarningLow,
		VoltageCritical:   *volts.CriticalLow,
		FuelTrimLimit:     *trim.WarningHigh,
		DifferentialMinF:  20,
		DifferentialMaxF:  200,
		DifferentialHeatF: 220,
		DedupWindowSec:    300,
		HistorySize:       20,
	}
}

// DedupWindow is the suppression window for identical titles.
func (p Policy) DedupWindow() time.Duration {
	return time.Duration(p.DedupWindowSec) * time.Second
}

// Evaluate applies every rule to r and drops alerts whose title already
// appears in history within the duplicate window. history is newest first;
// only its first HistorySize entries are consulted.
func Evaluate(r model.Reading, history []model.Alert, p Policy) []model.Alert {
	return Suppress(Candidates(r, p), r.Timestamp, history, p)
}

// Candidates applies every rule to r without deduplication.
func Candidates(r model.Reading, p Policy) []model.Alert {
	var out []model.Alert
	ts := r.Timestamp

	if c := r.CoolantTemp; c != nil {
		switch {
		case *c >= p.CoolantCriticalF:
			out = append(out, newAlert(ts, model.SeverityCritical, model.CategoryCoolant, TitleCoolantCritical,
				fmt.Sprintf("Coolant temperature is %.0f°F. Pull over safely and turn off the engine.", *c),
				obd.CoolantTemp, *c))
		case *c >= p.CoolantWarningF:
			out = append(out, newAlert(ts, model.SeverityWarning, model.CategoryCoolant, TitleCoolantHigh,
				fmt.Sprintf("Coolant temperature is %.0f°F. Reduce engine load and watch the gauge.", *c),
				obd.CoolantTemp, *c))
		}
	}

	if v := r.BatteryVoltage; v != nil {
		switch {
		case *v < p.VoltageCritical:
			out = append(out, newAlert(ts, model.SeverityCritical, model.CategoryElectrical, TitleVoltageCritical,
				fmt.Sprintf("System voltage is %.1fV. The charging system may have failed.", *v),
				obd.ModuleVoltage, *v))
		case *v < p.VoltageWarning:
			out = append(out, newAlert(ts, model.SeverityWarning, model.CategoryElectrical, TitleVoltageLow,
				fmt.Sprintf("System voltage is %.1fV. Check the battery and alternator.", *v),
				obd.ModuleVoltage, *v))
		}
	}

	if r.DeviceOverheating {
		msg := "Device temperature is high. Move the phone out of direct sunlight."
		a := newAlert(ts, model.SeverityWarning, model.CategoryDeviceSafety, TitleDeviceOverheating, msg, "", 0)
		if r.AmbientTemp != nil {
			a.Value = model.Float(*r.AmbientTemp)
			a.Message = fmt.Sprintf("Device temperature is %.0f°F. Move the phone out of direct sunlight.", *r.AmbientTemp)
		}
		out = append(out, a)
	}

	if a, ok := fuelTrimAlert(r, p); ok {
		out = append(out, a)
	}

	if a, ok := correlationAlert(r, p); ok {
		out = append(out, a)
	}
	return out
}

// fuelTrimAlert reports the bank with the larger long-term correction.
func fuelTrimAlert(r model.Reading, p Policy) (model.Alert, bool) {
	bank, pid, trim := 0, obd.PID(""), 0.0
	for i, b := range []struct {
		v   *float64
		pid obd.PID
	}{{r.LongFuelTrimBank1, obd.LongFuelTrimB1}, {r.LongFuelTrimBank2, obd.LongFuelTrimB2}} {
		if b.v != nil && math.Abs(*b.v) > p.FuelTrimLimit && math.Abs(*b.v) > math.Abs(trim) {
			bank, pid, trim = i+1, b.pid, *b.v
		}
	}
	if bank == 0 {
		return model.Alert{}, false
	}
	cond := "lean"
	if trim < 0 {
		cond = "rich"
	}
	return newAlert(r.Timestamp, model.SeverityWarning, model.CategoryFuelSystem, TitleFuelTrim,
		fmt.Sprintf("Long-term fuel trim bank %d is %+.1f%%, a %s condition. Check for vacuum leaks, the MAF sensor and fuel pressure.",
			bank, trim, cond),
		pid, trim), true
}

// correlationAlert compares coolant with ambient temperature. An abnormal
// differential without a known cause raises nothing.
func correlationAlert(r model.Reading, p Policy) (model.Alert, bool) {
	if r.CoolantTemp == nil || r.AmbientTemp == nil {
		return model.Alert{}, false
	}
	coolant, ambient := *r.CoolantTemp, *r.AmbientTemp
	diff := coolant - ambient
	if diff >= p.DifferentialMinF && diff <= p.DifferentialMaxF {
		return model.Alert{}, false
	}

	var cause string
	switch {
	case diff < p.DifferentialMinF:
		cause = "Engine not reaching operating temperature"
	case diff > p.DifferentialHeatF:
		cause = "Excessive engine bay heat - check cooling system"
	case coolant > p.CoolantWarningF:
		cause = "Coolant temperature high"
	default:
		return model.Alert{}, false
	}
	return newAlert(r.Timestamp, model.SeverityWarning, model.CategoryCoolant, TitleTempCorrelation,
		fmt.Sprintf("Coolant %.0f°F vs ambient %.0f°F (difference %.0f°F): %s.", coolant, ambient, diff, cause),
		obd.CoolantTemp, diff), true
}

// Suppress drops candidates whose title appears in history within the
// window ending at now.
func Suppress(candidates []model.Alert, now time.Time, history []model.Alert, p Policy) []model.Alert {
	if len(candidates) == 0 {
		return nil
	}
	if p.HistorySize > 0 && len(history) > p.HistorySize {
		history = history[:p.HistorySize]
	}
	since := now.Add(-p.DedupWindow())

	recent := make(map[string]bool, len(history))
	for _, h := range history {
		if h.Timestamp.After(since) {
			recent[h.Title] = true
		}
	}
	var out []model.Alert
	for _, c := range candidates {
		if recent[c.Title] {
			continue
		}
		recent[c.Title] = true
		out = append(out, c)
	}
	return out
}

// ConnectionFailed is raised when the adapter cannot be reached. The
// transport error is logged elsewhere and deliberately left out.
func ConnectionFailed(identity string, now time.Time) model.Alert {
	return model.Alert{
		Timestamp: now,
		Severity:  model.SeverityWarning,
		Category:  model.CategoryOther,
		Title:     TitleConnectionFailed,
		Message:   fmt.Sprintf("Could not connect to the OBD adapter at %s. Check that it is plugged in and the ignition is on.", identity),
	}
}

// TroubleCode is raised for a newly reported diagnostic trouble code.
func TroubleCode(code, description string, now time.Time) model.Alert {
	return model.Alert{
		Timestamp:  now,
		Severity:   model.SeverityWarning,
		Category:   model.CategoryEngine,
		Title:      "Trouble Code " + code,
		Message:    fmt.Sprintf("%s: %s", code, description),
		RelatedPID: obd.ReadCodes,
	}
}

func newAlert(ts time.Time, sev model.Severity, cat model.Category, title, msg string, pid obd.PID, v float64) model.Alert {
	a := model.Alert{Timestamp: ts, Severity: sev, Category: cat, Title: title, Message: msg}
	if pid != "" {
		a.RelatedPID = string(pid)
		a.Value = model.Float(v)
	}
	return a
}
