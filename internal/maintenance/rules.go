// Package maintenance infers service recommendations from reading history
// and recorded maintenance events.
package maintenance

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shaunagostinho/obdmon/internal/model"
)

// Priority ranks a recommendation.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	}
	return 0
}

// Recommendation is recomputed on every request and never stored.
type Recommendation struct {
	Category    model.MaintenanceType `json:"category"`
	Priority    Priority              `json:"priority"`
	Title       string                `json:"title"`
	Description string                `json:"description"`
	Reasoning   string                `json:"reasoning"`
	CostMin     float64               `json:"costMin"`
	CostMax     float64               `json:"costMax"`
}

// Policy holds service intervals and inference thresholds.
type Policy struct {
	SevereDutyRatio      float64 `yaml:"severe_duty_ratio" json:"severeDutyRatio"`
	HighLoadPct          float64 `yaml:"high_load_pct" json:"highLoadPct"`
	LowSpeedMPH          float64 `yaml:"low_speed_mph" json:"lowSpeedMph"`
	ColdCoolantF         float64 `yaml:"cold_coolant_f" json:"coldCoolantF"`
	OilChangeDays        int     `yaml:"oil_change_days" json:"oilChangeDays"`
	OilChangeNormalMiles int     `yaml:"oil_change_normal_miles" json:"oilChangeNormalMiles"`
	OilChangeSevereMiles int     `yaml:"oil_change_severe_miles" json:"oilChangeSevereMiles"`
	CoolantHighF         float64 `yaml:"coolant_high_f" json:"coolantHighF"`
	CoolantFlushDays     int     `yaml:"coolant_flush_days" json:"coolantFlushDays"`
	FuelTrimLimit        float64 `yaml:"fuel_trim_limit" json:"fuelTrimLimit"`
	FuelTrimWindowDays   int     `yaml:"fuel_trim_window_days" json:"fuelTrimWindowDays"`
	MAFTrimSuspectPct    float64 `yaml:"maf_trim_suspect_pct" json:"mafTrimSuspectPct"`
	MAFCleaningDays      int     `yaml:"maf_cleaning_days" json:"mafCleaningDays"`
	O2SensorDays         int     `yaml:"o2_sensor_days" json:"o2SensorDays"`
	TransFluidDays       int     `yaml:"trans_fluid_days" json:"transFluidDays"`
	BatteryLowVolts      float64 `yaml:"battery_low_volts" json:"batteryLowVolts"`
	OilSampleSize        int     `yaml:"oil_sample_size" json:"oilSampleSize"`
	TrendSampleSize      int     `yaml:"trend_sample_size" json:"trendSampleSize"`
}

// DefaultPolicy returns conventional intervals for a gasoline truck engine.
func DefaultPolicy() Policy {
	return Policy{
		SevereDutyRatio:      0.7,
		HighLoadPct:          80,
		LowSpeedMPH:          25,
		ColdCoolantF:         180,
		OilChangeDays:        90,
		OilChangeNormalMiles: 5000,
		OilChangeSevereMiles: 3000,
		CoolantHighF:         220,
		CoolantFlushDays:     730,
		FuelTrimLimit:        15,
		FuelTrimWindowDays:   7,
		MAFTrimSuspectPct:    10,
		MAFCleaningDays:      365,
		O2SensorDays:         1825,
		TransFluidDays:       730,
		BatteryLowVolts:      12.5,
		OilSampleSize:        100,
		TrendSampleSize:      50,
	}
}

// Snapshot is the history a recommendation run is computed from.
type Snapshot struct {
	// RecentReadings is newest first.
	RecentReadings []model.Reading
	// HighCoolantCount counts readings above the policy's CoolantHighF.
	HighCoolantCount int
	// AvgLongFuelTrim is the bank 1 average over the trailing window, nil without data.
	AvgLongFuelTrim *float64
	// LastEvents holds the latest completed event per type.
	LastEvents map[model.MaintenanceType]*model.MaintenanceEvent
}

// SevereDutyRatio is the fraction of readings taken under severe duty: high
// load at low speed, or low speed with a cold engine. Missing values count
// as light load, highway speed and a warm engine.
func SevereDutyRatio(readings []model.Reading, p Policy) float64 {
	if len(readings) == 0 {
		return 0
	}
	severe := 0
	for _, r := range readings {
		load := valueOr(r.EngineLoad, 0)
		speed := valueOr(r.VehicleSpeed, 100)
		coolant := valueOr(r.CoolantTemp, 200)

		lowSpeed := speed < p.LowSpeedMPH
		if (load > p.HighLoadPct && lowSpeed) || (lowSpeed && coolant < p.ColdCoolantF) {
			severe++
		}
	}
	return float64(severe) / float64(len(readings))
}

// Recommend evaluates every rule and returns the results by descending
// priority. Ties keep rule order.
func Recommend(s Snapshot, p Policy, now time.Time) []Recommendation {
	var out []Recommendation
	out = append(out, oilChange(s, p, now))
	out = append(out, coolantSystem(s, p, now)...)
	out = append(out, fuelSystem(s, p)...)
	out = append(out, o2Sensors(s, p, now)...)
	out = append(out, mafSensor(s, p, now)...)
	out = append(out, transmission(s, p, now))
	out = append(out, battery(s, p))

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority.rank() > out[j].Priority.rank()
	})
	return out
}

func oilChange(s Snapshot, p Policy, now time.Time) Recommendation {
	sample := s.RecentReadings
	if p.OilSampleSize > 0 && len(sample) > p.OilSampleSize {
		sample = sample[:p.OilSampleSize]
	}
	ratio := SevereDutyRatio(sample, p)
	last := s.LastEvents[model.MaintenanceOilChange]

	rec := Recommendation{Category: model.MaintenanceOilChange, CostMin: 40, CostMax: 80}
	switch {
	case last == nil:
		rec.Priority = PriorityHigh
		rec.Title = "Oil Change - No Record Found"
		rec.Description = "No previous oil change recorded. Recommend an oil change now."
		rec.Reasoning = "Oil quality is critical to engine longevity."
	case daysSince(last, now) > p.OilChangeDays:
		rec.Priority = PriorityHigh
		rec.Title = "Oil Change Overdue (Time-Based)"
		rec.Description = fmt.Sprintf("Last oil change was %d days ago. Recommended every %d days.",
			daysSince(last, now), p.OilChangeDays)
		rec.Reasoning = "Engine oil degrades over time even with light use."
	case ratio > p.SevereDutyRatio:
		rec.Priority = PriorityMedium
		rec.Title = "Severe Duty Detected - Shortened Oil Interval"
		rec.Description = fmt.Sprintf("%d%% of recent driving was severe duty. Change oil every %d miles instead of %d.",
			int(ratio*100), p.OilChangeSevereMiles, p.OilChangeNormalMiles)
		rec.Reasoning = "Idling, short trips and heavy loads at low speed break oil down faster."
	default:
		rec.Priority = PriorityLow
		rec.Title = "Oil Change - On Schedule"
		rec.Description = fmt.Sprintf("Last oil change was %d days ago. Keep an eye on mileage.", daysSince(last, now))
		rec.Reasoning = "Driving conditions do not call for a shortened interval."
	}
	return rec
}

func coolantSystem(s Snapshot, p Policy, now time.Time) []Recommendation {
	var out []Recommendation

	avg := average(trend(s, p), func(r model.Reading) *float64 { return r.CoolantTemp })
	switch {
	case s.HighCoolantCount > 0:
		out = append(out, Recommendation{
			Category:    model.MaintenanceCoolantFlush,
			Priority:    PriorityCritical,
			Title:       "Coolant Temperature Consistently High",
			Description: fmt.Sprintf("%d readings above %.0f°F recorded. Inspect the cooling system now.", s.HighCoolantCount, p.CoolantHighF),
			Reasoning:   "High coolant temperature points to low coolant, a failing thermostat or water pump, or a blocked radiator.",
			CostMin:     100, CostMax: 500,
		})
	case avg != nil && *avg < p.ColdCoolantF:
		out = append(out, Recommendation{
			Category:    model.MaintenanceCoolantFlush,
			Priority:    PriorityMedium,
			Title:       "Engine Not Reaching Operating Temperature",
			Description: fmt.Sprintf("Average coolant temperature is %.1f°F. Normal is 190-210°F.", *avg),
			Reasoning:   "A thermostat stuck open wastes fuel and increases engine wear.",
			CostMin:     20, CostMax: 100,
		})
	}

	if last := s.LastEvents[model.MaintenanceCoolantFlush]; last == nil || daysSince(last, now) > p.CoolantFlushDays {
		out = append(out, Recommendation{
			Category:    model.MaintenanceCoolantFlush,
			Priority:    PriorityMedium,
			Title:       "Coolant Flush Due",
			Description: fmt.Sprintf("Coolant should be flushed every %d days.", p.CoolantFlushDays),
			Reasoning:   "Old coolant loses its corrosion inhibitors and attacks the radiator, heater core and water pump.",
			CostMin:     100, CostMax: 150,
		})
	}
	return out
}

func fuelSystem(s Snapshot, p Policy) []Recommendation {
	trim := s.AvgLongFuelTrim
	if trim == nil {
		return nil
	}
	switch {
	case *trim > p.FuelTrimLimit:
		return []Recommendation{{
			Category:    model.MaintenanceOther,
			Priority:    PriorityHigh,
			Title:       fmt.Sprintf("Fuel Trim Too Positive (+%d%%)", int(*trim)),
			Description: "Engine running lean. Possible vacuum leak or fuel delivery issue.",
			Reasoning:   "The controller is adding fuel to compensate. Check for vacuum leaks, a clogged fuel filter, a weak fuel pump or a dirty MAF sensor.",
			CostMin:     50, CostMax: 300,
		}}
	case *trim < -p.FuelTrimLimit:
		return []Recommendation{{
			Category:    model.MaintenanceOther,
			Priority:    PriorityHigh,
			Title:       fmt.Sprintf("Fuel Trim Too Negative (%d%%)", int(*trim)),
			Description: "Engine running rich. Excess fuel is being injected.",
			Reasoning:   "The controller is pulling fuel. Check the air filter, MAF sensor, injectors and O2 sensors.",
			CostMin:     50, CostMax: 400,
		}}
	}
	return nil
}

func o2Sensors(s Snapshot, p Policy, now time.Time) []Recommendation {
	last := s.LastEvents[model.MaintenanceO2Sensor]
	if last != nil && daysSince(last, now) <= p.O2SensorDays {
		return nil
	}
	desc := "No O2 sensor replacement on record. Original sensors on an older vehicle are likely past their service life."
	if last != nil {
		desc = fmt.Sprintf("O2 sensors were replaced %d days ago.", daysSince(last, now))
	}
	return []Recommendation{{
		Category:    model.MaintenanceO2Sensor,
		Priority:    PriorityLow,
		Title:       "O2 Sensor Monitoring",
		Description: desc,
		Reasoning:   "O2 sensors typically last 60,000-100,000 miles. Worn sensors cause poor economy, rough idle and higher emissions.",
		CostMin:     150, CostMax: 600,
	}}
}

func mafSensor(s Snapshot, p Policy, now time.Time) []Recommendation {
	last := s.LastEvents[model.MaintenanceMAFCleaning]
	overdue := last == nil || daysSince(last, now) > p.MAFCleaningDays
	suspect := s.AvgLongFuelTrim != nil && math.Abs(*s.AvgLongFuelTrim) > p.MAFTrimSuspectPct

	rec := Recommendation{
		Category: model.MaintenanceMAFCleaning,
		Title:    "MAF Sensor Cleaning",
		Reasoning: "A dirty MAF sensor skews the fuel mixture, dulls throttle response and drags fuel trim. " +
			"Cleaning is cheap compared with replacement.",
		CostMin: 10, CostMax: 20,
	}
	switch {
	case suspect:
		rec.Priority = PriorityMedium
		rec.Description = fmt.Sprintf("Long-term fuel trim averages %+.1f%%. Clean the MAF sensor before chasing other causes.", *s.AvgLongFuelTrim)
	case overdue:
		rec.Priority = PriorityLow
		rec.Description = "Clean the MAF sensor periodically, especially if air filter changes have been irregular."
	default:
		return nil
	}
	return []Recommendation{rec}
}

func transmission(s Snapshot, p Policy, now time.Time) Recommendation {
	last := s.LastEvents[model.MaintenanceTransFluid]
	rec := Recommendation{Category: model.MaintenanceTransFluid, CostMin: 150, CostMax: 300}
	switch {
	case last == nil:
		rec.Priority = PriorityHigh
		rec.Title = "Transmission Fluid Service - No Record"
		rec.Description = "No transmission fluid service on record."
		rec.Reasoning = "Regular fluid changes keep automatic transmissions alive. Neglect leads to expensive failures."
	case daysSince(last, now) > p.TransFluidDays:
		rec.Priority = PriorityMedium
		rec.Title = "Transmission Fluid Service Due"
		rec.Description = fmt.Sprintf("Last fluid service was %d days ago.", daysSince(last, now))
		rec.Reasoning = "Fluid changes every 30,000-50,000 miles are recommended."
	default:
		rec.Priority = PriorityLow
		rec.Title = "Transmission Fluid - On Schedule"
		rec.Description = fmt.Sprintf("Last fluid service was %d days ago.", daysSince(last, now))
		rec.Reasoning = "Fluid changes every 30,000-50,000 miles are recommended."
	}
	return rec
}

func battery(s Snapshot, p Policy) Recommendation {
	avg := average(trend(s, p), func(r model.Reading) *float64 { return r.BatteryVoltage })
	rec := Recommendation{Category: model.MaintenanceBattery, CostMin: 120, CostMax: 200}
	switch {
	case avg == nil:
		rec.Priority = PriorityLow
		rec.Title = "Battery Voltage - No Data"
		rec.Description = "Battery voltage could not be read from the adapter."
		rec.Reasoning = "Voltage trends give early warning of battery failure."
	case *avg < p.BatteryLowVolts:
		rec.Priority = PriorityHigh
		rec.Title = "Low Battery Voltage"
		rec.Description = fmt.Sprintf("Average voltage is %.2fV. Normal is 13.5-14.5V with the engine running.", *avg)
		rec.Reasoning = "Low voltage points to a weak battery or charging system. Test both before winter."
	default:
		rec.Priority = PriorityLow
		rec.Title = "Battery Voltage Normal"
		rec.Description = fmt.Sprintf("Average voltage is %.2fV.", *avg)
		rec.Reasoning = "Typical battery life is 3-5 years."
	}
	return rec
}

func trend(s Snapshot, p Policy) []model.Reading {
	if p.TrendSampleSize > 0 && len(s.RecentReadings) > p.TrendSampleSize {
		return s.RecentReadings[:p.TrendSampleSize]
	}
	return s.RecentReadings
}

func average(readings []model.Reading, field func(model.Reading) *float64) *float64 {
	sum, n := 0.0, 0
	for _, r := range readings {
		if v := field(r); v != nil {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}

func daysSince(e *model.MaintenanceEvent, now time.Time) int {
	return int(now.Sub(e.Timestamp).Hours() / 24)
}

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
