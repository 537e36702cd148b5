package monitor

import (
	"time"

	"github.com/shaunagostinho/obdmon/internal/model"
)

// idleSpeedMPH is the speed below which a running engine counts as idling.
const idleSpeedMPH = 1.0

// TripConfig holds the hard acceleration and braking thresholds in mph per
// second. A zero threshold disables that counter.
type TripConfig struct {
	HardAccelMPHs float64 `yaml:"hard_accel_mphs" json:"hardAccelMphs"`
	HardBrakeMPHs float64 `yaml:"hard_brake_mphs" json:"hardBrakeMphs"`
}

// mean accumulates a running average over present values only.
type mean struct {
	sum float64
	n   int
	max float64
}

func (m *mean) add(v *float64) {
	if v == nil {
		return
	}
	if m.n == 0 || *v > m.max {
		m.max = *v
	}
	m.sum += *v
	m.n++
}

func (m *mean) avg() *float64 {
	if m.n == 0 {
		return nil
	}
	return model.Float(m.sum / float64(m.n))
}

func (m *mean) peak() *float64 {
	if m.n == 0 {
		return nil
	}
	return model.Float(m.max)
}

// TripReducer folds the reading stream of one session into a TripSummary.
//
// Distance and idle time integrate over the gap between consecutive readings,
// so the first reading of a trip only seeds the integration.
type TripReducer struct {
	cfg     TripConfig
	summary model.TripSummary

	speed, rpm, coolant, load, trim mean

	prevAt    time.Time
	prevSpeed *float64
}

// NewTripReducer opens a trip.
func NewTripReducer(id string, start time.Time, cfg TripConfig) *TripReducer {
	return &TripReducer{
		cfg:     cfg,
		summary: model.TripSummary{TripID: id, StartTime: start},
	}
}

// ID returns the trip identifier.
func (t *TripReducer) ID() string { return t.summary.TripID }

// Add folds one reading into the summary.
func (t *TripReducer) Add(r model.Reading) {
	s := &t.summary
	s.Samples++

	t.speed.add(r.VehicleSpeed)
	t.rpm.add(r.EngineRPM)
	t.coolant.add(r.CoolantTemp)
	t.load.add(r.EngineLoad)
	t.trim.add(r.LongFuelTrimBank1)

	if !t.prevAt.IsZero() && r.Timestamp.After(t.prevAt) {
		dt := r.Timestamp.Sub(t.prevAt)
		if r.VehicleSpeed != nil {
			s.DistanceMiles += *r.VehicleSpeed * dt.Hours()
			if *r.VehicleSpeed < idleSpeedMPH && r.EngineRPM != nil && *r.EngineRPM > 0 {
				s.IdleTime += dt
			}
			if t.prevSpeed != nil {
				rate := (*r.VehicleSpeed - *t.prevSpeed) / dt.Seconds()
				if t.cfg.HardAccelMPHs > 0 && rate >= t.cfg.HardAccelMPHs {
					s.HardAccelerations++
				}
				if t.cfg.HardBrakeMPHs > 0 && -rate >= t.cfg.HardBrakeMPHs {
					s.HardBraking++
				}
			}
		}
	}
	t.prevAt = r.Timestamp
	t.prevSpeed = r.VehicleSpeed

	s.AvgSpeed, s.MaxSpeed = t.speed.avg(), t.speed.peak()
	s.AvgRPM, s.MaxRPM = t.rpm.avg(), t.rpm.peak()
	s.AvgCoolantTemp, s.MaxCoolantTemp = t.coolant.avg(), t.coolant.peak()
	s.AvgEngineLoad = t.load.avg()
	s.AvgFuelTrim = t.trim.avg()
}

// Close sets the end time. Closing twice keeps the first end time.
func (t *TripReducer) Close(end time.Time) {
	if t.summary.EndTime == nil {
		t.summary.EndTime = &end
	}
}

// Summary returns a copy of the current aggregate.
func (t *TripReducer) Summary() model.TripSummary {
	s := t.summary
	if s.EndTime != nil {
		end := *s.EndTime
		s.EndTime = &end
	}
	return s
}
