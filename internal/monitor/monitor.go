// Package monitor runs a monitoring session: it connects the adapter, polls
// the parameter set on a fixed interval and feeds every reading to storage,
// the alert engine and the open trip.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shaunagostinho/obdmon/internal/alert"
	"github.com/shaunagostinho/obdmon/internal/metrics"
	"github.com/shaunagostinho/obdmon/internal/model"
	"github.com/shaunagostinho/obdmon/internal/obd"
	"github.com/shaunagostinho/obdmon/internal/sensor"
)

var (
	// ErrAlreadyRunning is returned when Run is called during a session.
	ErrAlreadyRunning = errors.New("monitor: session already running")
	// ErrConnectionLost ends a session whose adapter link dropped.
	ErrConnectionLost = errors.New("monitor: adapter connection lost")
)

// State is the session lifecycle.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	}
	return "idle"
}

// Channel is the adapter command channel.
type Channel interface {
	Connect(ctx context.Context, identity string) error
	SendCommand(ctx context.Context, cmd string) string
	IsConnected() bool
	Disconnect()
}

// Store persists what a session produces.
type Store interface {
	SaveReading(ctx context.Context, r *model.Reading) error
	CreateTrip(ctx context.Context, t *model.TripSummary) error
	UpdateTrip(ctx context.Context, t *model.TripSummary) error
	CloseOpenTrips(ctx context.Context, end time.Time) (int64, error)
	SaveDiagnosticCode(ctx context.Context, c *model.DiagnosticCode) error
	ActiveCodes(ctx context.Context) ([]model.DiagnosticCode, error)
	MarkCodeCleared(ctx context.Context, code string, at time.Time) error
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Alerter is the alert engine.
type Alerter interface {
	Process(ctx context.Context, r model.Reading) ([]model.Alert, error)
	Raise(ctx context.Context, a model.Alert) (bool, error)
}

// Sink receives every persisted reading. Record must not block for long.
type Sink interface {
	Record(r *model.Reading)
}

// Config controls the polling loop.
type Config struct {
	IntervalMs    int        `yaml:"interval_ms" json:"intervalMs"`
	RetentionDays int        `yaml:"retention_days" json:"retentionDays"` // 0 keeps everything
	Trip          TripConfig `yaml:"trip" json:"trip"`
}

// DefaultConfig polls every two seconds and keeps 90 days of history.
func DefaultConfig() Config {
	return Config{IntervalMs: 2000, RetentionDays: 90}
}

const (
	pruneEvery   = time.Hour
	closeTimeout = 5 * time.Second
)

// Monitor owns one adapter and runs at most one session at a time.
type Monitor struct {
	ch      Channel
	store   Store
	alerts  Alerter
	sensor  sensor.Provider
	sinks   []Sink
	metrics *metrics.Metrics

	cfgMu sync.RWMutex
	cfg   Config

	now       func() time.Time
	state     atomic.Int32
	lastPrune time.Time

	mu     sync.RWMutex
	latest *model.Reading
	trip   *model.TripSummary

	onReading func(model.Reading, model.TripSummary)
	onState   func(State)
}

// New creates a monitor. A nil sensor means no ambient data.
func New(ch Channel, st Store, alerts Alerter, sens sensor.Provider, m *metrics.Metrics, cfg Config, sinks ...Sink) *Monitor {
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = DefaultConfig().IntervalMs
	}
	if sens == nil {
		sens = sensor.None{}
	}
	return &Monitor{
		ch:      ch,
		store:   st,
		alerts:  alerts,
		sensor:  sens,
		sinks:   sinks,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetConfig replaces the polling configuration. The interval and retention
// apply from the next cycle, trip thresholds from the next session.
func (m *Monitor) SetConfig(cfg Config) {
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = DefaultConfig().IntervalMs
	}
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()
}

// Config returns the active polling configuration.
func (m *Monitor) Config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// OnReading registers a callback run after each completed cycle. Set before Run.
func (m *Monitor) OnReading(fn func(model.Reading, model.TripSummary)) { m.onReading = fn }

// OnState registers a callback for lifecycle transitions. Set before Run.
func (m *Monitor) OnState(fn func(State)) { m.onState = fn }

// State returns the current lifecycle state.
func (m *Monitor) State() State { return State(m.state.Load()) }

// Latest returns the most recent reading, or nil before the first cycle.
func (m *Monitor) Latest() *model.Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return nil
	}
	r := *m.latest
	return &r
}

// Trip returns the current or last session's trip, or nil.
func (m *Monitor) Trip() *model.TripSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.trip == nil {
		return nil
	}
	t := *m.trip
	return &t
}

func (m *Monitor) setState(s State) {
	m.state.Store(int32(s))
	log.Printf("[monitor] %s", s)
	if m.onState != nil {
		m.onState(s)
	}
}

func (m *Monitor) interval() time.Duration {
	return time.Duration(m.Config().IntervalMs) * time.Millisecond
}

// Run connects to the adapter at identity and polls until ctx is cancelled
// or the link drops. The adapter is disconnected and the trip closed before
// Run returns, whatever the exit path. A dropped link goes straight back to
// Idle; only a requested stop passes through Stopping.
func (m *Monitor) Run(ctx context.Context, identity string) (err error) {
	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return ErrAlreadyRunning
	}
	log.Printf("[monitor] %s", StateConnecting)
	if m.onState != nil {
		m.onState(StateConnecting)
	}

	if err := m.ch.Connect(ctx, identity); err != nil {
		if ctx.Err() == nil {
			if _, rerr := m.alerts.Raise(ctx, alert.ConnectionFailed(identity, m.now())); rerr != nil {
				log.Printf("[monitor] connection alert: %v", rerr)
			}
		}
		m.setState(StateIdle)
		return fmt.Errorf("monitor: connect %s: %w", identity, err)
	}

	start := m.now()
	if n, err := m.store.CloseOpenTrips(ctx, start); err != nil {
		log.Printf("[monitor] close stale trips: %v", err)
	} else if n > 0 {
		log.Printf("[monitor] closed %d stale trip(s)", n)
	}

	trip := NewTripReducer(uuid.NewString(), start, m.Config().Trip)
	m.publishTrip(trip)
	tripSaved := true
	first := trip.Summary()
	if err := m.store.CreateTrip(ctx, &first); err != nil {
		log.Printf("[monitor] create trip: %v", err)
		tripSaved = false
	}
	defer func() {
		if !errors.Is(err, ErrConnectionLost) {
			m.setState(StateStopping)
		}
		m.ch.Disconnect()
		trip.Close(m.now())
		m.publishTrip(trip)
		if tripSaved {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
			final := trip.Summary()
			if err := m.store.UpdateTrip(closeCtx, &final); err != nil {
				log.Printf("[monitor] close trip %s: %v", trip.ID(), err)
			}
			cancel()
		}
		log.Printf("[monitor] trip %s closed after %d samples", trip.ID(), trip.Summary().Samples)
		m.setState(StateIdle)
	}()

	m.setState(StateActive)
	log.Printf("[monitor] trip %s started", trip.ID())

	if err := m.checkTroubleCodes(ctx); err != nil {
		log.Printf("[monitor] trouble codes: %v", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !m.ch.IsConnected() {
			return ErrConnectionLost
		}

		began := time.Now()
		err := m.cycle(ctx, trip, tripSaved)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.metrics.ObserveCycle(time.Since(began), err)
		switch {
		case errors.Is(err, ErrConnectionLost):
			return err
		case err != nil:
			log.Printf("[monitor] cycle failed: %v", err)
		}

		m.maybePrune(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.interval()):
		}
	}
}

// cycle reads the parameter set once and feeds the result downstream.
func (m *Monitor) cycle(ctx context.Context, trip *TripReducer, tripSaved bool) error {
	r := model.Reading{Timestamp: m.now(), TripID: trip.ID()}
	for _, id := range obd.PolledPIDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		dv := obd.Decode(m.ch.SendCommand(ctx, string(id)), id)
		if dv.Value == nil {
			m.metrics.DecodeFailure(string(id))
			continue
		}
		assign(&r, id, dv.Value)
	}
	if !m.ch.IsConnected() {
		return ErrConnectionLost
	}

	if s, ok := m.sensor.Latest(); ok {
		r.AmbientTemp = model.Float(s.TemperatureF)
		r.DeviceOverheating = s.Overheating
	}

	if err := m.store.SaveReading(ctx, &r); err != nil {
		return fmt.Errorf("save reading: %w", err)
	}
	for _, s := range m.sinks {
		s.Record(&r)
	}

	if _, err := m.alerts.Process(ctx, r); err != nil {
		log.Printf("[monitor] alerts: %v", err)
	}

	trip.Add(r)
	if tripSaved {
		sum := trip.Summary()
		if err := m.store.UpdateTrip(ctx, &sum); err != nil {
			log.Printf("[monitor] update trip: %v", err)
		}
	}

	m.mu.Lock()
	m.latest = &r
	m.mu.Unlock()
	m.publishTrip(trip)
	if m.onReading != nil {
		m.onReading(r, trip.Summary())
	}
	return nil
}

func (m *Monitor) publishTrip(trip *TripReducer) {
	sum := trip.Summary()
	m.mu.Lock()
	m.trip = &sum
	m.mu.Unlock()
}

// checkTroubleCodes reads stored codes once, records and alerts on new ones
// and clears the ones the controller no longer reports. An unreadable reply
// leaves the stored codes untouched.
func (m *Monitor) checkTroubleCodes(ctx context.Context) error {
	codes := obd.ParseDTCs(m.ch.SendCommand(ctx, obd.ReadCodes))
	if codes == nil {
		return nil
	}
	active, err := m.store.ActiveCodes(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(active))
	for _, c := range active {
		known[c.Code] = true
	}
	reported := make(map[string]bool, len(codes))
	now := m.now()

	for _, code := range codes {
		reported[code] = true
		if known[code] {
			continue
		}
		desc := obd.DescribeDTC(code)
		if err := m.store.SaveDiagnosticCode(ctx, &model.DiagnosticCode{
			Timestamp: now, Code: code, Description: desc, Severity: model.SeverityWarning,
		}); err != nil {
			return err
		}
		log.Printf("[monitor] trouble code %s: %s", code, desc)
		if _, err := m.alerts.Raise(ctx, alert.TroubleCode(code, desc, now)); err != nil {
			return err
		}
	}
	for _, c := range active {
		if reported[c.Code] {
			continue
		}
		if err := m.store.MarkCodeCleared(ctx, c.Code, now); err != nil {
			return err
		}
		log.Printf("[monitor] trouble code %s cleared", c.Code)
	}
	return nil
}

func (m *Monitor) maybePrune(ctx context.Context) {
	days := m.Config().RetentionDays
	if days <= 0 {
		return
	}
	now := m.now()
	if !m.lastPrune.IsZero() && now.Sub(m.lastPrune) < pruneEvery {
		return
	}
	m.lastPrune = now
	n, err := m.store.Prune(ctx, now.AddDate(0, 0, -days))
	if err != nil {
		log.Printf("[monitor] prune: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[monitor] pruned %d old rows", n)
	}
}

// assign stores a decoded value in its Reading field.
func assign(r *model.Reading, id obd.PID, v *float64) {
	switch id {
	case obd.EngineRPM:
		r.EngineRPM = v
	case obd.VehicleSpeed:
		r.VehicleSpeed = v
	case obd.CoolantTemp:
		r.CoolantTemp = v
	case obd.EngineLoad:
		r.EngineLoad = v
	case obd.ThrottlePosition:
		r.ThrottlePosition = v
	case obd.IntakeTemp:
		r.IntakeTemp = v
	case obd.MAFRate:
		r.MAFRate = v
	case obd.ShortFuelTrimB1:
		r.ShortFuelTrimBank1 = v
	case obd.LongFuelTrimB1:
		r.LongFuelTrimBank1 = v
	case obd.ShortFuelTrimB2:
		r.ShortFuelTrimBank2 = v
	case obd.LongFuelTrimB2:
		r.LongFuelTrimBank2 = v
	case obd.ModuleVoltage:
		r.BatteryVoltage = v
	}
}
