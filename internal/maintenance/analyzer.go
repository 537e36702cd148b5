package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shaunagostinho/obdmon/internal/model"
	"github.com/shaunagostinho/obdmon/internal/store"
)

// Store is the history the analyzer reads.
type Store interface {
	RecentReadings(ctx context.Context, limit int) ([]model.Reading, error)
	HighCoolantReadings(ctx context.Context, threshold float64, limit int) ([]model.Reading, error)
	Average(ctx context.Context, field store.Field, since time.Time) (*float64, error)
	LastCompletedEvent(ctx context.Context, t model.MaintenanceType) (*model.MaintenanceEvent, error)
}

// highCoolantScan bounds how many hot readings are counted.
const highCoolantScan = 1000

// Analyzer gathers a Snapshot from the store and runs Recommend.
type Analyzer struct {
	store Store

	mu     sync.RWMutex
	policy Policy
}

func NewAnalyzer(s Store, p Policy) *Analyzer {
	return &Analyzer{store: s, policy: p}
}

// Policy returns the policy the next analysis uses.
func (a *Analyzer) Policy() Policy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.policy
}

// SetPolicy replaces the policy for later analyses.
func (a *Analyzer) SetPolicy(p Policy) {
	a.mu.Lock()
	a.policy = p
	a.mu.Unlock()
}

// Snapshot loads the history Recommend needs.
func (a *Analyzer) Snapshot(ctx context.Context, now time.Time) (Snapshot, error) {
	return a.snapshot(ctx, now, a.Policy())
}

func (a *Analyzer) snapshot(ctx context.Context, now time.Time, p Policy) (Snapshot, error) {
	var snap Snapshot

	limit := max(p.OilSampleSize, p.TrendSampleSize)
	readings, err := a.store.RecentReadings(ctx, limit)
	if err != nil {
		return snap, fmt.Errorf("maintenance: recent readings: %w", err)
	}
	snap.RecentReadings = readings

	hot, err := a.store.HighCoolantReadings(ctx, p.CoolantHighF, highCoolantScan)
	if err != nil {
		return snap, fmt.Errorf("maintenance: high coolant readings: %w", err)
	}
	snap.HighCoolantCount = len(hot)

	since := now.AddDate(0, 0, -p.FuelTrimWindowDays)
	snap.AvgLongFuelTrim, err = a.store.Average(ctx, store.FieldLongFuelTrim1, since)
	if err != nil {
		return snap, fmt.Errorf("maintenance: fuel trim average: %w", err)
	}

	snap.LastEvents = make(map[model.MaintenanceType]*model.MaintenanceEvent)
	for _, t := range []model.MaintenanceType{
		model.MaintenanceOilChange, model.MaintenanceCoolantFlush, model.MaintenanceTransFluid,
		model.MaintenanceO2Sensor, model.MaintenanceMAFCleaning,
	} {
		ev, err := a.store.LastCompletedEvent(ctx, t)
		if err != nil {
			return snap, fmt.Errorf("maintenance: last %s: %w", t, err)
		}
		if ev != nil {
			snap.LastEvents[t] = ev
		}
	}
	return snap, nil
}

// Analyze returns the current recommendations.
func (a *Analyzer) Analyze(ctx context.Context, now time.Time) ([]Recommendation, error) {
	p := a.Policy()
	snap, err := a.snapshot(ctx, now, p)
	if err != nil {
		return nil, err
	}
	return Recommend(snap, p, now), nil
}
