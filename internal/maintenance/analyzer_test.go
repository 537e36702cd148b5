package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdmon/internal/model"
	"github.com/shaunagostinho/obdmon/internal/store"
)

func TestAnalyzer_AgainstSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for i := 0; i < 10; i++ {
		require.NoError(t, db.SaveReading(ctx, &model.Reading{
			Timestamp:         now.Add(-time.Duration(i) * time.Minute),
			CoolantTemp:       model.Float(200),
			LongFuelTrimBank1: model.Float(18),
			BatteryVoltage:    model.Float(14.0),
			VehicleSpeed:      model.Float(55),
		}))
	}
	require.NoError(t, db.SaveReading(ctx, &model.Reading{Timestamp: now.Add(-time.Hour), CoolantTemp: model.Float(226)}))
	// Outside the trim window, must not pull the average down.
	require.NoError(t, db.SaveReading(ctx, &model.Reading{Timestamp: daysAgo(30), LongFuelTrimBank1: model.Float(-50)}))

	require.NoError(t, db.AddMaintenanceEvent(ctx, &model.MaintenanceEvent{
		Timestamp: daysAgo(10), Type: model.MaintenanceOilChange, Description: "synthetic", Completed: true,
	}))

	a := NewAnalyzer(db, DefaultPolicy())
	snap, err := a.Snapshot(ctx, now)
	require.NoError(t, err)
	assert.Len(t, snap.RecentReadings, 12)
	assert.Equal(t, 1, snap.HighCoolantCount)
	require.NotNil(t, snap.AvgLongFuelTrim)
	assert.InDelta(t, 18.0, *snap.AvgLongFuelTrim, 1e-9)
	require.Contains(t, snap.LastEvents, model.MaintenanceOilChange)
	assert.NotContains(t, snap.LastEvents, model.MaintenanceTransFluid)

	recs, err := a.Analyze(ctx, now)
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	assert.Equal(t, PriorityCritical, recs[0].Priority)
	assert.Equal(t, "Coolant Temperature Consistently High", recs[0].Title)

	oil := find(recs, model.MaintenanceOilChange)
	require.Len(t, oil, 1)
	assert.Equal(t, PriorityLow, oil[0].Priority)
	assert.Equal(t, "Fuel Trim Too Positive (+18%)", find(recs, model.MaintenanceOther)[0].Title)
}

var errDisk = errors.New("disk I/O error")

type failingStore struct{}

func (failingStore) RecentReadings(context.Context, int) ([]model.Reading, error) {
	return nil, errDisk
}
func (failingStore) HighCoolantReadings(context.Context, float64, int) ([]model.Reading, error) {
	return nil, nil
}
func (failingStore) Average(context.Context, store.Field, time.Time) (*float64, error) {
	return nil, nil
}
func (failingStore) LastCompletedEvent(context.Context, model.MaintenanceType) (*model.MaintenanceEvent, error) {
	return nil, nil
}

func TestAnalyzer_PropagatesStoreErrors(t *testing.T) {
	a := NewAnalyzer(failingStore{}, DefaultPolicy())
	_, err := a.Analyze(context.Background(), now)
	assert.ErrorIs(t, err, errDisk)
}

func TestAnalyzer_SetPolicy(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.AddMaintenanceEvent(ctx, &model.MaintenanceEvent{
		Timestamp: daysAgo(10), Type: model.MaintenanceOilChange, Description: "synthetic", Completed: true,
	}))

	oilTitle := func(recs []Recommendation) string {
		for _, r := range recs {
			if r.Category == model.MaintenanceOilChange {
				return r.Title
			}
		}
		return ""
	}

	a := NewAnalyzer(db, DefaultPolicy())
	recs, err := a.Analyze(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, "Oil Change - On Schedule", oilTitle(recs))

	p := DefaultPolicy()
	p.OilChangeDays = 7
	a.SetPolicy(p)
	assert.Equal(t, 7, a.Policy().OilChangeDays)

	recs, err = a.Analyze(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, "Oil Change Overdue (Time-Based)", oilTitle(recs))
}
