package logger

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdmon/internal/model"
)

var base = time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)

func readCSV(t *testing.T, dir string) [][]string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "obdmon_*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRecord_WritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir})
	l.Record(&model.Reading{
		Timestamp:         base,
		TripID:            "trip-9",
		EngineRPM:         model.Float(750),
		CoolantTemp:       model.Float(195.8),
		BatteryVoltage:    model.Float(13.2),
		DeviceOverheating: true,
	})
	l.Close()

	rows := readCSV(t, dir)
	require.Len(t, rows, 2)
	assert.Equal(t, csvHeader, rows[0])
	row := rows[1]
	assert.Equal(t, base.Format(time.RFC3339Nano), row[0])
	assert.Equal(t, "trip-9", row[1])
	assert.Equal(t, "750", row[2])
	assert.Equal(t, "", row[3], "absent speed stays empty")
	assert.Equal(t, "195.8", row[4])
	assert.Equal(t, "13.20", row[13])
	assert.Equal(t, "1", row[15])
}

func TestRecord_Throttles(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, IntervalMs: 5000})
	for i := 0; i < 6; i++ {
		l.Record(&model.Reading{Timestamp: base.Add(time.Duration(i*2) * time.Second)})
	}
	l.Close()
	// Only 0s and 6s are at least 5s after the previous row.
	assert.Len(t, readCSV(t, dir), 3)
}

func TestRecord_Disabled(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: false, Path: dir})
	assert.False(t, l.IsEnabled())
	l.Record(&model.Reading{Timestamp: base})
	l.Record(nil)

	files, _ := filepath.Glob(filepath.Join(dir, "*.csv"))
	assert.Empty(t, files)

	l.SetEnabled(true)
	assert.True(t, l.IsEnabled())
	l.Record(&model.Reading{Timestamp: base})
	l.SetEnabled(false)
	assert.Len(t, readCSV(t, dir), 2)
}
