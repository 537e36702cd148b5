package sensor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZone(t *testing.T, root, name, kind, milli string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "type"), []byte(kind+"\n"), 0o644))
	temp := filepath.Join(dir, "temp")
	require.NoError(t, os.WriteFile(temp, []byte(milli+"\n"), 0o644))
	return temp
}

func TestThermalZone_Read(t *testing.T) {
	root := t.TempDir()
	path := writeZone(t, root, "thermal_zone0", "cpu-thermal", "35000")

	z := NewThermalZone(path, Config{})
	_, ok := z.Latest()
	assert.False(t, ok)

	s, err := z.Read()
	require.NoError(t, err)
	assert.InDelta(t, 95.0, s.TemperatureF, 1e-9)
	assert.False(t, s.Overheating)

	require.NoError(t, os.WriteFile(path, []byte("41500"), 0o644))
	s, err = z.Read()
	require.NoError(t, err)
	assert.True(t, s.Overheating)

	latest, ok := z.Latest()
	require.True(t, ok)
	assert.Equal(t, s, latest)
}

func TestThermalZone_ReadErrorKeepsLastSample(t *testing.T) {
	root := t.TempDir()
	path := writeZone(t, root, "thermal_zone0", "cpu", "30000")
	z := NewThermalZone(path, Config{})
	_, err := z.Read()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	_, err = z.Read()
	assert.Error(t, err)

	s, ok := z.Latest()
	require.True(t, ok)
	assert.InDelta(t, 86.0, s.TemperatureF, 1e-9)
}

func TestThermalZone_RunStopsOnCancel(t *testing.T) {
	root := t.TempDir()
	path := writeZone(t, root, "thermal_zone0", "cpu", "30000")
	z := NewThermalZone(path, Config{PollInterval: 5})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		z.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, ok := z.Latest()
		return ok
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDiscoverThermalZone(t *testing.T) {
	root := t.TempDir()
	first := writeZone(t, root, "thermal_zone0", "cpu-thermal", "30000")
	battery := writeZone(t, root, "thermal_zone3", "battery", "31000")

	got, err := DiscoverThermalZone(root)
	require.NoError(t, err)
	assert.Equal(t, battery, got)

	require.NoError(t, os.RemoveAll(filepath.Dir(battery)))
	got, err = DiscoverThermalZone(root)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	_, err = DiscoverThermalZone(t.TempDir())
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)
	_, ok := p.Latest()
	assert.False(t, ok)

	p, err = New(Config{Source: "demo"})
	require.NoError(t, err)
	s, ok := p.Latest()
	require.True(t, ok)
	assert.Greater(t, s.TemperatureF, 60.0)

	_, err = New(Config{Source: "infrared"})
	assert.Error(t, err)
}

func TestAmbientConditionWarnings(t *testing.T) {
	cases := []struct {
		name        string
		tempF       float64
		overheating bool
		want        []string
	}{
		{"mild", 70, false, nil},
		{"warm_but_normal", 98, false, nil},
		{"at_heat_limit", 100, false, nil},
		{"heat", 101, false, []string{"Extreme heat", "AC system"}},
		{"heat_device_at_risk", 105, false, []string{"Extreme heat", "AC system", "Device overheating"}},
		{"heat_flagged", 101, true, []string{"Extreme heat", "AC system", "Device overheating"}},
		{"freezing", 20, false, []string{"Freezing", "frozen coolant"}},
		{"extreme_cold", 5, false, []string{"Freezing", "frozen coolant", "Extreme cold", "oil thicker"}},
		{"flag_only", 70, true, []string{"Device overheating"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := AmbientConditionWarnings(c.tempF, c.overheating)
			require.Len(t, got, len(c.want))
			for i, w := range c.want {
				assert.Contains(t, got[i], w)
			}
		})
	}
}
