package obd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolledPIDsAreRegistered(t *testing.T) {
	seen := map[PID]bool{}
	for _, id := range PolledPIDs() {
		assert.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
		spec, ok := Lookup(id)
		require.True(t, ok, id)
		assert.Equal(t, id, spec.ID)
		assert.Positive(t, spec.Bytes, id)
		assert.Len(t, string(id), 4)
	}
	assert.Len(t, seen, 12)
}

func TestLookupUnknown(t *testing.T) {
	_, ok := Lookup("01A6")
	assert.False(t, ok)
}

func TestAllIsSorted(t *testing.T) {
	all := All()
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.Less(t, string(all[i-1].ID), string(all[i].ID))
	}
}

func TestClassify(t *testing.T) {
	coolant, _ := Lookup(CoolantTemp)
	assert.Equal(t, LevelNormal, coolant.Classify(195))
	assert.Equal(t, LevelWarning, coolant.Classify(220))
	assert.Equal(t, LevelWarning, coolant.Classify(229.9))
	assert.Equal(t, LevelCritical, coolant.Classify(230))

	volts, _ := Lookup(ModuleVoltage)
	assert.Equal(t, LevelNormal, volts.Classify(13.8))
	assert.Equal(t, LevelNormal, volts.Classify(12.5))
	assert.Equal(t, LevelWarning, volts.Classify(12.4))
	assert.Equal(t, LevelCritical, volts.Classify(11.9))

	throttle, _ := Lookup(ThrottlePosition)
	assert.Equal(t, LevelNormal, throttle.Classify(100), "no thresholds means no classification")
}

func TestKindStrings(t *testing.T) {
	assert.Equal(t, "direct", Direct.String())
	assert.Equal(t, "linear", Linear.String())
	assert.Equal(t, "offset", Offset.String())
	assert.Equal(t, "critical", LevelCritical.String())
}
