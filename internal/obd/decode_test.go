package obd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdmon/internal/elm"
)

func TestHexToUint_BigEndian(t *testing.T) {
	cases := map[string]uint64{
		"00":       0,
		"FF":       255,
		"0BB8":     3000,
		"0bb8":     3000,
		"010203":   0x010203,
		"FFFFFFFF": 0xFFFFFFFF,
	}
	for in, want := range cases {
		got, err := HexToUint(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestHexToUint_Malformed(t *testing.T) {
	for _, in := range []string{"", "0", "0BB", "ZZ", "0G", "12 4"} {
		_, err := HexToUint(in)
		assert.ErrorIs(t, err, ErrMalformedPayload, in)
	}
}

func TestFormula_KnownValues(t *testing.T) {
	cases := []struct {
		pid  PID
		hex  string
		want float64
	}{
		{EngineRPM, "0BB8", 750},
		{CoolantTemp, "00", -40},
		{CoolantTemp, "5A", 122},
		{VehicleSpeed, "64", 62.1371},
		{EngineLoad, "FF", 100},
		{ThrottlePosition, "00", 0},
		{MAFRate, "01F4", 5},
		{LongFuelTrimB1, "80", 0},
		{LongFuelTrimB1, "00", -100},
		{ShortFuelTrimB2, "A0", 25},
		{ModuleVoltage, "3390", 13.2},
		{TimingAdvance, "80", 0},
		{TimingAdvance, "00", -64},
		{CatalystTempB1S1, "0190", 0},
	}
	for _, c := range cases {
		spec, ok := Lookup(c.pid)
		require.True(t, ok, c.pid)
		got, err := spec.Formula.Apply(c.hex)
		require.NoError(t, err)
		assert.InDelta(t, c.want, got, 1e-9, "%s %s", c.pid, c.hex)
	}
}

func TestDecode(t *testing.T) {
	t.Run("engine_speed", func(t *testing.T) {
		dv := Decode("410C0BB8", EngineRPM)
		assert.True(t, dv.Success)
		assert.Equal(t, "0BB8", dv.Payload)
		require.NotNil(t, dv.Value)
		assert.Equal(t, 750.0, *dv.Value)
	})

	t.Run("spaces_kept_by_adapter", func(t *testing.T) {
		dv := Decode("41 05 5A", CoolantTemp)
		require.NotNil(t, dv.Value)
		assert.Equal(t, 122.0, *dv.Value)
	})

	t.Run("searching_banner", func(t *testing.T) {
		dv := Decode("SEARCHING... 410C0BB8", EngineRPM)
		require.NotNil(t, dv.Value)
		assert.Equal(t, 750.0, *dv.Value)
	})

	t.Run("multiple_ecus_first_wins", func(t *testing.T) {
		dv := Decode("41055A 410564", CoolantTemp)
		require.NotNil(t, dv.Value)
		assert.Equal(t, 122.0, *dv.Value)
	})

	t.Run("error_tokens", func(t *testing.T) {
		for _, frame := range []string{"", "NO DATA", "UNABLE TO CONNECT", "CAN ERROR", "?", "STOPPED"} {
			dv := Decode(frame, EngineRPM)
			assert.False(t, dv.Success, frame)
			assert.Nil(t, dv.Value, frame)
		}
	})

	t.Run("no_payload", func(t *testing.T) {
		dv := Decode("410C", EngineRPM)
		assert.False(t, dv.Success)
		assert.Nil(t, dv.Value)
	})

	t.Run("odd_payload_is_absent", func(t *testing.T) {
		dv := Decode("410C0BB", EngineRPM)
		assert.True(t, dv.Success)
		assert.Nil(t, dv.Value)
		assert.ErrorIs(t, dv.Err, ErrMalformedPayload)
	})

	t.Run("non_hex_is_absent", func(t *testing.T) {
		dv := Decode("410C0B.8", EngineRPM)
		assert.Nil(t, dv.Value)
		assert.ErrorIs(t, dv.Err, ErrMalformedPayload)
	})

	t.Run("unknown_pid_reports_success", func(t *testing.T) {
		dv := Decode("41A6000186A0", PID("01A6"))
		assert.True(t, dv.Success)
		assert.Equal(t, "000186A0", dv.Payload)
		assert.Nil(t, dv.Value)
	})
}

func TestDecode_PayloadContainingCommand(t *testing.T) {
	// 0x0110 raw MAF reply to command 0110
	v := Decode(elm.CleanFrame("41100110\r\r>", string(MAFRate)), MAFRate)
	require.True(t, v.Success)
	assert.InDelta(t, 2.72, *v.Value, 1e-9)
}

func TestParseDTCs(t *testing.T) {
	assert.Equal(t, []string{"P0133"}, ParseDTCs("43 01 33 00 00 00 00"))
	assert.Equal(t, []string{"P0171", "P0300", "C0035"}, ParseDTCs("43017103004035"))
	assert.Equal(t, []string{"P0420", "U0100", "B1234"},
		ParseDTCs("430420C100000043042092340000"))
	none := ParseDTCs("43 00 00 00 00 00 00")
	assert.NotNil(t, none, "a valid reply with no codes is not unreadable")
	assert.Empty(t, none)
	assert.Nil(t, ParseDTCs(""))
	assert.Nil(t, ParseDTCs("NO DATA"))
}

func TestDescribeDTC(t *testing.T) {
	assert.Equal(t, "System too lean (bank 1)", DescribeDTC("P0171"))
	assert.Equal(t, "Chassis fault", DescribeDTC("C0035"))
	assert.Equal(t, "Network communication fault", DescribeDTC("U0100"))
}
