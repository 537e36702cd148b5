package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdmon/internal/elm"
	"github.com/shaunagostinho/obdmon/internal/maintenance"
	"github.com/shaunagostinho/obdmon/internal/model"
	"github.com/shaunagostinho/obdmon/internal/server"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func tempConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DB_PATH", filepath.Join(dir, "data", "obdmon.db"))
	return filepath.Join(dir, "config.yaml")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "obdmon version "+Version)
}

func TestServiceLogThenMaintenance(t *testing.T) {
	cfg := tempConfig(t)

	out, err := execute(t, "-c", cfg, "service", "log", "oil_change", "--cost", "59.99", "--mileage", "123456", "--date", "2026-01-15")
	require.NoError(t, err)
	assert.Contains(t, out, "recorded OIL_CHANGE on 2026-01-15")

	_, err = execute(t, "-c", cfg, "service", "log", "flux_capacitor")
	assert.ErrorContains(t, err, "unknown maintenance type")

	out, err = execute(t, "-c", cfg, "maintenance")
	require.NoError(t, err)
	assert.Contains(t, out, "Maintenance recommendations")
	assert.Contains(t, out, "Transmission Fluid Service - No Record")
	assert.NotContains(t, out, "Oil Change - No Record Found")
}

func TestAlertsAndTripsOnEmptyStore(t *testing.T) {
	cfg := tempConfig(t)

	out, err := execute(t, "-c", cfg, "alerts")
	require.NoError(t, err)
	assert.Contains(t, out, "no alerts")

	_, err = execute(t, "-c", cfg, "alerts", "--ack", "42")
	assert.Error(t, err)

	out, err = execute(t, "-c", cfg, "trips")
	require.NoError(t, err)
	assert.Contains(t, out, "no trips recorded")
}

func TestBuildEvent(t *testing.T) {
	ev, err := buildEvent("COOLANT_FLUSH", "", "dexcool", "", 0, 0, true)
	require.NoError(t, err)
	assert.Equal(t, model.MaintenanceCoolantFlush, ev.Type)
	assert.Equal(t, "coolant flush", ev.Description)
	assert.Nil(t, ev.Cost)
	assert.Nil(t, ev.Mileage)
	assert.True(t, ev.Completed)

	_, err = buildEvent("oil_change", "", "", "15/01/2026", 0, 0, true)
	assert.Error(t, err)
	_, err = buildEvent("oil_change", "", "", "", -5, 0, true)
	assert.Error(t, err)
}

func TestNewTransport(t *testing.T) {
	tr, id, err := newTransport(server.AdapterConfig{Transport: "demo"})
	require.NoError(t, err)
	assert.IsType(t, &elm.DemoTransport{}, tr)
	assert.Equal(t, "demo", id)

	tr, id, err = newTransport(server.AdapterConfig{Transport: "tcp", Address: "192.168.0.10:35000", DialTimeoutMs: 2000})
	require.NoError(t, err)
	require.IsType(t, &elm.TCPTransport{}, tr)
	assert.Equal(t, 2*time.Second, tr.(*elm.TCPTransport).DialTimeout)
	assert.Equal(t, "192.168.0.10:35000", id)

	tr, id, err = newTransport(server.AdapterConfig{Transport: "serial", Address: "/dev/rfcomm0"})
	require.NoError(t, err)
	assert.IsType(t, &elm.SerialTransport{}, tr)
	assert.Equal(t, "/dev/rfcomm0", id)

	_, _, err = newTransport(server.AdapterConfig{Transport: "can"})
	assert.Error(t, err)
}

func TestMonitorOptionsApply(t *testing.T) {
	cfg := server.DefaultConfig()
	monitorOptions{demo: true, listenAddr: ":9999", noServer: true}.apply(cfg)
	assert.Equal(t, "demo", cfg.Adapter.Transport)
	assert.Equal(t, "demo", cfg.Ambient.Source)
	assert.Equal(t, ":9999", cfg.Server.ListenAddr)
	assert.False(t, cfg.Server.Enabled)
}

type flakySession struct {
	mu       sync.Mutex
	failures int
	calls    []time.Time
	cancel   context.CancelFunc
}

func (f *flakySession) Run(ctx context.Context, identity string) error {
	f.mu.Lock()
	f.calls = append(f.calls, time.Now())
	n := len(f.calls)
	f.mu.Unlock()
	if n <= f.failures {
		return errors.New("device unreachable")
	}
	f.cancel()
	<-ctx.Done()
	return ctx.Err()
}

func TestRunWithRetry_BacksOffUntilConnected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := &flakySession{failures: 3, cancel: cancel}

	runWithRetry(ctx, s, "demo", 5*time.Millisecond, 20*time.Millisecond)

	require.Len(t, s.calls, 4)
	gaps := []time.Duration{
		s.calls[1].Sub(s.calls[0]),
		s.calls[2].Sub(s.calls[1]),
		s.calls[3].Sub(s.calls[2]),
	}
	assert.GreaterOrEqual(t, gaps[0], 5*time.Millisecond)
	assert.GreaterOrEqual(t, gaps[1], 10*time.Millisecond)
	assert.GreaterOrEqual(t, gaps[2], 20*time.Millisecond)
}

func TestRunWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &flakySession{failures: 100, cancel: func() {}}
	runWithRetry(ctx, s, "demo", time.Hour, time.Hour)
	assert.Len(t, s.calls, 1)
}

func TestRenderers(t *testing.T) {
	var buf bytes.Buffer
	renderRecommendations(&buf, []maintenance.Recommendation{{
		Priority: maintenance.PriorityCritical, Title: "Coolant Temperature Consistently High",
		Description: "3 readings above 220°F", Reasoning: "check it", CostMin: 100, CostMax: 500,
	}})
	assert.Contains(t, buf.String(), "Coolant Temperature Consistently High")
	assert.Contains(t, buf.String(), "$100-$500")

	buf.Reset()
	renderAlerts(&buf, []model.Alert{{ID: 7, Timestamp: time.Now(), Severity: model.SeverityWarning,
		Title: "Low Battery Voltage", Message: "12.3V", Acknowledged: true}})
	assert.Contains(t, buf.String(), "Low Battery Voltage")
	assert.Contains(t, buf.String(), "12.3V")

	buf.Reset()
	start := time.Now().Add(-time.Hour)
	end := start.Add(25 * time.Minute)
	renderTrips(&buf, []model.TripSummary{{TripID: "0f8e4c2a-1111-2222", StartTime: start, EndTime: &end,
		DistanceMiles: 12.34, MaxRPM: model.Float(3900)}})
	out := buf.String()
	assert.Contains(t, out, "0f8e4c2a")
	assert.Contains(t, out, "25m0s")
	assert.Contains(t, out, "12.3 mi")
	assert.Contains(t, out, "max 3900 rpm")
	assert.Contains(t, out, "avg - mph")
}
