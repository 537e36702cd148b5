package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdmon/internal/maintenance"
	"github.com/shaunagostinho/obdmon/internal/metrics"
	"github.com/shaunagostinho/obdmon/internal/model"
	"github.com/shaunagostinho/obdmon/internal/monitor"
	"github.com/shaunagostinho/obdmon/internal/sensor"
	"github.com/shaunagostinho/obdmon/internal/store"
)

type fakeStatus struct {
	state   monitor.State
	reading *model.Reading
}

func (f fakeStatus) State() monitor.State     { return f.state }
func (f fakeStatus) Latest() *model.Reading   { return f.reading }
func (f fakeStatus) Trip() *model.TripSummary { return nil }

type hotSensor struct{}

func (hotSensor) Name() string { return "test" }
func (hotSensor) Latest() (sensor.Sample, bool) {
	return sensor.Sample{TemperatureF: 101, Overheating: true, Timestamp: time.Now()}, true
}

type fixture struct {
	db  *store.SQLite
	srv *Server
	ts  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")

	status := fakeStatus{state: monitor.StateActive, reading: &model.Reading{EngineRPM: model.Float(800)}}
	an := maintenance.NewAnalyzer(db, cfg.MaintenancePolicy())
	srv := New(cfg, db, an, status, hotSensor{}, metrics.New())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{db: db, srv: srv, ts: ts}
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) post(t *testing.T, path, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(f.ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	var st StatusResponse
	require.Equal(t, http.StatusOK, f.get(t, "/api/status", &st))
	assert.Equal(t, "active", st.State)
	require.NotNil(t, st.Reading)
	assert.Equal(t, 800.0, *st.Reading.EngineRPM)
	assert.Equal(t, "test", st.Ambient.Source)
	assert.Equal(t, 101.0, *st.Ambient.TemperatureF)
	assert.True(t, st.Ambient.Overheating)
	require.Len(t, st.Ambient.Warnings, 3)
	assert.Contains(t, st.Ambient.Warnings[0], "Extreme heat")
	assert.Contains(t, st.Ambient.Warnings[2], "Device overheating")
}

func TestAlertsAndAck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := &model.Alert{Timestamp: time.Now(), Severity: model.SeverityCritical, Category: model.CategoryCoolant,
		Title: "CRITICAL: Coolant Temperature", Message: "hot"}
	require.NoError(t, f.db.SaveAlert(ctx, a))

	var alerts []model.Alert
	require.Equal(t, http.StatusOK, f.get(t, "/api/alerts?limit=5", &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, a.Title, alerts[0].Title)

	code, _ := f.post(t, "/api/alerts/ack?id=abc", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.post(t, "/api/alerts/ack?id=999", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.post(t, "/api/alerts/ack?id="+jsonInt(a.ID), "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.get(t, "/api/alerts/ack?id=1", nil))

	var open []model.Alert
	require.Equal(t, http.StatusOK, f.get(t, "/api/alerts?unacknowledged=1", &open))
	assert.Empty(t, open)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestMaintenanceEvents(t *testing.T) {
	f := newFixture(t)

	code, body := f.post(t, "/api/maintenance/events", `{"type":"oil_change","description":"5W-30 full synthetic","cost":64.5}`)
	require.Equal(t, http.StatusCreated, code, body)
	var created model.MaintenanceEvent
	require.NoError(t, json.Unmarshal([]byte(body), &created))
	assert.Equal(t, model.MaintenanceOilChange, created.Type)
	assert.NotZero(t, created.ID)
	assert.False(t, created.Timestamp.IsZero())

	code, _ = f.post(t, "/api/maintenance/events", `{"type":"blinker_fluid"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.post(t, "/api/maintenance/events", `{`)
	assert.Equal(t, http.StatusBadRequest, code)

	var events []model.MaintenanceEvent
	require.Equal(t, http.StatusOK, f.get(t, "/api/maintenance/events", &events))
	require.Len(t, events, 1)
	assert.Equal(t, 64.5, *events[0].Cost)
}

func TestMaintenanceRecommendations(t *testing.T) {
	f := newFixture(t)
	var recs []maintenance.Recommendation
	require.Equal(t, http.StatusOK, f.get(t, "/api/maintenance", &recs))
	require.NotEmpty(t, recs)
	assert.Equal(t, maintenance.PriorityHigh, recs[0].Priority)
	assert.Equal(t, "Oil Change - No Record Found", recs[0].Title)
}

func TestEmptyListsAreArrays(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/trips", "/api/codes", "/api/alerts", "/api/maintenance/events"} {
		resp, err := http.Get(f.ts.URL + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "[]\n", string(body), path)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	}
}

func TestConfigAPI(t *testing.T) {
	f := newFixture(t)
	var got map[string]any
	require.Equal(t, http.StatusOK, f.get(t, "/api/config", &got))
	assert.Contains(t, got, "adapter")
	assert.Contains(t, got, "alerts")

	code, _ := f.post(t, "/api/config", `{"polling":{"intervalMs":1500}}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1500, f.srv.cfg.MonitorConfig().IntervalMs)
	assert.FileExists(t, f.srv.cfg.Path())

	code, _ = f.post(t, "/api/config", `nope`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestConfigAPI_NotifiesRunningComponents(t *testing.T) {
	f := newFixture(t)
	an := maintenance.NewAnalyzer(f.db, f.srv.cfg.MaintenancePolicy())
	var applied int
	f.srv.OnConfig(func(c *Config) {
		applied++
		an.SetPolicy(c.MaintenancePolicy())
	})

	code, _ := f.post(t, "/api/config", `{"maintenance":{"oilChangeDays":30},"alerts":{"dedupWindowS":60}}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 30, an.Policy().OilChangeDays)
	assert.Equal(t, 60, f.srv.cfg.AlertPolicy().DedupWindowSec)

	code, _ = f.post(t, "/api/config", `nope`)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 1, applied, "rejected updates are not applied")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "obdmon_adapter_connected")
}

func TestWebSocketFrames(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello Frame
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "active", hello.State)
	require.NotNil(t, hello.Reading)

	f.srv.PublishAlert(model.Alert{Title: "Low Battery Voltage", Severity: model.SeverityWarning})
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	require.NotNil(t, frame.Alert)
	assert.Equal(t, "Low Battery Voltage", frame.Alert.Title)

	f.srv.PublishReading(model.Reading{CoolantTemp: model.Float(201)}, model.TripSummary{TripID: "t", Samples: 4})
	frame = Frame{}
	require.NoError(t, conn.ReadJSON(&frame))
	require.NotNil(t, frame.Reading)
	assert.Equal(t, 201.0, *frame.Reading.CoolantTemp)
	assert.Equal(t, 4, frame.Trip.Samples)

	f.srv.PublishState(monitor.StateStopping)
	frame = Frame{}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "stopping", frame.State)
}
