package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdmon/internal/alert"
	"github.com/shaunagostinho/obdmon/internal/model"
	"github.com/shaunagostinho/obdmon/internal/sensor"
	"github.com/shaunagostinho/obdmon/internal/store"
)

// fakeChannel answers commands from a table. Unknown commands get NO DATA.
type fakeChannel struct {
	replies    map[string]string
	connectErr error
	dropAfter  int // drop the link after this many commands, 0 never

	mu          sync.Mutex
	connected   bool
	sent        []string
	disconnects int
}

func (c *fakeChannel) Connect(ctx context.Context, identity string) error {
	if c.connectErr != nil {
		return c.connectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) SendCommand(ctx context.Context, cmd string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ""
	}
	c.sent = append(c.sent, cmd)
	if c.dropAfter > 0 && len(c.sent) >= c.dropAfter {
		c.connected = false
		return ""
	}
	if r, ok := c.replies[cmd]; ok {
		return r
	}
	return "NO DATA"
}

func (c *fakeChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeChannel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func engineReplies() map[string]string {
	return map[string]string{
		"010C": "410C0BB8",
		"0105": "41055A",
		"010D": "410D00",
		"0142": "41423390",
		"03":   "43 00 00 00 00 00 00",
	}
}

type fixedSensor struct{ s sensor.Sample }

func (fixedSensor) Name() string                    { return "fixed" }
func (f fixedSensor) Latest() (sensor.Sample, bool) { return f.s, true }

type recordingSink struct{ got []model.Reading }

func (s *recordingSink) Record(r *model.Reading) { s.got = append(s.got, *r) }

func openStore(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fastConfig() Config {
	return Config{IntervalMs: 1}
}

// runFor runs m until it has produced n readings.
func runFor(t *testing.T, m *Monitor, n int) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	count := 0
	m.OnReading(func(model.Reading, model.TripSummary) {
		count++
		if count == n {
			cancel()
		}
	})
	return m.Run(ctx, "demo")
}

func TestRun_PollsPersistsAndClosesTrip(t *testing.T) {
	db := openStore(t)
	ch := &fakeChannel{replies: engineReplies()}
	sink := &recordingSink{}
	disp := alert.NewDispatcher(db, nil, alert.DefaultPolicy(), nil)
	amb := fixedSensor{sensor.Sample{TemperatureF: 75, Timestamp: time.Now()}}

	var states []State
	m := New(ch, db, disp, amb, nil, fastConfig(), sink)
	m.OnState(func(s State) { states = append(states, s) })

	err := runFor(t, m, 3)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, []State{StateConnecting, StateActive, StateStopping, StateIdle}, states)
	assert.False(t, ch.IsConnected())
	assert.Equal(t, 1, ch.disconnects)

	require.Len(t, sink.got, 3)
	r := sink.got[0]
	assert.Equal(t, 750.0, *r.EngineRPM)
	assert.Equal(t, 122.0, *r.CoolantTemp)
	assert.Equal(t, 0.0, *r.VehicleSpeed, "a decoded zero is a value")
	assert.InDelta(t, 13.2, *r.BatteryVoltage, 1e-9)
	assert.Nil(t, r.EngineLoad, "NO DATA stays absent")
	assert.Nil(t, r.LongFuelTrimBank1)
	assert.Equal(t, 75.0, *r.AmbientTemp)

	saved, err := db.RecentReadings(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, saved, 3)

	trips, err := db.RecentTrips(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.False(t, trips[0].Open(), "trip must be closed when the session ends")
	assert.Equal(t, 3, trips[0].Samples)
	assert.Equal(t, r.TripID, trips[0].TripID)
	assert.Equal(t, 750.0, *trips[0].MaxRPM)

	latest := m.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, r.TripID, latest.TripID)
	require.NotNil(t, m.Trip())
	assert.False(t, m.Trip().Open())
}

func TestRun_ReadsParametersSequentiallyAfterCodes(t *testing.T) {
	db := openStore(t)
	ch := &fakeChannel{replies: engineReplies()}
	m := New(ch, db, alert.NewDispatcher(db, nil, alert.DefaultPolicy(), nil), nil, nil, fastConfig())
	_ = runFor(t, m, 1)

	require.GreaterOrEqual(t, len(ch.sent), 13)
	assert.Equal(t, "03", ch.sent[0])
	assert.Equal(t, []string{"010C", "010D", "0105", "0104", "0111", "010F", "0110",
		"0106", "0107", "0108", "0109", "0142"}, ch.sent[1:13])
}

func TestRun_RaisesAlertsFromReadings(t *testing.T) {
	db := openStore(t)
	replies := engineReplies()
	replies["0105"] = "41057F" // 127°C = 260.6°F
	ch := &fakeChannel{replies: replies}

	var raised []model.Alert
	disp := alert.NewDispatcher(db, nil, alert.DefaultPolicy(), nil)
	disp.OnAlert(func(a model.Alert) { raised = append(raised, a) })

	m := New(ch, db, disp, nil, nil, fastConfig())
	_ = runFor(t, m, 3)

	require.Len(t, raised, 1, "repeats within the window are suppressed")
	assert.Equal(t, alert.TitleCoolantCritical, raised[0].Title)
}

func TestRun_ConnectFailureRaisesAlert(t *testing.T) {
	db := openStore(t)
	ch := &fakeChannel{connectErr: errors.New("no route to adapter")}
	var raised []model.Alert
	disp := alert.NewDispatcher(db, nil, alert.DefaultPolicy(), nil)
	disp.OnAlert(func(a model.Alert) { raised = append(raised, a) })

	m := New(ch, db, disp, nil, nil, fastConfig())
	err := m.Run(context.Background(), "AA:BB")
	require.Error(t, err)
	assert.ErrorIs(t, err, ch.connectErr)
	assert.Equal(t, StateIdle, m.State())

	require.Len(t, raised, 1)
	assert.Equal(t, alert.TitleConnectionFailed, raised[0].Title)
	assert.NotContains(t, raised[0].Message, "no route")

	trips, err := db.RecentTrips(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, trips)
}

func TestRun_LinkLossEndsSession(t *testing.T) {
	db := openStore(t)
	ch := &fakeChannel{replies: engineReplies(), dropAfter: 20}
	m := New(ch, db, alert.NewDispatcher(db, nil, alert.DefaultPolicy(), nil), nil, nil, fastConfig())
	var states []State
	m.OnState(func(s State) { states = append(states, s) })

	err := m.Run(context.Background(), "demo")
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, []State{StateConnecting, StateActive, StateIdle}, states, "a dropped link skips Stopping")

	readings, err := db.RecentReadings(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, readings, 1, "the interrupted cycle is discarded")

	trips, err := db.RecentTrips(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.False(t, trips[0].Open())
}

func TestRun_AlreadyRunning(t *testing.T) {
	db := openStore(t)
	ch := &fakeChannel{replies: engineReplies()}
	m := New(ch, db, alert.NewDispatcher(db, nil, alert.DefaultPolicy(), nil), nil, nil, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	m.OnReading(func(model.Reading, model.TripSummary) { once.Do(func() { close(started) }) })

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, "demo") }()
	<-started

	assert.ErrorIs(t, m.Run(context.Background(), "demo"), ErrAlreadyRunning)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRun_ClosesStaleTrips(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	require.NoError(t, db.CreateTrip(ctx, &model.TripSummary{TripID: "crashed", StartTime: time.Now().Add(-time.Hour)}))

	ch := &fakeChannel{replies: engineReplies()}
	m := New(ch, db, alert.NewDispatcher(db, nil, alert.DefaultPolicy(), nil), nil, nil, fastConfig())
	_ = runFor(t, m, 1)

	stale, err := db.GetTrip(ctx, "crashed")
	require.NoError(t, err)
	assert.False(t, stale.Open())
	active, err := db.ActiveTrip(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestRun_TroubleCodes(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	require.NoError(t, db.SaveDiagnosticCode(ctx, &model.DiagnosticCode{
		Timestamp: time.Now().Add(-24 * time.Hour), Code: "P0420", Description: "old", Severity: model.SeverityWarning,
	}))

	replies := engineReplies()
	replies["03"] = "43 01 71 00 00 00 00"
	ch := &fakeChannel{replies: replies}

	var raised []model.Alert
	disp := alert.NewDispatcher(db, nil, alert.DefaultPolicy(), nil)
	disp.OnAlert(func(a model.Alert) { raised = append(raised, a) })

	m := New(ch, db, disp, nil, nil, fastConfig())
	_ = runFor(t, m, 1)

	active, err := db.ActiveCodes(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "P0171", active[0].Code)
	assert.Equal(t, "System too lean (bank 1)", active[0].Description)

	require.Len(t, raised, 1)
	assert.Equal(t, "Trouble Code P0171", raised[0].Title)
}

func TestRun_UnreadableCodesKeepStoredOnes(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	require.NoError(t, db.SaveDiagnosticCode(ctx, &model.DiagnosticCode{
		Timestamp: time.Now(), Code: "P0420", Description: "x", Severity: model.SeverityWarning,
	}))

	replies := engineReplies()
	replies["03"] = "NO DATA"
	m := New(&fakeChannel{replies: replies}, db, alert.NewDispatcher(db, nil, alert.DefaultPolicy(), nil), nil, nil, fastConfig())
	_ = runFor(t, m, 1)

	active, err := db.ActiveCodes(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

// flakyStore fails the first reading save.
type flakyStore struct {
	*store.SQLite
	failures int
}

func (f *flakyStore) SaveReading(ctx context.Context, r *model.Reading) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("database is locked")
	}
	return f.SQLite.SaveReading(ctx, r)
}

func TestRun_CycleErrorDoesNotStopLoop(t *testing.T) {
	db := openStore(t)
	fs := &flakyStore{SQLite: db, failures: 2}
	m := New(&fakeChannel{replies: engineReplies()}, fs, alert.NewDispatcher(db, nil, alert.DefaultPolicy(), nil), nil, nil, fastConfig())

	err := runFor(t, m, 2)
	assert.ErrorIs(t, err, context.Canceled)

	readings, err := db.RecentReadings(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, readings, 2)
}

func TestRun_PrunesOldHistory(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	require.NoError(t, db.SaveReading(ctx, &model.Reading{Timestamp: time.Now().AddDate(0, 0, -120)}))

	cfg := fastConfig()
	cfg.RetentionDays = 90
	m := New(&fakeChannel{replies: engineReplies()}, db, alert.NewDispatcher(db, nil, alert.DefaultPolicy(), nil), nil, nil, cfg)
	_ = runFor(t, m, 2)

	readings, err := db.RecentReadings(ctx, 10)
	require.NoError(t, err)
	require.Len(t, readings, 2)
	for _, r := range readings {
		assert.NotNil(t, r.EngineRPM)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "stopping", StateStopping.String())
}

func TestSetConfig(t *testing.T) {
	m := New(&fakeChannel{}, nil, nil, nil, nil, DefaultConfig())
	assert.Equal(t, 2*time.Second, m.interval())

	m.SetConfig(Config{IntervalMs: 500, RetentionDays: 7, Trip: TripConfig{HardBrakeMPHs: 9}})
	assert.Equal(t, 500*time.Millisecond, m.interval())
	assert.Equal(t, 7, m.Config().RetentionDays)
	assert.Equal(t, 9.0, m.Config().Trip.HardBrakeMPHs)

	m.SetConfig(Config{})
	assert.Equal(t, DefaultConfig().IntervalMs, m.Config().IntervalMs, "zero interval falls back to the default")
}
