// Package store persists readings, alerts, trips, maintenance events and
// trouble codes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shaunagostinho/obdmon/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup by id matches nothing.
var ErrNotFound = errors.New("store: not found")

// Field names a numeric reading column that can be averaged.
type Field string

const (
	FieldCoolantTemp    Field = "coolant_temp"
	FieldLongFuelTrim1  Field = "long_fuel_trim_1"
	FieldLongFuelTrim2  Field = "long_fuel_trim_2"
	FieldBatteryVoltage Field = "battery_voltage"
	FieldEngineLoad     Field = "engine_load"
	FieldVehicleSpeed   Field = "vehicle_speed"
	FieldMAFRate        Field = "maf_rate"
)

var averageable = map[Field]bool{
	FieldCoolantTemp: true, FieldLongFuelTrim1: true, FieldLongFuelTrim2: true,
	FieldBatteryVoltage: true, FieldEngineLoad: true, FieldVehicleSpeed: true,
	FieldMAFRate: true,
}

// SQLite is the durable store. Timestamps are unix milliseconds.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for a throwaway store.
func Open(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Printf("[store] opened %s", path)
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) initSchema(ctx context.Context) error {
	for _, stmt := range pragmas {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: %s: %w", stmt, err)
		}
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: failed to create schema: %w", err)
		}
	}
	return nil
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS readings (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp          INTEGER NOT NULL,
		trip_id            TEXT,
		engine_rpm         REAL,
		vehicle_speed      REAL,
		coolant_temp       REAL,
		engine_load        REAL,
		throttle_position  REAL,
		intake_temp        REAL,
		maf_rate           REAL,
		short_fuel_trim_1  REAL,
		long_fuel_trim_1   REAL,
		short_fuel_trim_2  REAL,
		long_fuel_trim_2   REAL,
		battery_voltage    REAL,
		ambient_temp       REAL,
		device_overheating INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_readings_timestamp ON readings(timestamp)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp    INTEGER NOT NULL,
		severity     TEXT NOT NULL,
		category     TEXT NOT NULL,
		title        TEXT NOT NULL,
		message      TEXT NOT NULL,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		related_pid  TEXT,
		value        REAL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp)`,
	`CREATE TABLE IF NOT EXISTS trips (
		trip_id            TEXT PRIMARY KEY,
		start_time         INTEGER NOT NULL,
		end_time           INTEGER,
		samples            INTEGER NOT NULL DEFAULT 0,
		distance_miles     REAL NOT NULL DEFAULT 0,
		avg_speed          REAL,
		max_speed          REAL,
		avg_rpm            REAL,
		max_rpm            REAL,
		avg_coolant_temp   REAL,
		max_coolant_temp   REAL,
		avg_engine_load    REAL,
		avg_fuel_trim      REAL,
		hard_accelerations INTEGER NOT NULL DEFAULT 0,
		hard_braking       INTEGER NOT NULL DEFAULT 0,
		idle_ms            INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS maintenance_events (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp        INTEGER NOT NULL,
		mileage          INTEGER,
		type             TEXT NOT NULL,
		description      TEXT NOT NULL,
		notes            TEXT,
		cost             REAL,
		next_due_date    INTEGER,
		next_due_mileage INTEGER,
		completed        INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_maintenance_type ON maintenance_events(type, timestamp)`,
	`CREATE TABLE IF NOT EXISTS diagnostic_codes (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp   INTEGER NOT NULL,
		code        TEXT NOT NULL,
		description TEXT NOT NULL,
		severity    TEXT NOT NULL,
		cleared     INTEGER NOT NULL DEFAULT 0,
		cleared_at  INTEGER
	)`,
}

// ============================================================================
// Readings
// ============================================================================

const readingColumns = `id, timestamp, trip_id, engine_rpm, vehicle_speed, coolant_temp,
	engine_load, throttle_position, intake_temp, maf_rate,
	short_fuel_trim_1, long_fuel_trim_1, short_fuel_trim_2, long_fuel_trim_2,
	battery_voltage, ambient_temp, device_overheating`

// SaveReading inserts r and sets its ID.
func (s *SQLite) SaveReading(ctx context.Context, r *model.Reading) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO readings (timestamp, trip_id, engine_rpm, vehicle_speed, coolant_temp,
			engine_load, throttle_position, intake_temp, maf_rate,
			short_fuel_trim_1, long_fuel_trim_1, short_fuel_trim_2, long_fuel_trim_2,
			battery_voltage, ambient_temp, device_overheating)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		millis(r.Timestamp), nullString(r.TripID),
		nullFloat(r.EngineRPM), nullFloat(r.VehicleSpeed), nullFloat(r.CoolantTemp),
		nullFloat(r.EngineLoad), nullFloat(r.ThrottlePosition), nullFloat(r.IntakeTemp),
		nullFloat(r.MAFRate),
		nullFloat(r.ShortFuelTrimBank1), nullFloat(r.LongFuelTrimBank1),
		nullFloat(r.ShortFuelTrimBank2), nullFloat(r.LongFuelTrimBank2),
		nullFloat(r.BatteryVoltage), nullFloat(r.AmbientTemp), r.DeviceOverheating,
	)
	if err != nil {
		return fmt.Errorf("store: insert reading: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// RecentReadings returns up to limit readings, newest first.
func (s *SQLite) RecentReadings(ctx context.Context, limit int) ([]model.Reading, error) {
	return s.queryReadings(ctx,
		`SELECT `+readingColumns+` FROM readings ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

// ReadingsSince returns readings at or after since, oldest first.
func (s *SQLite) ReadingsSince(ctx context.Context, since time.Time) ([]model.Reading, error) {
	return s.queryReadings(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE timestamp >= ? ORDER BY timestamp, id`, millis(since))
}

// HighCoolantReadings returns up to limit readings with coolant above
// threshold, newest first.
func (s *SQLite) HighCoolantReadings(ctx context.Context, threshold float64, limit int) ([]model.Reading, error) {
	return s.queryReadings(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE coolant_temp > ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`, threshold, limit)
}

// Average returns the mean of field over readings at or after since. The
// result is nil when no reading has the field.
func (s *SQLite) Average(ctx context.Context, field Field, since time.Time) (*float64, error) {
	if !averageable[field] {
		return nil, fmt.Errorf("store: field %q cannot be averaged", field)
	}
	var avg sql.NullFloat64
	q := fmt.Sprintf(`SELECT AVG(%s) FROM readings WHERE timestamp >= ? AND %s IS NOT NULL`, field, field)
	if err := s.db.QueryRowContext(ctx, q, millis(since)).Scan(&avg); err != nil {
		return nil, fmt.Errorf("store: average %s: %w", field, err)
	}
	return floatPtr(avg), nil
}

func (s *SQLite) queryReadings(ctx context.Context, q string, args ...any) ([]model.Reading, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query readings: %w", err)
	}
	defer rows.Close()

	var out []model.Reading
	for rows.Next() {
		var (
			r                                      model.Reading
			ts                                     int64
			trip                                   sql.NullString
			rpm, speed, coolant, load, tps, iat    sql.NullFloat64
			maf, stft1, ltft1, stft2, ltft2, volts sql.NullFloat64
			ambient                                sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &ts, &trip, &rpm, &speed, &coolant, &load, &tps, &iat,
			&maf, &stft1, &ltft1, &stft2, &ltft2, &volts, &ambient, &r.DeviceOverheating); err != nil {
			return nil, fmt.Errorf("store: scan reading: %w", err)
		}
		r.Timestamp = fromMillis(ts)
		r.TripID = trip.String
		r.EngineRPM, r.VehicleSpeed, r.CoolantTemp = floatPtr(rpm), floatPtr(speed), floatPtr(coolant)
		r.EngineLoad, r.ThrottlePosition, r.IntakeTemp = floatPtr(load), floatPtr(tps), floatPtr(iat)
		r.MAFRate = floatPtr(maf)
		r.ShortFuelTrimBank1, r.LongFuelTrimBank1 = floatPtr(stft1), floatPtr(ltft1)
		r.ShortFuelTrimBank2, r.LongFuelTrimBank2 = floatPtr(stft2), floatPtr(ltft2)
		r.BatteryVoltage, r.AmbientTemp = floatPtr(volts), floatPtr(ambient)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ============================================================================
// Alerts
// ============================================================================

const alertColumns = `id, timestamp, severity, category, title, message, acknowledged, related_pid, value`

// SaveAlert inserts a and sets its ID.
func (s *SQLite) SaveAlert(ctx context.Context, a *model.Alert) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (timestamp, severity, category, title, message, acknowledged, related_pid, value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		millis(a.Timestamp), string(a.Severity), string(a.Category), a.Title, a.Message,
		a.Acknowledged, nullString(a.RelatedPID), nullFloat(a.Value),
	)
	if err != nil {
		return fmt.Errorf("store: insert alert: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// RecentAlerts returns up to limit alerts, newest first.
func (s *SQLite) RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

// UnacknowledgedAlerts returns every open alert, newest first.
func (s *SQLite) UnacknowledgedAlerts(ctx context.Context) ([]model.Alert, error) {
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE acknowledged = 0 ORDER BY timestamp DESC, id DESC`)
}

// AcknowledgeAlert marks the alert acknowledged.
func (s *SQLite) AcknowledgeAlert(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: acknowledge alert %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLite) queryAlerts(ctx context.Context, q string, args ...any) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query alerts: %w", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var (
			a        model.Alert
			ts       int64
			sev, cat string
			pid      sql.NullString
			value    sql.NullFloat64
		)
		if err := rows.Scan(&a.ID, &ts, &sev, &cat, &a.Title, &a.Message, &a.Acknowledged, &pid, &value); err != nil {
			return nil, fmt.Errorf("store: scan alert: %w", err)
		}
		a.Timestamp = fromMillis(ts)
		a.Severity, a.Category = model.Severity(sev), model.Category(cat)
		a.RelatedPID = pid.String
		a.Value = floatPtr(value)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ============================================================================
// Trips
// ============================================================================

const tripColumns = `trip_id, start_time, end_time, samples, distance_miles,
	avg_speed, max_speed, avg_rpm, max_rpm, avg_coolant_temp, max_coolant_temp,
	avg_engine_load, avg_fuel_trim, hard_accelerations, hard_braking, idle_ms`

// CreateTrip inserts a new trip.
func (s *SQLite) CreateTrip(ctx context.Context, t *model.TripSummary) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO trips (`+tripColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, tripArgs(t)...)
	if err != nil {
		return fmt.Errorf("store: insert trip %s: %w", t.TripID, err)
	}
	return nil
}

// UpdateTrip overwrites the stored trip with t.
func (s *SQLite) UpdateTrip(ctx context.Context, t *model.TripSummary) error {
	args := append(tripArgs(t)[1:], t.TripID)
	res, err := s.db.ExecContext(ctx, `UPDATE trips SET
		start_time = ?, end_time = ?, samples = ?, distance_miles = ?,
		avg_speed = ?, max_speed = ?, avg_rpm = ?, max_rpm = ?,
		avg_coolant_temp = ?, max_coolant_temp = ?, avg_engine_load = ?, avg_fuel_trim = ?,
		hard_accelerations = ?, hard_braking = ?, idle_ms = ?
		WHERE trip_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("store: update trip %s: %w", t.TripID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trip %s: %w", t.TripID, ErrNotFound)
	}
	return nil
}

// GetTrip loads one trip.
func (s *SQLite) GetTrip(ctx context.Context, id string) (*model.TripSummary, error) {
	trips, err := s.queryTrips(ctx, `SELECT `+tripColumns+` FROM trips WHERE trip_id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(trips) == 0 {
		return nil, fmt.Errorf("trip %s: %w", id, ErrNotFound)
	}
	return &trips[0], nil
}

// ActiveTrip returns the open trip, or nil when none is open.
func (s *SQLite) ActiveTrip(ctx context.Context) (*model.TripSummary, error) {
	trips, err := s.queryTrips(ctx,
		`SELECT `+tripColumns+` FROM trips WHERE end_time IS NULL ORDER BY start_time DESC LIMIT 1`)
	if err != nil || len(trips) == 0 {
		return nil, err
	}
	return &trips[0], nil
}

// RecentTrips returns up to limit trips, newest first.
func (s *SQLite) RecentTrips(ctx context.Context, limit int) ([]model.TripSummary, error) {
	return s.queryTrips(ctx, `SELECT `+tripColumns+` FROM trips ORDER BY start_time DESC LIMIT ?`, limit)
}

// CloseOpenTrips ends every open trip at end. It repairs trips left open by
// an unclean shutdown.
func (s *SQLite) CloseOpenTrips(ctx context.Context, end time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE trips SET end_time = ? WHERE end_time IS NULL`, millis(end))
	if err != nil {
		return 0, fmt.Errorf("store: close open trips: %w", err)
	}
	return res.RowsAffected()
}

func tripArgs(t *model.TripSummary) []any {
	var end any
	if t.EndTime != nil {
		end = millis(*t.EndTime)
	}
	return []any{
		t.TripID, millis(t.StartTime), end, t.Samples, t.DistanceMiles,
		nullFloat(t.AvgSpeed), nullFloat(t.MaxSpeed), nullFloat(t.AvgRPM), nullFloat(t.MaxRPM),
		nullFloat(t.AvgCoolantTemp), nullFloat(t.MaxCoolantTemp),
		nullFloat(t.AvgEngineLoad), nullFloat(t.AvgFuelTrim),
		t.HardAccelerations, t.HardBraking, t.IdleTime.Milliseconds(),
	}
}

func (s *SQLite) queryTrips(ctx context.Context, q string, args ...any) ([]model.TripSummary, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query trips: %w", err)
	}
	defer rows.Close()

	var out []model.TripSummary
	for rows.Next() {
		var (
			t                                  model.TripSummary
			start, idle                        int64
			end                                sql.NullInt64
			avgSpd, maxSpd, avgRPM, maxRPM     sql.NullFloat64
			avgCool, maxCool, avgLoad, avgTrim sql.NullFloat64
		)
		if err := rows.Scan(&t.TripID, &start, &end, &t.Samples, &t.DistanceMiles,
			&avgSpd, &maxSpd, &avgRPM, &maxRPM, &avgCool, &maxCool, &avgLoad, &avgTrim,
			&t.HardAccelerations, &t.HardBraking, &idle); err != nil {
			return nil, fmt.Errorf("store: scan trip: %w", err)
		}
		t.StartTime = fromMillis(start)
		if end.Valid {
			e := fromMillis(end.Int64)
			t.EndTime = &e
		}
		t.AvgSpeed, t.MaxSpeed = floatPtr(avgSpd), floatPtr(maxSpd)
		t.AvgRPM, t.MaxRPM = floatPtr(avgRPM), floatPtr(maxRPM)
		t.AvgCoolantTemp, t.MaxCoolantTemp = floatPtr(avgCool), floatPtr(maxCool)
		t.AvgEngineLoad, t.AvgFuelTrim = floatPtr(avgLoad), floatPtr(avgTrim)
		t.IdleTime = time.Duration(idle) * time.Millisecond
		out = append(out, t)
	}
	return out, rows.Err()
}

// ============================================================================
// Maintenance events
// ============================================================================

const eventColumns = `id, timestamp, mileage, type, description, notes, cost,
	next_due_date, next_due_mileage, completed`

// AddMaintenanceEvent inserts e and sets its ID.
func (s *SQLite) AddMaintenanceEvent(ctx context.Context, e *model.MaintenanceEvent) error {
	var due any
	if e.NextDueDate != nil {
		due = millis(*e.NextDueDate)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO maintenance_events (timestamp, mileage, type, description, notes, cost,
			next_due_date, next_due_mileage, completed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		millis(e.Timestamp), nullInt(e.Mileage), string(e.Type), e.Description,
		nullString(e.Notes), nullFloat(e.Cost), due, nullInt(e.NextDueMileage), e.Completed,
	)
	if err != nil {
		return fmt.Errorf("store: insert maintenance event: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// LastCompletedEvent returns the most recent completed event of type t, or
// nil when there is none.
func (s *SQLite) LastCompletedEvent(ctx context.Context, t model.MaintenanceType) (*model.MaintenanceEvent, error) {
	events, err := s.queryEvents(ctx, `SELECT `+eventColumns+` FROM maintenance_events
		WHERE type = ? AND completed = 1 ORDER BY timestamp DESC, id DESC LIMIT 1`, string(t))
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

// MaintenanceEvents returns up to limit events, newest first.
func (s *SQLite) MaintenanceEvents(ctx context.Context, limit int) ([]model.MaintenanceEvent, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM maintenance_events
		ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

func (s *SQLite) queryEvents(ctx context.Context, q string, args ...any) ([]model.MaintenanceEvent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query maintenance events: %w", err)
	}
	defer rows.Close()

	var out []model.MaintenanceEvent
	for rows.Next() {
		var (
			e                   model.MaintenanceEvent
			ts                  int64
			typ                 string
			mileage, dueMileage sql.NullInt64
			due                 sql.NullInt64
			notes               sql.NullString
			cost                sql.NullFloat64
		)
		if err := rows.Scan(&e.ID, &ts, &mileage, &typ, &e.Description, &notes, &cost,
			&due, &dueMileage, &e.Completed); err != nil {
			return nil, fmt.Errorf("store: scan maintenance event: %w", err)
		}
		e.Timestamp = fromMillis(ts)
		e.Type = model.MaintenanceType(typ)
		e.Mileage, e.NextDueMileage = intPtr(mileage), intPtr(dueMileage)
		e.Notes = notes.String
		e.Cost = floatPtr(cost)
		if due.Valid {
			d := fromMillis(due.Int64)
			e.NextDueDate = &d
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ============================================================================
// Diagnostic codes
// ============================================================================

// SaveDiagnosticCode inserts c and sets its ID.
func (s *SQLite) SaveDiagnosticCode(ctx context.Context, c *model.DiagnosticCode) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO diagnostic_codes (timestamp, code, description, severity, cleared)
		VALUES (?, ?, ?, ?, ?)`,
		millis(c.Timestamp), c.Code, c.Description, string(c.Severity), c.Cleared,
	)
	if err != nil {
		return fmt.Errorf("store: insert code %s: %w", c.Code, err)
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

// ActiveCodes returns codes not yet cleared, newest first.
func (s *SQLite) ActiveCodes(ctx context.Context) ([]model.DiagnosticCode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, code, description, severity, cleared, cleared_at
		FROM diagnostic_codes WHERE cleared = 0 ORDER BY timestamp DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: query codes: %w", err)
	}
	defer rows.Close()

	var out []model.DiagnosticCode
	for rows.Next() {
		var (
			c       model.DiagnosticCode
			ts      int64
			sev     string
			cleared sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &ts, &c.Code, &c.Description, &sev, &c.Cleared, &cleared); err != nil {
			return nil, fmt.Errorf("store: scan code: %w", err)
		}
		c.Timestamp = fromMillis(ts)
		c.Severity = model.Severity(sev)
		if cleared.Valid {
			at := fromMillis(cleared.Int64)
			c.ClearedAt = &at
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkCodeCleared clears every active row for code.
func (s *SQLite) MarkCodeCleared(ctx context.Context, code string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE diagnostic_codes SET cleared = 1, cleared_at = ? WHERE code = ? AND cleared = 0`,
		millis(at), code)
	if err != nil {
		return fmt.Errorf("store: clear code %s: %w", code, err)
	}
	return nil
}

// ============================================================================
// Retention
// ============================================================================

// Prune deletes readings and acknowledged alerts older than before.
func (s *SQLite) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := millis(before)
	var total int64
	for _, q := range []string{
		`DELETE FROM readings WHERE timestamp < ?`,
		`DELETE FROM alerts WHERE timestamp < ? AND acknowledged = 1`,
	} {
		res, err := s.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("store: prune: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// ============================================================================
// Helpers
// ============================================================================

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
