package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/shaunagostinho/obdmon/internal/model"
)

// ArchiveConfig configures the optional ClickHouse time-series archive.
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Database string `yaml:"database" json:"database"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Vehicle  string `yaml:"vehicle" json:"vehicle"` // tag written with every row
}

// Archive copies every reading into ClickHouse for long-term analysis.
// Write failures are logged and never block the polling loop for long.
type Archive struct {
	conn    driver.Conn
	vehicle string
	timeout time.Duration
}

const archiveTable = `
	CREATE TABLE IF NOT EXISTS obd_readings (
		timestamp          DateTime64(3),
		vehicle            LowCardinality(String),
		trip_id            String,
		engine_rpm         Nullable(Float64),
		vehicle_speed      Nullable(Float64),
		coolant_temp       Nullable(Float64),
		engine_load        Nullable(Float64),
		throttle_position  Nullable(Float64),
		intake_temp        Nullable(Float64),
		maf_rate           Nullable(Float64),
		short_fuel_trim_1  Nullable(Float64),
		long_fuel_trim_1   Nullable(Float64),
		short_fuel_trim_2  Nullable(Float64),
		long_fuel_trim_2   Nullable(Float64),
		battery_voltage    Nullable(Float64),
		ambient_temp       Nullable(Float64),
		device_overheating UInt8
	) ENGINE = MergeTree()
	ORDER BY (vehicle, timestamp)`

// OpenArchive connects to ClickHouse and creates the readings table.
func OpenArchive(ctx context.Context, cfg ArchiveConfig) (*Archive, error) {
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: failed to ping ClickHouse at %s: %w", cfg.Addr, err)
	}
	if err := conn.Exec(ctx, archiveTable); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: failed to create archive table: %w", err)
	}
	log.Printf("[store] archiving readings to ClickHouse at %s", cfg.Addr)
	return &Archive{conn: conn, vehicle: cfg.Vehicle, timeout: 2 * time.Second}, nil
}

// Record inserts one reading.
func (a *Archive) Record(r *model.Reading) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	var overheating uint8
	if r.DeviceOverheating {
		overheating = 1
	}
	err := a.conn.Exec(ctx, `
		INSERT INTO obd_readings (timestamp, vehicle, trip_id, engine_rpm, vehicle_speed, coolant_temp,
			engine_load, throttle_position, intake_temp, maf_rate,
			short_fuel_trim_1, long_fuel_trim_1, short_fuel_trim_2, long_fuel_trim_2,
			battery_voltage, ambient_temp, device_overheating)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp, a.vehicle, r.TripID,
		r.EngineRPM, r.VehicleSpeed, r.CoolantTemp,
		r.EngineLoad, r.ThrottlePosition, r.IntakeTemp, r.MAFRate,
		r.ShortFuelTrimBank1, r.LongFuelTrimBank1, r.ShortFuelTrimBank2, r.LongFuelTrimBank2,
		r.BatteryVoltage, r.AmbientTemp, overheating,
	)
	if err != nil {
		log.Printf("[store] archive insert failed: %v", err)
	}
}

func (a *Archive) Close() error { return a.conn.Close() }
