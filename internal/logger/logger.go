package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/obdmon/internal/model"
)

// Logger records readings to CSV files with automatic rotation.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const (
	maxRowsPerFile = 50_000 // Rotate after 50k rows (~28 hrs at 0.5 Hz)
)

var csvHeader = []string{
	"timestamp", "trip_id",
	"rpm", "speed_mph", "coolant_f", "load_pct", "tps_pct", "iat_f", "maf_gs",
	"stft1_pct", "ltft1_pct", "stft2_pct", "ltft2_pct",
	"battery_v", "ambient_f", "device_hot",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/obdmon"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 0 {
		interval = 0 // Every reading
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes a reading if the minimum interval has elapsed since the
// last row. The interval is measured on reading timestamps.
func (l *Logger) Record(r *model.Reading) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || r == nil {
		return
	}

	if !l.lastTs.IsZero() && r.Timestamp.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = r.Timestamp

	// Open/rotate file if needed
	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(r.Timestamp); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(buildRow(r)); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("obdmon_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	// Write header
	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

// buildRow leaves absent values as empty cells.
func buildRow(r *model.Reading) []string {
	return []string{
		r.Timestamp.Format(time.RFC3339Nano),
		r.TripID,
		num(r.EngineRPM, 0),
		num(r.VehicleSpeed, 1),
		num(r.CoolantTemp, 1),
		num(r.EngineLoad, 1),
		num(r.ThrottlePosition, 1),
		num(r.IntakeTemp, 1),
		num(r.MAFRate, 2),
		num(r.ShortFuelTrimBank1, 1),
		num(r.LongFuelTrimBank1, 1),
		num(r.ShortFuelTrimBank2, 1),
		num(r.LongFuelTrimBank2, 1),
		num(r.BatteryVoltage, 2),
		num(r.AmbientTemp, 1),
		boolStr(r.DeviceOverheating),
	}
}

func num(v *float64, prec int) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', prec, 64)
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
