package sensor

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultThermalRoot is where Linux exposes thermal zones.
const DefaultThermalRoot = "/sys/class/thermal"

// ThermalZone polls a Linux thermal-zone temperature file (milli-°C).
type ThermalZone struct {
	path      string
	interval  time.Duration
	overheatC float64

	mu   sync.Mutex
	last *Sample
}

// NewThermalZone creates a reader for path. Call Run to start polling.
func NewThermalZone(path string, cfg Config) *ThermalZone {
	interval := time.Duration(cfg.PollInterval) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	overheat := cfg.OverheatC
	if overheat == 0 {
		overheat = DefaultOverheatC
	}
	return &ThermalZone{path: path, interval: interval, overheatC: overheat}
}

func (z *ThermalZone) Name() string { return "thermal:" + z.path }

func (z *ThermalZone) Latest() (Sample, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.last == nil {
		return Sample{}, false
	}
	return *z.last, true
}

// Read samples the zone once and stores the result as the latest sample.
func (z *ThermalZone) Read() (Sample, error) {
	raw, err := os.ReadFile(z.path)
	if err != nil {
		return Sample{}, fmt.Errorf("sensor: read %s: %w", z.path, err)
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return Sample{}, fmt.Errorf("sensor: parse %s: %w", z.path, err)
	}
	c := milli / 1000
	s := Sample{
		TemperatureF: CToF(c),
		Overheating:  c > z.overheatC,
		Timestamp:    time.Now(),
	}
	z.mu.Lock()
	z.last = &s
	z.mu.Unlock()
	return s, nil
}

// Run polls until ctx is cancelled. Read errors are logged and the last good
// sample is kept.
func (z *ThermalZone) Run(ctx context.Context) {
	if _, err := z.Read(); err != nil {
		log.Printf("[sensor] %v", err)
	}
	ticker := time.NewTicker(z.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := z.Read(); err != nil {
				log.Printf("[sensor] %v", err)
			}
		}
	}
}

// DiscoverThermalZone picks a zone under root, preferring one whose type
// names the battery since that tracks the device's own temperature.
func DiscoverThermalZone(root string) (string, error) {
	zones, err := filepath.Glob(filepath.Join(root, "thermal_zone*"))
	if err != nil {
		return "", fmt.Errorf("sensor: scan %s: %w", root, err)
	}
	sort.Strings(zones)
	var first string
	for _, zone := range zones {
		temp := filepath.Join(zone, "temp")
		if _, err := os.Stat(temp); err != nil {
			continue
		}
		if first == "" {
			first = temp
		}
		kind, _ := os.ReadFile(filepath.Join(zone, "type"))
		if strings.Contains(strings.ToLower(string(kind)), "battery") {
			return temp, nil
		}
	}
	if first == "" {
		return "", fmt.Errorf("sensor: no thermal zone under %s", root)
	}
	return first, nil
}
