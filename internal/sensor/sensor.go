// Package sensor supplies the ambient-temperature snapshot merged into each reading.
package sensor

import (
	"fmt"
	"time"
)

// Sample is one ambient reading.
type Sample struct {
	TemperatureF float64   `json:"temperatureF"`
	Overheating  bool      `json:"overheating"`
	Timestamp    time.Time `json:"timestamp"`
}

// Provider is the interface for ambient temperature sources. Latest never
// blocks; it returns the most recent sample, however old.
type Provider interface {
	Name() string
	Latest() (Sample, bool)
}

// DefaultOverheatC is the device temperature above which readings carry
// the overheating flag.
const DefaultOverheatC = 40.0

// Config selects and tunes the ambient source.
type Config struct {
	Source       string  `yaml:"source" json:"source"` // "thermal", "demo" or "none"
	Path         string  `yaml:"path" json:"path"`     // thermal zone temp file; empty = discover
	PollInterval int     `yaml:"poll_interval_ms" json:"pollIntervalMs"`
	OverheatC    float64 `yaml:"overheat_c" json:"overheatC"`
}

// None never has a sample.
type None struct{}

func (None) Name() string           { return "none" }
func (None) Latest() (Sample, bool) { return Sample{}, false }

// New builds the provider named by cfg.Source.
func New(cfg Config) (Provider, error) {
	switch cfg.Source {
	case "", "none":
		return None{}, nil
	case "demo":
		return NewDemo(), nil
	case "thermal":
		path := cfg.Path
		if path == "" {
			p, err := DiscoverThermalZone(DefaultThermalRoot)
			if err != nil {
				return nil, err
			}
			path = p
		}
		return NewThermalZone(path, cfg), nil
	}
	return nil, fmt.Errorf("sensor: unknown source %q", cfg.Source)
}

// CToF converts Celsius to Fahrenheit.
func CToF(c float64) float64 { return c*9/5 + 32 }

// Ambient advisory thresholds in °F.
const (
	heatF        = 100
	freezingF    = 32
	extremeColdF = 10
	deviceRiskF  = 104
)

// AmbientConditionWarnings returns advisory text for the given ambient
// temperature in °F. An empty result means conditions are unremarkable.
// Below extremeColdF both the freezing and the extreme cold advice apply.
func AmbientConditionWarnings(tempF float64, overheating bool) []string {
	var out []string
	switch {
	case tempF > heatF:
		out = append(out,
			"Extreme heat - monitor coolant temperature closely",
			"AC system working harder - watch engine load")
	case tempF < freezingF:
		out = append(out,
			"Freezing conditions - allow a longer warm-up",
			"Check for frozen coolant or fluids")
		if tempF < extremeColdF {
			out = append(out,
				"Extreme cold - battery capacity reduced",
				"Engine oil thicker - ensure a proper warm-up")
		}
	}
	if overheating || tempF > deviceRiskF {
		out = append(out, "Device overheating - move it out of direct sunlight")
	}
	return out
}
