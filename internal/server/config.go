package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/obdmon/internal/alert"
	"github.com/shaunagostinho/obdmon/internal/elm"
	"github.com/shaunagostinho/obdmon/internal/logger"
	"github.com/shaunagostinho/obdmon/internal/maintenance"
	"github.com/shaunagostinho/obdmon/internal/monitor"
	"github.com/shaunagostinho/obdmon/internal/notify"
	"github.com/shaunagostinho/obdmon/internal/sensor"
	"github.com/shaunagostinho/obdmon/internal/store"
)

// DefaultConfigPath is where the CLI looks for its config file.
const DefaultConfigPath = "/etc/obdmon/config.yaml"

// Config holds all monitor configuration.
type Config struct {
	mu sync.RWMutex

	// Adapter link
	Adapter AdapterConfig `yaml:"adapter" json:"adapter"`
	Polling PollingConfig `yaml:"polling" json:"polling"`

	// Policies
	Alerts      alert.Policy       `yaml:"alerts" json:"alerts"`
	Maintenance maintenance.Policy `yaml:"maintenance" json:"maintenance"`
	Trip        monitor.TripConfig `yaml:"trip" json:"trip"`

	// Collaborators
	Ambient sensor.Config       `yaml:"ambient" json:"ambient"`
	Storage StorageConfig       `yaml:"storage" json:"storage"`
	Archive store.ArchiveConfig `yaml:"archive" json:"archive"`
	Notify  notify.Config       `yaml:"notify" json:"notify"`
	Logging logger.Config       `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type AdapterConfig struct {
	Transport     string `yaml:"transport" json:"transport"` // "serial", "tcp" or "demo"
	Address       string `yaml:"address" json:"address"`     // e.g. /dev/rfcomm0 or 192.168.0.10:35000
	BaudRate      int    `yaml:"baud_rate" json:"baudRate"`
	DialTimeoutMs int    `yaml:"dial_timeout_ms" json:"dialTimeoutMs"`
}

type PollingConfig struct {
	IntervalMs     int `yaml:"interval_ms" json:"intervalMs"`           // between cycles
	ExchangePollMs int `yaml:"exchange_poll_ms" json:"exchangePollMs"`  // between availability checks
	ExchangePolls  int `yaml:"exchange_polls" json:"exchangePolls"`     // checks per command
	RetentionDays  int `yaml:"retention_days" json:"retentionDays"`     // 0 keeps everything
	MaxRetryDelayS int `yaml:"max_retry_delay_s" json:"maxRetryDelayS"` // reconnect backoff cap
}

type StorageConfig struct {
	Path string `yaml:"path" json:"path"` // SQLite database file
}

type ServerConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Adapter: AdapterConfig{
			Transport:     "serial",
			Address:       "/dev/rfcomm0",
			BaudRate:      38400,
			DialTimeoutMs: 5000,
		},
		Polling: PollingConfig{
			IntervalMs:     2000,
			ExchangePollMs: 100,
			ExchangePolls:  20,
			RetentionDays:  90,
			MaxRetryDelayS: 60,
		},
		Alerts:      alert.DefaultPolicy(),
		Maintenance: maintenance.DefaultPolicy(),
		Ambient: sensor.Config{
			Source:       "thermal",
			PollInterval: 5000,
			OverheatC:    sensor.DefaultOverheatC,
		},
		Storage: StorageConfig{
			Path: "/var/lib/obdmon/obdmon.db",
		},
		Archive: store.ArchiveConfig{
			Addr:     "localhost:9000",
			Database: "default",
			Vehicle:  "truck",
		},
		Notify: notify.Config{
			MQTT: notify.MQTTConfig{ClientID: "obdmon"},
		},
		Logging: logger.Config{
			Enabled:    false,
			Path:       "/var/log/obdmon",
			IntervalMs: 2000,
		},
		Server: ServerConfig{
			Enabled:    true,
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile sets variables from a .env file. Variables already present in
// the real environment take precedence.
func loadEnvFile(path string) {
	err := godotenv.Load(path)
	switch {
	case err == nil:
		log.Printf("[config] loaded .env from %s", path)
	case !errors.Is(err, fs.ErrNotExist):
		log.Printf("[config] .env at %s: %v", path, err)
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: ADAPTER_TRANSPORT, ADAPTER_ADDRESS, ADAPTER_BAUD, POLL_INTERVAL_MS,
// DB_PATH, LISTEN_ADDR, MQTT_BROKER, MQTT_TOPIC, MQTT_USERNAME, MQTT_PASSWORD,
// WEBHOOK_URL, CLICKHOUSE_ADDR, CLICKHOUSE_USER, CLICKHOUSE_PASSWORD,
// AMBIENT_SOURCE, LOG_ENABLED, LOG_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ADAPTER_TRANSPORT"); v != "" {
		c.Adapter.Transport = v
	}
	if v := os.Getenv("ADAPTER_ADDRESS"); v != "" {
		c.Adapter.Address = v
	}
	if v := os.Getenv("ADAPTER_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Adapter.BaudRate = n
		}
	}
	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Polling.IntervalMs = n
		}
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("AMBIENT_SOURCE"); v != "" {
		c.Ambient.Source = v
	}
	// Notifications
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.Notify.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_TOPIC"); v != "" {
		c.Notify.MQTT.Topic = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.Notify.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.Notify.MQTT.Password = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		c.Notify.Webhook = v
	}
	// Archive
	if v := os.Getenv("CLICKHOUSE_ADDR"); v != "" {
		c.Archive.Addr = v
		c.Archive.Enabled = true
	}
	if v := os.Getenv("CLICKHOUSE_USER"); v != "" {
		c.Archive.Username = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.Archive.Password = v
	}
	// Logging
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
}

// ChannelConfig returns the command-channel timing from the polling section.
func (c *Config) ChannelConfig() elm.ChannelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cc := elm.DefaultChannelConfig()
	if c.Polling.ExchangePollMs > 0 {
		cc.PollInterval = time.Duration(c.Polling.ExchangePollMs) * time.Millisecond
	}
	if c.Polling.ExchangePolls > 0 {
		cc.PollAttempts = c.Polling.ExchangePolls
	}
	return cc
}

// MonitorConfig returns the polling loop settings.
func (c *Config) MonitorConfig() monitor.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return monitor.Config{
		IntervalMs:    c.Polling.IntervalMs,
		RetentionDays: c.Polling.RetentionDays,
		Trip:          c.Trip,
	}
}

// AlertPolicy returns a copy of the alert policy.
func (c *Config) AlertPolicy() alert.Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Alerts
}

// MaintenancePolicy returns a copy of the maintenance policy.
func (c *Config) MaintenancePolicy() maintenance.Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Maintenance
}

// Path returns the file the config is saved to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0600)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. adapter address, storage path).
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Marshal current config to a generic map
	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	// Unmarshal incoming partial update to a map
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	// Deep merge patch into base
	deepMerge(base, patch)

	// Marshal merged result and unmarshal back into the config struct
	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
