package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Hub             HubConfig      `yaml:"hub"`
	Database        DatabaseConfig `yaml:"database"`
	Log             LogConfig      `yaml:"log"`
	EventBus        EventBusConfig `yaml:"eventbus"`
	Storage         StorageConfig  `yaml:"storage"`
	Ledger          LedgerConfig   `yaml:"ledger"`
	MQTT            MQTTConfig     `yaml:"mqtt"`
	HTTP            HTTPConfig     `yaml:"http"`
	Nodes           []NodeConfig   `yaml:"nodes"`
	ShutdownTimeout Duration       `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// HubConfig contains Maker API connection settings. An empty host leaves the
// hub unconfigured and every hub-bound node inert.
type HubConfig struct {
	Name          string   `yaml:"name"`
	Scheme        string   `yaml:"scheme"`
	Host          string   `yaml:"host"`
	AppID         string   `yaml:"app_id"`
	Token         string   `yaml:"token"`
	Timeout       Duration `yaml:"timeout"`        // HTTP timeout for Maker API requests
	DelayCommands Duration `yaml:"delay_commands"` // Pause after each command before the next may start
	RateLimitRPS  float64  `yaml:"rate_limit_rps"` // 0 = unlimited
	EventSocket   string   `yaml:"event_socket"`   // Overrides ws://<host>/eventsocket

	// Event socket reconnect settings
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // Minimum backoff between reconnects (default: 1s)
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // Maximum backoff between reconnects (default: 2m)
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // Backoff multiplier (default: 2.0)
	MaxReconnects   int      `yaml:"max_reconnects"`    // Max reconnect attempts, 0 = infinite (default: 0)
}

// Configured reports whether a hub connection should be made.
func (c HubConfig) Configured() bool {
	return c.Host != ""
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string        `yaml:"level"`
	Colors bool          `yaml:"colors"`
	JSON   bool          `yaml:"json"`
	File   LogFileConfig `yaml:"file"`
}

// LogFileConfig enables a rotating log file next to stderr output.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// StorageConfig contains flow store settings
type StorageConfig struct {
	Flow            string   `yaml:"flow"`             // Flow name, scopes the store (default: main)
	Persistent      bool     `yaml:"persistent"`       // Keep snapshots in SQLite across restarts
	CleanupInterval Duration `yaml:"cleanup_interval"` // Expired key sweep interval
	Concurrency     int      `yaml:"concurrency"`      // Parallel devices per capture/restore (default: 8)
}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	Enabled         bool     `yaml:"enabled"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// MQTTConfig contains MQTT bridge settings
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"` // Random when empty
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
	QoS      byte   `yaml:"qos"`
}

// HTTPConfig contains HTTP API server settings
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Addr returns the listen address.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NodeConfig defines one flow node.
type NodeConfig struct {
	ID         string    `yaml:"id"`
	Type       string    `yaml:"type"`
	Name       string    `yaml:"name"`
	Devices    DeviceIDs `yaml:"devices"`
	DeviceType string    `yaml:"device_type"`
	Attribute  string    `yaml:"attribute"`
	Target     string    `yaml:"target"`
	Mode       string    `yaml:"mode"`
	Emit       string    `yaml:"emit"`
	Script     string    `yaml:"script"`
	ScriptFile string    `yaml:"script_file"` // Relative to the config file
	Wires      []string  `yaml:"wires"`
}

// DeviceIDs is a device id list. YAML may give ids as numbers or strings,
// as a sequence or a single scalar.
type DeviceIDs []string

// UnmarshalYAML implements yaml.Unmarshaler for DeviceIDs
func (d *DeviceIDs) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*d = nil
			return nil
		}
		*d = DeviceIDs{value.Value}
		return nil
	case yaml.SequenceNode:
		ids := make(DeviceIDs, 0, len(value.Content))
		for _, item := range value.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: device id must be a scalar", item.Line)
			}
			ids = append(ids, item.Value)
		}
		*d = ids
		return nil
	default:
		return fmt.Errorf("line %d: devices must be a list of ids", value.Line)
	}
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	for i := range cfg.Nodes {
		n := &cfg.Nodes[i]
		if n.Script != "" || n.ScriptFile == "" {
			continue
		}
		file := n.ScriptFile
		if !filepath.IsAbs(file) {
			file = filepath.Join(dir, file)
		}
		src, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
		n.Script = string(src)
	}

	return cfg, nil
}

// Parse expands environment variables in data, decodes it and applies defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File.MaxSizeMB == 0 {
		cfg.Log.File.MaxSizeMB = 50
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./hubitatd.sqlite"
	}

	// Hub defaults
	if cfg.Hub.Name == "" {
		cfg.Hub.Name = "hubitat"
	}
	if cfg.Hub.Scheme == "" {
		cfg.Hub.Scheme = "http"
	}
	if cfg.Hub.Timeout == 0 {
		cfg.Hub.Timeout = Duration(30 * time.Second)
	}
	if cfg.Hub.MinRetryBackoff == 0 {
		cfg.Hub.MinRetryBackoff = Duration(1 * time.Second)
	}
	if cfg.Hub.MaxRetryBackoff == 0 {
		cfg.Hub.MaxRetryBackoff = Duration(2 * time.Minute)
	}
	if cfg.Hub.RetryMultiplier == 0 {
		cfg.Hub.RetryMultiplier = 2.0
	}
	// MaxReconnects and DelayCommands default to 0, no need to set

	// Storage defaults
	if cfg.Storage.Flow == "" {
		cfg.Storage.Flow = "main"
	}
	if cfg.Storage.CleanupInterval == 0 {
		cfg.Storage.CleanupInterval = Duration(time.Minute)
	}
	if cfg.Storage.Concurrency <= 0 {
		cfg.Storage.Concurrency = 8
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// MQTT defaults
	if cfg.MQTT.Prefix == "" {
		cfg.MQTT.Prefix = "hubitatd"
	}

	// HTTP defaults
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 9090
	}
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}

	for i := range cfg.Nodes {
		if cfg.Nodes[i].ID == "" {
			cfg.Nodes[i].ID = uuid.NewString()
		}
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks node definitions against the known node types.
func (cfg *Config) Validate(nodeTypes []string) error {
	var errs []error

	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt: broker is required when enabled"))
	}
	if cfg.Hub.Configured() && cfg.Hub.AppID == "" {
		errs = append(errs, errors.New("hub: app_id is required"))
	}

	ids := make(map[string]bool, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		if ids[n.ID] {
			errs = append(errs, fmt.Errorf("node %s: duplicate id", n.ID))
		}
		ids[n.ID] = true
		if !slices.Contains(nodeTypes, n.Type) {
			errs = append(errs, fmt.Errorf("node %s: unknown type %q", n.ID, n.Type))
		}
	}
	for _, n := range cfg.Nodes {
		for _, to := range n.Wires {
			if !ids[to] {
				errs = append(errs, fmt.Errorf("node %s: wire to unknown node %q", n.ID, to))
			}
		}
	}

	return errors.Join(errs...)
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	return envPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := strings.TrimSpace(parts[1])
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
