package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/trashbot-remote/internal/command"
	"github.com/chaz8081/trashbot-remote/internal/ws"
)

// Config holds all application configuration.
type Config struct {
	Transport      string          `yaml:"transport"` // "ble", "websocket", "sim" or "auto"
	LogLevel       string          `yaml:"log_level"`
	LogFile        string          `yaml:"log_file"`
	ScanTimeout    time.Duration   `yaml:"scan_timeout"`
	ConnectTimeout time.Duration   `yaml:"connect_timeout"`
	DefaultSpeed   int             `yaml:"default_speed"`
	BLE            BLEConfig       `yaml:"ble"`
	WebSocket      WebSocketConfig `yaml:"websocket"`
	Sim            SimConfig       `yaml:"sim"`
	Breaker        BreakerConfig   `yaml:"breaker"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
	Keys           KeysConfig      `yaml:"keys"`
}

// BLEConfig holds the robot's GATT layout and the device to connect to.
type BLEConfig struct {
	ServiceUUID   string `yaml:"service_uuid"`
	WriteCharUUID string `yaml:"write_char_uuid"`
	ReadCharUUID  string `yaml:"read_char_uuid"`
	Device        string `yaml:"device"`      // MAC (UUID on macOS) connected to without scanning
	NameFilter    string `yaml:"name_filter"` // substring of advertised names shown by scan
	Base64        bool   `yaml:"base64"`
}

// WebSocketConfig holds the robot's WebSocket endpoint.
type WebSocketConfig struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	Discover         bool          `yaml:"discover"` // look the endpoint up over mDNS first
	DiscoverTimeout  time.Duration `yaml:"discover_timeout"`
}

// SimDevice is one simulated robot.
type SimDevice struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	RSSI int    `yaml:"rssi"`
}

// SimConfig controls the in-memory transport.
type SimConfig struct {
	Devices            []SimDevice   `yaml:"devices"`
	ScanDelay          time.Duration `yaml:"scan_delay"`
	ConnectDelay       time.Duration `yaml:"connect_delay"`
	ConnectFailureRate float64       `yaml:"connect_failure_rate"`
	WriteFailureRate   float64       `yaml:"write_failure_rate"`
	DropInterval       time.Duration `yaml:"drop_interval"`
	DropRate           float64       `yaml:"drop_rate"`
	Seed               uint64        `yaml:"seed"`
}

// BreakerConfig holds the connect circuit breaker settings.
type BreakerConfig struct {
	Disabled    bool          `yaml:"disabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// ReconnectConfig holds auto-reconnect settings.
type ReconnectConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxBackoff int  `yaml:"max_backoff"` // seconds
}

// KeysConfig holds the keyboard drive bindings.
type KeysConfig struct {
	Mode     string              `yaml:"mode"`     // "hold" or "toggle"
	Bindings map[string][]string `yaml:"bindings"` // command tag -> key combo
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "trashbot-remote")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultBindings returns the stock keyboard layout.
func DefaultBindings() map[string][]string {
	return map[string][]string{
		"FORWARD":     {"w"},
		"BACKWARD":    {"s"},
		"LEFT":        {"a"},
		"RIGHT":       {"d"},
		"STOP":        {"space"},
		"GRAB_TRASH":  {"g"},
		"ROTATE_BIN":  {"r"},
		"AUTO_MODE":   {"m"},
		"MANUAL_MODE": {"n"},
		"POWER_ON":    {"ctrl", "o"},
		"POWER_OFF":   {"ctrl", "p"},
		"SPEED_25":    {"1"},
		"SPEED_50":    {"2"},
		"SPEED_75":    {"3"},
		"SPEED_100":   {"4"},
	}
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Transport:    "auto",
		LogLevel:     "info",
		ScanTimeout:  10 * time.Second,
		DefaultSpeed: 50,
		BLE: BLEConfig{
			ServiceUUID:   "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
			WriteCharUUID: "6e400002-b5a3-f393-e0a9-e50e24dcca9e",
			ReadCharUUID:  "6e400003-b5a3-f393-e0a9-e50e24dcca9e",
			NameFilter:    "trashbot",
			Base64:        true,
		},
		WebSocket: WebSocketConfig{
			URL:              ws.DefaultURL,
			HandshakeTimeout: 10 * time.Second,
			DiscoverTimeout:  3 * time.Second,
		},
		Sim: SimConfig{
			Devices:            []SimDevice{{Name: "TrashBot-Sim", RSSI: -50}},
			ScanDelay:          200 * time.Millisecond,
			ConnectDelay:       2 * time.Second,
			ConnectFailureRate: 0.1,
			DropInterval:       5 * time.Second,
			DropRate:           0.1,
		},
		Breaker: BreakerConfig{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Interval:    60 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Enabled:    true,
			MaxBackoff: 30,
		},
		Keys: KeysConfig{
			Mode:     "hold",
			Bindings: DefaultBindings(),
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults; key bindings are merged over the default layout.
// Tilde (~) in log_file is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.LogFile = expandTilde(cfg.LogFile)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Transport {
	case "ble", "websocket", "sim", "auto":
	default:
		return fmt.Errorf("transport must be ble, websocket, sim, or auto, got %q", c.Transport)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.ScanTimeout < 0 {
		return fmt.Errorf("scan_timeout must be >= 0")
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect_timeout must be >= 0")
	}
	if c.DefaultSpeed < 0 || c.DefaultSpeed > 100 {
		return fmt.Errorf("default_speed must be between 0 and 100, got %d", c.DefaultSpeed)
	}

	if c.BLE.ServiceUUID == "" || c.BLE.WriteCharUUID == "" || c.BLE.ReadCharUUID == "" {
		return fmt.Errorf("ble service and characteristic UUIDs must not be empty")
	}

	if _, err := ws.NormalizeURL(c.WebSocket.URL); err != nil {
		return fmt.Errorf("websocket.url: %w", err)
	}

	if err := c.Sim.validate(); err != nil {
		return err
	}

	if !c.Breaker.Disabled && c.Breaker.MaxFailures == 0 {
		return fmt.Errorf("breaker.max_failures must be > 0")
	}

	if c.Reconnect.MaxBackoff < 0 {
		return fmt.Errorf("reconnect.max_backoff must be >= 0")
	}

	return c.Keys.validate()
}

func (s SimConfig) validate() error {
	if len(s.Devices) == 0 {
		return fmt.Errorf("sim.devices must not be empty")
	}
	rates := map[string]float64{
		"connect_failure_rate": s.ConnectFailureRate,
		"write_failure_rate":   s.WriteFailureRate,
		"drop_rate":            s.DropRate,
	}
	for name, rate := range rates {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("sim.%s must be between 0 and 1, got %v", name, rate)
		}
	}
	return nil
}

func (k KeysConfig) validate() error {
	switch k.Mode {
	case "hold", "toggle":
	default:
		return fmt.Errorf("keys.mode must be \"hold\" or \"toggle\", got %q", k.Mode)
	}

	if len(k.Bindings) == 0 {
		return fmt.Errorf("keys.bindings must not be empty")
	}

	tags := make([]string, 0, len(k.Bindings))
	for tag := range k.Bindings {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var errs []error
	for _, tag := range tags {
		if _, err := command.Parse(tag); err != nil {
			errs = append(errs, fmt.Errorf("keys.bindings: %w", err))
			continue
		}
		if len(k.Bindings[tag]) == 0 {
			errs = append(errs, fmt.Errorf("keys.bindings.%s must not be empty", tag))
		}
	}
	return errors.Join(errs...)
}

// WriteDefault writes the default config to DefaultConfigPath and returns
// the path. It returns ("", nil) when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	header := "# trashbot-remote configuration\n# transport: ble | websocket | sim | auto\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a log_level value to a slog level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
