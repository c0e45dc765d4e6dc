// Command trashbot-remote drives the trash-collecting robot over Bluetooth
// LE, WebSocket, or an in-memory simulator.
//
// Usage:
//
//	trashbot-remote [--config PATH] [--transport ble|websocket|sim|auto] <command>
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/chaz8081/trashbot-remote/internal/config"
)

// CLI is the root command structure for trashbot-remote.
type CLI struct {
	Config    string `short:"c" help:"Path to config file (default: ~/.config/trashbot-remote/config.yaml)" type:"path"`
	Transport string `short:"t" help:"Transport to use: ble, websocket, sim or auto"`
	LogLevel  string `help:"Log level: debug, info, warn or error"`
	Device    string `short:"d" help:"Device id to connect to without scanning"`
	URL       string `help:"WebSocket endpoint of the robot"`

	Scan     ScanCmd     `cmd:"" help:"Scan for nearby robots"`
	Send     SendCmd     `cmd:"" help:"Connect, send one command and disconnect"`
	Watch    WatchCmd    `cmd:"" help:"Stay connected and print robot telemetry"`
	Drive    DriveCmd    `cmd:"" help:"Drive the robot with keyboard bindings"`
	Discover DiscoverCmd `cmd:"" help:"Find the robot's WebSocket endpoint over mDNS"`
	State    StateCmd    `cmd:"" help:"Show transport availability"`
	Init     InitCmd     `cmd:"" help:"Write the default config file"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("trashbot-remote"),
		kong.Description("Remote control for the trash-collecting robot."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	if err := kctx.Run(&cli); err != nil {
		slog.Error("command failed", "command", kctx.Command(), "error", err)
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// load reads the config and applies command-line overrides, then sets up
// logging.
func (c *CLI) load() (*config.Config, func(), error) {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	c.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config validation: %w", err)
	}

	cleanup, err := setupLogging(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, cleanup, nil
}

func (c *CLI) apply(cfg *config.Config) {
	if c.Transport != "" {
		cfg.Transport = c.Transport
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	if c.Device != "" {
		cfg.BLE.Device = c.Device
	}
	if c.URL != "" {
		cfg.WebSocket.URL = c.URL
		cfg.WebSocket.Discover = false
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

// setupLogging installs the default slog logger. Logs go to stderr unless a
// log file is configured.
func setupLogging(level, file string) (func(), error) {
	w := os.Stderr
	cleanup := func() {}
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		w = f
		cleanup = func() { _ = f.Close() }
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: config.ParseLogLevel(level)})
	slog.SetDefault(slog.New(handler))
	return cleanup, nil
}
