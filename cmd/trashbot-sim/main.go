// Command trashbot-sim runs a simulated robot that accepts the remote's
// WebSocket frames and replies with telemetry. It advertises itself over
// mDNS so `trashbot-remote discover` can find it.
//
// Usage:
//
//	trashbot-sim [--addr :8765] [--name TrashBot-Sim] [--no-advertise]
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/chaz8081/trashbot-remote/internal/config"
	"github.com/chaz8081/trashbot-remote/internal/discovery"
	"github.com/chaz8081/trashbot-remote/internal/robotsim"
)

// CLI holds the simulator's flags.
type CLI struct {
	Addr        string `default:":8765" help:"Listen address"`
	Name        string `default:"TrashBot-Sim" help:"Instance name advertised over mDNS"`
	NoAdvertise bool   `help:"Do not advertise over mDNS"`
	LogLevel    string `default:"info" help:"Log level: debug, info, warn or error"`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("trashbot-sim"),
		kong.Description("Simulated trash robot speaking the WebSocket protocol."),
		kong.UsageOnError(),
	)

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cli.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cli); err != nil {
		slog.Error("simulator failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cli CLI) error {
	port, err := listenPort(cli.Addr)
	if err != nil {
		return err
	}

	if !cli.NoAdvertise {
		adv, err := discovery.Advertise(cli.Name, port, nil, []string{"path=/"})
		if err != nil {
			slog.Warn("[SIM-SERVER] mDNS advertisement unavailable", "error", err)
		} else {
			defer adv.Shutdown()
		}
	}

	srv := robotsim.NewServer(nil)
	return srv.Serve(ctx, cli.Addr)
}

// listenPort extracts the numeric port from a listen address.
func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port in listen address %q", addr)
	}
	return port, nil
}
