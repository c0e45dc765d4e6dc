package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/chaz8081/trashbot-remote/internal/command"
	"github.com/chaz8081/trashbot-remote/internal/config"
	"github.com/chaz8081/trashbot-remote/internal/connection"
	"github.com/chaz8081/trashbot-remote/internal/discovery"
	"github.com/chaz8081/trashbot-remote/internal/hotkey"
)

// --- Scan ---

type ScanCmd struct {
	Timeout time.Duration `help:"Stop scanning after this long (default from config)"`
}

func (c *ScanCmd) Run(cli *CLI, ctx context.Context) error {
	cfg, cleanup, err := cli.load()
	if err != nil {
		return err
	}
	defer cleanup()
	if c.Timeout > 0 {
		cfg.ScanTimeout = c.Timeout
	}

	m, err := openManager(ctx, cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if !m.Transport().Discoverable() {
		return fmt.Errorf("%s transport does not scan; use --url or discover", m.Transport().Name())
	}

	ended := make(chan struct{})
	unsubscribe := m.Subscribe(func(e connection.Event) {
		switch ev := e.(type) {
		case connection.DeviceFound:
			fmt.Printf("%-40s %-20s %s\n", ev.Device.ID, ev.Device.DisplayName(), formatRSSI(ev.Device.RSSI))
		case connection.StateChanged:
			if ev.From.Kind == connection.Scanning {
				close(ended)
			}
		}
	})
	defer unsubscribe()

	if err := m.StartScan(ctx); err != nil {
		return err
	}

	select {
	case <-ended:
	case <-ctx.Done():
		m.StopScan()
		<-ended
	}

	snap := m.Snapshot()
	fmt.Printf("%d robot(s) found\n", len(snap.Devices))
	if snap.State.Kind == connection.Disconnected && snap.Err != nil && len(snap.Devices) == 0 {
		return snap.Err
	}
	return nil
}

func formatRSSI(rssi *int) string {
	if rssi == nil {
		return "?"
	}
	return fmt.Sprintf("%d dBm", *rssi)
}

// --- Send ---

type SendCmd struct {
	Command string        `arg:"" help:"Command tag, e.g. FORWARD, GRAB_TRASH or SPEED_75"`
	Speed   int           `default:"-1" help:"Speed 0-100 to send with the command (WebSocket framing)"`
	Wait    time.Duration `default:"1s" help:"How long to wait for the robot's reply"`
}

func (c *SendCmd) Run(cli *CLI, ctx context.Context) error {
	cmd, err := command.Parse(c.Command)
	if err != nil {
		return err
	}

	cfg, cleanup, err := cli.load()
	if err != nil {
		return err
	}
	defer cleanup()

	m, err := openManager(ctx, cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if _, err := connect(ctx, m, cfg.BLE.Device); err != nil {
		return err
	}

	replies := make(chan command.Inbound, 1)
	unsubscribe := m.Subscribe(func(e connection.Event) {
		if ev, ok := e.(connection.MessageReceived); ok {
			select {
			case replies <- ev.Message:
			default:
			}
		}
	})
	defer unsubscribe()

	var speed []int
	if c.Speed >= 0 {
		speed = append(speed, c.Speed)
	}
	if err := m.SendCommand(ctx, cmd, speed...); err != nil {
		return err
	}
	fmt.Printf("sent %s\n", cmd)

	if c.Wait > 0 {
		select {
		case msg := <-replies:
			fmt.Println(msg.Text)
		case <-time.After(c.Wait):
			slog.Debug("[MAIN] no reply", "wait", c.Wait)
		case <-ctx.Done():
		}
	}

	return m.Disconnect(context.Background())
}

// --- Watch ---

type WatchCmd struct{}

func (c *WatchCmd) Run(cli *CLI, ctx context.Context) error {
	cfg, cleanup, err := cli.load()
	if err != nil {
		return err
	}
	defer cleanup()

	m, err := openManager(ctx, cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	unsubscribe := m.Subscribe(printEvent)
	defer unsubscribe()

	return stayConnected(ctx, cfg, m)
}

// stayConnected connects and, when enabled, keeps reconnecting until ctx
// is done.
func stayConnected(ctx context.Context, cfg *config.Config, m *connection.Manager) error {
	id, err := resolveDevice(ctx, m, cfg.BLE.Device)
	if err != nil {
		return err
	}

	if cfg.Reconnect.Enabled {
		err = connection.NewReconnector(m, id, cfg.Reconnect.MaxBackoff).Run(ctx)
	} else {
		if err := m.Connect(ctx, id); err != nil {
			return err
		}
		<-ctx.Done()
		err = ctx.Err()
	}

	if errors.Is(err, context.Canceled) {
		return m.Disconnect(context.Background())
	}
	return err
}

func printEvent(e connection.Event) {
	switch ev := e.(type) {
	case connection.StateChanged:
		fmt.Printf("[%s] %s -> %s\n", time.Now().Format("15:04:05"), ev.From, ev.To)
	case connection.MessageReceived:
		fmt.Printf("[%s] <- %s\n", time.Now().Format("15:04:05"), ev.Message.Text)
	case connection.ErrorRaised:
		fmt.Printf("[%s] error: %v\n", time.Now().Format("15:04:05"), ev.Err)
	}
}

// --- Drive ---

type DriveCmd struct {
	Mode string `help:"Key mode: hold or toggle (default from config)"`
}

func (c *DriveCmd) Run(cli *CLI, ctx context.Context) error {
	cfg, cleanup, err := cli.load()
	if err != nil {
		return err
	}
	defer cleanup()
	if c.Mode != "" {
		cfg.Keys.Mode = c.Mode
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	bindings, err := hotkey.ParseBindings(cfg.Keys.Bindings)
	if err != nil {
		return err
	}

	m, err := openManager(ctx, cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	unsubscribe := m.Subscribe(printEvent)
	defer unsubscribe()

	go func() {
		if err := stayConnected(ctx, cfg, m); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("[MAIN] connection lost", "error", err)
		}
	}()

	listener := hotkey.NewListener(bindings, cfg.Keys.Mode)
	go listener.Start()

	printBindings(bindings, cfg.Keys.Mode)

	events := listener.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				slog.Info("[MAIN] key listener stopped")
				return nil
			}
			if err := m.SendCommand(ctx, ev.Command); err != nil {
				slog.Warn("[MAIN] command not sent", "command", ev.Command, "error", err)
				continue
			}
			fmt.Printf("-> %s\n", ev.Command)

		case <-ctx.Done():
			_ = m.SendCommand(context.Background(), command.Simple(command.Stop))
			_ = m.Disconnect(context.Background())
			fmt.Println("Goodbye!")
			// Exit directly to avoid gohook's C cleanup crash.
			// The OS reclaims the event hook on process exit.
			os.Exit(0)
		}
	}
}

func printBindings(bindings []hotkey.Binding, mode string) {
	fmt.Printf("=== trashbot-remote drive (%s mode) ===\n", mode)
	sorted := append([]hotkey.Binding(nil), bindings...)
	sort.Slice(sorted, func(i, j int) bool {
		gi, gj := sorted[i].Command.Group(), sorted[j].Command.Group()
		if gi != gj {
			return gi < gj
		}
		return sorted[i].Command.Tag() < sorted[j].Command.Tag()
	})
	for _, b := range sorted {
		fmt.Printf("  %-12s %s\n", strings.Join(b.Keys, "+"), b.Command)
	}
	fmt.Println("Ctrl+C to quit.")
}

// --- Discover ---

type DiscoverCmd struct {
	Timeout time.Duration `default:"3s" help:"How long to wait for an answer"`
}

func (c *DiscoverCmd) Run(cli *CLI, ctx context.Context) error {
	_, cleanup, err := cli.load()
	if err != nil {
		return err
	}
	defer cleanup()

	ep, err := discovery.Lookup(ctx, c.Timeout)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", ep.Instance, ep.URL)
	return nil
}

// --- State ---

type StateCmd struct{}

func (c *StateCmd) Run(cli *CLI, ctx context.Context) error {
	cfg, cleanup, err := cli.load()
	if err != nil {
		return err
	}
	defer cleanup()

	m, err := openManager(ctx, cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	t := m.Transport()
	power := m.TransportState(ctx)
	fmt.Printf("  Transport: %s\n", t.Name())
	fmt.Printf("  Power:     %s\n", power)
	fmt.Printf("  Scans:     %t\n", t.Discoverable())
	if err := power.Err(); err != nil {
		fmt.Printf("  Error:     %v\n", err)
	}
	if err := t.RequestPermissions(ctx); err != nil {
		fmt.Printf("  Permissions: %v\n", err)
	}
	snap := m.Snapshot()
	fmt.Printf("  Speed:     %d\n", snap.Speed)
	fmt.Printf("  Breaker:   %s\n", snap.Breaker)
	return nil
}

// --- Init ---

type InitCmd struct{}

func (c *InitCmd) Run() error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
