// Command test-hotkey is a manual test for the keyboard drive bindings.
// Run it, then press the bound keys (WASD, space, G, R...) to see the
// commands they would send. Nothing is sent to a robot.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-hotkey [--mode hold|toggle]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/trashbot-remote/internal/config"
	"github.com/chaz8081/trashbot-remote/internal/hotkey"
)

func main() {
	mode := flag.String("mode", "hold", "key mode: hold or toggle")
	flag.Parse()

	bindings, err := hotkey.ParseBindings(config.DefaultBindings())
	if err != nil {
		fmt.Fprintf(os.Stderr, "bindings: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Listening for %d bindings in %q mode...\n", len(bindings), *mode)
	for _, b := range bindings {
		fmt.Printf("  %-10s %s\n", strings.Join(b.Keys, "+"), b.Command)
	}
	fmt.Println("Press Ctrl+C to exit.")

	listener := hotkey.NewListener(bindings, *mode)

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	// Read events
	go func() {
		for ev := range listener.Events() {
			fmt.Printf(">>> %s (%s)\n", ev.Command, ev.Command.Group())
		}
		fmt.Println("Event channel closed.")
	}()

	// Blocks until stopped
	listener.Start()
	fmt.Println("Done.")
}
