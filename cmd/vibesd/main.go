// vibesd – the background daemon that supervises AI coding assistant
// sessions, the durable event log, and the plugin host.
//
// Usage:
//
//	vibesd [--root <dir>]
//
// The daemon listens on a Unix domain socket at <root>/vibesd.sock and
// handles commands from the vibes CLI. The vibes CLI only connects to that
// socket; it does not start the daemon.
package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/run-vibes/vibes/internal/daemon"
	"github.com/run-vibes/vibes/internal/logging"
)

func main() {
	homeDir, err := os.UserHomeDir()
	log := logging.New()
	if err != nil {
		log.Fatalf("cannot determine home directory: %v", err)
	}
	defaultRoot := filepath.Join(homeDir, ".vibesd")
	if env := os.Getenv("VIBES_ROOT"); env != "" {
		defaultRoot = env
	}

	rootDir := flag.String("root", defaultRoot, "vibesd data directory (env: VIBES_ROOT)")
	flag.Parse()

	eventStoreDir := filepath.Join(*rootDir, "events")
	pluginRoot := filepath.Join(*rootDir, "plugins")
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(homeDir, ".config")
	}
	userPluginRoot := filepath.Join(configDir, "vibes", "plugins")

	d, err := daemon.New(eventStoreDir, []string{pluginRoot, userPluginRoot}, filepath.Join(configDir, "vibes"), log)
	if err != nil {
		log.Fatalf("daemon init: %v", err)
	}

	socketPath := filepath.Join(*rootDir, "vibesd.sock")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %v, shutting down", sig)
		d.Close()
		os.Remove(socketPath)
		os.Exit(0)
	}()

	if err := os.MkdirAll(*rootDir, 0o755); err != nil {
		log.Fatalf("create root dir: %v", err)
	}

	if err := d.Run(socketPath); err != nil {
		log.Fatalf("daemon run: %v", err)
	}
}
