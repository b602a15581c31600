// Command kachery-daemon runs the long-running daemon: it loads
// configuration, opens the node's CAS/subfeed/identity state, subscribes to
// every configured channel's pubsub sub-channels, and serves /metrics and
// /health until signaled to stop. Grounded on the teacher's daemon/main.go
// wiring order (flags -> logger -> config -> services -> signal-based
// graceful shutdown), trimmed to this package's scope: no QUIC listener, no
// gRPC/REST API server (spec.md §1 explicitly excludes the local client
// API from this module).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/kacheryhub/kachery-daemon/daemon"
	"github.com/kacheryhub/kachery-daemon/internal/config"
	"github.com/kacheryhub/kachery-daemon/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config file (defaults if absent)")
	observAddr := flag.String("observ-addr", "", "Observability server address (overrides config)")
	flag.Parse()

	logger := observability.NewLogger("kachery-daemon", "1.0.0", os.Stdout)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal(err, "failed to load config")
	}
	if *observAddr != "" {
		cfg.ObservabilityAddress = *observAddr
	}

	logger.Info("kachery-daemon starting")

	node, err := daemon.New(cfg, logger)
	if err != nil {
		logger.Fatal(err, "failed to construct node")
	}
	logger.Info("node identity: " + node.FeedID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Start(ctx); err != nil {
		logger.Fatal(err, "failed to start node")
	}
	logger.Info("kachery-daemon running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()

	logger.Info("shutting down gracefully")
	if err := node.Close(); err != nil {
		logger.Error(err, "error during shutdown")
	}
	logger.Info("kachery-daemon stopped")
}
