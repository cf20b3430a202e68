package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suriota/edge/internal/gateway"
	"github.com/suriota/edge/internal/logging"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	configPath := getenv("EDGE_CONFIG_PATH", "/etc/suriota/edge-config.json")
	retryDBPath := getenv("EDGE_RETRY_DB_PATH", "/var/lib/suriota/retry-queue.db")

	logging.Init()

	gw, err := gateway.New(configPath, retryDBPath)
	if err != nil {
		logging.Fatal("gateway init error", "error", err)
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logging.Warn("gateway close error", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		gw.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	logging.Info("shutting down", "signal", s)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logging.Warn("gateway did not shut down cleanly within timeout")
	}
	logging.Info("bye")
}
