// Package gateway wires every collaborator package into a single running
// edge gateway: config store, bus driver, polling scheduler, telemetry
// queue/batches, persistent retry queue, an upstream publisher (MQTT or
// HTTP, selected by ServerConfig.Protocol), and the optional remote-write
// subscriber. The wiring shape follows the teacher's cmd/server/edge/main.go:
// build collaborators, launch one goroutine per long-running loop, and tear
// everything down on context cancellation.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/suriota/edge/internal/bus"
	"github.com/suriota/edge/internal/config"
	"github.com/suriota/edge/internal/failure"
	"github.com/suriota/edge/internal/httppublish"
	"github.com/suriota/edge/internal/logging"
	"github.com/suriota/edge/internal/mqttpublish"
	"github.com/suriota/edge/internal/remotewrite"
	"github.com/suriota/edge/internal/retryqueue"
	"github.com/suriota/edge/internal/rtc"
	"github.com/suriota/edge/internal/scheduler"
	"github.com/suriota/edge/internal/telemetry"
)

// telemetryQueueCapacity bounds the in-memory sample queue handed to
// whichever publisher is active; it is sized generously against the
// largest plausible poll fan-out rather than tuned to a specific device
// count.
const telemetryQueueCapacity = 4096

// Gateway owns every long-running collaborator for one edge instance.
type Gateway struct {
	store  *config.FileConfigStore
	driver *bus.Driver
	sched  *scheduler.Scheduler
	queue  *telemetry.Queue
	retry  *retryqueue.Queue

	mqttPub *mqttpublish.Publisher
	httpPub *httppublish.Publisher
}

// New loads configPath, opens the retry queue at retryDBPath, and wires
// every collaborator. It does not start any goroutines; call Run for that.
func New(configPath, retryDBPath string) (*Gateway, error) {
	store, err := config.NewFileConfigStore(configPath)
	if err != nil {
		return nil, fmt.Errorf("gateway: load config: %w", err)
	}

	retry, err := retryqueue.Open(context.Background(), retryDBPath)
	if err != nil {
		return nil, fmt.Errorf("gateway: open retry queue: %w", err)
	}

	clock := rtc.NewSystemClock()
	driver := bus.NewDriver(store.Buses())
	failures := failure.New()
	queue := telemetry.NewQueue(telemetryQueueCapacity)
	batches := telemetry.NewBatchTracker()
	sched := scheduler.New(store, driver, failures, queue, batches, clock)

	g := &Gateway{
		store:  store,
		driver: driver,
		sched:  sched,
		queue:  queue,
		retry:  retry,
	}

	switch store.ServerConfig().Protocol {
	case config.ServerHTTP:
		g.httpPub = httppublish.New(store, queue, batches, retry, clock)
	default: // config.ServerMQTT, and the zero value
		g.mqttPub = mqttpublish.New(store, queue, batches, retry, clock, store.GatewayID())
	}

	return g, nil
}

// Run starts the bus idle reaper, the polling scheduler, the active
// publisher, and (when SubscribeControl.Enabled and an MQTT connection
// exists) the remote-write subscriber, and blocks until ctx is cancelled
// and every goroutine has exited.
func (g *Gateway) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		g.driver.RunIdleReaper(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		g.sched.Run(ctx)
	}()

	if g.mqttPub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.mqttPub.Run(ctx)
		}()

		if g.store.ServerConfig().SubscribeControl.Enabled {
			wg.Add(1)
			go func() {
				defer wg.Done()
				g.runRemoteWrite(ctx)
			}()
		}
	}

	if g.httpPub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.httpPub.Run(ctx)
		}()
	}

	wg.Wait()
}

// runRemoteWrite waits for mqttPub to establish its connection and then
// starts RemoteWriteHandler on that same client, so a remote write and a
// telemetry publish never contend for two separate broker sessions. The
// publisher owns reconnection; if the connection drops and comes back
// under a new *mqtt.Client this loop re-subscribes against the fresh one.
func (g *Gateway) runRemoteWrite(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var started bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			client := g.mqttPub.Client()
			if client == nil || !client.IsConnected() {
				started = false
				continue
			}
			if started {
				continue
			}
			handler := remotewrite.New(g.store, g.driver, client)
			if err := handler.Start(ctx); err != nil {
				logging.Error("gateway: remote-write subscribe failed", "error", err)
				continue
			}
			started = true
		}
	}
}

// Close releases the retry queue's database handle. Call after Run returns.
func (g *Gateway) Close() error {
	return g.retry.Close()
}
