// Package httppublish implements HttpPublisher (spec.md §4.8): the same
// queue-consumer/grouped-JSON contract as internal/mqttpublish, sent over
// plain HTTP instead of MQTT. No example repo in the retrieval pack uses a
// third-party HTTP client, so this is stdlib net/http by necessity — see
// DESIGN.md.
package httppublish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/suriota/edge/internal/config"
	"github.com/suriota/edge/internal/logging"
	"github.com/suriota/edge/internal/retryqueue"
	"github.com/suriota/edge/internal/rtc"
	"github.com/suriota/edge/internal/telemetry"
)

const (
	tickInterval   = 1 * time.Second
	retryBaseDelay = 500 * time.Millisecond
)

// Publisher is the HttpPublisher.
type Publisher struct {
	store   config.ConfigStore
	queue   *telemetry.Queue
	batches *telemetry.BatchTracker
	retry   *retryqueue.Queue
	clock   rtc.Clock
	client  *http.Client

	lastPublish time.Time
}

// New builds an HttpPublisher wired to its collaborators.
func New(store config.ConfigStore, queue *telemetry.Queue, batches *telemetry.BatchTracker, retry *retryqueue.Queue, clock rtc.Clock) *Publisher {
	return &Publisher{
		store:   store,
		queue:   queue,
		batches: batches,
		retry:   retry,
		clock:   clock,
		client:  &http.Client{},
	}
}

// Run drives the publish loop until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Publisher) tick(ctx context.Context) {
	cfg := p.store.ServerConfig().HTTP
	p.drainRetry(ctx, cfg)

	now := time.Now()
	if now.Sub(p.lastPublish) < time.Duration(cfg.IntervalMillis())*time.Millisecond {
		return
	}
	if !p.batches.ShouldPublish(now) {
		return
	}

	samples := p.queue.DequeueAll()
	payload, devices, ok := p.buildPayload(samples)
	if !ok {
		return
	}
	p.lastPublish = now
	p.publishWithRetry(ctx, cfg, payload, devices)
}

// buildPayload reuses the same device-grouped shape as the MQTT publisher:
// registers missing a name are skipped, and samples for devices deleted
// from the ConfigStore between enqueue and publish are dropped and
// aggregated into one log line.
func (p *Publisher) buildPayload(samples []telemetry.Sample) ([]byte, []string, bool) {
	type deviceEntry struct {
		name      string
		registers map[string]map[string]any
	}
	devices := make(map[string]*deviceEntry)
	order := make([]string, 0)
	skipped := 0
	deleted := make(map[string]bool)

	for _, s := range samples {
		if s.RegisterName == "" {
			skipped++
			continue
		}
		d, ok := p.store.ReadDevice(s.DeviceID)
		if !ok || !d.Enabled {
			deleted[s.DeviceID] = true
			skipped++
			continue
		}
		entry, ok := devices[s.DeviceID]
		if !ok {
			entry = &deviceEntry{name: d.DeviceName, registers: make(map[string]map[string]any)}
			devices[s.DeviceID] = entry
			order = append(order, s.DeviceID)
		}
		entry.registers[s.RegisterName] = map[string]any{"value": s.Value, "unit": s.Unit}
	}

	if skipped > 0 {
		logging.Info("httppublish: skipped registers from deleted devices",
			"skipped_registers", skipped, "deleted_devices", len(deleted))
	}
	if len(order) == 0 {
		return nil, nil, false
	}

	out := map[string]any{"timestamp": p.formatTimestamp()}
	devicesJSON := make(map[string]any, len(order))
	for _, id := range order {
		entry := devices[id]
		fields := map[string]any{"device_name": entry.name}
		for name, v := range entry.registers {
			fields[name] = v
		}
		devicesJSON[id] = fields
	}
	out["devices"] = devicesJSON

	payload, err := json.Marshal(out)
	if err != nil {
		logging.Error("httppublish: marshal payload failed", "error", err)
		return nil, nil, false
	}
	return payload, order, true
}

func (p *Publisher) formatTimestamp() string {
	if wall, ok := p.clock.NowWall(); ok {
		return wall.Format("02/01/2006 15:04:05")
	}
	return fmt.Sprintf("millis:%d", p.clock.Millis())
}

// publishWithRetry sends payload with cfg.Retry attempts at a simple fixed
// backoff (implementation choice per spec.md §4.8), spilling to the
// persistent retry queue if every attempt fails.
func (p *Publisher) publishWithRetry(ctx context.Context, cfg config.HTTPConfig, payload []byte, devices []string) {
	attempts := cfg.Retry
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryBaseDelay):
			}
		}
		if err := p.send(ctx, cfg, payload); err != nil {
			lastErr = err
			logging.Warn("httppublish: publish attempt failed", "attempt", i+1, "error", err)
			continue
		}
		for _, deviceID := range devices {
			p.batches.Clear(deviceID)
		}
		return
	}

	logging.Warn("httppublish: all publish attempts failed, spilling to retry queue", "error", lastErr)
	if p.retry != nil {
		if err := p.retry.Enqueue(ctx, cfg.EndpointURL, payload, retryqueue.Normal, 24*time.Hour); err != nil {
			logging.Error("httppublish: failed to spill publish into retry queue", "error", err)
		}
	}
}

// drainRetry replays spilled publishes once the endpoint is reachable
// again, in strict priority-then-age order (spec.md §4.9, S4). The
// enqueued record's topic field holds the endpoint URL it was bound for
// (see publishWithRetry); send reuses it with the current headers/method so
// a config change between spill and drain still takes effect.
func (p *Publisher) drainRetry(ctx context.Context, cfg config.HTTPConfig) {
	if p.retry == nil {
		return
	}
	replayed, err := p.retry.Drain(ctx, func(endpointURL string, payload []byte) error {
		replayCfg := cfg
		replayCfg.EndpointURL = endpointURL
		return p.send(ctx, replayCfg, payload)
	})
	if err != nil {
		logging.Warn("httppublish: retry drain stopped", "replayed", replayed, "error", err)
	} else if replayed > 0 {
		logging.Info("httppublish: replayed spilled publishes", "count", replayed)
	}
}

func (p *Publisher) send(ctx context.Context, cfg config.HTTPConfig, payload []byte) error {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, cfg.EffectiveMethod(), cfg.EndpointURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
