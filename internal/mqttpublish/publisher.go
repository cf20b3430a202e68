// Package mqttpublish implements MqttPublisher (spec.md §4.7): a
// connect/publish state machine over the telemetry queue, grouped into one
// default-mode topic or several customize-mode topics, with failed publishes
// spilling into the persistent retry queue. The connect lifecycle and
// publish/subscribe timeout idiom follow the teacher's
// messaging.MsgBroker (internal/messaging/broker.go).
package mqttpublish

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/suriota/edge/internal/config"
	"github.com/suriota/edge/internal/logging"
	"github.com/suriota/edge/internal/retryqueue"
	"github.com/suriota/edge/internal/rtc"
	"github.com/suriota/edge/internal/telemetry"
)

// ConnState is the publisher's connection state (spec.md §4.7).
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

const (
	keepAlive         = 120 * time.Second
	socketTimeout     = 15 * time.Second
	reconnectThrottle = 5 * time.Second
	postPublishDelay  = 100 * time.Millisecond
	tickInterval      = 1 * time.Second

	minBufferSize = 4096
	maxBufferSize = 16384
)

// optimalBufferSize implements the §4.7 sizing formula.
func optimalBufferSize(totalRegisters int) int {
	size := totalRegisters*70 + 1000
	if size < minBufferSize {
		return minBufferSize
	}
	if size > maxBufferSize {
		return maxBufferSize
	}
	return size
}

// Publisher is the MqttPublisher.
type Publisher struct {
	store   config.ConfigStore
	queue   *telemetry.Queue
	batches *telemetry.BatchTracker
	retry   *retryqueue.Queue
	clock   rtc.Clock

	gatewayID string

	mu                 sync.Mutex
	state              ConnState
	client             mqtt.Client
	lastConnectAttempt time.Time
	bufferSize         int

	lastDefaultPublish time.Time
	lastTopicPublish   map[string]time.Time

	changeNotify config.ChangeNotifier
}

// New builds an MqttPublisher wired to its collaborators.
func New(store config.ConfigStore, queue *telemetry.Queue, batches *telemetry.BatchTracker, retry *retryqueue.Queue, clock rtc.Clock, gatewayID string) *Publisher {
	return &Publisher{
		store:            store,
		queue:            queue,
		batches:          batches,
		retry:            retry,
		clock:            clock,
		gatewayID:        gatewayID,
		state:            Disconnected,
		bufferSize:       minBufferSize,
		lastTopicPublish: make(map[string]time.Time),
		changeNotify:     store.SubscribeChanges(),
	}
}

// Run drives the connect/publish loop until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	p.recomputeBufferSize()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.disconnect()
			return
		case <-p.changeNotify:
			p.recomputeBufferSize()
			p.changeNotify = p.store.SubscribeChanges()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Publisher) recomputeBufferSize() {
	total := 0
	for _, id := range p.store.ListDevices() {
		if d, ok := p.store.ReadDevice(id); ok && d.Enabled {
			total += len(d.Registers)
		}
	}
	p.mu.Lock()
	p.bufferSize = optimalBufferSize(total)
	p.mu.Unlock()
}

func (p *Publisher) tick(ctx context.Context) {
	if !p.ensureConnected(ctx) {
		return
	}

	p.drainRetry(ctx)

	cfg := p.store.ServerConfig().MQTT
	now := time.Now()

	switch cfg.PublishMode {
	case config.PublishCustomize:
		due := make([]config.CustomTopic, 0, len(cfg.CustomTopics))
		for _, topic := range cfg.CustomTopics {
			last := p.lastTopicPublish[topic.Topic]
			if now.Sub(last) < time.Duration(topic.IntervalMillis())*time.Millisecond {
				continue
			}
			if !p.batches.ShouldPublish(now) {
				continue
			}
			due = append(due, topic)
		}
		if len(due) == 0 {
			return
		}
		// One shared drain per tick: DequeueAll empties the whole queue, so
		// every due topic must filter the same drained batch instead of
		// each stealing it from the next (spec.md §4.7).
		samples := p.queue.DequeueAll()
		for _, topic := range due {
			p.publishCustom(ctx, topic, samples)
			p.lastTopicPublish[topic.Topic] = now
		}
	default:
		if now.Sub(p.lastDefaultPublish) < time.Duration(cfg.IntervalMillis())*time.Millisecond {
			return
		}
		if !p.batches.ShouldPublish(now) {
			return
		}
		p.publishDefault(ctx, cfg)
		p.lastDefaultPublish = now
	}
}

// drainRetry replays spilled publishes once the broker connection is
// healthy, in strict priority-then-age order (spec.md §4.9, S4). It stops
// at the first failure so a still-unhealthy link doesn't spin the queue.
func (p *Publisher) drainRetry(ctx context.Context) {
	if p.retry == nil {
		return
	}
	replayed, err := p.retry.Drain(ctx, func(topic string, payload []byte) error {
		return p.publishRaw(ctx, topic, payload)
	})
	if err != nil {
		logging.Warn("mqttpublish: retry drain stopped", "replayed", replayed, "error", err)
	} else if replayed > 0 {
		logging.Info("mqttpublish: replayed spilled publishes", "count", replayed)
	}
}

// publishRaw performs a bare publish of an already-built payload, used by
// drainRetry to replay a spilled record without going through buildPayload.
func (p *Publisher) publishRaw(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return fmt.Errorf("mqttpublish: not connected")
	}

	token := client.Publish(topic, 0, false, payload)
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(socketTimeout):
		return fmt.Errorf("mqttpublish: replay publish timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
	return token.Error()
}

// ensureConnected drives the Disconnected -> Connecting -> Connected
// machine, throttling reconnect attempts to once per reconnectThrottle.
func (p *Publisher) ensureConnected(ctx context.Context) bool {
	p.mu.Lock()
	if p.state == Connected && p.client != nil && p.client.IsConnected() {
		p.mu.Unlock()
		return true
	}
	if time.Since(p.lastConnectAttempt) < reconnectThrottle {
		p.mu.Unlock()
		return false
	}
	p.lastConnectAttempt = time.Now()
	p.state = Connecting
	bufSize := p.bufferSize
	p.mu.Unlock()

	cfg := p.store.ServerConfig().MQTT
	client := mqtt.NewClient(p.optionsFromConfig(cfg, bufSize))

	token := client.Connect()
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(socketTimeout):
		p.mu.Lock()
		p.state = Disconnected
		p.mu.Unlock()
		logging.Warn("mqttpublish: connect timed out", "timeout", socketTimeout)
		return false
	case <-ctx.Done():
		return false
	}

	if err := token.Error(); err != nil {
		p.mu.Lock()
		p.state = Disconnected
		p.mu.Unlock()
		logging.Warn("mqttpublish: connect failed", "error", err)
		return false
	}

	p.mu.Lock()
	p.client = client
	p.state = Connected
	p.mu.Unlock()
	return true
}

// Client returns the currently connected MQTT client, or nil if the
// publisher isn't connected yet. Exposed so internal/remotewrite can reuse
// this connection instead of opening a second one to the same broker.
func (p *Publisher) Client() mqtt.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Connected {
		return p.client
	}
	return nil
}

func (p *Publisher) disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	p.state = Disconnected
}

// optionsFromConfig builds paho's ClientOptions, applying the dynamically
// sized tx/rx socket buffers via a custom connection opener per
// SPEC_FULL.md §4.11.
func (p *Publisher) optionsFromConfig(cfg config.MQTTConfig, bufSize int) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	broker := fmt.Sprintf("tcp://%s:%d", cfg.BrokerAddress, cfg.BrokerPort)
	opts.AddBroker(broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "suriota-" + p.gatewayID
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(time.Duration(cfg.EffectiveKeepAlive()) * time.Second)
	opts.SetConnectTimeout(socketTimeout)
	opts.SetAutoReconnect(true)

	dialer := &net.Dialer{Timeout: socketTimeout}
	opts.CustomOpenConnectionFn = func(uri *url.URL, _ mqtt.ClientOptions) (net.Conn, error) {
		conn, err := dialer.DialContext(context.Background(), "tcp", uri.Host)
		if err != nil {
			return nil, err
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetReadBuffer(bufSize)
			_ = tcpConn.SetWriteBuffer(bufSize)
		}
		return conn, nil
	}
	return opts
}

// publishResult carries what was published, for post-publish batch
// clearing and retry-queue spill.
type publishResult struct {
	topic   string
	payload []byte
	devices []string
}

func (p *Publisher) publishDefault(ctx context.Context, cfg config.MQTTConfig) {
	samples := p.queue.DequeueAll()
	res, ok := p.buildPayload(cfg.Topic, samples, nil)
	if !ok {
		return
	}
	p.doPublish(ctx, res)
}

func (p *Publisher) publishCustom(ctx context.Context, topic config.CustomTopic, samples []telemetry.Sample) {
	allowed := make(map[string]bool, len(topic.Registers))
	for _, id := range topic.Registers {
		allowed[id] = true
	}
	res, ok := p.buildPayload(topic.Topic, samples, allowed)
	if !ok {
		return
	}
	p.doPublish(ctx, res)
}

// buildPayload assembles the default-mode JSON shape from a batch of
// samples, filtering to `allowed` register IDs in customize mode (nil
// means no filter). Samples whose device has since been deleted from the
// ConfigStore are skipped and aggregated into one log line.
func (p *Publisher) buildPayload(topic string, samples []telemetry.Sample, allowed map[string]bool) (publishResult, bool) {
	type deviceEntry struct {
		name      string
		registers map[string]map[string]any
	}
	devices := make(map[string]*deviceEntry)
	deviceOrder := make([]string, 0)
	skippedRegisters := 0
	deletedDevices := make(map[string]bool)

	for _, s := range samples {
		if allowed != nil && !allowed[s.RegisterID] {
			continue
		}
		if s.RegisterName == "" {
			skippedRegisters++
			continue
		}
		d, ok := p.store.ReadDevice(s.DeviceID)
		if !ok || !d.Enabled {
			deletedDevices[s.DeviceID] = true
			skippedRegisters++
			continue
		}

		entry, ok := devices[s.DeviceID]
		if !ok {
			entry = &deviceEntry{name: d.DeviceName, registers: make(map[string]map[string]any)}
			devices[s.DeviceID] = entry
			deviceOrder = append(deviceOrder, s.DeviceID)
		}
		entry.registers[s.RegisterName] = map[string]any{
			"value": s.Value,
			"unit":  s.Unit,
		}
	}

	if skippedRegisters > 0 {
		logging.Info("mqttpublish: skipped registers from deleted devices",
			"skipped_registers", skippedRegisters, "deleted_devices", len(deletedDevices))
	}

	if len(deviceOrder) == 0 {
		return publishResult{}, false
	}

	out := map[string]any{"timestamp": p.formatTimestamp()}
	devicesJSON := make(map[string]any, len(deviceOrder))
	for _, id := range deviceOrder {
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
		logging.Error("mqttpublish: marshal payload failed", "error", err)
		return publishResult{}, false
	}
	if len(payload) < 2 || payload[0] != '{' || payload[len(payload)-1] != '}' {
		logging.Error("mqttpublish: built payload failed JSON sanity check", "topic", topic)
		return publishResult{}, false
	}

	return publishResult{topic: topic, payload: payload, devices: deviceOrder}, true
}

func (p *Publisher) formatTimestamp() string {
	if wall, ok := p.clock.NowWall(); ok {
		return wall.Format("02/01/2006 15:04:05")
	}
	return fmt.Sprintf("millis:%d", p.clock.Millis())
}

// doPublish performs the binary publish with owned-buffer copies, the
// 100ms post-publish settle delay, batch clearing, and retry-queue spill
// on failure (spec.md §4.7).
func (p *Publisher) doPublish(ctx context.Context, res publishResult) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		p.spillToRetry(ctx, res)
		return
	}

	topic := string(append([]byte(nil), res.topic...))
	payload := append([]byte(nil), res.payload...)

	token := client.Publish(topic, 0, false, payload)
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(socketTimeout):
		logging.Warn("mqttpublish: publish timed out", "topic", topic)
		p.spillToRetry(ctx, res)
		return
	case <-ctx.Done():
		p.spillToRetry(context.Background(), res)
		return
	}

	if err := token.Error(); err != nil {
		logging.Warn("mqttpublish: publish failed", "topic", topic, "error", err)
		p.spillToRetry(ctx, res)
		return
	}

	time.Sleep(postPublishDelay)
	for _, deviceID := range res.devices {
		p.batches.Clear(deviceID)
	}
}

func (p *Publisher) spillToRetry(ctx context.Context, res publishResult) {
	if p.retry == nil {
		return
	}
	if err := p.retry.Enqueue(ctx, res.topic, res.payload, retryqueue.Normal, 24*time.Hour); err != nil {
		logging.Error("mqttpublish: failed to spill publish into retry queue", "topic", res.topic, "error", err)
	}
}
