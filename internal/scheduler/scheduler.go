// Package scheduler implements PollingScheduler (spec.md §4.4): one
// cooperative loop with a 2-second idle tick nesting each device's own
// refresh interval, RTU devices strictly serialized per physical bus
// (enforced by internal/bus's per-port mutex), and TCP devices polled
// concurrently across distinct endpoints but serialized within one. The
// select/tick/poll-once shape follows the teacher's
// SerialBusPoller.poller/pollOnce/StartPoller (internal/poller/poller.go).
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/suriota/edge/internal/bus"
	"github.com/suriota/edge/internal/config"
	"github.com/suriota/edge/internal/decode"
	"github.com/suriota/edge/internal/failure"
	"github.com/suriota/edge/internal/logging"
	"github.com/suriota/edge/internal/rtc"
	"github.com/suriota/edge/internal/telemetry"
)

const idleLoopDelay = 2 * time.Second
const interRegisterYield = 100 * time.Millisecond

// Scheduler is the PollingScheduler.
type Scheduler struct {
	store    config.ConfigStore
	driver   *bus.Driver
	failures *failure.Tracker
	queue    *telemetry.Queue
	batches  *telemetry.BatchTracker
	clock    rtc.Clock

	mu           sync.Mutex
	lastPollMs   map[string]uint64
	devices      []config.DeviceConfig
	changeNotify config.ChangeNotifier
}

// New builds a Scheduler wired to its collaborators.
func New(store config.ConfigStore, driver *bus.Driver, failures *failure.Tracker, queue *telemetry.Queue, batches *telemetry.BatchTracker, clock rtc.Clock) *Scheduler {
	s := &Scheduler{
		store:      store,
		driver:     driver,
		failures:   failures,
		queue:      queue,
		batches:    batches,
		clock:      clock,
		lastPollMs: make(map[string]uint64),
	}
	s.rebuildDeviceList()
	s.changeNotify = store.SubscribeChanges()
	return s
}

func (s *Scheduler) rebuildDeviceList() {
	devices := make([]config.DeviceConfig, 0, len(s.store.ListDevices()))
	for _, id := range s.store.ListDevices() {
		if d, ok := s.store.ReadDevice(id); ok && d.Enabled {
			devices = append(devices, d)
		}
	}
	s.mu.Lock()
	s.devices = devices
	s.mu.Unlock()
}

// Run executes the cooperative scheduling loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(idleLoopDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.changeNotify:
			logging.Info("scheduler: config change detected, rebuilding device list")
			s.rebuildDeviceList()
			s.changeNotify = s.store.SubscribeChanges()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	devices := append([]config.DeviceConfig(nil), s.devices...)
	s.mu.Unlock()

	rtuByPort := make(map[int][]config.DeviceConfig)
	tcpByEndpoint := make(map[string][]config.DeviceConfig)

	for _, d := range devices {
		switch d.Protocol {
		case config.RTU:
			rtuByPort[d.BusPort()] = append(rtuByPort[d.BusPort()], d)
		case config.TCP:
			tcpByEndpoint[d.Endpoint()] = append(tcpByEndpoint[d.Endpoint()], d)
		}
	}

	var wg sync.WaitGroup
	for port, group := range rtuByPort {
		wg.Add(1)
		go func(port int, group []config.DeviceConfig) {
			defer wg.Done()
			s.pollRTUPort(ctx, port, group)
		}(port, group)
	}
	for endpoint, group := range tcpByEndpoint {
		wg.Add(1)
		go func(endpoint string, group []config.DeviceConfig) {
			defer wg.Done()
			s.pollSerialized(ctx, group)
		}(endpoint, group)
	}
	wg.Wait()
}

// pollRTUPort polls every eligible device on one serial port in device
// order — the bus driver's own per-port mutex enforces the physical
// half-duplex serialization spec.md §4.4 requires.
func (s *Scheduler) pollRTUPort(ctx context.Context, port int, devices []config.DeviceConfig) {
	s.pollSerialized(ctx, devices)
}

// pollSerialized polls a group of devices one at a time — used both for a
// single RTU port and for one TCP endpoint. Devices on different TCP
// endpoints are polled by separate goroutines, not this one.
func (s *Scheduler) pollSerialized(ctx context.Context, devices []config.DeviceConfig) {
	for _, d := range devices {
		if ctx.Err() != nil {
			return
		}
		if !s.eligible(d) {
			continue
		}
		s.pollDevice(ctx, d)
	}
}

func (s *Scheduler) eligible(d config.DeviceConfig) bool {
	now := time.Now()
	if !s.failures.ShouldAttempt(d.DeviceID, now) {
		return false
	}
	s.mu.Lock()
	last, seen := s.lastPollMs[d.DeviceID]
	s.mu.Unlock()
	if !seen {
		return true
	}
	elapsed := s.clock.Millis() - last // unsigned subtraction wraps cleanly on overflow
	return elapsed >= uint64(d.RefreshInterval().Milliseconds())
}

func (s *Scheduler) pollDevice(ctx context.Context, d config.DeviceConfig) {
	if d.Protocol == config.RTU {
		baud := d.BaudRate
		if baud <= 0 {
			baud = 9600
		}
		if err := s.driver.ConfigureBus(ctx, d.BusPort(), baud); err != nil {
			logging.Error("scheduler: configure_bus failed", "device", d.DeviceID, "error", err)
		}
	}

	target := s.targetFor(d)
	s.batches.Start(d.DeviceID, len(d.Registers))

	successCount := 0
	sawTimeout := false

	for _, reg := range d.Registers {
		if ctx.Err() != nil {
			return
		}
		wc := reg.DataType.WordCount()
		words, busErr := s.driver.Read(ctx, target, d.SlaveID, reg.FunctionCode, reg.Address, uint16(wc))
		if busErr != nil {
			logging.Warn("scheduler: register read failed", "device", d.DeviceID, "register", reg.RegisterID, "kind", busErr.Kind, "error", busErr)
			s.batches.RecordFailure(d.DeviceID)
			if busErr.Kind == bus.Timeout {
				sawTimeout = true
			}
		} else if value, err := decode.Decode(reg, words); err != nil {
			logging.Warn("scheduler: decode failed", "device", d.DeviceID, "register", reg.RegisterID, "error", err)
			s.batches.RecordFailure(d.DeviceID)
		} else {
			s.queue.Enqueue(s.buildSample(d, reg, value))
			s.batches.RecordSuccess(d.DeviceID)
			successCount++
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interRegisterYield):
		}
	}

	s.batches.Finish(d.DeviceID)

	if sawTimeout {
		s.failures.RecordTimeout(d.DeviceID)
	}
	if successCount > 0 {
		s.failures.RecordSuccess(d.DeviceID)
	} else {
		s.failures.RecordFailure(d.DeviceID, d.EffectiveMaxRetries(), time.Now())
	}

	s.mu.Lock()
	s.lastPollMs[d.DeviceID] = s.clock.Millis()
	s.mu.Unlock()
}

func (s *Scheduler) buildSample(d config.DeviceConfig, reg config.RegisterConfig, value float64) telemetry.Sample {
	var ts int64
	if wall, ok := s.clock.NowWall(); ok {
		ts = wall.Unix()
	} else {
		ts = int64(s.clock.Millis())
	}
	return telemetry.Sample{
		DeviceID:      d.DeviceID,
		DeviceName:    d.DeviceName,
		RegisterID:    reg.RegisterID,
		RegisterName:  reg.RegisterName,
		RegisterIndex: reg.RegisterIndex,
		Address:       reg.Address,
		Unit:          reg.Unit,
		Value:         value,
		Timestamp:     ts,
	}
}

func (s *Scheduler) targetFor(d config.DeviceConfig) bus.Target {
	if d.Protocol == config.TCP {
		return bus.Target{TCPEndpoint: d.Endpoint(), TCPTimeout: d.Timeout()}
	}
	return bus.Target{RTUPort: d.BusPort(), RTUTimeout: d.Timeout()}
}
