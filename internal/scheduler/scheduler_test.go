package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/suriota/edge/internal/bus"
	"github.com/suriota/edge/internal/config"
	"github.com/suriota/edge/internal/failure"
	"github.com/suriota/edge/internal/rtc"
	"github.com/suriota/edge/internal/telemetry"
)

// fakeStore is a minimal in-memory config.ConfigStore for scheduler tests.
type fakeStore struct {
	devices map[string]config.DeviceConfig
	order   []string
	notify  chan struct{}
}

func newFakeStore(devices ...config.DeviceConfig) *fakeStore {
	s := &fakeStore{devices: make(map[string]config.DeviceConfig), notify: make(chan struct{})}
	for _, d := range devices {
		s.devices[d.DeviceID] = d
		s.order = append(s.order, d.DeviceID)
	}
	return s
}

func (s *fakeStore) ListDevices() []string                       { return s.order }
func (s *fakeStore) ReadDevice(id string) (config.DeviceConfig, bool) { d, ok := s.devices[id]; return d, ok }
func (s *fakeStore) ServerConfig() config.ServerConfig            { return config.ServerConfig{} }
func (s *fakeStore) SubscribeChanges() config.ChangeNotifier       { return s.notify }

// fakeClock gives full control over Millis() for eligibility tests.
type fakeClock struct {
	ms uint64
}

func (c *fakeClock) NowWall() (time.Time, bool) { return time.Time{}, false }
func (c *fakeClock) Millis() uint64             { return c.ms }

func newScheduler(store config.ConfigStore, clock rtc.Clock) *Scheduler {
	driver := bus.NewDriver(map[int]config.BusConfig{})
	return New(store, driver, failure.New(), telemetry.NewQueue(16), telemetry.NewBatchTracker(), clock)
}

func TestNewSchedulerSkipsDisabledDevices(t *testing.T) {
	store := newFakeStore(
		config.DeviceConfig{DeviceID: "a", Enabled: true, RefreshRateMs: 5000},
		config.DeviceConfig{DeviceID: "b", Enabled: false, RefreshRateMs: 5000},
	)
	s := newScheduler(store, &fakeClock{})
	if len(s.devices) != 1 || s.devices[0].DeviceID != "a" {
		t.Fatalf("expected only enabled device 'a', got %+v", s.devices)
	}
}

func TestEligibleFirstPollAlwaysTrue(t *testing.T) {
	store := newFakeStore(config.DeviceConfig{DeviceID: "a", Enabled: true, RefreshRateMs: 5000})
	s := newScheduler(store, &fakeClock{ms: 1000})
	d, _ := store.ReadDevice("a")
	if !s.eligible(d) {
		t.Fatal("a never-polled device should always be eligible")
	}
}

func TestEligibleRespectsRefreshInterval(t *testing.T) {
	store := newFakeStore(config.DeviceConfig{DeviceID: "a", Enabled: true, RefreshRateMs: 5000})
	s := newScheduler(store, &fakeClock{ms: 1000})
	d, _ := store.ReadDevice("a")

	s.mu.Lock()
	s.lastPollMs["a"] = 1000
	s.mu.Unlock()

	clk := s.clock.(*fakeClock)
	clk.ms = 2000 // only 1s elapsed, refresh is 5s
	if s.eligible(d) {
		t.Fatal("should not be eligible before refresh_rate_ms has elapsed")
	}
	clk.ms = 6001
	if !s.eligible(d) {
		t.Fatal("should be eligible once refresh_rate_ms has elapsed")
	}
}

func TestEligibleFalseWhenDisabledByFailureTracker(t *testing.T) {
	store := newFakeStore(config.DeviceConfig{DeviceID: "a", Enabled: true, RefreshRateMs: 1})
	s := newScheduler(store, &fakeClock{ms: 0})
	d, _ := store.ReadDevice("a")

	now := time.Now()
	for i := 0; i <= d.EffectiveMaxRetries(); i++ {
		s.failures.RecordFailure("a", d.EffectiveMaxRetries(), now)
	}
	if s.eligible(d) {
		t.Fatal("a disabled-by-failure-tracker device should not be eligible")
	}
}

func TestRebuildDeviceListPicksUpConfigChange(t *testing.T) {
	store := newFakeStore(config.DeviceConfig{DeviceID: "a", Enabled: true})
	s := newScheduler(store, &fakeClock{})
	store.devices["b"] = config.DeviceConfig{DeviceID: "b", Enabled: true}
	store.order = append(store.order, "b")

	s.rebuildDeviceList()
	if len(s.devices) != 2 {
		t.Fatalf("expected 2 devices after rebuild, got %d", len(s.devices))
	}
}

func TestPollDeviceOnUnknownBusRecordsFailure(t *testing.T) {
	// With no RTU ports configured, any read fails with ConnectionFailed;
	// pollDevice must still finish the batch and record a device failure
	// rather than hang or panic.
	store := newFakeStore(config.DeviceConfig{
		DeviceID: "a", Enabled: true, Protocol: config.RTU, BusID: "1",
		Registers: []config.RegisterConfig{{RegisterID: "r1", DataType: config.Uint16, FunctionCode: config.Holding}},
	})
	s := newScheduler(store, &fakeClock{})
	d, _ := store.ReadDevice("a")

	s.pollDevice(context.Background(), d)

	snap := s.failures.Snapshot("a")
	if snap.ConsecutiveFailures == 0 {
		t.Fatal("expected a recorded failure for an unreachable bus")
	}
}
