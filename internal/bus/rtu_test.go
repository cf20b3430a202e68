package bus

import (
	"testing"
	"time"

	"github.com/goburrow/modbus"
)

// TestSetTimeoutLockedAppliesPerDeviceTimeout covers spec.md §3/§4.1's
// per-device timeout_ms: two devices sharing one RTU bus must each get
// their own configured deadline, not a fixed package constant.
func TestSetTimeoutLockedAppliesPerDeviceTimeout(t *testing.T) {
	b := &rtuBus{handler: &modbus.RTUClientHandler{}}

	b.setTimeoutLocked(9 * time.Second)
	if b.handler.Timeout != 9*time.Second {
		t.Fatalf("expected handler timeout 9s, got %v", b.handler.Timeout)
	}

	b.setTimeoutLocked(500 * time.Millisecond)
	if b.handler.Timeout != 500*time.Millisecond {
		t.Fatalf("expected handler timeout 500ms, got %v", b.handler.Timeout)
	}
}

// TestSetTimeoutLockedFallsBackToDefault covers a device with no
// configured timeout_ms (TimeoutMs defaults to 0, Timeout() still returns
// a positive default per spec.md §3, but setTimeoutLocked defends against
// a bare zero reaching the handler too).
func TestSetTimeoutLockedFallsBackToDefault(t *testing.T) {
	b := &rtuBus{handler: &modbus.RTUClientHandler{}}
	b.setTimeoutLocked(0)
	if b.handler.Timeout != defaultRTUTimeout {
		t.Fatalf("expected fallback to defaultRTUTimeout, got %v", b.handler.Timeout)
	}
}

// TestSetTimeoutLockedNoopWithoutHandler guards against a nil-handler
// panic before the bus has connected.
func TestSetTimeoutLockedNoopWithoutHandler(t *testing.T) {
	b := &rtuBus{}
	b.setTimeoutLocked(time.Second)
}
