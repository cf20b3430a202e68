// Package failure implements DeviceFailureTracker (spec.md §4.3): per-device
// consecutive-failure/retry/backoff bookkeeping plus an independent
// timeout-strike counter. The exponential-backoff-with-cap shape is
// generalized from the teacher's connection-level ModbusDeviceClient.bumpBackoff
// (internal/modbus/modbus_client.go), which doubles a backoff duration up to
// a ceiling on each failed (re)connect attempt; here the same idea is
// applied per device with the spec's explicit jitter formula instead of the
// teacher's un-jittered doubling.
package failure

import (
	"math/rand"
	"sync"
	"time"
)

const (
	backoffBase      = 100 * time.Millisecond
	backoffCap       = 1600 * time.Millisecond
	maxConsecutiveTimeouts = 3
)

// State is one device's failure-tracking record.
type State struct {
	ConsecutiveFailures int
	ConsecutiveTimeouts int
	RetryCount          int
	NextRetryDeadline    time.Time
	LastAttempt         time.Time
	LastSuccess         time.Time
	Enabled             bool
}

// Tracker holds one State per device, protected by a single mutex (the
// teacher keeps connection state unlocked per-poller since each poller owns
// its own bus; this tracker is shared across scheduler tasks so it needs a
// lock spec.md §5 doesn't otherwise provide).
type Tracker struct {
	mu     sync.Mutex
	states map[string]*State
	rand   *rand.Rand
}

// New returns an empty Tracker. Devices are implicitly created (enabled)
// the first time they're referenced.
func New() *Tracker {
	return &Tracker{
		states: make(map[string]*State),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (t *Tracker) stateLocked(deviceID string) *State {
	s, ok := t.states[deviceID]
	if !ok {
		s = &State{Enabled: true}
		t.states[deviceID] = s
	}
	return s
}

// ShouldAttempt reports whether a device is eligible to be polled right now:
// enabled AND (never retried yet OR its retry deadline has passed).
func (t *Tracker) ShouldAttempt(deviceID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateLocked(deviceID)
	if !s.Enabled {
		return false
	}
	if s.RetryCount == 0 {
		return true
	}
	return !now.Before(s.NextRetryDeadline)
}

// RecordSuccess resets the retry/backoff counters and keeps Enabled as-is.
func (t *Tracker) RecordSuccess(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateLocked(deviceID)
	s.ConsecutiveFailures = 0
	s.ConsecutiveTimeouts = 0
	s.RetryCount = 0
	s.NextRetryDeadline = time.Time{}
	s.LastSuccess = time.Now()
}

// RecordFailure bumps the failure/retry counters and, once max_retries is
// exceeded, disables the device (spec.md §4.3). maxRetries comes from the
// device's own configuration.
func (t *Tracker) RecordFailure(deviceID string, maxRetries int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateLocked(deviceID)
	s.ConsecutiveFailures++
	s.LastAttempt = now

	if s.RetryCount < maxRetries {
		s.RetryCount++
		s.NextRetryDeadline = now.Add(t.backoff(s.RetryCount))
		return
	}
	s.Enabled = false
}

// RecordTimeout bumps the independent timeout-strike counter and disables
// the device after three consecutive timeouts, regardless of RetryCount —
// spec.md §4.3 treats timeouts as a stronger signal than protocol errors.
func (t *Tracker) RecordTimeout(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateLocked(deviceID)
	s.ConsecutiveTimeouts++
	if s.ConsecutiveTimeouts >= maxConsecutiveTimeouts {
		s.Enabled = false
	}
}

// backoff computes 100ms*2^(retryCount-1), capped at 1600ms, plus a uniform
// jitter in [0, base/2) — spec.md §4.3 / §8 invariant 4: 100ms <= wait <= 2400ms.
func (t *Tracker) backoff(retryCount int) time.Duration {
	base := backoffBase << (retryCount - 1)
	if base > backoffCap || base <= 0 {
		base = backoffCap
	}
	jitter := time.Duration(t.rand.Int63n(int64(base / 2)))
	return base + jitter
}

// Enable re-enables a device and clears its failure/retry state — the
// explicit re-enable control command named in spec.md §7.
func (t *Tracker) Enable(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateLocked(deviceID)
	s.Enabled = true
	s.RetryCount = 0
	s.ConsecutiveFailures = 0
	s.ConsecutiveTimeouts = 0
	s.NextRetryDeadline = time.Time{}
}

// Snapshot returns a copy of a device's current failure state.
func (t *Tracker) Snapshot(deviceID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.stateLocked(deviceID)
}
