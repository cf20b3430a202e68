// Package rtc provides the RtcClock external collaborator (spec.md §6):
// wall-clock time when synced, a monotonic millis() fallback otherwise.
// Persistent config storage, filesystem access, and BLE are the only other
// external collaborators at this boundary; real-time sync is out of core
// scope beyond this interface.
package rtc

import "time"

// Clock is the external collaborator the core consumes for timestamps.
type Clock interface {
	// NowWall returns the current wall-clock time and true if the clock has
	// been synced (e.g. via NTP or BLE time-set); false, zero value otherwise.
	NowWall() (time.Time, bool)
	// Millis returns a monotonic millisecond counter since an arbitrary
	// epoch (process boot on a real device). Comparisons must use
	// subtraction so wraparound is harmless (spec.md §4.4).
	Millis() uint64
}

// SystemClock is backed by the OS wall clock and monotonic reading.
type SystemClock struct {
	boot   time.Time
	synced func() bool
}

// NewSystemClock returns a Clock that is always considered synced — the
// normal case for a gateway whose OS clock is NTP-disciplined.
func NewSystemClock() *SystemClock {
	return &SystemClock{boot: time.Now(), synced: func() bool { return true }}
}

// NewUnsyncedSystemClock returns a Clock whose NowWall reports unsynced,
// useful for tests exercising the millis() fallback path.
func NewUnsyncedSystemClock() *SystemClock {
	return &SystemClock{boot: time.Now(), synced: func() bool { return false }}
}

func (c *SystemClock) NowWall() (time.Time, bool) {
	if !c.synced() {
		return time.Time{}, false
	}
	return time.Now(), true
}

func (c *SystemClock) Millis() uint64 {
	return uint64(time.Since(c.boot).Milliseconds())
}
