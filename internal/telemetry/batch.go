package telemetry

import (
	"sync"
	"time"
)

// WaitTimeout is the publisher escape hatch from spec.md §4.6: after this
// long without a complete batch, publish whatever is queued anyway.
const WaitTimeout = 60 * time.Second

// batchState is one device's in-flight poll-batch bookkeeping.
type batchState struct {
	expected        int
	enqueuedSuccess int
	enqueuedFailed  int
	finished        bool // the scheduler has finished this device's poll iteration
	startedAt       time.Time
}

func (b batchState) complete() bool {
	return b.finished && b.enqueuedSuccess+b.enqueuedFailed == b.expected
}

// BatchTracker gates publishers on "has the scheduler finished a full poll
// pass for this device" (spec.md §4.6), with a keyed map guarded by one
// mutex — the same shape as the teacher's edgeStateStore
// (internal/state/edge-state.go).
type BatchTracker struct {
	mu     sync.Mutex
	states map[string]*batchState
}

func NewBatchTracker() *BatchTracker {
	return &BatchTracker{states: make(map[string]*batchState)}
}

// Start begins a new batch for deviceID with the given expected register
// count — called by the scheduler at the top of a device's poll iteration.
func (t *BatchTracker) Start(deviceID string, expectedRegisterCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[deviceID] = &batchState{expected: expectedRegisterCount, startedAt: time.Now()}
}

// RecordSuccess increments the success counter for an in-flight batch.
func (t *BatchTracker) RecordSuccess(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[deviceID]; ok {
		s.enqueuedSuccess++
	}
}

// RecordFailure increments the failure counter for an in-flight batch.
func (t *BatchTracker) RecordFailure(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[deviceID]; ok {
		s.enqueuedFailed++
	}
}

// Finish marks the scheduler as done with this device's poll iteration.
func (t *BatchTracker) Finish(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[deviceID]; ok {
		s.finished = true
	}
}

// Clear removes a device's batch state — called by a publisher after a
// successful publish.
func (t *BatchTracker) Clear(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, deviceID)
}

// HasCompleteBatch reports whether every tracked device's batch is
// complete (or there are none in flight). Publishers call this to decide
// whether it's safe to proceed with a publish.
func (t *BatchTracker) HasCompleteBatch() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.states {
		if !s.complete() {
			return false
		}
	}
	return true
}

// OldestStart returns the start time of the longest-running in-flight
// batch, used by publishers to evaluate the 60s wait-timeout escape hatch.
func (t *BatchTracker) OldestStart() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var oldest time.Time
	found := false
	for _, s := range t.states {
		if s.complete() {
			continue
		}
		if !found || s.startedAt.Before(oldest) {
			oldest = s.startedAt
			found = true
		}
	}
	return oldest, found
}

// ShouldPublish implements spec.md §4.6/§4.7's publish-trigger gate:
// proceed if every batch is complete, or if the oldest incomplete batch
// has been open longer than WaitTimeout.
func (t *BatchTracker) ShouldPublish(now time.Time) bool {
	if t.HasCompleteBatch() {
		return true
	}
	oldest, found := t.OldestStart()
	return found && now.Sub(oldest) >= WaitTimeout
}
