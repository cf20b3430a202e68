package telemetry

import (
	"testing"
	"time"
)

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	q := NewQueue(2)
	q.Enqueue(Sample{RegisterID: "a"})
	q.Enqueue(Sample{RegisterID: "b"})
	q.Enqueue(Sample{RegisterID: "c"})

	if q.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", q.Dropped())
	}
	s, ok := q.Dequeue()
	if !ok || s.RegisterID != "b" {
		t.Fatalf("expected oldest surviving sample 'b', got %+v", s)
	}
}

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue(10)
	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue(Sample{RegisterID: id})
	}
	for _, want := range []string{"a", "b", "c"} {
		s, ok := q.Dequeue()
		if !ok || s.RegisterID != want {
			t.Fatalf("got %+v, want %s", s, want)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestStreamSubscribeFiltersByDevice(t *testing.T) {
	q := NewQueue(10)
	q.StreamSubscribe("dev1")
	q.StreamEnqueue(Sample{DeviceID: "dev2", RegisterID: "x"})
	q.StreamEnqueue(Sample{DeviceID: "dev1", RegisterID: "y"})

	s, ok := q.StreamDequeue()
	if !ok || s.RegisterID != "y" {
		t.Fatalf("expected only dev1's sample, got %+v, ok=%v", s, ok)
	}
	if _, ok := q.StreamDequeue(); ok {
		t.Fatal("expected stream buffer empty after one dequeue")
	}
}

func TestStreamUnsubscribeClearsBuffer(t *testing.T) {
	q := NewQueue(10)
	q.StreamSubscribe("dev1")
	q.StreamEnqueue(Sample{DeviceID: "dev1"})
	q.StreamUnsubscribe()
	if _, ok := q.StreamDequeue(); ok {
		t.Fatal("expected stream cleared on unsubscribe")
	}
}

func TestBatchTrackerCompletesOnFinish(t *testing.T) {
	bt := NewBatchTracker()
	bt.Start("dev1", 3)
	bt.RecordSuccess("dev1")
	bt.RecordSuccess("dev1")
	bt.RecordFailure("dev1")
	if bt.HasCompleteBatch() {
		t.Fatal("should not be complete before scheduler finishes the iteration")
	}
	bt.Finish("dev1")
	if !bt.HasCompleteBatch() {
		t.Fatal("should be complete once finished and counters match expected")
	}
}

func TestBatchTrackerClear(t *testing.T) {
	bt := NewBatchTracker()
	bt.Start("dev1", 1)
	bt.RecordSuccess("dev1")
	bt.Finish("dev1")
	bt.Clear("dev1")
	if !bt.HasCompleteBatch() {
		t.Fatal("no tracked batches should report complete (vacuously true)")
	}
}

func TestBatchTrackerWaitTimeoutEscapeHatch(t *testing.T) {
	bt := NewBatchTracker()
	bt.Start("dev1", 5)
	bt.RecordSuccess("dev1") // incomplete: only 1 of 5, never finished

	now := time.Now()
	if bt.ShouldPublish(now) {
		t.Fatal("should not publish immediately for an incomplete batch")
	}
	if !bt.ShouldPublish(now.Add(61 * time.Second)) {
		t.Fatal("should publish once the wait-timeout has elapsed")
	}
}
