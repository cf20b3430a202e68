package failure

import (
	"testing"
	"time"
)

func TestShouldAttemptFreshDevice(t *testing.T) {
	tr := New()
	if !tr.ShouldAttempt("dev1", time.Now()) {
		t.Fatal("a never-seen device should be attemptable")
	}
}

func TestBackoffBounds(t *testing.T) {
	// spec.md §8 invariant 4: 100ms <= wait <= 2400ms (1600ms cap + up to 800ms jitter)
	tr := New()
	now := time.Now()
	for retry := 1; retry <= 8; retry++ {
		d := tr.backoff(retry)
		if d < 100*time.Millisecond || d > 2400*time.Millisecond {
			t.Fatalf("retry=%d backoff=%v out of [100ms,2400ms]", retry, d)
		}
	}
	_ = now
}

func TestRecordFailureDisablesAfterMaxRetries(t *testing.T) {
	tr := New()
	now := time.Now()
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		tr.RecordFailure("dev1", maxRetries, now)
	}
	if !tr.Snapshot("dev1").Enabled {
		t.Fatal("device should still be enabled while RetryCount is at maxRetries")
	}
	tr.RecordFailure("dev1", maxRetries, now)
	if tr.Snapshot("dev1").Enabled {
		t.Fatal("device should be disabled by the failure after RetryCount reaches maxRetries")
	}
	if tr.ShouldAttempt("dev1", now.Add(time.Hour)) {
		t.Fatal("a disabled device should never be attemptable")
	}
}

func TestRecordFailureRespectsBackoffWindow(t *testing.T) {
	tr := New()
	now := time.Now()
	tr.RecordFailure("dev1", 5, now)
	if tr.ShouldAttempt("dev1", now.Add(10*time.Millisecond)) {
		t.Fatal("should not be attemptable before the retry deadline")
	}
	if !tr.ShouldAttempt("dev1", now.Add(3*time.Second)) {
		t.Fatal("should be attemptable well after the retry deadline")
	}
}

func TestRecordSuccessResetsCounters(t *testing.T) {
	tr := New()
	now := time.Now()
	tr.RecordFailure("dev1", 5, now)
	tr.RecordTimeout("dev1")
	tr.RecordSuccess("dev1")
	s := tr.Snapshot("dev1")
	if s.RetryCount != 0 || s.ConsecutiveFailures != 0 || s.ConsecutiveTimeouts != 0 {
		t.Fatalf("expected all counters reset, got %+v", s)
	}
	if !tr.ShouldAttempt("dev1", now) {
		t.Fatal("device should be immediately attemptable after success")
	}
}

func TestRecordTimeoutDisablesAfterThreeStrikes(t *testing.T) {
	tr := New()
	tr.RecordTimeout("dev1")
	tr.RecordTimeout("dev1")
	if !tr.Snapshot("dev1").Enabled {
		t.Fatal("should still be enabled after only two timeouts")
	}
	tr.RecordTimeout("dev1")
	if tr.Snapshot("dev1").Enabled {
		t.Fatal("should be disabled after three consecutive timeouts")
	}
}

func TestTimeoutDisableIsIndependentOfRetryCount(t *testing.T) {
	// Three timeouts disable a device even if its retry/failure counters
	// never hit maxRetries — spec.md §4.3's independent timeout rule.
	tr := New()
	now := time.Now()
	tr.RecordFailure("dev1", 10, now)
	tr.RecordTimeout("dev1")
	tr.RecordTimeout("dev1")
	tr.RecordTimeout("dev1")
	if tr.Snapshot("dev1").Enabled {
		t.Fatal("three consecutive timeouts must disable regardless of retry budget")
	}
}

func TestEnableClearsState(t *testing.T) {
	tr := New()
	now := time.Now()
	for i := 0; i < 5; i++ {
		tr.RecordFailure("dev1", 5, now)
	}
	tr.Enable("dev1")
	s := tr.Snapshot("dev1")
	if !s.Enabled || s.RetryCount != 0 {
		t.Fatalf("expected clean re-enabled state, got %+v", s)
	}
}
