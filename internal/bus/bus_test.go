package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goburrow/modbus"

	"github.com/suriota/edge/internal/config"
)

func TestBitsToWords(t *testing.T) {
	// byte 0b00000101 -> bit0=1, bit1=0, bit2=1
	got := bitsToWords([]byte{0x05}, 3)
	want := []uint16{1, 0, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("bit %d: got %v want %v", i, got, want)
		}
	}
}

func TestRegsToWords(t *testing.T) {
	got := regsToWords([]byte{0x12, 0x34, 0x56, 0x78})
	want := []uint16{0x1234, 0x5678}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("word %d: got %04x want %04x", i, got[i], want[i])
		}
	}
}

func TestClassifyModbusException(t *testing.T) {
	merr := &modbus.ModbusError{FunctionCode: 3, ExceptionCode: 2}
	e := classify(true, merr)
	if e.Kind != Exception || e.ExceptionCode != 2 {
		t.Fatalf("got %+v", e)
	}
}

func TestClassifyTimeout(t *testing.T) {
	e := classify(true, errors.New("read tcp: i/o timeout"))
	if e.Kind != Timeout {
		t.Fatalf("got %v", e.Kind)
	}
}

func TestClassifyConnectionFailed(t *testing.T) {
	e := classify(false, errors.New("dial tcp: connection refused"))
	if e.Kind != ConnectionFailed {
		t.Fatalf("got %v", e.Kind)
	}
}

// fakeRequester lets Driver dispatch logic be tested without a real
// serial/TCP transport.
type fakeRequester struct {
	response   []byte
	err        error
	gotTimeout time.Duration
}

func (f *fakeRequester) withClient(ctx context.Context, slaveID byte, timeout time.Duration, fn func(c modbus.Client) ([]byte, error)) ([]byte, *Error) {
	f.gotTimeout = timeout
	if f.err != nil {
		return nil, classify(true, f.err)
	}
	return f.response, nil
}

func TestDriverReadUnknownPort(t *testing.T) {
	d := &Driver{rtu: map[int]*rtuBus{}, tcp: newTCPPool()}
	_, err := d.Read(context.Background(), Target{RTUPort: 9}, 1, config.Holding, 0, 2)
	if err == nil || err.Kind != ConnectionFailed {
		t.Fatalf("expected ConnectionFailed for unknown port, got %+v", err)
	}
}

func TestDispatchReadCoilUnpacksBits(t *testing.T) {
	f := &fakeRequester{response: []byte{0x01}}
	got, err := dispatchRead(context.Background(), f, 1, time.Second, config.Coil, 0, 1)
	if err != nil || got[0] != 1 {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestDispatchReadHoldingAssemblesWords(t *testing.T) {
	f := &fakeRequester{response: []byte{0x00, 0x2A}}
	got, err := dispatchRead(context.Background(), f, 1, time.Second, config.Holding, 0, 1)
	if err != nil || got[0] != 42 {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestDispatchReadPropagatesError(t *testing.T) {
	f := &fakeRequester{err: errors.New("i/o timeout")}
	_, err := dispatchRead(context.Background(), f, 1, time.Second, config.Holding, 0, 1)
	if err == nil || err.Kind != Timeout {
		t.Fatalf("got %+v", err)
	}
}

func TestDispatchWriteUnsupportedFunctionCode(t *testing.T) {
	f := &fakeRequester{}
	err := dispatchWrite(context.Background(), f, 1, time.Second, config.Discrete, 0, 1)
	if err == nil || err.Kind != InvalidAddress {
		t.Fatalf("got %+v", err)
	}
}

// TestRequestTimeoutPicksPerTransportField covers the RTU-timeout wiring:
// RTU targets must carry the device's own timeout through to the
// requester, the same way TCP targets already do via TCPTimeout.
func TestRequestTimeoutPicksPerTransportField(t *testing.T) {
	rtu := Target{RTUPort: 1, RTUTimeout: 7 * time.Second}
	if got := requestTimeout(rtu); got != 7*time.Second {
		t.Fatalf("expected RTU timeout 7s, got %v", got)
	}
	tcp := Target{TCPEndpoint: "10.0.0.1:502", TCPTimeout: 2 * time.Second}
	if got := requestTimeout(tcp); got != 2*time.Second {
		t.Fatalf("expected TCP timeout 2s, got %v", got)
	}
}

// TestDispatchReadThreadsTimeoutToRequester covers that the per-device
// timeout reaches the requester instead of being silently dropped.
func TestDispatchReadThreadsTimeoutToRequester(t *testing.T) {
	f := &fakeRequester{response: []byte{0x00, 0x2A}}
	if _, err := dispatchRead(context.Background(), f, 1, 9*time.Second, config.Holding, 0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.gotTimeout != 9*time.Second {
		t.Fatalf("expected requester to receive timeout 9s, got %v", f.gotTimeout)
	}
}
