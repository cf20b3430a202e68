package remotewrite

import (
	"testing"
	"time"

	"github.com/suriota/edge/internal/bus"
	"github.com/suriota/edge/internal/config"
	"github.com/suriota/edge/internal/decode"
)

func TestParseWriteTopic(t *testing.T) {
	cases := []struct {
		topic      string
		wantDevice string
		wantSuffix string
		wantOK     bool
	}{
		{"suriota/gw1/write/ab12cd/ef34aa", "ab12cd", "ef34aa", true},
		{"suriota/gw1/write/ab12cd", "", "", false},
		{"suriota/gw1/read/ab12cd/x", "", "", false},
		{"suriota/gw1/write//x", "", "", false},
	}
	for _, c := range cases {
		device, suffix, ok := parseWriteTopic("suriota/gw1", c.topic)
		if ok != c.wantOK || device != c.wantDevice || suffix != c.wantSuffix {
			t.Errorf("parseWriteTopic(%q) = (%q,%q,%v), want (%q,%q,%v)",
				c.topic, device, suffix, ok, c.wantDevice, c.wantSuffix, c.wantOK)
		}
	}
}

func TestParsePayloadRawNumber(t *testing.T) {
	v, uuid, err := parsePayload([]byte("25.5"))
	if err != nil || v != 25.5 || uuid != "" {
		t.Fatalf("got v=%v uuid=%q err=%v", v, uuid, err)
	}
}

func TestParsePayloadStructured(t *testing.T) {
	v, uuid, err := parsePayload([]byte(`{"value": 10, "uuid": "abc"}`))
	if err != nil || v != 10 || uuid != "abc" {
		t.Fatalf("got v=%v uuid=%q err=%v", v, uuid, err)
	}
}

func TestParsePayloadInvalid(t *testing.T) {
	if _, _, err := parsePayload([]byte("not a number")); err == nil {
		t.Fatal("expected an error for garbage payload")
	}
	if _, _, err := parsePayload([]byte("")); err == nil {
		t.Fatal("expected an error for empty payload")
	}
}

func TestFindRegisterBySuffix(t *testing.T) {
	d := config.DeviceConfig{Registers: []config.RegisterConfig{
		{RegisterID: "r1"}, {RegisterID: "r2"},
	}}
	if _, ok := findRegisterBySuffix(d, "r2"); !ok {
		t.Fatal("expected to find r2")
	}
	if _, ok := findRegisterBySuffix(d, "missing"); ok {
		t.Fatal("expected not found for unknown suffix")
	}
}

func TestBusErrorCodeMapsModbusExceptions(t *testing.T) {
	cases := []struct {
		kind byte
		want ErrorCode
	}{
		{1, ErrException01},
		{2, ErrException02},
		{3, ErrException03},
		{4, ErrException04},
	}
	for _, c := range cases {
		err := &bus.Error{Kind: bus.Exception, ExceptionCode: c.kind}
		if got := busErrorCode(err); got != c.want {
			t.Errorf("busErrorCode(exception %d) = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestBusErrorCodeFallsBackToTransportFailedForNonException(t *testing.T) {
	for _, kind := range []bus.Kind{bus.Timeout, bus.CrcMismatch, bus.InvalidMbap, bus.ConnectionFailed, bus.InvalidAddress} {
		err := &bus.Error{Kind: kind}
		if got := busErrorCode(err); got != ErrTransportFailed {
			t.Errorf("busErrorCode(%s) = %d, want %d", kind, got, ErrTransportFailed)
		}
	}
}

// TestOutOfRangeBoundsCheck checks the S6 (out-of-range write) numbers
// without going through the handler: 150 lies above max_value, 25.5 lies
// within [min_value, max_value], and 25.5 reverse-calibrates to raw 255 at
// scale 0.1.
func TestOutOfRangeBoundsCheck(t *testing.T) {
	min, max := 0.0, 100.0
	reg := config.RegisterConfig{RegisterID: "r1", Scale: 0.1, Offset: 0, MinValue: &min, MaxValue: &max}

	if 150.0 <= *reg.MaxValue {
		t.Fatalf("expected 150 to exceed max bound %v", *reg.MaxValue)
	}
	if 25.5 < *reg.MinValue || 25.5 > *reg.MaxValue {
		t.Fatalf("expected 25.5 within [%v,%v]", *reg.MinValue, *reg.MaxValue)
	}

	raw := decode.ReverseCalibrate(25.5, reg.Scale, reg.Offset)
	if raw != 255.0 {
		t.Fatalf("expected raw 255.0 for value 25.5 at scale 0.1, got %v", raw)
	}
}

// TestSuccessBodyMatchesS5 covers spec.md §8 S5's exact response shape.
func TestSuccessBodyMatchesS5(t *testing.T) {
	body := successBody(25.5, 255.0, 2*time.Millisecond)
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
	if body["value_written"] != 25.5 || body["raw_value"] != 255.0 {
		t.Fatalf("unexpected body: %+v", body)
	}
	if _, ok := body["response_time_ms"]; !ok {
		t.Fatalf("expected response_time_ms in body: %+v", body)
	}
}

// TestErrorBodyMatchesS6 covers spec.md §8 S6's exact response shape,
// including the bound-violation context fields.
func TestErrorBodyMatchesS6(t *testing.T) {
	body := errorBody(ErrAboveMax, map[string]any{"max_value": 100.0, "provided_value": 150.0})
	if body["status"] != "error" {
		t.Fatalf("expected status error, got %v", body["status"])
	}
	if body["error"] != "Value above maximum" {
		t.Fatalf("unexpected error message: %v", body["error"])
	}
	if body["error_code"] != int(ErrAboveMax) {
		t.Fatalf("unexpected error_code: %v", body["error_code"])
	}
	if body["max_value"] != 100.0 || body["provided_value"] != 150.0 {
		t.Fatalf("missing bound-violation context: %+v", body)
	}
}

// TestErrorBodyGenericHasNoExtraContext covers a plain error code (no bound
// violation): status/error/error_code must still be present with no extra
// fields leaking in from a nil map.
func TestErrorBodyGenericHasNoExtraContext(t *testing.T) {
	body := errorBody(ErrNotFound, nil)
	if body["status"] != "error" || body["error"] != "Register not found" || body["error_code"] != int(ErrNotFound) {
		t.Fatalf("unexpected body: %+v", body)
	}
	if len(body) != 3 {
		t.Fatalf("expected exactly 3 fields for a plain error, got %+v", body)
	}
}
