package config

import (
	"strings"
	"testing"
)

func validDoc() GatewayDocument {
	return GatewayDocument{
		GatewayID: "MGate-1210-AB12",
		Buses: map[int]BusConfig{
			1: {Port: 1, BaudRate: 9600, Device: "/dev/ttyS1"},
		},
		Devices: map[string]DeviceConfig{
			"a1b2c3": {
				DeviceID:      "a1b2c3",
				DeviceName:    "PLC1",
				Protocol:      RTU,
				BusID:         "1",
				SlaveID:       1,
				RefreshRateMs: 1000,
				Registers: []RegisterConfig{
					{RegisterID: "r00001", Address: 0, FunctionCode: Holding, DataType: Float32, Endianness: BE, Decimals: 2},
				},
			},
		},
		Server: ServerConfig{
			Protocol: ServerMQTT,
			MQTT:     MQTTConfig{BrokerAddress: "localhost", IntervalUnit: UnitS, Interval: 10},
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	doc := validDoc()
	if err := doc.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

// TestPruneInvalidRegistersDropsOverflowingAddress covers spec.md §7 Error
// Category 3: an address-range overflow is logged and the register
// skipped, not a fatal load-time error for the whole document.
func TestPruneInvalidRegistersDropsOverflowingAddress(t *testing.T) {
	doc := validDoc()
	d := doc.Devices["a1b2c3"]
	d.Registers[0].Address = 65535
	d.Registers[0].DataType = Float32 // 2 words: 65535+1 overflows
	doc.Devices["a1b2c3"] = d

	if err := doc.Validate(); err != nil {
		t.Fatalf("expected Validate to accept an address overflow, got %v", err)
	}
	doc.PruneInvalidRegisters()
	if regs := doc.Devices["a1b2c3"].Registers; len(regs) != 0 {
		t.Fatalf("expected overflowing register to be pruned, got %+v", regs)
	}
}

// TestPruneInvalidRegistersDropsUnknownDataType mirrors the same Category 3
// handling for an unrecognized dataType.
func TestPruneInvalidRegistersDropsUnknownDataType(t *testing.T) {
	doc := validDoc()
	d := doc.Devices["a1b2c3"]
	d.Registers[0].DataType = "NOT_A_TYPE"
	doc.Devices["a1b2c3"] = d

	if err := doc.Validate(); err != nil {
		t.Fatalf("expected Validate to accept an unknown dataType, got %v", err)
	}
	doc.PruneInvalidRegisters()
	if regs := doc.Devices["a1b2c3"].Registers; len(regs) != 0 {
		t.Fatalf("expected unknown-dataType register to be pruned, got %+v", regs)
	}
}

// TestPruneInvalidRegistersClampsDecimals covers the documented boundary
// behavior: out-of-range decimals are clamped, not dropped.
func TestPruneInvalidRegistersClampsDecimals(t *testing.T) {
	doc := validDoc()
	d := doc.Devices["a1b2c3"]
	d.Registers[0].Decimals = 10
	doc.Devices["a1b2c3"] = d

	doc.PruneInvalidRegisters()
	regs := doc.Devices["a1b2c3"].Registers
	if len(regs) != 1 {
		t.Fatalf("expected the register to survive clamping, got %+v", regs)
	}
	if regs[0].Decimals != 6 {
		t.Fatalf("expected decimals clamped to 6, got %d", regs[0].Decimals)
	}
}

// TestPruneInvalidRegistersKeepsValidOnesAlongsideBad covers a device with
// a mix of good and bad registers: only the bad one is dropped, and the
// scheduler can keep polling the rest.
func TestPruneInvalidRegistersKeepsValidOnesAlongsideBad(t *testing.T) {
	doc := validDoc()
	d := doc.Devices["a1b2c3"]
	d.Registers = append(d.Registers, RegisterConfig{RegisterID: "bad", DataType: "NOT_A_TYPE"})
	doc.Devices["a1b2c3"] = d

	doc.PruneInvalidRegisters()
	regs := doc.Devices["a1b2c3"].Registers
	if len(regs) != 1 || regs[0].RegisterID != "r00001" {
		t.Fatalf("expected only the valid register to survive, got %+v", regs)
	}
}

func TestValidateRejectsMismatchedDeviceID(t *testing.T) {
	doc := validDoc()
	d := doc.Devices["a1b2c3"]
	d.DeviceID = "different"
	doc.Devices["a1b2c3"] = d

	if err := doc.Validate(); err == nil {
		t.Fatalf("expected validation error for mismatched deviceId")
	}
}

func TestClampDecimals(t *testing.T) {
	cases := map[int]int{10: 6, -5: -1, -1: -1, 0: 0, 6: 6, 7: 6}
	for in, want := range cases {
		if got := ClampDecimals(in); got != want {
			t.Errorf("ClampDecimals(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestIntervalUnitMillis(t *testing.T) {
	if got := UnitMs.Millis(500); got != 500 {
		t.Errorf("ms: got %d", got)
	}
	if got := UnitS.Millis(2); got != 2000 {
		t.Errorf("s: got %d", got)
	}
	if got := UnitM.Millis(2); got != 120000 {
		t.Errorf("m: got %d", got)
	}
}

func TestIsValidBaud(t *testing.T) {
	if !IsValidBaud(19200) {
		t.Error("19200 should be valid")
	}
	if IsValidBaud(14400) {
		t.Error("14400 should be invalid")
	}
}

func TestConfigStoreRoundTrip(t *testing.T) {
	doc := validDoc()
	store := NewInMemoryConfigStore(&doc)

	ids := store.ListDevices()
	if len(ids) != 1 || ids[0] != "a1b2c3" {
		t.Fatalf("ListDevices = %v", ids)
	}
	d, ok := store.ReadDevice("a1b2c3")
	if !ok || d.DeviceName != "PLC1" {
		t.Fatalf("ReadDevice = %+v, %v", d, ok)
	}
	if _, ok := store.ReadDevice("missing"); ok {
		t.Fatal("expected missing device to return ok=false")
	}
}

func TestConfigStoreNotifiesOnReplace(t *testing.T) {
	doc := validDoc()
	store := NewInMemoryConfigStore(&doc)
	notify := store.SubscribeChanges()

	doc2 := validDoc()
	store.ReplaceInMemory(&doc2)

	select {
	case <-notify:
	default:
		t.Fatal("expected change notifier to be closed after ReplaceInMemory")
	}
}

func TestStripJSONComments(t *testing.T) {
	in := []byte("{\n  // a comment\n  \"a\": 1 /* inline */\n}\n")
	out := stripJSONComments(in)
	if strings.Contains(string(out), "comment") || strings.Contains(string(out), "inline") {
		t.Fatalf("comments not stripped: %s", out)
	}
}
