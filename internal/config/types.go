// Package config holds the data model the core polls, decodes, and publishes
// against, plus a JSON-file-backed ConfigStore implementation.
package config

import (
	"strconv"
	"time"
)

// Protocol is the Modbus transport a device is reached over.
type Protocol string

const (
	RTU Protocol = "RTU"
	TCP Protocol = "TCP"
)

// FunctionCode is the Modbus PDU function a register is read/written with.
type FunctionCode int

const (
	Coil     FunctionCode = 1
	Discrete FunctionCode = 2
	Holding  FunctionCode = 3
	Input    FunctionCode = 4
)

// DataType is the base interpretation of a register's raw words.
type DataType string

const (
	Bool    DataType = "BOOL"
	Int16   DataType = "INT16"
	Uint16  DataType = "UINT16"
	Int32   DataType = "INT32"
	Uint32  DataType = "UINT32"
	Float32 DataType = "FLOAT32"
	Int64   DataType = "INT64"
	Uint64  DataType = "UINT64"
	Double64 DataType = "DOUBLE64"
)

// Endianness is the multi-word byte-order variant (ignored for 16-bit types).
type Endianness string

const (
	BE    Endianness = "BE"
	LE    Endianness = "LE"
	BEBS  Endianness = "BE_BS"
	LEBS  Endianness = "LE_BS"
)

// WordCount returns the number of 16-bit Modbus registers a value of this
// type occupies.
func (d DataType) WordCount() int {
	switch d {
	case Bool, Int16, Uint16:
		return 1
	case Int32, Uint32, Float32:
		return 2
	case Int64, Uint64, Double64:
		return 4
	default:
		return 0
	}
}

var allowedBauds = map[int]bool{
	1200: true, 2400: true, 4800: true, 9600: true,
	19200: true, 38400: true, 57600: true, 115200: true,
}

// IsValidBaud reports whether b is one of the Modbus RTU baud rates this
// gateway supports.
func IsValidBaud(b int) bool { return allowedBauds[b] }

// IntervalUnit is the unit a publish interval is expressed in before it's
// normalized to milliseconds.
type IntervalUnit string

const (
	UnitMs IntervalUnit = "ms"
	UnitS  IntervalUnit = "s"
	UnitM  IntervalUnit = "m"
)

// Millis normalizes an interval/unit pair to milliseconds, per spec.md §3's
// invariant that stored intervals are always internally normalized.
func (u IntervalUnit) Millis(interval int) int64 {
	switch u {
	case UnitS:
		return int64(interval) * 1000
	case UnitM:
		return int64(interval) * 60 * 1000
	default:
		return int64(interval)
	}
}

// RegisterConfig is one mapped Modbus register on a device.
type RegisterConfig struct {
	RegisterID     string       `json:"registerId"`
	RegisterName   string       `json:"registerName"`
	Address        uint16       `json:"address"`
	FunctionCode   FunctionCode `json:"functionCode"`
	DataType       DataType     `json:"dataType"`
	Endianness     Endianness   `json:"endianness"`
	Scale          float64      `json:"scale"`
	Offset         float64      `json:"offset"`
	Decimals       int          `json:"decimals"` // -1 = auto/untouched
	Unit           string       `json:"unit"`
	Writable       bool         `json:"writable"`
	MinValue       *float64     `json:"minValue,omitempty"`
	MaxValue       *float64     `json:"maxValue,omitempty"`
	RegisterIndex  int          `json:"registerIndex"`
}

// EndAddress returns the last register address this value occupies.
func (r RegisterConfig) EndAddress() int {
	return int(r.Address) + r.DataType.WordCount() - 1
}

// ClampDecimals clamps a requested decimals value to the [-1, 6] range
// per spec.md §8 boundary behavior (10 -> 6, -5 -> -1).
func ClampDecimals(d int) int {
	if d < -1 {
		return -1
	}
	if d > 6 {
		return 6
	}
	return d
}

// DeviceConfig is one physical Modbus device.
type DeviceConfig struct {
	DeviceID      string           `json:"deviceId"`
	DeviceName    string           `json:"deviceName"`
	Protocol      Protocol         `json:"protocol"`
	BusID         string           `json:"busId,omitempty"` // RTU: which serial bus
	SlaveID       uint8            `json:"slaveId"`
	IPAddress     string           `json:"ipAddress,omitempty"`
	Port          int              `json:"port,omitempty"`
	BaudRate      int              `json:"baudRate,omitempty"`
	RefreshRateMs int              `json:"refreshRateMs"`
	TimeoutMs     int              `json:"timeoutMs"`
	MaxRetries    int              `json:"maxRetries"`
	Enabled       bool             `json:"enabled"`
	Registers     []RegisterConfig `json:"registers"`
}

// RefreshInterval is RefreshRateMs as a time.Duration, defaulted per spec.md §3.
func (d DeviceConfig) RefreshInterval() time.Duration {
	ms := d.RefreshRateMs
	if ms <= 0 {
		ms = 5000
	}
	return time.Duration(ms) * time.Millisecond
}

// Timeout is TimeoutMs as a time.Duration, defaulted per spec.md §3.
func (d DeviceConfig) Timeout() time.Duration {
	ms := d.TimeoutMs
	if ms <= 0 {
		ms = 3000
	}
	return time.Duration(ms) * time.Millisecond
}

// EffectiveMaxRetries returns MaxRetries, defaulted to 5 per spec.md §3.
func (d DeviceConfig) EffectiveMaxRetries() int {
	if d.MaxRetries <= 0 {
		return 5
	}
	return d.MaxRetries
}

// Endpoint identifies a TCP bus by ip:port for pooling purposes.
func (d DeviceConfig) Endpoint() string {
	return d.IPAddress + ":" + strconv.Itoa(d.effectivePort())
}

// BusPort parses an RTU device's BusID ("1" or "2") into the serial port
// number used to key internal/bus.Driver's RTU map.
func (d DeviceConfig) BusPort() int {
	p, _ := strconv.Atoi(d.BusID)
	return p
}

func (d DeviceConfig) effectivePort() int {
	if d.Port <= 0 {
		return 502
	}
	return d.Port
}
