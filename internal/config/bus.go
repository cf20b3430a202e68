package config

import "time"

// BusConfig is one RTU serial bus (port 1 or 2). TCP devices are not
// grouped by BusConfig — they're pooled per endpoint instead (spec.md §4.4).
type BusConfig struct {
	Port     int `json:"port"` // 1 or 2
	BaudRate int `json:"baudRate"`
	DataBits int `json:"dataBits"`
	StopBits int `json:"stopBits"`
	Parity   string `json:"parity"` // "N" | "E" | "O"
	Device   string `json:"device"` // OS serial device path, e.g. /dev/ttyS1
}

// EffectiveBaud falls back to 9600 for an invalid/unset baud, per spec.md §4.1.
func (b BusConfig) EffectiveBaud() int {
	if IsValidBaud(b.BaudRate) {
		return b.BaudRate
	}
	return 9600
}

func (b BusConfig) effectiveDataBits() int {
	if b.DataBits == 0 {
		return 8
	}
	return b.DataBits
}

func (b BusConfig) effectiveStopBits() int {
	if b.StopBits == 0 {
		return 1
	}
	return b.StopBits
}

func (b BusConfig) effectiveParity() string {
	if b.Parity == "" {
		return "N"
	}
	return b.Parity
}

// DataBitsOrDefault returns the serial data-bits setting, defaulted to 8.
func (b BusConfig) DataBitsOrDefault() int { return b.effectiveDataBits() }

// StopBitsOrDefault returns the serial stop-bits setting, defaulted to 1.
func (b BusConfig) StopBitsOrDefault() int { return b.effectiveStopBits() }

// ParityOrDefault returns the serial parity setting, defaulted to "N".
func (b BusConfig) ParityOrDefault() string { return b.effectiveParity() }

const rtuInterRequestDelay = 100 * time.Millisecond
const rtuBaudSettleDelay = 50 * time.Millisecond

// InterRequestDelay is the turnaround delay required after a successful
// RTU request on a half-duplex bus (spec.md §4.1).
func InterRequestDelay() time.Duration { return rtuInterRequestDelay }

// BaudSettleDelay is the delay after reopening a serial port at a new baud
// rate before it's considered stable (spec.md §4.1).
func BaudSettleDelay() time.Duration { return rtuBaudSettleDelay }
