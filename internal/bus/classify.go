package bus

import (
	"errors"
	"strings"

	"github.com/goburrow/modbus"
)

// classify turns a raw transport error into the closed BusError taxonomy.
// The string-matching fallback mirrors the teacher's isTransient helper
// (internal/modbus/modbus_client.go), which classifies errors by substring
// since goburrow/serial and goburrow/modbus don't export sentinel errors
// for timeouts or broken connections.
func classify(rtu bool, err error) *Error {
	if err == nil {
		return nil
	}

	var merr *modbus.ModbusError
	if errors.As(err, &merr) {
		return &Error{Kind: Exception, ExceptionCode: byte(merr.ExceptionCode), Err: err}
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout") || strings.Contains(s, "i/o timeout"):
		return newError(Timeout, err)
	case rtu && (strings.Contains(s, "crc")):
		return newError(CrcMismatch, err)
	case !rtu && strings.Contains(s, "mbap"):
		return newError(InvalidMbap, err)
	case strings.Contains(s, "connection") || strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "reset") || strings.Contains(s, "closed") || strings.Contains(s, "i/o"):
		return newError(ConnectionFailed, err)
	default:
		return newError(ConnectionFailed, err)
	}
}

// isTransient reports whether a classified error is worth bumping the
// connection backoff and retrying once, per the teacher's withClient retry
// shape.
func isTransient(e *Error) bool {
	switch e.Kind {
	case Timeout, ConnectionFailed, CrcMismatch, InvalidMbap:
		return true
	default:
		return false
	}
}
