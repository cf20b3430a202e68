package bus

import (
	"context"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/suriota/edge/internal/config"
	"github.com/suriota/edge/internal/logging"
)

// defaultRTUTimeout applies when a device carries no configured timeout_ms.
const defaultRTUTimeout = 3 * time.Second

// rtuBus owns one RS-485 serial port. Connect/backoff bookkeeping follows
// the teacher's ModbusDeviceClient (internal/modbus/modbus_client.go):
// EnsureConnected/bumpBackoff with a doubling backoff between 200ms and 5s,
// generalized here to run per physical bus rather than per catalog device.
type rtuBus struct {
	mu      sync.Mutex
	port    string
	cfg     config.BusConfig
	handler *modbus.RTUClientHandler
	client  modbus.Client

	connOK     bool
	backoff    time.Duration
	backoffMin time.Duration
	backoffMax time.Duration

	currentBaud int
}

func newRTUBus(cfg config.BusConfig) *rtuBus {
	return &rtuBus{
		port:        cfg.Device,
		cfg:         cfg,
		backoffMin:  200 * time.Millisecond,
		backoffMax:  5 * time.Second,
		currentBaud: cfg.EffectiveBaud(),
	}
}

func (b *rtuBus) ensureConnectedLocked(ctx context.Context) error {
	if b.connOK {
		return nil
	}
	if b.backoff > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.backoff):
		}
	}
	b.closeLocked()

	handler := modbus.NewRTUClientHandler(b.port)
	handler.BaudRate = b.currentBaud
	handler.DataBits = b.cfg.DataBitsOrDefault()
	handler.Parity = b.cfg.ParityOrDefault()
	handler.StopBits = b.cfg.StopBitsOrDefault()
	handler.Timeout = defaultRTUTimeout

	if err := handler.Connect(); err != nil {
		b.bumpBackoffLocked()
		return err
	}
	b.handler = handler
	b.client = modbus.NewClient(handler)
	b.connOK = true
	b.backoff = 0
	return nil
}

func (b *rtuBus) bumpBackoffLocked() {
	b.connOK = false
	if b.backoff == 0 {
		b.backoff = b.backoffMin
	} else {
		b.backoff *= 2
		if b.backoff > b.backoffMax {
			b.backoff = b.backoffMax
		}
	}
}

func (b *rtuBus) closeLocked() {
	if b.handler != nil {
		_ = b.handler.Close()
		b.handler = nil
	}
	b.connOK = false
}

// configureBaud reconfigures the port's baud rate, a no-op if the target
// rate is already cached. spec.md §4.1: close, reopen, settle 50ms;
// invalid rates fall back to 9600 with a warning.
func (b *rtuBus) configureBaud(ctx context.Context, baud int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !config.IsValidBaud(baud) {
		logging.Warn("invalid baud rate requested, falling back to 9600", "bus", b.port, "requested", baud)
		baud = 9600
	}
	if baud == b.currentBaud && b.connOK {
		return nil
	}

	b.closeLocked()
	b.currentBaud = baud

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(config.BaudSettleDelay()):
	}

	return b.ensureConnectedLocked(ctx)
}

func (b *rtuBus) setSlave(id byte) {
	if b.handler != nil {
		b.handler.SlaveId = id
	}
}

// setTimeoutLocked applies the calling device's configured per-request
// timeout (spec.md §3/§4.1 timeout_ms) to the shared serial handler. A bus
// can be shared by devices with different timeouts, so this is set fresh
// before every request rather than fixed once at connect time.
func (b *rtuBus) setTimeoutLocked(timeout time.Duration) {
	if b.handler == nil {
		return
	}
	if timeout <= 0 {
		timeout = defaultRTUTimeout
	}
	b.handler.Timeout = timeout
}

func (b *rtuBus) withClient(ctx context.Context, slaveID byte, timeout time.Duration, fn func(c modbus.Client) ([]byte, error)) ([]byte, *Error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureConnectedLocked(ctx); err != nil {
		return nil, newError(ConnectionFailed, err)
	}
	b.setSlave(slaveID)
	b.setTimeoutLocked(timeout)

	data, err := fn(b.client)
	if err == nil {
		select {
		case <-ctx.Done():
		case <-time.After(config.InterRequestDelay()):
		}
		return data, nil
	}

	busErr := classify(true, err)
	logging.Warn("rtu request failed", "bus", b.port, "kind", busErr.Kind, "error", err)
	if busErr.Kind == Exception {
		return nil, busErr
	}
	if isTransient(busErr) {
		b.bumpBackoffLocked()
		if err2 := b.ensureConnectedLocked(ctx); err2 == nil {
			b.setSlave(slaveID)
			b.setTimeoutLocked(timeout)
			data, err = fn(b.client)
			if err == nil {
				return data, nil
			}
			return nil, classify(true, err)
		}
	}
	return nil, busErr
}
