package bus

import (
	"context"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/suriota/edge/internal/logging"
)

const tcpIdleCloseAfter = 30 * time.Second

// tcpConn owns one pooled TCP connection to a single endpoint, serialized
// the same way rtuBus serializes a serial port — a Modbus TCP slave
// generally processes one in-flight transaction at a time too.
type tcpConn struct {
	mu       sync.Mutex
	endpoint string
	timeout  time.Duration
	handler  *modbus.TCPClientHandler
	client   modbus.Client

	connOK     bool
	backoff    time.Duration
	backoffMin time.Duration
	backoffMax time.Duration
	lastUsed   time.Time
}

func newTCPConn(endpoint string, timeout time.Duration) *tcpConn {
	return &tcpConn{
		endpoint:   endpoint,
		timeout:    timeout,
		backoffMin: 200 * time.Millisecond,
		backoffMax: 5 * time.Second,
		lastUsed:   time.Now(),
	}
}

func (c *tcpConn) ensureConnectedLocked(ctx context.Context) error {
	if c.connOK {
		return nil
	}
	if c.backoff > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}
	c.closeLocked()

	handler := modbus.NewTCPClientHandler(c.endpoint)
	handler.Timeout = c.timeout
	if err := handler.Connect(); err != nil {
		c.bumpBackoffLocked()
		return err
	}
	c.handler = handler
	c.client = modbus.NewClient(handler)
	c.connOK = true
	c.backoff = 0
	return nil
}

func (c *tcpConn) bumpBackoffLocked() {
	c.connOK = false
	if c.backoff == 0 {
		c.backoff = c.backoffMin
	} else {
		c.backoff *= 2
		if c.backoff > c.backoffMax {
			c.backoff = c.backoffMax
		}
	}
}

func (c *tcpConn) closeLocked() {
	if c.handler != nil {
		_ = c.handler.Close()
		c.handler = nil
	}
	c.connOK = false
}

func (c *tcpConn) setSlave(id byte) {
	if c.handler != nil {
		c.handler.SlaveId = id
	}
}

func (c *tcpConn) withClient(ctx context.Context, slaveID byte, _ time.Duration, fn func(cl modbus.Client) ([]byte, error)) ([]byte, *Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUsed = time.Now()

	if err := c.ensureConnectedLocked(ctx); err != nil {
		return nil, newError(ConnectionFailed, err)
	}
	c.setSlave(slaveID)

	data, err := fn(c.client)
	if err == nil {
		return data, nil
	}

	busErr := classify(false, err)
	logging.Warn("tcp request failed", "endpoint", c.endpoint, "kind", busErr.Kind, "error", err)
	if busErr.Kind == Exception {
		return nil, busErr
	}
	if isTransient(busErr) {
		c.bumpBackoffLocked()
		if err2 := c.ensureConnectedLocked(ctx); err2 == nil {
			c.setSlave(slaveID)
			data, err = fn(c.client)
			if err == nil {
				return data, nil
			}
			return nil, classify(false, err)
		}
	}
	return nil, busErr
}

func (c *tcpConn) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastUsed)
}

func (c *tcpConn) closeIfIdle(maxIdle time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connOK && time.Since(c.lastUsed) > maxIdle {
		c.closeLocked()
	}
}

// tcpPool multiplexes connections by target endpoint (ip:port), per
// spec.md §4.1's "TCP (multiplexed by target endpoint via a pool)".
type tcpPool struct {
	mu    sync.Mutex
	conns map[string]*tcpConn
}

func newTCPPool() *tcpPool {
	return &tcpPool{conns: make(map[string]*tcpConn)}
}

func (p *tcpPool) get(endpoint string, timeout time.Duration) *tcpConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[endpoint]
	if !ok {
		c = newTCPConn(endpoint, timeout)
		p.conns[endpoint] = c
	}
	return c
}

// reapIdle closes pooled connections idle for more than 30s. Callers run
// this on a ticker (see Driver.RunIdleReaper) — spec.md §7: "TCP pools must
// not hold sockets longer than 30 s idle."
func (p *tcpPool) reapIdle() {
	p.mu.Lock()
	conns := make([]*tcpConn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.closeIfIdle(tcpIdleCloseAfter)
	}
}
