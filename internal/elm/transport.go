package elm

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Stream is a duplex byte stream with non-blocking availability checks.
type Stream interface {
	// BytesAvailable returns how many bytes can be read without blocking.
	BytesAvailable() (int, error)
	// Read returns at most max bytes that are already buffered.
	Read(max int) ([]byte, error)
	Write(p []byte) error
	Close() error
}

// Transport opens a Stream to an adapter identified by a port path or address.
type Transport interface {
	Open(ctx context.Context, identity string) (Stream, error)
}

// DiscoveryCanceler is implemented by transports whose platform keeps an
// inquiry/scan running that must be stopped before a link is opened.
type DiscoveryCanceler interface {
	CancelDiscovery() error
}

// SerialConfig configures a serial-port transport (USB or a bound RFCOMM device).
type SerialConfig struct {
	BaudRate int `yaml:"baud_rate" json:"baudRate"`
}

// SerialTransport opens adapters exposed as serial ports, e.g. /dev/rfcomm0.
type SerialTransport struct {
	baudRate int
}

// NewSerialTransport creates a serial transport. ELM327 clones default to 38400 baud.
func NewSerialTransport(cfg SerialConfig) *SerialTransport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 38400
	}
	return &SerialTransport{baudRate: cfg.BaudRate}
}

func (t *SerialTransport) Open(ctx context.Context, portPath string) (Stream, error) {
	mode := &serial.Mode{
		BaudRate: t.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portPath, mode)
	if err != nil {
		return nil, fmt.Errorf("elm: failed to open %s: %w", portPath, err)
	}
	if err := port.SetReadTimeout(pumpReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: set read timeout on %s: %v", ErrStreamUnavailable, portPath, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		log.Printf("[elm] reset input buffer on %s: %v", portPath, err)
	}
	log.Printf("[elm] opened %s at %d baud", portPath, t.baudRate)
	return newPumpStream(port), nil
}

// TCPTransport opens Wi-Fi adapters that expose the ELM327 protocol on a TCP
// port (commonly 192.168.0.10:35000).
type TCPTransport struct {
	DialTimeout time.Duration
}

func (t *TCPTransport) Open(ctx context.Context, addr string) (Stream, error) {
	timeout := t.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("elm: failed to dial %s: %w", addr, err)
	}
	log.Printf("[elm] connected to %s", addr)
	return newPumpStream(&deadlineConn{conn}), nil
}

// deadlineConn makes net.Conn reads return periodically so the pump can
// notice Close.
type deadlineConn struct {
	net.Conn
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	c.Conn.SetReadDeadline(time.Now().Add(pumpReadTimeout))
	n, err := c.Conn.Read(p)
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return n, nil
	}
	return n, err
}

const pumpReadTimeout = 50 * time.Millisecond

// pumpStream adapts a blocking io.ReadWriteCloser to the Stream contract: a
// background goroutine moves incoming bytes into a buffer that Read and
// BytesAvailable consult without blocking.
type pumpStream struct {
	rwc io.ReadWriteCloser

	mu     sync.Mutex
	buf    []byte
	err    error // sticky read error
	closed bool
	done   chan struct{}
}

func newPumpStream(rwc io.ReadWriteCloser) *pumpStream {
	p := &pumpStream{rwc: rwc, done: make(chan struct{})}
	go p.pump()
	return p
}

func (p *pumpStream) pump() {
	defer close(p.done)
	chunk := make([]byte, 256)
	for {
		n, err := p.rwc.Read(chunk)
		p.mu.Lock()
		if n > 0 {
			p.buf = append(p.buf, chunk[:n]...)
		}
		if err != nil || p.closed {
			if err != nil && !p.closed {
				p.err = err
			}
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}

func (p *pumpStream) BytesAvailable() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 && p.err != nil {
		return 0, p.err
	}
	return len(p.buf), nil
}

func (p *pumpStream) Read(max int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 {
		return nil, p.err
	}
	if max <= 0 || max > len(p.buf) {
		max = len(p.buf)
	}
	out := make([]byte, max)
	copy(out, p.buf)
	p.buf = p.buf[max:]
	return out, nil
}

func (p *pumpStream) Write(b []byte) error {
	_, err := p.rwc.Write(b)
	return err
}

func (p *pumpStream) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	err := p.rwc.Close()
	select {
	case <-p.done:
	case <-time.After(time.Second):
	}
	return err
}
