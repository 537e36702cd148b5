package elm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/obdmon/internal/metrics"
)

// ChannelConfig holds exchange timing. Zero values take the defaults below.
type ChannelConfig struct {
	PollInterval  time.Duration // between availability checks
	PollAttempts  int           // checks per exchange before giving up
	ResetDelay    time.Duration // settle after ATZ
	SettleDelay   time.Duration // settle after each configuration command
	ProtocolDelay time.Duration // settle after ATSP0
}

// DefaultChannelConfig gives a ~2 second budget per exchange.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		PollInterval:  100 * time.Millisecond,
		PollAttempts:  20,
		ResetDelay:    1500 * time.Millisecond,
		SettleDelay:   200 * time.Millisecond,
		ProtocolDelay: 500 * time.Millisecond,
	}
}

// Channel frames ASCII commands to an ELM327-compatible adapter and reads
// prompt-terminated replies.
//
// At most one exchange is in flight at a time. The connected flag is atomic
// so IsConnected never waits behind a running exchange.
type Channel struct {
	transport Transport
	cfg       ChannelConfig
	metrics   *metrics.Metrics

	mu        sync.Mutex // serializes exchanges and guards stream
	stream    Stream
	connected atomic.Bool
	identity  string
}

// NewChannel creates a channel over the given transport.
func NewChannel(t Transport, cfg ChannelConfig, m *metrics.Metrics) *Channel {
	def := DefaultChannelConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = def.PollAttempts
	}
	if cfg.ResetDelay < 0 {
		cfg.ResetDelay = 0
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.ProtocolDelay < 0 {
		cfg.ProtocolDelay = 0
	}
	return &Channel{transport: t, cfg: cfg, metrics: m}
}

// IsConnected reports whether the adapter is initialized and the link is up.
func (c *Channel) IsConnected() bool { return c.connected.Load() }

// Connect opens the transport and runs the adapter initialization sequence.
// On any failure the channel is torn down before returning.
func (c *Channel) Connect(ctx context.Context, identity string) error {
	c.Disconnect()

	if dc, ok := c.transport.(DiscoveryCanceler); ok {
		if err := dc.CancelDiscovery(); err != nil {
			log.Printf("[elm] cancel discovery: %v", err)
		}
	}

	stream, err := c.transport.Open(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrStreamUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrDeviceUnreachable, identity, err)
	}
	if stream == nil {
		return fmt.Errorf("%w: %s", ErrStreamUnavailable, identity)
	}

	c.mu.Lock()
	c.stream = stream
	c.identity = identity
	c.mu.Unlock()

	if err := c.initialize(ctx); err != nil {
		c.Disconnect()
		return err
	}

	c.connected.Store(true)
	c.metrics.SetConnected(true)
	log.Printf("[elm] adapter on %s initialized", identity)
	return nil
}

// initialize resets the adapter, turns off echo, line feeds, headers and
// spaces, selects the bus protocol automatically and probes supply voltage.
func (c *Channel) initialize(ctx context.Context) error {
	banner := c.SendCommand(ctx, CmdReset)
	if banner != "" {
		log.Printf("[elm] reset: %s", banner)
	}
	if err := sleepCtx(ctx, c.cfg.ResetDelay); err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterInitFailed, err)
	}

	steps := []struct {
		cmd   string
		delay time.Duration
	}{
		{CmdEchoOff, c.cfg.SettleDelay},
		{CmdLineFeedOff, c.cfg.SettleDelay},
		{CmdHeadersOff, c.cfg.SettleDelay},
		{CmdSpacesOff, c.cfg.SettleDelay},
		{CmdAutoProtocol, c.cfg.ProtocolDelay},
	}
	for _, step := range steps {
		c.SendCommand(ctx, step.cmd)
		if err := sleepCtx(ctx, step.delay); err != nil {
			return fmt.Errorf("%w: %v", ErrAdapterInitFailed, err)
		}
	}

	voltage := c.SendCommand(ctx, CmdReadVoltage)
	if IsErrorFrame(voltage) {
		return fmt.Errorf("%w: voltage probe returned %q", ErrAdapterInitFailed, voltage)
	}
	log.Printf("[elm] supply voltage: %s", voltage)

	if proto := c.SendCommand(ctx, CmdDescribeProtocol); proto != "" {
		log.Printf("[elm] protocol: %s", proto)
	}
	return nil
}

// SendCommand performs one exchange and returns the cleaned frame.
//
// Stale input is drained before the command is written. The reply is
// collected by polling availability every PollInterval, at most PollAttempts
// times; if the prompt never arrives the exchange yields "". An I/O failure
// also yields "" and marks the channel disconnected.
func (c *Channel) SendCommand(ctx context.Context, cmd string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream == nil {
		return ""
	}

	if n := c.drain(); n > 0 {
		log.Printf("[elm] drained %d stale bytes before %s", n, cmd)
	}

	if err := c.stream.Write([]byte(cmd + string(Terminator))); err != nil {
		log.Printf("[elm] write %s failed: %v", cmd, err)
		c.linkLost()
		c.metrics.ObserveExchange(metrics.ResultError)
		return ""
	}

	var resp strings.Builder
	complete := false
	for attempt := 0; attempt < c.cfg.PollAttempts && !complete; attempt++ {
		avail, err := c.stream.BytesAvailable()
		if err != nil {
			log.Printf("[elm] read %s failed: %v", cmd, err)
			c.linkLost()
			c.metrics.ObserveExchange(metrics.ResultError)
			return ""
		}
		if avail > 0 {
			b, err := c.stream.Read(avail)
			if err != nil {
				log.Printf("[elm] read %s failed: %v", cmd, err)
				c.linkLost()
				c.metrics.ObserveExchange(metrics.ResultError)
				return ""
			}
			resp.Write(b)
			if strings.ContainsRune(resp.String(), Prompt) {
				complete = true
				break
			}
		}
		if err := sleepCtx(ctx, c.cfg.PollInterval); err != nil {
			c.metrics.ObserveExchange(metrics.ResultError)
			return ""
		}
	}

	if !complete {
		log.Printf("[elm] %s: %v (%d bytes buffered)", cmd, ErrExchangeTimeout, resp.Len())
		c.metrics.ObserveExchange(metrics.ResultTimeout)
		return ""
	}

	c.metrics.ObserveExchange(metrics.ResultOK)
	return CleanFrame(resp.String(), cmd)
}

// drain discards whatever is already buffered. Caller holds c.mu.
func (c *Channel) drain() int {
	total := 0
	for {
		n, err := c.stream.BytesAvailable()
		if err != nil || n == 0 {
			return total
		}
		b, err := c.stream.Read(n)
		total += len(b)
		if err != nil || len(b) == 0 {
			return total
		}
	}
}

// linkLost flips the connected flag after a transport failure. Caller holds c.mu.
func (c *Channel) linkLost() {
	if c.connected.Swap(false) {
		c.metrics.SetConnected(false)
		log.Printf("[elm] link to %s lost", c.identity)
	}
}

// Disconnect closes the link. It is safe to call repeatedly and concurrently
// with an exchange: the connected flag drops before any I/O.
func (c *Channel) Disconnect() {
	wasConnected := c.connected.Swap(false)
	c.metrics.SetConnected(false)

	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			log.Printf("[elm] close: %v", err)
		}
	}
	if wasConnected {
		log.Printf("[elm] disconnected from %s", c.identity)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
