package elm

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
)

// DemoTransport simulates an ELM327 adapter attached to a running engine.
// It honours echo, spaces and reset the way a real adapter does, so the
// whole exchange path (drain, echo removal, prompt detection) is exercised.
type DemoTransport struct{}

func NewDemoTransport() *DemoTransport { return &DemoTransport{} }

func (d *DemoTransport) Open(ctx context.Context, identity string) (Stream, error) {
	return &demoStream{echo: true, spaces: true}, nil
}

type demoStream struct {
	mu      sync.Mutex
	pending strings.Builder // command bytes not yet terminated
	out     []byte
	closed  bool

	echo   bool
	spaces bool
	t      float64 // virtual time accumulator
}

func (s *demoStream) BytesAvailable() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("elm: demo stream closed")
	}
	return len(s.out), nil
}

func (s *demoStream) Read(max int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("elm: demo stream closed")
	}
	if max <= 0 || max > len(s.out) {
		max = len(s.out)
	}
	b := append([]byte(nil), s.out[:max]...)
	s.out = s.out[max:]
	return b, nil
}

func (s *demoStream) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("elm: demo stream closed")
	}
	for _, b := range p {
		if b != Terminator {
			s.pending.WriteByte(b)
			continue
		}
		cmd := strings.ToUpper(strings.TrimSpace(s.pending.String()))
		s.pending.Reset()
		s.respond(cmd)
	}
	return nil
}

func (s *demoStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// respond queues the reply to one command. Caller holds s.mu.
func (s *demoStream) respond(cmd string) {
	if s.echo {
		s.out = append(s.out, cmd+"\r"...)
	}
	var reply string
	switch {
	case cmd == CmdReset:
		s.echo, s.spaces = true, true
		reply = "ELM327 v1.5"
	case cmd == CmdEchoOff:
		s.echo = false
		reply = "OK"
	case cmd == "ATS1":
		s.spaces = true
		reply = "OK"
	case cmd == CmdSpacesOff:
		s.spaces = false
		reply = "OK"
	case cmd == CmdReadVoltage:
		reply = fmt.Sprintf("%.1fV", 13.8+rand.Float64()*0.4)
	case cmd == CmdDescribeProtocol:
		reply = "AUTO, ISO 15765-4 (CAN 11/500)"
	case strings.HasPrefix(cmd, "AT"):
		reply = "OK"
	case cmd == "03":
		reply = "43 01 33 00 00 00 00"
	default:
		reply = s.pidReply(cmd)
	}
	if !s.spaces {
		reply = strings.ReplaceAll(reply, " ", "")
		if reply == "NODATA" {
			reply = "NO DATA"
		}
	}
	s.out = append(s.out, reply+"\r\r>"...)
}

// pidReply synthesizes a mode 01 reply. Values follow a slow throttle cycle
// between idle and cruise.
func (s *demoStream) pidReply(cmd string) string {
	if len(cmd) != 4 || !strings.HasPrefix(cmd, "01") {
		return "?"
	}
	pid := cmd[2:]

	s.t += 0.05
	cycle := math.Sin(s.t*0.3) * math.Sin(s.t*0.3)
	tps := cycle * 100
	rpm := 750 + 2800*cycle + rand.Float64()*40
	kph := cycle * 110
	coolantC := 88 + rand.Float64()*4

	var data []byte
	switch pid {
	case "0C":
		v := uint16(rpm * 4)
		data = []byte{byte(v >> 8), byte(v)}
	case "0D":
		data = []byte{byte(kph)}
	case "05":
		data = []byte{byte(coolantC + 40)}
	case "04":
		data = []byte{byte((20 + tps*0.6) * 255 / 100)}
	case "11":
		data = []byte{byte(tps * 255 / 100)}
	case "0F":
		data = []byte{byte(30 + rand.Float64()*8 + 40)}
	case "10":
		v := uint16((3 + tps*0.9) * 100)
		data = []byte{byte(v >> 8), byte(v)}
	case "06", "08":
		data = []byte{byte(128 + rand.Float64()*6 - 3)}
	case "07", "09":
		data = []byte{byte(131 + rand.Float64()*2)}
	case "42":
		v := uint16((13.9 + rand.Float64()*0.3) * 1000)
		data = []byte{byte(v >> 8), byte(v)}
	default:
		return "NO DATA"
	}

	parts := []string{"41", pid}
	for _, b := range data {
		parts = append(parts, fmt.Sprintf("%02X", b))
	}
	return strings.Join(parts, " ")
}
