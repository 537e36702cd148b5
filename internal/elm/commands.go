package elm

import (
	"errors"
	"strings"
)

// ELM327 AT control commands.
const (
	CmdReset            = "ATZ"
	CmdEchoOff          = "ATE0"
	CmdLineFeedOff      = "ATL0"
	CmdHeadersOff       = "ATH0"
	CmdSpacesOff        = "ATS0"
	CmdAutoProtocol     = "ATSP0"
	CmdDescribeProtocol = "ATDP"
	CmdReadVoltage      = "ATRV"
)

const (
	// Terminator ends every command on the wire.
	Terminator = '\r'
	// Prompt ends every adapter reply.
	Prompt = '>'
)

// Connection-level failures. Each leaves the channel fully torn down.
var (
	ErrDeviceUnreachable = errors.New("elm: device unreachable")
	ErrStreamUnavailable = errors.New("elm: stream unavailable")
	ErrAdapterInitFailed = errors.New("elm: adapter initialization failed")
	// ErrExchangeTimeout never escapes SendCommand; the exchange yields an empty frame.
	ErrExchangeTimeout = errors.New("elm: no prompt within poll budget")
)

// errorTokens mark a reply that carries no usable data.
var errorTokens = []string{
	"NO DATA",
	"UNABLE TO CONNECT",
	"ERROR",
	"STOPPED",
	"?",
}

// searchingBanner precedes the first reply after ATSP0 while the adapter
// detects the bus protocol.
const searchingBanner = "SEARCHING..."

// IsErrorFrame reports whether a cleaned frame is empty or carries an error token.
func IsErrorFrame(frame string) bool {
	if strings.TrimSpace(frame) == "" {
		return true
	}
	upper := strings.ToUpper(frame)
	for _, tok := range errorTokens {
		if strings.Contains(upper, tok) {
			return true
		}
	}
	return false
}

// StripBanner removes protocol-search chatter from a cleaned frame.
func StripBanner(frame string) string {
	frame = strings.ReplaceAll(frame, searchingBanner, "")
	return strings.TrimSpace(frame)
}

// CleanFrame turns the raw text accumulated during one exchange into a frame:
// the prompt is dropped, echo lines of cmd are removed, a leading echo glued to
// the reply is cut off and the remaining lines are joined by single spaces.
// Copies of cmd inside the reply are payload and stay.
func CleanFrame(raw, cmd string) string {
	raw = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\t':
			return '\r'
		case Prompt:
			return -1
		}
		return r
	}, raw)

	var parts []string
	for _, line := range strings.Split(raw, "\r") {
		line = strings.TrimSpace(line)
		if line == "" || (cmd != "" && line == cmd) {
			continue
		}
		if len(parts) == 0 && cmd != "" {
			line = strings.TrimSpace(strings.TrimPrefix(line, cmd))
			if line == "" {
				continue
			}
		}
		parts = append(parts, strings.Join(strings.Fields(line), " "))
	}
	return strings.Join(parts, " ")
}
