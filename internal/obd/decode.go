package obd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shaunagostinho/obdmon/internal/elm"
)

// ErrMalformedPayload is returned when a payload has odd length or non-hex
// characters. Decode collapses it to an absent value.
var ErrMalformedPayload = errors.New("obd: malformed payload")

// HexToUint accumulates hex byte pairs big-endian.
func HexToUint(hex string) (uint64, error) {
	if hex == "" || len(hex)%2 != 0 {
		return 0, fmt.Errorf("%w: %q has odd or zero length", ErrMalformedPayload, hex)
	}
	if len(hex) > 16 {
		return 0, fmt.Errorf("%w: %q exceeds 8 bytes", ErrMalformedPayload, hex)
	}
	var v uint64
	for i := 0; i < len(hex); i += 2 {
		hi, ok1 := nibble(hex[i])
		lo, ok2 := nibble(hex[i+1])
		if !ok1 || !ok2 {
			return 0, fmt.Errorf("%w: %q", ErrMalformedPayload, hex)
		}
		v = v<<8 | uint64(hi<<4|lo)
	}
	return v, nil
}

func nibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

// Apply decodes a hex payload with the formula.
func (fm Formula) Apply(hex string) (float64, error) {
	raw, err := HexToUint(hex)
	if err != nil {
		return 0, err
	}
	mul, div := fm.Multiplier, fm.Divisor
	if mul == 0 {
		mul = 1
	}
	if div == 0 {
		div = 1
	}
	x := float64(raw)
	switch fm.Kind {
	case Direct:
		return x, nil
	case Linear:
		return x*mul/div + fm.Bias, nil
	case Offset:
		return (x-fm.Offset)*mul/div + fm.Bias, nil
	}
	return 0, fmt.Errorf("obd: unknown decode kind %d", fm.Kind)
}

// DecodedValue is the outcome of one parameter exchange.
type DecodedValue struct {
	PID     PID
	Payload string // hex digits after the mode/PID echo
	Success bool
	Value   *float64
	Err     error // set when a payload was present but could not be decoded
}

// Decode turns a cleaned frame for id into a value. It never fails: error
// frames and malformed payloads yield an absent Value.
func Decode(frame string, id PID) DecodedValue {
	dv := DecodedValue{PID: id}
	if elm.IsErrorFrame(frame) {
		return dv
	}

	digits := hexDigits(elm.StripBanner(frame))
	if len(digits) <= 4 {
		return dv
	}
	dv.Payload = digits[4:]
	dv.Success = true

	spec, ok := Lookup(id)
	if !ok {
		return dv
	}
	payload := dv.Payload
	if spec.Bytes > 0 && len(payload) > spec.Bytes*2 {
		// Several ECUs answered; the first reply wins.
		payload = payload[:spec.Bytes*2]
	}
	v, err := spec.Formula.Apply(payload)
	if err != nil {
		dv.Err = err
		return dv
	}
	dv.Value = &v
	return dv
}

// hexDigits keeps only the hex characters of s, upper-cased.
func hexDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if _, ok := nibble(c); ok {
			if c >= 'a' {
				c -= 'a' - 'A'
			}
			b.WriteByte(c)
		} else if c != ' ' {
			// A non-hex character inside the payload makes it malformed.
			b.WriteByte('?')
		}
	}
	return b.String()
}

// ParseDTCs extracts trouble codes from a mode 03 frame. Each "43" line
// carries up to three two-byte codes; zero padding is skipped and
// duplicates reported by several ECUs are collapsed. A frame without a
// "43" reply yields nil; a valid reply with no codes yields an empty slice.
func ParseDTCs(frame string) []string {
	if elm.IsErrorFrame(frame) {
		return nil
	}
	h := hexDigits(elm.StripBanner(frame))
	if !strings.HasPrefix(h, "43") {
		return nil
	}
	codes := []string{}
	seen := make(map[string]bool)
	for strings.HasPrefix(h, "43") {
		h = h[2:]
		n := min(len(h), 12)
		body := h[:n]
		h = h[n:]
		for i := 0; i+4 <= len(body); i += 4 {
			code, ok := dtcCode(body[i : i+4])
			if !ok || seen[code] {
				continue
			}
			seen[code] = true
			codes = append(codes, code)
		}
	}
	return codes
}

var dtcSystems = [4]byte{'P', 'C', 'B', 'U'}

func dtcCode(group string) (string, bool) {
	if group == "0000" {
		return "", false
	}
	v, err := HexToUint(group)
	if err != nil {
		return "", false
	}
	system := dtcSystems[(v>>14)&0x3]
	first := (v >> 12) & 0x3
	return fmt.Sprintf("%c%d%03X", system, first, v&0xFFF), true
}

var dtcDescriptions = map[string]string{
	"P0100": "Mass air flow circuit malfunction",
	"P0101": "Mass air flow circuit range/performance",
	"P0128": "Coolant thermostat below regulating temperature",
	"P0133": "O2 sensor slow response (bank 1 sensor 1)",
	"P0171": "System too lean (bank 1)",
	"P0172": "System too rich (bank 1)",
	"P0174": "System too lean (bank 2)",
	"P0175": "System too rich (bank 2)",
	"P0217": "Engine overtemperature condition",
	"P0300": "Random/multiple cylinder misfire detected",
	"P0301": "Cylinder 1 misfire detected",
	"P0302": "Cylinder 2 misfire detected",
	"P0303": "Cylinder 3 misfire detected",
	"P0304": "Cylinder 4 misfire detected",
	"P0420": "Catalyst system efficiency below threshold (bank 1)",
	"P0430": "Catalyst system efficiency below threshold (bank 2)",
	"P0442": "EVAP system small leak detected",
	"P0455": "EVAP system large leak detected",
	"P0562": "System voltage low",
	"P0700": "Transmission control system malfunction",
}

// DescribeDTC returns a short description of a trouble code.
func DescribeDTC(code string) string {
	if d, ok := dtcDescriptions[code]; ok {
		return d
	}
	if code == "" {
		return "Unknown code"
	}
	switch code[0] {
	case 'P':
		return "Powertrain fault"
	case 'C':
		return "Chassis fault"
	case 'B':
		return "Body fault"
	case 'U':
		return "Network communication fault"
	}
	return "Unknown code"
}
