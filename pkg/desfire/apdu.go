package desfire

import (
	"fmt"

	"github.com/skythen/apdu"
)

// MaxAPDULength is the largest short APDU: header, Lc, 255 data bytes and Le.
const MaxAPDULength = 4 + 1 + apdu.MaxLenCommandDataStandard + 1

// APDU is an ISO 7816-4 short command APDU. It is built fresh for every
// transmission.
//
// Le follows the usual Ne convention: 0 omits the field, 1..255 is encoded
// as-is and 256 is encoded as 0x00.
type APDU struct {
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
	Data []byte
	Le   int
}

// Encode serializes the APDU. Lc is only present when Data is non-empty and
// Le only when non-zero. Oversized fields are rejected locally.
func (a APDU) Encode() ([]byte, error) {
	if len(a.Data) > apdu.MaxLenCommandDataStandard {
		return nil, localError(a.INS, StatusParameterError, "APDU data too long: %d bytes", len(a.Data))
	}
	if a.Le < 0 || a.Le > apdu.MaxLenResponseDataStandard {
		return nil, localError(a.INS, StatusParameterError, "APDU Le out of range: %d", a.Le)
	}

	out := make([]byte, 0, 6+len(a.Data))
	out = append(out, a.CLA, a.INS, a.P1, a.P2)
	if len(a.Data) > 0 {
		out = append(out, byte(len(a.Data)))
		out = append(out, a.Data...)
	}
	if a.Le > 0 {
		out = append(out, byte(a.Le))
	}
	return out, nil
}

// DecodeAPDU parses a short command APDU.
func DecodeAPDU(raw []byte) (APDU, error) {
	if len(raw) > MaxAPDULength {
		return APDU{}, localError(0, StatusLengthError, "APDU too long: %d bytes", len(raw))
	}
	c, err := apdu.ParseCapdu(raw)
	if err != nil {
		return APDU{}, &StatusError{Status: StatusLengthError, Err: fmt.Errorf("parse APDU: %w", err)}
	}
	a := APDU{CLA: c.Cla, INS: c.Ins, P1: c.P1, P2: c.P2, Le: c.Ne}
	if len(c.Data) > 0 {
		a.Data = append([]byte(nil), c.Data...)
	}
	return a, nil
}

// Response is a parsed response APDU.
type Response struct {
	Data []byte
	SW   uint16
}

// ParseResponse splits raw reader bytes into data and status word.
// The status word is mandatory; fewer than two bytes is a length error.
func ParseResponse(raw []byte) (Response, error) {
	if len(raw) < 2 {
		return Response{}, localError(0, StatusLengthError, "short response: %d bytes", len(raw))
	}
	r, err := apdu.ParseRapdu(raw)
	if err != nil {
		return Response{}, &StatusError{Status: StatusLengthError, Err: fmt.Errorf("parse response: %w", err)}
	}
	resp := Response{SW: uint16(r.SW1)<<8 | uint16(r.SW2)}
	if len(r.Data) > 0 {
		resp.Data = append([]byte(nil), r.Data...)
	}
	return resp, nil
}

// Status maps the response status word onto the taxonomy.
func (r Response) Status() Status {
	return StatusFromSW(r.SW)
}

// OK reports a terminal success.
func (r Response) OK() bool {
	return SwOK(r.SW)
}
