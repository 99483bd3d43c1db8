package desfire

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

// Native command codes.
const (
	// Card level
	CmdGetVersion        byte = 0x60
	CmdGetCardUID        byte = 0x51
	CmdGetApplicationIDs byte = 0x6A
	CmdGetDFNames        byte = 0x6D
	CmdGetFreeMemory     byte = 0x6E
	CmdSelectApplication byte = 0x5A
	CmdFormatPICC        byte = 0xFC
	CmdSetConfiguration  byte = 0x5C
	CmdAdditionalFrame   byte = 0xAF

	// Authentication and keys
	CmdAuthenticate            byte = 0x0A
	CmdAuthenticateISO         byte = 0x1A
	CmdAuthenticateAES         byte = 0xAA
	CmdAuthenticateEV2First    byte = 0x71
	CmdAuthenticateEV2NonFirst byte = 0x77
	CmdChangeKeySettings       byte = 0x54
	CmdGetKeySettings          byte = 0x45
	CmdChangeKey               byte = 0xC4
	CmdGetKeyVersion           byte = 0x64

	// Applications and files
	CmdCreateApplication  byte = 0xCA
	CmdDeleteApplication  byte = 0xDA
	CmdGetFileIDs         byte = 0x6F
	CmdGetISOFileIDs      byte = 0x61
	CmdGetFileSettings    byte = 0xF5
	CmdChangeFileSettings byte = 0x5F
	CmdCreateStdDataFile  byte = 0xCD
	CmdCreateBackupFile   byte = 0xCB
	CmdCreateValueFile    byte = 0xCC
	CmdCreateLinearRecord byte = 0xC1
	CmdCreateCyclicRecord byte = 0xC0
	CmdDeleteFile         byte = 0xDF

	// Data manipulation
	CmdReadData          byte = 0xBD
	CmdWriteData         byte = 0x3D
	CmdGetValue          byte = 0x6C
	CmdCredit            byte = 0x0C
	CmdDebit             byte = 0xDC
	CmdLimitedCredit     byte = 0x1C
	CmdWriteRecord       byte = 0x3B
	CmdReadRecords       byte = 0xBB
	CmdClearRecordFile   byte = 0xEB
	CmdCommitTransaction byte = 0xC7
	CmdAbortTransaction  byte = 0xA7

	// EV2
	CmdGetDelegatedInfo byte = 0x69
	CmdReadSignature    byte = 0x3C
)

// CommMode is the communication mode a command travels in.
type CommMode byte

const (
	CommPlain   CommMode = 0x00
	CommMAC     CommMode = 0x01
	CommEncrypt CommMode = 0x03
)

func (m CommMode) String() string {
	switch m {
	case CommPlain:
		return "plain"
	case CommMAC:
		return "mac"
	case CommEncrypt:
		return "encrypt"
	default:
		return fmt.Sprintf("comm(0x%02X)", byte(m))
	}
}

// NativeCommand is a DESFire command ready for the engine.
//
// Header is always sent in clear (file or key numbers, offsets); Data is the
// part subject to MAC or encryption. AllowTruncate lets the transport cut an
// oversized single frame instead of failing. ResponseLen, when non-zero, is
// the plaintext length an encrypted answer must decode to.
type NativeCommand struct {
	Code          byte
	Header        []byte
	Data          []byte
	Mode          CommMode
	AllowTruncate bool
	ResponseLen   int
}

// Framing selects how native commands are placed into APDUs.
type Framing int

const (
	// FramingWrapped sends CLA 0x90 INS 0x00 with the command code as the
	// first data byte.
	FramingWrapped Framing = iota
	// FramingISO sends CLA 0x90 INS=<command> with Le=0x00, the form PC/SC
	// readers expect.
	FramingISO
)

func (f Framing) String() string {
	if f == FramingISO {
		return "iso"
	}
	return "wrapped"
}

// ParseFraming accepts "wrapped" or "iso".
func ParseFraming(s string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "wrapped", "native":
		return FramingWrapped, nil
	case "iso", "iso7816":
		return FramingISO, nil
	}
	return 0, fmt.Errorf("unknown framing %q (want wrapped or iso)", s)
}

const (
	nativeCLA = 0x90
	nativeINS = 0x00

	// DefaultMaxFrameSize is the largest single frame the transport sends:
	// the command byte plus 59 payload bytes.
	DefaultMaxFrameSize = 60
	// DefaultMaxFrames caps continuation frames in one multi-frame response.
	DefaultMaxFrames = 40
)

type transport struct {
	reader    Reader
	framing   Framing
	maxFrame  int
	maxFrames int
	logger    *slog.Logger
}

func (t *transport) buildAPDU(code byte, payload []byte) APDU {
	if t.framing == FramingISO {
		return APDU{CLA: nativeCLA, INS: code, Data: payload, Le: 256}
	}
	data := make([]byte, 0, 1+len(payload))
	data = append(data, code)
	data = append(data, payload...)
	return APDU{CLA: nativeCLA, INS: nativeINS, Data: data}
}

// exchange sends exactly one frame and returns the card's answer whatever
// its status. Errors are local or transport failures only.
func (t *transport) exchange(code byte, payload []byte, truncate bool) (Response, error) {
	if limit := t.maxFrame - 1; len(payload) > limit {
		if !truncate {
			return Response{}, localError(code, StatusBufferOverflow, "payload of %d bytes exceeds frame limit of %d", len(payload), limit)
		}
		t.logger.Debug("truncating payload", "cmd", fmt.Sprintf("0x%02X", code), "from", len(payload), "to", limit)
		payload = payload[:limit]
	}

	raw, err := t.buildAPDU(code, payload).Encode()
	if err != nil {
		return Response{}, err
	}
	t.logger.Debug("desfire tx", "cmd", fmt.Sprintf("0x%02X", code), "apdu", hexUpper(raw))

	rx, err := t.reader.Transceive(raw)
	if err != nil {
		return Response{}, &StatusError{Cmd: code, Status: StatusCommunicationError, Err: err}
	}
	resp, err := ParseResponse(rx)
	if err != nil {
		return Response{}, &StatusError{Cmd: code, Status: StatusCommunicationError, Err: err}
	}
	t.logger.Debug("desfire rx", "cmd", fmt.Sprintf("0x%02X", code),
		"data", hexUpper(resp.Data), "sw", fmt.Sprintf("%04X", resp.SW))
	return resp, nil
}

// assemble issues a command and follows 91AF continuations until a
// terminal status. It returns each frame's data in order and the final
// status word.
func (t *transport) assemble(code byte, payload []byte, truncate bool) ([][]byte, uint16, error) {
	resp, err := t.exchange(code, payload, truncate)
	if err != nil {
		return nil, 0, err
	}
	frames := [][]byte{resp.Data}
	for resp.SW == SWMoreData {
		if len(frames) > t.maxFrames {
			return frames, resp.SW, localError(code, StatusProtocolError, "more than %d continuation frames", t.maxFrames)
		}
		resp, err = t.exchange(CmdAdditionalFrame, nil, false)
		if err != nil {
			return frames, 0, err
		}
		frames = append(frames, resp.Data)
	}
	if !IsSuccessSW(resp.SW) {
		return frames, resp.SW, cardError(code, resp.SW)
	}
	return frames, resp.SW, nil
}

func hexUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

func concatFrames(frames [][]byte) []byte {
	n := 0
	for _, f := range frames {
		n += len(f)
	}
	out := make([]byte, 0, n)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}
