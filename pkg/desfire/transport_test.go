package desfire

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedReader answers APDUs from a table keyed by their hex encoding.
type scriptedReader struct {
	responses map[string]string
	sent      []string
	err       error
}

func (r *scriptedReader) Begin() error                     { return nil }
func (r *scriptedReader) FirmwareVersion() (uint32, error) { return 1, nil }
func (r *scriptedReader) Configure() error                 { return nil }
func (r *scriptedReader) DetectCard() ([]byte, error)      { return simUID, nil }

func (r *scriptedReader) Transceive(apdu []byte) ([]byte, error) {
	key := hexUpper(apdu)
	r.sent = append(r.sent, key)
	if r.err != nil {
		return nil, r.err
	}
	resp, ok := r.responses[key]
	if !ok {
		return []byte{0x91, 0x1C}, nil
	}
	return mustHex(resp), nil
}

func newTestTransport(r Reader, framing Framing) *transport {
	return &transport{
		reader:    r,
		framing:   framing,
		maxFrame:  DefaultMaxFrameSize,
		maxFrames: DefaultMaxFrames,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestBuildAPDUFraming(t *testing.T) {
	wrapped := newTestTransport(nil, FramingWrapped)
	raw, err := wrapped.buildAPDU(CmdSelectApplication, []byte{0xC0, 0xFF, 0xEE}).Encode()
	require.NoError(t, err)
	assert.Equal(t, "90000000045AC0FFEE", hexUpper(raw))

	raw, err = wrapped.buildAPDU(CmdAdditionalFrame, nil).Encode()
	require.NoError(t, err)
	assert.Equal(t, "9000000001AF", hexUpper(raw))

	iso := newTestTransport(nil, FramingISO)
	raw, err = iso.buildAPDU(CmdSelectApplication, []byte{0xC0, 0xFF, 0xEE}).Encode()
	require.NoError(t, err)
	assert.Equal(t, "905A000003C0FFEE00", hexUpper(raw))

	raw, err = iso.buildAPDU(CmdGetVersion, nil).Encode()
	require.NoError(t, err)
	assert.Equal(t, "9060000000", hexUpper(raw))
}

func TestParseFraming(t *testing.T) {
	f, err := ParseFraming("ISO")
	require.NoError(t, err)
	assert.Equal(t, FramingISO, f)
	f, err = ParseFraming("")
	require.NoError(t, err)
	assert.Equal(t, FramingWrapped, f)
	_, err = ParseFraming("extended")
	assert.Error(t, err)
}

func TestExchangeOverflowSendsNothing(t *testing.T) {
	r := &scriptedReader{}
	tr := newTestTransport(r, FramingWrapped)

	_, err := tr.exchange(CmdWriteData, make([]byte, 60), false)
	require.Error(t, err)
	assert.Equal(t, StatusBufferOverflow, StatusOf(err))
	assert.Empty(t, r.sent)
}

func TestExchangeTruncates(t *testing.T) {
	payload := bytes.Repeat([]byte{0x11}, 70)
	want, err := APDU{CLA: 0x90, Data: cat([]byte{CmdWriteData}, payload[:59])}.Encode()
	require.NoError(t, err)

	r := &scriptedReader{responses: map[string]string{hexUpper(want): "9100"}}
	tr := newTestTransport(r, FramingWrapped)
	resp, err := tr.exchange(CmdWriteData, payload, true)
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, []string{hexUpper(want)}, r.sent)
}

func TestExchangeReturnsCardStatus(t *testing.T) {
	r := &scriptedReader{responses: map[string]string{"900000000460000102": "91AE"}}
	tr := newTestTransport(r, FramingWrapped)
	resp, err := tr.exchange(CmdGetVersion, []byte{0x00, 0x01, 0x02}, false)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthenticationError, resp.Status())
}

func TestExchangeCommunicationErrors(t *testing.T) {
	r := &scriptedReader{err: errors.New("reader unplugged")}
	_, err := newTestTransport(r, FramingWrapped).exchange(CmdGetVersion, nil, false)
	assert.True(t, IsCommunicationError(err))

	short := &scriptedReader{responses: map[string]string{"900000000160": "91"}}
	_, err = newTestTransport(short, FramingWrapped).exchange(CmdGetVersion, nil, false)
	assert.True(t, IsCommunicationError(err))
}

func TestAssembleFollowsContinuations(t *testing.T) {
	r := &scriptedReader{responses: map[string]string{
		"900000000160":   "0102 91AF",
		"9000000001AF":   "0304 9100",
		"90000000016A00": "9100",
	}}
	tr := newTestTransport(r, FramingWrapped)
	frames, sw, err := tr.assemble(CmdGetVersion, nil, false)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x9100), sw)
	assert.Equal(t, [][]byte{{0x01, 0x02}, {0x03, 0x04}}, frames)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, concatFrames(frames))
}

func TestAssembleCardError(t *testing.T) {
	r := &scriptedReader{responses: map[string]string{
		"900000000160": "01 91AF",
		"9000000001AF": "91CA",
	}}
	_, sw, err := newTestTransport(r, FramingWrapped).assemble(CmdGetVersion, nil, false)
	require.Error(t, err)
	assert.Equal(t, uint16(0x91CA), sw)
	assert.Equal(t, StatusCommandAborted, StatusOf(err))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CmdGetVersion, se.Cmd)
}

func TestAssembleContinuationCap(t *testing.T) {
	card := newSimCard()
	card.endlessFrames = true
	tr := newTestTransport(card, FramingWrapped)
	tr.maxFrames = 5

	_, _, err := tr.assemble(CmdGetVersion, nil, false)
	require.Error(t, err)
	assert.Equal(t, StatusProtocolError, StatusOf(err))
	assert.Len(t, card.received, 6)
}

func TestAssembleISOFraming(t *testing.T) {
	card := newSimCard()
	card.framing = FramingISO
	tr := newTestTransport(card, FramingISO)

	frames, _, err := tr.assemble(CmdGetVersion, nil, false)
	require.NoError(t, err)
	assert.Len(t, frames, 3)
	assert.Equal(t, "9060000000", hexUpper(card.received[0]))
	assert.Equal(t, "90AF000000", hexUpper(card.received[1]))
}
