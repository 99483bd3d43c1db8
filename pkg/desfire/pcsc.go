package desfire

import (
	"errors"
	"fmt"

	"github.com/ebfe/scard"
)

// PCSCFirmwareVersion is reported by PCSCReader. PC/SC hides the reader
// firmware, so a live context is all the driver can vouch for.
const PCSCFirmwareVersion uint32 = 0x00000001

// PCSCReader is a Reader backed by a PC/SC card connection.
// Use FramingISO with it; PC/SC readers pass native-wrapped APDUs through
// unchanged but most expect INS to carry the command code.
type PCSCReader struct {
	ctx       *scard.Context
	card      *scard.Card
	Reader    string
	ReaderIdx int
}

// NewPCSCReader prepares a reader for the PC/SC reader at index.
func NewPCSCReader(readerIndex int) *PCSCReader {
	return &PCSCReader{ReaderIdx: readerIndex}
}

// ListPCSCReaders returns the names of all attached PC/SC readers.
func ListPCSCReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}
	defer ctx.Release()
	return ctx.ListReaders()
}

// Begin establishes the PC/SC context and resolves the reader name.
func (r *PCSCReader) Begin() error {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return fmt.Errorf("EstablishContext failed: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		ctx.Release()
		return fmt.Errorf("no readers found: %v", err)
	}
	if r.ReaderIdx < 0 || r.ReaderIdx >= len(readers) {
		ctx.Release()
		return fmt.Errorf("reader index out of range (0..%d)", len(readers)-1)
	}

	r.ctx = ctx
	r.Reader = readers[r.ReaderIdx]
	return nil
}

func (r *PCSCReader) FirmwareVersion() (uint32, error) {
	if r.ctx == nil {
		return 0, errors.New("context not established")
	}
	ok, err := r.ctx.IsValid()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return PCSCFirmwareVersion, nil
}

// Configure is a no-op; PC/SC readers poll on their own.
func (r *PCSCReader) Configure() error {
	return nil
}

// DetectCard connects to the card in the field and reads its UID with
// GET DATA (FF CA 00 00 00).
func (r *PCSCReader) DetectCard() ([]byte, error) {
	if r.ctx == nil {
		return nil, errors.New("context not established")
	}
	if r.card != nil {
		_ = r.card.Disconnect(scard.LeaveCard)
		r.card = nil
	}
	card, err := r.ctx.Connect(r.Reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, fmt.Errorf("connect failed: %w", err)
	}
	r.card = card

	resp, err := card.Transmit([]byte{0xFF, 0xCA, 0x00, 0x00, 0x00})
	if err != nil {
		return nil, err
	}
	rsp, err := ParseResponse(resp)
	if err != nil {
		return nil, err
	}
	if !SwOK(rsp.SW) || len(rsp.Data) == 0 {
		return nil, fmt.Errorf("UID not available via GET DATA (SW=%04X)", rsp.SW)
	}
	return rsp.Data, nil
}

// Transceive sends an APDU to the connected card.
func (r *PCSCReader) Transceive(apdu []byte) ([]byte, error) {
	if r == nil || r.card == nil {
		return nil, fmt.Errorf("connection not established")
	}
	return r.card.Transmit(apdu)
}

// Close disconnects the card and releases the PC/SC context.
func (r *PCSCReader) Close() {
	if r == nil {
		return
	}
	if r.card != nil {
		_ = r.card.Disconnect(scard.LeaveCard)
		r.card = nil
	}
	if r.ctx != nil {
		_ = r.ctx.Release()
		r.ctx = nil
	}
}
