//go:build libnfc

package desfire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/clausecker/nfc/v2"
)

// LibNFCAvailable reports whether the libnfc backend was compiled in.
const LibNFCAvailable = true

// DefaultTransceiveTimeout is the per-frame timeout handed to libnfc, in ms.
const DefaultTransceiveTimeout = 500

var iso14443a = nfc.Modulation{Type: nfc.ISO14443a, BaudRate: nfc.Nbr106}

// LibNFCReader is a Reader for libnfc devices such as PN532 boards.
type LibNFCReader struct {
	Connstring string
	Timeout    int

	dev  nfc.Device
	open bool
}

// NewLibNFCReader prepares a reader for connstring ("" picks the first device).
func NewLibNFCReader(connstring string) (*LibNFCReader, error) {
	return &LibNFCReader{Connstring: connstring, Timeout: DefaultTransceiveTimeout}, nil
}

func (r *LibNFCReader) Begin() error {
	dev, err := nfc.Open(r.Connstring)
	if err != nil {
		return fmt.Errorf("open %q: %w", r.Connstring, err)
	}
	r.dev = dev
	r.open = true
	return nil
}

// FirmwareVersion packs libnfc's version string ("1.8.0") into 0x00MMmmpp.
func (r *LibNFCReader) FirmwareVersion() (uint32, error) {
	if !r.open {
		return 0, errors.New("device not open")
	}
	var v uint32
	parts := strings.SplitN(nfc.Version(), ".", 3)
	for _, p := range parts {
		n, _ := strconv.Atoi(strings.TrimFunc(p, func(c rune) bool { return c < '0' || c > '9' }))
		v = v<<8 | uint32(n&0xFF)
	}
	return v, nil
}

// Configure puts the device in initiator mode with infinite select off, so
// DetectCard returns promptly when the field is empty.
func (r *LibNFCReader) Configure() error {
	if !r.open {
		return errors.New("device not open")
	}
	if err := r.dev.InitiatorInit(); err != nil {
		return fmt.Errorf("initiator init: %w", err)
	}
	if err := r.dev.SetPropertyBool(nfc.InfiniteSelect, false); err != nil {
		return fmt.Errorf("disable infinite select: %w", err)
	}
	return nil
}

func (r *LibNFCReader) DetectCard() ([]byte, error) {
	if !r.open {
		return nil, errors.New("device not open")
	}
	target, err := r.dev.InitiatorSelectPassiveTarget(iso14443a, nil)
	if err != nil {
		return nil, err
	}
	card, ok := target.(*nfc.ISO14443aTarget)
	if !ok {
		return nil, fmt.Errorf("unexpected target type %T", target)
	}
	return append([]byte(nil), card.UID[:card.UIDLen]...), nil
}

func (r *LibNFCReader) Transceive(apdu []byte) ([]byte, error) {
	if !r.open {
		return nil, errors.New("device not open")
	}
	rx := make([]byte, MaxAPDULength)
	n, err := r.dev.InitiatorTransceiveBytes(apdu, rx, r.Timeout)
	if err != nil {
		return nil, err
	}
	return rx[:n], nil
}

func (r *LibNFCReader) Close() {
	if r.open {
		_ = r.dev.Close()
		r.open = false
	}
}
