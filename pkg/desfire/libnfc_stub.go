//go:build !libnfc

package desfire

import "errors"

// LibNFCAvailable reports whether the libnfc backend was compiled in.
const LibNFCAvailable = false

// ErrNoLibNFC is returned when the binary was built without the libnfc tag.
var ErrNoLibNFC = errors.New("built without libnfc support (rebuild with -tags libnfc)")

// LibNFCReader is unavailable in this build.
type LibNFCReader struct{}

func NewLibNFCReader(string) (*LibNFCReader, error) { return nil, ErrNoLibNFC }

func (*LibNFCReader) Begin() error                     { return ErrNoLibNFC }
func (*LibNFCReader) FirmwareVersion() (uint32, error) { return 0, ErrNoLibNFC }
func (*LibNFCReader) Configure() error                 { return ErrNoLibNFC }
func (*LibNFCReader) DetectCard() ([]byte, error)      { return nil, ErrNoLibNFC }
func (*LibNFCReader) Transceive([]byte) ([]byte, error) {
	return nil, ErrNoLibNFC
}
func (*LibNFCReader) Close() {}
