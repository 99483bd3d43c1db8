package desfire

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// CryptoMode is the cipher family bound to a key slot.
type CryptoMode int

const (
	ModeDES CryptoMode = iota
	Mode2K3DES
	Mode3K3DES
	ModeAES
)

func (m CryptoMode) String() string {
	switch m {
	case ModeDES:
		return "DES"
	case Mode2K3DES:
		return "2K3DES"
	case Mode3K3DES:
		return "3K3DES"
	case ModeAES:
		return "AES"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseCryptoMode accepts des, 2k3des (or 3des), 3k3des and aes.
func ParseCryptoMode(s string) (CryptoMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "des":
		return ModeDES, nil
	case "2k3des", "3des", "tdes":
		return Mode2K3DES, nil
	case "3k3des":
		return Mode3K3DES, nil
	case "aes", "aes128":
		return ModeAES, nil
	}
	return 0, fmt.Errorf("unknown key type %q", s)
}

// BlockSize is the cipher block size in bytes.
func (m CryptoMode) BlockSize() int {
	if m == ModeAES {
		return 16
	}
	return 8
}

// KeySize is the static key length in bytes.
func (m CryptoMode) KeySize() int {
	switch m {
	case ModeDES:
		return 8
	case Mode3K3DES:
		return 24
	default:
		return 16
	}
}

// RandomSize is the length of RndA/RndB in the handshake.
func (m CryptoMode) RandomSize() int {
	switch m {
	case Mode3K3DES, ModeAES:
		return 16
	default:
		return 8
	}
}

// SessionKeySize is the length of the derived session key.
func (m CryptoMode) SessionKeySize() int {
	switch m {
	case ModeDES:
		return 8
	case Mode3K3DES:
		return 24
	default:
		return 16
	}
}

// Key is a static DESFire key.
type Key struct {
	Mode    CryptoMode
	Version byte
	bytes   []byte
}

// NewKey copies b into a key of the given mode.
func NewKey(mode CryptoMode, b []byte) (*Key, error) {
	if len(b) != mode.KeySize() {
		return nil, localError(0, StatusParameterError, "%s key must be %d bytes, got %d", mode, mode.KeySize(), len(b))
	}
	return &Key{Mode: mode, bytes: append([]byte(nil), b...)}, nil
}

// ParseKeyHex decodes a hex string into a key of the given mode.
func ParseKeyHex(mode CryptoMode, s string) (*Key, error) {
	s = strings.TrimSpace(s)
	if len(s) != mode.KeySize()*2 {
		return nil, fmt.Errorf("%s key must be %d hex chars, got %d", mode, mode.KeySize()*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex key: %v", err)
	}
	defer zero(b)
	return NewKey(mode, b)
}

// Bytes returns a copy of the key material.
func (k *Key) Bytes() []byte {
	if k == nil {
		return nil
	}
	return append([]byte(nil), k.bytes...)
}

// Zeroize wipes the key material.
func (k *Key) Zeroize() {
	if k != nil {
		zero(k.bytes)
	}
}

// DefaultGeneration picks the authentication command usually paired with
// the key type.
func (k *Key) DefaultGeneration() Generation {
	switch k.Mode {
	case ModeDES, Mode2K3DES:
		return GenerationLegacy
	case Mode3K3DES:
		return GenerationISO
	default:
		return GenerationAES
	}
}

// halvesEqual reports whether a 2K3DES key is really single DES.
func (k *Key) halvesEqual() bool {
	return k.Mode == Mode2K3DES && len(k.bytes) == 16 && string(k.bytes[:8]) == string(k.bytes[8:])
}

// LoadKeyHexFile loads a key from a .hex file.
// The file should contain a single line with the key as hexadecimal characters.
func LoadKeyHexFile(path string, mode CryptoMode) (*Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return ParseKeyHex(mode, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("empty key file")
}
