package desfire

import (
	"fmt"
)

// DiversifyAES128 derives a card-unique AES key from a master key following
// NXP AN10922: CMAC(master, 0x01 || UID || AID || system identifier).
func DiversifyAES128(master *Key, uid []byte, aid AID, systemID []byte) (*Key, error) {
	if master == nil {
		return nil, localError(0, StatusNilParameter, "nil master key")
	}
	if master.Mode != ModeAES {
		return nil, localError(0, StatusParameterError, "AN10922 diversification needs an AES key, got %s", master.Mode)
	}
	if len(uid) != 7 {
		return nil, localError(0, StatusParameterError, "UID must be 7 bytes, got %d", len(uid))
	}
	// The input must span two AES blocks for the padded CMAC to match AN10922.
	if len(systemID) < 6 || len(systemID) > 21 {
		return nil, localError(0, StatusParameterError, "system identifier must be 6..21 bytes, got %d", len(systemID))
	}

	input := make([]byte, 0, 1+len(uid)+len(aid)+len(systemID))
	input = append(input, 0x01)
	input = append(input, uid...)
	input = append(input, aid[:]...)
	input = append(input, systemID...)

	mac, err := aesCMAC(master.bytes, input)
	if err != nil {
		return nil, &StatusError{Status: StatusCryptoError, Err: fmt.Errorf("diversify: %w", err)}
	}
	return NewKey(ModeAES, mac)
}
