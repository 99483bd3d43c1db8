package desfire

import (
	"crypto/cipher"
	"crypto/subtle"
	"errors"
	"fmt"
)

// Secure messaging. wrapCommand turns a NativeCommand into the payload that
// follows the command code on the wire; unwrapResponse validates and strips
// the card's answer. Both take the session by exclusive reference and
// advance its IV or counter.
//
// EV1 sessions (ISO and AES authentication) chain a CMAC through the
// session IV:
//
//	MAC:     header || data || CMAC(cmd||header||data)[:8]; IV = CMAC
//	ENCRYPT: header || E_cbc(IV, data || CRC32(cmd||header||data) || 0..); IV = last block
//
// Legacy sessions (native 0x0A authentication) use a 4-byte CBC-MAC and
// CRC16 with the send-mode decipher, always from a zero IV.
//
// EV2 sessions derive IVs from TI and the command counter and append the
// odd bytes of CMAC(Kmac, cmd||ctr||TI||header||enc) to every command.

var errIntegrity = errors.New("response integrity check failed")

func requireSession(sess *Session, cmd NativeCommand) error {
	if cmd.Mode == CommPlain {
		return nil
	}
	if !sess.Authenticated() {
		return localError(cmd.Code, StatusAuthenticationError, "%s communication requires an authenticated session", cmd.Mode)
	}
	return nil
}

func wrapCommand(sess *Session, cmd NativeCommand) ([]byte, error) {
	if err := requireSession(sess, cmd); err != nil {
		return nil, err
	}
	if cmd.Mode == CommPlain {
		return cat(cmd.Header, cmd.Data), nil
	}
	block, err := sess.cipher()
	if err != nil {
		return nil, &StatusError{Cmd: cmd.Code, Status: StatusCryptoError, Err: err}
	}
	var out []byte
	switch {
	case sess.gen == GenerationEV2:
		out, err = wrapEV2(sess, block, cmd)
	case sess.ev1():
		out, err = wrapEV1(sess, block, cmd)
	default:
		out, err = wrapLegacy(block, cmd)
	}
	if err != nil {
		return nil, &StatusError{Cmd: cmd.Code, Status: StatusCryptoError, Err: err}
	}
	return out, nil
}

func unwrapResponse(sess *Session, cmd NativeCommand, data []byte, sw uint16) ([]byte, error) {
	if cmd.Mode == CommPlain {
		// EV2 cards count every command/response pair of the session.
		if sess.Authenticated() && sess.gen == GenerationEV2 {
			sess.cmdCtr++
		}
		return data, nil
	}
	if !sess.Authenticated() {
		return nil, localError(cmd.Code, StatusAuthenticationError, "session closed before response")
	}
	block, err := sess.cipher()
	if err != nil {
		return nil, &StatusError{Cmd: cmd.Code, Status: StatusCryptoError, Err: err}
	}
	var out []byte
	switch {
	case sess.gen == GenerationEV2:
		out, err = unwrapEV2(sess, block, cmd, data, sw)
	case sess.ev1():
		out, err = unwrapEV1(sess, block, cmd, data, sw)
	default:
		out, err = unwrapLegacy(block, cmd, data)
	}
	if err != nil {
		if errors.Is(err, errIntegrity) {
			return nil, &StatusError{Cmd: cmd.Code, Status: StatusIntegrityError, Err: err}
		}
		return nil, &StatusError{Cmd: cmd.Code, Status: StatusCryptoError, Err: err}
	}
	return out, nil
}

func (s *Session) cipher() (cipher.Block, error) {
	return newBlockCipher(s.mode, s.key)
}

func wrapEV1(sess *Session, block cipher.Block, cmd NativeCommand) ([]byte, error) {
	bs := block.BlockSize()
	full := cat([]byte{cmd.Code}, cmd.Header, cmd.Data)

	if len(cmd.Data) == 0 || cmd.Mode == CommMAC {
		mac, err := cmacChained(block, sess.iv, full)
		if err != nil {
			return nil, err
		}
		copy(sess.iv, mac)
		if len(cmd.Data) == 0 {
			return cat(cmd.Header), nil
		}
		return cat(cmd.Header, cmd.Data, mac[:8]), nil
	}

	plain := padZero(cat(cmd.Data, crc32Bytes(full)), bs)
	enc, err := cbcEncrypt(block, sess.iv, plain)
	zero(plain)
	if err != nil {
		return nil, err
	}
	copy(sess.iv, enc[len(enc)-bs:])
	return cat(cmd.Header, enc), nil
}

func unwrapEV1(sess *Session, block cipher.Block, cmd NativeCommand, data []byte, sw uint16) ([]byte, error) {
	bs := block.BlockSize()
	status := byte(sw)

	// Commands that carried data get a MAC back; so does MAC mode.
	if cmd.Mode == CommMAC || len(cmd.Data) > 0 {
		if len(data) < 8 {
			return nil, fmt.Errorf("%w: response of %d bytes has no MAC", errIntegrity, len(data))
		}
		body, got := data[:len(data)-8], data[len(data)-8:]
		mac, err := cmacChained(block, sess.iv, cat(body, []byte{status}))
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare(mac[:8], got) != 1 {
			return nil, fmt.Errorf("%w: response MAC mismatch", errIntegrity)
		}
		copy(sess.iv, mac)
		return body, nil
	}

	if len(data) == 0 || len(data)%bs != 0 {
		return nil, fmt.Errorf("%w: ciphertext of %d bytes", errIntegrity, len(data))
	}
	plain, err := cbcDecrypt(block, sess.iv, data)
	if err != nil {
		return nil, err
	}
	copy(sess.iv, data[len(data)-bs:])
	n, ok := locateCRC(plain, 4, bs, cmd.ResponseLen, func(n int) bool {
		return subtle.ConstantTimeCompare(crc32Bytes(cat(plain[:n], []byte{status})), plain[n:n+4]) == 1
	})
	if !ok {
		zero(plain)
		return nil, fmt.Errorf("%w: response CRC mismatch", errIntegrity)
	}
	return plain[:n], nil
}

// locateCRC finds the payload length n such that plain is
// payload || CRC || zero padding. With want > 0 only that length is tried;
// otherwise the shortest match wins, because a CRC over payload||CRC is
// zero and would also match two bytes further into the padding.
func locateCRC(plain []byte, crcLen, bs, want int, match func(n int) bool) (int, bool) {
	fits := func(n int) bool {
		return n >= 0 && n+crcLen <= len(plain) && len(plain)-n-crcLen < bs && allZero(plain[n+crcLen:])
	}
	if want > 0 {
		return want, fits(want) && match(want)
	}
	for n := max(0, len(plain)-crcLen-bs+1); n <= len(plain)-crcLen; n++ {
		if fits(n) && match(n) {
			return n, true
		}
	}
	return 0, false
}

func wrapLegacy(block cipher.Block, cmd NativeCommand) ([]byte, error) {
	if len(cmd.Data) == 0 {
		return cat(cmd.Header), nil
	}
	if cmd.Mode == CommMAC {
		mac, err := legacyMAC(block, cmd.Data)
		if err != nil {
			return nil, err
		}
		return cat(cmd.Header, cmd.Data, mac), nil
	}
	plain := padZero(cat(cmd.Data, crc16Bytes(cmd.Data)), block.BlockSize())
	enc, err := legacySendDecipher(block, plain)
	zero(plain)
	if err != nil {
		return nil, err
	}
	return cat(cmd.Header, enc), nil
}

func unwrapLegacy(block cipher.Block, cmd NativeCommand, data []byte) ([]byte, error) {
	bs := block.BlockSize()
	if len(cmd.Data) > 0 || len(data) == 0 {
		return data, nil
	}
	if cmd.Mode == CommMAC {
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: response of %d bytes has no MAC", errIntegrity, len(data))
		}
		body, got := data[:len(data)-4], data[len(data)-4:]
		mac, err := legacyMAC(block, body)
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare(mac, got) != 1 {
			return nil, fmt.Errorf("%w: response MAC mismatch", errIntegrity)
		}
		return body, nil
	}
	if len(data)%bs != 0 {
		return nil, fmt.Errorf("%w: ciphertext of %d bytes", errIntegrity, len(data))
	}
	plain, err := cbcDecrypt(block, make([]byte, bs), data)
	if err != nil {
		return nil, err
	}
	n, ok := locateCRC(plain, 2, bs, cmd.ResponseLen, func(n int) bool {
		return subtle.ConstantTimeCompare(crc16Bytes(plain[:n]), plain[n:n+2]) == 1
	})
	if ok {
		return plain[:n], nil
	}
	zero(plain)
	return nil, fmt.Errorf("%w: response CRC mismatch", errIntegrity)
}

func ev2IV(sess *Session, block cipher.Block, label [2]byte, ctr uint16) ([]byte, error) {
	in := make([]byte, 16)
	in[0], in[1] = label[0], label[1]
	copy(in[2:6], sess.ti[:])
	in[6] = byte(ctr)
	in[7] = byte(ctr >> 8)
	return ecbEncrypt(block, in)
}

func ev2MAC(sess *Session, first byte, ctr uint16, rest ...[]byte) ([]byte, error) {
	msg := cat(append([][]byte{{first, byte(ctr), byte(ctr >> 8)}, sess.ti[:]}, rest...)...)
	mac, err := aesCMAC(sess.macKey, msg)
	if err != nil {
		return nil, err
	}
	return truncateOddBytes(mac), nil
}

func wrapEV2(sess *Session, block cipher.Block, cmd NativeCommand) ([]byte, error) {
	body := cmd.Data
	if cmd.Mode == CommEncrypt && len(cmd.Data) > 0 {
		ivc, err := ev2IV(sess, block, [2]byte{0xA5, 0x5A}, sess.cmdCtr)
		if err != nil {
			return nil, err
		}
		padded := padISO9797M2(cmd.Data, 16)
		body, err = cbcEncrypt(block, ivc, padded)
		zero(padded)
		if err != nil {
			return nil, err
		}
	}
	mact, err := ev2MAC(sess, cmd.Code, sess.cmdCtr, cmd.Header, body)
	if err != nil {
		return nil, err
	}
	return cat(cmd.Header, body, mact), nil
}

func unwrapEV2(sess *Session, block cipher.Block, cmd NativeCommand, data []byte, sw uint16) ([]byte, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: response of %d bytes has no MAC", errIntegrity, len(data))
	}
	body, got := data[:len(data)-8], data[len(data)-8:]
	ctr := sess.cmdCtr + 1

	mact, err := ev2MAC(sess, byte(sw), ctr, body)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(mact, got) != 1 {
		return nil, fmt.Errorf("%w: response MAC mismatch", errIntegrity)
	}

	out := body
	if cmd.Mode == CommEncrypt && len(body) > 0 {
		ivr, err := ev2IV(sess, block, [2]byte{0x5A, 0xA5}, ctr)
		if err != nil {
			return nil, err
		}
		dec, err := cbcDecrypt(block, ivr, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errIntegrity, err)
		}
		out, err = unpadISO9797M2(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errIntegrity, err)
		}
	}
	sess.cmdCtr = ctr
	return out, nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
