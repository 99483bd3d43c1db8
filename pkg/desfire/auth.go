package desfire

import (
	"crypto/cipher"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Generation selects the authentication command and the secure-messaging
// rules that follow it.
type Generation byte

const (
	GenerationLegacy Generation = Generation(CmdAuthenticate)
	GenerationISO    Generation = Generation(CmdAuthenticateISO)
	GenerationAES    Generation = Generation(CmdAuthenticateAES)
	GenerationEV2    Generation = Generation(CmdAuthenticateEV2First)
)

func (g Generation) String() string {
	switch g {
	case GenerationLegacy:
		return "legacy"
	case GenerationISO:
		return "iso"
	case GenerationAES:
		return "aes"
	case GenerationEV2:
		return "ev2"
	default:
		return fmt.Sprintf("gen(0x%02X)", byte(g))
	}
}

// ParseGeneration accepts legacy, iso, aes and ev2.
func ParseGeneration(s string) (Generation, error) {
	switch s {
	case "legacy", "native":
		return GenerationLegacy, nil
	case "iso":
		return GenerationISO, nil
	case "aes":
		return GenerationAES, nil
	case "ev2", "ev2first":
		return GenerationEV2, nil
	}
	return 0, fmt.Errorf("unknown authentication generation %q", s)
}

// Supports reports whether keys of mode can authenticate with g.
func (g Generation) Supports(mode CryptoMode) bool {
	switch g {
	case GenerationLegacy:
		return mode == ModeDES || mode == Mode2K3DES
	case GenerationISO:
		return mode == ModeDES || mode == Mode2K3DES || mode == Mode3K3DES
	case GenerationAES, GenerationEV2:
		return mode == ModeAES
	}
	return false
}

// AuthState is the position of the authentication state machine.
type AuthState int

const (
	AuthIdle AuthState = iota
	AuthChallengeSent
	AuthResponseVerified
	AuthEstablished
	AuthFailed
)

func (s AuthState) String() string {
	switch s {
	case AuthIdle:
		return "idle"
	case AuthChallengeSent:
		return "challenge-sent"
	case AuthResponseVerified:
		return "response-verified"
	case AuthEstablished:
		return "established"
	case AuthFailed:
		return "failed"
	default:
		return fmt.Sprintf("auth-state(%d)", int(s))
	}
}

var errAuthFailed = errors.New("authentication failed")

// authenticator runs one three-pass handshake. It is the only place a
// Session is created.
type authenticator struct {
	t      *transport
	rand   io.Reader
	logger *slog.Logger
	state  AuthState

	// scratch material, wiped on every exit path
	rndA, rndB []byte
}

func (a *authenticator) wipe() {
	zero(a.rndA)
	zero(a.rndB)
	a.rndA, a.rndB = nil, nil
}

func (a *authenticator) fail(err error) (*Session, error) {
	a.wipe()
	a.state = AuthFailed
	return nil, err
}

// verifyFailed hides which step of the handshake went wrong.
func (a *authenticator) verifyFailed(gen Generation) (*Session, error) {
	return a.fail(&StatusError{Cmd: byte(gen), Status: StatusAuthenticationError, Err: errAuthFailed})
}

func (a *authenticator) run(keyNo byte, key *Key, gen Generation) (*Session, error) {
	a.state = AuthIdle
	if key == nil {
		return nil, localError(byte(gen), StatusNilParameter, "nil key")
	}
	if !gen.Supports(key.Mode) {
		return nil, localError(byte(gen), StatusParameterError, "%s key cannot use %s authentication", key.Mode, gen)
	}
	static, err := newBlockCipher(key.Mode, key.bytes)
	if err != nil {
		return nil, &StatusError{Cmd: byte(gen), Status: StatusCryptoError, Err: err}
	}
	defer a.wipe()

	bs := key.Mode.BlockSize()
	rs := key.Mode.RandomSize()
	iv := make([]byte, bs)

	// Idle -> ChallengeSent
	payload := []byte{keyNo}
	if gen == GenerationEV2 {
		payload = append(payload, 0x00)
	}
	resp, err := a.t.exchange(byte(gen), payload, false)
	if err != nil {
		return a.fail(err)
	}
	if resp.SW != SWMoreData {
		if IsSuccessSW(resp.SW) {
			return a.fail(localError(byte(gen), StatusProtocolError, "expected challenge, got SW=%04X", resp.SW))
		}
		return a.fail(cardError(byte(gen), resp.SW))
	}
	if len(resp.Data) != rs {
		return a.verifyFailed(gen)
	}
	a.rndB, err = a.decipher(gen, static, iv, resp.Data)
	if err != nil {
		return a.fail(&StatusError{Cmd: byte(gen), Status: StatusCryptoError, Err: err})
	}
	a.state = AuthChallengeSent

	// ChallengeSent -> ResponseVerified
	a.rndA = make([]byte, rs)
	if _, err := io.ReadFull(a.rand, a.rndA); err != nil {
		return a.fail(&StatusError{Cmd: byte(gen), Status: StatusCryptoError, Err: fmt.Errorf("generate RndA: %w", err)})
	}
	token := append(append(make([]byte, 0, 2*rs), a.rndA...), rotateLeft1(a.rndB)...)
	encToken, err := a.encipher(gen, static, iv, token)
	zero(token)
	if err != nil {
		return a.fail(&StatusError{Cmd: byte(gen), Status: StatusCryptoError, Err: err})
	}
	resp, err = a.t.exchange(CmdAdditionalFrame, encToken, false)
	if err != nil {
		return a.fail(err)
	}
	if !SwOK(resp.SW) {
		if IsSuccessSW(resp.SW) {
			return a.fail(localError(CmdAdditionalFrame, StatusProtocolError, "unexpected SW=%04X", resp.SW))
		}
		return a.fail(cardError(CmdAdditionalFrame, resp.SW))
	}
	want := rs
	if gen == GenerationEV2 {
		want = 32
	}
	if len(resp.Data) != want {
		return a.verifyFailed(gen)
	}
	dec, err := a.decipher(gen, static, iv, resp.Data)
	if err != nil {
		return a.fail(&StatusError{Cmd: byte(gen), Status: StatusCryptoError, Err: err})
	}
	defer zero(dec)

	var ti []byte
	rndARot := dec
	if gen == GenerationEV2 {
		ti = dec[:4]
		rndARot = dec[4:20]
	}
	if subtle.ConstantTimeCompare(rotateRight1(rndARot), a.rndA) != 1 {
		return a.verifyFailed(gen)
	}
	a.state = AuthResponseVerified

	// ResponseVerified -> Established
	var sess *Session
	if gen == GenerationEV2 {
		kenc, kmac, err := deriveEV2Keys(key.bytes, a.rndA, a.rndB)
		if err != nil {
			return a.fail(&StatusError{Cmd: byte(gen), Status: StatusCryptoError, Err: err})
		}
		sess = newSession(keyNo, key.Mode, gen, kenc)
		sess.macKey = kmac
		copy(sess.ti[:], ti)
	} else {
		sess = newSession(keyNo, key.Mode, gen, deriveSessionKey(key, a.rndA, a.rndB))
	}
	a.state = AuthEstablished

	a.logger.Debug("session established",
		"session", sess.ID(),
		"gen", gen.String(),
		"mode", key.Mode.String(),
		"keyNo", keyNo,
		"ti", hexUpper(sess.ti[:]))
	return sess, nil
}

// decipher turns a card cryptogram into plaintext. ISO and AES handshakes
// carry the CBC chain across all cryptograms through iv.
func (a *authenticator) decipher(gen Generation, block cipher.Block, iv, data []byte) ([]byte, error) {
	bs := block.BlockSize()
	switch gen {
	case GenerationISO, GenerationAES:
		out, err := cbcDecrypt(block, iv, data)
		if err != nil {
			return nil, err
		}
		copy(iv, data[len(data)-bs:])
		return out, nil
	default:
		return cbcDecrypt(block, make([]byte, bs), data)
	}
}

func (a *authenticator) encipher(gen Generation, block cipher.Block, iv, data []byte) ([]byte, error) {
	bs := block.BlockSize()
	switch gen {
	case GenerationLegacy:
		return legacySendDecipher(block, data)
	case GenerationISO, GenerationAES:
		out, err := cbcEncrypt(block, iv, data)
		if err != nil {
			return nil, err
		}
		copy(iv, out[len(out)-bs:])
		return out, nil
	default:
		return cbcEncrypt(block, make([]byte, bs), data)
	}
}

// deriveSessionKey builds the EV1 session key from the two randoms.
func deriveSessionKey(key *Key, rndA, rndB []byte) []byte {
	var sk []byte
	switch key.Mode {
	case ModeDES:
		sk = cat(rndA[0:4], rndB[0:4])
	case Mode2K3DES:
		if key.halvesEqual() {
			sk = cat(rndA[0:4], rndB[0:4], rndA[0:4], rndB[0:4])
		} else {
			sk = cat(rndA[0:4], rndB[0:4], rndA[4:8], rndB[4:8])
		}
	case Mode3K3DES:
		sk = cat(rndA[0:4], rndB[0:4], rndA[6:10], rndB[6:10], rndA[12:16], rndB[12:16])
	case ModeAES:
		sk = cat(rndA[0:4], rndB[0:4], rndA[12:16], rndB[12:16])
	}
	return sk
}

// deriveEV2Keys computes Kenc and Kmac from the session vectors SV1/SV2.
func deriveEV2Keys(key, rndA, rndB []byte) (kenc, kmac []byte, err error) {
	sv1 := make([]byte, 32)
	sv2 := make([]byte, 32)
	copy(sv1, []byte{0xA5, 0x5A, 0x00, 0x01, 0x00, 0x80})
	copy(sv2, []byte{0x5A, 0xA5, 0x00, 0x01, 0x00, 0x80})
	copy(sv1[6:8], rndA[:2])
	copy(sv2[6:8], rndA[:2])
	for i := 0; i < 6; i++ {
		sv1[8+i] = rndA[2+i] ^ rndB[i]
		sv2[8+i] = rndA[2+i] ^ rndB[i]
	}
	copy(sv1[14:24], rndB[6:16])
	copy(sv2[14:24], rndB[6:16])
	copy(sv1[24:32], rndA[8:16])
	copy(sv2[24:32], rndA[8:16])
	defer zero(sv1)
	defer zero(sv2)

	kenc, err = aesCMAC(key, sv1)
	if err != nil {
		return nil, nil, err
	}
	kmac, err = aesCMAC(key, sv2)
	if err != nil {
		return nil, nil, err
	}
	return kenc, kmac, nil
}

func cat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
