package desfire

import (
	"github.com/google/uuid"
)

// Session is the secure-messaging state established by authentication.
// It is owned by one Engine and never shared.
type Session struct {
	id     uuid.UUID
	keyNo  byte
	mode   CryptoMode
	gen    Generation
	key    []byte // session key, Kenc for EV2
	macKey []byte // Kmac, EV2 only
	iv     []byte
	ti     [4]byte
	cmdCtr uint16

	authenticated bool
}

func newSession(keyNo byte, mode CryptoMode, gen Generation, key []byte) *Session {
	return &Session{
		id:            uuid.New(),
		keyNo:         keyNo,
		mode:          mode,
		gen:           gen,
		key:           key,
		iv:            make([]byte, mode.BlockSize()),
		authenticated: true,
	}
}

// ID identifies the session in logs.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id.String()
}

func (s *Session) Authenticated() bool {
	return s != nil && s.authenticated
}

func (s *Session) Mode() CryptoMode       { return s.mode }
func (s *Session) Generation() Generation { return s.gen }
func (s *Session) KeyNo() byte            { return s.keyNo }

// IV returns a copy of the current chaining value.
func (s *Session) IV() []byte {
	return append([]byte(nil), s.iv...)
}

// TransactionID is the EV2 transaction identifier.
func (s *Session) TransactionID() [4]byte { return s.ti }

// CommandCounter is the EV2 command counter.
func (s *Session) CommandCounter() uint16 { return s.cmdCtr }

// Zeroize wipes all key material and drops the authenticated flag.
func (s *Session) Zeroize() {
	if s == nil {
		return
	}
	zero(s.key)
	zero(s.macKey)
	zero(s.iv)
	s.ti = [4]byte{}
	s.cmdCtr = 0
	s.authenticated = false
}

// sessionMark is a saved IV and command counter.
type sessionMark struct {
	iv  []byte
	ctr uint16
}

func (s *Session) mark() sessionMark {
	if !s.Authenticated() {
		return sessionMark{}
	}
	return sessionMark{iv: append([]byte(nil), s.iv...), ctr: s.cmdCtr}
}

// rewind restores a mark taken on the same session.
func (s *Session) rewind(m sessionMark) {
	if !s.Authenticated() || len(m.iv) != len(s.iv) {
		return
	}
	copy(s.iv, m.iv)
	s.cmdCtr = m.ctr
}

// ev1 reports whether CMAC chaining applies (ISO and AES authentication).
func (s *Session) ev1() bool {
	return s.gen == GenerationISO || s.gen == GenerationAES
}
