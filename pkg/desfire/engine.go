package desfire

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// AID is a 3-byte DESFire application identifier in wire order.
type AID [3]byte

// PICCAID selects the card-level application.
var PICCAID = AID{0x00, 0x00, 0x00}

func (a AID) String() string {
	return hexUpper(a[:])
}

// ParseAID decodes six hex characters.
func ParseAID(s string) (AID, error) {
	var aid AID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 3 {
		return aid, fmt.Errorf("AID must be 6 hex chars, got %q", s)
	}
	copy(aid[:], b)
	return aid, nil
}

// Observer receives engine events. Implementations must be cheap; they run
// inline with card traffic.
type Observer interface {
	CommandCompleted(cmd byte, status Status, elapsed time.Duration)
	AuthCompleted(gen Generation, mode CryptoMode, status Status)
	SessionClosed(reason string)
}

type nopObserver struct{}

func (nopObserver) CommandCompleted(byte, Status, time.Duration) {}
func (nopObserver) AuthCompleted(Generation, CryptoMode, Status) {}
func (nopObserver) SessionClosed(string)                         {}

// Option configures an Engine.
type Option func(*Engine)

// WithFraming selects wrapped or ISO framing.
func WithFraming(f Framing) Option {
	return func(e *Engine) { e.t.framing = f }
}

// WithMaxFrameSize sets the largest single frame, command byte included.
func WithMaxFrameSize(n int) Option {
	return func(e *Engine) {
		if n >= 2 && n <= MaxAPDULength-6 {
			e.t.maxFrame = n
		}
	}
}

// WithMaxFrames caps continuation frames per response.
func WithMaxFrames(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.t.maxFrames = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithRandom replaces crypto/rand as the source of RndA.
func WithRandom(r io.Reader) Option {
	return func(e *Engine) {
		if r != nil {
			e.rand = r
		}
	}
}

// Engine drives one conversation with one card. It is not safe for
// concurrent use; hosts talking to several cards use one Engine each.
type Engine struct {
	reader   Reader
	t        *transport
	auth     authenticator
	sess     *Session
	uid      []byte
	aid      AID
	firmware uint32

	logger   *slog.Logger
	observer Observer
	rand     io.Reader
}

// New creates an engine on top of reader.
func New(reader Reader, opts ...Option) *Engine {
	e := &Engine{
		reader: reader,
		t: &transport{
			reader:    reader,
			framing:   FramingWrapped,
			maxFrame:  DefaultMaxFrameSize,
			maxFrames: DefaultMaxFrames,
		},
		logger:   slog.Default(),
		observer: nopObserver{},
		rand:     rand.Reader,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.t.logger = e.logger
	e.auth = authenticator{t: e.t, rand: e.rand, logger: e.logger}
	return e
}

// Initialize brings up the reader: begin, firmware check, configure.
func (e *Engine) Initialize() error {
	if e.reader == nil {
		return localError(0, StatusNilParameter, "nil reader")
	}
	if err := e.reader.Begin(); err != nil {
		return &StatusError{Status: StatusCommunicationError, Err: fmt.Errorf("reader begin: %w", err)}
	}
	fw, err := e.reader.FirmwareVersion()
	if err != nil {
		return &StatusError{Status: StatusCommunicationError, Err: fmt.Errorf("reader firmware: %w", err)}
	}
	if fw == 0 {
		return &StatusError{Status: StatusCommunicationError, Err: fmt.Errorf("reader reported no firmware")}
	}
	e.firmware = fw
	if err := e.reader.Configure(); err != nil {
		return &StatusError{Status: StatusCommunicationError, Err: fmt.Errorf("reader configure: %w", err)}
	}
	e.logger.Debug("reader initialized", "firmware", fmt.Sprintf("0x%08X", fw))
	return nil
}

// FirmwareVersion is the value reported during Initialize.
func (e *Engine) FirmwareVersion() uint32 { return e.firmware }

// DetectCard polls for a DESFire card. Anything but a 7-byte UID counts as
// no card. Any previous session is discarded.
func (e *Engine) DetectCard() ([]byte, error) {
	e.closeSession("card detect")
	e.uid = nil
	uid, err := e.reader.DetectCard()
	if err != nil {
		return nil, &StatusError{Status: StatusNoCard, Err: err}
	}
	if len(uid) != 7 {
		return nil, localError(0, StatusNoCard, "UID of %d bytes is not a DESFire card", len(uid))
	}
	e.uid = append([]byte(nil), uid...)
	e.aid = PICCAID
	e.logger.Debug("card detected", "uid", hexUpper(uid))
	return append([]byte(nil), uid...), nil
}

// UID returns the cached UID, detecting the card if none is cached.
func (e *Engine) UID() ([]byte, error) {
	if len(e.uid) == 7 {
		return append([]byte(nil), e.uid...), nil
	}
	return e.DetectCard()
}

// GetVersion reads the three version frames. Inside an EV1 or EV2 session
// the answer is MAC-checked like any other command.
func (e *Engine) GetVersion() (*CardVersion, error) {
	data, err := e.Execute(NativeCommand{Code: CmdGetVersion, Mode: e.defaultMode()})
	if err != nil {
		return nil, err
	}
	if len(data) < 2*versionFrameLen {
		return nil, localError(CmdGetVersion, StatusLengthError, "version data of %d bytes", len(data))
	}
	return decodeCardVersion([][]byte{
		data[:versionFrameLen],
		data[versionFrameLen : 2*versionFrameLen],
		data[2*versionFrameLen:],
	})
}

// SelectApplication selects aid. Selection always ends any session.
func (e *Engine) SelectApplication(aid AID) error {
	e.closeSession("select application")
	if _, err := e.Execute(NativeCommand{Code: CmdSelectApplication, Header: aid[:]}); err != nil {
		return err
	}
	e.aid = aid
	return nil
}

// SelectedApplication is the AID of the last successful selection.
func (e *Engine) SelectedApplication() AID { return e.aid }

// Authenticate runs the handshake the key type usually pairs with.
func (e *Engine) Authenticate(keyNo byte, key *Key) error {
	if key == nil {
		return localError(0, StatusNilParameter, "nil key")
	}
	return e.AuthenticateWith(keyNo, key, key.DefaultGeneration())
}

// AuthenticateWith runs the handshake of generation gen. Any existing
// session is zeroized before the first frame is sent.
func (e *Engine) AuthenticateWith(keyNo byte, key *Key, gen Generation) error {
	e.closeSession("reauthenticate")
	start := time.Now()
	sess, err := e.auth.run(keyNo, key, gen)
	status := StatusOf(err)
	e.observer.CommandCompleted(byte(gen), status, time.Since(start))
	if key != nil {
		e.observer.AuthCompleted(gen, key.Mode, status)
	}
	if err != nil {
		e.logger.Warn("authentication failed", "gen", gen.String(), "keyNo", keyNo, "status", status.String())
		return err
	}
	e.sess = sess
	e.logger.Info("authenticated", "session", sess.ID(), "gen", gen.String(), "mode", sess.mode.String(), "keyNo", keyNo)
	return nil
}

// AuthState reports where the last handshake ended.
func (e *Engine) AuthState() AuthState { return e.auth.state }

// Session returns the active session, or nil.
func (e *Engine) Session() *Session {
	if !e.sess.Authenticated() {
		return nil
	}
	return e.sess
}

// Deauthenticate zeroizes the session.
func (e *Engine) Deauthenticate() {
	e.closeSession("deauthenticate")
}

func (e *Engine) closeSession(reason string) {
	if e.sess == nil {
		return
	}
	e.logger.Debug("session closed", "session", e.sess.ID(), "reason", reason)
	e.sess.Zeroize()
	e.sess = nil
	if e.auth.state == AuthEstablished {
		e.auth.state = AuthIdle
	}
	e.observer.SessionClosed(reason)
}

// afterFailure drops the session when the card can no longer be in step
// with it: transport trouble, an abandoned continuation or an integrity
// failure. DESFire cards also reset authentication on any error status.
func (e *Engine) afterFailure(err error) {
	if e.sess == nil {
		return
	}
	switch StatusOf(err) {
	case StatusCommunicationError, StatusProtocolError:
		e.closeSession("transport failure")
	case StatusIntegrityError:
		e.logger.Warn("integrity failure, session destroyed", "session", e.sess.ID(), "error", err)
		e.closeSession("integrity failure")
		e.auth.state = AuthFailed
	default:
		var se *StatusError
		if errors.As(err, &se) && se.CardReported() {
			e.closeSession("card error")
		}
	}
}

// notTransmitted reports a command rejected locally before its first frame
// reached the reader.
func notTransmitted(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) || se.CardReported() {
		return false
	}
	return se.Status == StatusBufferOverflow || se.Status == StatusParameterError
}

// Execute runs a native command through secure messaging and multi-frame
// assembly, returning the unwrapped response data.
func (e *Engine) Execute(cmd NativeCommand) ([]byte, error) {
	start := time.Now()
	out, err := e.execute(cmd)
	e.observer.CommandCompleted(cmd.Code, StatusOf(err), time.Since(start))
	return out, err
}

func (e *Engine) execute(cmd NativeCommand) ([]byte, error) {
	mark := e.sess.mark()
	payload, err := wrapCommand(e.sess, cmd)
	if err != nil {
		e.sess.rewind(mark)
		return nil, err
	}
	frames, sw, err := e.t.assemble(cmd.Code, payload, cmd.AllowTruncate)
	if err != nil {
		if notTransmitted(err) {
			// The card never saw the command, so its IV has not moved.
			e.sess.rewind(mark)
			return nil, err
		}
		e.afterFailure(err)
		return nil, err
	}
	out, err := unwrapResponse(e.sess, cmd, concatFrames(frames), sw)
	if err != nil {
		e.afterFailure(err)
		return nil, err
	}
	return out, nil
}

// Transmit sends a single raw frame with no secure messaging and no
// continuation handling. Card status words are returned, not turned into
// errors.
func (e *Engine) Transmit(code byte, payload []byte) (Response, error) {
	start := time.Now()
	resp, err := e.t.exchange(code, payload, false)
	status := StatusOf(err)
	if err == nil {
		status = resp.Status()
	}
	e.observer.CommandCompleted(code, status, time.Since(start))
	if err != nil {
		e.afterFailure(err)
	}
	return resp, err
}
