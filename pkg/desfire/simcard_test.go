package desfire

import (
	"bytes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
)

// simCard is an in-memory DESFire card speaking the card side of every
// handshake and secure-messaging mode the engine implements.
type simCard struct {
	uid      []byte
	framing  Framing
	firmware uint32
	version  [][]byte
	apps     map[AID]*simApp
	selected AID
	rndB     []byte
	ti       [4]byte
	freeMem  uint32

	sess    *Session
	auth    *simAuth
	pending [][]byte

	received [][]byte

	// fault injection
	tamperAuth    int // index of the final auth reply byte to flip, -1 for none
	tamperRespMAC bool
	transceiveErr error
	shortResponse bool
	detectErr     error
	detectUID     []byte
	endlessFrames bool
}

type simApp struct {
	keys        map[byte]*Key
	keySettings [2]byte
	files       map[byte]*simFile
}

type simFile struct {
	mode    CommMode
	data    []byte
	value   int32
	isValue bool
}

type simAuth struct {
	gen   Generation
	keyNo byte
	key   *Key
	rndB  []byte
	iv    []byte
}

var simUID = []byte{0x04, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}

func mustKey(mode CryptoMode, hexKey string) *Key {
	k, err := ParseKeyHex(mode, hexKey)
	if err != nil {
		panic(err)
	}
	return k
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		panic(err)
	}
	return b
}

func newSimCard() *simCard {
	return &simCard{
		uid:      append([]byte(nil), simUID...),
		firmware: 0x12345678,
		version: [][]byte{
			{0x04, 0x01, 0x01, 0x01, 0x00, 0x18, 0x05},
			{0x04, 0x01, 0x01, 0x01, 0x04, 0x18, 0x05},
			cat(simUID, []byte{0xBA, 0x34, 0x56, 0x78, 0x90}, []byte{0x27, 0x23}),
		},
		apps: map[AID]*simApp{
			PICCAID: {
				keys:        map[byte]*Key{0: mustKey(Mode2K3DES, "00000000000000000000000000000000")},
				keySettings: [2]byte{0x0F, 0x01},
				files:       map[byte]*simFile{},
			},
		},
		rndB:       mustHex("F0E1D2C3B4A5968778695A4B3C2D1E0F"),
		ti:         [4]byte{0x9D, 0x00, 0xC4, 0xDF},
		freeMem:    0x001A00,
		tamperAuth: -1,
	}
}

func (c *simCard) addApp(aid AID, keySettings [2]byte, keys map[byte]*Key, files map[byte]*simFile) {
	if files == nil {
		files = map[byte]*simFile{}
	}
	c.apps[aid] = &simApp{keys: keys, keySettings: keySettings, files: files}
}

func (c *simCard) app() *simApp {
	return c.apps[c.selected]
}

func (c *simCard) Begin() error                     { return nil }
func (c *simCard) FirmwareVersion() (uint32, error) { return c.firmware, nil }
func (c *simCard) Configure() error                 { return nil }

func (c *simCard) DetectCard() ([]byte, error) {
	if c.detectErr != nil {
		return nil, c.detectErr
	}
	c.sess, c.auth, c.pending = nil, nil, nil
	c.selected = PICCAID
	if c.detectUID != nil {
		return append([]byte(nil), c.detectUID...), nil
	}
	return append([]byte(nil), c.uid...), nil
}

func (c *simCard) Transceive(raw []byte) ([]byte, error) {
	c.received = append(c.received, append([]byte(nil), raw...))
	if c.transceiveErr != nil {
		return nil, c.transceiveErr
	}
	if c.shortResponse {
		return []byte{0x91}, nil
	}

	var code byte
	var payload []byte
	a, err := DecodeAPDU(raw)
	switch {
	case err != nil:
		return swBytes(nil, SWLengthError), nil
	case c.framing == FramingISO:
		code, payload = a.INS, a.Data
	case a.INS != nativeINS || len(a.Data) == 0:
		return swBytes(nil, SWIllegalCommand), nil
	default:
		code, payload = a.Data[0], a.Data[1:]
	}

	data, sw := c.handle(code, payload)
	if sw != SWDESFireOK && sw != SWMoreData {
		c.sess, c.auth, c.pending = nil, nil, nil
	}
	return swBytes(data, sw), nil
}

func swBytes(data []byte, sw uint16) []byte {
	return append(append([]byte(nil), data...), byte(sw>>8), byte(sw))
}

func (c *simCard) handle(code byte, p []byte) ([]byte, uint16) {
	if code == CmdAdditionalFrame {
		if c.auth != nil {
			return c.authStep2(p)
		}
		if c.endlessFrames {
			return []byte{0x00}, SWMoreData
		}
		if len(c.pending) == 0 {
			return nil, SWIllegalCommand
		}
		return c.nextFrame()
	}
	c.pending, c.auth = nil, nil

	switch code {
	case CmdGetVersion:
		if c.endlessFrames {
			return []byte{0x00}, SWMoreData
		}
		mode := CommPlain
		if c.sess != nil && c.sess.gen != GenerationLegacy {
			mode = CommMAC
		}
		if _, ok := c.open(code, nil, p, mode, 0); !ok {
			return nil, SWIntegrityError
		}
		out := c.seal(false, concatFrames(c.version), mode)
		first, second := len(c.version[0]), len(c.version[0])+len(c.version[1])
		c.pending = [][]byte{out[first:second], out[second:]}
		return out[:first], SWMoreData
	case CmdSelectApplication:
		if len(p) != 3 {
			return nil, SWLengthError
		}
		var aid AID
		copy(aid[:], p)
		if c.apps[aid] == nil {
			return nil, SWAppNotFound
		}
		c.selected = aid
		c.sess = nil
		return nil, SWDESFireOK
	case CmdAuthenticate, CmdAuthenticateISO, CmdAuthenticateAES, CmdAuthenticateEV2First:
		return c.authStep1(Generation(code), p)
	}
	return c.command(code, p)
}

func (c *simCard) nextFrame() ([]byte, uint16) {
	f := c.pending[0]
	c.pending = c.pending[1:]
	if len(c.pending) > 0 {
		return f, SWMoreData
	}
	return f, SWDESFireOK
}

func (c *simCard) frames(data []byte) ([]byte, uint16) {
	const frameMax = 59
	if len(data) <= frameMax {
		return data, SWDESFireOK
	}
	for i := frameMax; i < len(data); i += frameMax {
		c.pending = append(c.pending, data[i:min(i+frameMax, len(data))])
	}
	return data[:frameMax], SWMoreData
}

func (c *simCard) authStep1(gen Generation, p []byte) ([]byte, uint16) {
	c.sess = nil
	want := 1
	if gen == GenerationEV2 {
		want = 2
	}
	if len(p) != want {
		return nil, SWLengthError
	}
	key := c.app().keys[p[0]]
	if key == nil {
		return nil, SWNoSuchKey
	}
	if !gen.Supports(key.Mode) {
		return nil, SWAuthError
	}
	block, err := newBlockCipher(key.Mode, key.bytes)
	if err != nil {
		return nil, SWAuthError
	}
	bs, rs := key.Mode.BlockSize(), key.Mode.RandomSize()
	a := &simAuth{gen: gen, keyNo: p[0], key: key, rndB: append([]byte(nil), c.rndB[:rs]...), iv: make([]byte, bs)}

	var enc []byte
	switch gen {
	case GenerationISO, GenerationAES:
		enc, _ = cbcEncrypt(block, a.iv, a.rndB)
		copy(a.iv, enc[len(enc)-bs:])
	default:
		enc, _ = cbcEncrypt(block, make([]byte, bs), a.rndB)
	}
	c.auth = a
	return enc, SWMoreData
}

func (c *simCard) authStep2(p []byte) ([]byte, uint16) {
	a := c.auth
	c.auth = nil
	block, _ := newBlockCipher(a.key.Mode, a.key.bytes)
	bs, rs := a.key.Mode.BlockSize(), a.key.Mode.RandomSize()
	if len(p) != 2*rs {
		return nil, SWLengthError
	}

	var token []byte
	switch a.gen {
	case GenerationLegacy:
		token = simLegacyReceive(block, p)
	case GenerationISO, GenerationAES:
		token, _ = cbcDecrypt(block, a.iv, p)
		copy(a.iv, p[len(p)-bs:])
	default:
		token, _ = cbcDecrypt(block, make([]byte, bs), p)
	}
	rndA := token[:rs]
	if !bytes.Equal(token[rs:], rotateLeft1(a.rndB)) {
		return nil, SWAuthError
	}

	var reply []byte
	var sess *Session
	switch a.gen {
	case GenerationLegacy:
		reply, _ = cbcEncrypt(block, make([]byte, bs), rotateLeft1(rndA))
	case GenerationISO, GenerationAES:
		reply, _ = cbcEncrypt(block, a.iv, rotateLeft1(rndA))
	default:
		reply, _ = cbcEncrypt(block, make([]byte, bs), cat(c.ti[:], rotateLeft1(rndA), make([]byte, 12)))
	}
	if a.gen == GenerationEV2 {
		kenc, kmac, _ := deriveEV2Keys(a.key.bytes, rndA, a.rndB)
		sess = newSession(a.keyNo, ModeAES, GenerationEV2, kenc)
		sess.macKey = kmac
		sess.ti = c.ti
	} else {
		sess = newSession(a.keyNo, a.key.Mode, a.gen, deriveSessionKey(a.key, rndA, a.rndB))
	}
	if c.tamperAuth >= 0 && c.tamperAuth < len(reply) {
		reply[c.tamperAuth] ^= 0x01
	}
	c.sess = sess
	return reply, SWDESFireOK
}

// simLegacyReceive inverts the host's send-mode decipher.
func simLegacyReceive(block cipher.Block, data []byte) []byte {
	bs := block.BlockSize()
	out := make([]byte, len(data))
	prev := make([]byte, bs)
	for i := 0; i < len(data); i += bs {
		block.Encrypt(out[i:i+bs], data[i:i+bs])
		xorBlock(out[i:i+bs], out[i:i+bs], prev)
		prev = data[i : i+bs]
	}
	return out
}

var simHeaderLen = map[byte]int{
	CmdGetKeyVersion:   1,
	CmdGetFileSettings: 1,
	CmdGetValue:        1,
	CmdReadData:        7,
	CmdWriteData:       7,
}

func (c *simCard) modeFor(code byte, hdr []byte) (CommMode, *simFile, uint16) {
	switch code {
	case CmdReadData, CmdWriteData, CmdGetValue:
		f := c.app().files[hdr[0]]
		if f == nil {
			return 0, nil, SWDESFireFileNotFound
		}
		return f.mode, f, 0
	case CmdGetCardUID:
		return CommEncrypt, nil, 0
	}
	if c.sess != nil && c.sess.gen != GenerationLegacy {
		return CommMAC, nil, 0
	}
	return CommPlain, nil, 0
}

func (c *simCard) command(code byte, p []byte) ([]byte, uint16) {
	hl := simHeaderLen[code]
	if len(p) < hl {
		return nil, SWLengthError
	}
	hdr, body := p[:hl], p[hl:]
	mode, file, sw := c.modeFor(code, hdr)
	if sw != 0 {
		return nil, sw
	}
	if mode != CommPlain && c.sess == nil {
		return nil, SWAuthError
	}
	dataLen := 0
	if code == CmdWriteData {
		dataLen = int(le24(hdr[4:7]))
	}
	data, ok := c.open(code, hdr, body, mode, dataLen)
	if !ok {
		return nil, SWIntegrityError
	}

	var out []byte
	app := c.app()
	switch code {
	case CmdGetApplicationIDs:
		aids := make([]AID, 0, len(c.apps))
		for aid := range c.apps {
			if aid != PICCAID {
				aids = append(aids, aid)
			}
		}
		sort.Slice(aids, func(i, j int) bool { return bytes.Compare(aids[i][:], aids[j][:]) < 0 })
		for _, aid := range aids {
			out = append(out, aid[:]...)
		}
	case CmdGetFreeMemory:
		out = []byte{byte(c.freeMem), byte(c.freeMem >> 8), byte(c.freeMem >> 16)}
	case CmdGetKeySettings:
		out = app.keySettings[:]
	case CmdGetKeyVersion:
		k := app.keys[hdr[0]]
		if k == nil {
			return nil, SWNoSuchKey
		}
		out = []byte{k.Version}
	case CmdGetFileIDs:
		for no := range app.files {
			out = append(out, no)
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	case CmdGetFileSettings:
		f := app.files[hdr[0]]
		if f == nil {
			return nil, SWDESFireFileNotFound
		}
		n := len(f.data)
		out = []byte{0x00, byte(f.mode), 0x00, 0xE0, byte(n), byte(n >> 8), byte(n >> 16)}
	case CmdReadData:
		off, n := int(le24(hdr[1:4])), int(le24(hdr[4:7]))
		if n == 0 {
			n = len(file.data) - off
		}
		if off < 0 || n < 0 || off+n > len(file.data) {
			return nil, SWBoundaryError
		}
		out = append([]byte(nil), file.data[off:off+n]...)
	case CmdWriteData:
		off := int(le24(hdr[1:4]))
		if len(data) != dataLen {
			return nil, SWLengthError
		}
		if off+len(data) > len(file.data) {
			return nil, SWBoundaryError
		}
		copy(file.data[off:], data)
	case CmdGetCardUID:
		out = append([]byte(nil), c.uid...)
	case CmdGetValue:
		if !file.isValue {
			return nil, SWParameterErr
		}
		v := uint32(file.value)
		out = []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	default:
		return nil, SWIllegalCommand
	}
	return c.frames(c.seal(len(data) > 0, out, mode))
}

// open reverses the host's wrapCommand.
func (c *simCard) open(code byte, hdr, body []byte, mode CommMode, dataLen int) ([]byte, bool) {
	if mode == CommPlain {
		return body, true
	}
	s := c.sess
	block, err := s.cipher()
	if err != nil {
		return nil, false
	}
	bs := block.BlockSize()

	switch {
	case s.gen == GenerationEV2:
		if len(body) < 8 {
			return nil, false
		}
		enc, got := body[:len(body)-8], body[len(body)-8:]
		want, _ := ev2MAC(s, code, s.cmdCtr, hdr, enc)
		if !bytes.Equal(want, got) {
			return nil, false
		}
		if mode == CommEncrypt && len(enc) > 0 {
			ivc, _ := ev2IV(s, block, [2]byte{0xA5, 0x5A}, s.cmdCtr)
			dec, err := cbcDecrypt(block, ivc, enc)
			if err != nil {
				return nil, false
			}
			out, err := unpadISO9797M2(dec)
			return out, err == nil
		}
		return enc, true

	case s.ev1():
		if len(body) == 0 {
			mac, _ := cmacChained(block, s.iv, cat([]byte{code}, hdr))
			copy(s.iv, mac)
			return nil, true
		}
		if mode == CommMAC {
			if len(body) < 8 {
				return nil, false
			}
			data, got := body[:len(body)-8], body[len(body)-8:]
			mac, _ := cmacChained(block, s.iv, cat([]byte{code}, hdr, data))
			if !bytes.Equal(mac[:8], got) {
				return nil, false
			}
			copy(s.iv, mac)
			return data, true
		}
		plain, err := cbcDecrypt(block, s.iv, body)
		if err != nil || dataLen+4 > len(plain) {
			return nil, false
		}
		copy(s.iv, body[len(body)-bs:])
		data := plain[:dataLen]
		return data, bytes.Equal(crc32Bytes(cat([]byte{code}, hdr, data)), plain[dataLen:dataLen+4])

	default:
		if len(body) == 0 {
			return nil, true
		}
		if mode == CommMAC {
			if len(body) < 4 {
				return nil, false
			}
			data, got := body[:len(body)-4], body[len(body)-4:]
			mac, _ := legacyMAC(block, data)
			return data, bytes.Equal(mac, got)
		}
		if len(body)%bs != 0 {
			return nil, false
		}
		plain := simLegacyReceive(block, body)
		if dataLen+2 > len(plain) {
			return nil, false
		}
		data := plain[:dataLen]
		return data, bytes.Equal(crc16Bytes(data), plain[dataLen:dataLen+2])
	}
}

// seal mirrors the host's unwrapResponse.
func (c *simCard) seal(cmdHadData bool, data []byte, mode CommMode) []byte {
	s := c.sess
	if mode == CommPlain {
		if s != nil && s.gen == GenerationEV2 {
			s.cmdCtr++
		}
		return data
	}
	block, _ := s.cipher()
	bs := block.BlockSize()

	switch {
	case s.gen == GenerationEV2:
		ctr := s.cmdCtr + 1
		body := data
		if mode == CommEncrypt && len(data) > 0 {
			ivr, _ := ev2IV(s, block, [2]byte{0x5A, 0xA5}, ctr)
			body, _ = cbcEncrypt(block, ivr, padISO9797M2(data, 16))
		}
		mac, _ := ev2MAC(s, 0x00, ctr, body)
		s.cmdCtr = ctr
		if c.tamperRespMAC {
			mac[0] ^= 0x01
		}
		return cat(body, mac)

	case s.ev1():
		if mode == CommMAC || cmdHadData {
			mac, _ := cmacChained(block, s.iv, cat(data, []byte{0x00}))
			copy(s.iv, mac)
			out := cat(data, mac[:8])
			if c.tamperRespMAC {
				out[len(out)-1] ^= 0x01
			}
			return out
		}
		plain := padZero(cat(data, crc32Bytes(cat(data, []byte{0x00}))), bs)
		enc, _ := cbcEncrypt(block, s.iv, plain)
		copy(s.iv, enc[len(enc)-bs:])
		if c.tamperRespMAC {
			enc[0] ^= 0x01
		}
		return enc

	default:
		if cmdHadData || len(data) == 0 {
			return data
		}
		if mode == CommMAC {
			mac, _ := legacyMAC(block, data)
			if c.tamperRespMAC {
				mac[0] ^= 0x01
			}
			return cat(data, mac)
		}
		enc, _ := cbcEncrypt(block, make([]byte, bs), padZero(cat(data, crc16Bytes(data)), bs))
		if c.tamperRespMAC {
			enc[0] ^= 0x01
		}
		return enc
	}
}

// fixedRandom returns the same bytes on every read; RndA becomes a
// known vector.
type fixedRandom []byte

func (f fixedRandom) Read(p []byte) (int, error) {
	if len(f) == 0 {
		return 0, errors.New("fixedRandom: empty")
	}
	for i := range p {
		p[i] = f[i%len(f)]
	}
	return len(p), nil
}
