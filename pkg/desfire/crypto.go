package desfire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/aead/cmac"
)

func newBlockCipher(mode CryptoMode, key []byte) (cipher.Block, error) {
	if len(key) != mode.KeySize() && !(mode == ModeDES && len(key) == 16) {
		return nil, fmt.Errorf("%s key must be %d bytes, got %d", mode, mode.KeySize(), len(key))
	}
	switch mode {
	case ModeDES:
		return des.NewCipher(key[:8])
	case Mode2K3DES:
		k := make([]byte, 24)
		copy(k, key[:16])
		copy(k[16:], key[:8])
		return des.NewTripleDESCipher(k)
	case Mode3K3DES:
		return des.NewTripleDESCipher(key)
	case ModeAES:
		return aes.NewCipher(key)
	}
	return nil, fmt.Errorf("unsupported crypto mode %d", mode)
}

func cbcEncrypt(block cipher.Block, iv, data []byte) ([]byte, error) {
	if len(data)%block.BlockSize() != 0 {
		return nil, errors.New("CBC encrypt: data not block aligned")
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func cbcDecrypt(block cipher.Block, iv, data []byte) ([]byte, error) {
	if len(data)%block.BlockSize() != 0 {
		return nil, errors.New("CBC decrypt: data not block aligned")
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// legacySendDecipher is the host side of the original DESFire native
// protocol: every outgoing block is XORed with the previous output and
// then deciphered, starting from a zero IV.
func legacySendDecipher(block cipher.Block, data []byte) ([]byte, error) {
	bs := block.BlockSize()
	if len(data)%bs != 0 {
		return nil, errors.New("send decipher: data not block aligned")
	}
	out := make([]byte, len(data))
	prev := make([]byte, bs)
	tmp := make([]byte, bs)
	for i := 0; i < len(data); i += bs {
		xorBlock(tmp, data[i:i+bs], prev)
		block.Decrypt(out[i:i+bs], tmp)
		prev = out[i : i+bs]
	}
	return out, nil
}

func ecbEncrypt(block cipher.Block, in []byte) ([]byte, error) {
	if len(in) != block.BlockSize() {
		return nil, fmt.Errorf("ECB input must be %d bytes", block.BlockSize())
	}
	out := make([]byte, len(in))
	block.Encrypt(out, in)
	return out, nil
}

func padISO9797M2(data []byte, bs int) []byte {
	padLen := bs - (len(data) % bs)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

func unpadISO9797M2(data []byte) ([]byte, error) {
	idx := len(data) - 1
	for idx >= 0 && data[idx] == 0x00 {
		idx--
	}
	if idx < 0 || data[idx] != 0x80 {
		return nil, errors.New("bad padding")
	}
	return data[:idx], nil
}

func padZero(data []byte, bs int) []byte {
	n := len(data)
	if n%bs != 0 || n == 0 {
		n += bs - n%bs
	}
	out := make([]byte, n)
	copy(out, data)
	return out
}

func rotateLeft1(in []byte) []byte {
	out := make([]byte, len(in))
	if len(in) == 0 {
		return out
	}
	copy(out, in[1:])
	out[len(in)-1] = in[0]
	return out
}

func rotateRight1(in []byte) []byte {
	out := make([]byte, len(in))
	if len(in) == 0 {
		return out
	}
	out[0] = in[len(in)-1]
	copy(out[1:], in[:len(in)-1])
	return out
}

func xorBlock(dst, a, b []byte) {
	for i := 0; i < len(a) && i < len(b); i++ {
		dst[i] = a[i] ^ b[i]
	}
}

// cmacChained computes a CMAC whose CBC chain starts at iv instead of
// zero. Prefixing D_K(iv) to a non-empty message yields exactly that chain.
func cmacChained(block cipher.Block, iv, msg []byte) ([]byte, error) {
	if len(msg) == 0 {
		return nil, errors.New("CMAC over empty message")
	}
	h, err := cmac.New(block)
	if err != nil {
		return nil, err
	}
	pre := make([]byte, block.BlockSize())
	block.Decrypt(pre, iv)
	h.Write(pre)
	h.Write(msg)
	return h.Sum(nil), nil
}

func aesCMAC(key, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cmac.Sum(msg, block, block.BlockSize())
}

// legacyMAC is the 4-byte CBC-MAC of the original DESFire protocol,
// computed over zero-padded data with a zero IV.
func legacyMAC(block cipher.Block, data []byte) ([]byte, error) {
	bs := block.BlockSize()
	enc, err := cbcEncrypt(block, make([]byte, bs), padZero(data, bs))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), enc[len(enc)-bs:len(enc)-bs+4]...), nil
}

func truncateOddBytes(mac []byte) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = mac[1+i*2]
	}
	return out
}

// CRC32DESFire computes the CRC32 used by DESFire EV1 secure messaging:
// the IEEE polynomial without the final XOR.
func CRC32DESFire(data []byte) uint32 {
	return ^crc32.ChecksumIEEE(data)
}

// CRC16DESFire computes the ISO 14443-3 type A CRC used by legacy
// DESFire sessions.
func CRC16DESFire(data []byte) uint16 {
	crc := uint16(0x6363)
	for _, b := range data {
		b ^= byte(crc)
		b ^= b << 4
		crc = (crc >> 8) ^ uint16(b)<<8 ^ uint16(b)<<3 ^ uint16(b)>>4
	}
	return crc
}

func crc32Bytes(data []byte) []byte {
	c := CRC32DESFire(data)
	return []byte{byte(c), byte(c >> 8), byte(c >> 16), byte(c >> 24)}
}

func crc16Bytes(data []byte) []byte {
	c := CRC16DESFire(data)
	return []byte{byte(c), byte(c >> 8)}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
