package desfire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPDUEncode(t *testing.T) {
	cases := []struct {
		name string
		apdu APDU
		want string
	}{
		{"header only", APDU{CLA: 0x90, INS: 0x60}, "90600000"},
		{"le only", APDU{CLA: 0x90, INS: 0x60, Le: 256}, "9060000000"},
		{"short le", APDU{CLA: 0x00, INS: 0xB0, Le: 16}, "00B0000010"},
		{"data no le", APDU{CLA: 0x90, INS: 0x00, Data: []byte{0x5A, 0xC0, 0xFF, 0xEE}}, "90000000045AC0FFEE"},
		{"data and le", APDU{CLA: 0x90, INS: 0x5A, Data: []byte{0xC0, 0xFF, 0xEE}, Le: 256}, "905A000003C0FFEE00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := tc.apdu.Encode()
			require.NoError(t, err)
			assert.Equal(t, tc.want, hexUpper(raw))
		})
	}
}

func TestAPDURoundTrip(t *testing.T) {
	cases := []APDU{
		{CLA: 0x90, INS: 0x60},
		{CLA: 0x90, INS: 0x60, Le: 256},
		{CLA: 0x90, INS: 0x00, Data: []byte{0xAF}},
		{CLA: 0x90, INS: 0xBD, P1: 0x01, P2: 0x02, Data: bytes.Repeat([]byte{0xA5}, 255), Le: 256},
		{CLA: 0x00, INS: 0xA4, P1: 0x04, Data: []byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}, Le: 1},
	}
	for _, in := range cases {
		raw, err := in.Encode()
		require.NoError(t, err)
		out, err := DecodeAPDU(raw)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestAPDUEncodeRejectsOversize(t *testing.T) {
	_, err := APDU{CLA: 0x90, Data: make([]byte, 256)}.Encode()
	require.Error(t, err)
	assert.Equal(t, StatusParameterError, StatusOf(err))

	_, err = APDU{CLA: 0x90, Le: 257}.Encode()
	assert.Equal(t, StatusParameterError, StatusOf(err))
	_, err = APDU{CLA: 0x90, Le: -1}.Encode()
	assert.Equal(t, StatusParameterError, StatusOf(err))
}

func TestParseResponse(t *testing.T) {
	resp, err := ParseResponse([]byte{0x01, 0x02, 0x91, 0xAF})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, resp.Data)
	assert.Equal(t, uint16(0x91AF), resp.SW)
	assert.Equal(t, StatusMoreFrames, resp.Status())
	assert.False(t, resp.OK())

	resp, err = ParseResponse([]byte{0x91, 0x00})
	require.NoError(t, err)
	assert.Empty(t, resp.Data)
	assert.True(t, resp.OK())
}

func TestParseResponseShort(t *testing.T) {
	for _, raw := range [][]byte{nil, {}, {0x91}} {
		_, err := ParseResponse(raw)
		require.Error(t, err)
		assert.True(t, IsLengthError(err))
	}
}
