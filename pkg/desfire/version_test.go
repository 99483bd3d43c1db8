package desfire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCardVersion(t *testing.T) {
	frames := [][]byte{
		mustHex("04010112001805"),
		mustHex("04010112041805"),
		mustHex("04AABBCCDDEEFF BA34567890 2723"),
	}
	v, err := decodeCardVersion(frames)
	require.NoError(t, err)

	assert.Equal(t, byte(0x04), v.HW.VendorID)
	assert.Equal(t, byte(0x12), v.HW.MajorVer)
	assert.Equal(t, byte(0x04), v.SW.MinorVer)
	assert.Equal(t, [7]byte{0x04, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, v.UID)
	assert.Equal(t, [5]byte{0xBA, 0x34, 0x56, 0x78, 0x90}, v.BatchNo)
	assert.Equal(t, byte(0x27), v.ProductionWeek)
	assert.Equal(t, byte(0x23), v.ProductionYear)
	assert.False(t, v.Partial)

	assert.Equal(t, "DESFire EV2", v.CardTypeName())
	assert.Equal(t, 4096, v.StorageSize())
	assert.Equal(t, "week 27/2023", v.ProductionDate())
}

func TestDecodeCardVersionShortProductionFrame(t *testing.T) {
	frames := [][]byte{
		mustHex("04010101001805"),
		mustHex("04010101041805"),
		mustHex("04AABBCCDDEEFF 5678 2723"), // 11 bytes: two batch bytes survive
	}
	v, err := decodeCardVersion(frames)
	require.NoError(t, err)
	assert.True(t, v.Partial)
	assert.Equal(t, [7]byte{0x04, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, v.UID)
	assert.Equal(t, [5]byte{0x00, 0x00, 0x00, 0x56, 0x78}, v.BatchNo)
	assert.Equal(t, byte(0x27), v.ProductionWeek)
	assert.Equal(t, byte(0x23), v.ProductionYear)
	assert.Equal(t, "DESFire EV1", v.CardTypeName())
}

func TestDecodeCardVersionRejects(t *testing.T) {
	good := mustHex("04010101001805")
	cases := map[string][][]byte{
		"two frames":       {good, good},
		"four frames":      {good, good, mustHex("04AABBCCDDEEFFBA345678902723"), {0x00}},
		"short hw":         {good[:6], good, mustHex("04AABBCCDDEEFFBA345678902723")},
		"short production": {good, good, mustHex("04AABBCCDDEEFF27")},
		"long production":  {good, good, mustHex("04AABBCCDDEEFFBA34567890AA2723")},
	}
	for name, frames := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeCardVersion(frames)
			require.Error(t, err)
			assert.True(t, IsLengthError(err))
		})
	}
}

func TestCardTypeName(t *testing.T) {
	cases := map[byte]string{0x00: "DESFire", 0x01: "DESFire EV1", 0x12: "DESFire EV2", 0x33: "DESFire EV3"}
	for major, want := range cases {
		v := &CardVersion{HW: VersionInfo{Type: 0x01, MajorVer: major}}
		assert.Equal(t, want, v.CardTypeName())
	}
	light := &CardVersion{HW: VersionInfo{Type: 0x08, MajorVer: 0x30}}
	assert.Equal(t, "DESFire Light", light.CardTypeName())
	assert.Contains(t, (&CardVersion{HW: VersionInfo{MajorVer: 0x77}}).CardTypeName(), "unknown")
}
