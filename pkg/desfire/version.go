package desfire

import "fmt"

// VersionInfo is one hardware or software version frame of GetVersion.
type VersionInfo struct {
	VendorID    byte
	Type        byte
	SubType     byte
	MajorVer    byte
	MinorVer    byte
	StorageSize byte
	Protocol    byte
}

// CardVersion holds the assembled GetVersion (0x60) answer.
type CardVersion struct {
	HW             VersionInfo
	SW             VersionInfo
	UID            [7]byte
	BatchNo        [5]byte
	ProductionWeek byte
	ProductionYear byte
	// Partial is set when the production frame was shorter than 14 bytes
	// and the batch number was rebuilt from the bytes available.
	Partial bool
}

const (
	versionFrameLen    = 7
	productionFrameLen = 14
	minProductionLen   = 7 + 2
)

func decodeVersionInfo(b []byte) VersionInfo {
	return VersionInfo{
		VendorID:    b[0],
		Type:        b[1],
		SubType:     b[2],
		MajorVer:    b[3],
		MinorVer:    b[4],
		StorageSize: b[5],
		Protocol:    b[6],
	}
}

// decodeCardVersion lays the three GetVersion frames onto the 7+7+14 schema.
//
// A production frame shorter than 14 bytes is accepted as long as it holds
// the UID plus week and year: week and year come from its last two bytes and
// whatever sits between UID and week is the low end of the batch number,
// with the missing high bytes left zero.
func decodeCardVersion(frames [][]byte) (*CardVersion, error) {
	if len(frames) != 3 {
		return nil, localError(CmdGetVersion, StatusLengthError, "expected 3 version frames, got %d", len(frames))
	}
	hw, sw, prod := frames[0], frames[1], frames[2]
	if len(hw) != versionFrameLen || len(sw) != versionFrameLen {
		return nil, localError(CmdGetVersion, StatusLengthError, "version frames of %d and %d bytes, want %d", len(hw), len(sw), versionFrameLen)
	}
	if len(prod) < minProductionLen || len(prod) > productionFrameLen {
		return nil, localError(CmdGetVersion, StatusLengthError, "production frame of %d bytes", len(prod))
	}

	v := &CardVersion{
		HW:             decodeVersionInfo(hw),
		SW:             decodeVersionInfo(sw),
		ProductionWeek: prod[len(prod)-2],
		ProductionYear: prod[len(prod)-1],
		Partial:        len(prod) < productionFrameLen,
	}
	copy(v.UID[:], prod[:7])
	batch := prod[7 : len(prod)-2]
	copy(v.BatchNo[len(v.BatchNo)-len(batch):], batch)
	return v, nil
}

// CardTypeName names the product generation from the hardware major version.
func (v *CardVersion) CardTypeName() string {
	if v.HW.Type == 0x08 {
		return "DESFire Light"
	}
	switch v.HW.MajorVer {
	case 0x00:
		return "DESFire"
	case 0x01:
		return "DESFire EV1"
	case 0x12:
		return "DESFire EV2"
	case 0x33:
		return "DESFire EV3"
	}
	return fmt.Sprintf("unknown (HW %d.%d)", v.HW.MajorVer, v.HW.MinorVer)
}

// StorageSize decodes the storage byte: 2^(n>>1) bytes, with the low bit
// flagging "between this and the next power of two".
func (v *CardVersion) StorageSize() int {
	return 1 << (v.HW.StorageSize >> 1)
}

// ProductionDate formats week and year as printed by NXP tools.
func (v *CardVersion) ProductionDate() string {
	return fmt.Sprintf("week %02X/20%02X", v.ProductionWeek, v.ProductionYear)
}
