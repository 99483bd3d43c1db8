package desfire

// Card commands riding on Execute. None of them create or delete
// applications or files.

// GetCardUID reads the real UID (0x51). The answer is always encrypted, so
// an authenticated session is required.
func (e *Engine) GetCardUID() ([]byte, error) {
	data, err := e.Execute(NativeCommand{Code: CmdGetCardUID, Mode: CommEncrypt, ResponseLen: 7})
	if err != nil {
		return nil, err
	}
	if len(data) < 7 {
		return nil, localError(CmdGetCardUID, StatusLengthError, "UID of %d bytes", len(data))
	}
	return data[:7], nil
}

// GetApplicationIDs lists the AIDs on the card (0x6A).
func (e *Engine) GetApplicationIDs() ([]AID, error) {
	data, err := e.Execute(NativeCommand{Code: CmdGetApplicationIDs, Mode: e.defaultMode()})
	if err != nil {
		return nil, err
	}
	if len(data)%3 != 0 {
		return nil, localError(CmdGetApplicationIDs, StatusLengthError, "AID list of %d bytes", len(data))
	}
	aids := make([]AID, 0, len(data)/3)
	for i := 0; i < len(data); i += 3 {
		var aid AID
		copy(aid[:], data[i:i+3])
		aids = append(aids, aid)
	}
	return aids, nil
}

// GetFreeMemory returns the free NV memory in bytes (0x6E).
func (e *Engine) GetFreeMemory() (uint32, error) {
	data, err := e.Execute(NativeCommand{Code: CmdGetFreeMemory, Mode: e.defaultMode()})
	if err != nil {
		return 0, err
	}
	if len(data) != 3 {
		return 0, localError(CmdGetFreeMemory, StatusLengthError, "free memory of %d bytes", len(data))
	}
	return le24(data), nil
}

// KeySettings is the answer to GetKeySettings.
type KeySettings struct {
	Settings byte
	MaxKeys  byte
	Mode     CryptoMode
}

// GetKeySettings reads the key settings of the selected application (0x45).
func (e *Engine) GetKeySettings() (*KeySettings, error) {
	data, err := e.Execute(NativeCommand{Code: CmdGetKeySettings, Mode: e.defaultMode()})
	if err != nil {
		return nil, err
	}
	if len(data) != 2 {
		return nil, localError(CmdGetKeySettings, StatusLengthError, "key settings of %d bytes", len(data))
	}
	ks := &KeySettings{Settings: data[0], MaxKeys: data[1] & 0x0F, Mode: Mode2K3DES}
	switch data[1] & 0xC0 {
	case 0x40:
		ks.Mode = Mode3K3DES
	case 0x80:
		ks.Mode = ModeAES
	}
	return ks, nil
}

// GetKeyVersion reads the version byte of key keyNo (0x64).
func (e *Engine) GetKeyVersion(keyNo byte) (byte, error) {
	data, err := e.Execute(NativeCommand{Code: CmdGetKeyVersion, Header: []byte{keyNo}, Mode: e.defaultMode()})
	if err != nil {
		return 0, err
	}
	if len(data) != 1 {
		return 0, localError(CmdGetKeyVersion, StatusLengthError, "key version of %d bytes", len(data))
	}
	return data[0], nil
}

// GetFileIDs lists the file numbers of the selected application (0x6F).
func (e *Engine) GetFileIDs() ([]byte, error) {
	return e.Execute(NativeCommand{Code: CmdGetFileIDs, Mode: e.defaultMode()})
}

// FileSettings is the common part of GetFileSettings.
type FileSettings struct {
	FileType     byte
	CommMode     CommMode
	AccessRights uint16
	// Size is the file size for data files; zero for value and record files.
	Size uint32
	Raw  []byte
}

// ReadKey, WriteKey, ReadWriteKey and ChangeKey return the access right
// nibbles (0xE free, 0xF denied).
func (f *FileSettings) ReadKey() byte      { return byte(f.AccessRights>>12) & 0x0F }
func (f *FileSettings) WriteKey() byte     { return byte(f.AccessRights>>8) & 0x0F }
func (f *FileSettings) ReadWriteKey() byte { return byte(f.AccessRights>>4) & 0x0F }
func (f *FileSettings) ChangeKey() byte    { return byte(f.AccessRights) & 0x0F }

// GetFileSettings reads the settings of fileNo (0xF5).
func (e *Engine) GetFileSettings(fileNo byte) (*FileSettings, error) {
	data, err := e.Execute(NativeCommand{Code: CmdGetFileSettings, Header: []byte{fileNo}, Mode: e.defaultMode()})
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, localError(CmdGetFileSettings, StatusLengthError, "file settings of %d bytes", len(data))
	}
	fs := &FileSettings{
		FileType:     data[0],
		CommMode:     CommMode(data[1] & 0x03),
		AccessRights: uint16(data[2]) | uint16(data[3])<<8,
		Raw:          data,
	}
	if (data[0] == 0x00 || data[0] == 0x01) && len(data) >= 7 {
		fs.Size = le24(data[4:7])
	}
	return fs, nil
}

// ReadData reads length bytes at offset from a data file (0xBD). A zero
// length reads to the end of the file.
func (e *Engine) ReadData(fileNo byte, offset, length int, mode CommMode) ([]byte, error) {
	if err := check24("offset", offset); err != nil {
		return nil, err
	}
	if err := check24("length", length); err != nil {
		return nil, err
	}
	header := make([]byte, 0, 7)
	header = append(header, fileNo)
	header = appendLE24(header, offset)
	header = appendLE24(header, length)
	data, err := e.Execute(NativeCommand{Code: CmdReadData, Header: header, Mode: mode, ResponseLen: length})
	if err != nil {
		return nil, err
	}
	if length > 0 && len(data) > length {
		data = data[:length]
	}
	return data, nil
}

// WriteData writes data at offset into a data file (0x3D), splitting it into
// chunks that fit one frame after secure messaging.
func (e *Engine) WriteData(fileNo byte, offset int, data []byte, mode CommMode) error {
	chunkMax := e.writeChunk(mode)
	written := 0
	for written < len(data) {
		chunk := len(data) - written
		if chunk > chunkMax {
			chunk = chunkMax
		}
		if err := check24("offset", offset); err != nil {
			return err
		}
		header := make([]byte, 0, 7)
		header = append(header, fileNo)
		header = appendLE24(header, offset)
		header = appendLE24(header, chunk)
		if _, err := e.Execute(NativeCommand{
			Code:   CmdWriteData,
			Header: header,
			Data:   data[written : written+chunk],
			Mode:   mode,
		}); err != nil {
			return err
		}
		written += chunk
		offset += chunk
	}
	return nil
}

// GetValue reads a value file (0x6C).
func (e *Engine) GetValue(fileNo byte, mode CommMode) (int32, error) {
	data, err := e.Execute(NativeCommand{Code: CmdGetValue, Header: []byte{fileNo}, Mode: mode})
	if err != nil {
		return 0, err
	}
	if len(data) != 4 {
		return 0, localError(CmdGetValue, StatusLengthError, "value of %d bytes", len(data))
	}
	return int32(uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24), nil
}

// defaultMode keeps plain commands inside an EV1 or EV2 session MAC-checked.
func (e *Engine) defaultMode() CommMode {
	if e.sess.Authenticated() && e.sess.gen != GenerationLegacy {
		return CommMAC
	}
	return CommPlain
}

// writeChunk is the largest data slice that still fits one frame once the
// 7-byte header and secure-messaging overhead are added.
func (e *Engine) writeChunk(mode CommMode) int {
	room := e.t.maxFrame - 1 - 7
	switch mode {
	case CommMAC:
		room -= 8
	case CommEncrypt:
		room -= 4 + 16 + 8
	}
	if room < 1 {
		room = 1
	}
	return room
}

func check24(name string, v int) error {
	if v < 0 || v > 0xFFFFFF {
		return localError(0, StatusParameterError, "%s %d out of range", name, v)
	}
	return nil
}

func appendLE24(b []byte, v int) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16))
}

func le24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}
