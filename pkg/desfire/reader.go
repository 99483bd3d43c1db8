package desfire

// Reader abstracts the NFC front-end for real hardware and test doubles.
//
// Transceive is a single blocking exchange; the reader owns its timeout and
// reports expiry as an error, which the engine treats as a communication
// failure.
type Reader interface {
	Begin() error
	FirmwareVersion() (uint32, error)
	Configure() error
	// DetectCard returns the UID of the card in the field.
	DetectCard() ([]byte, error)
	Transceive(apdu []byte) ([]byte, error)
}
