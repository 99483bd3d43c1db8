package desfire

import (
	"errors"
	"fmt"
)

// Status word constants for ISO 7816 and DESFire responses
const (
	// ISO 7816 status words
	SWSuccess                 = 0x9000 // ISO success
	SWWrongLength             = 0x6700 // Wrong length
	SWSecurityNotSatisfied    = 0x6982 // Security status not satisfied
	SWAuthenticationBlocked   = 0x6983 // Authentication method blocked
	SWDataInvalid             = 0x6984 // Referenced data invalidated
	SWConditionsNotSatisfied  = 0x6985 // Conditions of use not satisfied
	SWWrongData               = 0x6A80 // Incorrect parameters in the data field
	SWFileNotFound            = 0x6A82 // File or application not found
	SWWrongP1P2               = 0x6A86 // Incorrect P1/P2 parameters
	SWInstructionNotSupported = 0x6D00 // INS not supported
	SWClassNotSupported       = 0x6E00 // CLA not supported
	SWWrongLe                 = 0x6C00 // Wrong Le (mask: 0x6C00, correct Le in SW2)
	SWBytesRemaining          = 0x6100 // Bytes remaining (mask: 0x6100, count in SW2)

	// DESFire status words
	SWDESFireOK            = 0x9100 // Operation complete
	SWNoChanges            = 0x910C // No changes done to backup files
	SWOutOfEEPROM          = 0x910E // Insufficient NV memory
	SWIllegalCommand       = 0x911C // Command code not supported
	SWIntegrityError       = 0x911E // CRC or MAC does not match
	SWDESFireParameter     = 0x911F // Parameter error (some EV2 firmwares)
	SWNoSuchKey            = 0x9140 // Invalid key number
	SWLengthError          = 0x917E // Length of command string invalid
	SWPermDenied           = 0x919D // Current configuration or status does not allow the command
	SWParameterErr         = 0x919E // Value of the parameter(s) invalid
	SWAppNotFound          = 0x91A0 // Requested AID not present
	SWAppIntegrityError    = 0x91A1 // Unrecoverable error within application
	SWAuthError            = 0x91AE // Current authentication status does not allow the command
	SWMoreData             = 0x91AF // Additional frame expected
	SWBoundaryError        = 0x91BE // Attempt to read/write beyond the file limits
	SWPICCIntegrityError   = 0x91C1 // Unrecoverable error within PICC
	SWCommandAbort         = 0x91CA // Previous command was not fully completed
	SWPICCDisabled         = 0x91CD // PICC disabled by an unrecoverable error
	SWCountError           = 0x91CE // Number of applications limited to 28
	SWDuplicateError       = 0x91DE // Creation of file/application failed because it already exists
	SWEEPROMError          = 0x91EE // Could not complete NV-write operation
	SWDESFireFileNotFound  = 0x91F0 // Specified file number does not exist
	SWFileIntegrityError   = 0x91F1 // Unrecoverable error within file
)

// Status is the closed set of outcomes every engine operation reduces to.
// Card-reported words, transport failures and local programming errors all
// land on exactly one value; anything unrecognised is StatusLibraryError.
type Status int

const (
	StatusSuccess Status = iota
	StatusMoreFrames
	StatusBytesRemaining

	StatusNoChanges
	StatusOutOfEEPROM
	StatusIllegalCommand
	StatusIntegrityError
	StatusParameterError
	StatusNoSuchKey
	StatusLengthError
	StatusPermissionDenied
	StatusApplicationNotFound
	StatusApplicationIntegrityError
	StatusAuthenticationError
	StatusBoundaryError
	StatusPICCIntegrityError
	StatusCommandAborted
	StatusPICCDisabled
	StatusCountError
	StatusDuplicateError
	StatusEEPROMError
	StatusFileNotFound
	StatusFileIntegrityError

	StatusISOFileNotFound
	StatusISOWrongLength
	StatusISOWrongParams
	StatusISOWrongData
	StatusISOUnknownInstruction
	StatusISOSecurityStatus
	StatusISOAuthenticationBlocked
	StatusISODataInvalid
	StatusISOConditionsNotSatisfied
	StatusISOWrongLe
	StatusISOWrongClass

	StatusCommunicationError
	StatusProtocolError
	StatusNilParameter
	StatusCryptoError
	StatusBufferOverflow
	StatusBufferTooSmall
	StatusNoCard

	// StatusLibraryError is the catch-all arm for anything not listed above.
	StatusLibraryError
)

var statusNames = [...]string{
	StatusSuccess:                   "success",
	StatusMoreFrames:                "more frames",
	StatusBytesRemaining:            "bytes remaining",
	StatusNoChanges:                 "no changes",
	StatusOutOfEEPROM:               "out of EEPROM",
	StatusIllegalCommand:            "illegal command",
	StatusIntegrityError:            "integrity error",
	StatusParameterError:            "parameter error",
	StatusNoSuchKey:                 "no such key",
	StatusLengthError:               "length error",
	StatusPermissionDenied:          "permission denied",
	StatusApplicationNotFound:       "application not found",
	StatusApplicationIntegrityError: "application integrity error",
	StatusAuthenticationError:       "authentication error",
	StatusBoundaryError:             "boundary error",
	StatusPICCIntegrityError:        "PICC integrity error",
	StatusCommandAborted:            "command aborted",
	StatusPICCDisabled:              "PICC disabled",
	StatusCountError:                "count error",
	StatusDuplicateError:            "duplicate error",
	StatusEEPROMError:               "EEPROM error",
	StatusFileNotFound:              "file not found",
	StatusFileIntegrityError:        "file integrity error",
	StatusISOFileNotFound:           "ISO file not found",
	StatusISOWrongLength:            "ISO wrong length",
	StatusISOWrongParams:            "ISO wrong P1/P2",
	StatusISOWrongData:              "ISO wrong data",
	StatusISOUnknownInstruction:     "ISO instruction not supported",
	StatusISOSecurityStatus:         "ISO security status not satisfied",
	StatusISOAuthenticationBlocked:  "ISO authentication blocked",
	StatusISODataInvalid:            "ISO referenced data invalidated",
	StatusISOConditionsNotSatisfied: "ISO conditions not satisfied",
	StatusISOWrongLe:                "ISO wrong Le",
	StatusISOWrongClass:             "ISO class not supported",
	StatusCommunicationError:        "communication error",
	StatusProtocolError:             "protocol error",
	StatusNilParameter:              "nil parameter",
	StatusCryptoError:               "crypto error",
	StatusBufferOverflow:            "buffer overflow",
	StatusBufferTooSmall:            "buffer too small",
	StatusNoCard:                    "no card",
	StatusLibraryError:              "library error",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// StatusFromSW maps a status word onto the unified taxonomy.
// Every 16-bit value yields exactly one Status.
func StatusFromSW(sw uint16) Status {
	switch sw {
	case SWSuccess, SWDESFireOK:
		return StatusSuccess
	case SWMoreData:
		return StatusMoreFrames
	case SWNoChanges:
		return StatusNoChanges
	case SWOutOfEEPROM:
		return StatusOutOfEEPROM
	case SWIllegalCommand:
		return StatusIllegalCommand
	case SWIntegrityError:
		return StatusIntegrityError
	case SWDESFireParameter, SWParameterErr:
		return StatusParameterError
	case SWNoSuchKey:
		return StatusNoSuchKey
	case SWLengthError:
		return StatusLengthError
	case SWPermDenied:
		return StatusPermissionDenied
	case SWAppNotFound:
		return StatusApplicationNotFound
	case SWAppIntegrityError:
		return StatusApplicationIntegrityError
	case SWAuthError:
		return StatusAuthenticationError
	case SWBoundaryError:
		return StatusBoundaryError
	case SWPICCIntegrityError:
		return StatusPICCIntegrityError
	case SWCommandAbort:
		return StatusCommandAborted
	case SWPICCDisabled:
		return StatusPICCDisabled
	case SWCountError:
		return StatusCountError
	case SWDuplicateError:
		return StatusDuplicateError
	case SWEEPROMError:
		return StatusEEPROMError
	case SWDESFireFileNotFound:
		return StatusFileNotFound
	case SWFileIntegrityError:
		return StatusFileIntegrityError
	case SWFileNotFound:
		return StatusISOFileNotFound
	case SWWrongLength:
		return StatusISOWrongLength
	case SWWrongP1P2:
		return StatusISOWrongParams
	case SWWrongData:
		return StatusISOWrongData
	case SWInstructionNotSupported:
		return StatusISOUnknownInstruction
	case SWSecurityNotSatisfied:
		return StatusISOSecurityStatus
	case SWAuthenticationBlocked:
		return StatusISOAuthenticationBlocked
	case SWDataInvalid:
		return StatusISODataInvalid
	case SWConditionsNotSatisfied:
		return StatusISOConditionsNotSatisfied
	case SWClassNotSupported:
		return StatusISOWrongClass
	}
	switch sw & 0xFF00 {
	case SWBytesRemaining:
		return StatusBytesRemaining
	case SWWrongLe:
		return StatusISOWrongLe
	}
	return StatusLibraryError
}

// IsSuccessSW reports whether sw is ISO success, DESFire success or the
// 61xx bytes-remaining family.
func IsSuccessSW(sw uint16) bool {
	return sw == SWSuccess || sw == SWDESFireOK || sw&0xFF00 == SWBytesRemaining
}

// IsContinuationSW reports whether the card has more data queued.
func IsContinuationSW(sw uint16) bool {
	return sw == SWMoreData || sw&0xFF00 == SWBytesRemaining
}

// SwOK checks if a status word indicates a terminal success (ISO 9000 or DESFire 9100).
func SwOK(sw uint16) bool {
	return sw == SWSuccess || sw == SWDESFireOK
}

// StatusError carries the Status of a failed operation. SW is zero for
// errors raised locally or by the transport.
type StatusError struct {
	Cmd    byte   // Native command code
	SW     uint16 // Status word, 0 when not card-reported
	Status Status
	Err    error // Underlying cause, if any
}

func (e *StatusError) Error() string {
	if e == nil {
		return "desfire error"
	}
	switch {
	case e.SW != 0:
		return fmt.Sprintf("card command 0x%02X failed with SW=0x%04X (%s)", e.Cmd, e.SW, swDescription(e.SW))
	case e.Err != nil:
		return fmt.Sprintf("command 0x%02X: %s: %v", e.Cmd, e.Status, e.Err)
	default:
		return fmt.Sprintf("command 0x%02X: %s", e.Cmd, e.Status)
	}
}

func (e *StatusError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// CardReported reports whether the error came from a card status word.
func (e *StatusError) CardReported() bool {
	return e != nil && e.SW != 0
}

func cardError(cmd byte, sw uint16) *StatusError {
	return &StatusError{Cmd: cmd, SW: sw, Status: StatusFromSW(sw)}
}

func localError(cmd byte, status Status, format string, args ...any) *StatusError {
	return &StatusError{Cmd: cmd, Status: status, Err: fmt.Errorf(format, args...)}
}

// StatusOf reduces any error to a Status. A nil error is StatusSuccess and
// errors that carry no StatusError are StatusLibraryError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusLibraryError
}

func swDescription(sw uint16) string {
	switch s := StatusFromSW(sw); s {
	case StatusISOWrongLe:
		return fmt.Sprintf("wrong Le (correct Le=%d)", sw&0xFF)
	case StatusBytesRemaining:
		return fmt.Sprintf("%d bytes remaining", sw&0xFF)
	case StatusLibraryError:
		return "unknown error"
	default:
		return s.String()
	}
}

// IsLengthError checks if an error is a length-related error.
func IsLengthError(err error) bool {
	switch StatusOf(err) {
	case StatusLengthError, StatusISOWrongLength, StatusISOWrongLe:
		return true
	}
	return false
}

// IsAuthError checks if an error is an authentication-related error.
func IsAuthError(err error) bool {
	switch StatusOf(err) {
	case StatusAuthenticationError, StatusISOSecurityStatus, StatusISOAuthenticationBlocked:
		return true
	}
	return false
}

// IsBoundaryError checks if an error is a boundary error (read past file end).
func IsBoundaryError(err error) bool {
	return StatusOf(err) == StatusBoundaryError
}

// IsPermissionDenied checks if an error is a permission denied error.
func IsPermissionDenied(err error) bool {
	return StatusOf(err) == StatusPermissionDenied
}

// IsIntegrityError checks if an error reports a CRC or MAC mismatch.
func IsIntegrityError(err error) bool {
	return StatusOf(err) == StatusIntegrityError
}

// IsCommunicationError checks if an error came from the reader rather than the card.
func IsCommunicationError(err error) bool {
	return StatusOf(err) == StatusCommunicationError
}
