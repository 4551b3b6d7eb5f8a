package att

import (
	"errors"
	"fmt"
)

// ATT error codes (Core Spec v5.3 Vol 3, Part F, 3.4.1.1)
const (
	ErrSuccess                     = 0x00 // not sent, used internally
	ErrInvalidHandle               = 0x01
	ErrReadNotPermitted            = 0x02
	ErrWriteNotPermitted           = 0x03
	ErrInvalidPDU                  = 0x04
	ErrRequestNotSupported         = 0x06
	ErrInvalidOffset               = 0x07
	ErrAttributeNotFound           = 0x0A
	ErrInvalidAttributeValueLength = 0x0D
	ErrUnlikelyError               = 0x0E
	ErrInsufficientResources       = 0x11

	ErrCCCDImproperlyConfigured = 0xFD
)

// ErrorNames maps error codes to human-readable names
var ErrorNames = map[uint8]string{
	ErrSuccess:                     "Success",
	ErrInvalidHandle:               "Invalid Handle",
	ErrReadNotPermitted:            "Read Not Permitted",
	ErrWriteNotPermitted:           "Write Not Permitted",
	ErrInvalidPDU:                  "Invalid PDU",
	ErrRequestNotSupported:         "Request Not Supported",
	ErrInvalidOffset:               "Invalid Offset",
	ErrAttributeNotFound:           "Attribute Not Found",
	ErrInvalidAttributeValueLength: "Invalid Attribute Value Length",
	ErrUnlikelyError:               "Unlikely Error",
	ErrInsufficientResources:       "Insufficient Resources",
	ErrCCCDImproperlyConfigured:    "CCCD Improperly Configured",
}

// Error is an ATT Error Response surfaced to the caller
type Error struct {
	Code          uint8
	RequestOpcode uint8
	Handle        uint16
}

func (e *Error) Error() string {
	name, ok := ErrorNames[e.Code]
	if !ok {
		name = fmt.Sprintf("Unknown Error (0x%02X)", e.Code)
	}
	opcodeName, ok := OpcodeNames[e.RequestOpcode]
	if !ok {
		opcodeName = fmt.Sprintf("0x%02X", e.RequestOpcode)
	}
	return fmt.Sprintf("ATT Error: %s (handle 0x%04X, request %s)", name, e.Handle, opcodeName)
}

// NewError creates a new ATT error
func NewError(code uint8, requestOpcode uint8, handle uint16) *Error {
	return &Error{
		Code:          code,
		RequestOpcode: requestOpcode,
		Handle:        handle,
	}
}

// GetErrorCode returns the ATT error code carried by err, or 0
func GetErrorCode(err error) uint8 {
	var attErr *Error
	if errors.As(err, &attErr) {
		return attErr.Code
	}
	return 0
}
