package transport

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Lifecycle errors.
var (
	ErrSessionClosed  = errors.New("transport: session closed")
	ErrNotStarted     = errors.New("transport: not started")
	ErrAlreadyStarted = errors.New("transport: already started")
)

// ErrorKind classifies a transport failure.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota

	// Characteristic errors.
	KindCharacteristicMissing
	KindCharacteristicProperty
	KindSubscriptionFailed

	// Data errors.
	KindEmptyValue
	KindStateValueLength
	KindUnknownStateValue
	KindUnknownCharacteristic
	KindUnknownDataTransferPrefix
	KindInvalidPSM
	KindIdentMismatch

	// Hardware and environment errors.
	KindHardwareUnusable
	KindServiceUnavailable

	// Connection errors.
	KindConnectionFailed
	KindPeerDisconnected
	KindConnectionEnded
)

var kindNames = map[ErrorKind]string{
	KindCharacteristicMissing:     "characteristicMissing",
	KindCharacteristicProperty:    "characteristicPropertyMissing",
	KindSubscriptionFailed:        "subscriptionFailed",
	KindEmptyValue:                "emptyValue",
	KindStateValueLength:          "stateValueLength",
	KindUnknownStateValue:         "unknownStateValue",
	KindUnknownCharacteristic:     "unknownCharacteristic",
	KindUnknownDataTransferPrefix: "unknownDataTransferPrefix",
	KindInvalidPSM:                "invalidPSM",
	KindIdentMismatch:             "identMismatch",
	KindHardwareUnusable:          "hardwareUnusable",
	KindServiceUnavailable:        "serviceUnavailable",
	KindConnectionFailed:          "connectionFailed",
	KindPeerDisconnected:          "peerDisconnected",
	KindConnectionEnded:           "connectionEnded",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error is the typed error reported through the outward event interface.
type Error struct {
	Kind           ErrorKind
	Characteristic uuid.UUID
	Property       Property
	Value          byte
	Length         int
	Detail         string
	Err            error
}

func (e *Error) Error() string {
	var arg string
	switch e.Kind {
	case KindCharacteristicMissing, KindEmptyValue, KindUnknownCharacteristic, KindSubscriptionFailed:
		arg = CharacteristicName(e.Characteristic)
	case KindCharacteristicProperty:
		arg = fmt.Sprintf("%s, %s", CharacteristicName(e.Characteristic), e.Property)
	case KindUnknownStateValue, KindUnknownDataTransferPrefix:
		arg = fmt.Sprintf("%d", e.Value)
	case KindStateValueLength, KindInvalidPSM:
		arg = fmt.Sprintf("%d", e.Length)
	default:
		arg = e.Detail
	}
	msg := fmt.Sprintf("transport: %s(%s)", e.Kind, arg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the kind of a transport error, or KindUnknown.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is a transport error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

func CharacteristicMissing(characteristic uuid.UUID) *Error {
	return &Error{Kind: KindCharacteristicMissing, Characteristic: characteristic}
}

func CharacteristicPropertyMissing(characteristic uuid.UUID, missing Property) *Error {
	return &Error{Kind: KindCharacteristicProperty, Characteristic: characteristic, Property: missing}
}

func SubscriptionFailed(characteristic uuid.UUID, err error) *Error {
	return &Error{Kind: KindSubscriptionFailed, Characteristic: characteristic, Err: err}
}

func EmptyValue(characteristic uuid.UUID) *Error {
	return &Error{Kind: KindEmptyValue, Characteristic: characteristic}
}

func StateValueLength(length int) *Error {
	return &Error{Kind: KindStateValueLength, Length: length}
}

func UnknownStateValue(value byte) *Error {
	return &Error{Kind: KindUnknownStateValue, Value: value}
}

func UnknownCharacteristic(characteristic uuid.UUID) *Error {
	return &Error{Kind: KindUnknownCharacteristic, Characteristic: characteristic}
}

func UnknownDataTransferPrefix(prefix byte) *Error {
	return &Error{Kind: KindUnknownDataTransferPrefix, Value: prefix}
}

func InvalidPSM(length int) *Error {
	return &Error{Kind: KindInvalidPSM, Length: length}
}

func IdentMismatch() *Error {
	return &Error{Kind: KindIdentMismatch, Detail: "reader ident"}
}

func HardwareUnusable(state string) *Error {
	return &Error{Kind: KindHardwareUnusable, Detail: state}
}

func ServiceUnavailable(detail string, err error) *Error {
	return &Error{Kind: KindServiceUnavailable, Detail: detail, Err: err}
}

func ConnectionFailed(err error) *Error {
	return &Error{Kind: KindConnectionFailed, Detail: "connect", Err: err}
}

func PeerDisconnected(err error) *Error {
	return &Error{Kind: KindPeerDisconnected, Detail: "link", Err: err}
}

func ConnectionEnded(err error) *Error {
	return &Error{Kind: KindConnectionEnded, Detail: "stream", Err: err}
}
