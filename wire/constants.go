package wire

import (
	"time"

	"github.com/pkg/errors"
)

// ConnectionRole represents the role in a specific connection
type ConnectionRole string

const (
	RoleCentral    ConnectionRole = "central"    // We initiated connection
	RolePeripheral ConnectionRole = "peripheral" // They initiated connection
)

// MTU limits
const (
	DefaultMTU = 23  // BLE 4.0 default: 20 bytes data + 3 byte header
	MaxMTU     = 517 // largest ATT MTU a stack will negotiate
)

// disconnectFlushTimeout bounds how long a local disconnect waits for
// already queued PDUs
const disconnectFlushTimeout = 200 * time.Millisecond

var (
	ErrPoweredOff       = errors.New("wire: radio is not powered on")
	ErrDeviceNotFound   = errors.New("wire: device not found")
	ErrNotAdvertising   = errors.New("wire: device is not advertising")
	ErrNotConnected     = errors.New("wire: not connected")
	ErrLinkClosed       = errors.New("wire: link closed")
	ErrMTUExceeded      = errors.New("wire: PDU exceeds MTU")
	ErrL2CAPUnavailable = errors.New("wire: L2CAP channel unavailable")
	ErrNoFreePSM        = errors.New("wire: no free PSM")
)
