package swift

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/user/mdoc-ble/transport"
	"github.com/user/mdoc-ble/wire"
	"github.com/user/mdoc-ble/wire/att"
	"github.com/user/mdoc-ble/wire/gatt"
)

// CBManagerState represents the current state of a CBCentralManager or CBPeripheralManager
// Matches iOS CoreBluetooth CBManagerState enum
type CBManagerState int

const (
	CBManagerStateUnknown      CBManagerState = 0 // State is unknown, cannot use Bluetooth yet
	CBManagerStateResetting    CBManagerState = 1 // Connection to the system service was momentarily lost, update imminent
	CBManagerStateUnsupported  CBManagerState = 2 // Platform doesn't support Bluetooth Low Energy
	CBManagerStateUnauthorized CBManagerState = 3 // App is not authorized to use Bluetooth Low Energy
	CBManagerStatePoweredOff   CBManagerState = 4 // Bluetooth is currently powered off
	CBManagerStatePoweredOn    CBManagerState = 5 // Bluetooth is currently powered on and available to use
)

// String returns the string representation of the CBManagerState
func (s CBManagerState) String() string {
	switch s {
	case CBManagerStateUnknown:
		return "unknown"
	case CBManagerStateResetting:
		return "resetting"
	case CBManagerStateUnsupported:
		return "unsupported"
	case CBManagerStateUnauthorized:
		return "unauthorized"
	case CBManagerStatePoweredOff:
		return "poweredOff"
	case CBManagerStatePoweredOn:
		return "poweredOn"
	default:
		return "unknown"
	}
}

func managerState(s wire.RadioState) CBManagerState {
	switch s {
	case wire.RadioResetting:
		return CBManagerStateResetting
	case wire.RadioUnsupported:
		return CBManagerStateUnsupported
	case wire.RadioUnauthorized:
		return CBManagerStateUnauthorized
	case wire.RadioPoweredOff:
		return CBManagerStatePoweredOff
	case wire.RadioPoweredOn:
		return CBManagerStatePoweredOn
	default:
		return CBManagerStateUnknown
	}
}

// CBPeripheralState represents the connection state of a CBPeripheral
// Matches iOS CoreBluetooth CBPeripheralState enum
type CBPeripheralState int

const (
	CBPeripheralStateDisconnected  CBPeripheralState = 0 // Not connected to the central
	CBPeripheralStateConnecting    CBPeripheralState = 1 // Connection is being established
	CBPeripheralStateConnected     CBPeripheralState = 2 // Connected to the central
	CBPeripheralStateDisconnecting CBPeripheralState = 3 // Disconnection is in progress
)

// String returns the string representation of the CBPeripheralState
func (s CBPeripheralState) String() string {
	switch s {
	case CBPeripheralStateDisconnected:
		return "disconnected"
	case CBPeripheralStateConnecting:
		return "connecting"
	case CBPeripheralStateConnected:
		return "connected"
	case CBPeripheralStateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// CBATTError represents ATT protocol errors
type CBATTError int

const (
	CBATTErrorSuccess                     CBATTError = 0x00
	CBATTErrorInvalidHandle               CBATTError = 0x01
	CBATTErrorReadNotPermitted            CBATTError = 0x02
	CBATTErrorWriteNotPermitted           CBATTError = 0x03
	CBATTErrorInvalidPDU                  CBATTError = 0x04
	CBATTErrorRequestNotSupported         CBATTError = 0x06
	CBATTErrorInvalidOffset               CBATTError = 0x07
	CBATTErrorAttributeNotFound           CBATTError = 0x0A
	CBATTErrorInvalidAttributeValueLength CBATTError = 0x0D
	CBATTErrorUnlikelyError               CBATTError = 0x0E
	CBATTErrorInsufficientResources       CBATTError = 0x11
)

func (e CBATTError) Error() string {
	if name, ok := att.ErrorNames[uint8(e)]; ok {
		return "ATT error: " + name
	}
	return fmt.Sprintf("ATT error 0x%02X", int(e))
}

// CBCharacteristicWriteType matches iOS CoreBluetooth write types
type CBCharacteristicWriteType int

const (
	CBCharacteristicWriteWithResponse    CBCharacteristicWriteType = 0 // Wait for ACK
	CBCharacteristicWriteWithoutResponse CBCharacteristicWriteType = 1 // Fire and forget
)

// CBCharacteristicProperties represents characteristic properties bitmask
type CBCharacteristicProperties int

const (
	CBCharacteristicPropertyBroadcast            CBCharacteristicProperties = 1 << 0
	CBCharacteristicPropertyRead                 CBCharacteristicProperties = 1 << 1
	CBCharacteristicPropertyWriteWithoutResponse CBCharacteristicProperties = 1 << 2
	CBCharacteristicPropertyWrite                CBCharacteristicProperties = 1 << 3
	CBCharacteristicPropertyNotify               CBCharacteristicProperties = 1 << 4
	CBCharacteristicPropertyIndicate             CBCharacteristicProperties = 1 << 5
)

// Transport returns the same bits in the transport vocabulary's type
func (p CBCharacteristicProperties) Transport() transport.Property {
	return transport.Property(p & 0x3F)
}

// Contains reports whether every bit of other is set
func (p CBCharacteristicProperties) Contains(other CBCharacteristicProperties) bool {
	return p&other == other
}

// CBAttributePermissions represents characteristic permissions bitmask
type CBAttributePermissions int

const (
	CBAttributePermissionsReadable  CBAttributePermissions = 1 << 0
	CBAttributePermissionsWriteable CBAttributePermissions = 1 << 1
)

// Advertisement data keys
const (
	CBAdvertisementDataLocalNameKey     = "kCBAdvDataLocalName"
	CBAdvertisementDataServiceUUIDsKey  = "kCBAdvDataServiceUUIDs"
	CBAdvertisementDataTxPowerLevelKey  = "kCBAdvDataTxPowerLevel"
	CBAdvertisementDataIsConnectableKey = "kCBAdvDataIsConnectable"
)

// CCCD enable/disable values
var (
	CBCCCDEnableNotificationValue  = gatt.EncodeCCCDValue(true, false)
	CBCCCDEnableIndicationValue    = gatt.EncodeCCCDValue(false, true)
	CBCCCDDisableNotificationValue = gatt.EncodeCCCDValue(false, false)
)

func uuidMatches(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// shortUUID safely truncates a UUID for logging (max 8 chars)
func shortUUID(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

// afterPowerOn runs report once the radio's power-on delay has passed
func afterPowerOn(w *wire.Wire, report func()) {
	if d := w.Config().PowerOnDelay; d > 0 {
		time.AfterFunc(d, report)
		return
	}
	report()
}

// dispatchQueue runs closures one at a time, in order, on its own goroutine.
// Every delegate callback of a manager goes through its queue.
type dispatchQueue struct {
	jobs     *transport.Mailbox[func()]
	done     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
}

func newDispatchQueue() *dispatchQueue {
	q := &dispatchQueue{
		jobs: transport.NewMailbox[func()](),
		done: make(chan struct{}),
		quit: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *dispatchQueue) async(job func()) {
	q.jobs.Put(job)
}

func (q *dispatchQueue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.quit:
			return
		case <-q.jobs.Signal():
			for _, job := range q.jobs.Drain() {
				job()
			}
		}
	}
}

// close stops the queue. Jobs already queued are dropped.
func (q *dispatchQueue) close() {
	q.jobs.Close()
	q.quitOnce.Do(func() { close(q.quit) })
}
