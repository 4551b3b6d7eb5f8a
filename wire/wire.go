package wire

import (
	"sync"

	"github.com/user/mdoc-ble/logger"
	"github.com/user/mdoc-ble/wire/gatt"
)

// Wire is one device's radio. It carries ATT PDUs over per-link lanes,
// publishes the device's GATT database for discovery, and opens L2CAP
// connection oriented channels.
type Wire struct {
	air          *Air
	hardwareUUID string
	config       *SimulationConfig
	rssi         *rssiSource

	mu       sync.RWMutex
	links    map[string]*link // peer UUID -> link
	database *gatt.Database
	psms     map[uint16]bool // published L2CAP PSMs
	nextPSM  uint16
	closed   bool

	// Callbacks into the platform layer
	attHandler         func(peerUUID string, pdu []byte)
	connectCallback    func(peerUUID string, role ConnectionRole)
	disconnectCallback func(peerUUID string, err error)
	readyCallback      func(peerUUID string)
	l2capCallback      func(ch *L2CAPChannel)
	callbackMu         sync.RWMutex
}

func newWire(air *Air, hardwareUUID string, config *SimulationConfig) *Wire {
	return &Wire{
		air:          air,
		hardwareUUID: hardwareUUID,
		config:       config,
		rssi:         newRSSISource(config.Seed),
		links:        make(map[string]*link),
		psms:         make(map[uint16]bool),
	}
}

// HardwareUUID returns this device's identifier on the air
func (w *Wire) HardwareUUID() string {
	return w.hardwareUUID
}

// Config returns the simulation parameters of this device
func (w *Wire) Config() *SimulationConfig {
	return w.config
}

// RadioState returns the current adapter state
func (w *Wire) RadioState() RadioState {
	return w.config.radioState()
}

func (w *Wire) poweredOn() bool {
	return w.RadioState() == RadioPoweredOn
}

func (w *Wire) logPrefix() string {
	return shortUUID(w.hardwareUUID) + " Wire"
}

// SetATTHandler registers the receiver of incoming ATT PDUs
func (w *Wire) SetATTHandler(handler func(peerUUID string, pdu []byte)) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.attHandler = handler
}

// SetConnectCallback is called when a peer connects to us
func (w *Wire) SetConnectCallback(callback func(peerUUID string, role ConnectionRole)) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.connectCallback = callback
}

// SetDisconnectCallback is called when a link to a peer goes away, from
// either side
func (w *Wire) SetDisconnectCallback(callback func(peerUUID string, err error)) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.disconnectCallback = callback
}

// SetReadyCallback is called when a lane that refused a TrySendATT has room
// again
func (w *Wire) SetReadyCallback(callback func(peerUUID string)) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.readyCallback = callback
}

// SetL2CAPAcceptCallback is called when a peer opens one of our published
// channels
func (w *Wire) SetL2CAPAcceptCallback(callback func(ch *L2CAPChannel)) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.l2capCallback = callback
}

func (w *Wire) fireATT(peerUUID string, pdu []byte) {
	w.callbackMu.RLock()
	handler := w.attHandler
	w.callbackMu.RUnlock()
	if handler != nil {
		handler(peerUUID, pdu)
	}
}

func (w *Wire) fireConnect(peerUUID string, role ConnectionRole) {
	w.callbackMu.RLock()
	callback := w.connectCallback
	w.callbackMu.RUnlock()
	if callback != nil {
		callback(peerUUID, role)
	}
}

func (w *Wire) fireDisconnect(peerUUID string, err error) {
	w.callbackMu.RLock()
	callback := w.disconnectCallback
	w.callbackMu.RUnlock()
	if callback != nil {
		callback(peerUUID, err)
	}
}

func (w *Wire) fireReady(peerUUID string) {
	w.callbackMu.RLock()
	callback := w.readyCallback
	w.callbackMu.RUnlock()
	if callback != nil {
		callback(peerUUID)
	}
}

func (w *Wire) fireL2CAP(ch *L2CAPChannel) bool {
	w.callbackMu.RLock()
	callback := w.l2capCallback
	w.callbackMu.RUnlock()
	if callback == nil {
		return false
	}
	callback(ch)
	return true
}

// SetGATTDatabase publishes the database peers discover
func (w *Wire) SetGATTDatabase(db *gatt.Database) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.database = db
}

// Close drops every link, stops advertising and detaches from the air
func (w *Wire) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	links := make([]*link, 0, len(w.links))
	for _, l := range w.links {
		links = append(links, l)
	}
	w.psms = make(map[uint16]bool)
	w.mu.Unlock()

	for _, l := range links {
		l.close(ErrLinkClosed)
	}
	w.air.detach(w.hardwareUUID)
	logger.Trace(w.logPrefix(), "closed")
}
