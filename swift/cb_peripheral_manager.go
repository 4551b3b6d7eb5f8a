package swift

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/user/mdoc-ble/logger"
	"github.com/user/mdoc-ble/wire"
	"github.com/user/mdoc-ble/wire/att"
	"github.com/user/mdoc-ble/wire/gatt"
)

// CBPeripheralManagerDelegate matches iOS CoreBluetooth peripheral manager delegate
type CBPeripheralManagerDelegate interface {
	DidUpdatePeripheralState(peripheralManager *CBPeripheralManager)
	DidAddService(peripheralManager *CBPeripheralManager, service *CBMutableService, err error)
	DidStartAdvertising(peripheralManager *CBPeripheralManager, err error)
	DidReceiveReadRequest(peripheralManager *CBPeripheralManager, request *CBATTRequest)
	DidReceiveWriteRequests(peripheralManager *CBPeripheralManager, requests []*CBATTRequest)
	CentralDidSubscribe(peripheralManager *CBPeripheralManager, central *CBCentral, characteristic *CBMutableCharacteristic)
	CentralDidUnsubscribe(peripheralManager *CBPeripheralManager, central *CBCentral, characteristic *CBMutableCharacteristic)
	IsReadyToUpdateSubscribers(peripheralManager *CBPeripheralManager)
	DidPublishL2CAPChannel(peripheralManager *CBPeripheralManager, psm uint16, err error)
	DidUnpublishL2CAPChannel(peripheralManager *CBPeripheralManager, psm uint16, err error)
	DidOpenL2CAPChannel(peripheralManager *CBPeripheralManager, channel *CBL2CAPChannel, err error)
}

// CBCentral represents a remote central connected to us
type CBCentral struct {
	UUID                     string
	MaximumUpdateValueLength int
}

// CBATTRequest represents a read/write request from a central device
// Matches iOS CoreBluetooth CBATTRequest
type CBATTRequest struct {
	Central        *CBCentral
	Characteristic *CBMutableCharacteristic
	Offset         int
	Value          []byte // write requests: the data written; read requests: set by the app before RespondToRequest

	opcode uint8
	handle uint16
}

// CBMutableCharacteristic is the peripheral-side representation of a characteristic
type CBMutableCharacteristic struct {
	UUID        string
	Properties  CBCharacteristicProperties
	Value       []byte // cached value served without asking the delegate; nil for dynamic
	Permissions CBAttributePermissions
	Service     *CBMutableService

	valueHandle uint16
}

// CBMutableService is the peripheral-side representation of a service
type CBMutableService struct {
	UUID            string
	IsPrimary       bool
	Characteristics []*CBMutableCharacteristic
}

// CBPeripheralManager manages the local device as a BLE peripheral
// Matches iOS CoreBluetooth CBPeripheralManager API
type CBPeripheralManager struct {
	Delegate CBPeripheralManagerDelegate

	wire  *wire.Wire
	queue *dispatchQueue
	db    *gatt.Database

	mu            sync.RWMutex
	services      []*CBMutableService
	values        map[uint16]*CBMutableCharacteristic // value handle -> characteristic
	cccds         map[uint16]*CBMutableCharacteristic // CCCD handle -> characteristic
	centrals      map[string]*CBCentral
	subscriptions map[string]*gatt.CCCDManager // central UUID -> CCCD state
}

// NewCBPeripheralManager creates a new peripheral manager on a radio
// Matches: CBPeripheralManager(delegate:queue:options:)
func NewCBPeripheralManager(delegate CBPeripheralManagerDelegate, w *wire.Wire) *CBPeripheralManager {
	pm := &CBPeripheralManager{
		Delegate:      delegate,
		wire:          w,
		queue:         newDispatchQueue(),
		db:            gatt.NewDatabase(),
		values:        make(map[uint16]*CBMutableCharacteristic),
		cccds:         make(map[uint16]*CBMutableCharacteristic),
		centrals:      make(map[string]*CBCentral),
		subscriptions: make(map[string]*gatt.CCCDManager),
	}

	w.SetGATTDatabase(pm.db)
	w.SetATTHandler(pm.handleATT)
	w.SetConnectCallback(func(peerUUID string, role wire.ConnectionRole) {
		pm.queue.async(func() { pm.central(peerUUID) })
	})
	w.SetDisconnectCallback(pm.handleDisconnect)
	w.SetReadyCallback(func(peerUUID string) {
		pm.queue.async(func() {
			if pm.Delegate != nil {
				pm.Delegate.IsReadyToUpdateSubscribers(pm)
			}
		})
	})
	w.SetL2CAPAcceptCallback(func(ch *wire.L2CAPChannel) {
		pm.queue.async(func() {
			logger.Debug(pm.logPrefix(), "🛰️ central %s opened PSM 0x%04X", shortUUID(ch.PeerUUID), ch.PSM)
			if pm.Delegate != nil {
				pm.Delegate.DidOpenL2CAPChannel(pm, newCBL2CAPChannel(ch), nil)
			}
		})
	})

	afterPowerOn(w, func() {
		pm.queue.async(func() {
			if pm.Delegate != nil {
				pm.Delegate.DidUpdatePeripheralState(pm)
			}
		})
	})
	return pm
}

func (pm *CBPeripheralManager) logPrefix() string {
	return fmt.Sprintf("%s iOS", shortUUID(pm.wire.HardwareUUID()))
}

// State returns the adapter state as CoreBluetooth reports it
func (pm *CBPeripheralManager) State() CBManagerState {
	return managerState(pm.wire.RadioState())
}

// central returns the record for a connected central, creating it on first
// contact. The update length follows the link MTU.
func (pm *CBPeripheralManager) central(peerUUID string) *CBCentral {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	c, ok := pm.centrals[peerUUID]
	if !ok {
		c = &CBCentral{UUID: peerUUID}
		pm.centrals[peerUUID] = c
		pm.subscriptions[peerUUID] = gatt.NewCCCDManager()
	}
	c.MaximumUpdateValueLength = pm.wire.MTU(peerUUID) - att.HeaderSize
	return c
}

// AddService publishes a service in the GATT database
// Matches: peripheralManager.add(_:)
func (pm *CBPeripheralManager) AddService(service *CBMutableService) error {
	svcUUID, err := uuid.Parse(service.UUID)
	if err != nil {
		return fmt.Errorf("swift: service UUID %q: %w", service.UUID, err)
	}
	spec := gatt.Service{UUID: svcUUID}
	for _, ch := range service.Characteristics {
		id, err := uuid.Parse(ch.UUID)
		if err != nil {
			return fmt.Errorf("swift: characteristic UUID %q: %w", ch.UUID, err)
		}
		spec.Characteristics = append(spec.Characteristics, gatt.Characteristic{
			UUID:       id,
			Properties: uint8(ch.Properties),
			Value:      ch.Value,
		})
	}

	table, err := pm.db.AddService(spec)
	if err == nil {
		pm.mu.Lock()
		for i, tc := range table.Characteristics {
			ch := service.Characteristics[i]
			ch.Service = service
			ch.valueHandle = tc.ValueHandle
			pm.values[tc.ValueHandle] = ch
			if tc.CCCDHandle != 0 {
				pm.cccds[tc.CCCDHandle] = ch
			}
		}
		pm.services = append(pm.services, service)
		pm.mu.Unlock()
		logger.Debug(pm.logPrefix(), "➕ added service %s (%d characteristics)", shortUUID(service.UUID), len(service.Characteristics))
	}

	pm.queue.async(func() {
		if pm.Delegate != nil {
			pm.Delegate.DidAddService(pm, service, err)
		}
	})
	return err
}

// RemoveService removes a published service
// Matches: peripheralManager.remove(_:)
func (pm *CBPeripheralManager) RemoveService(service *CBMutableService) error {
	id, err := uuid.Parse(service.UUID)
	if err != nil {
		return fmt.Errorf("swift: service UUID %q: %w", service.UUID, err)
	}
	if !pm.db.RemoveService(id) {
		return fmt.Errorf("swift: service %s not published", service.UUID)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	for h, ch := range pm.values {
		if ch.Service == service {
			delete(pm.values, h)
		}
	}
	for h, ch := range pm.cccds {
		if ch.Service == service {
			delete(pm.cccds, h)
		}
	}
	for i, s := range pm.services {
		if s == service {
			pm.services = append(pm.services[:i], pm.services[i+1:]...)
			break
		}
	}
	logger.Debug(pm.logPrefix(), "➖ removed service %s", shortUUID(service.UUID))
	return nil
}

// RemoveAllServices clears the GATT database
func (pm *CBPeripheralManager) RemoveAllServices() {
	pm.db.Clear()
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.services = nil
	pm.values = make(map[uint16]*CBMutableCharacteristic)
	pm.cccds = make(map[uint16]*CBMutableCharacteristic)
}

// StartAdvertising advertises the local name and service UUIDs
// Matches: peripheralManager.startAdvertising(_:)
func (pm *CBPeripheralManager) StartAdvertising(advertisementData map[string]interface{}) {
	data := &wire.AdvertisingData{IsConnectable: true}
	if name, ok := advertisementData[CBAdvertisementDataLocalNameKey].(string); ok {
		data.DeviceName = name
	}
	if ids, ok := advertisementData[CBAdvertisementDataServiceUUIDsKey].([]string); ok {
		data.ServiceUUIDs = ids
	}

	err := pm.wire.StartAdvertising(data)
	if err == nil {
		logger.Info(pm.logPrefix(), "📡 advertising %v", data.ServiceUUIDs)
	}
	pm.queue.async(func() {
		if pm.Delegate != nil {
			pm.Delegate.DidStartAdvertising(pm, err)
		}
	})
}

// StopAdvertising stops advertising
func (pm *CBPeripheralManager) StopAdvertising() {
	pm.wire.StopAdvertising()
	logger.Debug(pm.logPrefix(), "📡 stopped advertising")
}

// IsAdvertising reports whether we are on the air
func (pm *CBPeripheralManager) IsAdvertising() bool {
	return pm.wire.IsAdvertising()
}

// UpdateValue notifies subscribed centrals. It returns false when the
// transmit queue is full; IsReadyToUpdateSubscribers follows once there is
// room and the value must be sent again.
// Matches: peripheralManager.updateValue(_:for:onSubscribedCentrals:)
func (pm *CBPeripheralManager) UpdateValue(value []byte, characteristic *CBMutableCharacteristic, centrals []*CBCentral) bool {
	if characteristic == nil {
		return false
	}

	pm.mu.RLock()
	targets := centrals
	if len(targets) == 0 {
		for _, c := range pm.centrals {
			targets = append(targets, c)
		}
	}
	type target struct {
		central  *CBCentral
		indicate bool
	}
	var subscribed []target
	for _, c := range targets {
		subs := pm.subscriptions[c.UUID]
		if subs != nil && subs.IsSubscribed(characteristic.valueHandle) {
			subscribed = append(subscribed, target{c, subs.IsIndicateEnabled(characteristic.valueHandle)})
		}
	}
	pm.mu.RUnlock()

	for _, t := range subscribed {
		v := value
		if limit := pm.wire.MTU(t.central.UUID) - att.HeaderSize; len(v) > limit {
			logger.Warn(pm.logPrefix(), "truncating %d byte update to %d", len(v), limit)
			v = v[:limit]
		}
		var pdu []byte
		if t.indicate {
			pdu, _ = att.EncodePacket(&att.HandleValueIndication{Handle: characteristic.valueHandle, Value: v})
		} else {
			pdu, _ = att.EncodePacket(&att.HandleValueNotification{Handle: characteristic.valueHandle, Value: v})
		}
		ok, err := pm.wire.TrySendATT(t.central.UUID, pdu)
		if err != nil {
			logger.Trace(pm.logPrefix(), "⚠️ update to %s failed: %v", shortUUID(t.central.UUID), err)
			continue
		}
		if !ok {
			return false
		}
		logger.Trace(pm.logPrefix(), "📤 update %s to %s (%d bytes)", shortUUID(characteristic.UUID), shortUUID(t.central.UUID), len(v))
	}
	return true
}

// RespondToRequest answers a read or write request. Write commands need no
// answer and are ignored here.
// Matches: peripheralManager.respond(to:withResult:)
func (pm *CBPeripheralManager) RespondToRequest(request *CBATTRequest, result CBATTError) {
	if request == nil || request.opcode == att.OpWriteCommand {
		return
	}

	var pdu []byte
	switch {
	case result != CBATTErrorSuccess:
		pdu, _ = att.EncodePacket(&att.ErrorResponse{RequestOpcode: request.opcode, Handle: request.handle, ErrorCode: uint8(result)})
	case request.opcode == att.OpReadRequest:
		value := request.Value
		if value == nil && request.Characteristic != nil {
			value = request.Characteristic.Value
		}
		if limit := pm.wire.MTU(request.Central.UUID) - 1; len(value) > limit {
			value = value[:limit]
		}
		pdu, _ = att.EncodePacket(&att.ReadResponse{Value: value})
	default:
		pdu, _ = att.EncodePacket(&att.WriteResponse{})
	}

	if err := pm.wire.SendATT(request.Central.UUID, pdu); err != nil {
		logger.Trace(pm.logPrefix(), "⚠️ response to %s failed: %v", shortUUID(request.Central.UUID), err)
	}
}

// PublishL2CAPChannel allocates a PSM centrals can open. The PSM arrives
// through DidPublishL2CAPChannel.
func (pm *CBPeripheralManager) PublishL2CAPChannel(withEncryption bool) {
	psm, err := pm.wire.PublishL2CAPChannel()
	pm.queue.async(func() {
		if pm.Delegate != nil {
			pm.Delegate.DidPublishL2CAPChannel(pm, psm, err)
		}
	})
}

// UnpublishL2CAPChannel stops accepting opens on psm
func (pm *CBPeripheralManager) UnpublishL2CAPChannel(psm uint16) {
	err := pm.wire.UnpublishL2CAPChannel(psm)
	pm.queue.async(func() {
		if pm.Delegate != nil {
			pm.Delegate.DidUnpublishL2CAPChannel(pm, psm, err)
		}
	})
}

// Disconnect drops every connected central
func (pm *CBPeripheralManager) Disconnect() {
	for _, peer := range pm.wire.GetConnectedPeers() {
		pm.wire.Disconnect(peer)
	}
}

// Close stops advertising, drops every central and stops delivering callbacks
func (pm *CBPeripheralManager) Close() {
	pm.StopAdvertising()
	pm.Disconnect()
	pm.queue.close()
}

func (pm *CBPeripheralManager) handleATT(peerUUID string, pdu []byte) {
	pkt, err := att.DecodePacket(pdu)
	if err != nil {
		logger.Warn(pm.logPrefix(), "bad ATT PDU from %s: %v", shortUUID(peerUUID), err)
		return
	}
	pm.queue.async(func() { pm.process(peerUUID, pkt) })
}

func (pm *CBPeripheralManager) lookup(handle uint16) (value, cccd *CBMutableCharacteristic) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.values[handle], pm.cccds[handle]
}

func (pm *CBPeripheralManager) sendError(peerUUID string, opcode uint8, handle uint16, code CBATTError) {
	pdu, _ := att.EncodePacket(&att.ErrorResponse{RequestOpcode: opcode, Handle: handle, ErrorCode: uint8(code)})
	pm.wire.SendATT(peerUUID, pdu)
}

// process runs on the manager queue
func (pm *CBPeripheralManager) process(peerUUID string, pkt interface{}) {
	central := pm.central(peerUUID)

	switch m := pkt.(type) {
	case *att.ReadRequest:
		ch, cccdOf := pm.lookup(m.Handle)
		switch {
		case cccdOf != nil:
			subs := pm.subscriptionsOf(peerUUID)
			value := gatt.EncodeCCCDValue(subs.IsSubscribed(cccdOf.valueHandle) && !subs.IsIndicateEnabled(cccdOf.valueHandle), subs.IsIndicateEnabled(cccdOf.valueHandle))
			pdu, _ := att.EncodePacket(&att.ReadResponse{Value: value})
			pm.wire.SendATT(peerUUID, pdu)
		case ch == nil:
			pm.sendError(peerUUID, att.OpReadRequest, m.Handle, CBATTErrorInvalidHandle)
		case !ch.Properties.Contains(CBCharacteristicPropertyRead):
			pm.sendError(peerUUID, att.OpReadRequest, m.Handle, CBATTErrorReadNotPermitted)
		case ch.Value != nil:
			pm.RespondToRequest(&CBATTRequest{Central: central, Characteristic: ch, opcode: att.OpReadRequest, handle: m.Handle}, CBATTErrorSuccess)
		default:
			req := &CBATTRequest{Central: central, Characteristic: ch, opcode: att.OpReadRequest, handle: m.Handle}
			if pm.Delegate != nil {
				pm.Delegate.DidReceiveReadRequest(pm, req)
			}
		}

	case *att.WriteRequest:
		ch, cccdOf := pm.lookup(m.Handle)
		switch {
		case cccdOf != nil:
			pm.writeCCCD(central, cccdOf, m.Handle, m.Value)
		case ch == nil:
			pm.sendError(peerUUID, att.OpWriteRequest, m.Handle, CBATTErrorInvalidHandle)
		case !ch.Properties.Contains(CBCharacteristicPropertyWrite):
			pm.sendError(peerUUID, att.OpWriteRequest, m.Handle, CBATTErrorWriteNotPermitted)
		default:
			req := &CBATTRequest{Central: central, Characteristic: ch, Value: m.Value, opcode: att.OpWriteRequest, handle: m.Handle}
			if pm.Delegate != nil {
				pm.Delegate.DidReceiveWriteRequests(pm, []*CBATTRequest{req})
			}
		}

	case *att.WriteCommand:
		ch, _ := pm.lookup(m.Handle)
		if ch == nil || !ch.Properties.Contains(CBCharacteristicPropertyWriteWithoutResponse) {
			logger.Warn(pm.logPrefix(), "dropping write command to handle 0x%04X", m.Handle)
			return
		}
		req := &CBATTRequest{Central: central, Characteristic: ch, Value: m.Value, opcode: att.OpWriteCommand, handle: m.Handle}
		if pm.Delegate != nil {
			pm.Delegate.DidReceiveWriteRequests(pm, []*CBATTRequest{req})
		}

	case *att.HandleValueConfirmation:

	default:
		logger.Trace(pm.logPrefix(), "ignoring %T from %s", pkt, shortUUID(peerUUID))
	}
}

func (pm *CBPeripheralManager) subscriptionsOf(peerUUID string) *gatt.CCCDManager {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.subscriptions[peerUUID]
}

func (pm *CBPeripheralManager) writeCCCD(central *CBCentral, ch *CBMutableCharacteristic, handle uint16, value []byte) {
	was, now, err := pm.subscriptionsOf(central.UUID).SetSubscription(ch.valueHandle, value)
	if err != nil {
		pm.sendError(central.UUID, att.OpWriteRequest, handle, CBATTErrorInvalidAttributeValueLength)
		return
	}
	pdu, _ := att.EncodePacket(&att.WriteResponse{})
	pm.wire.SendATT(central.UUID, pdu)

	wasOn := was.NotifyEnabled || was.IndicateEnabled
	nowOn := now.NotifyEnabled || now.IndicateEnabled
	if pm.Delegate == nil || wasOn == nowOn {
		return
	}
	if nowOn {
		logger.Debug(pm.logPrefix(), "🔔 %s subscribed to %s", shortUUID(central.UUID), shortUUID(ch.UUID))
		pm.Delegate.CentralDidSubscribe(pm, central, ch)
	} else {
		logger.Debug(pm.logPrefix(), "🔕 %s unsubscribed from %s", shortUUID(central.UUID), shortUUID(ch.UUID))
		pm.Delegate.CentralDidUnsubscribe(pm, central, ch)
	}
}

// handleDisconnect clears the central's subscriptions, reporting each as an
// unsubscribe the way CoreBluetooth does
func (pm *CBPeripheralManager) handleDisconnect(peerUUID string, reason error) {
	pm.queue.async(func() {
		pm.mu.Lock()
		central := pm.centrals[peerUUID]
		subs := pm.subscriptions[peerUUID]
		delete(pm.centrals, peerUUID)
		delete(pm.subscriptions, peerUUID)
		pm.mu.Unlock()
		if central == nil || subs == nil {
			return
		}

		logger.Info(pm.logPrefix(), "🔌 central %s disconnected", shortUUID(peerUUID))
		for _, s := range subs.Clear() {
			ch, _ := pm.lookup(s.Handle)
			if ch != nil && pm.Delegate != nil {
				pm.Delegate.CentralDidUnsubscribe(pm, central, ch)
			}
		}
	})
}
