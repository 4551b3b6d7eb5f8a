package swift

import (
	"errors"
	"fmt"
	"sync"

	"github.com/user/mdoc-ble/logger"
	"github.com/user/mdoc-ble/wire"
	"github.com/user/mdoc-ble/wire/att"
	"github.com/user/mdoc-ble/wire/gatt"
)

var (
	ErrNotConnected     = errors.New("swift: peripheral not connected")
	ErrNoCCCD           = errors.New("swift: characteristic has no client configuration descriptor")
	ErrValueTooLong     = errors.New("swift: value longer than maximum write length")
	ErrWriteBufferFull  = errors.New("swift: write without response buffer full")
	ErrUnknownAttribute = errors.New("swift: characteristic not discovered")
)

// CBService represents a remote BLE service
type CBService struct {
	UUID            string
	IsPrimary       bool
	Characteristics []*CBCharacteristic
	Peripheral      *CBPeripheral
}

// CBCharacteristic represents a remote BLE characteristic
type CBCharacteristic struct {
	UUID        string
	Properties  CBCharacteristicProperties
	Service     *CBService
	Value       []byte
	IsNotifying bool

	valueHandle uint16
	cccdHandle  uint16
}

type CBPeripheralDelegate interface {
	DidDiscoverServices(peripheral *CBPeripheral, err error)
	DidDiscoverCharacteristics(peripheral *CBPeripheral, service *CBService, err error)
	DidUpdateValueForCharacteristic(peripheral *CBPeripheral, characteristic *CBCharacteristic, err error)
	DidWriteValueForCharacteristic(peripheral *CBPeripheral, characteristic *CBCharacteristic, err error)
	DidUpdateNotificationState(peripheral *CBPeripheral, characteristic *CBCharacteristic, err error)
	IsReadyToSendWriteWithoutResponse(peripheral *CBPeripheral)
	DidOpenL2CAPChannel(peripheral *CBPeripheral, channel *CBL2CAPChannel, err error)
}

// attRequest is an outstanding ATT request. ATT allows one at a time per
// link, the rest wait in order.
type attRequest struct {
	pdu  []byte
	done func(response interface{}, err error)
}

// CBPeripheral is a remote peripheral as seen by a CBCentralManager
type CBPeripheral struct {
	Delegate CBPeripheralDelegate
	Name     string
	UUID     string
	Services []*CBService

	manager   *CBCentralManager
	mu        sync.RWMutex
	state     CBPeripheralState
	cancelled bool
	handles   map[uint16]*CBCharacteristic // value handle -> characteristic

	reqMu    sync.Mutex
	inFlight *attRequest
	waiting  []*attRequest
}

func (p *CBPeripheral) logPrefix() string {
	return p.manager.logPrefix()
}

func (p *CBPeripheral) wire() *wire.Wire {
	return p.manager.wire
}

func (p *CBPeripheral) delegate() CBPeripheralDelegate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Delegate
}

// SetDelegate sets the receiver of this peripheral's callbacks
func (p *CBPeripheral) SetDelegate(d CBPeripheralDelegate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Delegate = d
}

// State returns the connection state
func (p *CBPeripheral) State() CBPeripheralState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *CBPeripheral) setState(s CBPeripheralState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// MaximumWriteValueLength is the largest value one write can carry
func (p *CBPeripheral) MaximumWriteValueLength(writeType CBCharacteristicWriteType) int {
	return p.wire().MTU(p.UUID) - att.HeaderSize
}

// CanSendWriteWithoutResponse reports whether a write without response
// would be accepted now. When it returns false,
// IsReadyToSendWriteWithoutResponse follows once there is room.
func (p *CBPeripheral) CanSendWriteWithoutResponse() bool {
	return p.wire().CanSend(p.UUID)
}

// DiscoverServices discovers the peripheral's services and their
// characteristics. Nil or empty serviceUUIDs discovers everything.
func (p *CBPeripheral) DiscoverServices(serviceUUIDs []string) {
	go func() {
		table, err := p.wire().DiscoverGATT(p.UUID)
		p.manager.queue.async(func() {
			if err == nil {
				p.applyTable(table, serviceUUIDs)
				logger.Debug(p.logPrefix(), "📋 discovered %d services on %s", len(p.Services), shortUUID(p.UUID))
			}
			if d := p.delegate(); d != nil {
				d.DidDiscoverServices(p, err)
			}
		})
	}()
}

func (p *CBPeripheral) applyTable(table *gatt.Table, filter []string) {
	services := make([]*CBService, 0, len(table.Services))
	handles := make(map[uint16]*CBCharacteristic)
	for _, ts := range table.Services {
		id := uuidString(ts.UUID.String())
		if len(filter) > 0 && !matchesServiceFilter(filter, []string{id}) {
			continue
		}
		svc := &CBService{UUID: id, IsPrimary: true, Peripheral: p}
		for _, tc := range ts.Characteristics {
			ch := &CBCharacteristic{
				UUID:        uuidString(tc.UUID.String()),
				Properties:  CBCharacteristicProperties(tc.Properties),
				Service:     svc,
				valueHandle: tc.ValueHandle,
				cccdHandle:  tc.CCCDHandle,
			}
			svc.Characteristics = append(svc.Characteristics, ch)
			handles[tc.ValueHandle] = ch
		}
		services = append(services, svc)
	}

	p.mu.Lock()
	p.Services = services
	p.handles = handles
	p.mu.Unlock()
}

// DiscoverCharacteristics reports the characteristics of a discovered
// service. They are already known from DiscoverServices, so this only
// narrows by UUID and calls back.
func (p *CBPeripheral) DiscoverCharacteristics(characteristicUUIDs []string, service *CBService) {
	p.manager.queue.async(func() {
		var err error
		if service == nil || service.Peripheral != p {
			err = ErrUnknownAttribute
		} else if len(characteristicUUIDs) > 0 {
			kept := service.Characteristics[:0:0]
			for _, ch := range service.Characteristics {
				for _, want := range characteristicUUIDs {
					if uuidMatches(want, ch.UUID) {
						kept = append(kept, ch)
						break
					}
				}
			}
			service.Characteristics = kept
		}
		if d := p.delegate(); d != nil {
			d.DidDiscoverCharacteristics(p, service, err)
		}
	})
}

// GetCharacteristic finds a discovered characteristic
func (p *CBPeripheral) GetCharacteristic(serviceUUID, charUUID string) *CBCharacteristic {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, svc := range p.Services {
		if !uuidMatches(svc.UUID, serviceUUID) {
			continue
		}
		for _, ch := range svc.Characteristics {
			if uuidMatches(ch.UUID, charUUID) {
				return ch
			}
		}
	}
	return nil
}

// ReadValue reads a characteristic. The value arrives through
// DidUpdateValueForCharacteristic.
func (p *CBPeripheral) ReadValue(characteristic *CBCharacteristic) {
	pdu, _ := att.EncodePacket(&att.ReadRequest{Handle: characteristic.valueHandle})
	p.request(pdu, func(response interface{}, err error) {
		if err == nil {
			if rsp, ok := response.(*att.ReadResponse); ok {
				characteristic.Value = rsp.Value
			}
		}
		if d := p.delegate(); d != nil {
			d.DidUpdateValueForCharacteristic(p, characteristic, err)
		}
	})
}

// WriteValue writes a characteristic. Writes with response complete through
// DidWriteValueForCharacteristic. Writes without response fail with
// ErrWriteBufferFull when CanSendWriteWithoutResponse is false.
func (p *CBPeripheral) WriteValue(data []byte, characteristic *CBCharacteristic, writeType CBCharacteristicWriteType) error {
	if p.State() != CBPeripheralStateConnected {
		return ErrNotConnected
	}
	if len(data) > p.MaximumWriteValueLength(writeType) {
		return fmt.Errorf("%w: %d > %d", ErrValueTooLong, len(data), p.MaximumWriteValueLength(writeType))
	}

	if writeType == CBCharacteristicWriteWithoutResponse {
		pdu, _ := att.EncodePacket(&att.WriteCommand{Handle: characteristic.valueHandle, Value: data})
		ok, err := p.wire().TrySendATT(p.UUID, pdu)
		if err != nil {
			return err
		}
		if !ok {
			return ErrWriteBufferFull
		}
		logger.Trace(p.logPrefix(), "📤 write command %s (%d bytes)", shortUUID(characteristic.UUID), len(data))
		return nil
	}

	pdu, _ := att.EncodePacket(&att.WriteRequest{Handle: characteristic.valueHandle, Value: data})
	p.request(pdu, func(response interface{}, err error) {
		if d := p.delegate(); d != nil {
			d.DidWriteValueForCharacteristic(p, characteristic, err)
		}
	})
	return nil
}

// SetNotifyValue writes the characteristic's CCCD. The outcome arrives
// through DidUpdateNotificationState.
func (p *CBPeripheral) SetNotifyValue(enabled bool, characteristic *CBCharacteristic) error {
	if characteristic.cccdHandle == 0 {
		return ErrNoCCCD
	}
	value := CBCCCDDisableNotificationValue
	if enabled {
		value = CBCCCDEnableNotificationValue
		if !characteristic.Properties.Contains(CBCharacteristicPropertyNotify) {
			value = CBCCCDEnableIndicationValue
		}
	}

	pdu, _ := att.EncodePacket(&att.WriteRequest{Handle: characteristic.cccdHandle, Value: value})
	p.request(pdu, func(response interface{}, err error) {
		if err == nil {
			characteristic.IsNotifying = enabled
		}
		if d := p.delegate(); d != nil {
			d.DidUpdateNotificationState(p, characteristic, err)
		}
	})
	return nil
}

// OpenL2CAPChannel opens a connection oriented channel to a PSM the
// peripheral published. The outcome arrives through DidOpenL2CAPChannel.
func (p *CBPeripheral) OpenL2CAPChannel(psm uint16) {
	go func() {
		ch, err := p.wire().OpenL2CAPChannel(p.UUID, psm)
		p.manager.queue.async(func() {
			var channel *CBL2CAPChannel
			if err == nil {
				channel = newCBL2CAPChannel(ch)
				logger.Debug(p.logPrefix(), "🛰️ L2CAP channel open on PSM 0x%04X", psm)
			} else {
				logger.Warn(p.logPrefix(), "L2CAP open on PSM 0x%04X failed: %v", psm, err)
			}
			if d := p.delegate(); d != nil {
				d.DidOpenL2CAPChannel(p, channel, err)
			}
		})
	}()
}

func (p *CBPeripheral) request(pdu []byte, done func(interface{}, error)) {
	req := &attRequest{pdu: pdu, done: done}
	p.reqMu.Lock()
	if p.inFlight != nil {
		p.waiting = append(p.waiting, req)
		p.reqMu.Unlock()
		return
	}
	p.inFlight = req
	p.reqMu.Unlock()
	p.send(req)
}

func (p *CBPeripheral) send(req *attRequest) {
	if err := p.wire().SendATT(p.UUID, req.pdu); err != nil {
		p.manager.queue.async(func() { p.complete(nil, err) })
	}
}

// complete finishes the in-flight request and sends the next one
func (p *CBPeripheral) complete(response interface{}, err error) {
	p.reqMu.Lock()
	req := p.inFlight
	p.inFlight = nil
	var next *attRequest
	if len(p.waiting) > 0 {
		next = p.waiting[0]
		p.waiting = p.waiting[1:]
		p.inFlight = next
	}
	p.reqMu.Unlock()

	if req != nil {
		req.done(response, err)
	}
	if next != nil {
		p.send(next)
	}
}

func (p *CBPeripheral) failPending(err error) {
	p.reqMu.Lock()
	pending := p.waiting
	if p.inFlight != nil {
		pending = append([]*attRequest{p.inFlight}, pending...)
	}
	p.inFlight = nil
	p.waiting = nil
	p.reqMu.Unlock()

	for _, req := range pending {
		req.done(nil, err)
	}
}

func (p *CBPeripheral) characteristic(handle uint16) *CBCharacteristic {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handles[handle]
}

// handleATT runs on the manager queue
func (p *CBPeripheral) handleATT(pkt interface{}) {
	switch m := pkt.(type) {
	case *att.HandleValueNotification:
		p.deliverValue(m.Handle, m.Value)
	case *att.HandleValueIndication:
		p.deliverValue(m.Handle, m.Value)
	case *att.ReadResponse, *att.WriteResponse:
		p.complete(m, nil)
	case *att.ErrorResponse:
		p.complete(nil, att.NewError(m.ErrorCode, m.RequestOpcode, m.Handle))
	default:
		logger.Trace(p.logPrefix(), "ignoring %T from %s", pkt, shortUUID(p.UUID))
	}
}

func (p *CBPeripheral) deliverValue(handle uint16, value []byte) {
	ch := p.characteristic(handle)
	if ch == nil {
		logger.Warn(p.logPrefix(), "value for undiscovered handle 0x%04X", handle)
		return
	}
	ch.Value = value
	logger.Trace(p.logPrefix(), "📥 %s updated (%d bytes)", shortUUID(ch.UUID), len(value))
	if d := p.delegate(); d != nil {
		d.DidUpdateValueForCharacteristic(p, ch, nil)
	}
}
