package reader

import (
	"github.com/user/mdoc-ble/wire/att"
	"github.com/user/mdoc-ble/swift"
)

// delegate receives CoreBluetooth peripheral manager callbacks on the
// manager's queue and posts each as a machine event.
type delegate struct {
	m *Machine
}

func (d *delegate) post(ev event) {
	d.m.events.Put(ev)
}

// linkMTU reads the central's update length on the manager queue, the only
// place it is written.
func linkMTU(central *swift.CBCentral) int {
	if central == nil || central.MaximumUpdateValueLength <= 0 {
		return 0
	}
	return central.MaximumUpdateValueLength + att.HeaderSize
}

func (d *delegate) DidUpdatePeripheralState(pm *swift.CBPeripheralManager) {
	d.post(hardwareEvent{state: pm.State()})
}

func (d *delegate) DidAddService(pm *swift.CBPeripheralManager, service *swift.CBMutableService, err error) {
	d.post(serviceAddedEvent{err: err})
}

func (d *delegate) DidStartAdvertising(pm *swift.CBPeripheralManager, err error) {
	d.post(advertisingEvent{err: err})
}

func (d *delegate) DidReceiveReadRequest(pm *swift.CBPeripheralManager, request *swift.CBATTRequest) {
	d.post(readEvent{request: request, mtu: linkMTU(request.Central)})
}

func (d *delegate) DidReceiveWriteRequests(pm *swift.CBPeripheralManager, requests []*swift.CBATTRequest) {
	for _, req := range requests {
		d.post(writeEvent{request: req, value: append([]byte(nil), req.Value...), mtu: linkMTU(req.Central)})
	}
}

func (d *delegate) CentralDidSubscribe(pm *swift.CBPeripheralManager, central *swift.CBCentral, characteristic *swift.CBMutableCharacteristic) {
	d.post(subscribeEvent{characteristic: characteristic, mtu: linkMTU(central)})
}

func (d *delegate) CentralDidUnsubscribe(pm *swift.CBPeripheralManager, central *swift.CBCentral, characteristic *swift.CBMutableCharacteristic) {
	d.post(unsubscribeEvent{characteristic: characteristic})
}

func (d *delegate) IsReadyToUpdateSubscribers(pm *swift.CBPeripheralManager) {
	d.post(updateReadyEvent{})
}

func (d *delegate) DidPublishL2CAPChannel(pm *swift.CBPeripheralManager, psm uint16, err error) {
	d.post(publishedEvent{psm: psm, err: err})
}

func (d *delegate) DidUnpublishL2CAPChannel(pm *swift.CBPeripheralManager, psm uint16, err error) {
	if err != nil {
		d.m.log.Debugf("unpublish PSM 0x%04X: %v", psm, err)
	}
}

func (d *delegate) DidOpenL2CAPChannel(pm *swift.CBPeripheralManager, channel *swift.CBL2CAPChannel, err error) {
	if channel == nil {
		d.post(channelOpenedEvent{err: err})
		return
	}
	d.post(channelOpenedEvent{channel: channel, err: err})
}
