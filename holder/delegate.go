package holder

import (
	"strings"

	"github.com/user/mdoc-ble/swift"
	"github.com/user/mdoc-ble/transport"
	"github.com/user/mdoc-ble/wire/att"
)

// delegate receives CoreBluetooth callbacks on the central manager's queue
// and turns each into a machine event. It never touches machine state.
type delegate struct {
	m *Machine
}

func (d *delegate) post(ev event) {
	d.m.events.Put(ev)
}

// CBCentralManagerDelegate

func (d *delegate) DidUpdateState(central *swift.CBCentralManager) {
	d.post(hardwareEvent{state: central.State()})
}

func (d *delegate) DidDiscoverPeripheral(central *swift.CBCentralManager, peripheral *swift.CBPeripheral, advertisementData map[string]interface{}, rssi float64) {
	d.post(discoveredEvent{peripheral: peripheral})
}

func (d *delegate) DidConnectPeripheral(central *swift.CBCentralManager, peripheral *swift.CBPeripheral) {
	// No MTU callback exists; the maximum write length gives it away.
	mtu := peripheral.MaximumWriteValueLength(swift.CBCharacteristicWriteWithoutResponse) + att.HeaderSize
	d.post(connectedEvent{mtu: mtu})
}

func (d *delegate) DidFailToConnectPeripheral(central *swift.CBCentralManager, peripheral *swift.CBPeripheral, err error) {
	d.post(connectFailedEvent{err: err})
}

func (d *delegate) DidDisconnectPeripheral(central *swift.CBCentralManager, peripheral *swift.CBPeripheral, err error) {
	d.post(disconnectedEvent{err: err})
}

// CBPeripheralDelegate

func (d *delegate) DidDiscoverServices(peripheral *swift.CBPeripheral, err error) {
	var found *swift.CBService
	want := transport.UUIDString(d.m.cfg.ServiceUUID)
	for _, svc := range peripheral.Services {
		if strings.EqualFold(svc.UUID, want) {
			found = svc
			break
		}
	}
	d.post(servicesEvent{service: found, err: err})
}

func (d *delegate) DidDiscoverCharacteristics(peripheral *swift.CBPeripheral, service *swift.CBService, err error) {
	var chars []*swift.CBCharacteristic
	if service != nil {
		chars = append(chars, service.Characteristics...)
	}
	d.post(characteristicsEvent{characteristics: chars, err: err})
}

func (d *delegate) DidUpdateValueForCharacteristic(peripheral *swift.CBPeripheral, characteristic *swift.CBCharacteristic, err error) {
	// The next notification overwrites characteristic.Value.
	value := append([]byte(nil), characteristic.Value...)
	d.post(valueEvent{characteristic: characteristic, value: value, err: err})
}

func (d *delegate) DidWriteValueForCharacteristic(peripheral *swift.CBPeripheral, characteristic *swift.CBCharacteristic, err error) {
	if strings.EqualFold(characteristic.UUID, transport.UUIDString(transport.ReaderState)) {
		d.post(stateWrittenEvent{err: err})
	}
}

func (d *delegate) DidUpdateNotificationState(peripheral *swift.CBPeripheral, characteristic *swift.CBCharacteristic, err error) {
	d.post(subscribedEvent{characteristic: characteristic, err: err})
}

func (d *delegate) IsReadyToSendWriteWithoutResponse(peripheral *swift.CBPeripheral) {
	d.post(writeReadyEvent{})
}

func (d *delegate) DidOpenL2CAPChannel(peripheral *swift.CBPeripheral, channel *swift.CBL2CAPChannel, err error) {
	if channel == nil {
		d.post(channelOpenedEvent{err: err})
		return
	}
	d.post(channelOpenedEvent{channel: channel, err: err})
}
