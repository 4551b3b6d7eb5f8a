package swift

import (
	"errors"
	"fmt"
	"sync"

	"github.com/user/mdoc-ble/logger"
	"github.com/user/mdoc-ble/wire"
	"github.com/user/mdoc-ble/wire/att"
)

// ErrPeripheralDisconnected is reported when the remote side drops a link we
// did not cancel
var ErrPeripheralDisconnected = errors.New("swift: the specified device has disconnected from us")

type CBCentralManagerDelegate interface {
	DidUpdateState(central *CBCentralManager)
	DidDiscoverPeripheral(central *CBCentralManager, peripheral *CBPeripheral, advertisementData map[string]interface{}, rssi float64)
	DidConnectPeripheral(central *CBCentralManager, peripheral *CBPeripheral)
	DidFailToConnectPeripheral(central *CBCentralManager, peripheral *CBPeripheral, err error)
	DidDisconnectPeripheral(central *CBCentralManager, peripheral *CBPeripheral, err error)
}

// CBCentralManager scans for, connects to and talks GATT with peripherals.
// Every delegate callback, its own and its peripherals', runs on one serial
// queue.
type CBCentralManager struct {
	Delegate CBCentralManagerDelegate

	wire      *wire.Wire
	queue     *dispatchQueue
	lifecycle *CBConnectionLifecycleLogger

	mu          sync.RWMutex
	peripherals map[string]*CBPeripheral
	stopScan    chan struct{}
	scanFilter  []string
}

func NewCBCentralManager(delegate CBCentralManagerDelegate, w *wire.Wire) *CBCentralManager {
	cm := &CBCentralManager{
		Delegate:    delegate,
		wire:        w,
		queue:       newDispatchQueue(),
		lifecycle:   &CBConnectionLifecycleLogger{},
		peripherals: make(map[string]*CBPeripheral),
	}

	w.SetATTHandler(cm.handleATT)
	w.SetReadyCallback(cm.handleReady)
	w.SetDisconnectCallback(cm.handleDisconnect)

	afterPowerOn(w, func() {
		cm.queue.async(func() {
			if cm.Delegate != nil {
				cm.Delegate.DidUpdateState(cm)
			}
		})
	})
	return cm
}

func (c *CBCentralManager) logPrefix() string {
	return fmt.Sprintf("%s iOS", shortUUID(c.wire.HardwareUUID()))
}

// State returns the adapter state as CoreBluetooth reports it
func (c *CBCentralManager) State() CBManagerState {
	return managerState(c.wire.RadioState())
}

// SetLifecycleLogger records connection attempts and drops
func (c *CBCentralManager) SetLifecycleLogger(l *CBConnectionLifecycleLogger) {
	c.lifecycle = l
}

func (c *CBCentralManager) peripheral(uuid string) *CBPeripheral {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peripherals[uuid]
	if !ok {
		p = &CBPeripheral{UUID: uuid, manager: c}
		c.peripherals[uuid] = p
	}
	return p
}

func (c *CBCentralManager) knownPeripheral(uuid string) *CBPeripheral {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peripherals[uuid]
}

// ScanForPeripherals reports advertisers through DidDiscoverPeripheral. With
// service UUIDs given, only advertisers listing one of them are reported.
func (c *CBCentralManager) ScanForPeripherals(withServices []string, options map[string]interface{}) {
	c.mu.Lock()
	if c.stopScan != nil {
		close(c.stopScan)
	}
	c.scanFilter = withServices
	c.mu.Unlock()

	stop := c.wire.StartDiscovery(func(deviceUUID string, adv *wire.AdvertisingData, rssi int) {
		if !matchesServiceFilter(withServices, adv.ServiceUUIDs) {
			return
		}

		advertisementData := map[string]interface{}{
			CBAdvertisementDataIsConnectableKey: adv.IsConnectable,
		}
		if adv.DeviceName != "" {
			advertisementData[CBAdvertisementDataLocalNameKey] = adv.DeviceName
		}
		if len(adv.ServiceUUIDs) > 0 {
			advertisementData[CBAdvertisementDataServiceUUIDsKey] = adv.ServiceUUIDs
		}
		if adv.TxPowerLevel != nil {
			advertisementData[CBAdvertisementDataTxPowerLevelKey] = *adv.TxPowerLevel
		}

		p := c.peripheral(deviceUUID)
		p.mu.Lock()
		if adv.DeviceName != "" {
			p.Name = adv.DeviceName
		}
		p.mu.Unlock()

		c.queue.async(func() {
			if !c.IsScanning() || c.Delegate == nil {
				return
			}
			c.Delegate.DidDiscoverPeripheral(c, p, advertisementData, float64(rssi))
		})
	})

	c.mu.Lock()
	c.stopScan = stop
	c.mu.Unlock()
	logger.Debug(c.logPrefix(), "🔍 scanning for %v", withServices)
}

func matchesServiceFilter(filter, advertised []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, want := range filter {
		for _, got := range advertised {
			if uuidMatches(want, got) {
				return true
			}
		}
	}
	return false
}

func (c *CBCentralManager) StopScan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopScan != nil {
		close(c.stopScan)
		c.stopScan = nil
	}
}

// IsScanning reports whether a scan is running
func (c *CBCentralManager) IsScanning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopScan != nil
}

// Connect connects to a discovered peripheral. The outcome arrives through
// DidConnectPeripheral or DidFailToConnectPeripheral.
func (c *CBCentralManager) Connect(peripheral *CBPeripheral, options map[string]interface{}) {
	c.lifecycle.LogConnectCalled(peripheral.UUID)
	peripheral.setState(CBPeripheralStateConnecting)
	peripheral.mu.Lock()
	peripheral.cancelled = false
	peripheral.mu.Unlock()

	go func() {
		err := c.wire.Connect(peripheral.UUID)
		mtu := c.wire.MTU(peripheral.UUID)
		c.lifecycle.LogConnectCompleted(peripheral.UUID, mtu, err)

		c.queue.async(func() {
			if err != nil {
				peripheral.setState(CBPeripheralStateDisconnected)
				logger.Warn(c.logPrefix(), "❌ connect to %s failed: %v", shortUUID(peripheral.UUID), err)
				if c.Delegate != nil {
					c.Delegate.DidFailToConnectPeripheral(c, peripheral, err)
				}
				return
			}
			peripheral.setState(CBPeripheralStateConnected)
			logger.Info(c.logPrefix(), "🔗 connected to %s (MTU %d)", shortUUID(peripheral.UUID), mtu)
			if c.Delegate != nil {
				c.Delegate.DidConnectPeripheral(c, peripheral)
			}
		})
	}()
}

// CancelPeripheralConnection drops the link. DidDisconnectPeripheral
// follows with a nil error.
func (c *CBCentralManager) CancelPeripheralConnection(peripheral *CBPeripheral) {
	peripheral.mu.Lock()
	peripheral.cancelled = true
	peripheral.mu.Unlock()
	if peripheral.State() == CBPeripheralStateConnected {
		peripheral.setState(CBPeripheralStateDisconnecting)
	}
	if err := c.wire.Disconnect(peripheral.UUID); err != nil {
		logger.Trace(c.logPrefix(), "cancel %s: %v", shortUUID(peripheral.UUID), err)
	}
}

// Close stops scanning, drops every link and stops delivering callbacks
func (c *CBCentralManager) Close() {
	c.StopScan()
	c.mu.RLock()
	peripherals := make([]*CBPeripheral, 0, len(c.peripherals))
	for _, p := range c.peripherals {
		peripherals = append(peripherals, p)
	}
	c.mu.RUnlock()
	for _, p := range peripherals {
		if c.wire.IsConnected(p.UUID) {
			c.CancelPeripheralConnection(p)
		}
	}
	c.queue.close()
}

func (c *CBCentralManager) handleATT(peerUUID string, pdu []byte) {
	p := c.knownPeripheral(peerUUID)
	if p == nil {
		logger.Warn(c.logPrefix(), "ATT PDU from unknown peripheral %s", shortUUID(peerUUID))
		return
	}
	pkt, err := att.DecodePacket(pdu)
	if err != nil {
		logger.Warn(c.logPrefix(), "bad ATT PDU from %s: %v", shortUUID(peerUUID), err)
		return
	}
	if _, ok := pkt.(*att.HandleValueIndication); ok {
		confirm, _ := att.EncodePacket(&att.HandleValueConfirmation{})
		c.wire.TrySendATT(peerUUID, confirm)
	}
	c.queue.async(func() { p.handleATT(pkt) })
}

func (c *CBCentralManager) handleReady(peerUUID string) {
	p := c.knownPeripheral(peerUUID)
	if p == nil {
		return
	}
	c.queue.async(func() {
		if d := p.delegate(); d != nil {
			d.IsReadyToSendWriteWithoutResponse(p)
		}
	})
}

func (c *CBCentralManager) handleDisconnect(peerUUID string, reason error) {
	p := c.knownPeripheral(peerUUID)
	if p == nil {
		return
	}
	c.queue.async(func() {
		p.mu.Lock()
		cancelled := p.cancelled
		p.mu.Unlock()

		err := reason
		if err == nil && !cancelled {
			err = ErrPeripheralDisconnected
		}
		c.lifecycle.LogDisconnected(peerUUID, err)
		p.setState(CBPeripheralStateDisconnected)
		p.failPending(ErrPeripheralDisconnected)
		logger.Info(c.logPrefix(), "🔌 disconnected from %s", shortUUID(peerUUID))
		if c.Delegate != nil {
			c.Delegate.DidDisconnectPeripheral(c, p, err)
		}
	})
}
