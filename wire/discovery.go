package wire

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/user/mdoc-ble/logger"
	"github.com/user/mdoc-ble/wire/advertising"
	"github.com/user/mdoc-ble/wire/gatt"
)

// AdvertisingData is what a scanner learns about a device
type AdvertisingData struct {
	DeviceName    string
	ServiceUUIDs  []string
	TxPowerLevel  *int
	IsConnectable bool
}

// StartAdvertising encodes data into advertising PDUs and puts them on the air
func (w *Wire) StartAdvertising(data *AdvertisingData) error {
	if !w.poweredOn() {
		return ErrPoweredOff
	}

	d := advertising.Data{LocalName: data.DeviceName, Connectable: data.IsConnectable}
	for _, s := range data.ServiceUUIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			return errors.Wrapf(err, "wire: advertised service %q", s)
		}
		d.ServiceUUIDs = append(d.ServiceUUIDs, id)
	}
	if data.TxPowerLevel != nil {
		p := int8(*data.TxPowerLevel)
		d.TxPower = &p
	}

	payload, scanResponse, err := advertising.Build(d)
	if err != nil {
		return errors.Wrap(err, "wire: build advertisement")
	}
	w.air.setAdvert(w.hardwareUUID, &advertisement{payload: payload, scanResponse: scanResponse})
	logger.Trace(w.logPrefix(), "advertising %X / %X", payload, scanResponse)
	return nil
}

// StopAdvertising takes our advertisement off the air
func (w *Wire) StopAdvertising() {
	w.air.setAdvert(w.hardwareUUID, nil)
}

// IsAdvertising reports whether our advertisement is on the air
func (w *Wire) IsAdvertising() bool {
	_, ok := w.air.advert(w.hardwareUUID)
	return ok
}

// ReadAdvertisingData decodes another device's current advertisement
func (w *Wire) ReadAdvertisingData(deviceUUID string) (*AdvertisingData, error) {
	ad, ok := w.air.advert(deviceUUID)
	if !ok {
		return nil, errors.Wrapf(ErrNotAdvertising, "device %s", shortUUID(deviceUUID))
	}
	return decodeAdvertisement(ad)
}

func decodeAdvertisement(ad *advertisement) (*AdvertisingData, error) {
	d, err := advertising.Parse(ad.payload, ad.scanResponse)
	if err != nil {
		return nil, err
	}
	data := &AdvertisingData{DeviceName: d.LocalName, IsConnectable: d.Connectable}
	for _, id := range d.ServiceUUIDs {
		data.ServiceUUIDs = append(data.ServiceUUIDs, uuidString(id))
	}
	if d.TxPower != nil {
		p := int(*d.TxPower)
		data.TxPowerLevel = &p
	}
	return data, nil
}

// StartDiscovery scans the air and reports each advertising device once,
// and again whenever its advertisement changes. Close the returned channel
// to stop.
func (w *Wire) StartDiscovery(callback func(deviceUUID string, data *AdvertisingData, rssi int)) chan struct{} {
	stop := make(chan struct{})
	interval := w.config.AdvertisingInterval
	if interval <= 0 {
		interval = time.Millisecond
	}

	go func() {
		seen := make(map[string]uint64)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			for id, ad := range w.air.advertSnapshot() {
				if id == w.hardwareUUID {
					continue
				}
				if gen, ok := seen[id]; ok && gen == ad.generation {
					continue
				}
				seen[id] = ad.generation
				data, err := decodeAdvertisement(ad)
				if err != nil {
					logger.Warn(w.logPrefix(), "undecodable advertisement from %s: %v", shortUUID(id), err)
					continue
				}
				select {
				case <-stop:
					return
				default:
				}
				callback(id, data, w.GetRSSI(id))
			}

			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
	return stop
}

// GetRSSI returns a simulated signal strength for a device
func (w *Wire) GetRSSI(deviceUUID string) int {
	return w.rssi.sample(w.config.BaseRSSI, w.config.RSSIVariance)
}

// DiscoverGATT returns the peer's attribute table layout
func (w *Wire) DiscoverGATT(peerUUID string) (*gatt.Table, error) {
	l, err := w.link(peerUUID)
	if err != nil {
		return nil, err
	}
	if d := w.config.ServiceDiscoveryDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-l.closed:
			return nil, ErrLinkClosed
		}
	}

	peer := l.peerOf(w)
	peer.mu.RLock()
	db := peer.database
	peer.mu.RUnlock()
	if db == nil {
		return &gatt.Table{}, nil
	}
	return db.Table(), nil
}
