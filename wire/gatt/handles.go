package gatt

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Well-known 16-bit attribute types
const (
	UUIDPrimaryService             uint16 = 0x2800
	UUIDCharacteristic             uint16 = 0x2803
	UUIDClientCharacteristicConfig uint16 = 0x2902 // CCCD
)

// Characteristic Properties (bitmask)
const (
	PropRead                 = 0x02
	PropWriteWithoutResponse = 0x04
	PropWrite                = 0x08
	PropNotify               = 0x10
	PropIndicate             = 0x20
)

// AttributeKind says what a handle points at
type AttributeKind int

const (
	KindServiceDeclaration AttributeKind = iota
	KindCharacteristicDeclaration
	KindCharacteristicValue
	KindCCCD
)

// Attribute is one row of the attribute table
type Attribute struct {
	Handle         uint16
	Kind           AttributeKind
	Service        uuid.UUID
	Characteristic uuid.UUID
	Properties     uint8
	Value          []byte
}

// Service is a high-level service definition handed to AddService
type Service struct {
	UUID            uuid.UUID
	Characteristics []Characteristic
}

// Characteristic is a high-level characteristic definition
type Characteristic struct {
	UUID       uuid.UUID
	Properties uint8
	Value      []byte // static value, nil for dynamic characteristics
}

// Table is the client's view of a server database after discovery
type Table struct {
	Services []TableService
}

type TableService struct {
	UUID            uuid.UUID
	StartHandle     uint16
	EndHandle       uint16
	Characteristics []TableCharacteristic
}

type TableCharacteristic struct {
	UUID        uuid.UUID
	Properties  uint8
	ValueHandle uint16
	CCCDHandle  uint16 // 0 when the characteristic cannot notify or indicate
}

// Database is a GATT server attribute table with handle-based access.
// Handles are never reused after a service is removed.
type Database struct {
	mu         sync.RWMutex
	attributes map[uint16]*Attribute
	services   []TableService
	nextHandle uint16
}

// NewDatabase creates an empty attribute database
func NewDatabase() *Database {
	return &Database{
		attributes: make(map[uint16]*Attribute),
		nextHandle: 0x0001, // 0x0000 is reserved
	}
}

// AddService lays out a service and assigns handles
func (db *Database) AddService(svc Service) (TableService, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, existing := range db.services {
		if existing.UUID == svc.UUID {
			return TableService{}, errors.Errorf("gatt: service %s already added", svc.UUID)
		}
	}

	ts := TableService{UUID: svc.UUID}
	ts.StartHandle = db.add(&Attribute{Kind: KindServiceDeclaration, Service: svc.UUID})

	for _, c := range svc.Characteristics {
		db.add(&Attribute{Kind: KindCharacteristicDeclaration, Service: svc.UUID, Characteristic: c.UUID, Properties: c.Properties})
		tc := TableCharacteristic{UUID: c.UUID, Properties: c.Properties}
		tc.ValueHandle = db.add(&Attribute{
			Kind:           KindCharacteristicValue,
			Service:        svc.UUID,
			Characteristic: c.UUID,
			Properties:     c.Properties,
			Value:          append([]byte(nil), c.Value...),
		})
		if c.Properties&(PropNotify|PropIndicate) != 0 {
			tc.CCCDHandle = db.add(&Attribute{Kind: KindCCCD, Service: svc.UUID, Characteristic: c.UUID, Value: []byte{0x00, 0x00}})
		}
		ts.Characteristics = append(ts.Characteristics, tc)
	}

	ts.EndHandle = db.nextHandle - 1
	db.services = append(db.services, ts)
	return ts, nil
}

func (db *Database) add(attr *Attribute) uint16 {
	attr.Handle = db.nextHandle
	db.attributes[attr.Handle] = attr
	db.nextHandle++
	return attr.Handle
}

// RemoveService drops a service and all of its attributes
func (db *Database) RemoveService(id uuid.UUID) bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	for i, svc := range db.services {
		if svc.UUID != id {
			continue
		}
		for h := svc.StartHandle; h <= svc.EndHandle; h++ {
			delete(db.attributes, h)
		}
		db.services = append(db.services[:i], db.services[i+1:]...)
		return true
	}
	return false
}

// Clear removes all services
func (db *Database) Clear() {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.attributes = make(map[uint16]*Attribute)
	db.services = nil
}

// GetAttribute returns a copy of the attribute at handle
func (db *Database) GetAttribute(handle uint16) (*Attribute, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	attr, ok := db.attributes[handle]
	if !ok {
		return nil, errors.Errorf("gatt: invalid handle 0x%04X", handle)
	}
	cp := *attr
	cp.Value = append([]byte(nil), attr.Value...)
	return &cp, nil
}

// SetValue updates a stored value
func (db *Database) SetValue(handle uint16, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	attr, ok := db.attributes[handle]
	if !ok {
		return errors.Errorf("gatt: invalid handle 0x%04X", handle)
	}
	attr.Value = append([]byte(nil), value...)
	return nil
}

// ValueHandle finds the value handle of a characteristic
func (db *Database) ValueHandle(service, characteristic uuid.UUID) (uint16, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, svc := range db.services {
		if svc.UUID != service {
			continue
		}
		for _, c := range svc.Characteristics {
			if c.UUID == characteristic {
				return c.ValueHandle, true
			}
		}
	}
	return 0, false
}

// Table returns the discoverable layout of the database
func (db *Database) Table() *Table {
	db.mu.RLock()
	defer db.mu.RUnlock()

	table := &Table{Services: make([]TableService, len(db.services))}
	for i, svc := range db.services {
		svc.Characteristics = append([]TableCharacteristic(nil), svc.Characteristics...)
		table.Services[i] = svc
	}
	return table
}

// Count returns the number of attributes
func (db *Database) Count() int {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return len(db.attributes)
}

// FindCharacteristic looks up a characteristic by value or CCCD handle
func (t *Table) FindCharacteristic(handle uint16) (TableService, TableCharacteristic, bool) {
	for _, svc := range t.Services {
		if handle < svc.StartHandle || handle > svc.EndHandle {
			continue
		}
		for _, c := range svc.Characteristics {
			if c.ValueHandle == handle || (c.CCCDHandle != 0 && c.CCCDHandle == handle) {
				return svc, c, true
			}
		}
	}
	return TableService{}, TableCharacteristic{}, false
}
