// Package bluez reads the power state of a Linux host adapter over D-Bus so
// a simulated radio can follow the real one.
package bluez

import (
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"github.com/user/mdoc-ble/logger"
	"github.com/user/mdoc-ble/wire"
)

const (
	bluezService  = "org.bluez"
	adapterIface  = "org.bluez.Adapter1"
	poweredProp   = adapterIface + ".Powered"
	adapterPrefix = "/org/bluez/"

	errAccessDenied = "org.freedesktop.DBus.Error.AccessDenied"
	errAuthFailed   = "org.freedesktop.DBus.Error.AuthFailed"
)

// propertyGetter is the part of dbus.BusObject the adapter needs
type propertyGetter interface {
	GetProperty(p string) (dbus.Variant, error)
}

// Adapter is a wire.PowerSource backed by org.bluez.Adapter1.Powered.
type Adapter struct {
	name   string
	prefix string

	mu     sync.Mutex
	conn   *dbus.Conn
	obj    propertyGetter
	last   wire.RadioState
	closed bool
}

var _ wire.PowerSource = (*Adapter)(nil)

// NewAdapter connects to the system bus for adapter name, e.g. "hci0".
func NewAdapter(name string) (*Adapter, error) {
	if name == "" {
		name = "hci0"
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "bluez: connect system bus")
	}
	a := newAdapter(name, conn.Object(bluezService, dbus.ObjectPath(adapterPrefix+name)))
	a.conn = conn
	return a, nil
}

func newAdapter(name string, obj propertyGetter) *Adapter {
	return &Adapter{
		name:   name,
		prefix: "BlueZ " + name,
		obj:    obj,
		last:   wire.RadioUnknown,
	}
}

// Name returns the adapter name.
func (a *Adapter) Name() string {
	return a.name
}

// RadioState reads Powered. A missing adapter or daemon is unsupported and
// a refused bus call is unauthorized.
func (a *Adapter) RadioState() wire.RadioState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return wire.RadioUnknown
	}

	state := a.read()
	if state != a.last {
		logger.Debug(a.prefix, "📶 adapter %s -> %s", a.last, state)
		a.last = state
	}
	return state
}

func (a *Adapter) read() wire.RadioState {
	v, err := a.obj.GetProperty(poweredProp)
	if err != nil {
		state := classify(err)
		logger.Warn(a.prefix, "read %s: %v (%s)", poweredProp, err, state)
		return state
	}
	powered, ok := v.Value().(bool)
	if !ok {
		logger.Warn(a.prefix, "unexpected %s value %s", poweredProp, v.Signature())
		return wire.RadioUnknown
	}
	if powered {
		return wire.RadioPoweredOn
	}
	return wire.RadioPoweredOff
}

func classify(err error) wire.RadioState {
	var name string
	var byValue dbus.Error
	var byRef *dbus.Error
	switch {
	case errors.As(err, &byValue):
		name = byValue.Name
	case errors.As(err, &byRef):
		name = byRef.Name
	}
	switch name {
	case errAccessDenied, errAuthFailed:
		return wire.RadioUnauthorized
	}
	return wire.RadioUnsupported
}

// Close releases the bus connection. RadioState reports unknown afterwards.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.conn == nil {
		return nil
	}
	return errors.Wrap(a.conn.Close(), "bluez: close bus")
}
