// Package reader drives the peripheral side of an mdoc BLE exchange: it
// publishes the session service, waits for the Holder to pick the GATT or
// L2CAP track, sends the request and receives the response.
package reader

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/user/mdoc-ble/logger"
	"github.com/user/mdoc-ble/swift"
	"github.com/user/mdoc-ble/transport"
	"github.com/user/mdoc-ble/wire"
)

type Config struct {
	// ServiceUUID is the session identifier handed to the Holder at
	// engagement.
	ServiceUUID uuid.UUID

	// UseL2CAP publishes the L2CAP-PSM characteristic.
	UseL2CAP bool

	// Ident is served from the Ident characteristic. Nil serves an empty
	// value.
	Ident []byte

	// LocalName goes into the advertisement when set.
	LocalName string

	// Framing on the L2CAP stream. Both sides must agree.
	Framing transport.Framing

	LoggerFactory logging.LoggerFactory
	Clock         transport.Clock
}

// Machine is one Reader session. It is single use.
type Machine struct {
	cfg      Config
	radio    *wire.Wire
	listener transport.Listener
	log      logging.LeveledLogger

	events *transport.Mailbox[event]
	fsm    *fsm

	// Owned by the run loop.
	manager *swift.CBPeripheralManager
	service *swift.CBMutableService
	chars   map[uuid.UUID]*swift.CBMutableCharacteristic
	stream  *transport.StreamConnection

	mu      sync.RWMutex
	state   State
	path    transport.Path
	history []Transition

	lifeMu  sync.Mutex
	started bool
	closed  bool
	quit    chan struct{}
	done    chan struct{}
}

// New creates a Reader session on radio. Events go to listener.
func New(cfg Config, radio *wire.Wire, listener transport.Listener) (*Machine, error) {
	if cfg.ServiceUUID == uuid.Nil {
		return nil, fmt.Errorf("reader: service UUID required")
	}
	if radio == nil {
		return nil, fmt.Errorf("reader: radio required")
	}
	if cfg.Clock == nil {
		cfg.Clock = transport.SystemClock()
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logger.NewFactory(fmt.Sprintf("%s Reader", shortID(radio.HardwareUUID())))
	}
	if cfg.Ident == nil {
		cfg.Ident = []byte{}
	}
	if listener == nil {
		listener = transport.ListenerFunc(func(transport.Event) {})
	}

	return &Machine{
		cfg:      cfg,
		radio:    radio,
		listener: listener,
		log:      cfg.LoggerFactory.NewLogger("reader"),
		events:   transport.NewMailbox[event](),
		chars:    make(map[uuid.UUID]*swift.CBMutableCharacteristic),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start powers up the peripheral manager with the request to send. The
// service is published and advertised once the radio reports powered on.
func (m *Machine) Start(request []byte) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.closed {
		return transport.ErrSessionClosed
	}
	if m.started {
		return transport.ErrAlreadyStarted
	}
	m.started = true

	m.fsm = newFSM(m.cfg.UseL2CAP, m.cfg.Ident, append([]byte(nil), request...), m.cfg.Clock.Now)
	m.manager = swift.NewCBPeripheralManager(&delegate{m: m}, m.radio)
	go m.run()
	m.log.Debugf("started for service %s (%d byte request)", transport.UUIDString(m.cfg.ServiceUUID), len(request))
	return nil
}

// Disconnect ends the session, notifying State=0x02 to a subscribed Holder
// on a best effort basis.
func (m *Machine) Disconnect() {
	m.events.Put(disconnectRequestEvent{})
}

// Close stops the run loop and releases the radio. It does not wait; use
// Done for that.
func (m *Machine) Close() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.events.Close()
	close(m.quit)
	if !m.started {
		close(m.done)
	}
}

// Done is closed once the run loop has exited after Close.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Track reports which track the Holder selected.
func (m *Machine) Track() transport.Path {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.path
}

// History returns every transition so far.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transition(nil), m.history...)
}

func (m *Machine) run() {
	defer close(m.done)
	defer func() {
		m.teardown(true)
		m.manager.Close()
	}()

	for {
		select {
		case <-m.quit:
			return
		case <-m.events.Signal():
			for _, ev := range m.events.Drain() {
				m.dispatch(ev)
			}
		}
	}
}

func (m *Machine) dispatch(ev event) {
	pending := []event{ev}
	for len(pending) > 0 {
		ev, pending = pending[0], pending[1:]

		before := m.fsm.state
		effects := m.fsm.handle(ev)
		m.snapshot()
		if after := m.fsm.state; after != before {
			m.log.Debugf("%s -> %s", before, after)
		}

		for _, eff := range effects {
			if next := m.apply(eff); next != nil {
				pending = append(pending, next)
			}
		}
	}
}

func (m *Machine) snapshot() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = m.fsm.state
	m.path = m.fsm.path
	if len(m.history) != len(m.fsm.history) {
		m.history = append(m.history[:0:0], m.fsm.history...)
	}
}

func (m *Machine) apply(eff effect) event {
	switch e := eff.(type) {
	case emitEffect:
		m.report(e.event)
	case addServiceEffect:
		m.service = m.buildService()
		if err := m.manager.AddService(m.service); err != nil {
			m.log.Warnf("add service: %v", err)
		}
	case startAdvertisingEffect:
		adv := map[string]interface{}{
			swift.CBAdvertisementDataServiceUUIDsKey: []string{transport.UUIDString(m.cfg.ServiceUUID)},
		}
		if m.cfg.LocalName != "" {
			adv[swift.CBAdvertisementDataLocalNameKey] = m.cfg.LocalName
		}
		m.manager.StartAdvertising(adv)
	case respondEffect:
		if e.result == swift.CBATTErrorSuccess && e.value != nil {
			e.request.Value = e.value
		}
		m.manager.RespondToRequest(e.request, e.result)
	case notifyEffect:
		ch := m.chars[e.characteristic]
		if ch == nil {
			return nil
		}
		ok := m.manager.UpdateValue(e.value, ch, nil)
		if !ok && !e.feedback {
			m.log.Warnf("dropped %s update, transmit queue full", transport.CharacteristicName(e.characteristic))
		}
		switch {
		case !e.feedback:
		case ok:
			return notifiedEvent{}
		default:
			return notifyBlockedEvent{}
		}
	case publishEffect:
		m.manager.PublishL2CAPChannel(false)
	case unpublishEffect:
		m.log.Debugf("unpublishing PSM 0x%04X", e.psm)
		m.manager.UnpublishL2CAPChannel(e.psm)
	case startStreamEffect:
		m.stream = transport.NewStreamConnection(e.channel, &l2capConnection{events: m.events}, transport.StreamOptions{
			Framing:       m.cfg.Framing,
			Clock:         m.cfg.Clock,
			LoggerFactory: m.cfg.LoggerFactory,
			Name:          "reader-l2cap",
		})
		m.stream.Start()
	case streamSendEffect:
		if m.stream == nil || !m.stream.Send(e.data) {
			return streamEndedEvent{err: io.ErrClosedPipe}
		}
	case dropEffect:
		m.log.Warnf("dropped %d byte chunk on %s in %s", e.size, transport.CharacteristicName(e.characteristic), m.fsm.state)
	case teardownEffect:
		m.teardown(e.dropLinks)
	}
	return nil
}

// buildService lays out the Reader characteristic set. Ident is static and
// answered by the platform; L2CAP is dynamic so the read can be held until
// the channel is published.
func (m *Machine) buildService() *swift.CBMutableService {
	svc := &swift.CBMutableService{UUID: transport.UUIDString(m.cfg.ServiceUUID), IsPrimary: true}
	add := func(id uuid.UUID, props swift.CBCharacteristicProperties, perms swift.CBAttributePermissions, value []byte) {
		ch := &swift.CBMutableCharacteristic{
			UUID:        transport.UUIDString(id),
			Properties:  props,
			Permissions: perms,
			Value:       value,
		}
		m.chars[id] = ch
		svc.Characteristics = append(svc.Characteristics, ch)
	}

	add(transport.ReaderState,
		swift.CBCharacteristicPropertyNotify|swift.CBCharacteristicPropertyWriteWithoutResponse|swift.CBCharacteristicPropertyWrite,
		swift.CBAttributePermissionsWriteable, nil)
	add(transport.ReaderClientToServer,
		swift.CBCharacteristicPropertyWriteWithoutResponse|swift.CBCharacteristicPropertyWrite,
		swift.CBAttributePermissionsWriteable, nil)
	add(transport.ReaderServerToClient,
		swift.CBCharacteristicPropertyNotify,
		swift.CBAttributePermissionsReadable, nil)
	add(transport.ReaderIdent,
		swift.CBCharacteristicPropertyRead,
		swift.CBAttributePermissionsReadable, m.cfg.Ident)
	if m.cfg.UseL2CAP {
		add(transport.ReaderL2CAP,
			swift.CBCharacteristicPropertyRead|swift.CBCharacteristicPropertyIndicate,
			swift.CBAttributePermissionsReadable, nil)
	}
	return svc
}

func (m *Machine) report(ev transport.Event) {
	switch ev.Kind {
	case transport.EventError:
		m.log.Warnf("❌ %v", ev.Err)
	case transport.EventMessageReceived:
		m.log.Infof("📥 response received (%d bytes, %s track)", len(ev.Data), m.fsm.path)
	case transport.EventDone:
		m.log.Infof("✅ session done")
	default:
		m.log.Tracef("%s", ev)
	}
	m.listener.OnTransportEvent(ev)
}

func (m *Machine) teardown(dropLinks bool) {
	if m.manager == nil {
		return
	}
	m.manager.StopAdvertising()
	if m.stream != nil {
		m.stream.Close()
		m.stream = nil
	}
	if m.service != nil {
		m.manager.RemoveAllServices()
		m.service = nil
	}
	if dropLinks {
		m.manager.Disconnect()
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
