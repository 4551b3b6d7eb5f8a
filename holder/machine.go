// Package holder drives the central side of an mdoc BLE exchange: it finds
// the Reader's session service, negotiates the GATT or L2CAP path, receives
// the request and sends the response.
package holder

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/user/mdoc-ble/logger"
	"github.com/user/mdoc-ble/swift"
	"github.com/user/mdoc-ble/transport"
	"github.com/user/mdoc-ble/wire"
)

// lingerTimeout bounds the wait for the Reader to answer the termination
// write.
const lingerTimeout = 500 * time.Millisecond

// ErrNoRequest is returned by SendResponse when no request is waiting for
// an answer.
var ErrNoRequest = errors.New("holder: no request awaiting a response")

type Config struct {
	// ServiceUUID is the session identifier from device engagement.
	ServiceUUID uuid.UUID

	// UseL2CAP lets the Holder take the L2CAP path when the Reader offers it.
	UseL2CAP bool

	// ExpectedIdent, when set, must match the Reader's Ident characteristic.
	ExpectedIdent []byte

	// Framing on the L2CAP stream. Both sides must agree.
	Framing transport.Framing

	LoggerFactory logging.LoggerFactory
	Clock         transport.Clock
}

// Machine is one Holder session. It is single use: once it reports Done or
// Error, or is disconnected, create a new one.
type Machine struct {
	cfg      Config
	radio    *wire.Wire
	listener transport.Listener
	log      logging.LeveledLogger

	events *transport.Mailbox[event]
	fsm    *fsm

	// Owned by the run loop.
	central    *swift.CBCentralManager
	peripheral *swift.CBPeripheral
	stream     *transport.StreamConnection
	linger     transport.Timer

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

// New creates a Holder session on radio. Events go to listener.
func New(cfg Config, radio *wire.Wire, listener transport.Listener) (*Machine, error) {
	if cfg.ServiceUUID == uuid.Nil {
		return nil, fmt.Errorf("holder: service UUID required")
	}
	if radio == nil {
		return nil, fmt.Errorf("holder: radio required")
	}
	if cfg.Clock == nil {
		cfg.Clock = transport.SystemClock()
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logger.NewFactory(fmt.Sprintf("%s Holder", shortID(radio.HardwareUUID())))
	}
	if listener == nil {
		listener = transport.ListenerFunc(func(transport.Event) {})
	}

	return &Machine{
		cfg:      cfg,
		radio:    radio,
		listener: listener,
		log:      cfg.LoggerFactory.NewLogger("holder"),
		events:   transport.NewMailbox[event](),
		fsm:      newFSM(cfg.ServiceUUID, cfg.UseL2CAP, cfg.ExpectedIdent, cfg.Clock.Now),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start powers up the central manager. Scanning begins once the radio
// reports powered on.
func (m *Machine) Start() error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.closed {
		return transport.ErrSessionClosed
	}
	if m.started {
		return transport.ErrAlreadyStarted
	}
	m.started = true

	m.central = swift.NewCBCentralManager(&delegate{m: m}, m.radio)
	go m.run()
	m.log.Debugf("started for service %s", transport.UUIDString(m.cfg.ServiceUUID))
	return nil
}

// SendResponse sends the answer to the request delivered in the last
// MessageReceived event.
func (m *Machine) SendResponse(response []byte) error {
	if !m.isStarted() {
		return transport.ErrNotStarted
	}
	switch s := m.State(); s {
	case StateRequestReceived, StateL2CAPRequestReceived:
	default:
		return fmt.Errorf("%w (state %s)", ErrNoRequest, s)
	}
	if !m.events.Put(sendResponseEvent{data: append([]byte(nil), response...)}) {
		return transport.ErrSessionClosed
	}
	return nil
}

// Disconnect ends the session. A termination value is written to the
// Reader's State characteristic on a best effort basis before the link is
// dropped.
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

// Path reports which data path was negotiated.
func (m *Machine) Path() transport.Path {
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

func (m *Machine) isStarted() bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return m.started
}

func (m *Machine) run() {
	defer close(m.done)
	defer func() {
		m.teardown()
		m.central.Close()
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

// dispatch feeds one event through the machine. Effects that complete
// synchronously answer with another event, handled before the next queued
// one.
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
	case scanEffect:
		m.central.ScanForPeripherals([]string{transport.UUIDString(e.service)}, nil)
	case stopScanEffect:
		m.central.StopScan()
	case connectEffect:
		m.peripheral = e.peripheral
		m.peripheral.SetDelegate(&delegate{m: m})
		m.log.Infof("🔌 connecting to %s", shortID(e.peripheral.UUID))
		m.central.Connect(e.peripheral, nil)
	case discoverServicesEffect:
		m.peripheral.DiscoverServices([]string{transport.UUIDString(e.service)})
	case discoverCharacteristicsEffect:
		m.peripheral.DiscoverCharacteristics(nil, e.service)
	case readEffect:
		m.peripheral.ReadValue(e.characteristic)
	case subscribeEffect:
		if err := m.peripheral.SetNotifyValue(true, e.characteristic); err != nil {
			return subscribedEvent{characteristic: e.characteristic, err: err}
		}
	case writeStateEffect:
		err := m.peripheral.WriteValue([]byte{e.value}, e.characteristic, swift.CBCharacteristicWriteWithResponse)
		if err != nil {
			return stateWrittenEvent{err: err}
		}
	case writeChunkEffect:
		err := m.peripheral.WriteValue(e.value, e.characteristic, swift.CBCharacteristicWriteWithoutResponse)
		switch {
		case err == nil:
			return chunkWrittenEvent{}
		case errors.Is(err, swift.ErrWriteBufferFull):
			return writeBlockedEvent{}
		default:
			return writeFailedEvent{err: err}
		}
	case openChannelEffect:
		m.log.Debugf("opening L2CAP PSM 0x%04X", e.psm)
		m.peripheral.OpenL2CAPChannel(e.psm)
	case startStreamEffect:
		m.stream = transport.NewStreamConnection(e.channel, &l2capConnection{events: m.events}, transport.StreamOptions{
			Framing:       m.cfg.Framing,
			Clock:         m.cfg.Clock,
			LoggerFactory: m.cfg.LoggerFactory,
			Name:          "holder-l2cap",
		})
		m.stream.Start()
	case streamSendEffect:
		if m.stream == nil || !m.stream.Send(e.data) {
			return streamEndedEvent{err: io.ErrClosedPipe}
		}
	case lingerEffect:
		m.linger = m.cfg.Clock.AfterFunc(lingerTimeout, func() {
			m.events.Put(lingerExpiredEvent{})
		})
	case dropEffect:
		m.log.Warnf("dropped %d byte chunk on %s in %s", e.size, transport.CharacteristicName(e.characteristic), m.fsm.state)
	case teardownEffect:
		m.teardown()
	}
	return nil
}

func (m *Machine) report(ev transport.Event) {
	switch ev.Kind {
	case transport.EventError:
		m.log.Warnf("❌ %v", ev.Err)
	case transport.EventMessageReceived:
		m.log.Infof("📥 request received (%d bytes, %s path)", len(ev.Data), m.fsm.path)
	case transport.EventDone:
		m.log.Infof("✅ session done")
	default:
		m.log.Tracef("%s", ev)
	}
	m.listener.OnTransportEvent(ev)
}

func (m *Machine) teardown() {
	if m.central == nil {
		return
	}
	if m.linger != nil {
		m.linger.Stop()
		m.linger = nil
	}
	m.central.StopScan()
	// The link flushes queued writes before it drops; the stream does not.
	if m.peripheral != nil && m.peripheral.State() != swift.CBPeripheralStateDisconnected {
		m.central.CancelPeripheralConnection(m.peripheral)
	}
	if m.stream != nil {
		m.stream.Close()
		m.stream = nil
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
