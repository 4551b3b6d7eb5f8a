package holder

import (
	"bytes"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/user/mdoc-ble/swift"
	"github.com/user/mdoc-ble/transport"
)

// event is anything the run loop feeds into the machine: platform callbacks,
// stream callbacks, caller actions and the outcome of effects.
type event interface{}

type hardwareEvent struct {
	state swift.CBManagerState
}

type discoveredEvent struct {
	peripheral *swift.CBPeripheral
}

// connectedEvent carries the ATT MTU inferred from the maximum write length
type connectedEvent struct {
	mtu int
}

type connectFailedEvent struct {
	err error
}

type servicesEvent struct {
	service *swift.CBService
	err     error
}

type characteristicsEvent struct {
	characteristics []*swift.CBCharacteristic
	err             error
}

type valueEvent struct {
	characteristic *swift.CBCharacteristic
	value          []byte
	err            error
}

type subscribedEvent struct {
	characteristic *swift.CBCharacteristic
	err            error
}

type stateWrittenEvent struct {
	err error
}

type writeReadyEvent struct{}

type chunkWrittenEvent struct{}

type writeBlockedEvent struct{}

type writeFailedEvent struct {
	err error
}

type channelOpenedEvent struct {
	channel io.ReadWriteCloser
	err     error
}

type streamProgressEvent struct {
	written, total int
}

type streamSentEvent struct{}

type streamDataEvent struct {
	data []byte
}

type streamEndedEvent struct {
	err error
}

type sendResponseEvent struct {
	data []byte
}

type disconnectRequestEvent struct{}

type disconnectedEvent struct {
	err error
}

// lingerExpiredEvent fires when the Reader never answered the termination
// write.
type lingerExpiredEvent struct{}

// effect is work the run loop performs after a transition
type effect interface{}

type emitEffect struct {
	event transport.Event
}

type scanEffect struct {
	service uuid.UUID
}

type stopScanEffect struct{}

type connectEffect struct {
	peripheral *swift.CBPeripheral
}

type discoverServicesEffect struct {
	service uuid.UUID
}

type discoverCharacteristicsEffect struct {
	service *swift.CBService
}

type readEffect struct {
	characteristic *swift.CBCharacteristic
}

type subscribeEffect struct {
	characteristic *swift.CBCharacteristic
}

type writeStateEffect struct {
	characteristic *swift.CBCharacteristic
	value          byte
}

// writeChunkEffect writes without response. The run loop answers with
// chunkWrittenEvent, writeBlockedEvent or writeFailedEvent.
type writeChunkEffect struct {
	characteristic *swift.CBCharacteristic
	value          []byte
}

type openChannelEffect struct {
	psm uint16
}

type startStreamEffect struct {
	channel io.ReadWriteCloser
}

type streamSendEffect struct {
	data []byte
}

type teardownEffect struct{}

// dropEffect records a well formed chunk that arrived outside the receive
// state.
type dropEffect struct {
	characteristic uuid.UUID
	size           int
}

// lingerEffect arms the timer that bounds the wait for the termination
// write response.
type lingerEffect struct{}

// fsm is the Holder state machine. handle never does I/O; it records the
// transition and returns the effects for the run loop to carry out.
type fsm struct {
	serviceUUID   uuid.UUID
	useL2CAP      bool
	expectedIdent []byte
	now           func() time.Time

	state   State
	path    transport.Path
	history []Transition
	ended   bool

	// lingering holds the link and stream open after a disconnect request
	// until the Reader has acknowledged State=End.
	lingering bool

	mtu             int
	linkUp          bool
	characteristics map[uuid.UUID]*swift.CBCharacteristic
	identPending    bool
	psmPending      bool
	subscribed      map[uuid.UUID]bool
	reassembler     *transport.Reassembler
	sender          *transport.Sender
	streamFlushed   bool
}

func newFSM(serviceUUID uuid.UUID, useL2CAP bool, expectedIdent []byte, now func() time.Time) *fsm {
	return &fsm{
		serviceUUID:     serviceUUID,
		useL2CAP:        useL2CAP,
		expectedIdent:   expectedIdent,
		now:             now,
		characteristics: make(map[uuid.UUID]*swift.CBCharacteristic),
		subscribed:      make(map[uuid.UUID]bool),
	}
}

func (m *fsm) to(s State, cause string) {
	m.history = append(m.history, Transition{At: m.now(), From: m.state, To: s, Cause: cause})
	m.state = s
}

func (m *fsm) handle(ev event) []effect {
	if m.ended {
		return m.afterEnd(ev)
	}

	switch e := ev.(type) {
	case hardwareEvent:
		return m.onHardware(e)
	case discoveredEvent:
		if m.state != StateAwaitPeripheralDiscovery {
			return nil
		}
		m.to(StatePeripheralDiscovered, "peripheral discovered")
		return []effect{stopScanEffect{}, connectEffect{peripheral: e.peripheral}}
	case connectedEvent:
		if m.state != StatePeripheralDiscovered {
			return nil
		}
		m.mtu = e.mtu
		m.linkUp = true
		m.to(StateCheckPeripheral, "connected")
		return []effect{
			emitEffect{transport.Event{Kind: transport.EventConnected}},
			discoverServicesEffect{service: m.serviceUUID},
		}
	case connectFailedEvent:
		return m.fail(transport.ConnectionFailed(e.err))
	case servicesEvent:
		return m.onServices(e)
	case characteristicsEvent:
		return m.onCharacteristics(e)
	case valueEvent:
		return m.onValue(e)
	case subscribedEvent:
		return m.onSubscribed(e)
	case stateWrittenEvent:
		if e.err != nil && m.state == StateAwaitRequest {
			return m.fail(transport.ServiceUnavailable("state write", e.err))
		}
		return nil
	case writeReadyEvent:
		if m.state == StateSendingResponse && !m.sender.Done() {
			return []effect{m.nextChunk()}
		}
		return nil
	case chunkWrittenEvent:
		return m.onChunkWritten()
	case writeBlockedEvent:
		return nil
	case writeFailedEvent:
		return m.fail(transport.ConnectionFailed(e.err))
	case channelOpenedEvent:
		return m.onChannelOpened(e)
	case streamDataEvent:
		if m.state != StateL2CAPAwaitRequest {
			return nil
		}
		m.to(StateL2CAPRequestReceived, "stream idle")
		return []effect{emitEffect{transport.Event{Kind: transport.EventMessageReceived, Data: e.data}}}
	case streamProgressEvent:
		if m.state != StateL2CAPSendingResponse {
			return nil
		}
		m.streamFlushed = e.written == e.total
		return []effect{emitEffect{transport.Event{Kind: transport.EventUploadProgress, Sent: e.written, Total: e.total}}}
	case streamSentEvent:
		if m.state == StateL2CAPSendingResponse {
			m.to(StateComplete, "stream flushed")
		}
		return nil
	case streamEndedEvent:
		return m.onStreamEnded(e)
	case sendResponseEvent:
		return m.onSendResponse(e)
	case disconnectRequestEvent:
		return m.onDisconnectRequest()
	case disconnectedEvent:
		m.linkUp = false
		if m.state == StateComplete {
			return m.finish("link closed")
		}
		return m.fail(transport.PeerDisconnected(e.err))
	}
	return nil
}

func (m *fsm) onHardware(e hardwareEvent) []effect {
	switch e.state {
	case swift.CBManagerStatePoweredOn:
		if m.state != StateInitial {
			return nil
		}
		m.to(StateHardwareOn, "powered on")
		m.to(StateAwaitPeripheralDiscovery, "scanning")
		return []effect{scanEffect{service: m.serviceUUID}}
	case swift.CBManagerStatePoweredOff, swift.CBManagerStateUnsupported, swift.CBManagerStateUnauthorized:
		return m.fail(transport.HardwareUnusable(e.state.String()))
	}
	return nil
}

func (m *fsm) onServices(e servicesEvent) []effect {
	if m.state != StateCheckPeripheral {
		return nil
	}
	if e.err != nil {
		return m.fail(transport.ServiceUnavailable("service discovery", e.err))
	}
	if e.service == nil {
		return m.fail(transport.ServiceUnavailable("service "+transport.UUIDString(m.serviceUUID)+" not found", nil))
	}
	return []effect{discoverCharacteristicsEffect{service: e.service}}
}

func (m *fsm) onCharacteristics(e characteristicsEvent) []effect {
	if m.state != StateCheckPeripheral {
		return nil
	}
	if e.err != nil {
		return m.fail(transport.ServiceUnavailable("characteristic discovery", e.err))
	}

	found := make(map[uuid.UUID]*swift.CBCharacteristic)
	for _, ch := range e.characteristics {
		if id, err := uuid.Parse(ch.UUID); err == nil {
			found[id] = ch
		}
	}

	for _, spec := range transport.ReaderCharacteristics() {
		ch, ok := found[spec.UUID]
		if !ok {
			if spec.Optional {
				continue
			}
			return m.fail(transport.CharacteristicMissing(spec.UUID))
		}
		if missing := spec.Required &^ ch.Properties.Transport(); missing != 0 {
			if spec.Optional {
				continue
			}
			return m.fail(transport.CharacteristicPropertyMissing(spec.UUID, missing))
		}
		m.characteristics[spec.UUID] = ch
	}

	if ident := m.characteristics[transport.ReaderIdent]; ident != nil {
		m.identPending = true
		return []effect{readEffect{characteristic: ident}}
	}
	return m.choosePath()
}

func (m *fsm) choosePath() []effect {
	if ch := m.characteristics[transport.ReaderL2CAP]; ch != nil && m.useL2CAP {
		m.path = transport.PathL2CAP
		m.psmPending = true
		return []effect{readEffect{characteristic: ch}}
	}
	return m.startLegacy()
}

func (m *fsm) startLegacy() []effect {
	m.path = transport.PathLegacy
	m.reassembler = transport.NewReassembler(transport.ReaderServerToClient)
	return []effect{
		subscribeEffect{characteristic: m.characteristics[transport.ReaderState]},
		subscribeEffect{characteristic: m.characteristics[transport.ReaderServerToClient]},
	}
}

func (m *fsm) onValue(e valueEvent) []effect {
	id, err := uuid.Parse(e.characteristic.UUID)
	if err != nil || m.characteristics[id] == nil {
		return m.fail(transport.UnknownCharacteristic(id))
	}

	switch id {
	case transport.ReaderIdent:
		return m.onIdent(e)
	case transport.ReaderL2CAP:
		return m.onPSM(e)
	case transport.ReaderState:
		return m.onStateValue(e)
	case transport.ReaderServerToClient:
		return m.onChunk(e)
	}
	return m.fail(transport.UnknownCharacteristic(id))
}

func (m *fsm) onIdent(e valueEvent) []effect {
	if !m.identPending {
		return nil
	}
	m.identPending = false
	if m.expectedIdent != nil {
		if e.err != nil {
			return m.fail(transport.ServiceUnavailable("ident read", e.err))
		}
		if !bytes.Equal(e.value, m.expectedIdent) {
			return m.fail(transport.IdentMismatch())
		}
	}
	return m.choosePath()
}

func (m *fsm) onPSM(e valueEvent) []effect {
	if !m.psmPending {
		return nil
	}
	m.psmPending = false
	if e.err != nil {
		return m.startLegacy()
	}
	psm, err := transport.DecodePSM(transport.ReaderL2CAP, e.value)
	if err != nil {
		return m.fail(err)
	}
	return []effect{openChannelEffect{psm: psm}}
}

func (m *fsm) onStateValue(e valueEvent) []effect {
	if e.err != nil {
		return nil
	}
	if len(e.value) != 1 {
		return m.fail(transport.StateValueLength(len(e.value)))
	}
	switch e.value[0] {
	case transport.StateEnd:
		return m.finish("reader ended session")
	case transport.StateStart:
		return nil
	}
	return m.fail(transport.UnknownStateValue(e.value[0]))
}

func (m *fsm) onChunk(e valueEvent) []effect {
	if e.err != nil {
		return nil
	}
	if m.state != StateAwaitRequest {
		if err := transport.CheckChunk(transport.ReaderServerToClient, e.value); err != nil {
			return m.fail(err)
		}
		return []effect{dropEffect{characteristic: transport.ReaderServerToClient, size: len(e.value)}}
	}
	message, complete, err := m.reassembler.Append(e.value)
	if err != nil {
		return m.fail(err)
	}
	if !complete {
		return []effect{emitEffect{transport.Event{Kind: transport.EventDownloadProgress, Sent: m.reassembler.Len()}}}
	}
	m.to(StateRequestReceived, "final chunk")
	return []effect{emitEffect{transport.Event{Kind: transport.EventMessageReceived, Data: message}}}
}

func (m *fsm) onSubscribed(e subscribedEvent) []effect {
	if m.state != StateCheckPeripheral || m.path != transport.PathLegacy {
		return nil
	}
	id, _ := uuid.Parse(e.characteristic.UUID)
	if e.err != nil {
		return m.fail(transport.SubscriptionFailed(id, e.err))
	}
	m.subscribed[id] = true
	if !m.subscribed[transport.ReaderState] || !m.subscribed[transport.ReaderServerToClient] {
		return nil
	}
	m.to(StateAwaitRequest, "subscribed")
	return []effect{writeStateEffect{characteristic: m.characteristics[transport.ReaderState], value: transport.StateStart}}
}

func (m *fsm) onChannelOpened(e channelOpenedEvent) []effect {
	if m.state != StateCheckPeripheral || m.path != transport.PathL2CAP {
		if e.channel != nil {
			e.channel.Close()
		}
		return nil
	}
	if e.err != nil {
		return m.startLegacy()
	}
	m.to(StateL2CAPAwaitRequest, "channel open")
	return []effect{startStreamEffect{channel: e.channel}}
}

func (m *fsm) onStreamEnded(e streamEndedEvent) []effect {
	switch {
	case m.state == StateComplete:
		return m.finish("stream closed")
	case m.state == StateL2CAPSendingResponse && m.streamFlushed:
		m.to(StateComplete, "stream flushed")
		return m.finish("stream closed")
	}
	return m.fail(transport.ConnectionEnded(e.err))
}

func (m *fsm) onSendResponse(e sendResponseEvent) []effect {
	switch m.state {
	case StateRequestReceived:
		m.sender = transport.NewSender(e.data, transport.ChunkSize(m.mtu))
		m.to(StateSendingResponse, "response queued")
		return []effect{m.nextChunk()}
	case StateL2CAPRequestReceived:
		m.to(StateL2CAPSendingResponse, "response queued")
		return []effect{streamSendEffect{data: e.data}}
	}
	return nil
}

func (m *fsm) nextChunk() effect {
	return writeChunkEffect{characteristic: m.characteristics[transport.ReaderClientToServer], value: m.sender.Peek()}
}

func (m *fsm) onChunkWritten() []effect {
	if m.state != StateSendingResponse {
		return nil
	}
	sent, total := m.sender.Advance()
	effects := []effect{emitEffect{transport.Event{Kind: transport.EventUploadProgress, Sent: sent, Total: total}}}
	if m.sender.Done() {
		m.to(StateComplete, "final chunk written")
		return effects
	}
	return append(effects, m.nextChunk())
}

// onDisconnectRequest tells the Reader we are leaving, then drops the link
// whatever the outcome. The link goes once the write is answered, so the
// Reader sees State=End before the stream closes.
func (m *fsm) onDisconnectRequest() []effect {
	m.ended = true
	m.to(StateInitial, "cancelled")
	if state := m.characteristics[transport.ReaderState]; state != nil && m.linkUp {
		m.lingering = true
		return []effect{writeStateEffect{characteristic: state, value: transport.StateEnd}, lingerEffect{}}
	}
	return []effect{teardownEffect{}}
}

// afterEnd drops the link held open for the termination write once it is
// answered, fails, times out or the link goes by itself.
func (m *fsm) afterEnd(ev event) []effect {
	if !m.lingering {
		return nil
	}
	switch ev.(type) {
	case stateWrittenEvent, lingerExpiredEvent, disconnectedEvent, streamEndedEvent:
		m.lingering = false
		return []effect{teardownEffect{}}
	}
	return nil
}

func (m *fsm) finish(cause string) []effect {
	m.ended = true
	if m.state != StateComplete {
		m.to(StateInitial, cause)
	}
	return []effect{teardownEffect{}, emitEffect{transport.Event{Kind: transport.EventDone}}}
}

func (m *fsm) fail(err error) []effect {
	m.ended = true
	m.to(StateFatalError, err.Error())
	m.to(StateHalted, "teardown")
	return []effect{teardownEffect{}, emitEffect{transport.Event{Kind: transport.EventError, Err: err}}}
}
