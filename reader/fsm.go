package reader

import (
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/user/mdoc-ble/swift"
	"github.com/user/mdoc-ble/transport"
	"github.com/user/mdoc-ble/wire"
	"github.com/user/mdoc-ble/wire/att"
)

type event interface{}

type hardwareEvent struct {
	state swift.CBManagerState
}

type serviceAddedEvent struct {
	err error
}

type advertisingEvent struct {
	err error
}

// Request events carry the ATT MTU as it stood when the platform delivered
// them. The central record itself keeps changing on the manager queue.
type readEvent struct {
	request *swift.CBATTRequest
	mtu     int
}

// writeEvent is one write request or command. Value is copied off the
// platform request.
type writeEvent struct {
	request *swift.CBATTRequest
	value   []byte
	mtu     int
}

type subscribeEvent struct {
	characteristic *swift.CBMutableCharacteristic
	mtu            int
}

type unsubscribeEvent struct {
	characteristic *swift.CBMutableCharacteristic
}

type updateReadyEvent struct{}

// notifiedEvent and notifyBlockedEvent answer a notifyEffect that asked
// for feedback
type notifiedEvent struct{}

type notifyBlockedEvent struct{}

type publishedEvent struct {
	psm uint16
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

type disconnectRequestEvent struct{}

type effect interface{}

type emitEffect struct {
	event transport.Event
}

type addServiceEffect struct{}

type startAdvertisingEffect struct{}

type respondEffect struct {
	request *swift.CBATTRequest
	value   []byte
	result  swift.CBATTError
}

// notifyEffect updates a characteristic's subscribers. With feedback set
// the run loop answers with notifiedEvent or notifyBlockedEvent.
type notifyEffect struct {
	characteristic uuid.UUID
	value          []byte
	feedback       bool
}

type publishEffect struct{}

type unpublishEffect struct {
	psm uint16
}

type startStreamEffect struct {
	channel io.ReadWriteCloser
}

type streamSendEffect struct {
	data []byte
}

// dropEffect records a well formed chunk that arrived outside the receive
// state.
type dropEffect struct {
	characteristic uuid.UUID
	size           int
}

// teardownEffect stops advertising, closes the stream and removes the
// service. dropLinks also disconnects the Holder.
type teardownEffect struct {
	dropLinks bool
}

// fsm is the Reader state machine. handle never does I/O.
type fsm struct {
	useL2CAP bool
	ident    []byte
	request  []byte
	now      func() time.Time

	state   State
	path    transport.Path
	history []Transition
	ended   bool

	mtu            int
	stateNotifying bool
	dataNotifying  bool
	startRequested bool
	heldReads      []*swift.CBATTRequest
	psm            uint16
	sender         *transport.Sender
	reassembler    *transport.Reassembler
}

func newFSM(useL2CAP bool, ident, request []byte, now func() time.Time) *fsm {
	return &fsm{useL2CAP: useL2CAP, ident: ident, request: request, now: now}
}

func (m *fsm) to(s State, cause string) {
	m.history = append(m.history, Transition{At: m.now(), From: m.state, To: s, Cause: cause})
	m.state = s
}

// learnMTU keeps the ATT MTU of the first event that reports one.
func (m *fsm) learnMTU(mtu int) {
	if m.mtu == 0 && mtu > att.HeaderSize {
		m.mtu = mtu
	}
}

func (m *fsm) handle(ev event) []effect {
	if m.ended {
		return m.afterEnd(ev)
	}

	switch e := ev.(type) {
	case hardwareEvent:
		return m.onHardware(e)
	case serviceAddedEvent:
		if e.err != nil {
			return m.fail(transport.ServiceUnavailable("add service", e.err))
		}
		if m.state != StateHardwareOn {
			return nil
		}
		m.to(StateServicePublished, "service added")
		return []effect{startAdvertisingEffect{}}
	case advertisingEvent:
		if e.err != nil {
			return m.fail(transport.ServiceUnavailable("advertising", e.err))
		}
		return nil
	case readEvent:
		return m.onRead(e)
	case writeEvent:
		return m.onWrite(e)
	case subscribeEvent:
		return m.onSubscribe(e)
	case unsubscribeEvent:
		return m.onUnsubscribe(e)
	case updateReadyEvent:
		if m.state == StateSendingRequest && !m.sender.Done() {
			return []effect{m.nextChunk()}
		}
		return nil
	case notifiedEvent:
		return m.onChunkNotified()
	case notifyBlockedEvent:
		return nil
	case publishedEvent:
		return m.onPublished(e)
	case channelOpenedEvent:
		return m.onChannelOpened(e)
	case streamProgressEvent:
		if m.state != StateL2CAPSendingRequest {
			return nil
		}
		return []effect{emitEffect{transport.Event{Kind: transport.EventUploadProgress, Sent: e.written, Total: e.total}}}
	case streamSentEvent:
		if m.state == StateL2CAPSendingRequest {
			m.to(StateL2CAPAwaitingResponse, "request flushed")
		}
		return nil
	case streamDataEvent:
		return m.onStreamData(e)
	case streamEndedEvent:
		return m.fail(transport.ConnectionEnded(e.err))
	case disconnectRequestEvent:
		return m.onDisconnectRequest()
	}
	return nil
}

// afterEnd keeps a finished session from leaking: reads still get an
// answer, late channels are closed and late PSMs unpublished.
func (m *fsm) afterEnd(ev event) []effect {
	switch e := ev.(type) {
	case readEvent:
		return []effect{respondEffect{request: e.request, result: swift.CBATTErrorUnlikelyError}}
	case publishedEvent:
		if e.err == nil {
			return []effect{unpublishEffect{psm: e.psm}}
		}
	case channelOpenedEvent:
		if e.channel != nil {
			e.channel.Close()
		}
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
		return []effect{addServiceEffect{}}
	case swift.CBManagerStatePoweredOff, swift.CBManagerStateUnsupported, swift.CBManagerStateUnauthorized:
		return m.fail(transport.HardwareUnusable(e.state.String()))
	}
	return nil
}

func (m *fsm) onRead(e readEvent) []effect {
	req := e.request
	m.learnMTU(e.mtu)
	id, _ := uuid.Parse(req.Characteristic.UUID)

	switch id {
	case transport.ReaderIdent:
		return []effect{respondEffect{request: req, value: m.ident}}
	case transport.ReaderL2CAP:
		return m.onPSMRead(req)
	}
	return []effect{respondEffect{request: req, result: swift.CBATTErrorReadNotPermitted}}
}

// onPSMRead holds the read until the channel is published. The first one
// selects the L2CAP track.
func (m *fsm) onPSMRead(req *swift.CBATTRequest) []effect {
	if !m.useL2CAP {
		return []effect{respondEffect{request: req, result: swift.CBATTErrorReadNotPermitted}}
	}
	switch m.state {
	case StateServicePublished:
		m.path = transport.PathL2CAP
		m.heldReads = append(m.heldReads, req)
		m.to(StateL2CAPRead, "psm read")
		m.to(StateL2CAPAwaitChannelPublished, "publishing")
		return []effect{publishEffect{}}
	case StateL2CAPRead, StateL2CAPAwaitChannelPublished:
		m.heldReads = append(m.heldReads, req)
		return nil
	}
	if m.psm != 0 {
		return []effect{respondEffect{request: req, value: transport.EncodePSM(m.psm)}}
	}
	return []effect{respondEffect{request: req, result: swift.CBATTErrorUnlikelyError}}
}

func (m *fsm) onPublished(e publishedEvent) []effect {
	if m.state != StateL2CAPAwaitChannelPublished {
		// The Holder switched tracks while we were publishing.
		if e.err == nil {
			return []effect{unpublishEffect{psm: e.psm}}
		}
		return nil
	}

	held := m.heldReads
	m.heldReads = nil
	var effects []effect
	if e.err != nil {
		// Failing the reads sends the Holder to the legacy track.
		for _, req := range held {
			effects = append(effects, respondEffect{request: req, result: swift.CBATTErrorInsufficientResources})
		}
		return effects
	}

	m.psm = e.psm
	m.to(StateL2CAPChannelPublished, "channel published")
	value := transport.EncodePSM(e.psm)
	for _, req := range held {
		effects = append(effects, respondEffect{request: req, value: value})
	}
	return append(effects, notifyEffect{characteristic: transport.ReaderL2CAP, value: value})
}

func (m *fsm) onChannelOpened(e channelOpenedEvent) []effect {
	if m.state != StateL2CAPChannelPublished || e.err != nil {
		if e.channel != nil {
			e.channel.Close()
		}
		return nil
	}
	m.to(StateL2CAPStreamOpen, "channel opened")
	m.to(StateL2CAPSendingRequest, "sending request")
	return []effect{startStreamEffect{channel: e.channel}, streamSendEffect{data: m.request}}
}

func (m *fsm) onStreamData(e streamDataEvent) []effect {
	switch m.state {
	case StateL2CAPSendingRequest:
		m.to(StateL2CAPAwaitingResponse, "response arriving")
	case StateL2CAPAwaitingResponse:
	default:
		return nil
	}
	m.to(StateComplete, "response received")
	m.ended = true
	return m.completed(e.data, nil)
}

func (m *fsm) onWrite(e writeEvent) []effect {
	req := e.request
	m.learnMTU(e.mtu)
	id, _ := uuid.Parse(req.Characteristic.UUID)
	ack := respondEffect{request: req}

	switch id {
	case transport.ReaderState:
		return append([]effect{ack}, m.onStateValue(e.value)...)
	case transport.ReaderClientToServer:
		return append([]effect{ack}, m.onChunk(e.value)...)
	}
	return append([]effect{respondEffect{request: req, result: swift.CBATTErrorWriteNotPermitted}},
		m.fail(transport.UnknownCharacteristic(id))...)
}

func (m *fsm) onStateValue(value []byte) []effect {
	if len(value) != 1 {
		return m.fail(transport.StateValueLength(len(value)))
	}
	switch value[0] {
	case transport.StateStart:
		return m.onStart()
	case transport.StateEnd:
		return m.finish("holder ended session")
	}
	return m.fail(transport.UnknownStateValue(value[0]))
}

func (m *fsm) onStart() []effect {
	switch m.state {
	case StateStateSubscribed:
		m.startRequested = true
		return nil
	case StateAwaitRequestStart:
		return m.beginRequest()
	}
	return nil
}

func (m *fsm) beginRequest() []effect {
	mtu := m.mtu
	if mtu == 0 {
		mtu = wire.DefaultMTU
	}
	m.sender = transport.NewSender(m.request, transport.ChunkSize(mtu))
	m.to(StateSendingRequest, "holder ready")
	return []effect{m.nextChunk()}
}

func (m *fsm) nextChunk() effect {
	return notifyEffect{characteristic: transport.ReaderServerToClient, value: m.sender.Peek(), feedback: true}
}

func (m *fsm) onChunkNotified() []effect {
	if m.state != StateSendingRequest {
		return nil
	}
	sent, total := m.sender.Advance()
	effects := []effect{emitEffect{transport.Event{Kind: transport.EventUploadProgress, Sent: sent, Total: total}}}
	if !m.sender.Done() {
		return append(effects, m.nextChunk())
	}
	m.reassembler = transport.NewReassembler(transport.ReaderClientToServer)
	m.to(StateAwaitResponse, "request sent")
	return effects
}

func (m *fsm) onChunk(value []byte) []effect {
	if m.state != StateAwaitResponse {
		if err := transport.CheckChunk(transport.ReaderClientToServer, value); err != nil {
			return m.fail(err)
		}
		return []effect{dropEffect{characteristic: transport.ReaderClientToServer, size: len(value)}}
	}
	message, complete, err := m.reassembler.Append(value)
	if err != nil {
		return m.fail(err)
	}
	if !complete {
		return []effect{emitEffect{transport.Event{Kind: transport.EventDownloadProgress, Sent: m.reassembler.Len()}}}
	}
	m.to(StateComplete, "response received")
	m.ended = true
	return m.completed(message, []effect{notifyEffect{characteristic: transport.ReaderState, value: []byte{transport.StateEnd}}})
}

// completed reports the response and winds the session down. The link is
// left for the Holder to drop.
func (m *fsm) completed(response []byte, end []effect) []effect {
	effects := []effect{emitEffect{transport.Event{Kind: transport.EventMessageReceived, Data: response}}}
	effects = append(effects, end...)
	if m.psm != 0 {
		effects = append(effects, unpublishEffect{psm: m.psm})
		m.psm = 0
	}
	return append(effects, teardownEffect{}, emitEffect{transport.Event{Kind: transport.EventDone}})
}

func (m *fsm) onSubscribe(e subscribeEvent) []effect {
	m.learnMTU(e.mtu)
	id, _ := uuid.Parse(e.characteristic.UUID)

	switch id {
	case transport.ReaderState:
		m.stateNotifying = true
		switch {
		case m.state == StateServicePublished:
			m.path = transport.PathLegacy
			m.to(StateStateSubscribed, "state subscribed")
			return m.afterStateSubscribed()
		case m.state.beforePayload():
			return m.failover()
		}
	case transport.ReaderServerToClient:
		m.dataNotifying = true
		if m.state == StateStateSubscribed {
			return m.afterStateSubscribed()
		}
	}
	return nil
}

func (m *fsm) afterStateSubscribed() []effect {
	if !m.dataNotifying {
		return nil
	}
	m.to(StateAwaitRequestStart, "server2client subscribed")
	if m.startRequested {
		return m.beginRequest()
	}
	return nil
}

// failover abandons the L2CAP track for the legacy one. The Holder reached
// for State after reading the PSM, so its L2CAP open is not coming.
func (m *fsm) failover() []effect {
	var effects []effect
	for _, req := range m.heldReads {
		effects = append(effects, respondEffect{request: req, result: swift.CBATTErrorInsufficientResources})
	}
	m.heldReads = nil
	if m.psm != 0 {
		effects = append(effects, unpublishEffect{psm: m.psm})
		m.psm = 0
	}
	m.path = transport.PathLegacy
	m.to(StateStateSubscribed, "failover to legacy")
	return append(effects, m.afterStateSubscribed()...)
}

func (m *fsm) onUnsubscribe(e unsubscribeEvent) []effect {
	id, _ := uuid.Parse(e.characteristic.UUID)
	switch id {
	case transport.ReaderState:
		m.stateNotifying = false
		return m.fail(transport.PeerDisconnected(nil))
	case transport.ReaderServerToClient:
		m.dataNotifying = false
	}
	return nil
}

func (m *fsm) onDisconnectRequest() []effect {
	var effects []effect
	if m.stateNotifying {
		effects = append(effects, notifyEffect{characteristic: transport.ReaderState, value: []byte{transport.StateEnd}})
	}
	effects = append(effects, m.release()...)
	m.ended = true
	m.to(StateInitial, "cancelled")
	return append(effects, teardownEffect{dropLinks: true})
}

// release answers held reads and unpublishes the channel
func (m *fsm) release() []effect {
	var effects []effect
	for _, req := range m.heldReads {
		effects = append(effects, respondEffect{request: req, result: swift.CBATTErrorUnlikelyError})
	}
	m.heldReads = nil
	if m.psm != 0 {
		effects = append(effects, unpublishEffect{psm: m.psm})
		m.psm = 0
	}
	return effects
}

func (m *fsm) finish(cause string) []effect {
	effects := m.release()
	m.ended = true
	if m.state != StateComplete {
		m.to(StateInitial, cause)
	}
	return append(effects, teardownEffect{}, emitEffect{transport.Event{Kind: transport.EventDone}})
}

func (m *fsm) fail(err error) []effect {
	effects := m.release()
	m.ended = true
	m.to(StateFatalError, err.Error())
	m.to(StateHalted, "teardown")
	return append(effects, teardownEffect{dropLinks: true}, emitEffect{transport.Event{Kind: transport.EventError, Err: err}})
}
