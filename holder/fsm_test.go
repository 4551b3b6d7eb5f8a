package holder

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/user/mdoc-ble/swift"
	"github.com/user/mdoc-ble/transport"
)

var testService = uuid.MustParse("0000FF01-0000-1000-8000-00805F9B34FB")

func newTestFSM(useL2CAP bool, ident []byte) *fsm {
	clock := transport.NewManualClock(time.Unix(0, 0))
	return newFSM(testService, useL2CAP, ident, clock.Now)
}

func readerCharacteristic(id uuid.UUID, props swift.CBCharacteristicProperties) *swift.CBCharacteristic {
	return &swift.CBCharacteristic{UUID: transport.UUIDString(id), Properties: props}
}

// mandatoryCharacteristics is the Reader set without Ident and L2CAP
func mandatoryCharacteristics() []*swift.CBCharacteristic {
	return []*swift.CBCharacteristic{
		readerCharacteristic(transport.ReaderState, swift.CBCharacteristicPropertyNotify|swift.CBCharacteristicPropertyWriteWithoutResponse|swift.CBCharacteristicPropertyWrite),
		readerCharacteristic(transport.ReaderClientToServer, swift.CBCharacteristicPropertyWriteWithoutResponse|swift.CBCharacteristicPropertyWrite),
		readerCharacteristic(transport.ReaderServerToClient, swift.CBCharacteristicPropertyNotify),
	}
}

func emitted(effects []effect) []transport.Event {
	var events []transport.Event
	for _, eff := range effects {
		if e, ok := eff.(emitEffect); ok {
			events = append(events, e.event)
		}
	}
	return events
}

func findEffect[T effect](effects []effect) (T, bool) {
	for _, eff := range effects {
		if e, ok := eff.(T); ok {
			return e, true
		}
	}
	var zero T
	return zero, false
}

func lastError(t *testing.T, effects []effect) error {
	t.Helper()
	for _, ev := range emitted(effects) {
		if ev.Kind == transport.EventError {
			return ev.Err
		}
	}
	t.Fatalf("Expected an error event, got %v", emitted(effects))
	return nil
}

// connectFSM drives a machine up to characteristic discovery
func connectFSM(t *testing.T, m *fsm, mtu int) {
	t.Helper()
	if _, ok := findEffect[scanEffect](m.handle(hardwareEvent{state: swift.CBManagerStatePoweredOn})); !ok {
		t.Fatalf("Expected scan after power on")
	}
	if _, ok := findEffect[connectEffect](m.handle(discoveredEvent{})); !ok {
		t.Fatalf("Expected connect after discovery")
	}
	effects := m.handle(connectedEvent{mtu: mtu})
	if evs := emitted(effects); len(evs) != 1 || evs[0].Kind != transport.EventConnected {
		t.Fatalf("Expected connected event, got %v", evs)
	}
	if _, ok := findEffect[discoverCharacteristicsEffect](m.handle(servicesEvent{service: &swift.CBService{}})); !ok {
		t.Fatalf("Expected characteristic discovery")
	}
}

// subscribeLegacy finishes the legacy handshake
func subscribeLegacy(t *testing.T, m *fsm, chars []*swift.CBCharacteristic) {
	t.Helper()
	m.handle(subscribedEvent{characteristic: chars[0]})
	effects := m.handle(subscribedEvent{characteristic: chars[2]})
	start, ok := findEffect[writeStateEffect](effects)
	if !ok || start.value != transport.StateStart {
		t.Fatalf("Expected State=0x01 write after both subscriptions, got %v", effects)
	}
	if m.state != StateAwaitRequest {
		t.Fatalf("Expected %s, got %s", StateAwaitRequest, m.state)
	}
}

// TestLegacyExchange verifies the full legacy path: subscriptions, request
// reassembly, chunked response and termination by the Reader
func TestLegacyExchange(t *testing.T) {
	m := newTestFSM(false, nil)
	connectFSM(t, m, 185)

	chars := mandatoryCharacteristics()
	effects := m.handle(characteristicsEvent{characteristics: chars})
	if subs := countEffects[subscribeEffect](effects); subs != 2 {
		t.Fatalf("Expected 2 subscriptions, got %d", subs)
	}
	if m.path != transport.PathLegacy {
		t.Fatalf("Expected legacy path, got %s", m.path)
	}
	subscribeLegacy(t, m, chars)

	request := bytes.Repeat([]byte("mdoc-request-"), 80)
	chunks := transport.SplitMessage(request, transport.ChunkSize(185))
	var got []byte
	for i, chunk := range chunks {
		evs := emitted(m.handle(valueEvent{characteristic: chars[2], value: chunk}))
		if len(evs) != 1 {
			t.Fatalf("Expected one event for chunk %d, got %v", i, evs)
		}
		if i < len(chunks)-1 && evs[0].Kind != transport.EventDownloadProgress {
			t.Fatalf("Expected download progress for chunk %d, got %s", i, evs[0].Kind)
		}
		if i == len(chunks)-1 {
			if evs[0].Kind != transport.EventMessageReceived {
				t.Fatalf("Expected message on final chunk, got %s", evs[0].Kind)
			}
			got = evs[0].Data
		}
	}
	if !bytes.Equal(got, request) {
		t.Fatalf("Request mismatch: got %d bytes, want %d", len(got), len(request))
	}
	if m.state != StateRequestReceived {
		t.Fatalf("Expected %s, got %s", StateRequestReceived, m.state)
	}

	response := bytes.Repeat([]byte{0xA5}, 400)
	effects = m.handle(sendResponseEvent{data: response})
	var written []byte
	for m.state == StateSendingResponse {
		w, ok := findEffect[writeChunkEffect](effects)
		if !ok {
			t.Fatalf("Expected a chunk write while sending, got %v", effects)
		}
		if len(w.value) > transport.ChunkSize(185) {
			t.Fatalf("Chunk of %d bytes exceeds %d", len(w.value), transport.ChunkSize(185))
		}
		written = append(written, w.value[1:]...)
		effects = m.handle(chunkWrittenEvent{})
	}
	if !bytes.Equal(written, response) {
		t.Fatalf("Response mismatch: wrote %d bytes, want %d", len(written), len(response))
	}
	if m.state != StateComplete {
		t.Fatalf("Expected %s, got %s", StateComplete, m.state)
	}

	effects = m.handle(valueEvent{characteristic: chars[0], value: []byte{transport.StateEnd}})
	if evs := emitted(effects); len(evs) != 1 || evs[0].Kind != transport.EventDone {
		t.Fatalf("Expected done after State=0x02, got %v", evs)
	}
	if _, ok := findEffect[teardownEffect](effects); !ok {
		t.Fatalf("Expected teardown after State=0x02")
	}
	if !Visited(m.history, StateRequestReceived) {
		t.Fatalf("Complete reached without %s", StateRequestReceived)
	}
	t.Logf("✅ legacy exchange: %d request chunks, %d transitions", len(chunks), len(m.history))
}

func countEffects[T effect](effects []effect) int {
	n := 0
	for _, eff := range effects {
		if _, ok := eff.(T); ok {
			n++
		}
	}
	return n
}

// TestCharacteristicValidation verifies discovery fails closed on a missing
// characteristic or property
func TestCharacteristicValidation(t *testing.T) {
	tests := []struct {
		name  string
		chars func() []*swift.CBCharacteristic
		kind  transport.ErrorKind
	}{
		{
			name: "missing server2client",
			chars: func() []*swift.CBCharacteristic {
				return mandatoryCharacteristics()[:2]
			},
			kind: transport.KindCharacteristicMissing,
		},
		{
			name: "server2client without notify",
			chars: func() []*swift.CBCharacteristic {
				chars := mandatoryCharacteristics()
				chars[2].Properties = swift.CBCharacteristicPropertyRead
				return chars
			},
			kind: transport.KindCharacteristicProperty,
		},
		{
			name: "state without write without response",
			chars: func() []*swift.CBCharacteristic {
				chars := mandatoryCharacteristics()
				chars[0].Properties = swift.CBCharacteristicPropertyNotify | swift.CBCharacteristicPropertyWrite
				return chars
			},
			kind: transport.KindCharacteristicProperty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestFSM(false, nil)
			connectFSM(t, m, 185)
			err := lastError(t, m.handle(characteristicsEvent{characteristics: tt.chars()}))
			if !transport.IsKind(err, tt.kind) {
				t.Fatalf("Expected %s, got %v", tt.kind, err)
			}
			if m.state != StateHalted {
				t.Fatalf("Expected %s, got %s", StateHalted, m.state)
			}
		})
	}
}

// TestOptionalL2CAPWithoutReadIsIgnored verifies an unusable optional
// characteristic falls back to the legacy path instead of failing
func TestOptionalL2CAPWithoutReadIsIgnored(t *testing.T) {
	m := newTestFSM(true, nil)
	connectFSM(t, m, 185)
	chars := append(mandatoryCharacteristics(), readerCharacteristic(transport.ReaderL2CAP, swift.CBCharacteristicPropertyNotify))
	effects := m.handle(characteristicsEvent{characteristics: chars})
	if countEffects[subscribeEffect](effects) != 2 || m.path != transport.PathLegacy {
		t.Fatalf("Expected legacy subscriptions, got %v (path %s)", effects, m.path)
	}
}

// TestL2CAPOpenFailureFallsBack verifies the central side failover: a failed
// channel open subscribes and continues on the legacy path
func TestL2CAPOpenFailureFallsBack(t *testing.T) {
	m := newTestFSM(true, nil)
	connectFSM(t, m, 247)

	l2cap := readerCharacteristic(transport.ReaderL2CAP, swift.CBCharacteristicPropertyRead|swift.CBCharacteristicPropertyIndicate)
	chars := append(mandatoryCharacteristics(), l2cap)
	effects := m.handle(characteristicsEvent{characteristics: chars})
	read, ok := findEffect[readEffect](effects)
	if !ok || read.characteristic != l2cap {
		t.Fatalf("Expected PSM read, got %v", effects)
	}
	if m.path != transport.PathL2CAP {
		t.Fatalf("Expected l2cap path, got %s", m.path)
	}

	effects = m.handle(valueEvent{characteristic: l2cap, value: transport.EncodePSM(0x0081)})
	open, ok := findEffect[openChannelEffect](effects)
	if !ok || open.psm != 0x0081 {
		t.Fatalf("Expected open of PSM 0x0081, got %v", effects)
	}

	effects = m.handle(channelOpenedEvent{err: errors.New("no credits")})
	if countEffects[subscribeEffect](effects) != 2 {
		t.Fatalf("Expected legacy subscriptions after failed open, got %v", effects)
	}
	if m.path != transport.PathLegacy {
		t.Fatalf("Expected legacy path after failover, got %s", m.path)
	}
	subscribeLegacy(t, m, chars)
}

// TestL2CAPExchange verifies the stream path through to a clean end when the
// Reader closes the stream
func TestL2CAPExchange(t *testing.T) {
	m := newTestFSM(true, nil)
	connectFSM(t, m, 247)
	l2cap := readerCharacteristic(transport.ReaderL2CAP, swift.CBCharacteristicPropertyRead)
	m.handle(characteristicsEvent{characteristics: append(mandatoryCharacteristics(), l2cap)})
	m.handle(valueEvent{characteristic: l2cap, value: transport.EncodePSM(0x0080)})

	effects := m.handle(channelOpenedEvent{channel: nopChannel{}})
	if _, ok := findEffect[startStreamEffect](effects); !ok {
		t.Fatalf("Expected stream start, got %v", effects)
	}
	evs := emitted(m.handle(streamDataEvent{data: []byte("request")}))
	if len(evs) != 1 || string(evs[0].Data) != "request" {
		t.Fatalf("Expected request delivery, got %v", evs)
	}
	if _, ok := findEffect[streamSendEffect](m.handle(sendResponseEvent{data: []byte("response")})); !ok {
		t.Fatalf("Expected stream send")
	}
	m.handle(streamProgressEvent{written: 8, total: 8})
	m.handle(streamSentEvent{})
	if m.state != StateComplete {
		t.Fatalf("Expected %s, got %s", StateComplete, m.state)
	}
	evs = emitted(m.handle(streamEndedEvent{err: errors.New("EOF")}))
	if len(evs) != 1 || evs[0].Kind != transport.EventDone {
		t.Fatalf("Expected done on stream end after completion, got %v", evs)
	}
	if !Visited(m.history, StateL2CAPRequestReceived) {
		t.Fatalf("Complete reached without %s", StateL2CAPRequestReceived)
	}
}

// TestStreamEndBeforeCompletionIsAnError verifies an early stream end is
// reported as connectionEnded
func TestStreamEndBeforeCompletionIsAnError(t *testing.T) {
	m := newTestFSM(true, nil)
	connectFSM(t, m, 247)
	l2cap := readerCharacteristic(transport.ReaderL2CAP, swift.CBCharacteristicPropertyRead)
	m.handle(characteristicsEvent{characteristics: append(mandatoryCharacteristics(), l2cap)})
	m.handle(valueEvent{characteristic: l2cap, value: transport.EncodePSM(0x0080)})
	m.handle(channelOpenedEvent{channel: nopChannel{}})

	err := lastError(t, m.handle(streamEndedEvent{err: errors.New("reset")}))
	if !transport.IsKind(err, transport.KindConnectionEnded) {
		t.Fatalf("Expected connectionEnded, got %v", err)
	}
}

// TestDataErrors verifies malformed values end the session with the right
// error kind
func TestDataErrors(t *testing.T) {
	tests := []struct {
		name  string
		char  int
		value []byte
		kind  transport.ErrorKind
	}{
		{"state too long", 0, []byte{0x02, 0x00}, transport.KindStateValueLength},
		{"state unknown", 0, []byte{0x07}, transport.KindUnknownStateValue},
		{"chunk bad prefix", 2, []byte{0x05, 0x01}, transport.KindUnknownDataTransferPrefix},
		{"chunk empty", 2, []byte{}, transport.KindEmptyValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestFSM(false, nil)
			connectFSM(t, m, 185)
			chars := mandatoryCharacteristics()
			m.handle(characteristicsEvent{characteristics: chars})
			subscribeLegacy(t, m, chars)

			effects := m.handle(valueEvent{characteristic: chars[tt.char], value: tt.value})
			err := lastError(t, effects)
			if !transport.IsKind(err, tt.kind) {
				t.Fatalf("Expected %s, got %v", tt.kind, err)
			}
			for _, ev := range emitted(effects) {
				if ev.Kind == transport.EventMessageReceived {
					t.Fatalf("Malformed value must not deliver a message")
				}
			}
			if more := m.handle(valueEvent{characteristic: chars[0], value: []byte{transport.StateEnd}}); len(more) != 0 {
				t.Fatalf("Expected a halted machine to ignore events, got %v", more)
			}
		})
	}
}

// TestHardwareUnusable verifies a powered off or unauthorized radio halts the
// session immediately
func TestHardwareUnusable(t *testing.T) {
	for _, state := range []swift.CBManagerState{
		swift.CBManagerStatePoweredOff,
		swift.CBManagerStateUnauthorized,
		swift.CBManagerStateUnsupported,
	} {
		m := newTestFSM(false, nil)
		err := lastError(t, m.handle(hardwareEvent{state: state}))
		if !transport.IsKind(err, transport.KindHardwareUnusable) {
			t.Fatalf("Expected hardwareUnusable for %s, got %v", state, err)
		}
		if m.state != StateHalted {
			t.Fatalf("Expected %s, got %s", StateHalted, m.state)
		}
	}

	m := newTestFSM(false, nil)
	if effects := m.handle(hardwareEvent{state: swift.CBManagerStateResetting}); len(effects) != 0 {
		t.Fatalf("Expected resetting to wait, got %v", effects)
	}
}

// TestIdentCheck verifies the Ident value is compared when one is expected
func TestIdentCheck(t *testing.T) {
	ident := readerCharacteristic(transport.ReaderIdent, swift.CBCharacteristicPropertyRead)
	chars := append(mandatoryCharacteristics(), ident)

	m := newTestFSM(false, []byte{1, 2, 3})
	connectFSM(t, m, 185)
	if _, ok := findEffect[readEffect](m.handle(characteristicsEvent{characteristics: chars})); !ok {
		t.Fatalf("Expected Ident read")
	}
	err := lastError(t, m.handle(valueEvent{characteristic: ident, value: []byte{9, 9, 9}}))
	if !transport.IsKind(err, transport.KindIdentMismatch) {
		t.Fatalf("Expected identMismatch, got %v", err)
	}

	m = newTestFSM(false, []byte{1, 2, 3})
	connectFSM(t, m, 185)
	m.handle(characteristicsEvent{characteristics: chars})
	effects := m.handle(valueEvent{characteristic: ident, value: []byte{1, 2, 3}})
	if countEffects[subscribeEffect](effects) != 2 {
		t.Fatalf("Expected subscriptions after matching Ident, got %v", effects)
	}
}

// TestWriteBackpressure verifies a refused chunk is retried on the ready
// callback without advancing
func TestWriteBackpressure(t *testing.T) {
	m := newTestFSM(false, nil)
	connectFSM(t, m, 23)
	chars := mandatoryCharacteristics()
	m.handle(characteristicsEvent{characteristics: chars})
	subscribeLegacy(t, m, chars)
	m.handle(valueEvent{characteristic: chars[2], value: []byte{0x00, 'r', 'q'}})

	effects := m.handle(sendResponseEvent{data: bytes.Repeat([]byte{1}, 100)})
	first, _ := findEffect[writeChunkEffect](effects)
	if effects := m.handle(writeBlockedEvent{}); len(effects) != 0 {
		t.Fatalf("Expected blocked write to wait, got %v", effects)
	}
	retry, ok := findEffect[writeChunkEffect](m.handle(writeReadyEvent{}))
	if !ok || !bytes.Equal(retry.value, first.value) {
		t.Fatalf("Expected the same chunk to be retried")
	}
	if sent, _ := m.sender.Progress(); sent != 0 {
		t.Fatalf("Expected no progress before a write is accepted, got %d", sent)
	}
}

// TestDisconnectRequest verifies a caller disconnect writes State=0x02 and
// resets to initial
func TestDisconnectRequest(t *testing.T) {
	m := newTestFSM(false, nil)
	connectFSM(t, m, 185)
	chars := mandatoryCharacteristics()
	m.handle(characteristicsEvent{characteristics: chars})
	subscribeLegacy(t, m, chars)

	effects := m.handle(disconnectRequestEvent{})
	end, ok := findEffect[writeStateEffect](effects)
	if !ok || end.value != transport.StateEnd {
		t.Fatalf("Expected State=0x02 write, got %v", effects)
	}
	if _, ok := findEffect[lingerEffect](effects); !ok {
		t.Fatalf("Expected the link to be held for the write response, got %v", effects)
	}
	if _, ok := findEffect[teardownEffect](effects); ok {
		t.Fatalf("Expected no teardown before the Reader answers")
	}
	if m.state != StateInitial {
		t.Fatalf("Expected %s, got %s", StateInitial, m.state)
	}
	if more := m.handle(valueEvent{characteristic: chars[2], value: []byte{transport.ChunkLast}}); len(more) != 0 {
		t.Fatalf("Expected data to be ignored while ending, got %v", more)
	}

	effects = m.handle(stateWrittenEvent{})
	if _, ok := findEffect[teardownEffect](effects); !ok {
		t.Fatalf("Expected teardown once the write was answered, got %v", effects)
	}
	if len(emitted(effects)) != 0 {
		t.Fatalf("Expected no events after cancellation, got %v", emitted(effects))
	}
	if more := m.handle(disconnectedEvent{}); len(more) != 0 {
		t.Fatalf("Expected nothing after teardown, got %v", more)
	}
}

// TestDisconnectRequestFallbacks verifies the held link is dropped when the
// write response never comes, and at once when there is nothing to write
func TestDisconnectRequestFallbacks(t *testing.T) {
	for _, ev := range []event{lingerExpiredEvent{}, stateWrittenEvent{err: errors.New("write failed")}, streamEndedEvent{}, disconnectedEvent{}} {
		m := newTestFSM(false, nil)
		connectFSM(t, m, 185)
		chars := mandatoryCharacteristics()
		m.handle(characteristicsEvent{characteristics: chars})
		subscribeLegacy(t, m, chars)
		m.handle(disconnectRequestEvent{})

		effects := m.handle(ev)
		if _, ok := findEffect[teardownEffect](effects); !ok {
			t.Fatalf("Expected teardown on %T, got %v", ev, effects)
		}
		if len(emitted(effects)) != 0 {
			t.Fatalf("Expected no events on %T, got %v", ev, emitted(effects))
		}
	}

	m := newTestFSM(false, nil)
	effects := m.handle(disconnectRequestEvent{})
	if _, ok := findEffect[writeStateEffect](effects); ok {
		t.Fatalf("Expected no State write without a link")
	}
	if _, ok := findEffect[teardownEffect](effects); !ok {
		t.Fatalf("Expected immediate teardown without a link, got %v", effects)
	}
}

// TestPeerDisconnectBeforeCompletion verifies a dropped link mid exchange is
// an error and after completion is a clean end
func TestPeerDisconnectBeforeCompletion(t *testing.T) {
	m := newTestFSM(false, nil)
	connectFSM(t, m, 185)
	err := lastError(t, m.handle(disconnectedEvent{err: errors.New("supervision timeout")}))
	if !transport.IsKind(err, transport.KindPeerDisconnected) {
		t.Fatalf("Expected peerDisconnected, got %v", err)
	}

	m = newTestFSM(false, nil)
	m.state = StateComplete
	evs := emitted(m.handle(disconnectedEvent{}))
	if len(evs) != 1 || evs[0].Kind != transport.EventDone {
		t.Fatalf("Expected done, got %v", evs)
	}
}

type nopChannel struct{}

func (nopChannel) Read(p []byte) (int, error)  { return 0, nil }
func (nopChannel) Write(p []byte) (int, error) { return len(p), nil }
func (nopChannel) Close() error                { return nil }

// TestEarlyChunk verifies Server2Client data before the request phase is
// prefix checked, and dropped when well formed
func TestEarlyChunk(t *testing.T) {
	m := newTestFSM(false, nil)
	connectFSM(t, m, 185)
	chars := mandatoryCharacteristics()
	m.handle(characteristicsEvent{characteristics: chars})
	if m.state == StateAwaitRequest {
		t.Fatalf("Expected to still be subscribing")
	}
	before := m.state

	effects := m.handle(valueEvent{characteristic: chars[2], value: []byte{transport.ChunkLast, 'x'}})
	if _, ok := findEffect[dropEffect](effects); !ok {
		t.Fatalf("Expected the chunk to be dropped, got %v", effects)
	}
	if m.state != before {
		t.Fatalf("Expected %s after a dropped chunk, got %s", before, m.state)
	}

	err := lastError(t, m.handle(valueEvent{characteristic: chars[2], value: []byte{}}))
	if !transport.IsKind(err, transport.KindEmptyValue) {
		t.Fatalf("Expected emptyValue, got %v", err)
	}
	if m.state != StateHalted {
		t.Fatalf("Expected %s, got %s", StateHalted, m.state)
	}
}
