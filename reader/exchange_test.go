package reader_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/user/mdoc-ble/holder"
	"github.com/user/mdoc-ble/reader"
	"github.com/user/mdoc-ble/transport"
	"github.com/user/mdoc-ble/wire"
)

const (
	holderUUID = "11111111-0000-0000-0000-00000000A001"
	readerUUID = "22222222-0000-0000-0000-00000000B001"

	exchangeTimeout = 5 * time.Second
)

// recorder buffers every event of one session
type recorder struct {
	events chan transport.Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan transport.Event, 4096)}
}

func (r *recorder) OnTransportEvent(e transport.Event) {
	r.events <- e
}

// waitFor returns the first event of kind. Any error event fails the test
// unless an error is what we wait for.
func (r *recorder) waitFor(t *testing.T, who string, kind transport.EventKind) transport.Event {
	t.Helper()
	deadline := time.After(exchangeTimeout)
	for {
		select {
		case e := <-r.events:
			if e.Kind == kind {
				return e
			}
			if e.Kind == transport.EventError {
				t.Fatalf("%s: unexpected error: %v", who, e.Err)
			}
		case <-deadline:
			t.Fatalf("%s: timed out waiting for %s", who, kind)
		}
	}
}

type session struct {
	readerWire *wire.Wire
	holderWire *wire.Wire
	reader     *reader.Machine
	holder     *holder.Machine
	readerRec  *recorder
	holderRec  *recorder
}

type sessionOptions struct {
	readerL2CAP bool
	holderL2CAP bool
	framing     transport.Framing
	readerSim   *wire.SimulationConfig
	holderSim   *wire.SimulationConfig
}

func newSession(t *testing.T, opts sessionOptions) *session {
	t.Helper()
	if opts.readerSim == nil {
		opts.readerSim = wire.PerfectSimulationConfig()
	}
	if opts.holderSim == nil {
		opts.holderSim = wire.PerfectSimulationConfig()
	}

	air := wire.NewAir()
	s := &session{
		readerWire: air.NewWire(readerUUID, opts.readerSim),
		holderWire: air.NewWire(holderUUID, opts.holderSim),
		readerRec:  newRecorder(),
		holderRec:  newRecorder(),
	}
	service := transport.NewSessionUUID()

	var err error
	s.reader, err = reader.New(reader.Config{
		ServiceUUID: service,
		UseL2CAP:    opts.readerL2CAP,
		Ident:       []byte{0x01, 0x02, 0x03, 0x04},
		LocalName:   "mdoc reader",
		Framing:     opts.framing,
	}, s.readerWire, s.readerRec)
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}
	s.holder, err = holder.New(holder.Config{
		ServiceUUID: service,
		UseL2CAP:    opts.holderL2CAP,
		Framing:     opts.framing,
	}, s.holderWire, s.holderRec)
	if err != nil {
		t.Fatalf("Failed to create holder: %v", err)
	}

	t.Cleanup(func() {
		s.holder.Close()
		s.reader.Close()
		<-s.holder.Done()
		<-s.reader.Done()
		s.holderWire.Close()
		s.readerWire.Close()
	})
	return s
}

func (s *session) start(t *testing.T, request []byte) {
	t.Helper()
	if err := s.reader.Start(request); err != nil {
		t.Fatalf("Failed to start reader: %v", err)
	}
	if err := s.holder.Start(); err != nil {
		t.Fatalf("Failed to start holder: %v", err)
	}
}

// exchange runs one request/response round trip and checks both ends
func (s *session) exchange(t *testing.T, request, response []byte) {
	t.Helper()
	s.start(t, request)

	s.holderRec.waitFor(t, "holder", transport.EventConnected)
	got := s.holderRec.waitFor(t, "holder", transport.EventMessageReceived)
	if !bytes.Equal(got.Data, request) {
		t.Fatalf("Holder received %d bytes, expected %d", len(got.Data), len(request))
	}
	if err := s.holder.SendResponse(response); err != nil {
		t.Fatalf("Failed to send response: %v", err)
	}

	got = s.readerRec.waitFor(t, "reader", transport.EventMessageReceived)
	if !bytes.Equal(got.Data, response) {
		t.Fatalf("Reader received %d bytes, expected %d", len(got.Data), len(response))
	}
	s.readerRec.waitFor(t, "reader", transport.EventDone)
	s.holderRec.waitFor(t, "holder", transport.EventDone)

	if s.reader.State() != reader.StateComplete {
		t.Fatalf("Expected reader %s, got %s", reader.StateComplete, s.reader.State())
	}
	if s.holder.State() != holder.StateComplete {
		t.Fatalf("Expected holder %s, got %s", holder.StateComplete, s.holder.State())
	}
}

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

// TestLegacyExchange verifies a full GATT exchange with multi-chunk
// messages in both directions
func TestLegacyExchange(t *testing.T) {
	s := newSession(t, sessionOptions{})
	request, response := payload(1000, 1), payload(3000, 9)
	s.exchange(t, request, response)

	if s.reader.Track() != transport.PathLegacy || s.holder.Path() != transport.PathLegacy {
		t.Fatalf("Expected legacy on both sides, got reader %s holder %s", s.reader.Track(), s.holder.Path())
	}
	if !reader.Visited(s.reader.History(), reader.StateAwaitResponse) {
		t.Fatalf("Expected reader history to pass through %s", reader.StateAwaitResponse)
	}
	t.Logf("✅ legacy exchange: %d byte request, %d byte response", len(request), len(response))
}

// TestSmallMTUExchange verifies chunking at the default MTU
func TestSmallMTUExchange(t *testing.T) {
	readerSim := wire.PerfectSimulationConfig()
	readerSim.MaxMTU = wire.DefaultMTU
	s := newSession(t, sessionOptions{readerSim: readerSim})
	s.exchange(t, payload(200, 3), payload(90, 4))
}

// TestL2CAPExchange verifies the stream path with idle framing
func TestL2CAPExchange(t *testing.T) {
	s := newSession(t, sessionOptions{readerL2CAP: true, holderL2CAP: true})
	s.exchange(t, payload(4000, 5), payload(6000, 6))

	if s.reader.Track() != transport.PathL2CAP || s.holder.Path() != transport.PathL2CAP {
		t.Fatalf("Expected l2cap on both sides, got reader %s holder %s", s.reader.Track(), s.holder.Path())
	}
	if s.readerWire.IsPublished(0x80) {
		t.Fatalf("Expected PSM 0x80 to be unpublished after the exchange")
	}
	t.Logf("✅ l2cap exchange completed")
}

// TestL2CAPLengthPrefixedExchange verifies the optional length prefixed
// framing
func TestL2CAPLengthPrefixedExchange(t *testing.T) {
	s := newSession(t, sessionOptions{readerL2CAP: true, holderL2CAP: true, framing: transport.FramingLengthPrefixed})
	s.exchange(t, payload(10, 1), payload(70000, 2))
}

// TestL2CAPFailover verifies a failed channel open drops both sides to the
// legacy track and releases the published channel
func TestL2CAPFailover(t *testing.T) {
	holderSim := wire.PerfectSimulationConfig()
	holderSim.L2CAPOpenFails = true
	s := newSession(t, sessionOptions{readerL2CAP: true, holderL2CAP: true, holderSim: holderSim})
	s.exchange(t, payload(600, 7), payload(600, 8))

	if s.reader.Track() != transport.PathLegacy || s.holder.Path() != transport.PathLegacy {
		t.Fatalf("Expected legacy after failover, got reader %s holder %s", s.reader.Track(), s.holder.Path())
	}
	if !reader.Visited(s.reader.History(), reader.StateL2CAPChannelPublished) {
		t.Fatalf("Expected the reader to have published a channel before failing over")
	}
	if s.readerWire.IsPublished(0x80) {
		t.Fatalf("Expected PSM 0x80 to be unpublished after failover")
	}
}

// TestHolderWithoutL2CAP verifies a Holder that ignores the PSM is served on
// the legacy track
func TestHolderWithoutL2CAP(t *testing.T) {
	s := newSession(t, sessionOptions{readerL2CAP: true})
	s.exchange(t, payload(300, 1), payload(300, 2))
	if s.reader.Track() != transport.PathLegacy {
		t.Fatalf("Expected legacy, got %s", s.reader.Track())
	}
	if reader.Visited(s.reader.History(), reader.StateL2CAPRead) {
		t.Fatalf("Expected no PSM read from a legacy only holder")
	}
}

// TestReaderHardwareUnusable verifies a powered off radio is reported as an
// error without publishing anything
func TestReaderHardwareUnusable(t *testing.T) {
	readerSim := wire.PerfectSimulationConfig()
	readerSim.Power = wire.FixedPower(wire.RadioPoweredOff)
	s := newSession(t, sessionOptions{readerSim: readerSim})
	if err := s.reader.Start([]byte("req")); err != nil {
		t.Fatalf("Failed to start reader: %v", err)
	}
	e := s.readerRec.waitFor(t, "reader", transport.EventError)
	if !transport.IsKind(e.Err, transport.KindHardwareUnusable) {
		t.Fatalf("Expected hardwareUnusable, got %v", e.Err)
	}
	if s.reader.State() != reader.StateHalted {
		t.Fatalf("Expected %s, got %s", reader.StateHalted, s.reader.State())
	}
}

// TestHolderTermination verifies a Holder disconnect after the request is
// seen by the Reader as a clean end on both tracks
func TestHolderTermination(t *testing.T) {
	tests := []struct {
		name  string
		l2cap bool
	}{
		{"legacy", false},
		{"l2cap", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, sessionOptions{readerL2CAP: tt.l2cap, holderL2CAP: tt.l2cap})
			s.start(t, payload(100, 1))
			s.holderRec.waitFor(t, "holder", transport.EventMessageReceived)
			if tt.l2cap && s.holder.Path() != transport.PathL2CAP {
				t.Fatalf("Expected the l2cap path, got %s", s.holder.Path())
			}

			s.holder.Disconnect()
			s.readerRec.waitFor(t, "reader", transport.EventDone)

			deadline := time.Now().Add(exchangeTimeout)
			for s.reader.State() != reader.StateInitial && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			if s.reader.State() != reader.StateInitial {
				t.Fatalf("Expected reader %s, got %s", reader.StateInitial, s.reader.State())
			}
			if reader.Visited(s.reader.History(), reader.StateHalted) {
				t.Fatalf("Expected no halt on holder termination")
			}
			t.Logf("✅ %s holder termination ended the reader cleanly", tt.name)
		})
	}
}

// TestBackpressureTinyQueue verifies multi-chunk messages survive a one slot
// transmit queue at the default MTU
func TestBackpressureTinyQueue(t *testing.T) {
	readerSim := wire.PerfectSimulationConfig()
	readerSim.MaxMTU = wire.DefaultMTU
	readerSim.TxQueueDepth = 1
	holderSim := wire.PerfectSimulationConfig()
	holderSim.TxQueueDepth = 1
	s := newSession(t, sessionOptions{readerSim: readerSim, holderSim: holderSim})
	s.exchange(t, payload(3000, 11), payload(3000, 12))
}

// TestReaderLifecycle verifies Start and Close guard their order
func TestReaderLifecycle(t *testing.T) {
	air := wire.NewAir()
	radio := air.NewWire(readerUUID, wire.PerfectSimulationConfig())
	defer radio.Close()

	if _, err := reader.New(reader.Config{}, radio, nil); err == nil {
		t.Fatalf("Expected an error without a service UUID")
	}
	m, err := reader.New(reader.Config{ServiceUUID: uuid.New()}, radio, nil)
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}
	if err := m.Start(nil); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	if err := m.Start(nil); err != transport.ErrAlreadyStarted {
		t.Fatalf("Expected ErrAlreadyStarted, got %v", err)
	}
	m.Close()
	<-m.Done()
	if err := m.Start(nil); err != transport.ErrSessionClosed {
		t.Fatalf("Expected ErrSessionClosed, got %v", err)
	}
}
