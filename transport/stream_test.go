package transport

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v3/packetio"
)

// bufferPipe is one end of a pair of packetio buffers.
type bufferPipe struct {
	in  *packetio.Buffer
	out *packetio.Buffer
}

func newBufferPipes() (*bufferPipe, *bufferPipe) {
	a := packetio.NewBuffer()
	b := packetio.NewBuffer()
	return &bufferPipe{in: a, out: b}, &bufferPipe{in: b, out: a}
}

func (p *bufferPipe) Read(b []byte) (int, error)  { return p.in.Read(b) }
func (p *bufferPipe) Write(b []byte) (int, error) { return p.out.Write(b) }
func (p *bufferPipe) Close() error {
	p.out.Close()
	return p.in.Close()
}

type recordingHandler struct {
	mu       sync.Mutex
	progress []int
	received [][]byte
	sent     chan struct{}
	data     chan []byte
	ended    chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		sent:  make(chan struct{}, 4),
		data:  make(chan []byte, 4),
		ended: make(chan error, 1),
	}
}

func (h *recordingHandler) SentProgress(written, total int, fraction float64) {
	h.mu.Lock()
	h.progress = append(h.progress, written)
	h.mu.Unlock()
}

func (h *recordingHandler) SentComplete() { h.sent <- struct{}{} }

func (h *recordingHandler) ReceivedData(data []byte) {
	h.mu.Lock()
	h.received = append(h.received, data)
	h.mu.Unlock()
	h.data <- data
}

func (h *recordingHandler) ConnectionEnded(err error) { h.ended <- err }

func (h *recordingHandler) receivedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

// waitBuffered polls until the connection has buffered n bytes.
func waitBuffered(t *testing.T, c *StreamConnection, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Buffered() < n {
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %d buffered bytes, have %d", n, c.Buffered())
		}
		time.Sleep(time.Millisecond)
	}
}

// TestStreamIdleDelivery verifies a message is delivered once the stream goes quiet
func TestStreamIdleDelivery(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	local, remote := newBufferPipes()
	h := newRecordingHandler()
	c := NewStreamConnection(local, h, StreamOptions{Clock: clock})
	c.Start()
	defer c.Close()

	remote.Write([]byte("hello "))
	waitBuffered(t, c, 6)

	// A second burst 300ms later resets the silence window.
	clock.Advance(300 * time.Millisecond)
	remote.Write([]byte("world"))
	waitBuffered(t, c, 11)

	// First check at 500ms sees only 200ms of silence.
	clock.Advance(200 * time.Millisecond)
	if h.receivedCount() != 0 {
		t.Fatal("Delivered before the stream went idle")
	}

	clock.Advance(300 * time.Millisecond)
	select {
	case got := <-h.data:
		if string(got) != "hello world" {
			t.Errorf("Expected 'hello world', got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for delivery")
	}

	clock.Advance(time.Second)
	if h.receivedCount() != 1 {
		t.Errorf("Expected exactly one delivery, got %d", h.receivedCount())
	}
	t.Logf("✅ idle framing delivered one message")
}

// TestStreamSendOncePerMessage verifies a second send while one is pending is ignored
func TestStreamSendOncePerMessage(t *testing.T) {
	local, remote := net.Pipe()
	h := newRecordingHandler()
	c := NewStreamConnection(local, h, StreamOptions{WriteSize: 100})
	defer c.Close()

	payload := bytes.Repeat([]byte{0x42}, 1000)
	if !c.Send(payload) {
		t.Fatal("First send rejected")
	}
	// net.Pipe writes block until read, so the first send is still pending.
	if c.Send([]byte("again")) {
		t.Fatal("Second send accepted while the first was pending")
	}

	var got []byte
	buf := make([]byte, 4096)
	for len(got) < len(payload) {
		n, err := remote.Read(buf)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, payload) {
		t.Error("Payload corrupted")
	}

	select {
	case <-h.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for send completion")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.progress) != 10 || h.progress[9] != 1000 {
		t.Errorf("Expected 10 progress steps ending at 1000, got %v", h.progress)
	}
}

// TestStreamLengthPrefixed verifies length framing splits back-to-back messages
func TestStreamLengthPrefixed(t *testing.T) {
	a, b := newBufferPipes()
	ha := newRecordingHandler()
	hb := newRecordingHandler()
	ca := NewStreamConnection(a, ha, StreamOptions{Framing: FramingLengthPrefixed, WriteSize: 7})
	cb := NewStreamConnection(b, hb, StreamOptions{Framing: FramingLengthPrefixed})
	cb.Start()
	defer ca.Close()
	defer cb.Close()

	for _, msg := range []string{"first message", "second"} {
		if !ca.Send([]byte(msg)) {
			t.Fatalf("Send %q rejected", msg)
		}
		<-ha.sent

		select {
		case got := <-hb.data:
			if string(got) != msg {
				t.Errorf("Expected %q, got %q", msg, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for %q", msg)
		}
	}
}

// TestStreamPeerClose verifies the peer closing the stream is reported
func TestStreamPeerClose(t *testing.T) {
	local, remote := newBufferPipes()
	h := newRecordingHandler()
	c := NewStreamConnection(local, h, StreamOptions{})
	c.Start()

	remote.Close()

	select {
	case err := <-h.ended:
		if !errors.Is(err, io.EOF) {
			t.Errorf("Expected EOF, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for connection end")
	}

	if c.Send([]byte("late")) {
		t.Error("Send after end should be rejected")
	}
}

// TestStreamLocalCloseIsQuiet verifies Close does not report ConnectionEnded
func TestStreamLocalCloseIsQuiet(t *testing.T) {
	local, _ := newBufferPipes()
	h := newRecordingHandler()
	c := NewStreamConnection(local, h, StreamOptions{})
	c.Start()
	c.Close()

	select {
	case err := <-h.ended:
		t.Fatalf("Unexpected ConnectionEnded: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestParseFraming verifies the framing flag values
func TestParseFraming(t *testing.T) {
	for in, want := range map[string]Framing{"": FramingIdle, "idle": FramingIdle, "LENGTH": FramingLengthPrefixed} {
		got, err := ParseFraming(in)
		if err != nil || got != want {
			t.Errorf("ParseFraming(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFraming("chunked"); err == nil {
		t.Error("Expected error for unknown framing")
	}
}
