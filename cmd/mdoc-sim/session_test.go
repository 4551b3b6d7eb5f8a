package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/mdoc-ble/transport"
)

// TestRunSession verifies the simulator completes on every track
func TestRunSession(t *testing.T) {
	tests := []struct {
		name  string
		opts  options
		track transport.Path
	}{
		{"legacy", options{mtu: 185, requestSize: 700, responseSize: 1500}, transport.PathLegacy},
		{"l2cap", options{readerL2CAP: true, holderL2CAP: true, requestSize: 2000, responseSize: 5000}, transport.PathL2CAP},
		{"l2cap length", options{readerL2CAP: true, holderL2CAP: true, framing: transport.FramingLengthPrefixed, requestSize: 10, responseSize: 10}, transport.PathL2CAP},
		{"failover", options{readerL2CAP: true, holderL2CAP: true, failL2CAP: true, requestSize: 300, responseSize: 300}, transport.PathLegacy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.timeout = 10 * time.Second
			res, err := runSession(tt.opts)
			if err != nil {
				t.Fatalf("Failed to run session: %v", err)
			}
			if res.readerTrack != tt.track || res.holderPath != tt.track {
				t.Fatalf("Expected %s, got reader %s holder %s", tt.track, res.readerTrack, res.holderPath)
			}
			if res.requestBytes != tt.opts.requestSize || res.responseBytes != tt.opts.responseSize {
				t.Fatalf("Expected %d/%d bytes, got %d/%d", tt.opts.requestSize, tt.opts.responseSize, res.requestBytes, res.responseBytes)
			}
		})
	}
}

// TestRunSessionTranscript verifies the transcript is saved and summarised
func TestRunSessionTranscript(t *testing.T) {
	dir := t.TempDir()
	res, err := runSession(options{requestSize: 64, responseSize: 64, transcript: dir, timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Failed to run session: %v", err)
	}
	if filepath.Dir(res.transcriptPath) != dir {
		t.Fatalf("Expected transcript in %s, got %s", dir, res.transcriptPath)
	}
	data, err := os.ReadFile(res.transcriptPath)
	if err != nil {
		t.Fatalf("Failed to read transcript: %v", err)
	}
	if lines := bytes.Count(data, []byte("\n")); lines != res.records || lines == 0 {
		t.Fatalf("Expected %d transcript lines, got %d", res.records, lines)
	}

	var out bytes.Buffer
	res.print(&out)
	for _, want := range []string{"session", "reader=legacy", "request   64 bytes", "transcript"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Expected %q in summary:\n%s", want, out.String())
		}
	}
}

// TestRelayStopUnblocks verifies a listener stuck on a full queue returns
// once the relay is closed
func TestRelayStopUnblocks(t *testing.T) {
	r := newRelay(1)
	l := r.listener("holder")
	l.OnTransportEvent(transport.Event{Kind: transport.EventConnected})

	returned := make(chan struct{})
	go func() {
		l.OnTransportEvent(transport.Event{Kind: transport.EventUploadProgress})
		close(returned)
	}()
	select {
	case <-returned:
		t.Fatalf("Expected the listener to wait while the queue is full")
	case <-time.After(20 * time.Millisecond):
	}

	r.close()
	r.close()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for the listener to return after close")
	}
	if got := <-r.events; got.role != "holder" || got.event.Kind != transport.EventConnected {
		t.Fatalf("Expected the queued connected event, got %s %s", got.role, got.event.Kind)
	}
}

// TestRunSessionTimeout verifies a timed out run still tears both roles down
func TestRunSessionTimeout(t *testing.T) {
	finished := make(chan error, 1)
	go func() {
		_, err := runSession(options{mtu: 23, requestSize: 50000, responseSize: 50000, timeout: time.Millisecond})
		finished <- err
	}()
	select {
	case err := <-finished:
		if err == nil || !strings.Contains(err.Error(), "timed out") {
			t.Fatalf("Expected a timeout error, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Timed out waiting for the run to tear down")
	}
}
