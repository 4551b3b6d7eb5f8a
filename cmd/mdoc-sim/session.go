package main

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/user/mdoc-ble/bluez"
	"github.com/user/mdoc-ble/holder"
	"github.com/user/mdoc-ble/logger"
	"github.com/user/mdoc-ble/reader"
	"github.com/user/mdoc-ble/transcript"
	"github.com/user/mdoc-ble/transport"
	"github.com/user/mdoc-ble/wire"
)

const (
	readerHardware = "5EADE200-0000-4000-8000-00000000000A"
	holderHardware = "401DE500-0000-4000-8000-00000000000B"
)

type options struct {
	readerL2CAP  bool
	holderL2CAP  bool
	failL2CAP    bool
	mtu          int
	requestSize  int
	responseSize int
	framing      transport.Framing
	realistic    bool
	timeout      time.Duration
	transcript   string
	adapter      string
}

type result struct {
	session        string
	readerTrack    transport.Path
	holderPath     transport.Path
	readerHistory  []reader.Transition
	holderHistory  []holder.Transition
	requestBytes   int
	responseBytes  int
	elapsed        time.Duration
	transcriptPath string
	records        int
}

type tagged struct {
	role  string
	event transport.Event
}

// relay funnels both roles' events to the waiting loop. Once stopped,
// listeners return without delivering so a run loop never blocks on a
// reader that has gone.
type relay struct {
	events chan tagged
	stop   chan struct{}
	once   sync.Once
}

func newRelay(size int) *relay {
	return &relay{events: make(chan tagged, size), stop: make(chan struct{})}
}

func (r *relay) listener(role string) transport.Listener {
	return transport.ListenerFunc(func(e transport.Event) {
		select {
		case r.events <- tagged{role: role, event: e}:
		case <-r.stop:
		}
	})
}

func (r *relay) close() {
	r.once.Do(func() { close(r.stop) })
}

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed ^ byte(i)
	}
	return b
}

func simulation(opts options) *wire.SimulationConfig {
	if opts.realistic {
		return wire.DefaultSimulationConfig()
	}
	return wire.PerfectSimulationConfig()
}

// runSession runs one exchange to completion and reports what each side
// saw. Either side reporting an error fails the run.
func runSession(opts options) (*result, error) {
	readerSim, holderSim := simulation(opts), simulation(opts)
	if opts.mtu > 0 {
		readerSim.MaxMTU = opts.mtu
	}
	holderSim.L2CAPOpenFails = opts.failL2CAP

	if opts.adapter != "" {
		adapter, err := bluez.NewAdapter(opts.adapter)
		if err != nil {
			return nil, err
		}
		defer adapter.Close()
		readerSim.Power = adapter
		holderSim.Power = adapter
		logger.Info("mdoc-sim", "📶 following adapter %s (%s)", adapter.Name(), adapter.RadioState())
	}

	air := wire.NewAir()
	readerWire := air.NewWire(readerHardware, readerSim)
	holderWire := air.NewWire(holderHardware, holderSim)
	defer readerWire.Close()
	defer holderWire.Close()

	service := transport.NewSessionUUID()
	tr := transcript.New(transport.UUIDString(service))
	events := newRelay(4096)
	forward := func(role string) transport.Listener {
		return tr.Listener(role, events.listener(role))
	}

	r, err := reader.New(reader.Config{
		ServiceUUID: service,
		UseL2CAP:    opts.readerL2CAP,
		LocalName:   "mdoc-sim reader",
		Framing:     opts.framing,
	}, readerWire, forward("reader"))
	if err != nil {
		return nil, err
	}
	h, err := holder.New(holder.Config{
		ServiceUUID: service,
		UseL2CAP:    opts.holderL2CAP,
		Framing:     opts.framing,
	}, holderWire, forward("holder"))
	if err != nil {
		return nil, err
	}
	defer func() {
		events.close()
		h.Close()
		r.Close()
		<-h.Done()
		<-r.Done()
	}()

	request, response := payload(opts.requestSize, 0x5A), payload(opts.responseSize, 0xA5)
	started := time.Now()
	if err := r.Start(request); err != nil {
		return nil, err
	}
	if err := h.Start(); err != nil {
		return nil, err
	}

	res := &result{session: tr.Session()}
	runErr := waitExchange(events.events, h, request, response, opts.timeout, res)
	res.elapsed = time.Since(started)
	res.readerTrack = r.Track()
	res.holderPath = h.Path()
	res.readerHistory = r.History()
	res.holderHistory = h.History()
	res.records = len(tr.Records())

	if opts.transcript != "" {
		path, err := tr.Save(opts.transcript)
		if err != nil {
			logger.Warn("mdoc-sim", "transcript not saved: %v", err)
		}
		res.transcriptPath = path
	}
	return res, runErr
}

func waitExchange(events <-chan tagged, h *holder.Machine, request, response []byte, timeout time.Duration, res *result) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.After(timeout)
	readerDone, holderDone := false, false

	for !readerDone || !holderDone {
		select {
		case <-deadline:
			return errors.Errorf("timed out after %s (reader done %v, holder done %v)", timeout, readerDone, holderDone)
		case t := <-events:
			e := t.event
			switch e.Kind {
			case transport.EventError:
				return errors.Wrap(e.Err, t.role)
			case transport.EventDone:
				if t.role == "reader" {
					readerDone = true
				} else {
					holderDone = true
				}
			case transport.EventMessageReceived:
				if t.role == "holder" {
					if !bytes.Equal(e.Data, request) {
						return errors.Errorf("holder received %d bytes, reader sent %d", len(e.Data), len(request))
					}
					res.requestBytes = len(e.Data)
					if err := h.SendResponse(response); err != nil {
						return errors.Wrap(err, "holder")
					}
					continue
				}
				if !bytes.Equal(e.Data, response) {
					return errors.Errorf("reader received %d bytes, holder sent %d", len(e.Data), len(response))
				}
				res.responseBytes = len(e.Data)
			case transport.EventUploadProgress, transport.EventDownloadProgress:
				logger.Trace("mdoc-sim", "%s %s", t.role, e)
			}
		}
	}
	return nil
}

func (r *result) print(w io.Writer) {
	fmt.Fprintf(w, "session   %s\n", r.session)
	fmt.Fprintf(w, "track     reader=%s holder=%s\n", r.readerTrack, r.holderPath)
	fmt.Fprintf(w, "request   %d bytes\n", r.requestBytes)
	fmt.Fprintf(w, "response  %d bytes\n", r.responseBytes)
	fmt.Fprintf(w, "elapsed   %s\n", r.elapsed.Round(time.Millisecond))
	fmt.Fprintln(w, "reader:")
	for _, t := range r.readerHistory {
		fmt.Fprintf(w, "  %-28s -> %-28s %s\n", t.From, t.To, t.Cause)
	}
	fmt.Fprintln(w, "holder:")
	for _, t := range r.holderHistory {
		fmt.Fprintf(w, "  %-28s -> %-28s %s\n", t.From, t.To, t.Cause)
	}
	if r.transcriptPath != "" {
		fmt.Fprintf(w, "transcript %s (%d records)\n", r.transcriptPath, r.records)
	}
}
