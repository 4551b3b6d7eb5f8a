package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
)

const (
	// IdleCheckDelay is how long after a read the stream checks for silence.
	IdleCheckDelay = 500 * time.Millisecond

	// IdleThreshold is the silence that ends an incoming message.
	IdleThreshold = 250 * time.Millisecond

	// DefaultStreamWriteSize is the largest piece handed to one Write call.
	DefaultStreamWriteSize = 1024

	streamReadSize   = 16 * 1024
	lengthPrefixSize = 4
)

// Framing selects how message boundaries are found on an L2CAP stream.
type Framing int

const (
	// FramingIdle ends a message after IdleThreshold of silence.
	FramingIdle Framing = iota

	// FramingLengthPrefixed puts a 4-byte big-endian length before each
	// message. Both ends must agree on it out of band.
	FramingLengthPrefixed
)

func (f Framing) String() string {
	switch f {
	case FramingLengthPrefixed:
		return "length"
	default:
		return "idle"
	}
}

// ParseFraming parses the --framing flag value.
func ParseFraming(s string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "idle":
		return FramingIdle, nil
	case "length", "length-prefixed":
		return FramingLengthPrefixed, nil
	}
	return FramingIdle, fmt.Errorf("transport: unknown framing %q", s)
}

// StreamHandler receives the callbacks of a StreamConnection. Callbacks come
// from the connection's own goroutines and must not block for long.
type StreamHandler interface {
	SentProgress(written, total int, fraction float64)
	SentComplete()
	ReceivedData(data []byte)
	ConnectionEnded(err error)
}

type StreamOptions struct {
	Framing       Framing
	WriteSize     int
	Clock         Clock
	LoggerFactory logging.LoggerFactory
	Name          string
}

// StreamConnection carries whole messages over a raw byte stream such as an
// L2CAP channel.
type StreamConnection struct {
	rwc     io.ReadWriteCloser
	handler StreamHandler
	opts    StreamOptions
	log     logging.LeveledLogger

	sendMu  sync.Mutex
	sending bool

	readMu   sync.Mutex
	incoming []byte
	lastRead time.Time
	timers   []Timer

	startOnce  sync.Once
	closeOnce  sync.Once
	localClose atomic.Bool
	endOnce    sync.Once
	closed     chan struct{}
}

// NewStreamConnection wraps rwc. Reading starts with Start.
func NewStreamConnection(rwc io.ReadWriteCloser, handler StreamHandler, opts StreamOptions) *StreamConnection {
	if opts.WriteSize <= 0 {
		opts.WriteSize = DefaultStreamWriteSize
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if opts.Name == "" {
		opts.Name = "stream"
	}
	return &StreamConnection{
		rwc:     rwc,
		handler: handler,
		opts:    opts,
		log:     opts.LoggerFactory.NewLogger(opts.Name),
		closed:  make(chan struct{}),
	}
}

func (c *StreamConnection) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

// Send writes one logical message. It returns false, doing nothing, while a
// previous send is still in flight or after the connection closed.
func (c *StreamConnection) Send(data []byte) bool {
	c.sendMu.Lock()
	if c.sending || c.isClosed() {
		c.sendMu.Unlock()
		return false
	}
	c.sending = true
	c.sendMu.Unlock()

	payload := data
	if c.opts.Framing == FramingLengthPrefixed {
		payload = make([]byte, lengthPrefixSize+len(data))
		binary.BigEndian.PutUint32(payload, uint32(len(data)))
		copy(payload[lengthPrefixSize:], data)
	} else {
		payload = append([]byte(nil), data...)
	}

	go c.writeLoop(payload)
	return true
}

// Sending reports whether a send is in flight.
func (c *StreamConnection) Sending() bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sending
}

func (c *StreamConnection) writeLoop(payload []byte) {
	total := len(payload)
	written := 0
	for written < total {
		end := written + c.opts.WriteSize
		if end > total {
			end = total
		}
		n, err := c.rwc.Write(payload[written:end])
		written += n
		if err != nil {
			c.log.Debugf("write failed after %d/%d bytes: %v", written, total, err)
			c.end(err)
			return
		}
		c.handler.SentProgress(written, total, float64(written)/float64(total))
	}

	c.sendMu.Lock()
	c.sending = false
	c.sendMu.Unlock()

	c.log.Tracef("sent %d bytes", total)
	c.handler.SentComplete()
}

func (c *StreamConnection) readLoop() {
	buf := make([]byte, streamReadSize)
	for {
		n, err := c.rwc.Read(buf)
		if n > 0 {
			c.received(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			c.end(err)
			return
		}
	}
}

func (c *StreamConnection) received(data []byte) {
	c.readMu.Lock()
	c.incoming = append(c.incoming, data...)
	c.lastRead = c.opts.Clock.Now()

	if c.opts.Framing == FramingLengthPrefixed {
		var frames [][]byte
		for len(c.incoming) >= lengthPrefixSize {
			size := int(binary.BigEndian.Uint32(c.incoming))
			if len(c.incoming) < lengthPrefixSize+size {
				break
			}
			frames = append(frames, c.incoming[lengthPrefixSize:lengthPrefixSize+size])
			c.incoming = c.incoming[lengthPrefixSize+size:]
		}
		if len(c.incoming) == 0 {
			c.incoming = nil
		}
		c.readMu.Unlock()

		for _, frame := range frames {
			c.handler.ReceivedData(frame)
		}
		return
	}

	c.timers = append(c.timers, c.opts.Clock.AfterFunc(IdleCheckDelay, c.checkIdle))
	c.readMu.Unlock()
}

// checkIdle delivers the buffered bytes once the stream has been silent for
// IdleThreshold.
func (c *StreamConnection) checkIdle() {
	if c.isClosed() {
		return
	}

	c.readMu.Lock()
	if len(c.incoming) == 0 {
		c.readMu.Unlock()
		return
	}
	if c.opts.Clock.Now().Sub(c.lastRead) < IdleThreshold {
		c.readMu.Unlock()
		return
	}
	message := c.incoming
	c.incoming = nil
	c.readMu.Unlock()

	c.log.Tracef("idle, delivering %d bytes", len(message))
	c.handler.ReceivedData(message)
}

// Buffered is the number of received bytes not yet delivered.
func (c *StreamConnection) Buffered() int {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return len(c.incoming)
}

func (c *StreamConnection) end(err error) {
	if c.localClose.Load() {
		return
	}
	c.endOnce.Do(func() {
		if errors.Is(err, io.EOF) {
			c.log.Debug("stream ended by peer")
		} else {
			c.log.Debugf("stream ended: %v", err)
		}
		c.shutdown()
		c.handler.ConnectionEnded(err)
	})
}

// Close closes the stream without reporting ConnectionEnded.
func (c *StreamConnection) Close() error {
	c.localClose.Store(true)
	return c.shutdown()
}

func (c *StreamConnection) shutdown() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.readMu.Lock()
		for _, t := range c.timers {
			t.Stop()
		}
		c.timers = nil
		c.readMu.Unlock()

		err = c.rwc.Close()
	})
	return err
}

func (c *StreamConnection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
