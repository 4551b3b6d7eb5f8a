package wire

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/user/mdoc-ble/logger"
	"github.com/user/mdoc-ble/wire/att"
	"github.com/user/mdoc-ble/wire/l2cap"
)

// link is one BLE connection between a central and a peripheral. Each
// direction has its own ordered lane.
type link struct {
	central    *Wire
	peripheral *Wire
	mtu        int
	lanes      map[*Wire]*lane // keyed by sender

	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	channels []*L2CAPChannel
}

// lane delivers frames from one side of a link to the other, in order
type lane struct {
	link    *link
	from    *Wire
	to      *Wire
	queue   chan []byte
	blocked atomic.Bool
	pending atomic.Int32 // queued or in flight
}

func newLink(central, peripheral *Wire) *link {
	mtu := central.config.MaxMTU
	if peripheral.config.MaxMTU < mtu {
		mtu = peripheral.config.MaxMTU
	}
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}

	l := &link{
		central:    central,
		peripheral: peripheral,
		mtu:        mtu,
		lanes:      make(map[*Wire]*lane),
		closed:     make(chan struct{}),
	}
	l.lanes[central] = newLane(l, central, peripheral)
	l.lanes[peripheral] = newLane(l, peripheral, central)
	return l
}

func newLane(l *link, from, to *Wire) *lane {
	depth := from.config.TxQueueDepth
	if depth < 1 {
		depth = 1
	}
	return &lane{link: l, from: from, to: to, queue: make(chan []byte, depth)}
}

func (l *link) start() {
	for _, ln := range l.lanes {
		go ln.run()
	}
}

func (l *link) peerOf(w *Wire) *Wire {
	if w == l.central {
		return l.peripheral
	}
	return l.central
}

func (ln *lane) run() {
	interval := ln.from.config.ConnectionInterval
	for {
		select {
		case <-ln.link.closed:
			return
		case frame := <-ln.queue:
			if interval > 0 {
				select {
				case <-time.After(interval):
				case <-ln.link.closed:
					return
				}
			}
			ln.to.receive(ln.from.hardwareUUID, frame)
			ln.pending.Add(-1)
			if ln.blocked.CompareAndSwap(true, false) {
				ln.from.fireReady(ln.to.hardwareUUID)
			}
		}
	}
}

// flush waits until every frame handed to the lane has been delivered, or
// the timeout passes
func (ln *lane) flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for ln.pending.Load() > 0 && time.Now().Before(deadline) {
		select {
		case <-ln.link.closed:
			return
		case <-time.After(time.Millisecond):
		}
	}
}

func (l *link) close(reason error) {
	l.closeOnce.Do(func() {
		close(l.closed)

		l.central.removeLink(l.peripheral.hardwareUUID, l)
		l.peripheral.removeLink(l.central.hardwareUUID, l)

		l.mu.Lock()
		channels := l.channels
		l.channels = nil
		l.mu.Unlock()
		for _, ch := range channels {
			ch.Close()
		}

		logger.Debug(l.central.logPrefix(), "🔌 link to %s closed (%v)", shortUUID(l.peripheral.hardwareUUID), reason)
		l.central.fireDisconnect(l.peripheral.hardwareUUID, reason)
		l.peripheral.fireDisconnect(l.central.hardwareUUID, reason)
	})
}

func (l *link) addChannel(ch *L2CAPChannel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.closed:
		return false
	default:
	}
	l.channels = append(l.channels, ch)
	return true
}

func (w *Wire) removeLink(peerUUID string, l *link) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.links[peerUUID] == l {
		delete(w.links, peerUUID)
	}
}

func (w *Wire) link(peerUUID string) (*link, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	l, ok := w.links[peerUUID]
	if !ok {
		return nil, errors.Wrapf(ErrNotConnected, "peer %s", shortUUID(peerUUID))
	}
	return l, nil
}

// Connect opens a link to an advertising peripheral. The peripheral side is
// told through its connect callback.
func (w *Wire) Connect(peerUUID string) error {
	if !w.poweredOn() {
		return ErrPoweredOff
	}
	peer := w.air.device(peerUUID)
	if peer == nil {
		return errors.Wrapf(ErrDeviceNotFound, "connect %s", shortUUID(peerUUID))
	}
	if !peer.poweredOn() {
		return errors.Wrapf(ErrPoweredOff, "peer %s", shortUUID(peerUUID))
	}
	if _, ok := w.air.advert(peerUUID); !ok {
		return errors.Wrapf(ErrNotAdvertising, "connect %s", shortUUID(peerUUID))
	}

	w.mu.RLock()
	_, exists := w.links[peerUUID]
	w.mu.RUnlock()
	if exists {
		return nil
	}

	if d := w.config.ConnectionDelay; d > 0 {
		time.Sleep(d)
	}

	l := newLink(w, peer)
	w.mu.Lock()
	w.links[peerUUID] = l
	w.mu.Unlock()
	peer.mu.Lock()
	peer.links[w.hardwareUUID] = l
	peer.mu.Unlock()
	l.start()

	// MTU exchange: client proposes, server answers, both use the minimum.
	req, _ := att.EncodePacket(&att.ExchangeMTURequest{ClientRxMTU: uint16(w.config.MaxMTU)})
	rsp, _ := att.EncodePacket(&att.ExchangeMTUResponse{ServerRxMTU: uint16(peer.config.MaxMTU)})
	logger.Trace(w.logPrefix(), "MTU exchange %X / %X -> %d", req, rsp, l.mtu)
	logger.Debug(w.logPrefix(), "🔗 connected to %s (MTU %d)", shortUUID(peerUUID), l.mtu)

	peer.fireConnect(w.hardwareUUID, RolePeripheral)
	return nil
}

// Disconnect tears down the link to a peer. PDUs this side already queued
// are delivered first, like a link layer acknowledging pending data before
// it terminates.
func (w *Wire) Disconnect(peerUUID string) error {
	l, err := w.link(peerUUID)
	if err != nil {
		return err
	}
	l.lanes[w].flush(disconnectFlushTimeout)
	l.close(nil)
	return nil
}

// IsConnected reports whether a link to the peer is up
func (w *Wire) IsConnected(peerUUID string) bool {
	_, err := w.link(peerUUID)
	return err == nil
}

// GetConnectedPeers returns the UUIDs of every peer with a live link
func (w *Wire) GetConnectedPeers() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	peers := make([]string, 0, len(w.links))
	for id := range w.links {
		peers = append(peers, id)
	}
	return peers
}

// MTU returns the negotiated ATT MTU of the link, or DefaultMTU
func (w *Wire) MTU(peerUUID string) int {
	l, err := w.link(peerUUID)
	if err != nil {
		return DefaultMTU
	}
	return l.mtu
}

func (w *Wire) lane(peerUUID string) (*lane, error) {
	l, err := w.link(peerUUID)
	if err != nil {
		return nil, err
	}
	return l.lanes[w], nil
}

func (w *Wire) frame(ln *lane, pdu []byte) ([]byte, error) {
	if len(pdu) == 0 {
		return nil, errors.New("wire: empty PDU")
	}
	if len(pdu) > ln.link.mtu {
		return nil, errors.Wrapf(ErrMTUExceeded, "%s of %d bytes, MTU %d", att.OpcodeNames[pdu[0]], len(pdu), ln.link.mtu)
	}
	return l2cap.NewATTPacket(pdu).Encode(), nil
}

// SendATT queues a PDU, waiting for room in the lane
func (w *Wire) SendATT(peerUUID string, pdu []byte) error {
	ln, err := w.lane(peerUUID)
	if err != nil {
		return err
	}
	frame, err := w.frame(ln, pdu)
	if err != nil {
		return err
	}
	ln.pending.Add(1)
	select {
	case ln.queue <- frame:
		return nil
	case <-ln.link.closed:
		ln.pending.Add(-1)
		return ErrLinkClosed
	}
}

// TrySendATT queues a PDU if the lane has room. When it does not, false is
// returned and the ready callback fires once room frees up.
func (w *Wire) TrySendATT(peerUUID string, pdu []byte) (bool, error) {
	ln, err := w.lane(peerUUID)
	if err != nil {
		return false, err
	}
	frame, err := w.frame(ln, pdu)
	if err != nil {
		return false, err
	}
	ln.pending.Add(1)
	select {
	case ln.queue <- frame:
		return true, nil
	default:
	}

	ln.blocked.Store(true)
	// The lane may have drained between the two attempts.
	select {
	case ln.queue <- frame:
		return true, nil
	default:
		ln.pending.Add(-1)
		return false, nil
	}
}

// CanSend reports whether TrySendATT would currently succeed
func (w *Wire) CanSend(peerUUID string) bool {
	ln, err := w.lane(peerUUID)
	if err != nil {
		return false
	}
	return len(ln.queue) < cap(ln.queue)
}

func (w *Wire) receive(peerUUID string, frame []byte) {
	pkt, err := l2cap.Decode(frame)
	if err != nil {
		logger.Warn(w.logPrefix(), "dropping bad frame from %s: %v", shortUUID(peerUUID), err)
		return
	}
	if pkt.ChannelID != l2cap.ChannelATT || len(pkt.Payload) == 0 {
		logger.Trace(w.logPrefix(), "ignoring frame on channel 0x%04X", pkt.ChannelID)
		return
	}
	logger.Trace(w.logPrefix(), "⬇️ %s from %s (%d bytes)", att.OpcodeNames[pkt.Payload[0]], shortUUID(peerUUID), len(pkt.Payload))
	w.fireATT(peerUUID, pkt.Payload)
}
