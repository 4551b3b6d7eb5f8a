package wire

import (
	"io"
	"sync"
	"time"

	"github.com/pion/transport/v3/packetio"
	"github.com/pkg/errors"

	"github.com/user/mdoc-ble/logger"
	"github.com/user/mdoc-ble/wire/l2cap"
)

const (
	l2capRetryInterval = time.Millisecond

	// sduHeaderSize is what packetio stores ahead of every SDU
	sduHeaderSize = 2
)

// L2CAPChannel is one end of an LE connection oriented channel. Writes are
// split into SDUs of at most l2cap.CoCMTU bytes, fewer when the receive
// buffer is smaller, and block while the peer's receive buffer is full.
// Reads must use a buffer of at least l2cap.CoCMTU.
type L2CAPChannel struct {
	PSM      uint16
	PeerUUID string

	in  *packetio.Buffer
	out *packetio.Buffer
	sdu int

	closed    chan struct{}
	closeOnce sync.Once
}

func newL2CAPPair(psm uint16, centralUUID, peripheralUUID string, limit int) (central, peripheral *L2CAPChannel) {
	up := packetio.NewBuffer()
	down := packetio.NewBuffer()
	sdu := l2cap.CoCMTU
	if limit > 0 {
		// an empty buffer must always accept one SDU
		if limit < sduHeaderSize+1 {
			limit = sduHeaderSize + 1
		}
		sdu = min(sdu, limit-sduHeaderSize)
		up.SetLimitSize(limit)
		down.SetLimitSize(limit)
	}
	central = &L2CAPChannel{PSM: psm, PeerUUID: peripheralUUID, in: down, out: up, sdu: sdu, closed: make(chan struct{})}
	peripheral = &L2CAPChannel{PSM: psm, PeerUUID: centralUUID, in: up, out: down, sdu: sdu, closed: make(chan struct{})}
	return central, peripheral
}

func (c *L2CAPChannel) Read(p []byte) (int, error) {
	return c.in.Read(p)
}

func (c *L2CAPChannel) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		end := written + c.sdu
		if end > len(p) {
			end = len(p)
		}
		n, err := c.out.Write(p[written:end])
		if errors.Is(err, packetio.ErrFull) {
			select {
			case <-c.closed:
				return written, io.ErrClosedPipe
			case <-time.After(l2capRetryInterval):
				continue
			}
		}
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// Close closes both directions. The peer can still read what was already
// sent, then sees io.EOF.
func (c *L2CAPChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.out.Close()
		c.in.Close()
	})
	return nil
}

// PublishL2CAPChannel allocates a dynamic PSM peers can open
func (w *Wire) PublishL2CAPChannel() (uint16, error) {
	if !w.poweredOn() {
		return 0, ErrPoweredOff
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.nextPSM < l2cap.PSMDynamicStart {
		w.nextPSM = l2cap.PSMDynamicStart
	}
	for i := 0; i <= int(l2cap.PSMDynamicEnd-l2cap.PSMDynamicStart); i++ {
		psm := w.nextPSM
		w.nextPSM++
		if w.nextPSM > l2cap.PSMDynamicEnd {
			w.nextPSM = l2cap.PSMDynamicStart
		}
		if !w.psms[psm] {
			w.psms[psm] = true
			logger.Debug(w.logPrefix(), "📢 published L2CAP PSM 0x%04X", psm)
			return psm, nil
		}
	}
	return 0, ErrNoFreePSM
}

// UnpublishL2CAPChannel stops accepting opens on psm
func (w *Wire) UnpublishL2CAPChannel(psm uint16) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.psms[psm] {
		return errors.Errorf("wire: PSM 0x%04X not published", psm)
	}
	delete(w.psms, psm)
	logger.Debug(w.logPrefix(), "unpublished L2CAP PSM 0x%04X", psm)
	return nil
}

// IsPublished reports whether psm accepts opens
func (w *Wire) IsPublished(psm uint16) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.psms[psm]
}

// OpenL2CAPChannel opens a channel to a PSM the connected peer published
func (w *Wire) OpenL2CAPChannel(peerUUID string, psm uint16) (*L2CAPChannel, error) {
	l, err := w.link(peerUUID)
	if err != nil {
		return nil, err
	}
	if w.config.L2CAPOpenFails {
		return nil, errors.Wrapf(ErrL2CAPUnavailable, "PSM 0x%04X (injected failure)", psm)
	}
	peer := l.peerOf(w)
	if !peer.IsPublished(psm) {
		return nil, errors.Wrapf(ErrL2CAPUnavailable, "PSM 0x%04X not published by %s", psm, shortUUID(peerUUID))
	}

	local, remote := newL2CAPPair(psm, w.hardwareUUID, peer.hardwareUUID, w.config.L2CAPBufferSize)
	if !l.addChannel(local) || !l.addChannel(remote) {
		local.Close()
		remote.Close()
		return nil, ErrLinkClosed
	}
	if !peer.fireL2CAP(remote) {
		local.Close()
		remote.Close()
		return nil, errors.Wrapf(ErrL2CAPUnavailable, "PSM 0x%04X has no listener", psm)
	}

	logger.Debug(w.logPrefix(), "🛰️ opened L2CAP channel PSM 0x%04X to %s", psm, shortUUID(peerUUID))
	return local, nil
}
