package swift

import (
	"strings"

	"github.com/user/mdoc-ble/wire"
)

// CBL2CAPChannel is an open L2CAP connection oriented channel. It is the
// stream pair CoreBluetooth hands out, as one io.ReadWriteCloser.
type CBL2CAPChannel struct {
	PSM      uint16
	PeerUUID string

	channel *wire.L2CAPChannel
}

func newCBL2CAPChannel(ch *wire.L2CAPChannel) *CBL2CAPChannel {
	return &CBL2CAPChannel{PSM: ch.PSM, PeerUUID: ch.PeerUUID, channel: ch}
}

func (c *CBL2CAPChannel) Read(p []byte) (int, error) {
	return c.channel.Read(p)
}

func (c *CBL2CAPChannel) Write(p []byte) (int, error) {
	return c.channel.Write(p)
}

func (c *CBL2CAPChannel) Close() error {
	return c.channel.Close()
}

func uuidString(s string) string {
	return strings.ToUpper(s)
}
