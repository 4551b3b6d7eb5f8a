package holder

import "github.com/user/mdoc-ble/transport"

// l2capConnection is the Holder side stream handler. Stream callbacks arrive
// on the stream's goroutines and are posted to the machine.
type l2capConnection struct {
	events *transport.Mailbox[event]
}

func (c *l2capConnection) SentProgress(written, total int, fraction float64) {
	c.events.Put(streamProgressEvent{written: written, total: total})
}

func (c *l2capConnection) SentComplete() {
	c.events.Put(streamSentEvent{})
}

func (c *l2capConnection) ReceivedData(data []byte) {
	c.events.Put(streamDataEvent{data: data})
}

func (c *l2capConnection) ConnectionEnded(err error) {
	c.events.Put(streamEndedEvent{err: err})
}
