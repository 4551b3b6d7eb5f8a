package transport

import "fmt"

// EventKind identifies an outward transport event.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventUploadProgress
	EventDownloadProgress
	EventMessageReceived
	EventError
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventUploadProgress:
		return "uploadProgress"
	case EventDownloadProgress:
		return "downloadProgress"
	case EventMessageReceived:
		return "messageReceived"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is delivered to the Listener of a Holder or Reader session.
//
// For GATT uploads Sent/Total count chunks, for L2CAP uploads they count
// bytes. Downloads carry the bytes received so far in Sent; Total is zero
// because messages carry no length.
type Event struct {
	Kind  EventKind
	Sent  int
	Total int
	Data  []byte
	Err   error
}

// Fraction returns Sent/Total, or 0 when the total is unknown.
func (e Event) Fraction() float64 {
	if e.Total <= 0 {
		return 0
	}
	return float64(e.Sent) / float64(e.Total)
}

func (e Event) String() string {
	switch e.Kind {
	case EventUploadProgress, EventDownloadProgress:
		return fmt.Sprintf("%s %d/%d", e.Kind, e.Sent, e.Total)
	case EventMessageReceived:
		return fmt.Sprintf("%s (%d bytes)", e.Kind, len(e.Data))
	case EventError:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

// Listener receives the events of one session.
type Listener interface {
	OnTransportEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnTransportEvent(e Event) {
	f(e)
}

// Path is the data path negotiated for a session.
type Path int

const (
	PathUndecided Path = iota
	PathLegacy
	PathL2CAP
)

func (p Path) String() string {
	switch p {
	case PathLegacy:
		return "legacy"
	case PathL2CAP:
		return "l2cap"
	default:
		return "undecided"
	}
}
