package holder

import "time"

// State is the Holder machine's position in the exchange.
type State int

const (
	StateInitial State = iota
	StateHardwareOn
	StateAwaitPeripheralDiscovery
	StatePeripheralDiscovered
	StateCheckPeripheral
	StateAwaitRequest
	StateL2CAPAwaitRequest
	StateRequestReceived
	StateL2CAPRequestReceived
	StateSendingResponse
	StateL2CAPSendingResponse
	StateComplete
	StateFatalError
	StateHalted
)

var stateNames = map[State]string{
	StateInitial:                  "initial",
	StateHardwareOn:               "hardwareOn",
	StateAwaitPeripheralDiscovery: "awaitPeripheralDiscovery",
	StatePeripheralDiscovered:     "peripheralDiscovered",
	StateCheckPeripheral:          "checkPeripheral",
	StateAwaitRequest:             "awaitRequest",
	StateL2CAPAwaitRequest:        "l2capAwaitRequest",
	StateRequestReceived:          "requestReceived",
	StateL2CAPRequestReceived:     "l2capRequestReceived",
	StateSendingResponse:          "sendingResponse",
	StateL2CAPSendingResponse:     "l2capSendingResponse",
	StateComplete:                 "complete",
	StateFatalError:               "fatalError",
	StateHalted:                   "halted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Transition is one entry of the machine's history.
type Transition struct {
	At    time.Time
	From  State
	To    State
	Cause string
}

// Visited reports whether the history passes through s.
func Visited(history []Transition, s State) bool {
	for _, t := range history {
		if t.To == s {
			return true
		}
	}
	return false
}
