package reader

import "time"

// State is the Reader machine's position in the exchange. The legacy and
// L2CAP tracks share the states before the Holder picks one and complete.
type State int

const (
	StateInitial State = iota
	StateHardwareOn
	StateServicePublished

	// Legacy track
	StateStateSubscribed
	StateAwaitRequestStart
	StateSendingRequest
	StateAwaitResponse

	// L2CAP track
	StateL2CAPRead
	StateL2CAPAwaitChannelPublished
	StateL2CAPChannelPublished
	StateL2CAPStreamOpen
	StateL2CAPSendingRequest
	StateL2CAPAwaitingResponse

	StateComplete
	StateFatalError
	StateHalted
)

var stateNames = map[State]string{
	StateInitial:                    "initial",
	StateHardwareOn:                 "hardwareOn",
	StateServicePublished:           "servicePublished",
	StateStateSubscribed:            "stateSubscribed",
	StateAwaitRequestStart:          "awaitRequestStart",
	StateSendingRequest:             "sendingRequest",
	StateAwaitResponse:              "awaitResponse",
	StateL2CAPRead:                  "l2capRead",
	StateL2CAPAwaitChannelPublished: "l2capAwaitChannelPublished",
	StateL2CAPChannelPublished:      "l2capChannelPublished",
	StateL2CAPStreamOpen:            "l2capStreamOpen",
	StateL2CAPSendingRequest:        "l2capSendingRequest",
	StateL2CAPAwaitingResponse:      "l2capAwaitingResponse",
	StateComplete:                   "complete",
	StateFatalError:                 "fatalError",
	StateHalted:                     "halted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// beforePayload reports whether the Holder may still switch to the legacy
// track from s.
func (s State) beforePayload() bool {
	switch s {
	case StateL2CAPRead, StateL2CAPAwaitChannelPublished, StateL2CAPChannelPublished:
		return true
	}
	return false
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
