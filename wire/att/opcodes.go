package att

// ATT opcodes used on the simulated link (Core Spec v5.3 Vol 3, Part F, 3.4)
const (
	OpErrorResponse       = 0x01
	OpExchangeMTURequest  = 0x02
	OpExchangeMTUResponse = 0x03

	OpReadRequest  = 0x0A
	OpReadResponse = 0x0B

	OpWriteRequest  = 0x12
	OpWriteResponse = 0x13
	OpWriteCommand  = 0x52

	OpHandleValueNotification = 0x1B
	OpHandleValueIndication   = 0x1D
	OpHandleValueConfirmation = 0x1E
)

// OpcodeNames maps opcodes to human-readable names for logs
var OpcodeNames = map[uint8]string{
	OpErrorResponse:           "Error Response",
	OpExchangeMTURequest:      "Exchange MTU Request",
	OpExchangeMTUResponse:     "Exchange MTU Response",
	OpReadRequest:             "Read Request",
	OpReadResponse:            "Read Response",
	OpWriteRequest:            "Write Request",
	OpWriteResponse:           "Write Response",
	OpWriteCommand:            "Write Command",
	OpHandleValueNotification: "Handle Value Notification",
	OpHandleValueIndication:   "Handle Value Indication",
	OpHandleValueConfirmation: "Handle Value Confirmation",
}

// IsRequest returns true if the opcode expects a response from the peer
func IsRequest(opcode uint8) bool {
	switch opcode {
	case OpExchangeMTURequest, OpReadRequest, OpWriteRequest, OpHandleValueIndication:
		return true
	default:
		return false
	}
}

// IsServerInitiated returns true for PDUs the GATT server sends unprompted
func IsServerInitiated(opcode uint8) bool {
	return opcode == OpHandleValueNotification || opcode == OpHandleValueIndication
}

// GetResponseOpcode returns the response opcode for a request, or 0
func GetResponseOpcode(requestOpcode uint8) uint8 {
	switch requestOpcode {
	case OpExchangeMTURequest:
		return OpExchangeMTUResponse
	case OpReadRequest:
		return OpReadResponse
	case OpWriteRequest:
		return OpWriteResponse
	case OpHandleValueIndication:
		return OpHandleValueConfirmation
	default:
		return 0
	}
}
