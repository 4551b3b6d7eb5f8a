package att

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ExchangeMTURequest / Response (0x02 / 0x03)
type ExchangeMTURequest struct {
	ClientRxMTU uint16
}

type ExchangeMTUResponse struct {
	ServerRxMTU uint16
}

// ErrorResponse (0x01)
type ErrorResponse struct {
	RequestOpcode uint8
	Handle        uint16
	ErrorCode     uint8
}

// ReadRequest / ReadResponse (0x0A / 0x0B)
type ReadRequest struct {
	Handle uint16
}

type ReadResponse struct {
	Value []byte
}

// WriteRequest / WriteResponse (0x12 / 0x13)
type WriteRequest struct {
	Handle uint16
	Value  []byte
}

type WriteResponse struct{}

// WriteCommand (0x52), no response
type WriteCommand struct {
	Handle uint16
	Value  []byte
}

// HandleValueNotification (0x1B), no confirmation
type HandleValueNotification struct {
	Handle uint16
	Value  []byte
}

// HandleValueIndication (0x1D), confirmed with HandleValueConfirmation
type HandleValueIndication struct {
	Handle uint16
	Value  []byte
}

type HandleValueConfirmation struct{}

// HeaderSize is the opcode plus attribute handle carried by writes and
// notifications. A value may be at most MTU-HeaderSize bytes.
const HeaderSize = 3

// EncodePacket encodes an ATT PDU to binary format
func EncodePacket(pkt interface{}) ([]byte, error) {
	switch p := pkt.(type) {
	case *ExchangeMTURequest:
		buf := make([]byte, 3)
		buf[0] = OpExchangeMTURequest
		binary.LittleEndian.PutUint16(buf[1:3], p.ClientRxMTU)
		return buf, nil

	case *ExchangeMTUResponse:
		buf := make([]byte, 3)
		buf[0] = OpExchangeMTUResponse
		binary.LittleEndian.PutUint16(buf[1:3], p.ServerRxMTU)
		return buf, nil

	case *ErrorResponse:
		buf := make([]byte, 5)
		buf[0] = OpErrorResponse
		buf[1] = p.RequestOpcode
		binary.LittleEndian.PutUint16(buf[2:4], p.Handle)
		buf[4] = p.ErrorCode
		return buf, nil

	case *ReadRequest:
		buf := make([]byte, 3)
		buf[0] = OpReadRequest
		binary.LittleEndian.PutUint16(buf[1:3], p.Handle)
		return buf, nil

	case *ReadResponse:
		buf := make([]byte, 1+len(p.Value))
		buf[0] = OpReadResponse
		copy(buf[1:], p.Value)
		return buf, nil

	case *WriteRequest:
		return encodeHandleValue(OpWriteRequest, p.Handle, p.Value), nil

	case *WriteResponse:
		return []byte{OpWriteResponse}, nil

	case *WriteCommand:
		return encodeHandleValue(OpWriteCommand, p.Handle, p.Value), nil

	case *HandleValueNotification:
		return encodeHandleValue(OpHandleValueNotification, p.Handle, p.Value), nil

	case *HandleValueIndication:
		return encodeHandleValue(OpHandleValueIndication, p.Handle, p.Value), nil

	case *HandleValueConfirmation:
		return []byte{OpHandleValueConfirmation}, nil

	default:
		return nil, errors.Errorf("att: unsupported packet type %T", pkt)
	}
}

func encodeHandleValue(opcode uint8, handle uint16, value []byte) []byte {
	buf := make([]byte, HeaderSize+len(value))
	buf[0] = opcode
	binary.LittleEndian.PutUint16(buf[1:3], handle)
	copy(buf[3:], value)
	return buf
}

// DecodePacket parses an ATT PDU
func DecodePacket(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, errors.New("att: empty packet")
	}

	opcode := data[0]
	switch opcode {
	case OpExchangeMTURequest:
		if len(data) < 3 {
			return nil, errors.New("att: exchange mtu request too short")
		}
		return &ExchangeMTURequest{ClientRxMTU: binary.LittleEndian.Uint16(data[1:3])}, nil

	case OpExchangeMTUResponse:
		if len(data) < 3 {
			return nil, errors.New("att: exchange mtu response too short")
		}
		return &ExchangeMTUResponse{ServerRxMTU: binary.LittleEndian.Uint16(data[1:3])}, nil

	case OpErrorResponse:
		if len(data) < 5 {
			return nil, errors.New("att: error response too short")
		}
		return &ErrorResponse{
			RequestOpcode: data[1],
			Handle:        binary.LittleEndian.Uint16(data[2:4]),
			ErrorCode:     data[4],
		}, nil

	case OpReadRequest:
		if len(data) < 3 {
			return nil, errors.New("att: read request too short")
		}
		return &ReadRequest{Handle: binary.LittleEndian.Uint16(data[1:3])}, nil

	case OpReadResponse:
		return &ReadResponse{Value: append([]byte{}, data[1:]...)}, nil

	case OpWriteResponse:
		return &WriteResponse{}, nil

	case OpHandleValueConfirmation:
		return &HandleValueConfirmation{}, nil

	case OpWriteRequest, OpWriteCommand, OpHandleValueNotification, OpHandleValueIndication:
		if len(data) < HeaderSize {
			return nil, errors.Errorf("att: %s too short", OpcodeNames[opcode])
		}
		handle := binary.LittleEndian.Uint16(data[1:3])
		value := append([]byte{}, data[3:]...)
		switch opcode {
		case OpWriteRequest:
			return &WriteRequest{Handle: handle, Value: value}, nil
		case OpWriteCommand:
			return &WriteCommand{Handle: handle, Value: value}, nil
		case OpHandleValueNotification:
			return &HandleValueNotification{Handle: handle, Value: value}, nil
		default:
			return &HandleValueIndication{Handle: handle, Value: value}, nil
		}

	default:
		return nil, errors.Errorf("att: unknown opcode 0x%02X", opcode)
	}
}
