package l2cap

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Fixed L2CAP channel IDs on an LE link
const (
	ChannelATT      uint16 = 0x0004 // Attribute Protocol
	ChannelLESignal uint16 = 0x0005 // LE L2CAP Signaling
)

// LE credit based channels use dynamically allocated SPSMs
const (
	PSMDynamicStart uint16 = 0x0080
	PSMDynamicEnd   uint16 = 0x00FF
)

const (
	HeaderLen = 4 // Length (2 bytes) + Channel ID (2 bytes)

	// CoCMTU is the SDU size of a simulated connection oriented channel.
	CoCMTU = 2048
)

// Packet is an L2CAP basic frame
// Format: [Length: 2 bytes] [Channel ID: 2 bytes] [Payload: N bytes]
type Packet struct {
	ChannelID uint16
	Payload   []byte
}

// Encode serializes the frame
func (p *Packet) Encode() []byte {
	buf := make([]byte, HeaderLen+len(p.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(p.Payload)))
	binary.LittleEndian.PutUint16(buf[2:4], p.ChannelID)
	copy(buf[4:], p.Payload)
	return buf
}

// Decode parses a basic frame
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderLen {
		return nil, errors.Errorf("l2cap: packet too short (need at least %d bytes, got %d)", HeaderLen, len(data))
	}

	length := int(binary.LittleEndian.Uint16(data[0:2]))
	if len(data) < HeaderLen+length {
		return nil, errors.Errorf("l2cap: incomplete packet (claimed length %d, got %d)", length, len(data)-HeaderLen)
	}

	payload := make([]byte, length)
	copy(payload, data[HeaderLen:HeaderLen+length])
	return &Packet{
		ChannelID: binary.LittleEndian.Uint16(data[2:4]),
		Payload:   payload,
	}, nil
}

// NewATTPacket wraps an ATT PDU for the ATT channel
func NewATTPacket(pdu []byte) *Packet {
	return &Packet{ChannelID: ChannelATT, Payload: pdu}
}

// IsDynamicPSM reports whether psm is in the LE dynamic range
func IsDynamicPSM(psm uint16) bool {
	return psm >= PSMDynamicStart && psm <= PSMDynamicEnd
}
