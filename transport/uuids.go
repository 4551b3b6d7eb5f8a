package transport

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// BaseUUIDSuffix is shared by every characteristic of the mdoc BLE service.
// The first 32 bits select the characteristic.
const BaseUUIDSuffix = "-A123-48CE-896B-4C76973373E6"

// CharacteristicUUID builds a characteristic UUID from its 32-bit prefix.
func CharacteristicUUID(prefix uint32) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("%08X%s", prefix, BaseUUIDSuffix))
}

// Characteristics published when the Holder is the GATT server.
var (
	HolderState          = CharacteristicUUID(0x00000001)
	HolderClientToServer = CharacteristicUUID(0x00000002)
	HolderServerToClient = CharacteristicUUID(0x00000003)
	HolderL2CAP          = CharacteristicUUID(0x0000000A)
)

// Characteristics published by the Reader, which is the GATT server in this
// design. The Holder discovers and validates this set.
var (
	ReaderState          = CharacteristicUUID(0x00000005)
	ReaderClientToServer = CharacteristicUUID(0x00000006)
	ReaderServerToClient = CharacteristicUUID(0x00000007)
	ReaderIdent          = CharacteristicUUID(0x00000008)
	ReaderL2CAP          = CharacteristicUUID(0x0000000B)
)

// State characteristic values.
const (
	StateStart byte = 0x01
	StateEnd   byte = 0x02
)

// Role is the function a characteristic plays in the exchange.
type Role int

const (
	RoleUnknown Role = iota
	RoleState
	RoleClientToServer
	RoleServerToClient
	RoleIdent
	RoleL2CAP
)

func (r Role) String() string {
	switch r {
	case RoleState:
		return "State"
	case RoleClientToServer:
		return "Client2Server"
	case RoleServerToClient:
		return "Server2Client"
	case RoleIdent:
		return "Ident"
	case RoleL2CAP:
		return "L2CAP"
	default:
		return "Unknown"
	}
}

// Property is a GATT characteristic property bit.
type Property uint8

const (
	PropRead                 Property = 0x02
	PropWriteWithoutResponse Property = 0x04
	PropWrite                Property = 0x08
	PropNotify               Property = 0x10
	PropIndicate             Property = 0x20
)

// Has reports whether every bit of want is set.
func (p Property) Has(want Property) bool {
	return p&want == want
}

func (p Property) String() string {
	var names []string
	if p&PropRead != 0 {
		names = append(names, "read")
	}
	if p&PropWrite != 0 {
		names = append(names, "write")
	}
	if p&PropWriteWithoutResponse != 0 {
		names = append(names, "writeWithoutResponse")
	}
	if p&PropNotify != 0 {
		names = append(names, "notify")
	}
	if p&PropIndicate != 0 {
		names = append(names, "indicate")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// CharacteristicSpec describes one characteristic of the service.
type CharacteristicSpec struct {
	UUID     uuid.UUID
	Name     string
	Role     Role
	Required Property
	Optional bool
}

var holderCharacteristics = []CharacteristicSpec{
	{UUID: HolderState, Name: "Holder:State", Role: RoleState, Required: PropNotify | PropWriteWithoutResponse},
	{UUID: HolderClientToServer, Name: "Holder:Client2Server", Role: RoleClientToServer, Required: PropWriteWithoutResponse},
	{UUID: HolderServerToClient, Name: "Holder:Server2Client", Role: RoleServerToClient, Required: PropNotify},
	{UUID: HolderL2CAP, Name: "Holder:L2CAP", Role: RoleL2CAP, Required: PropRead, Optional: true},
}

var readerCharacteristics = []CharacteristicSpec{
	{UUID: ReaderState, Name: "Reader:State", Role: RoleState, Required: PropNotify | PropWriteWithoutResponse | PropWrite},
	{UUID: ReaderClientToServer, Name: "Reader:Client2Server", Role: RoleClientToServer, Required: PropWriteWithoutResponse | PropWrite},
	{UUID: ReaderServerToClient, Name: "Reader:Server2Client", Role: RoleServerToClient, Required: PropNotify},
	{UUID: ReaderIdent, Name: "Reader:Ident", Role: RoleIdent, Required: PropRead, Optional: true},
	{UUID: ReaderL2CAP, Name: "Reader:L2CAP", Role: RoleL2CAP, Required: PropRead, Optional: true},
}

// HolderCharacteristics returns the characteristic set of the Holder-as-server service.
func HolderCharacteristics() []CharacteristicSpec {
	return append([]CharacteristicSpec(nil), holderCharacteristics...)
}

// ReaderCharacteristics returns the characteristic set of the Reader service.
func ReaderCharacteristics() []CharacteristicSpec {
	return append([]CharacteristicSpec(nil), readerCharacteristics...)
}

// LookupCharacteristic finds the spec for a characteristic UUID.
func LookupCharacteristic(id uuid.UUID) (CharacteristicSpec, bool) {
	for _, set := range [][]CharacteristicSpec{readerCharacteristics, holderCharacteristics} {
		for _, spec := range set {
			if spec.UUID == id {
				return spec, true
			}
		}
	}
	return CharacteristicSpec{}, false
}

// CharacteristicName maps a characteristic UUID to a human readable name.
func CharacteristicName(id uuid.UUID) string {
	if spec, ok := LookupCharacteristic(id); ok {
		return spec.Name
	}
	return fmt.Sprintf("unknown(%s)", UUIDString(id))
}

// RequiredProperties returns the properties a characteristic must carry to
// be usable, or zero for an unknown characteristic.
func RequiredProperties(id uuid.UUID) Property {
	spec, ok := LookupCharacteristic(id)
	if !ok {
		return 0
	}
	return spec.Required
}

// RoleOf returns the role of a known characteristic.
func RoleOf(id uuid.UUID) Role {
	spec, ok := LookupCharacteristic(id)
	if !ok {
		return RoleUnknown
	}
	return spec.Role
}

// UUIDString formats a UUID the way CoreBluetooth reports it (upper case).
func UUIDString(id uuid.UUID) string {
	return strings.ToUpper(id.String())
}

// NewSessionUUID creates the per-exchange service UUID.
func NewSessionUUID() uuid.UUID {
	return uuid.New()
}

// ParseSessionUUID parses the service UUID handed over at engagement.
func ParseSessionUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fmt.Errorf("transport: invalid session uuid %q: %w", s, err)
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("transport: nil session uuid")
	}
	return id, nil
}

// PSMLength is the size of the L2CAP-PSM characteristic value.
const PSMLength = 2

// EncodePSM encodes a PSM for the L2CAP characteristic (little endian).
func EncodePSM(psm uint16) []byte {
	buf := make([]byte, PSMLength)
	binary.LittleEndian.PutUint16(buf, psm)
	return buf
}

// DecodePSM decodes the L2CAP characteristic value.
func DecodePSM(characteristic uuid.UUID, value []byte) (uint16, error) {
	if len(value) == 0 {
		return 0, EmptyValue(characteristic)
	}
	if len(value) != PSMLength {
		return 0, InvalidPSM(len(value))
	}
	return binary.LittleEndian.Uint16(value), nil
}
