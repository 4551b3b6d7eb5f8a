package advertising

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// AD Types (Advertising Data Types)
const (
	ADTypeFlags                        = 0x01
	ADTypeIncomplete128BitServiceUUIDs = 0x06
	ADTypeComplete128BitServiceUUIDs   = 0x07
	ADTypeShortenedLocalName           = 0x08
	ADTypeCompleteLocalName            = 0x09
	ADTypeTxPowerLevel                 = 0x0A
)

// Advertising Flags
const (
	FlagLEGeneralDiscoverableMode = 0x02
	FlagBREDRNotSupported         = 0x04
)

// MaxAdvertisingDataLen is the legacy advertising payload limit. The scan
// response has the same limit.
const MaxAdvertisingDataLen = 31

// ADStructure is a single TLV in advertising data
// Format: [Length: 1 byte] [Type: 1 byte] [Data: N bytes]
type ADStructure struct {
	Type byte
	Data []byte
}

// Data is the decoded content of an advertisement plus scan response
type Data struct {
	LocalName    string
	ServiceUUIDs []uuid.UUID
	TxPower      *int8
	Connectable  bool
}

// EncodeADStructures encodes AD structures into one payload
func EncodeADStructures(structures []ADStructure) ([]byte, error) {
	var buf []byte
	for _, s := range structures {
		length := 1 + len(s.Data)
		if length > 255 {
			return nil, errors.Errorf("advertising: AD structure too long: %d bytes", length)
		}
		buf = append(buf, byte(length), s.Type)
		buf = append(buf, s.Data...)
	}
	if len(buf) > MaxAdvertisingDataLen {
		return nil, errors.Errorf("advertising: data exceeds %d bytes: %d", MaxAdvertisingDataLen, len(buf))
	}
	return buf, nil
}

// DecodeADStructures parses a payload into AD structures
func DecodeADStructures(data []byte) ([]ADStructure, error) {
	var structures []ADStructure
	offset := 0
	for offset < len(data) {
		length := int(data[offset])
		if length == 0 {
			// padding
			break
		}
		offset++
		if offset+length > len(data) {
			return nil, errors.Errorf("advertising: AD structure length exceeds data: length=%d, remaining=%d", length, len(data)-offset)
		}
		structures = append(structures, ADStructure{
			Type: data[offset],
			Data: append([]byte(nil), data[offset+1:offset+length]...),
		})
		offset += length
	}
	return structures, nil
}

// Build lays out an advertisement. Flags and the 128-bit service UUIDs go
// into the advertising payload; the local name goes there too when it fits,
// otherwise into the scan response.
func Build(d Data) (adv []byte, scanResponse []byte, err error) {
	var advStructs []ADStructure
	if d.Connectable {
		advStructs = append(advStructs, ADStructure{Type: ADTypeFlags, Data: []byte{FlagLEGeneralDiscoverableMode | FlagBREDRNotSupported}})
	}
	if len(d.ServiceUUIDs) > 0 {
		data := make([]byte, 0, 16*len(d.ServiceUUIDs))
		for _, id := range d.ServiceUUIDs {
			data = append(data, uuidToLE(id)...)
		}
		advStructs = append(advStructs, ADStructure{Type: ADTypeComplete128BitServiceUUIDs, Data: data})
	}
	if d.TxPower != nil {
		advStructs = append(advStructs, ADStructure{Type: ADTypeTxPowerLevel, Data: []byte{byte(*d.TxPower)}})
	}

	adv, err = EncodeADStructures(advStructs)
	if err != nil {
		return nil, nil, err
	}
	if d.LocalName == "" {
		return adv, nil, nil
	}

	name := ADStructure{Type: ADTypeCompleteLocalName, Data: []byte(d.LocalName)}
	if withName, err := EncodeADStructures(append(advStructs, name)); err == nil {
		return withName, nil, nil
	}

	// Scan response: complete name if it fits, shortened otherwise.
	room := MaxAdvertisingDataLen - 2
	if len(name.Data) > room {
		name = ADStructure{Type: ADTypeShortenedLocalName, Data: name.Data[:room]}
	}
	scanResponse, err = EncodeADStructures([]ADStructure{name})
	if err != nil {
		return nil, nil, err
	}
	return adv, scanResponse, nil
}

// Parse decodes an advertisement and its scan response
func Parse(adv, scanResponse []byte) (Data, error) {
	var d Data
	for _, payload := range [][]byte{adv, scanResponse} {
		structures, err := DecodeADStructures(payload)
		if err != nil {
			return Data{}, err
		}
		for _, s := range structures {
			switch s.Type {
			case ADTypeFlags:
				d.Connectable = true
			case ADTypeComplete128BitServiceUUIDs, ADTypeIncomplete128BitServiceUUIDs:
				if len(s.Data)%16 != 0 {
					return Data{}, errors.Errorf("advertising: bad 128-bit uuid list length %d", len(s.Data))
				}
				for i := 0; i < len(s.Data); i += 16 {
					d.ServiceUUIDs = append(d.ServiceUUIDs, uuidFromLE(s.Data[i:i+16]))
				}
			case ADTypeCompleteLocalName, ADTypeShortenedLocalName:
				d.LocalName = string(s.Data)
			case ADTypeTxPowerLevel:
				if len(s.Data) == 1 {
					p := int8(s.Data[0])
					d.TxPower = &p
				}
			}
		}
	}
	return d, nil
}

// 128-bit UUIDs are sent least significant byte first.
func uuidToLE(id uuid.UUID) []byte {
	out := make([]byte, 16)
	for i := 0; i < 16; i++ {
		out[i] = id[15-i]
	}
	return out
}

func uuidFromLE(b []byte) uuid.UUID {
	var id uuid.UUID
	for i := 0; i < 16; i++ {
		id[i] = b[15-i]
	}
	return id
}
