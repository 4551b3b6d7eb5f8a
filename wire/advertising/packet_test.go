package advertising

import (
	"testing"

	"github.com/google/uuid"
)

// TestBuildAndParse verifies a service advertisement survives encoding
func TestBuildAndParse(t *testing.T) {
	service := uuid.New()
	power := int8(-4)
	adv, scan, err := Build(Data{
		LocalName:    "mdoc reader",
		ServiceUUIDs: []uuid.UUID{service},
		TxPower:      &power,
		Connectable:  true,
	})
	if err != nil {
		t.Fatalf("Failed to build: %v", err)
	}
	if len(adv) > MaxAdvertisingDataLen || len(scan) > MaxAdvertisingDataLen {
		t.Fatalf("Payload too long: adv=%d scan=%d", len(adv), len(scan))
	}
	// flags(3) + uuid(18) + tx power(3) leaves no room for the name
	if len(scan) == 0 {
		t.Errorf("Expected local name in scan response")
	}

	d, err := Parse(adv, scan)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if len(d.ServiceUUIDs) != 1 || d.ServiceUUIDs[0] != service {
		t.Errorf("Expected service %s, got %v", service, d.ServiceUUIDs)
	}
	if d.LocalName != "mdoc reader" {
		t.Errorf("Expected local name 'mdoc reader', got %q", d.LocalName)
	}
	if d.TxPower == nil || *d.TxPower != -4 {
		t.Errorf("Tx power lost")
	}
	if !d.Connectable {
		t.Errorf("Expected connectable")
	}
}

// TestShortNameStaysInAdvertisement verifies short names avoid the scan response
func TestShortNameStaysInAdvertisement(t *testing.T) {
	adv, scan, err := Build(Data{LocalName: "rdr", ServiceUUIDs: []uuid.UUID{uuid.New()}, Connectable: true})
	if err != nil {
		t.Fatalf("Failed to build: %v", err)
	}
	if scan != nil {
		t.Errorf("Expected no scan response, got %X", scan)
	}
	d, _ := Parse(adv, nil)
	if d.LocalName != "rdr" {
		t.Errorf("Expected 'rdr', got %q", d.LocalName)
	}
}

// TestLongNameIsShortened verifies oversize names are cut to fit
func TestLongNameIsShortened(t *testing.T) {
	name := "a very long reader name that cannot fit in one packet"
	_, scan, err := Build(Data{LocalName: name, ServiceUUIDs: []uuid.UUID{uuid.New()}})
	if err != nil {
		t.Fatalf("Failed to build: %v", err)
	}
	structures, _ := DecodeADStructures(scan)
	if len(structures) != 1 || structures[0].Type != ADTypeShortenedLocalName {
		t.Fatalf("Expected one shortened name, got %+v", structures)
	}
	if len(structures[0].Data) != MaxAdvertisingDataLen-2 {
		t.Errorf("Expected %d name bytes, got %d", MaxAdvertisingDataLen-2, len(structures[0].Data))
	}
}

// TestDecodeRejectsOverrun verifies a length byte past the end is an error
func TestDecodeRejectsOverrun(t *testing.T) {
	if _, err := DecodeADStructures([]byte{0x05, ADTypeCompleteLocalName, 'a'}); err == nil {
		t.Error("Expected overrun error")
	}
	structures, err := DecodeADStructures([]byte{0x02, ADTypeFlags, 0x06, 0x00, 0x00})
	if err != nil || len(structures) != 1 {
		t.Errorf("Padding should end parsing cleanly, got %v %v", structures, err)
	}
}
