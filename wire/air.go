package wire

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/user/mdoc-ble/logger"
)

// Air is the shared medium devices advertise on and connect through. Every
// Wire created from the same Air can see the others.
type Air struct {
	mu      sync.RWMutex
	devices map[string]*Wire
	adverts map[string]*advertisement
	gen     uint64
}

type advertisement struct {
	payload      []byte
	scanResponse []byte
	generation   uint64
}

// NewAir creates an empty medium
func NewAir() *Air {
	return &Air{
		devices: make(map[string]*Wire),
		adverts: make(map[string]*advertisement),
	}
}

// NewWire attaches a device to the air
func (a *Air) NewWire(hardwareUUID string, config *SimulationConfig) *Wire {
	if config == nil {
		config = DefaultSimulationConfig()
	}
	w := newWire(a, hardwareUUID, config)

	a.mu.Lock()
	a.devices[hardwareUUID] = w
	a.mu.Unlock()

	logger.Trace(shortUUID(hardwareUUID)+" Wire", "attached to air (max MTU %d)", config.MaxMTU)
	return w
}

func (a *Air) device(hardwareUUID string) *Wire {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.devices[hardwareUUID]
}

func (a *Air) detach(hardwareUUID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.devices, hardwareUUID)
	delete(a.adverts, hardwareUUID)
}

func (a *Air) setAdvert(hardwareUUID string, ad *advertisement) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ad == nil {
		delete(a.adverts, hardwareUUID)
		return
	}
	a.gen++
	ad.generation = a.gen
	a.adverts[hardwareUUID] = ad
}

func (a *Air) advert(hardwareUUID string) (*advertisement, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ad, ok := a.adverts[hardwareUUID]
	return ad, ok
}

func (a *Air) advertSnapshot() map[string]*advertisement {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]*advertisement, len(a.adverts))
	for id, ad := range a.adverts {
		out[id] = ad
	}
	return out
}

// shortUUID returns the first 8 characters of a UUID for logging
func shortUUID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func uuidString(id uuid.UUID) string {
	return strings.ToUpper(id.String())
}
