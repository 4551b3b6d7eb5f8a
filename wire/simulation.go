package wire

import (
	"math/rand"
	"sync"
	"time"
)

// RadioState is the adapter state a platform stack reports
type RadioState int

const (
	RadioUnknown RadioState = iota
	RadioResetting
	RadioUnsupported
	RadioUnauthorized
	RadioPoweredOff
	RadioPoweredOn
)

func (s RadioState) String() string {
	switch s {
	case RadioResetting:
		return "resetting"
	case RadioUnsupported:
		return "unsupported"
	case RadioUnauthorized:
		return "unauthorized"
	case RadioPoweredOff:
		return "poweredOff"
	case RadioPoweredOn:
		return "poweredOn"
	default:
		return "unknown"
	}
}

// PowerSource reports the state of the radio behind a Wire. The simulator
// uses FixedPower; a host adapter can be plugged in instead.
type PowerSource interface {
	RadioState() RadioState
}

// FixedPower is a PowerSource that never changes
type FixedPower RadioState

func (p FixedPower) RadioState() RadioState {
	return RadioState(p)
}

// SimulationConfig controls the realism of the simulated link
type SimulationConfig struct {
	// Largest ATT MTU this device accepts. The link uses the smaller of
	// both sides.
	MaxMTU int

	// Timing
	PowerOnDelay          time.Duration // before the manager reports its state
	ConnectionDelay       time.Duration // connect request to connection complete
	ServiceDiscoveryDelay time.Duration
	ConnectionInterval    time.Duration // latency of each PDU on a lane
	AdvertisingInterval   time.Duration // how often scanners see adverts

	// Flow control: PDUs a lane buffers before write-without-response and
	// notifications report "not ready".
	TxQueueDepth int

	// L2CAP connection oriented channels
	L2CAPBufferSize int  // bytes buffered per direction before writers block
	L2CAPOpenFails  bool // failure injection for channel opens from this device

	// Radio characteristics
	BaseRSSI     int
	RSSIVariance int

	// Power is consulted whenever a manager starts; nil means powered on.
	Power PowerSource

	// Seed for RSSI noise; 0 picks one from the clock.
	Seed int64
}

// DefaultSimulationConfig returns realistic BLE timing
func DefaultSimulationConfig() *SimulationConfig {
	return &SimulationConfig{
		MaxMTU:                MaxMTU,
		PowerOnDelay:          10 * time.Millisecond,
		ConnectionDelay:       50 * time.Millisecond,
		ServiceDiscoveryDelay: 100 * time.Millisecond,
		ConnectionInterval:    2 * time.Millisecond,
		AdvertisingInterval:   100 * time.Millisecond,
		TxQueueDepth:          8,
		L2CAPBufferSize:       64 * 1024,
		BaseRSSI:              -50,
		RSSIVariance:          10,
	}
}

// PerfectSimulationConfig returns a config with no delays for tests
func PerfectSimulationConfig() *SimulationConfig {
	cfg := DefaultSimulationConfig()
	cfg.PowerOnDelay = 0
	cfg.ConnectionDelay = 0
	cfg.ServiceDiscoveryDelay = 0
	cfg.ConnectionInterval = 0
	cfg.AdvertisingInterval = 5 * time.Millisecond
	cfg.RSSIVariance = 0
	cfg.Seed = 1
	return cfg
}

func (c *SimulationConfig) radioState() RadioState {
	if c.Power == nil {
		return RadioPoweredOn
	}
	return c.Power.RadioState()
}

type rssiSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newRSSISource(seed int64) *rssiSource {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &rssiSource{rng: rand.New(rand.NewSource(seed))}
}

func (r *rssiSource) sample(base, variance int) int {
	if variance <= 0 {
		return base
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return base - variance + r.rng.Intn(2*variance+1)
}
