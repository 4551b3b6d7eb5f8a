package gatt

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
)

// CCCD (Client Characteristic Configuration Descriptor) values
const (
	CCCDNotificationsDisabled = 0x0000
	CCCDNotificationsEnabled  = 0x0001
	CCCDIndicationsEnabled    = 0x0002
)

// ErrInvalidCCCDLength is returned when a CCCD write is not 2 bytes
var ErrInvalidCCCDLength = errors.New("gatt: invalid CCCD value length")

// SubscriptionState is the CCCD state of one characteristic on one link
type SubscriptionState struct {
	Handle          uint16 // characteristic value handle
	NotifyEnabled   bool
	IndicateEnabled bool
}

// CCCDManager tracks subscriptions per connection
// In real BLE:
// - Each connection has independent CCCD state
// - When a connection is closed, all its subscriptions are cleared
type CCCDManager struct {
	mu            sync.RWMutex
	subscriptions map[uint16]*SubscriptionState
}

// NewCCCDManager creates a new CCCD manager for a connection
func NewCCCDManager() *CCCDManager {
	return &CCCDManager{
		subscriptions: make(map[uint16]*SubscriptionState),
	}
}

// SetSubscription applies a CCCD write for the characteristic at valueHandle.
// It returns the state before and after the write.
func (cm *CCCDManager) SetSubscription(valueHandle uint16, cccdValue []byte) (was, now SubscriptionState, err error) {
	notify, indicate, err := DecodeCCCDValue(cccdValue)
	if err != nil {
		return SubscriptionState{}, SubscriptionState{}, err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	was = SubscriptionState{Handle: valueHandle}
	if state, ok := cm.subscriptions[valueHandle]; ok {
		was = *state
	}
	now = SubscriptionState{Handle: valueHandle, NotifyEnabled: notify, IndicateEnabled: indicate}
	if !notify && !indicate {
		delete(cm.subscriptions, valueHandle)
	} else {
		state := now
		cm.subscriptions[valueHandle] = &state
	}
	return was, now, nil
}

// IsSubscribed returns true if notifications or indications are enabled
func (cm *CCCDManager) IsSubscribed(valueHandle uint16) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	state, exists := cm.subscriptions[valueHandle]
	return exists && (state.NotifyEnabled || state.IndicateEnabled)
}

// IsIndicateEnabled returns true if indications are enabled
func (cm *CCCDManager) IsIndicateEnabled(valueHandle uint16) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	state, exists := cm.subscriptions[valueHandle]
	return exists && state.IndicateEnabled
}

// Clear removes all subscriptions and returns what was active
func (cm *CCCDManager) Clear() []SubscriptionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	subs := make([]SubscriptionState, 0, len(cm.subscriptions))
	for _, state := range cm.subscriptions {
		subs = append(subs, *state)
	}
	cm.subscriptions = make(map[uint16]*SubscriptionState)
	return subs
}

// Count returns the number of active subscriptions
func (cm *CCCDManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return len(cm.subscriptions)
}

// EncodeCCCDValue converts subscription flags to CCCD bytes (little-endian)
func EncodeCCCDValue(notifyEnabled, indicateEnabled bool) []byte {
	var value uint16
	if notifyEnabled {
		value |= CCCDNotificationsEnabled
	}
	if indicateEnabled {
		value |= CCCDIndicationsEnabled
	}

	cccdValue := make([]byte, 2)
	binary.LittleEndian.PutUint16(cccdValue, value)
	return cccdValue
}

// DecodeCCCDValue parses CCCD bytes to notification/indication flags
func DecodeCCCDValue(cccdValue []byte) (notifyEnabled, indicateEnabled bool, err error) {
	if len(cccdValue) != 2 {
		return false, false, ErrInvalidCCCDLength
	}

	value := binary.LittleEndian.Uint16(cccdValue)
	notifyEnabled = (value & CCCDNotificationsEnabled) != 0
	indicateEnabled = (value & CCCDIndicationsEnabled) != 0
	return notifyEnabled, indicateEnabled, nil
}
