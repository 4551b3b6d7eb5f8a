package swift

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CBConnectionEvent is one CoreBluetooth-level connection lifecycle event
type CBConnectionEvent struct {
	Timestamp      int64             `json:"timestamp"` // nanoseconds since epoch
	Event          string            `json:"event"`     // connect_called, connect_completed, connect_failed, disconnected, ...
	PeripheralUUID string            `json:"peripheral_uuid"`
	MTU            int               `json:"mtu,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
}

// CBConnectionLifecycleLogger appends connection lifecycle events to a JSONL
// file. The zero value and a logger created with an empty directory drop
// everything.
type CBConnectionLifecycleLogger struct {
	logPath string
	mutex   sync.Mutex
}

// NewCBConnectionLifecycleLogger logs into <dir>/<localUUID>/cb_connection_lifecycle.jsonl
func NewCBConnectionLifecycleLogger(localUUID string, dir string) *CBConnectionLifecycleLogger {
	if dir == "" {
		return &CBConnectionLifecycleLogger{}
	}
	return &CBConnectionLifecycleLogger{
		logPath: filepath.Join(dir, localUUID, "cb_connection_lifecycle.jsonl"),
	}
}

// Path returns the file events go to, or "" when disabled
func (log *CBConnectionLifecycleLogger) Path() string {
	if log == nil {
		return ""
	}
	return log.logPath
}

// Log writes a CB connection event to the JSONL file
func (log *CBConnectionLifecycleLogger) Log(event CBConnectionEvent) {
	if log == nil || log.logPath == "" {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixNano()
	}

	log.mutex.Lock()
	defer log.mutex.Unlock()

	if err := os.MkdirAll(filepath.Dir(log.logPath), 0755); err != nil {
		return
	}
	f, err := os.OpenFile(log.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	json.NewEncoder(f).Encode(event)
}

// LogConnectCalled logs when Connect() is called
func (log *CBConnectionLifecycleLogger) LogConnectCalled(uuid string) {
	log.Log(CBConnectionEvent{Event: "connect_called", PeripheralUUID: uuid})
}

// LogConnectCompleted logs the outcome of a connection attempt
func (log *CBConnectionLifecycleLogger) LogConnectCompleted(uuid string, mtu int, err error) {
	if err != nil {
		log.Log(CBConnectionEvent{
			Event:          "connect_failed",
			PeripheralUUID: uuid,
			Details:        map[string]string{"error": err.Error()},
		})
		return
	}
	log.Log(CBConnectionEvent{Event: "connect_completed", PeripheralUUID: uuid, MTU: mtu})
}

// LogDisconnected logs a dropped or cancelled connection
func (log *CBConnectionLifecycleLogger) LogDisconnected(uuid string, err error) {
	event := CBConnectionEvent{Event: "disconnected", PeripheralUUID: uuid}
	if err != nil {
		event.Details = map[string]string{"error": err.Error()}
	}
	log.Log(event)
}
