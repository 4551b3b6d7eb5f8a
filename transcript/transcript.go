// Package transcript records the outward events of a session so a run can
// be inspected or diffed afterwards. Records are protobuf Structs written as
// protojson lines.
package transcript

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/user/mdoc-ble/logger"
	"github.com/user/mdoc-ble/transport"
)

// Transcript collects the events of one session, from either role.
type Transcript struct {
	session string
	now     func() time.Time

	mu      sync.Mutex
	seq     int
	records []*structpb.Struct
}

// New creates an empty transcript for sessionID, normally the service UUID.
func New(sessionID string) *Transcript {
	return &Transcript{session: sessionID, now: time.Now}
}

// Session returns the session identifier.
func (t *Transcript) Session() string {
	return t.session
}

// Listener returns a transport.Listener recording events under role, and
// passing them on to next when it is not nil.
func (t *Transcript) Listener(role string, next transport.Listener) transport.Listener {
	return transport.ListenerFunc(func(e transport.Event) {
		t.Record(role, e)
		if next != nil {
			next.OnTransportEvent(e)
		}
	})
}

// Record appends one event.
func (t *Transcript) Record(role string, e transport.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++

	fields := map[string]interface{}{
		"session": t.session,
		"seq":     t.seq,
		"at":      t.now().UTC().Format(time.RFC3339Nano),
		"role":    role,
		"kind":    e.Kind.String(),
	}
	switch e.Kind {
	case transport.EventUploadProgress, transport.EventDownloadProgress:
		fields["sent"] = e.Sent
		fields["total"] = e.Total
	case transport.EventMessageReceived:
		fields["bytes"] = len(e.Data)
	case transport.EventError:
		fields["error"] = fmt.Sprint(e.Err)
		if kind := transport.KindOf(e.Err); kind != transport.KindUnknown {
			fields["errorKind"] = kind.String()
		}
	}

	record, err := structpb.NewStruct(fields)
	if err != nil {
		logger.Warn("transcript", "dropping %s record: %v", e.Kind, err)
		return
	}
	t.records = append(t.records, record)
}

// Records returns the records so far, oldest first.
func (t *Transcript) Records() []*structpb.Struct {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*structpb.Struct(nil), t.records...)
}

// WriteTo writes one protojson object per line.
func (t *Transcript) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	for _, record := range t.Records() {
		line, err := protojson.Marshal(record)
		if err != nil {
			return 0, errors.Wrap(err, "transcript: marshal record")
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	n, err := w.Write(buf.Bytes())
	return int64(n), errors.Wrap(err, "transcript: write")
}

// Save writes the transcript to <dir>/<session>.jsonl and returns the path.
func (t *Transcript) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "transcript: create %s", dir)
	}
	path := filepath.Join(dir, t.session+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrapf(err, "transcript: create %s", path)
	}
	if _, err := t.WriteTo(f); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrapf(err, "transcript: close %s", path)
	}
	logger.Debug("transcript", "💾 saved %d records to %s", len(t.Records()), path)
	return path, nil
}
