package transport

import "github.com/google/uuid"

// Chunk continuation prefixes.
const (
	ChunkLast byte = 0x00
	ChunkMore byte = 0x01
)

const (
	// MaxChunkSize caps a written value regardless of the negotiated MTU.
	MaxChunkSize = 512

	// DefaultMTU is the ATT MTU before any negotiation.
	DefaultMTU = 23

	// ATT write command and notification header: opcode + handle.
	attHeaderSize = 3
)

// ChunkSize returns the largest value that may be written or notified for
// an ATT MTU: min(mtu-3, 512). The value includes the prefix byte.
func ChunkSize(mtu int) int {
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}
	size := mtu - attHeaderSize
	if size > MaxChunkSize {
		size = MaxChunkSize
	}
	return size
}

// SplitMessage splits a message into prefixed chunk values of at most
// chunkSize bytes each. An empty message yields a single final chunk.
func SplitMessage(message []byte, chunkSize int) [][]byte {
	payload := chunkSize - 1
	if payload < 1 {
		payload = 1
	}
	if len(message) == 0 {
		return [][]byte{{ChunkLast}}
	}

	chunks := make([][]byte, 0, (len(message)+payload-1)/payload)
	for offset := 0; offset < len(message); offset += payload {
		end := offset + payload
		prefix := ChunkMore
		if end >= len(message) {
			end = len(message)
			prefix = ChunkLast
		}
		chunk := make([]byte, 0, end-offset+1)
		chunk = append(chunk, prefix)
		chunk = append(chunk, message[offset:end]...)
		chunks = append(chunks, chunk)
	}
	return chunks
}

// Sender walks the chunks of one outgoing message. It does no I/O; the
// caller writes Peek() whenever the link has room and then calls Advance.
type Sender struct {
	chunks [][]byte
	next   int
}

func NewSender(message []byte, chunkSize int) *Sender {
	return &Sender{chunks: SplitMessage(message, chunkSize)}
}

// Peek returns the next chunk to write, or nil when all are written.
func (s *Sender) Peek() []byte {
	if s.Done() {
		return nil
	}
	return s.chunks[s.next]
}

// Advance marks the current chunk as written and returns the progress.
func (s *Sender) Advance() (sent, total int) {
	if !s.Done() {
		s.next++
	}
	return s.next, len(s.chunks)
}

// Progress returns the chunks written so far and the chunk total.
func (s *Sender) Progress() (sent, total int) {
	return s.next, len(s.chunks)
}

func (s *Sender) Done() bool {
	return s.next >= len(s.chunks)
}

func (s *Sender) Sent() int {
	return s.next
}

func (s *Sender) Total() int {
	return len(s.chunks)
}

// Reassembler accumulates incoming chunk values into one message.
type Reassembler struct {
	characteristic uuid.UUID
	buf            []byte
}

func NewReassembler(characteristic uuid.UUID) *Reassembler {
	return &Reassembler{characteristic: characteristic}
}

// CheckChunk reports the framing error of a chunk value, if any.
func CheckChunk(characteristic uuid.UUID, value []byte) error {
	if len(value) == 0 {
		return EmptyValue(characteristic)
	}
	if value[0] != ChunkMore && value[0] != ChunkLast {
		return UnknownDataTransferPrefix(value[0])
	}
	return nil
}

// Append consumes one characteristic value. When the final chunk arrives the
// whole message is returned and the buffer is reset.
func (r *Reassembler) Append(value []byte) (message []byte, complete bool, err error) {
	if err := CheckChunk(r.characteristic, value); err != nil {
		return nil, false, err
	}

	switch value[0] {
	case ChunkMore:
		r.buf = append(r.buf, value[1:]...)
		return nil, false, nil
	case ChunkLast:
		message = append(r.buf, value[1:]...)
		if message == nil {
			message = []byte{}
		}
		r.buf = nil
		return message, true, nil
	}
	return nil, false, UnknownDataTransferPrefix(value[0])
}

// Len is the number of payload bytes buffered so far.
func (r *Reassembler) Len() int {
	return len(r.buf)
}

func (r *Reassembler) Reset() {
	r.buf = nil
}
