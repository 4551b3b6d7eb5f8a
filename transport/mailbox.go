package transport

import "sync"

// Mailbox is an unbounded FIFO feeding a single consumer goroutine. Put never
// blocks, so platform callbacks and listener code can post into a session
// from any goroutine, including the session's own.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
	closed bool
}

func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{signal: make(chan struct{}, 1)}
}

// Put appends an item. It returns false once the mailbox is closed.
func (m *Mailbox[T]) Put(item T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, item)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// Signal fires after one or more Puts.
func (m *Mailbox[T]) Signal() <-chan struct{} {
	return m.signal
}

// Drain removes and returns everything queued.
func (m *Mailbox[T]) Drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close rejects further Puts. Items already queued stay drainable.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}
