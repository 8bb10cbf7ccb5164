package core

import (
	"sync"
)

// Mailbox is the FIFO channel feeding one consumer goroutine.
//
// Enqueue never blocks and is safe for concurrent producers. The consumer
// drains with Dequeue and parks on Ready when the queue is empty.
type Mailbox struct {
	mu     sync.Mutex
	queue  []*Message
	ready  chan struct{}
	closed bool
}

// NewMailbox creates an empty mailbox. hint pre-sizes the queue.
func NewMailbox(hint int) *Mailbox {
	if hint < 0 {
		hint = 0
	}
	return &Mailbox{
		queue: make([]*Message, 0, hint),
		ready: make(chan struct{}, 1),
	}
}

// Enqueue appends msg to the queue and wakes the consumer.
func (m *Mailbox) Enqueue(msg *Message) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMailboxClosed
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue pops the oldest message, or returns nil when the queue is empty.
func (m *Mailbox) Dequeue() *Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return nil
	}
	msg := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	if len(m.queue) == 0 {
		m.queue = nil
	}
	return msg
}

// Ready receives a value after at least one Enqueue since the last receive.
func (m *Mailbox) Ready() <-chan struct{} {
	return m.ready
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close rejects further messages and discards the queue. It returns the
// number of discarded messages.
func (m *Mailbox) Close() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0
	}
	m.closed = true
	n := len(m.queue)
	m.queue = nil
	return n
}
