package events

import "sync"

// mailbox is the bounded delivery channel behind every subscription. A
// transport callback may deliver concurrently with close; deliveries after
// close are discarded instead of panicking on the closed channel.
type mailbox struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
	once   sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{ch: make(chan []byte, subscriberBuffer)}
}

// deliver queues data without blocking. It reports false when the message was
// dropped because the mailbox is full or closed.
func (m *mailbox) deliver(data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	select {
	case m.ch <- data:
		return true
	default:
		return false
	}
}

// close drains pending messages and closes the channel. Safe to call twice.
func (m *mailbox) close() {
	m.once.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.closed = true
		for {
			select {
			case <-m.ch:
			default:
				close(m.ch)
				return
			}
		}
	})
}
