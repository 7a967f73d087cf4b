package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrBusClosed is returned by LocalBus after Close.
var ErrBusClosed = errors.New("events: bus closed")

// LocalBus is an in-process Publisher and Subscriber. It serves single-node
// deployments and tests; messages go through the same JSON encoding as the
// network transports.
type LocalBus struct {
	mu     sync.Mutex
	subs   map[string]map[int]*mailbox
	nextID int
	closed bool
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[int]*mailbox)}
}

func (b *LocalBus) Publish(ctx context.Context, topic string, event any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, box := range b.subs[topic] {
		box.deliver(data)
	}
	return nil
}

// Subscribe registers a subscription on an exact topic.
func (b *LocalBus) Subscribe(topic string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrBusClosed
	}
	id := b.nextID
	b.nextID++
	box := newMailbox()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]*mailbox)
	}
	b.subs[topic][id] = box

	cancel := func() {
		b.mu.Lock()
		delete(b.subs[topic], id)
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
		b.mu.Unlock()
		box.close()
	}
	return box.ch, cancel, nil
}

// Close closes every subscription. Further publishes fail with ErrBusClosed.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, boxes := range b.subs {
		for _, box := range boxes {
			box.close()
		}
		delete(b.subs, topic)
	}
	return nil
}
