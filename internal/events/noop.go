package events

import "context"

// NoopPublisher discards every event. It is used when no bus is configured
// and the gate runs as a single process.
type NoopPublisher struct{}

func (n *NoopPublisher) Publish(ctx context.Context, topic string, event any) error {
	return nil
}

func (n *NoopPublisher) Close() error {
	return nil
}
