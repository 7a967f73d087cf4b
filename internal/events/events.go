// Package events carries maintenance state changes between gate processes.
//
// The transports (NATS, Redis pub/sub, in-process) move opaque JSON payloads
// on a topic. InvalidationBus layers the typed StateChanged message on top.
// Delivery is best-effort and unordered: receivers must tolerate duplicates,
// gaps and reordering, which the gate cache does by comparing revisions.
package events

import (
	"context"
	"time"

	"github.com/alfredjeanlab/maintgate/internal/model"
)

// TopicStateChanged is the default subject/channel for state changes.
const TopicStateChanged = "maintgate.state.changed"

// StateChanged is published after every successful mutation.
type StateChanged struct {
	State       *model.MaintenanceState `json:"state"`
	Origin      string                  `json:"origin"`
	PublishedAt time.Time               `json:"published_at"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
