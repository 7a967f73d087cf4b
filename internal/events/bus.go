package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/maintgate/internal/idgen"
	"github.com/alfredjeanlab/maintgate/internal/metrics"
	"github.com/alfredjeanlab/maintgate/internal/model"
)

// ErrSubscriptionClosed is returned by InvalidationBus.Subscribe when the
// transport closes the subscription before the context is done.
var ErrSubscriptionClosed = errors.New("events: subscription closed")

// BusOptions configures an InvalidationBus.
type BusOptions struct {
	Topic   string // defaults to TopicStateChanged
	Origin  string // defaults to a generated instance ID
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// InvalidationBus publishes and receives StateChanged messages. Either side
// may be nil: a nil publisher drops publishes and a nil subscriber makes
// Subscribe wait for its context.
type InvalidationBus struct {
	pub     Publisher
	sub     Subscriber
	topic   string
	origin  string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewInvalidationBus(pub Publisher, sub Subscriber, opts BusOptions) (*InvalidationBus, error) {
	if opts.Topic == "" {
		opts.Topic = TopicStateChanged
	}
	if opts.Origin == "" {
		id, err := idgen.ForHost("")
		if err != nil {
			return nil, err
		}
		opts.Origin = id
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &InvalidationBus{
		pub:     pub,
		sub:     sub,
		topic:   opts.Topic,
		origin:  opts.Origin,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Origin is the instance ID stamped on messages from this process.
func (b *InvalidationBus) Origin() string { return b.origin }

// Topic is the subject/channel the bus uses.
func (b *InvalidationBus) Topic() string { return b.topic }

// Publish announces a newly persisted state.
func (b *InvalidationBus) Publish(ctx context.Context, st *model.MaintenanceState) error {
	if b.pub == nil {
		return nil
	}
	msg := StateChanged{State: st, Origin: b.origin, PublishedAt: time.Now().UTC()}
	if err := b.pub.Publish(ctx, b.topic, msg); err != nil {
		b.metrics.BusMessage(metrics.BusFailed)
		return fmt.Errorf("publishing state revision %d: %w", st.Revision, err)
	}
	b.metrics.BusMessage(metrics.BusPublished)
	return nil
}

// Subscribe calls fn for every state published by another process until ctx
// is done. Messages from this process are skipped since the publisher has
// already applied them. Malformed messages are logged and dropped.
func (b *InvalidationBus) Subscribe(ctx context.Context, fn func(*model.MaintenanceState)) error {
	if b.sub == nil {
		<-ctx.Done()
		return nil
	}
	ch, cancel, err := b.sub.Subscribe(b.topic)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", b.topic, err)
	}
	defer cancel()
	b.logger.Info("listening for state changes", "topic", b.topic, "origin", b.origin)

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-ch:
			if !ok {
				return ErrSubscriptionClosed
			}
			b.handle(data, fn)
		}
	}
}

func (b *InvalidationBus) handle(data []byte, fn func(*model.MaintenanceState)) {
	var msg StateChanged
	if err := json.Unmarshal(data, &msg); err != nil || msg.State == nil {
		b.metrics.BusMessage(metrics.BusMalformed)
		b.logger.Warn("dropping malformed state change", "topic", b.topic, "err", err, "bytes", len(data))
		return
	}
	if msg.Origin == b.origin {
		return
	}
	b.metrics.BusMessage(metrics.BusReceived)
	b.logger.Debug("state change received",
		"revision", msg.State.Revision, "enabled", msg.State.Enabled, "origin", msg.Origin)
	fn(msg.State)
}

// Close closes both transports.
func (b *InvalidationBus) Close() error {
	var errs []error
	if b.pub != nil {
		errs = append(errs, b.pub.Close())
	}
	if b.sub != nil {
		errs = append(errs, b.sub.Close())
	}
	return errors.Join(errs...)
}
