package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisDialTimeout = 2 * time.Second

// NewRedisClient parses a redis:// or rediss:// URL and checks that the
// server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}

// RedisPublisher publishes JSON-encoded events with PUBLISH.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := p.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// RedisSubscriber receives events with SUBSCRIBE. go-redis reconnects and
// resubscribes on its own after a dropped connection.
type RedisSubscriber struct {
	client *redis.Client

	mu   sync.Mutex
	subs []*redis.PubSub
}

func NewRedisSubscriber(client *redis.Client) *RedisSubscriber {
	return &RedisSubscriber{client: client}
}

// Subscribe returns a channel of raw payloads for topic. The subscription is
// confirmed by the server before it returns.
func (s *RedisSubscriber) Subscribe(topic string) (<-chan []byte, func(), error) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancelCtx()

	ps := s.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	s.mu.Lock()
	s.subs = append(s.subs, ps)
	s.mu.Unlock()

	box := newMailbox()
	done := make(chan struct{})
	msgs := ps.Channel()
	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					box.close()
					return
				}
				box.deliver([]byte(msg.Payload))
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
			box.close()
		})
	}
	return box.ch, cancel, nil
}

// Close closes every open subscription and the client.
func (s *RedisSubscriber) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, ps := range subs {
		_ = ps.Close()
	}
	return s.client.Close()
}
