package events

// Subscriber receives events from the bus.
type Subscriber interface {
	// Subscribe delivers raw event payloads on the returned channel.
	// Call the returned cancel function to unsubscribe and close the channel.
	Subscribe(topic string) (<-chan []byte, func(), error)
	Close() error
}

// subscriberBuffer is the per-subscription channel capacity. Messages that
// arrive while it is full are dropped.
const subscriberBuffer = 64
