package relay

import "context"

// Broker is a publish/subscribe transport shared by every process.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is live.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Subscription delivers the payloads published on one channel.
type Subscription interface {
	// Messages is closed after Close or when the broker goes away.
	Messages() <-chan []byte
	Close() error
}
