package relay

import (
	"context"
	"sync"

	devsyncerrors "github.com/HirenKhatri7/DevSync/internal/errors"
)

const subscriptionBuffer = 256

var errBrokerClosed = devsyncerrors.New("broker closed")

// MemoryBroker delivers within the process. Several relays sharing one
// MemoryBroker behave like processes sharing a Redis server.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Publish never blocks; a subscriber whose buffer is full misses the payload.
func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBrokerClosed
	}
	for s := range b.subs[channel] {
		select {
		case s.out <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBrokerClosed
	}
	s := &memorySubscription{broker: b, channel: channel, out: make(chan []byte, subscriptionBuffer)}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySubscription]struct{})
	}
	b.subs[channel][s] = struct{}{}
	return s, nil
}

// Close ends every subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for channel, subs := range b.subs {
		for s := range subs {
			close(s.out)
		}
		delete(b.subs, channel)
	}
	return nil
}

func (b *MemoryBroker) remove(s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subs[s.channel]
	if !ok {
		return
	}
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(b.subs, s.channel)
	}
	close(s.out)
}

type memorySubscription struct {
	broker  *MemoryBroker
	channel string
	out     chan []byte
}

func (s *memorySubscription) Messages() <-chan []byte { return s.out }

func (s *memorySubscription) Close() error {
	s.broker.remove(s)
	return nil
}
