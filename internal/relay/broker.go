package relay

import (
	"context"
	"sync"
)

// Broker fans published payloads out to every subscriber of a topic,
// possibly across relay nodes.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns once the subscription is live.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription delivers payloads for one topic until closed. C is not
// closed by Close; readers stop on their own signal.
type Subscription interface {
	C() <-chan []byte
	Close() error
}

const subscriptionBuffer = 256

// MemoryBroker is a single-process Broker.
type MemoryBroker struct {
	pubMu  sync.Mutex
	mu     sync.Mutex
	topics map[string]map[*memorySub]struct{}
	closed bool
}

// NewMemoryBroker returns an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	broker *MemoryBroker
	topic  string
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *memorySub) C() <-chan []byte { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		if subs := s.broker.topics[s.topic]; subs != nil {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.broker.topics, s.topic)
			}
		}
		s.broker.mu.Unlock()
		close(s.done)
	})
	return nil
}

// Publish blocks while a subscriber's buffer is full, until that
// subscriber closes or ctx ends. Publishes are delivered in one global order.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	subs := make([]*memorySub, 0, len(b.topics[topic]))
	for sub := range b.topics[topic] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{broker: b, topic: topic, ch: make(chan []byte, subscriptionBuffer), done: make(chan struct{})}
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[*memorySub]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub, nil
}

// Close ends every subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memorySub
	for _, set := range b.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}
