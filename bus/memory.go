package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus using in-memory channels.
// Each worker unit owns one for its push events; tests use it everywhere.
type MemoryBus struct {
	config Config

	mu      sync.RWMutex
	subs    map[*memorySub]struct{}
	closed  bool
	dropped atomic.Uint64
}

type memorySub struct {
	pattern string
	ch      chan *Message
	bus     *MemoryBus
	once    sync.Once
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &MemoryBus{
		config: cfg,
		subs:   make(map[*memorySub]struct{}),
	}
}

// Publish sends a message to all matching subscribers without blocking.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := validatePublishSubject(subject); err != nil {
		return err
	}

	// Delivery happens under the read lock so Unsubscribe cannot close a
	// channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	msg := &Message{Subject: subject, Data: data}
	for sub := range b.subs {
		if !MatchSubject(sub.pattern, subject) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe creates a subscription to a subject or pattern.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{
		pattern: subject,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of live subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were dropped because a subscriber was full.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts down the bus and closes every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	b.subs = nil
	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.bus.subs != nil {
		delete(s.bus.subs, s)
	}
	s.once.Do(func() { close(s.ch) })
	return nil
}

var _ MessageBus = (*MemoryBus)(nil)
