package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is a continuously refilling token bucket.
type bucket struct {
	configured int
	capacity   int
	tokens     float64
	window     time.Duration
	lastRefill time.Time
	reducedBy  string
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += float64(b.capacity) * float64(elapsed) / float64(b.window)
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.lastRefill = now
}

// untilNext returns how long until one whole token is available.
func (b *bucket) untilNext() time.Duration {
	missing := 1 - b.tokens
	if missing <= 0 {
		return 0
	}
	d := time.Duration(missing * float64(b.window) / float64(b.capacity))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// MemoryLimiter provides in-process token buckets. It is safe for
// concurrent use; each worker session gets its own resource.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
	closeCh chan struct{}
	nowFunc func() time.Time // for testing
}

// NewMemoryLimiter creates a new in-memory rate limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		closeCh: make(chan struct{}),
		nowFunc: time.Now,
	}
}

// SetCapacity configures the rate limit for a resource.
func (m *MemoryLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if capacity <= 0 || window <= 0 {
		delete(m.buckets, resource)
		return
	}

	now := m.nowFunc()
	if b, exists := m.buckets[resource]; exists {
		b.refill(now)
		b.configured = capacity
		b.capacity = capacity
		b.window = window
		b.reducedBy = ""
		if b.tokens > float64(capacity) {
			b.tokens = float64(capacity)
		}
		return
	}
	m.buckets[resource] = &bucket{
		configured: capacity,
		capacity:   capacity,
		tokens:     float64(capacity), // start full
		window:     window,
		lastRefill: now,
	}
}

// GetCapacity returns the current capacity info for a resource.
func (m *MemoryLimiter) GetCapacity(resource string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.buckets[resource]
	if !exists {
		return nil
	}
	b.refill(m.nowFunc())

	return &Capacity{
		Resource:   resource,
		Available:  int(b.tokens),
		Total:      b.capacity,
		Configured: b.configured,
		Window:     b.window,
		ReducedBy:  b.reducedBy,
	}
}

// take refills and takes a token if one is whole. Otherwise it returns how
// long to wait. Caller holds m.mu.
func (m *MemoryLimiter) take(resource string) (bool, time.Duration, error) {
	if m.closed {
		return false, 0, ErrClosed
	}
	b, exists := m.buckets[resource]
	if !exists {
		return false, 0, ErrResourceUnknown
	}
	b.refill(m.nowFunc())
	if b.tokens >= 1 {
		b.tokens--
		return true, 0, nil
	}
	return false, b.untilNext(), nil
}

// Acquire blocks until a token is available for the resource.
func (m *MemoryLimiter) Acquire(ctx context.Context, resource string) error {
	for {
		m.mu.Lock()
		ok, wait, err := m.take(resource)
		m.mu.Unlock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.closeCh:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}
	}
}

// TryAcquire attempts to acquire a token without blocking.
func (m *MemoryLimiter) TryAcquire(resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok, _, _ := m.take(resource)
	return ok
}

// Reduce lowers the effective capacity of a resource by 25%.
func (m *MemoryLimiter) Reduce(resource string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.buckets[resource]
	if !exists {
		return
	}
	b.refill(m.nowFunc())

	newCapacity := int(float64(b.capacity) * 0.75)
	if newCapacity < 1 {
		newCapacity = 1
	}
	b.capacity = newCapacity
	b.reducedBy = reason
	if b.tokens > float64(newCapacity) {
		b.tokens = float64(newCapacity)
	}
}

// Restore returns a resource to its configured capacity.
func (m *MemoryLimiter) Restore(resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.buckets[resource]
	if !exists {
		return
	}
	b.refill(m.nowFunc())
	b.capacity = b.configured
	b.reducedBy = ""
}

// Close shuts down the limiter.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

var _ RateLimiter = (*MemoryLimiter)(nil)
