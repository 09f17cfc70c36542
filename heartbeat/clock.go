package heartbeat

import (
	"sync"
	"time"
)

// ServerClock is a skew-corrected estimate of the remote clock. It keeps the
// last remote time and the local monotonic time it was received at, and
// derives now as remote + local elapsed.
type ServerClock struct {
	mu       sync.RWMutex
	remote   time.Time
	received time.Time
	now      func() time.Time
}

// NewServerClock creates an unsynchronized clock.
func NewServerClock() *ServerClock {
	return &ServerClock{now: time.Now}
}

// Update records a remote timestamp observed now.
func (c *ServerClock) Update(remote time.Time) {
	if remote.IsZero() {
		return
	}
	c.mu.Lock()
	c.remote = remote
	c.received = c.now()
	c.mu.Unlock()
}

// Synced reports whether any remote time has been observed.
func (c *ServerClock) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.remote.IsZero()
}

// Now returns the estimated remote time. Unsynced clocks return local time.
func (c *ServerClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.remote.IsZero() {
		return c.now()
	}
	return c.remote.Add(c.now().Sub(c.received))
}

// Offset returns remote minus local time at the last update.
func (c *ServerClock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.remote.IsZero() {
		return 0
	}
	return c.remote.Sub(c.received)
}
