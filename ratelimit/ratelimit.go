package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed          = errors.New("limiter closed")
	ErrResourceUnknown = errors.New("unknown resource")
)

// RateLimiter paces calls against named resources, one token per call.
type RateLimiter interface {
	// Acquire blocks until a token is available for the resource.
	// Returns the context error if the context ends first.
	// Returns ErrResourceUnknown if the resource has no configured capacity.
	Acquire(ctx context.Context, resource string) error

	// TryAcquire takes a token without blocking.
	TryAcquire(resource string) bool

	// SetCapacity configures capacity tokens per window. A non-positive
	// capacity or window removes the resource.
	SetCapacity(resource string, capacity int, window time.Duration)

	// Reduce lowers the effective capacity by a quarter, never below one,
	// after the remote side signalled the pace is too high.
	Reduce(resource string, reason string)

	// Restore returns a reduced resource to its configured capacity.
	Restore(resource string)

	// GetCapacity returns the current state of a resource, or nil.
	GetCapacity(resource string) *Capacity

	// Close wakes all waiters with ErrClosed.
	Close() error
}

// Capacity describes the state of one resource.
type Capacity struct {
	// Resource name.
	Resource string

	// Available is the current whole number of tokens.
	Available int

	// Total is the effective capacity per window.
	Total int

	// Configured is the capacity set with SetCapacity.
	Configured int

	// Window is the refill period.
	Window time.Duration

	// ReducedBy is the reason of the last Reduce, empty when not reduced.
	ReducedBy string
}
