package state

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/vinayprograms/farmkit/bus"
)

// Common errors.
var (
	ErrNotFound   = errors.New("key not found")
	ErrClosed     = errors.New("store closed")
	ErrLeaseHeld  = errors.New("lease held by another owner")
	ErrLeaseLost  = errors.New("lease lost")
	ErrInvalidKey = errors.New("invalid key")
	ErrInvalidTTL = errors.New("invalid TTL")
)

// Entry is one stored value.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
	// Deleted is set on watch notifications for removed keys.
	Deleted  bool
	Modified time.Time
}

// Store is a revisioned key-value store with owner leases.
type Store interface {
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put stores value and returns the new revision.
	Put(ctx context.Context, key string, value []byte) (uint64, error)

	// Delete is a no-op for absent keys.
	Delete(ctx context.Context, key string) error

	// Keys lists keys starting with prefix. An empty prefix lists all.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Watch streams changes under prefix until ctx ends or the store
	// closes. Notifications to a slow reader are dropped.
	Watch(ctx context.Context, prefix string) (<-chan *Entry, error)

	// Acquire takes the lease on key for owner. An expired lease held by
	// someone else is taken over; a live one yields ErrLeaseHeld.
	// Re-acquiring a lease the owner already holds refreshes it.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Lease, error)

	Close() error
}

// Lease is an owner claim on a key.
type Lease interface {
	Key() string
	Owner() string

	// Renew extends the lease by its TTL. ErrLeaseLost means another
	// owner took it over.
	Renew(ctx context.Context) error

	// Release drops the lease if it is still held.
	Release(ctx context.Context) error
}

// leaseRecord is the stored form of a lease.
type leaseRecord struct {
	Owner   string    `json:"owner"`
	Expires time.Time `json:"expires"`
}

func (r leaseRecord) live(now time.Time) bool {
	return now.Before(r.Expires)
}

func decodeLease(data []byte) (leaseRecord, error) {
	var r leaseRecord
	err := json.Unmarshal(data, &r)
	return r, err
}

// StatusKey is where a worker's last status is kept.
func StatusKey(account string) string {
	return "worker." + bus.Token(account) + ".status"
}

// OwnerKey is the lease key guarding an account.
func OwnerKey(account string) string {
	return "worker." + bus.Token(account) + ".owner"
}

// PutJSON stores v encoded as JSON.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.Put(ctx, key, data)
	return err
}

// GetJSON decodes the value at key into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	e, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(e.Value, v)
}

// ValidateKey checks a concrete key.
func ValidateKey(key string) error {
	if key == "" || len(key) > 1024 {
		return ErrInvalidKey
	}
	if strings.ContainsAny(key, " \t\r\n*>") {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") || strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	return nil
}
