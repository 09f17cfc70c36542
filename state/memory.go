package state

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

const watchBuffer = 64

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	data     map[string]*Entry
	revision uint64
	watchers map[*memoryWatch]struct{}
	closed   bool

	// now is replaceable so lease expiry can be tested without sleeping.
	now func() time.Time
}

type memoryWatch struct {
	prefix string
	ch     chan *Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string]*Entry),
		watchers: make(map[*memoryWatch]struct{}),
		now:      time.Now,
	}
}

// Get returns a copy of the entry at key.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntry(e), nil
}

// Put stores value under key.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.putLocked(key, value), nil
}

func (s *MemoryStore) putLocked(key string, value []byte) uint64 {
	s.revision++
	e := &Entry{
		Key:      key,
		Value:    append([]byte(nil), value...),
		Revision: s.revision,
		Modified: s.now(),
	}
	s.data[key] = e
	s.notifyLocked(e)
	return e.Revision
}

// Delete removes key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.deleteLocked(key)
	return nil
}

func (s *MemoryStore) deleteLocked(key string) {
	if _, ok := s.data[key]; !ok {
		return
	}
	delete(s.data, key)
	s.revision++
	s.notifyLocked(&Entry{Key: key, Revision: s.revision, Deleted: true, Modified: s.now()})
}

// Keys lists keys under prefix in sorted order.
func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch streams changes under prefix.
func (s *MemoryStore) Watch(ctx context.Context, prefix string) (<-chan *Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	w := &memoryWatch{prefix: prefix, ch: make(chan *Entry, watchBuffer)}
	s.watchers[w] = struct{}{}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[w]; ok {
			delete(s.watchers, w)
			close(w.ch)
		}
	}()
	return w.ch, nil
}

func (s *MemoryStore) notifyLocked(e *Entry) {
	for w := range s.watchers {
		if !strings.HasPrefix(e.Key, w.prefix) {
			continue
		}
		select {
		case w.ch <- copyEntry(e):
		default:
		}
	}
}

// Acquire takes the lease on key for owner.
func (s *MemoryStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Lease, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	now := s.now()
	if e, ok := s.data[key]; ok {
		if cur, err := decodeLease(e.Value); err == nil && cur.Owner != owner && cur.live(now) {
			return nil, ErrLeaseHeld
		}
	}
	l := &memoryLease{store: s, key: key, owner: owner, ttl: ttl}
	l.rev = s.putLocked(key, l.record(now))
	return l, nil
}

// Close closes every open watch. Later calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for w := range s.watchers {
		close(w.ch)
	}
	s.watchers = nil
	return nil
}

type memoryLease struct {
	store *MemoryStore
	key   string
	owner string
	ttl   time.Duration
	rev   uint64
}

func (l *memoryLease) Key() string   { return l.key }
func (l *memoryLease) Owner() string { return l.owner }

func (l *memoryLease) record(now time.Time) []byte {
	data, _ := json.Marshal(leaseRecord{Owner: l.owner, Expires: now.Add(l.ttl)})
	return data
}

// held reports whether the stored lease is still this one.
func (l *memoryLease) held() bool {
	e, ok := l.store.data[l.key]
	return ok && e.Revision == l.rev
}

func (l *memoryLease) Renew(ctx context.Context) error {
	s := l.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !l.held() {
		return ErrLeaseLost
	}
	l.rev = s.putLocked(l.key, l.record(s.now()))
	return nil
}

func (l *memoryLease) Release(ctx context.Context) error {
	s := l.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !l.held() {
		return ErrLeaseLost
	}
	s.deleteLocked(l.key)
	return nil
}

func copyEntry(e *Entry) *Entry {
	c := *e
	c.Value = append([]byte(nil), e.Value...)
	return &c
}
