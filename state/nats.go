package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements Store on a JetStream key-value bucket.
type NATSStore struct {
	kv     jetstream.KeyValue
	closed atomic.Bool
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	// Default: farm-state
	Bucket string

	// History is the number of revisions kept per key.
	// Default: 1
	History int

	// MaxValueSize bounds a single value.
	// Default: 1MB
	MaxValueSize int32
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "farm-state",
		History:      1,
		MaxValueSize: 1024 * 1024,
	}
}

var _ Store = (*NATSStore)(nil)

// NewNATSStore opens (creating if needed) the bucket named in cfg.
func NewNATSStore(ctx context.Context, cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	def := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = def.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}
	return &NATSStore{kv: kv}, nil
}

func fromNATS(e jetstream.KeyValueEntry) *Entry {
	op := e.Operation()
	return &Entry{
		Key:      e.Key(),
		Value:    e.Value(),
		Revision: e.Revision(),
		Deleted:  op == jetstream.KeyValueDelete || op == jetstream.KeyValuePurge,
		Modified: e.Created(),
	}
}

// Get returns the entry at key.
func (s *NATSStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	e, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return fromNATS(e), nil
}

// Put stores value under key.
func (s *NATSStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}
	rev, err := s.kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put: %w", err)
	}
	return rev, nil
}

// Delete removes key.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// Keys lists keys under prefix.
func (s *NATSStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	lister, err := s.kv.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer lister.Stop()

	var keys []string
	for k := range lister.Keys() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Watch streams changes under prefix. Current values are delivered first.
func (s *NATSStore) Watch(ctx context.Context, prefix string) (<-chan *Entry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	w, err := s.kv.WatchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("kv watch: %w", err)
	}

	ch := make(chan *Entry, watchBuffer)
	go func() {
		defer close(ch)
		defer w.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Updates():
				if !ok {
					return
				}
				// nil marks the end of the initial values.
				if e == nil || !strings.HasPrefix(e.Key(), prefix) {
					continue
				}
				select {
				case ch <- fromNATS(e):
				default:
				}
			}
			if s.closed.Load() {
				return
			}
		}
	}()
	return ch, nil
}

// Acquire takes the lease on key for owner. Compare-and-set on the entry
// revision makes the takeover atomic across supervisors.
func (s *NATSStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Lease, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	l := &natsLease{store: s, key: key, owner: owner, ttl: ttl}
	cur, err := s.kv.Get(ctx, key)
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		rev, err := s.kv.Create(ctx, key, l.record())
		if errors.Is(err, jetstream.ErrKeyExists) {
			return nil, ErrLeaseHeld
		}
		if err != nil {
			return nil, fmt.Errorf("acquire lease: %w", err)
		}
		l.rev.Store(rev)
		return l, nil
	case err != nil:
		return nil, fmt.Errorf("check lease: %w", err)
	}

	if rec, err := decodeLease(cur.Value()); err == nil && rec.Owner != owner && rec.live(time.Now()) {
		return nil, ErrLeaseHeld
	}
	rev, err := s.kv.Update(ctx, key, l.record(), cur.Revision())
	if err != nil {
		return nil, ErrLeaseHeld
	}
	l.rev.Store(rev)
	return l, nil
}

// Close marks the store closed. The connection belongs to the caller.
func (s *NATSStore) Close() error {
	s.closed.Store(true)
	return nil
}

type natsLease struct {
	store *NATSStore
	key   string
	owner string
	ttl   time.Duration
	rev   atomic.Uint64
}

func (l *natsLease) Key() string   { return l.key }
func (l *natsLease) Owner() string { return l.owner }

func (l *natsLease) record() []byte {
	data, _ := json.Marshal(leaseRecord{Owner: l.owner, Expires: time.Now().Add(l.ttl)})
	return data
}

func (l *natsLease) Renew(ctx context.Context) error {
	if l.store.closed.Load() {
		return ErrClosed
	}
	rev, err := l.store.kv.Update(ctx, l.key, l.record(), l.rev.Load())
	if err != nil {
		return ErrLeaseLost
	}
	l.rev.Store(rev)
	return nil
}

func (l *natsLease) Release(ctx context.Context) error {
	if l.store.closed.Load() {
		return ErrClosed
	}
	err := l.store.kv.Delete(ctx, l.key, jetstream.LastRevision(l.rev.Load()))
	if err != nil {
		return ErrLeaseLost
	}
	return nil
}
