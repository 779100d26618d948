// Package coordstore implements the Coordination Store (spec.md §4.2): a
// linearizable KV with compare-and-swap, lease-bound keys and a watch
// stream, namespaced under /sessions/, /locks/, /votes/, /txstate/.
//
// The reference implementation here is a single-process, mutex-serialized
// store backed by go.etcd.io/bbolt for durability (grounded on
// other_examples/cuemby-warren's bbolt-backed Raft FSM). A single bbolt
// instance gives the linearization point CAS needs; a production multi-node
// deployment replaces this package with a client against an external
// linearizable cluster (etcd/consul) satisfying the same Store interface —
// the CAS/lease/watch contract is what the rest of the core depends on, not
// this particular backing.
package coordstore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/kisdex/mpc-custody/internal/model"
)

var bucketKV = []byte("kv")

// Event is one change emitted by Watch: old/new are nil on creation/deletion
// respectively.
type Event struct {
	Key      string
	OldValue []byte
	NewValue []byte
}

// Store is the Coordination Store reference implementation.
type Store struct {
	db *bbolt.DB

	mu       sync.Mutex
	leases   map[string]*lease // encoded lease id -> lease (with the keys put under it)
	watchers map[string][]chan Event
}

type lease struct {
	id       uint64
	expires  time.Time
	keys     map[string]struct{}
	cancel   context.CancelFunc
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening coordination store database")
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating kv bucket")
	}
	return &Store{
		db:       db,
		leases:   make(map[string]*lease),
		watchers: make(map[string][]chan Event),
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CAS atomically compares-and-swaps key from expected to new. expected == nil
// means "key must not exist". Returns false (no error) on a lost race; the
// caller must retry with idempotent semantics (spec.md §4.2).
func (s *Store) CAS(key string, expected, newValue []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ok bool
	var oldVal []byte
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKV)
		cur := b.Get([]byte(key))
		if !bytesEqualNilable(cur, expected) {
			ok = false
			return nil
		}
		oldVal = append([]byte(nil), cur...)
		ok = true
		return b.Put([]byte(key), newValue)
	})
	if err != nil {
		return false, errors.Wrap(model.ErrCoordinationUnavailable, err.Error())
	}
	if ok {
		s.notify(key, oldVal, newValue)
	}
	return ok, nil
}

// LeaseGrant creates a lease with the given TTL and returns its id. Keys put
// under this lease are deleted when the lease expires (spec.md §4.2).
func (s *Store) LeaseGrant(ttl time.Duration) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := newLeaseID()
	ctx, cancel := context.WithCancel(context.Background())
	l := &lease{id: id, expires: time.Now().Add(ttl), keys: make(map[string]struct{}), cancel: cancel}
	s.leases[leaseKey(id)] = l

	go func() {
		timer := time.NewTimer(ttl)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.expireLease(id)
		case <-ctx.Done():
		}
	}()
	return id
}

// RevokeLease cancels a lease early, immediately expiring its keys.
func (s *Store) RevokeLease(id uint64) {
	s.mu.Lock()
	l, ok := s.leases[leaseKey(id)]
	s.mu.Unlock()
	if ok {
		l.cancel()
		s.expireLease(id)
	}
}

func (s *Store) expireLease(id uint64) {
	s.mu.Lock()
	l, ok := s.leases[leaseKey(id)]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.leases, leaseKey(id))
	keys := make([]string, 0, len(l.keys))
	for k := range l.keys {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	for _, k := range keys {
		s.mu.Lock()
		var oldVal []byte
		_ = s.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(bucketKV)
			oldVal = append([]byte(nil), b.Get([]byte(k))...)
			return b.Delete([]byte(k))
		})
		s.mu.Unlock()
		s.notify(k, oldVal, nil)
	}
}

// Put writes key=value. If leaseID != 0, the key is deleted when that lease
// expires.
func (s *Store) Put(key string, value []byte, leaseID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldVal []byte
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKV)
		oldVal = append([]byte(nil), b.Get([]byte(key))...)
		return b.Put([]byte(key), value)
	})
	if err != nil {
		return errors.Wrap(model.ErrCoordinationUnavailable, err.Error())
	}
	if leaseID != 0 {
		if l, ok := s.leases[leaseKey(leaseID)]; ok {
			l.keys[key] = struct{}{}
		}
	}
	s.notify(key, oldVal, value)
	return nil
}

// Get reads the current value of key, or nil if absent.
func (s *Store) Get(key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		val = append([]byte(nil), tx.Bucket(bucketKV).Get([]byte(key))...)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(model.ErrCoordinationUnavailable, err.Error())
	}
	return val, nil
}

// Watch returns a channel of changes to keys under prefix, in the order the
// writes were applied. The channel buffers 64 events; while it is full,
// further events for this watcher are dropped rather than blocking the
// writer, so a slow consumer can miss changes. Cancel ctx to stop watching;
// the channel is then closed.
func (s *Store) Watch(ctx context.Context, prefix string) <-chan Event {
	ch := make(chan Event, 64)
	s.mu.Lock()
	s.watchers[prefix] = append(s.watchers[prefix], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.watchers[prefix]
		for i, c := range list {
			if c == ch {
				s.watchers[prefix] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (s *Store) notify(key string, oldVal, newVal []byte) {
	for prefix, chans := range s.watchers {
		if !hasPrefix(key, prefix) {
			continue
		}
		ev := Event{Key: key, OldValue: oldVal, NewValue: newVal}
		for _, ch := range chans {
			select {
			case ch <- ev:
			default:
				// slow watcher: drop rather than block the writer; the
				// reconciliation scan on the consuming side covers misses.
			}
		}
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func bytesEqualNilable(a, b []byte) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func leaseKey(id uint64) string {
	var b [8]byte
	putUint64(b[:], id)
	return string(b[:])
}

var leaseCounter uint64
var leaseCounterMu sync.Mutex

func newLeaseID() uint64 {
	leaseCounterMu.Lock()
	defer leaseCounterMu.Unlock()
	leaseCounter++
	return leaseCounter
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
