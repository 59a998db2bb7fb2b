package audit

import (
	"fmt"
	"sync"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"
)

// --- memoryStore ---------------------------------------------------------

// memoryStore is a thread-safe in-memory Store. Entries are kept in append
// order; the oldest are dropped past retention.
type memoryStore struct {
	mu        sync.RWMutex
	entries   []Entry
	retention int
}

func newMemoryStore(retention int) *memoryStore {
	return &memoryStore{retention: retention}
}

func (s *memoryStore) Append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	if over := len(s.entries) - s.retention; over > 0 {
		s.entries = append(s.entries[:0], s.entries[over:]...)
	}
	return nil
}

func (s *memoryStore) Recent(limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *memoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *memoryStore) Close() error { return nil }

// --- boltStore -----------------------------------------------------------

const bucketName = "audit"

// boltStore is a Store backed by an embedded bbolt database. Entries survive
// process restarts.
type boltStore struct {
	db        *bolt.DB
	retention int
	count     atomic.Int64
}

// newBoltStore opens (or creates) the database at path and ensures the
// bucket exists.
func newBoltStore(path string, retention int) (*boltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open audit store %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create audit bucket: %w", err)
	}
	s := &boltStore{db: db, retention: retention}
	if err := db.View(func(tx *bolt.Tx) error {
		n := tx.Bucket([]byte(bucketName)).Stats().KeyN
		s.count.Store(int64(n))
		return nil
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("count audit entries: %w", err)
	}
	return s, nil
}

func (s *boltStore) Append(e Entry) error {
	key, err := keyOf(e)
	if err != nil {
		return fmt.Errorf("audit key: %w", err)
	}
	val, err := encode(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	var n int
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketName)
		}
		if err := b.Put(key, val); err != nil {
			return err
		}
		n = int(s.count.Load()) + 1
		dropped, err := trim(b, n-s.retention)
		n -= dropped
		return err
	})
	if err != nil {
		return err
	}
	s.count.Store(int64(n))
	return nil
}

// trim deletes the over oldest keys of b and reports how many went.
func trim(b *bolt.Bucket, over int) (int, error) {
	if over <= 0 {
		return 0, nil
	}
	stale := make([][]byte, 0, over)
	c := b.Cursor()
	for k, _ := c.First(); k != nil && len(stale) < over; k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func (s *boltStore) Recent(limit int) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			e, err := decode(v)
			if err != nil {
				return fmt.Errorf("decode audit entry: %w", err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltStore) Len() int { return int(s.count.Load()) }

func (s *boltStore) Close() error {
	return s.db.Close()
}
