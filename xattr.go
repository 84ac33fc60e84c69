package ecryptfs

import (
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Setxattr flags
const (
	XattrCreate  = 0x1 // fail if the attribute exists
	XattrReplace = 0x2 // fail if the attribute does not exist
)

// XattrStore is the extended attribute service of the lower filesystem,
// keyed by lower path and attribute name.
type XattrStore interface {
	// Getxattr copies the value into dest and returns its length. It
	// returns ErrNoAttr if the attribute is absent and ErrAttrRange if
	// dest is too small.
	Getxattr(path, name string, dest []byte) (int, error)

	// Setxattr stores value under name, honoring XattrCreate/XattrReplace
	Setxattr(path, name string, value []byte, flags int) error

	// Removexattr deletes the attribute; ErrNoAttr if absent
	Removexattr(path, name string) error
}

func checkSetxattrFlags(exists bool, flags int) error {
	if flags&XattrCreate != 0 && exists {
		return ErrAttrExists
	}
	if flags&XattrReplace != 0 && !exists {
		return ErrNoAttr
	}
	return nil
}

// MemXattrStore keeps extended attributes in memory
type MemXattrStore struct {
	mu    sync.RWMutex
	attrs map[string]map[string][]byte
}

// NewMemXattrStore creates an empty in-memory xattr store
func NewMemXattrStore() *MemXattrStore {
	return &MemXattrStore{attrs: make(map[string]map[string][]byte)}
}

func (s *MemXattrStore) Getxattr(path, name string, dest []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.attrs[path][name]
	if !ok {
		return 0, ErrNoAttr
	}
	if len(dest) < len(v) {
		return len(v), ErrAttrRange
	}
	return copy(dest, v), nil
}

func (s *MemXattrStore) Setxattr(path, name string, value []byte, flags int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs, ok := s.attrs[path]
	if !ok {
		attrs = make(map[string][]byte)
		s.attrs[path] = attrs
	}
	_, exists := attrs[name]
	if err := checkSetxattrFlags(exists, flags); err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)
	attrs[name] = v
	return nil
}

func (s *MemXattrStore) Removexattr(path, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attrs[path][name]; !ok {
		return ErrNoAttr
	}
	delete(s.attrs[path], name)
	if len(s.attrs[path]) == 0 {
		delete(s.attrs, path)
	}
	return nil
}

var xattrBucket = []byte("xattrs")

// BoltXattrStore persists extended attributes in a bbolt database, as a
// sidecar for lower filesystems without native xattr support
type BoltXattrStore struct {
	db *bolt.DB
}

// OpenBoltXattrStore opens (creating if needed) a bbolt-backed xattr store
func OpenBoltXattrStore(path string) (*BoltXattrStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open xattr database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(xattrBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create xattr bucket: %w", err)
	}

	return &BoltXattrStore{db: db}, nil
}

func boltXattrKey(path, name string) []byte {
	return []byte(path + "\x00" + name)
}

func (s *BoltXattrStore) Getxattr(path, name string, dest []byte) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(xattrBucket).Get(boltXattrKey(path, name))
		if v == nil {
			return ErrNoAttr
		}
		if len(dest) < len(v) {
			n = len(v)
			return ErrAttrRange
		}
		n = copy(dest, v)
		return nil
	})
	return n, err
}

func (s *BoltXattrStore) Setxattr(path, name string, value []byte, flags int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(xattrBucket)
		key := boltXattrKey(path, name)
		if err := checkSetxattrFlags(b.Get(key) != nil, flags); err != nil {
			return err
		}
		return b.Put(key, value)
	})
}

func (s *BoltXattrStore) Removexattr(path, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(xattrBucket)
		key := boltXattrKey(path, name)
		if b.Get(key) == nil {
			return ErrNoAttr
		}
		return b.Delete(key)
	})
}

// Close closes the underlying database
func (s *BoltXattrStore) Close() error {
	return s.db.Close()
}
