package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore is a bolt-backed Store. Stores opened on the same path share
// one *bolt.DB, each using its own bucket.
type BoltStore[T any] struct {
	path   string
	db     *bolt.DB
	bucket []byte
}

var (
	sharedDBs = make(map[string]*sharedDB)
	dbMu      sync.Mutex
)

type sharedDB struct {
	db   *bolt.DB
	refs int
}

// NewBoltStore opens (or reuses) the database at dbPath and ensures bucket exists.
func NewBoltStore[T any](dbPath, bucket string) (Store[T], error) {
	dbMu.Lock()
	defer dbMu.Unlock()

	sdb, ok := sharedDBs[dbPath]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
		db, err := bolt.Open(dbPath, 0600, &bolt.Options{
			Timeout:      10 * time.Second,
			FreelistType: bolt.FreelistMapType,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt db %s: %w", dbPath, err)
		}
		sdb = &sharedDB{db: db}
		sharedDBs[dbPath] = sdb
	}

	if err := sdb.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	}); err != nil {
		if sdb.refs == 0 {
			sdb.db.Close()
			delete(sharedDBs, dbPath)
		}
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	sdb.refs++

	return &BoltStore[T]{path: dbPath, db: sdb.db, bucket: []byte(bucket)}, nil
}

func (s *BoltStore[T]) bkt(tx *bolt.Tx) (*bolt.Bucket, error) {
	b := tx.Bucket(s.bucket)
	if b == nil {
		return nil, fmt.Errorf("bucket %s not found", s.bucket)
	}
	return b, nil
}

// Get retrieves a value by key.
func (s *BoltStore[T]) Get(ctx context.Context, key string) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value T
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bkt(tx)
		if err != nil {
			return err
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("key %s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &value)
	})
	if err != nil {
		return nil, err
	}
	return &value, nil
}

// Set stores a value by key.
func (s *BoltStore[T]) Set(ctx context.Context, key string, value *T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bkt(tx)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Delete removes a value by key. Deleting a missing key is not an error.
func (s *BoltStore[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bkt(tx)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}

// Scan iterates over all keys with the given prefix.
func (s *BoltStore[T]) Scan(ctx context.Context, prefix string, fn func(key string, value *T) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bkt(tx)
		if err != nil {
			return err
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var value T
			if err := json.Unmarshal(v, &value); err != nil {
				return fmt.Errorf("failed to unmarshal value for key %s: %w", k, err)
			}
			if err := fn(string(k), &value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Replace drops the bucket and writes entries in a single transaction.
func (s *BoltStore[T]) Replace(ctx context.Context, entries map[string]*T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded := make(map[string][]byte, len(entries))
	for k, v := range entries {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", k, err)
		}
		encoded[k] = data
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(s.bucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		b, err := tx.CreateBucket(s.bucket)
		if err != nil {
			return err
		}
		for k, data := range encoded {
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases this store's reference; the database closes with the last one.
func (s *BoltStore[T]) Close() error {
	dbMu.Lock()
	defer dbMu.Unlock()

	sdb, ok := sharedDBs[s.path]
	if !ok || sdb.db != s.db {
		return nil
	}
	sdb.refs--
	if sdb.refs > 0 {
		return nil
	}
	delete(sharedDBs, s.path)
	return sdb.db.Close()
}
