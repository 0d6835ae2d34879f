package storage

import (
	"bytes"
	"context"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/tundradb/tundra/pkg/codec"
	"github.com/tundradb/tundra/pkg/errors"
)

var boltBucket = []byte("tundra")

// Bolt is an embedded B-tree backend for single-process use. Bolt's
// serialisable transactions make the once-only and CAS guarantees direct.
type Bolt struct {
	db *bolt.DB
}

// NewBolt opens (or creates) the database file at path
func NewBolt(path string) (*Bolt, error) {
	if path == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "bolt backend requires a file path")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to open bolt database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create bolt bucket")
	}
	return &Bolt{db: db}, nil
}

// Name implements Backend
func (b *Bolt) Name() string { return "bolt" }

// Put implements Backend
func (b *Bolt) Put(_ context.Context, key string, data []byte, ifAbsent bool) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		if ifAbsent && bucket.Get([]byte(key)) != nil {
			return alreadyExists(key)
		}
		if err := bucket.Put([]byte(key), data); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTransient, "bolt put failed")
		}
		return nil
	})
}

// Get implements Backend
func (b *Bolt) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(key))
		if v == nil {
			return notFound(key)
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	return out, err
}

// Exists implements Backend
func (b *Bolt) Exists(_ context.Context, key string) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(boltBucket).Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

// Delete implements Backend
func (b *Bolt) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	})
}

// List implements Backend
func (b *Bolt) List(_ context.Context, prefix string, fn func(string) bool) error {
	return b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			if !fn(string(k)) {
				return nil
			}
		}
		return nil
	})
}

// AtomicReplace implements Backend
func (b *Bolt) AtomicReplace(_ context.Context, key string, oldHash *uint64, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		current := bucket.Get([]byte(key))
		if oldHash == nil {
			if current != nil {
				return lostRace(key)
			}
		} else {
			if current == nil || codec.Hash(current) != *oldHash {
				return lostRace(key)
			}
		}
		if err := bucket.Put([]byte(key), data); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTransient, "bolt put failed")
		}
		return nil
	})
}

// Close implements Backend
func (b *Bolt) Close() error { return b.db.Close() }
