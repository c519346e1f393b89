package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// bucketMain holds every checkpoint.
var bucketMain = []byte("main")

// Checkpoint records finished work in a bolt database, as JSON values.
type Checkpoint struct {
	db *bolt.DB
}

func OpenCheckpoint(path string) (*Checkpoint, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return &Checkpoint{db: db}, nil
}

func (c *Checkpoint) Close() error {
	if err := c.db.Close(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// Save stores v under key, replacing any previous value.
func (c *Checkpoint) Save(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("%#v", v))
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(bucketMain)
		if err != nil {
			return err
		}
		return bk.Put([]byte(key), b)
	})
	if err != nil {
		return errors.Wrap(err, key)
	}
	return nil
}

// Load decodes the value stored under key into v.
// It returns ErrNotFound when there is no such key.
func (c *Checkpoint) Load(key string, v any) error {
	var data []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketMain)
		if bk == nil {
			return nil
		}
		if b := bk.Get([]byte(key)); b != nil {
			data = append([]byte(nil), b...)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, key)
	}
	if data == nil {
		return errors.Wrap(ErrNotFound, key)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, key)
	}
	return nil
}

// Keys lists the stored keys in byte order.
func (c *Checkpoint) Keys() ([]string, error) {
	keys := make([]string, 0)
	err := c.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketMain)
		if bk == nil {
			return nil
		}
		return bk.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return keys, nil
}
