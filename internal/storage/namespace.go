package storage

import (
	"encoding/json"
	"fmt"

	"hazard-ensemble/internal/ml"

	"go.etcd.io/bbolt"
)

// Namespace returns the key/value area with the given name. The backing
// bucket is created on first write.
func (s *Store) Namespace(name string) ml.Namespace {
	return &boltNamespace{db: s.db, bucket: []byte(namespacePrefix + name)}
}

type boltNamespace struct {
	db     *bbolt.DB
	bucket []byte
}

// Put stores value as JSON under key.
func (n *boltNamespace) Put(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", n.bucket, key, err)
	}
	return n.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(n.bucket)
		if err != nil {
			return fmt.Errorf("create %s bucket: %w", n.bucket, err)
		}
		return b.Put([]byte(key), data)
	})
}

// Get decodes the value under key into value and reports whether it existed.
func (n *boltNamespace) Get(key string, value any) (bool, error) {
	var data []byte
	err := n.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(n.bucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, fmt.Errorf("unmarshal %s/%s: %w", n.bucket, key, err)
	}
	return true, nil
}
