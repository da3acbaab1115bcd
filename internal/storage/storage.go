// Package storage provides persistent data storage for the hazard ensemble.
// It uses BoltDB as the underlying storage engine to keep the canonical
// round history and the per-model and shared ensemble state.
//
// Rounds are kept in insertion order under monotonically increasing
// sequence keys, with a secondary index from round id to key so that
// incremental reads can resume after any known round.
package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"hazard-ensemble/internal/history"

	"go.etcd.io/bbolt"
)

const (
	roundsBucket     = "rounds"      // seq -> round JSON
	roundIndexBucket = "round_index" // round id -> seq
	namespacePrefix  = "ns/"         // one bucket per state namespace

	dbFile = "hazard-ensemble.db"
)

// Store provides persistent storage using BoltDB. It implements
// history.Provider and history.Sink for the canonical history and
// ml.NamespaceStore for model state.
type Store struct {
	db *bbolt.DB // BoltDB database instance
}

// New opens (or creates) the database in dataPath and its fixed buckets.
func New(dataPath string) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataPath, dbFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(roundsBucket)); err != nil {
			return fmt.Errorf("create rounds bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(roundIndexBucket)); err != nil {
			return fmt.Errorf("create round index bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection gracefully.
func (s *Store) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// AppendRound stores a round at the end of the history. A round whose id is
// already stored is ignored.
func (s *Store) AppendRound(_ context.Context, r history.Round) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := putRound(tx, r)
		return err
	})
}

// AppendRounds stores several rounds in one transaction and reports how
// many were new.
func (s *Store) AppendRounds(_ context.Context, rounds []history.Round) (int, error) {
	added := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, r := range rounds {
			ok, err := putRound(tx, r)
			if err != nil {
				return err
			}
			if ok {
				added++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

func putRound(tx *bbolt.Tx, r history.Round) (bool, error) {
	if r.ID == "" {
		return false, fmt.Errorf("round without id")
	}
	idx := tx.Bucket([]byte(roundIndexBucket))
	if idx.Get([]byte(r.ID)) != nil {
		return false, nil
	}
	b := tx.Bucket([]byte(roundsBucket))

	data, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("marshal round: %w", err)
	}
	seq, err := b.NextSequence()
	if err != nil {
		return false, fmt.Errorf("next sequence: %w", err)
	}
	key := seqKey(seq)
	if err := b.Put(key, data); err != nil {
		return false, err
	}
	return true, idx.Put([]byte(r.ID), key)
}

// Rounds returns every stored round in insertion order.
func (s *Store) Rounds(ctx context.Context) ([]history.Round, error) {
	return s.RoundsAfter(ctx, "")
}

// RoundsAfter returns the rounds stored after the round with the given id.
// An empty or unknown id returns every round.
func (s *Store) RoundsAfter(_ context.Context, id string) ([]history.Round, error) {
	var rounds []history.Round
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(roundsBucket)).Cursor()

		k, v := c.First()
		if id != "" {
			if start := tx.Bucket([]byte(roundIndexBucket)).Get([]byte(id)); start != nil {
				k, v = c.Seek(start)
				if k != nil && bytes.Equal(k, start) {
					k, v = c.Next()
				}
			}
		}

		for ; k != nil; k, v = c.Next() {
			var r history.Round
			if err := json.Unmarshal(v, &r); err != nil {
				continue // Skip malformed records
			}
			rounds = append(rounds, r)
		}
		return nil
	})
	return rounds, err
}

// LastRoundID returns the id of the most recently stored round.
func (s *Store) LastRoundID(_ context.Context) (string, error) {
	var id string
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, v := tx.Bucket([]byte(roundsBucket)).Cursor().Last()
		if v == nil {
			return nil
		}
		var r history.Round
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("unmarshal round: %w", err)
		}
		id = r.ID
		return nil
	})
	return id, err
}

// Count returns the number of stored rounds.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(roundsBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
