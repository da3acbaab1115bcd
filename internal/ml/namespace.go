package ml

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Namespace is a key/value area owned by one model or by the ensemble.
// Values are JSON encoded by the implementation.
type Namespace interface {
	Put(key string, value any) error
	Get(key string, value any) (bool, error)
}

// NamespaceStore hands out namespaces by name.
type NamespaceStore interface {
	Namespace(name string) Namespace
}

// MemoryStore is an in-process NamespaceStore used by offline evaluation and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

func (s *MemoryStore) Namespace(name string) Namespace {
	return &memoryNamespace{store: s, name: name}
}

type memoryNamespace struct {
	store *MemoryStore
	name  string
}

func (n *memoryNamespace) Put(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", n.name, key, err)
	}
	n.store.mu.Lock()
	defer n.store.mu.Unlock()
	bucket, ok := n.store.data[n.name]
	if !ok {
		bucket = make(map[string][]byte)
		n.store.data[n.name] = bucket
	}
	bucket[key] = data
	return nil
}

func (n *memoryNamespace) Get(key string, value any) (bool, error) {
	n.store.mu.RLock()
	data, ok := n.store.data[n.name][key]
	n.store.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, fmt.Errorf("failed to decode %s/%s: %w", n.name, key, err)
	}
	return true, nil
}

// Corrupt overwrites a key with bytes that do not decode; used to exercise
// cold-start handling.
func (s *MemoryStore) Corrupt(name, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[name]; !ok {
		s.data[name] = make(map[string][]byte)
	}
	s.data[name][key] = []byte("{not json")
}

func modelNamespace(name string) string {
	return "model/" + name
}

const ensembleNamespace = "ensemble"
