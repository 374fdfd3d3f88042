package metadata

import (
	"context"
	"sort"
	"sync"

	"github.com/s3gwd/s3gw/internal/kvcluster"
)

// MemoryStore implements kvcluster.Table over an in-process map, keyed by
// partition and key. It is the default meta table for single-process,
// ephemeral deployments (tests, local development).
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[int]map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[int]map[string][]byte)}
}

// Ping always succeeds: there is no external connection to verify.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Get returns the value stored at key in the given partition.
func (s *MemoryStore) Get(ctx context.Context, partition int, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	part, ok := s.rows[partition]
	if !ok {
		return nil, kvcluster.ErrNotFound
	}
	data, ok := part[key]
	if !ok {
		return nil, kvcluster.ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Set writes value at key in the given partition, creating or overwriting it.
func (s *MemoryStore) Set(ctx context.Context, partition int, key string, value []byte) error {
	dataCopy := make([]byte, len(value))
	copy(dataCopy, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	part, ok := s.rows[partition]
	if !ok {
		part = make(map[string][]byte)
		s.rows[partition] = part
	}
	part[key] = dataCopy
	return nil
}

// Delete removes key from the given partition. Deleting a missing key is
// not an error.
func (s *MemoryStore) Delete(ctx context.Context, partition int, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if part, ok := s.rows[partition]; ok {
		delete(part, key)
	}
	return nil
}

// Scan invokes yield for every key in the given partition with the given
// prefix, in sorted key order, stopping early if yield returns false.
func (s *MemoryStore) Scan(ctx context.Context, partition int, prefix string, yield func(key string, value []byte) bool) error {
	s.mu.RLock()
	part, ok := s.rows[partition]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	keys := make([]string, 0, len(part))
	for k := range part {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		v := part[k]
		cp := make([]byte, len(v))
		copy(cp, v)
		values[i] = cp
	}
	s.mu.RUnlock()

	for i, k := range keys {
		if !yield(k, values[i]) {
			return nil
		}
	}
	return nil
}

// Close is a no-op: the memory store holds no resources to release.
func (s *MemoryStore) Close() error {
	return nil
}

var _ kvcluster.Table = (*MemoryStore)(nil)
