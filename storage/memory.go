package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory. It is the default backend
// and the one used by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record // key: collection/id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func memoryKey(collection, id string) string {
	return collection + "/" + id
}

// Save upserts a record.
func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	data := make([]byte, len(rec.Data))
	copy(data, rec.Data)
	rec.Data = data

	s.mu.Lock()
	s.records[memoryKey(rec.Collection, rec.ID)] = rec
	s.mu.Unlock()
	return nil
}

// Query returns matching records in the order Window defines.
func (s *MemoryStore) Query(ctx context.Context, q Query) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Window(s.match(q), q), nil
}

// Count returns the number of matching records.
func (s *MemoryStore) Count(ctx context.Context, q Query) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return len(s.match(q)), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) match(q Query) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0)
	for _, rec := range s.records {
		if q.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out
}
