package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBucket is the KV bucket holding GOI records.
const DefaultBucket = "GOI_RECORDS"

// KVStore implements Store on a NATS JetStream KV bucket. Keys are
// "{collection}.{id}" with characters outside the KV key alphabet
// replaced by '_'.
type KVStore struct {
	bucket jetstream.KeyValue
}

// NewKVStore creates a KVStore, creating the bucket if it doesn't exist.
func NewKVStore(ctx context.Context, js jetstream.JetStream, bucket string) (*KVStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := getOrCreateBucket(ctx, js, bucket)
	if err != nil {
		return nil, fmt.Errorf("create %s bucket: %w", bucket, err)
	}
	return &KVStore{bucket: kv}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// CreateOrUpdateKeyValue is idempotent across concurrent starters
	return js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "GOI session records",
		History:     5,
	})
}

// Save upserts a record.
func (s *KVStore) Save(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := s.bucket.Put(ctx, kvKey(rec.Collection, rec.ID), data); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// Query returns matching records in the order Window defines.
func (s *KVStore) Query(ctx context.Context, q Query) ([]Record, error) {
	matched, err := s.match(ctx, q)
	if err != nil {
		return nil, err
	}
	return Window(matched, q), nil
}

// Count returns the number of matching records.
func (s *KVStore) Count(ctx context.Context, q Query) (int, error) {
	matched, err := s.match(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// Close is a no-op; the NATS connection is owned by the caller.
func (s *KVStore) Close() error {
	return nil
}

func (s *KVStore) match(ctx context.Context, q Query) ([]Record, error) {
	if q.Collection != "" && q.ID != "" {
		entry, err := s.bucket.Get(ctx, kvKey(q.Collection, q.ID))
		if err != nil {
			if isNotFound(err) {
				return []Record{}, nil
			}
			return nil, fmt.Errorf("get record: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		if !q.Matches(rec) {
			return []Record{}, nil
		}
		return []Record{rec}, nil
	}

	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		// Empty bucket returns ErrNoKeysFound - this is not an error
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	prefix := ""
	if q.Collection != "" {
		prefix = sanitizeKey(q.Collection) + "."
	}

	out := make([]Record, 0)
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			continue // Skip entries deleted between Keys and Get
		}
		var rec Record
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			continue
		}
		if q.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func kvKey(collection, id string) string {
	return sanitizeKey(collection) + "." + sanitizeKey(id)
}

// sanitizeKey maps a value into the KV key alphabet [-/_=.a-zA-Z0-9],
// also replacing '.' so that the collection separator stays unique.
func sanitizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '=':
			return r
		default:
			return '_'
		}
	}, s)
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) ||
		(err != nil && strings.Contains(err.Error(), "key not found"))
}
