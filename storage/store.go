// Package storage provides the record store behind the GOI event log,
// todo plans, checkpoints, and failure reports. The store is an external
// collaborator exposing Save, Query and Count; this package ships memory,
// SQLite and NATS KV backends.
package storage

import (
	"context"
	"encoding/json"
	"sort"
	"time"
)

// Collections used by the GOI core.
const (
	CollectionEvents      = "events"
	CollectionTodoLists   = "todo_lists"
	CollectionCheckpoints = "checkpoints"
	CollectionFailures    = "failures"
)

// Record is one stored document. Records are upserted by (Collection, ID).
type Record struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id,omitempty"`
	Type       string          `json:"type,omitempty"`
	Seq        int64           `json:"seq,omitempty"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Query selects records from one collection. Zero-valued fields do not
// filter. Limit and Offset apply to Query only, never to Count.
type Query struct {
	Collection string
	ID         string
	SessionID  string
	Types      []string
	SinceSeq   int64
	Limit      int
	Offset     int
	Descending bool
}

// Store is the persistence contract of the GOI core.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Query(ctx context.Context, q Query) ([]Record, error)
	Count(ctx context.Context, q Query) (int, error)
	Close() error
}

// Matches reports whether rec satisfies every filter of q.
func (q Query) Matches(rec Record) bool {
	if q.Collection != "" && rec.Collection != q.Collection {
		return false
	}
	if q.ID != "" && rec.ID != q.ID {
		return false
	}
	if q.SessionID != "" && rec.SessionID != q.SessionID {
		return false
	}
	if q.SinceSeq > 0 && rec.Seq <= q.SinceSeq {
		return false
	}
	if len(q.Types) > 0 {
		found := false
		for _, t := range q.Types {
			if rec.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SeqOrdered reports whether matches for q are ordered by Seq alone. A
// session's events carry dense sequence numbers that do not depend on the
// wall clock.
func SeqOrdered(q Query) bool {
	return q.Collection == CollectionEvents && q.SessionID != ""
}

// Window orders matching records and applies the offset and limit of q.
// Records are ordered by creation time then sequence, or by sequence alone
// when SeqOrdered(q).
func Window(records []Record, q Query) []Record {
	bySeq := SeqOrdered(q)
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !bySeq && !a.CreatedAt.Equal(b.CreatedAt) {
			if q.Descending {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if q.Descending {
			return a.Seq > b.Seq
		}
		return a.Seq < b.Seq
	})

	if q.Offset > 0 {
		if q.Offset >= len(records) {
			return []Record{}
		}
		records = records[q.Offset:]
	}
	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
	}
	return records
}

func validate(rec Record) error {
	if rec.Collection == "" || rec.ID == "" {
		return ErrInvalidRecord
	}
	return nil
}
