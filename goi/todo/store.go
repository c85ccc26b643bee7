// Package todo stores the ordered plan of each GOI session. A session has
// at most one active TodoList; creating a new one supersedes the previous
// list, which is kept for history and never deleted.
package todo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/goi/goi"
	"github.com/c360studio/goi/storage"
)

// Store persists todo lists in a storage.Store.
type Store struct {
	records storage.Store
	mu      sync.Mutex // serializes create, supersede and save
	now     func() time.Time
}

// NewStore creates a todo store over records.
func NewStore(records storage.Store) *Store {
	return &Store{records: records, now: time.Now}
}

// Create validates items, supersedes the active list of the session if
// any, and stores a new active list. Items without an ID get one; items
// without a status start pending.
func (s *Store) Create(ctx context.Context, sessionID, goal string, items []goi.TodoItem) (*goi.TodoList, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, goi.NewValidationError(goi.CodeMissingParam, "sessionId is required")
	}
	if strings.TrimSpace(goal) == "" {
		return nil, goi.NewValidationError(goi.CodeInvalidParam, "goal is required")
	}

	now := s.now().UTC()
	normalized := make([]goi.TodoItem, 0, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.Content) == "" {
			return nil, goi.NewValidationError(goi.CodeInvalidParam, "item %d: content is required", i)
		}
		if item.Status == "" {
			item.Status = goi.TodoPending
		}
		if !item.Status.IsValid() {
			return nil, goi.NewValidationError(goi.CodeInvalidParam, "item %d: invalid status %q", i, item.Status)
		}
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		if item.UpdatedAt.IsZero() {
			item.UpdatedAt = now
		}
		normalized = append(normalized, item)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := &goi.TodoList{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Goal:      goal,
		Version:   1,
		Active:    true,
		Items:     normalized,
		CreatedAt: now,
		UpdatedAt: now,
	}

	prev, err := s.Active(ctx, sessionID)
	switch {
	case err == nil:
		list.Version = prev.Version + 1
		prev.Active = false
		prev.SupersededBy = list.ID
		prev.UpdatedAt = now
		if err := s.save(ctx, prev); err != nil {
			return nil, fmt.Errorf("supersede todo list %s: %w", prev.ID, err)
		}
	case !goi.IsNotFound(err):
		return nil, err
	}

	if err := s.save(ctx, list); err != nil {
		return nil, err
	}
	return list.Clone(), nil
}

// Save stores an updated list. The list must already exist. A list that
// has been superseded is refused with a state conflict; its stored record
// is left untouched so the session keeps a single active list.
func (s *Store) Save(ctx context.Context, list *goi.TodoList) error {
	if list == nil || list.ID == "" {
		return goi.NewValidationError(goi.CodeInvalidParam, "todo list id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.Get(ctx, list.ID)
	if err != nil {
		return err
	}
	if !stored.Active {
		return goi.NewStateConflictError(goi.CodeInvalidState,
			"todo list %s was superseded by %s", list.ID, stored.SupersededBy)
	}
	list.Active = true
	list.SupersededBy = ""
	list.UpdatedAt = s.now().UTC()
	return s.save(ctx, list)
}

// Get returns the list with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*goi.TodoList, error) {
	recs, err := s.records.Query(ctx, storage.Query{Collection: storage.CollectionTodoLists, ID: id})
	if err != nil {
		return nil, fmt.Errorf("query todo list: %w", err)
	}
	if len(recs) == 0 {
		return nil, goi.NewNotFoundError("todo list", id)
	}
	return decode(recs[0])
}

// Active returns the active list of a session.
func (s *Store) Active(ctx context.Context, sessionID string) (*goi.TodoList, error) {
	lists, err := s.List(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}
	if len(lists) == 0 {
		return nil, goi.NewNotFoundError("todo list", sessionID)
	}
	return lists[len(lists)-1], nil
}

// Latest returns the most recent list of a session, active or not.
func (s *Store) Latest(ctx context.Context, sessionID string) (*goi.TodoList, error) {
	lists, err := s.List(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	if len(lists) == 0 {
		return nil, goi.NewNotFoundError("todo list", sessionID)
	}
	return lists[len(lists)-1], nil
}

// List returns the lists of a session ordered by version. An empty
// sessionID lists every session.
func (s *Store) List(ctx context.Context, sessionID string, activeOnly bool) ([]*goi.TodoList, error) {
	recs, err := s.records.Query(ctx, storage.Query{
		Collection: storage.CollectionTodoLists,
		SessionID:  sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("query todo lists: %w", err)
	}

	out := make([]*goi.TodoList, 0, len(recs))
	for _, rec := range recs {
		list, err := decode(rec)
		if err != nil {
			return nil, err
		}
		if activeOnly && !list.Active {
			continue
		}
		out = append(out, list)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// SetItemStatus updates one item of the active list and saves it.
func (s *Store) SetItemStatus(ctx context.Context, sessionID, itemID string, status goi.TodoStatus, by goi.Controller) (*goi.TodoList, error) {
	if !status.IsValid() {
		return nil, goi.NewValidationError(goi.CodeInvalidParam, "invalid status %q", status)
	}
	list, err := s.Active(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	item, ok := list.Item(itemID)
	if !ok {
		return nil, goi.NewNotFoundError("todo item", itemID)
	}
	item.Status = status
	item.UpdatedAt = s.now().UTC()
	if status == goi.TodoCompleted {
		item.CompletedBy = by
	}
	if err := s.Save(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Store) save(ctx context.Context, list *goi.TodoList) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal todo list: %w", err)
	}
	recType := "active"
	if !list.Active {
		recType = "superseded"
	}
	err = s.records.Save(ctx, storage.Record{
		Collection: storage.CollectionTodoLists,
		ID:         list.ID,
		SessionID:  list.SessionID,
		Type:       recType,
		Seq:        int64(list.Version),
		Data:       data,
		CreatedAt:  list.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("save todo list %s: %w", list.ID, err)
	}
	return nil
}

func decode(rec storage.Record) (*goi.TodoList, error) {
	var list goi.TodoList
	if err := json.Unmarshal(rec.Data, &list); err != nil {
		return nil, fmt.Errorf("decode todo list %s: %w", rec.ID, errors.Join(storage.ErrInvalidRecord, err))
	}
	return &list, nil
}
