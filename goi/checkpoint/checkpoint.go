package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/goi/goi"
	"github.com/c360studio/goi/storage"
)

// Status is the lifecycle state of a checkpoint.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResponded Status = "responded"
)

// ResponseAction is the user's answer to a checkpoint.
type ResponseAction string

const (
	RespondApprove  ResponseAction = "approve"
	RespondModify   ResponseAction = "modify"
	RespondReject   ResponseAction = "reject"
	RespondTakeover ResponseAction = "takeover"
)

// IsValid returns true if the action is known.
func (a ResponseAction) IsValid() bool {
	switch a {
	case RespondApprove, RespondModify, RespondReject, RespondTakeover:
		return true
	default:
		return false
	}
}

// Checkpoint gates one todo item until a user responds.
type Checkpoint struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"sessionId"`
	ItemID        string         `json:"itemId"`
	Status        Status         `json:"status"`
	Operation     goi.Operation  `json:"operation"`
	Rule          *Rule          `json:"rule,omitempty"`
	Score         int            `json:"score,omitempty"`
	Action        ResponseAction `json:"action,omitempty"`
	Modifications map[string]any `json:"modifications,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	RespondedBy   string         `json:"respondedBy,omitempty"`
	RespondedAt   *time.Time     `json:"respondedAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Response echoes an accepted checkpoint response.
type Response struct {
	CheckpointID  string         `json:"checkpointId"`
	Action        ResponseAction `json:"action"`
	RespondedAt   time.Time      `json:"respondedAt"`
	Modifications map[string]any `json:"modifications,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// ValidateResponse checks a response before any lookup.
func ValidateResponse(action ResponseAction, modifications map[string]any) error {
	if strings.TrimSpace(string(action)) == "" {
		return goi.NewValidationError(goi.CodeMissingParam, "action is required")
	}
	if !action.IsValid() {
		return goi.NewValidationError(goi.CodeInvalidParam, "invalid action %q", action)
	}
	if action == RespondModify && len(modifications) == 0 {
		return goi.NewValidationError(goi.CodeInvalidState, "modifications are required for modify")
	}
	return nil
}

// Store persists checkpoints.
type Store struct {
	records storage.Store
	mu      sync.Mutex // serializes respond
	now     func() time.Time
}

// NewStore creates a checkpoint store over records.
func NewStore(records storage.Store) *Store {
	return &Store{records: records, now: time.Now}
}

// Create stores a new pending checkpoint for an item.
func (s *Store) Create(ctx context.Context, sessionID, itemID string, op goi.Operation, d Decision) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		ItemID:    itemID,
		Status:    StatusPending,
		Operation: op,
		Rule:      d.MatchedRule,
		Score:     d.Score,
		CreatedAt: s.now().UTC(),
	}
	if err := s.save(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// Get returns a checkpoint by ID.
func (s *Store) Get(ctx context.Context, id string) (*Checkpoint, error) {
	if strings.TrimSpace(id) == "" {
		return nil, goi.NewValidationError(goi.CodeMissingParam, "checkpointId is required")
	}
	recs, err := s.records.Query(ctx, storage.Query{Collection: storage.CollectionCheckpoints, ID: id})
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	if len(recs) == 0 {
		return nil, goi.NewNotFoundError("checkpoint", id)
	}
	return decode(recs[0])
}

// List returns the checkpoints of a session in creation order.
func (s *Store) List(ctx context.Context, sessionID string, pendingOnly bool) ([]*Checkpoint, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, goi.NewValidationError(goi.CodeMissingParam, "sessionId is required")
	}
	q := storage.Query{Collection: storage.CollectionCheckpoints, SessionID: sessionID}
	if pendingOnly {
		q.Types = []string{string(StatusPending)}
	}
	recs, err := s.records.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	out := make([]*Checkpoint, 0, len(recs))
	for _, rec := range recs {
		cp, err := decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// ListPending returns the pending checkpoints of a session.
func (s *Store) ListPending(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	return s.List(ctx, sessionID, true)
}

// Respond records the answer to a pending checkpoint. A checkpoint can be
// answered once; later responses fail with a CodeNotPending conflict.
func (s *Store) Respond(ctx context.Context, id string, action ResponseAction, modifications map[string]any, reason, userID string) (*Checkpoint, *Response, error) {
	if err := ValidateResponse(action, modifications); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if cp.Status != StatusPending {
		return nil, nil, goi.NewStateConflictError(goi.CodeNotPending, "checkpoint %s is not in pending status", id)
	}

	at := s.now().UTC()
	cp.Status = StatusResponded
	cp.Action = action
	cp.Modifications = modifications
	cp.Reason = reason
	cp.RespondedBy = userID
	cp.RespondedAt = &at
	if err := s.save(ctx, cp); err != nil {
		return nil, nil, err
	}

	return cp, &Response{
		CheckpointID:  cp.ID,
		Action:        action,
		RespondedAt:   at,
		Modifications: modifications,
		Reason:        reason,
	}, nil
}

func (s *Store) save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.records.Save(ctx, storage.Record{
		Collection: storage.CollectionCheckpoints,
		ID:         cp.ID,
		SessionID:  cp.SessionID,
		Type:       string(cp.Status),
		Data:       data,
		CreatedAt:  cp.CreatedAt,
	}); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func decode(rec storage.Record) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(rec.Data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", rec.ID, err)
	}
	return &cp, nil
}
