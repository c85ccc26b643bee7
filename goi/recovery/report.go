// Package recovery turns step failures into reports with a menu of
// recovery actions and dispatches the action the user picks.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/goi/executor"
	"github.com/c360studio/goi/goi"
	"github.com/c360studio/goi/storage"
)

// Action is a recovery choice.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionModify   Action = "modify"
	ActionSkip     Action = "skip"
	ActionTakeover Action = "takeover"
	ActionAbort    Action = "abort"
	ActionReplan   Action = "replan"
)

// IsValid returns true if the action is known.
func (a Action) IsValid() bool {
	switch a {
	case ActionRetry, ActionModify, ActionSkip, ActionTakeover, ActionAbort, ActionReplan:
		return true
	default:
		return false
	}
}

// Location pins where a failure happened.
type Location struct {
	Phase     string `json:"phase"`
	ItemID    string `json:"itemId,omitempty"`
	StepCount int    `json:"stepCount"`
}

// Suggestion is one entry of the recovery menu.
type Suggestion struct {
	Action      Action `json:"action"`
	OptionID    string `json:"optionId"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Recommended bool   `json:"recommended"`
}

// Report describes one failure. It is consumed by exactly one recovery.
type Report struct {
	FailureID      string         `json:"failureId"`
	SessionID      string         `json:"sessionId"`
	Location       Location       `json:"location"`
	Reason         string         `json:"reason"`
	ErrorKind      string         `json:"errorKind"`
	Context        map[string]any `json:"context,omitempty"`
	Suggestions    []Suggestion   `json:"suggestions"`
	CreatedAt      time.Time      `json:"createdAt"`
	Consumed       bool           `json:"consumed"`
	ConsumedAt     *time.Time     `json:"consumedAt,omitempty"`
	ConsumedAction Action         `json:"consumedAction,omitempty"`
}

// Offers reports whether the report's menu contains action.
func (r *Report) Offers(action Action) bool {
	for _, s := range r.Suggestions {
		if s.Action == action {
			return true
		}
	}
	return false
}

// Failure is the input for a new report.
type Failure struct {
	FailureID       string
	SessionID       string
	Location        Location
	Reason          string
	ErrorKind       string
	Context         map[string]any
	Item            *goi.TodoItem
	UserCorrectable bool
}

// Suggest builds the recovery menu for a failure.
func Suggest(errorKind string, item *goi.TodoItem, userCorrectable bool) []Suggestion {
	correctable := userCorrectable || errorKind == executor.KindInput || (item != nil && len(item.Input) > 0)
	out := []Suggestion{{
		Action:      ActionRetry,
		Label:       "Retry",
		Description: "Run the failed step again unchanged",
		Recommended: errorKind == executor.KindTransient || errorKind == executor.KindTimeout,
	}}
	if correctable {
		out = append(out, Suggestion{
			Action:      ActionModify,
			Label:       "Modify input",
			Description: "Run the step again with corrected input",
			Recommended: errorKind == executor.KindInput,
		})
	}
	if item == nil || !item.Required {
		out = append(out, Suggestion{
			Action:      ActionSkip,
			Label:       "Skip",
			Description: "Mark the step skipped and continue with the next one",
		})
	}
	out = append(out,
		Suggestion{Action: ActionTakeover, Label: "Take over", Description: "Pause the agent and continue by hand"},
		Suggestion{Action: ActionReplan, Label: "Replan", Description: "Generate a new plan from the current point"},
		Suggestion{Action: ActionAbort, Label: "Abort", Description: "Stop the session"},
	)
	for i := range out {
		out[i].OptionID = "opt-" + string(out[i].Action)
	}
	return out
}

// ReportStore persists failure reports.
type ReportStore struct {
	records storage.Store
	mu      sync.Mutex // serializes consume
	now     func() time.Time
}

// NewReportStore creates a report store over records.
func NewReportStore(records storage.Store) *ReportStore {
	return &ReportStore{records: records, now: time.Now}
}

// Create builds and stores a report for f.
func (s *ReportStore) Create(ctx context.Context, f Failure) (*Report, error) {
	if strings.TrimSpace(f.SessionID) == "" {
		return nil, goi.NewValidationError(goi.CodeMissingParam, "sessionId is required")
	}
	if f.FailureID == "" {
		f.FailureID = uuid.New().String()
	}
	if f.ErrorKind == "" {
		f.ErrorKind = executor.KindUnknown
	}
	r := &Report{
		FailureID:   f.FailureID,
		SessionID:   f.SessionID,
		Location:    f.Location,
		Reason:      f.Reason,
		ErrorKind:   f.ErrorKind,
		Context:     f.Context,
		Suggestions: Suggest(f.ErrorKind, f.Item, f.UserCorrectable),
		CreatedAt:   s.now().UTC(),
	}
	if err := s.save(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns a report by failure ID.
func (s *ReportStore) Get(ctx context.Context, failureID string) (*Report, error) {
	recs, err := s.records.Query(ctx, storage.Query{Collection: storage.CollectionFailures, ID: failureID})
	if err != nil {
		return nil, fmt.Errorf("query failure report: %w", err)
	}
	if len(recs) == 0 {
		return nil, goi.NewNotFoundError("failure report", failureID)
	}
	var r Report
	if err := json.Unmarshal(recs[0].Data, &r); err != nil {
		return nil, fmt.Errorf("decode failure report %s: %w", failureID, err)
	}
	return &r, nil
}

// List returns the reports of a session in creation order.
func (s *ReportStore) List(ctx context.Context, sessionID string) ([]*Report, error) {
	recs, err := s.records.Query(ctx, storage.Query{Collection: storage.CollectionFailures, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("query failure reports: %w", err)
	}
	out := make([]*Report, 0, len(recs))
	for _, rec := range recs {
		var r Report
		if err := json.Unmarshal(rec.Data, &r); err != nil {
			return nil, fmt.Errorf("decode failure report %s: %w", rec.ID, err)
		}
		out = append(out, &r)
	}
	return out, nil
}

// Consume marks a report used by action. A report is consumed once; a
// second call fails with a CodeNotPending conflict.
func (s *ReportStore) Consume(ctx context.Context, failureID string, action Action) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.Get(ctx, failureID)
	if err != nil {
		return nil, err
	}
	if r.Consumed {
		return nil, goi.NewStateConflictError(goi.CodeNotPending, "failure report %s was already consumed by %s", failureID, r.ConsumedAction)
	}
	at := s.now().UTC()
	r.Consumed = true
	r.ConsumedAt = &at
	r.ConsumedAction = action
	if err := s.save(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *ReportStore) save(ctx context.Context, r *Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal failure report: %w", err)
	}
	recType := "open"
	if r.Consumed {
		recType = "consumed"
	}
	if err := s.records.Save(ctx, storage.Record{
		Collection: storage.CollectionFailures,
		ID:         r.FailureID,
		SessionID:  r.SessionID,
		Type:       recType,
		Data:       data,
		CreatedAt:  r.CreatedAt,
	}); err != nil {
		return fmt.Errorf("save failure report %s: %w", r.FailureID, err)
	}
	return nil
}
