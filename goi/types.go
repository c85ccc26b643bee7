// Package goi holds the shared domain types of the Goal-Oriented
// Interaction subsystem: todo plans, operations, events, and the error
// taxonomy used by every GOI component.
package goi

import (
	"encoding/json"
	"time"
)

// Controller identifies who currently drives a session.
type Controller string

const (
	ControllerAI   Controller = "ai"
	ControllerUser Controller = "user"
)

// IsValid returns true if the controller is ai or user.
func (c Controller) IsValid() bool {
	return c == ControllerAI || c == ControllerUser
}

// Source identifies who produced an event.
type Source string

const (
	SourceAI     Source = "ai"
	SourceUser   Source = "user"
	SourceSystem Source = "system"
)

// IsValid returns true if the source is known.
func (s Source) IsValid() bool {
	switch s {
	case SourceAI, SourceUser, SourceSystem:
		return true
	default:
		return false
	}
}

// TodoStatus represents the execution state of a todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoSkipped    TodoStatus = "skipped"
)

// IsValid returns true if the todo status is valid.
func (s TodoStatus) IsValid() bool {
	switch s {
	case TodoPending, TodoInProgress, TodoCompleted, TodoSkipped:
		return true
	default:
		return false
	}
}

// IsDone returns true for completed and skipped items.
func (s TodoStatus) IsDone() bool {
	return s == TodoCompleted || s == TodoSkipped
}

// RiskClass grades how dangerous an operation is.
type RiskClass string

const (
	RiskLow      RiskClass = "low"
	RiskMedium   RiskClass = "medium"
	RiskHigh     RiskClass = "high"
	RiskCritical RiskClass = "critical"
)

// Rank orders risk classes; unknown classes rank as low.
func (r RiskClass) Rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// OperationKind classifies what a step does.
type OperationKind string

const (
	OperationGeneric           OperationKind = "generic"
	OperationResourceSelection OperationKind = "resource_selection"
	OperationCreate            OperationKind = "create"
	OperationUpdate            OperationKind = "update"
	OperationDelete            OperationKind = "delete"
	OperationExecute           OperationKind = "execute"
)

// Operation describes the work a pending step would perform. It is what
// checkpoint rules are evaluated against.
type Operation struct {
	Kind          OperationKind  `json:"kind" yaml:"kind"`
	Resource      string         `json:"resource,omitempty" yaml:"resource,omitempty"`
	Risk          RiskClass      `json:"risk,omitempty" yaml:"risk,omitempty"`
	EstimatedCost float64        `json:"estimatedCost,omitempty" yaml:"estimated_cost,omitempty"`
	Irreversible  bool           `json:"irreversible,omitempty" yaml:"irreversible,omitempty"`
	Input         map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
}

// TodoItem is a single planned step.
type TodoItem struct {
	ID          string         `json:"id"`
	Content     string         `json:"content"`
	Status      TodoStatus     `json:"status"`
	Required    bool           `json:"required,omitempty"`
	CompletedBy Controller     `json:"completedBy,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Operation   *Operation     `json:"operation,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// TodoList is the ordered plan of one session.
type TodoList struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"sessionId"`
	Goal         string     `json:"goal"`
	Version      int        `json:"version"`
	Active       bool       `json:"active"`
	Items        []TodoItem `json:"items"`
	SupersededBy string     `json:"supersededBy,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy of the list.
func (l *TodoList) Clone() *TodoList {
	if l == nil {
		return nil
	}
	c := *l
	c.Items = make([]TodoItem, len(l.Items))
	for i, item := range l.Items {
		c.Items[i] = item.clone()
	}
	return &c
}

func (i TodoItem) clone() TodoItem {
	c := i
	if i.Input != nil {
		c.Input = make(map[string]any, len(i.Input))
		for k, v := range i.Input {
			c.Input[k] = v
		}
	}
	if i.Operation != nil {
		op := *i.Operation
		c.Operation = &op
	}
	return c
}

// Item returns the item with the given ID.
func (l *TodoList) Item(id string) (*TodoItem, bool) {
	for i := range l.Items {
		if l.Items[i].ID == id {
			return &l.Items[i], true
		}
	}
	return nil, false
}

// NextPending returns the first item that is pending or was left in
// progress by an interrupted step.
func (l *TodoList) NextPending() (*TodoItem, bool) {
	for i := range l.Items {
		if l.Items[i].Status == TodoPending || l.Items[i].Status == TodoInProgress {
			return &l.Items[i], true
		}
	}
	return nil, false
}

// Progress returns the percentage of items that are done.
func (l *TodoList) Progress() int {
	if l == nil || len(l.Items) == 0 {
		return 0
	}
	done := 0
	for _, item := range l.Items {
		if item.Status.IsDone() {
			done++
		}
	}
	return done * 100 / len(l.Items)
}

// AllDone returns true when every item is completed or skipped.
func (l *TodoList) AllDone() bool {
	for _, item := range l.Items {
		if !item.Status.IsDone() {
			return false
		}
	}
	return true
}

// Event is one entry of the append-only session event log.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Source    Source          `json:"source"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Event types emitted by the GOI core.
const (
	EventSessionStarted     = "session_started"
	EventPlanGenerated      = "plan_generated"
	EventStepCompleted      = "step_completed"
	EventSessionWaiting     = "session_waiting"
	EventSessionPaused      = "session_paused"
	EventSessionResumed     = "session_resumed"
	EventSessionCompleted   = "session_completed"
	EventSessionFailed      = "session_failed"
	EventSessionReplanning  = "session_replanning"
	EventSessionAborted     = "session_aborted"
	EventCheckpointAnswered = "checkpoint_responded"
	EventControlTransferred = "control_transferred"
	EventModeChanged        = "mode_changed"
	EventRulesChanged       = "rules_changed"
	EventUserAction         = "user_action"
	EventItemSkipped        = "item_skipped"
	EventSessionEvicted     = "session_evicted"
	EventPlanAdopted        = "plan_adopted"
)
