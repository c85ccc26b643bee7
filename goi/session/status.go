// Package session owns the lifecycle of GOI agent sessions: the state
// machine, the single-flight step executor, pause and resume, control
// hand-offs and recovery effects.
package session

import (
	"time"

	"github.com/c360studio/goi/goi"
	"github.com/c360studio/goi/goi/collaboration"
)

// Status represents the state of an agent session.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsValid returns true if the status is known.
func (s Status) IsValid() bool {
	switch s {
	case StatusPlanning, StatusRunning, StatusWaiting, StatusPaused, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the transition is allowed.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusPlanning:
		return target == StatusRunning || target == StatusFailed
	case StatusRunning:
		return target == StatusWaiting || target == StatusPaused || target == StatusCompleted || target == StatusFailed
	case StatusWaiting:
		return target == StatusRunning || target == StatusPaused
	case StatusPaused:
		return target == StatusRunning || target == StatusWaiting
	case StatusFailed:
		return target == StatusRunning || target == StatusPlanning || target == StatusPaused
	case StatusCompleted:
		return false
	default:
		return false
	}
}

// Session is the committed view of an agent session. Values returned by
// the manager are copies and safe to keep.
type Session struct {
	SessionID           string             `json:"sessionId"`
	UserID              string             `json:"userId"`
	Goal                string             `json:"goal"`
	Status              Status             `json:"status"`
	Mode                collaboration.Mode `json:"mode"`
	Controller          goi.Controller     `json:"controller"`
	CurrentItemID       string             `json:"currentItemId,omitempty"`
	Progress            int                `json:"progress"`
	StepCount           int                `json:"stepCount"`
	RetryCount          int                `json:"retryCount"`
	StartTime           time.Time          `json:"startTime"`
	LastStepTime        *time.Time         `json:"lastStepTime,omitempty"`
	LastActivity        time.Time          `json:"lastActivity"`
	Error               string             `json:"error,omitempty"`
	PendingCheckpointID string             `json:"pendingCheckpointId,omitempty"`
	LastFailureID       string             `json:"lastFailureId,omitempty"`
	Aborted             bool               `json:"aborted,omitempty"`
	PauseRequested      bool               `json:"pauseRequested,omitempty"`
}

// Terminal reports whether the session can no longer advance.
func (s *Session) Terminal() bool {
	return s.Status == StatusCompleted || (s.Status == StatusFailed && s.Aborted)
}

// Stats summarizes the registry.
type Stats struct {
	Total     int            `json:"total"`
	Executing int            `json:"executing"`
	ByStatus  map[Status]int `json:"byStatus"`
}
