package collaboration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/goi/goi"
	"github.com/c360studio/goi/goi/events"
	"github.com/c360studio/goi/metrics"
)

// ExecutionProbe reports whether a session has a step in flight.
type ExecutionProbe interface {
	IsExecuting(sessionID string) bool
}

// Transfer is the record of one control transfer attempt.
type Transfer struct {
	SessionID     string         `json:"sessionId"`
	From          goi.Controller `json:"from"`
	To            goi.Controller `json:"to"`
	Reason        string         `json:"reason,omitempty"`
	Message       string         `json:"message,omitempty"`
	TransferredAt time.Time      `json:"transferredAt"`
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
}

// TrackedAction is something the user did while holding control.
type TrackedAction struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	ItemID      string    `json:"itemId,omitempty"`
	Kind        string    `json:"kind"`
	Description string    `json:"description,omitempty"`
	At          time.Time `json:"at"`
}

// ControlState is a snapshot of a session's ownership.
type ControlState struct {
	Controller goi.Controller `json:"controller"`
	Mode       Mode           `json:"mode"`
	Actions    int            `json:"trackedActions"`
}

type sessionControl struct {
	mu         sync.Mutex
	controller goi.Controller
	mode       Mode
	actions    []TrackedAction
}

// Manager owns the controller of every session. It is the only component
// that changes who holds control.
type Manager struct {
	probe   ExecutionProbe
	bus     *events.Bus
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*sessionControl
}

// NewManager creates a control manager. probe and bus are required.
func NewManager(probe ExecutionProbe, bus *events.Bus, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		probe:    probe,
		bus:      bus,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		sessions: make(map[string]*sessionControl),
	}
}

// Register starts tracking a session with the default controller of mode.
func (m *Manager) Register(sessionID string, mode Mode) error {
	cfg, err := LookupMode(mode)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sessions[sessionID] = &sessionControl{controller: cfg.DefaultController, mode: mode}
	m.mu.Unlock()
	return nil
}

// Forget stops tracking a session.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

func (m *Manager) session(sessionID string) (*sessionControl, error) {
	m.mu.RLock()
	sc, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, goi.NewNotFoundError("session", sessionID)
	}
	return sc, nil
}

// State returns the ownership snapshot of a session.
func (m *Manager) State(sessionID string) (ControlState, error) {
	sc, err := m.session(sessionID)
	if err != nil {
		return ControlState{}, err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return ControlState{Controller: sc.controller, Mode: sc.mode, Actions: len(sc.actions)}, nil
}

// Controller returns who holds control of a session.
func (m *Manager) Controller(sessionID string) (goi.Controller, error) {
	st, err := m.State(sessionID)
	return st.Controller, err
}

// CanTransferTo reports whether control could move to target now. It is
// false while a step executes or when target already holds control.
func (m *Manager) CanTransferTo(sessionID string, target goi.Controller) bool {
	if !target.IsValid() {
		return false
	}
	sc, err := m.session(sessionID)
	if err != nil {
		return false
	}
	if m.probe != nil && m.probe.IsExecuting(sessionID) {
		return false
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.controller != target
}

// TransferTo moves control to target and appends a control_transferred
// event. A refused transfer is recorded too and returned with a
// CodeNotPending conflict.
func (m *Manager) TransferTo(ctx context.Context, sessionID string, target goi.Controller, reason, message string) (Transfer, error) {
	if !target.IsValid() {
		return Transfer{}, goi.NewValidationError(goi.CodeInvalidParam, "invalid transfer target %q", target)
	}
	sc, err := m.session(sessionID)
	if err != nil {
		return Transfer{}, err
	}

	executing := m.probe != nil && m.probe.IsExecuting(sessionID)

	sc.mu.Lock()
	t := Transfer{
		SessionID:     sessionID,
		From:          sc.controller,
		To:            target,
		Reason:        reason,
		Message:       message,
		TransferredAt: m.now().UTC(),
	}
	switch {
	case executing:
		t.Error = "a step is executing"
	case sc.controller == target:
		t.Error = fmt.Sprintf("%s already holds control", target)
	default:
		sc.controller = target
		t.Success = true
	}
	sc.mu.Unlock()

	m.metrics.Transfer(string(target), t.Success)
	if _, err := m.bus.Publish(ctx, sessionID, goi.EventControlTransferred, goi.SourceUser, t); err != nil {
		m.logger.Warn("Failed to record control transfer", "session_id", sessionID, "error", err)
	}

	if !t.Success {
		return t, goi.NewStateConflictError(goi.CodeNotPending, "cannot transfer control to %s: %s", target, t.Error)
	}
	m.logger.Debug("Control transferred", "session_id", sessionID, "from", t.From, "to", t.To)
	return t, nil
}

// SetMode records the collaboration mode of a session. It does not move
// control of a running session.
func (m *Manager) SetMode(sessionID string, mode Mode) (ModeConfig, error) {
	cfg, err := LookupMode(mode)
	if err != nil {
		return ModeConfig{}, err
	}
	sc, err := m.session(sessionID)
	if err != nil {
		return ModeConfig{}, err
	}
	sc.mu.Lock()
	sc.mode = mode
	sc.mu.Unlock()
	return cfg, nil
}

// Mode returns the collaboration mode of a session.
func (m *Manager) Mode(sessionID string) (ModeConfig, error) {
	st, err := m.State(sessionID)
	if err != nil {
		return ModeConfig{}, err
	}
	return LookupMode(st.Mode)
}

// RecordAction stores an action taken by the user. The user must hold
// control.
func (m *Manager) RecordAction(sessionID, itemID, kind, description string) (TrackedAction, error) {
	if strings.TrimSpace(kind) == "" {
		return TrackedAction{}, goi.NewValidationError(goi.CodeMissingParam, "kind is required")
	}
	sc, err := m.session(sessionID)
	if err != nil {
		return TrackedAction{}, err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.controller != goi.ControllerUser {
		return TrackedAction{}, goi.NewStateConflictError(goi.CodeInvalidState, "user does not hold control of session %s", sessionID)
	}
	a := TrackedAction{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		ItemID:      itemID,
		Kind:        kind,
		Description: description,
		At:          m.now().UTC(),
	}
	sc.actions = append(sc.actions, a)
	return a, nil
}

// Actions returns the actions recorded since the last reconcile.
func (m *Manager) Actions(sessionID string) ([]TrackedAction, error) {
	sc, err := m.session(sessionID)
	if err != nil {
		return nil, err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]TrackedAction, len(sc.actions))
	copy(out, sc.actions)
	return out, nil
}

// Reconcile clears the recorded actions once they have been accepted.
func (m *Manager) Reconcile(sessionID string) {
	sc, err := m.session(sessionID)
	if err != nil {
		return
	}
	sc.mu.Lock()
	sc.actions = nil
	sc.mu.Unlock()
}
