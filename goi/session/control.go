package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360studio/goi/goi"
	"github.com/c360studio/goi/goi/checkpoint"
	"github.com/c360studio/goi/goi/collaboration"
)

// PauseResult is returned by Pause. Deferred is true when a step was
// executing; the pause is then applied at the step boundary.
type PauseResult struct {
	Session  Session `json:"session"`
	Deferred bool    `json:"deferred"`
}

// Pause stops a running or waiting session.
func (m *Manager) Pause(ctx context.Context, sessionID string) (PauseResult, error) {
	h, err := m.handle(sessionID)
	if err != nil {
		return PauseResult{}, err
	}
	snap := h.Snapshot()
	if snap.Status != StatusRunning && snap.Status != StatusWaiting {
		return PauseResult{}, goi.NewInvalidTransition(string(snap.Status), string(StatusPaused))
	}

	h.pauseRequested.Store(true)
	if !h.mu.TryLock() {
		if h.IsExecuting() {
			m.logger.Debug("Pause deferred to step boundary", "session_id", sessionID)
			return PauseResult{Session: h.Snapshot(), Deferred: true}, nil
		}
		h.mu.Lock()
	}
	defer h.mu.Unlock()

	if h.evicted {
		return PauseResult{}, goi.NewNotFoundError("session", sessionID)
	}
	// A step that held the lock may already have honored the request.
	if !h.pauseRequested.Swap(false) && h.state.Status == StatusPaused {
		return PauseResult{Session: h.state}, nil
	}
	if h.state.Status != StatusRunning && h.state.Status != StatusWaiting {
		return PauseResult{}, goi.NewInvalidTransition(string(h.state.Status), string(StatusPaused))
	}
	if err := m.transitionLocked(ctx, h, StatusPaused, goi.EventSessionPaused, goi.SourceUser, nil); err != nil {
		return PauseResult{}, err
	}
	m.logger.Info("Session paused", "session_id", sessionID)
	return PauseResult{Session: h.state}, nil
}

// Unpause resumes a paused session, to waiting when a checkpoint is still
// pending and to running otherwise. It does not change who holds control.
func (m *Manager) Unpause(ctx context.Context, sessionID string, autoRun bool) (Session, error) {
	h, err := m.lock(sessionID)
	if err != nil {
		return Session{}, err
	}
	defer h.mu.Unlock()

	if h.state.Status != StatusPaused {
		return Session{}, goi.NewInvalidTransition(string(h.state.Status), string(StatusRunning))
	}
	target := StatusRunning
	if h.state.PendingCheckpointID != "" {
		target = StatusWaiting
	}
	h.pauseRequested.Store(false)
	if err := m.transitionLocked(ctx, h, target, goi.EventSessionResumed, goi.SourceUser, nil); err != nil {
		return Session{}, err
	}
	m.logger.Info("Session resumed", "session_id", sessionID, "status", target)

	if target == StatusRunning && m.autoRun(sessionID, autoRun) {
		m.RunAsync(sessionID)
	}
	return h.state, nil
}

func (m *Manager) autoRun(sessionID string, requested bool) bool {
	if requested {
		return true
	}
	cfg, err := m.deps.Control.Mode(sessionID)
	return err == nil && cfg.AutoRunAfterResume
}

// TransferRequest asks to move control of a session.
type TransferRequest struct {
	SessionID string         `json:"sessionId"`
	To        goi.Controller `json:"to"`
	Reason    string         `json:"reason,omitempty"`
	Message   string         `json:"message,omitempty"`
	// Confirm accepts a blocking deviation when handing control back.
	Confirm bool `json:"confirm,omitempty"`
}

// Transfer moves control and applies its session effects: handing control
// to the user pauses the session; handing it back to the AI resumes a
// paused session once the deviation check passes or is confirmed.
func (m *Manager) Transfer(ctx context.Context, req TransferRequest) (collaboration.Transfer, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return collaboration.Transfer{}, goi.NewValidationError(goi.CodeMissingParam, "sessionId is required")
	}
	if !req.To.IsValid() {
		return collaboration.Transfer{}, goi.NewValidationError(goi.CodeInvalidParam, "invalid transfer target %q", req.To)
	}
	if _, err := m.handle(req.SessionID); err != nil {
		return collaboration.Transfer{}, err
	}
	if !m.deps.Control.CanTransferTo(req.SessionID, req.To) {
		m.metrics.Transfer(string(req.To), false)
		return collaboration.Transfer{}, goi.NewStateConflictError(goi.CodeNotPending,
			"cannot transfer control of session %s to %s now", req.SessionID, req.To)
	}

	h, err := m.lock(req.SessionID)
	if err != nil {
		return collaboration.Transfer{}, err
	}
	defer h.mu.Unlock()

	if req.To == goi.ControllerUser {
		return m.transferToUserLocked(ctx, h, req.Reason, req.Message)
	}

	actions, err := m.deps.Control.Actions(h.id)
	if err != nil {
		return collaboration.Transfer{}, err
	}
	dev := collaboration.DetectDeviation(h.list, actions)
	if dev.IsBlocking && !req.Confirm {
		m.metrics.Transfer(string(req.To), false)
		return collaboration.Transfer{}, goi.NewStateConflictError(goi.CodeTransferFailed,
			"transfer to ai blocked by %d deviation errors; confirm to proceed", dev.Errors())
	}

	t, err := m.deps.Control.TransferTo(ctx, h.id, goi.ControllerAI, req.Reason, req.Message)
	if err != nil {
		return t, err
	}
	m.deps.Control.Reconcile(h.id)
	h.recentDeviations = dev.Errors()
	h.state.Controller = goi.ControllerAI

	if h.state.Status != StatusPaused {
		m.touchLocked(h)
		return t, nil
	}
	target := StatusRunning
	if h.state.PendingCheckpointID != "" {
		target = StatusWaiting
	}
	if err := m.transitionLocked(ctx, h, target, goi.EventSessionResumed, goi.SourceUser, map[string]any{
		"reason":     "control returned to ai",
		"deviation":  dev.Type,
		"deviations": len(dev.Issues),
	}); err != nil {
		return t, err
	}
	if target == StatusRunning && m.autoRun(h.id, false) {
		m.RunAsync(h.id)
	}
	return t, nil
}

func (m *Manager) transferToUserLocked(ctx context.Context, h *Handle, reason, message string) (collaboration.Transfer, error) {
	t, err := m.deps.Control.TransferTo(ctx, h.id, goi.ControllerUser, reason, message)
	if err != nil {
		return t, err
	}
	h.state.Controller = goi.ControllerUser
	if h.state.Status != StatusRunning && h.state.Status != StatusWaiting {
		m.touchLocked(h)
		return t, nil
	}
	if err := m.transitionLocked(ctx, h, StatusPaused, goi.EventSessionPaused, goi.SourceUser, map[string]any{
		"reason": "control transferred to user",
	}); err != nil {
		return t, err
	}
	return t, nil
}

// SetMode switches the collaboration mode and the checkpoint preset that
// goes with it.
func (m *Manager) SetMode(ctx context.Context, sessionID string, mode collaboration.Mode) (collaboration.ModeConfig, error) {
	if strings.TrimSpace(sessionID) == "" {
		return collaboration.ModeConfig{}, goi.NewValidationError(goi.CodeMissingParam, "sessionId is required")
	}
	cfg, err := collaboration.LookupMode(mode)
	if err != nil {
		return collaboration.ModeConfig{}, err
	}
	h, err := m.lock(sessionID)
	if err != nil {
		return collaboration.ModeConfig{}, err
	}
	defer h.mu.Unlock()

	if h.state.Terminal() {
		return collaboration.ModeConfig{}, goi.NewStateConflictError(goi.CodeInvalidState,
			"cannot change the mode of a finished session %s", sessionID)
	}
	if _, err := m.deps.Control.SetMode(sessionID, mode); err != nil {
		return collaboration.ModeConfig{}, err
	}
	if err := h.rules.SwitchMode(cfg.CheckpointMode); err != nil {
		return collaboration.ModeConfig{}, err
	}
	from := h.state.Mode
	h.state.Mode = mode
	m.touchLocked(h)
	m.emit(ctx, sessionID, goi.EventModeChanged, goi.SourceUser, map[string]any{
		"from":           from,
		"to":             mode,
		"checkpointMode": cfg.CheckpointMode,
	})
	return cfg, nil
}

// GetMode returns the collaboration mode of a session.
func (m *Manager) GetMode(sessionID string) (collaboration.ModeConfig, error) {
	if _, err := m.handle(sessionID); err != nil {
		return collaboration.ModeConfig{}, err
	}
	return m.deps.Control.Mode(sessionID)
}

// GetRules returns a copy of the session's rule set.
func (m *Manager) GetRules(sessionID string) (*checkpoint.RuleSet, error) {
	h, err := m.lock(sessionID)
	if err != nil {
		return nil, err
	}
	defer h.mu.Unlock()
	return h.rules.Clone(), nil
}

// SwitchRules installs the preset of a checkpoint mode.
func (m *Manager) SwitchRules(ctx context.Context, sessionID string, mode checkpoint.Mode) (*checkpoint.RuleSet, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, goi.NewValidationError(goi.CodeMissingParam, "sessionId is required")
	}
	if !mode.IsValid() {
		return nil, goi.NewValidationError(goi.CodeInvalidParam, "invalid checkpoint mode %q", mode)
	}
	h, err := m.lock(sessionID)
	if err != nil {
		return nil, err
	}
	defer h.mu.Unlock()

	if err := h.rules.SwitchMode(mode); err != nil {
		return nil, err
	}
	m.touchLocked(h)
	m.emit(ctx, sessionID, goi.EventRulesChanged, goi.SourceUser, map[string]any{"mode": mode})
	return h.rules.Clone(), nil
}

// AddRules adds or replaces custom rules by id.
func (m *Manager) AddRules(ctx context.Context, sessionID string, rules []checkpoint.Rule) (*checkpoint.RuleSet, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, goi.NewValidationError(goi.CodeMissingParam, "sessionId is required")
	}
	if len(rules) == 0 {
		return nil, goi.NewValidationError(goi.CodeInvalidState, "rules are required")
	}
	h, err := m.lock(sessionID)
	if err != nil {
		return nil, err
	}
	defer h.mu.Unlock()

	if err := h.rules.AddUserRules(rules); err != nil {
		return nil, err
	}
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	m.touchLocked(h)
	m.emit(ctx, sessionID, goi.EventRulesChanged, goi.SourceUser, map[string]any{"added": ids})
	return h.rules.Clone(), nil
}

// RecordAction stores something the user did while holding control. An
// action naming a known pending item completes it on the user's behalf.
func (m *Manager) RecordAction(ctx context.Context, sessionID, itemID, kind, description string) (collaboration.TrackedAction, error) {
	h, err := m.lock(sessionID)
	if err != nil {
		return collaboration.TrackedAction{}, err
	}
	defer h.mu.Unlock()

	a, err := m.deps.Control.RecordAction(sessionID, itemID, kind, description)
	if err != nil {
		return a, err
	}
	if itemID != "" && h.list != nil {
		if item, ok := h.list.Item(itemID); ok && !item.Status.IsDone() {
			item.Status = goi.TodoCompleted
			item.CompletedBy = goi.ControllerUser
			item.UpdatedAt = a.At
			if p := h.list.Progress(); p > h.state.Progress {
				h.state.Progress = p
			}
			m.persistLocked(ctx, h)
		}
	}
	m.touchLocked(h)
	m.emit(ctx, sessionID, goi.EventUserAction, goi.SourceUser, a)
	return a, nil
}

// Deviation compares the plan with the actions the user took while in
// control.
func (m *Manager) Deviation(sessionID string) (collaboration.Deviation, error) {
	h, err := m.handle(sessionID)
	if err != nil {
		return collaboration.Deviation{}, err
	}
	actions, err := m.deps.Control.Actions(sessionID)
	if err != nil {
		return collaboration.Deviation{}, err
	}
	return collaboration.DetectDeviation(h.TodoList(), actions), nil
}

// RespondRequest answers a checkpoint.
type RespondRequest struct {
	CheckpointID  string                    `json:"checkpointId"`
	Action        checkpoint.ResponseAction `json:"action"`
	Modifications map[string]any            `json:"modifications,omitempty"`
	Reason        string                    `json:"reason,omitempty"`
	UserID        string                    `json:"-"`
}

// RespondCheckpoint records the response and applies it to the session
// under the session lock. The response is echoed as given.
func (m *Manager) RespondCheckpoint(ctx context.Context, req RespondRequest) (*checkpoint.Response, error) {
	if err := checkpoint.ValidateResponse(req.Action, req.Modifications); err != nil {
		return nil, err
	}
	cp, err := m.deps.Checkpoints.Get(ctx, req.CheckpointID)
	if err != nil {
		return nil, err
	}

	h, err := m.lock(cp.SessionID)
	if goi.IsNotFound(err) {
		_, resp, err := m.deps.Checkpoints.Respond(ctx, cp.ID, req.Action, req.Modifications, req.Reason, req.UserID)
		if err != nil {
			return nil, err
		}
		m.metrics.CheckpointResponse(string(req.Action))
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	defer h.mu.Unlock()

	cp, resp, err := m.deps.Checkpoints.Respond(ctx, cp.ID, req.Action, req.Modifications, req.Reason, req.UserID)
	if err != nil {
		return nil, err
	}
	m.metrics.CheckpointResponse(string(req.Action))

	payload := map[string]any{
		"checkpointId": cp.ID,
		"itemId":       cp.ItemID,
		"action":       resp.Action,
	}
	if len(resp.Modifications) > 0 {
		payload["modifications"] = resp.Modifications
	}
	if resp.Reason != "" {
		payload["reason"] = resp.Reason
	}

	if h.state.PendingCheckpointID != cp.ID {
		m.emit(ctx, h.id, goi.EventCheckpointAnswered, goi.SourceUser, payload)
		return resp, nil
	}
	h.state.PendingCheckpointID = ""
	if err := m.applyResponseLocked(ctx, h, cp, payload); err != nil {
		return nil, err
	}
	m.logger.Info("Checkpoint responded", "session_id", h.id, "checkpoint_id", cp.ID, "action", req.Action)
	return resp, nil
}

func (m *Manager) applyResponseLocked(ctx context.Context, h *Handle, cp *checkpoint.Checkpoint, payload map[string]any) error {
	item, hasItem := h.list.Item(cp.ItemID)
	switch cp.Action {
	case checkpoint.RespondApprove:
		h.approvedItemID = cp.ItemID
	case checkpoint.RespondModify:
		if hasItem {
			if item.Input == nil {
				item.Input = make(map[string]any, len(cp.Modifications))
			}
			for k, v := range cp.Modifications {
				item.Input[k] = v
			}
			item.UpdatedAt = m.now().UTC()
			m.persistLocked(ctx, h)
		}
		h.approvedItemID = cp.ItemID
	case checkpoint.RespondReject:
		if hasItem && !item.Status.IsDone() {
			item.Status = goi.TodoSkipped
			item.UpdatedAt = m.now().UTC()
			if p := h.list.Progress(); p > h.state.Progress {
				h.state.Progress = p
			}
			m.persistLocked(ctx, h)
		}
		h.approvedItemID = ""
	case checkpoint.RespondTakeover:
		m.emit(ctx, h.id, goi.EventCheckpointAnswered, goi.SourceUser, payload)
		if _, err := m.deps.Control.TransferTo(ctx, h.id, goi.ControllerUser, "checkpoint takeover", cp.Reason); err != nil && !goi.IsStateConflict(err) {
			return err
		}
		h.state.Controller = goi.ControllerUser
		if h.state.Status == StatusWaiting {
			return m.transitionLocked(ctx, h, StatusPaused, goi.EventSessionPaused, goi.SourceUser, map[string]any{
				"reason": "checkpoint takeover",
			})
		}
		m.touchLocked(h)
		return nil
	default:
		return fmt.Errorf("unhandled checkpoint action %q", cp.Action)
	}

	if h.state.Status != StatusWaiting {
		m.touchLocked(h)
		m.emit(ctx, h.id, goi.EventCheckpointAnswered, goi.SourceUser, payload)
		return nil
	}
	if err := m.transitionLocked(ctx, h, StatusRunning, goi.EventCheckpointAnswered, goi.SourceUser, payload); err != nil {
		return err
	}
	if m.autoRun(h.id, false) {
		m.RunAsync(h.id)
	}
	return nil
}
