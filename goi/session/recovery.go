package session

import (
	"context"

	"github.com/c360studio/goi/goi"
	"github.com/c360studio/goi/goi/recovery"
)

var _ recovery.SessionActions = (*Manager)(nil)

// recoverLocked locks the failed session a report belongs to, consumes
// the report through commit, then runs apply.
func (m *Manager) recoverLocked(r *recovery.Report, commit recovery.Commit, apply func(h *Handle) (recovery.Outcome, error)) (recovery.Outcome, error) {
	h, err := m.lock(r.SessionID)
	if err != nil {
		return recovery.Outcome{}, err
	}
	defer h.mu.Unlock()

	switch {
	case h.state.Status != StatusFailed:
		return recovery.Outcome{}, goi.NewStateConflictError(goi.CodeInvalidState,
			"session %s is %s, not failed", h.id, h.state.Status)
	case h.state.Aborted:
		return recovery.Outcome{}, goi.NewStateConflictError(goi.CodeInvalidState, "session %s was aborted", h.id)
	case h.state.LastFailureID != r.FailureID:
		return recovery.Outcome{}, goi.NewStateConflictError(goi.CodeInvalidState,
			"failure %s is not the current failure of session %s", r.FailureID, h.id)
	}
	if err := commit(); err != nil {
		return recovery.Outcome{}, err
	}
	return apply(h)
}

func stepOutcome(out *StepOutcome) recovery.Outcome {
	return recovery.Outcome{Status: string(out.Status), Message: out.Message, Data: out}
}

// RetryStep re-runs the failed step, or the planner when planning failed.
func (m *Manager) RetryStep(ctx context.Context, r *recovery.Report, commit recovery.Commit) (recovery.Outcome, error) {
	return m.recoverLocked(r, commit, func(h *Handle) (recovery.Outcome, error) {
		return m.rerunLocked(ctx, h, r, "retry")
	})
}

// ModifyStep merges input into the failed item and re-runs it.
func (m *Manager) ModifyStep(ctx context.Context, r *recovery.Report, input map[string]any, commit recovery.Commit) (recovery.Outcome, error) {
	return m.recoverLocked(r, commit, func(h *Handle) (recovery.Outcome, error) {
		if h.list != nil {
			if item, ok := h.list.Item(r.Location.ItemID); ok {
				if item.Input == nil {
					item.Input = make(map[string]any, len(input))
				}
				for k, v := range input {
					item.Input[k] = v
				}
				item.UpdatedAt = m.now().UTC()
				m.persistLocked(ctx, h)
			}
		}
		return m.rerunLocked(ctx, h, r, "modify")
	})
}

func (m *Manager) rerunLocked(ctx context.Context, h *Handle, r *recovery.Report, action string) (recovery.Outcome, error) {
	if r.Location.Phase == PhasePlanning || h.list == nil {
		if err := m.transitionLocked(ctx, h, StatusPlanning, goi.EventSessionReplanning, goi.SourceUser, map[string]any{
			"action":    action,
			"failureId": r.FailureID,
		}); err != nil {
			return recovery.Outcome{}, err
		}
		out, err := m.planLocked(ctx, h, nil, doneItems(h.list))
		if err != nil {
			return recovery.Outcome{}, err
		}
		return stepOutcome(out), nil
	}

	h.state.Error = ""
	if err := m.transitionLocked(ctx, h, StatusRunning, goi.EventSessionResumed, goi.SourceUser, map[string]any{
		"action":    action,
		"failureId": r.FailureID,
	}); err != nil {
		return recovery.Outcome{}, err
	}
	// The item already passed its checkpoint before it failed.
	h.approvedItemID = r.Location.ItemID
	out, err := m.stepLocked(ctx, h, nil)
	if err != nil {
		return recovery.Outcome{}, err
	}
	return stepOutcome(out), nil
}

// SkipItem marks the failed item skipped and resumes the session.
func (m *Manager) SkipItem(ctx context.Context, r *recovery.Report, commit recovery.Commit) (recovery.Outcome, error) {
	return m.recoverLocked(r, commit, func(h *Handle) (recovery.Outcome, error) {
		if h.list != nil {
			if item, ok := h.list.Item(r.Location.ItemID); ok && !item.Status.IsDone() {
				item.Status = goi.TodoSkipped
				item.UpdatedAt = m.now().UTC()
				if p := h.list.Progress(); p > h.state.Progress {
					h.state.Progress = p
				}
				m.persistLocked(ctx, h)
			}
		}
		h.state.Error = ""
		h.state.CurrentItemID = ""
		if err := m.transitionLocked(ctx, h, StatusRunning, goi.EventItemSkipped, goi.SourceUser, map[string]any{
			"itemId":    r.Location.ItemID,
			"failureId": r.FailureID,
		}); err != nil {
			return recovery.Outcome{}, err
		}
		return recovery.Outcome{Status: string(h.state.Status), Message: "item skipped"}, nil
	})
}

// Takeover hands control to the user and pauses the session.
func (m *Manager) Takeover(ctx context.Context, r *recovery.Report, commit recovery.Commit) (recovery.Outcome, error) {
	return m.recoverLocked(r, commit, func(h *Handle) (recovery.Outcome, error) {
		if _, err := m.deps.Control.TransferTo(ctx, h.id, goi.ControllerUser, "failure takeover", r.Reason); err != nil && !goi.IsStateConflict(err) {
			return recovery.Outcome{}, err
		}
		h.state.Controller = goi.ControllerUser
		if err := m.transitionLocked(ctx, h, StatusPaused, goi.EventSessionPaused, goi.SourceUser, map[string]any{
			"reason":    "failure takeover",
			"failureId": r.FailureID,
		}); err != nil {
			return recovery.Outcome{}, err
		}
		return recovery.Outcome{Status: string(h.state.Status), Message: "control transferred to user"}, nil
	})
}

// Abort marks the failed session terminal. It stays in the registry until
// the sweeper evicts it.
func (m *Manager) Abort(ctx context.Context, r *recovery.Report, commit recovery.Commit) (recovery.Outcome, error) {
	return m.recoverLocked(r, commit, func(h *Handle) (recovery.Outcome, error) {
		h.state.Aborted = true
		m.touchLocked(h)
		m.emit(ctx, h.id, goi.EventSessionAborted, goi.SourceUser, map[string]any{
			"failureId": r.FailureID,
			"reason":    r.Reason,
		})
		m.logger.Info("Session aborted", "session_id", h.id, "failure_id", r.FailureID)
		return recovery.Outcome{Status: string(h.state.Status), Message: "session aborted"}, nil
	})
}

// Replan supersedes the plan from the current point. Done items are kept
// and progress is recalculated from the new list.
func (m *Manager) Replan(ctx context.Context, r *recovery.Report, commit recovery.Commit) (recovery.Outcome, error) {
	return m.recoverLocked(r, commit, func(h *Handle) (recovery.Outcome, error) {
		done := doneItems(h.list)
		if err := m.transitionLocked(ctx, h, StatusPlanning, goi.EventSessionReplanning, goi.SourceUser, map[string]any{
			"action":    "replan",
			"failureId": r.FailureID,
			"kept":      len(done),
		}); err != nil {
			return recovery.Outcome{}, err
		}
		m.deps.Control.Reconcile(h.id)
		h.recentDeviations = 0
		h.approvedItemID = ""

		out, err := m.planLocked(ctx, h, nil, done)
		if err != nil {
			return recovery.Outcome{}, err
		}
		return stepOutcome(out), nil
	})
}
