package session

import (
	"context"
	"time"

	"github.com/c360studio/goi/executor"
	"github.com/c360studio/goi/goi"
)

// Step advances the session by one unit of work. expectedStepCount, when
// set and lower than the current step count, returns the last step
// result without advancing. Executor failures are reported through the
// outcome, not the error.
func (m *Manager) Step(ctx context.Context, sessionID string, expectedStepCount *int) (*StepOutcome, error) {
	h, err := m.lock(sessionID)
	if err != nil {
		return nil, err
	}
	defer h.mu.Unlock()
	return m.stepLocked(ctx, h, expectedStepCount)
}

func (m *Manager) stepLocked(ctx context.Context, h *Handle, expectedStepCount *int) (*StepOutcome, error) {
	s := &h.state
	if expectedStepCount != nil && *expectedStepCount < s.StepCount && h.lastResult != nil {
		cached := *h.lastResult
		cached.Advanced = false
		return &cached, nil
	}

	if out, paused, err := m.honorPauseLocked(ctx, h); paused || err != nil {
		return out, err
	}

	switch s.Status {
	case StatusPaused:
		m.metrics.ObserveStep("noop", 0)
		return h.outcomeLocked("session is paused"), nil
	case StatusCompleted:
		m.metrics.ObserveStep("noop", 0)
		return h.outcomeLocked("session is completed"), nil
	case StatusWaiting:
		out := h.outcomeLocked("waiting for checkpoint response")
		out.Waiting = true
		if s.PendingCheckpointID != "" {
			cp, err := m.deps.Checkpoints.Get(ctx, s.PendingCheckpointID)
			if err != nil {
				return nil, err
			}
			out.Checkpoint = cp
		}
		m.metrics.ObserveStep("noop", 0)
		return out, nil
	case StatusFailed:
		m.metrics.ObserveStep("noop", 0)
		if s.Aborted {
			return h.outcomeLocked("session was aborted"), nil
		}
		out := h.outcomeLocked("session failed; choose a recovery for the failure report")
		if s.LastFailureID != "" {
			report, err := m.deps.Reports.Get(ctx, s.LastFailureID)
			if err != nil {
				return nil, err
			}
			out.Failure = report
		}
		return out, nil
	case StatusPlanning:
		return m.planLocked(ctx, h, nil, doneItems(h.list))
	}

	if h.list == nil {
		return nil, goi.NewStateConflictError(goi.CodeInvalidState, "session %s has no plan", h.id)
	}
	if ctrl, err := m.deps.Control.Controller(h.id); err == nil && ctrl == goi.ControllerUser {
		m.metrics.ObserveStep("noop", 0)
		return h.outcomeLocked("user holds control"), nil
	}

	item, ok := h.list.NextPending()
	if !ok {
		if err := m.completeLocked(ctx, h); err != nil {
			return nil, err
		}
		out := h.outcomeLocked("all items are done")
		out.Advanced = true
		return out, nil
	}

	if h.approvedItemID != item.ID {
		if out, err := m.gateLocked(ctx, h, item); out != nil || err != nil {
			return out, err
		}
	}
	h.approvedItemID = ""
	return m.executeLocked(ctx, h, item)
}

// gateLocked asks the rule engine about item. It returns a non-nil
// outcome when a checkpoint was created.
func (m *Manager) gateLocked(ctx context.Context, h *Handle, item *goi.TodoItem) (*StepOutcome, error) {
	op := m.operation(*item)
	d := m.deps.Rules.Evaluate(op, h.rules.Active(), h.recentDeviations)
	if !d.Required {
		return nil, nil
	}

	cp, err := m.deps.Checkpoints.Create(ctx, h.id, item.ID, op, d)
	if err != nil {
		return nil, err
	}
	h.state.CurrentItemID = item.ID
	h.state.PendingCheckpointID = cp.ID
	payload := map[string]any{
		"checkpointId": cp.ID,
		"itemId":       item.ID,
		"score":        d.Score,
	}
	if d.MatchedRule != nil {
		payload["ruleId"] = d.MatchedRule.ID
	}
	if err := m.transitionLocked(ctx, h, StatusWaiting, goi.EventSessionWaiting, goi.SourceSystem, payload); err != nil {
		return nil, err
	}
	m.metrics.ObserveStep("waiting", 0)

	out := h.outcomeLocked("checkpoint required")
	out.Waiting = true
	out.Checkpoint = cp
	out.Advanced = true
	return out, nil
}

func (m *Manager) operation(item goi.TodoItem) goi.Operation {
	if item.Operation != nil {
		op := *item.Operation
		if op.Input == nil {
			op.Input = item.Input
		}
		return op
	}
	return m.deps.Classifier.Classify(item)
}

func (m *Manager) executeLocked(ctx context.Context, h *Handle, item *goi.TodoItem) (*StepOutcome, error) {
	s := &h.state
	item.Status = goi.TodoInProgress
	item.UpdatedAt = m.now().UTC()
	s.CurrentItemID = item.ID
	reqItem, _ := h.list.Clone().Item(item.ID)

	res, elapsed, execErr := m.execute(ctx, h, executor.StepRequest{
		SessionID: h.id,
		UserID:    s.UserID,
		Goal:      s.Goal,
		Item:      *reqItem,
		StepCount: s.StepCount,
	})

	if execErr != nil {
		h.pauseRequested.Store(false)
		item.Status = goi.TodoPending
		item.UpdatedAt = m.now().UTC()
		m.persistLocked(ctx, h)
		m.metrics.ObserveStep("failed", elapsed)
		report, err := m.failLocked(ctx, h, PhaseExecution, item, goi.NewExecutionError(item.ID, execErr))
		if err != nil {
			return nil, err
		}
		out := h.outcomeLocked("step failed")
		out.Failure = report
		out.Advanced = true
		return out, nil
	}

	now := m.now().UTC()
	item.Status = goi.TodoCompleted
	item.CompletedBy = goi.ControllerAI
	item.UpdatedAt = now
	m.persistLocked(ctx, h)

	s.StepCount++
	s.LastStepTime = &now
	s.Error = ""
	if p := h.list.Progress(); p > s.Progress {
		s.Progress = p
	}
	m.touchLocked(h)
	m.emit(ctx, h.id, goi.EventStepCompleted, goi.SourceAI, map[string]any{
		"itemId":    item.ID,
		"stepCount": s.StepCount,
		"progress":  s.Progress,
		"result":    res,
	})
	m.metrics.ObserveStep("completed", elapsed)

	msg := "step completed"
	if h.list.AllDone() {
		if err := m.completeLocked(ctx, h); err != nil {
			return nil, err
		}
		msg = "all items are done"
	}

	out := h.outcomeLocked(msg)
	out.StepResult = res
	out.Advanced = true
	cached := *out
	h.lastResult = &cached

	if pausedOut, paused, err := m.honorPauseLocked(ctx, h); err != nil {
		return nil, err
	} else if paused {
		out.Status = pausedOut.Status
	}
	return out, nil
}

// execute runs the executor with the step timeout. The request context
// only contributes values; a client going away does not fail the step.
func (m *Manager) execute(ctx context.Context, h *Handle, req executor.StepRequest) (*executor.StepResult, time.Duration, error) {
	h.executing.Store(true)
	h.publish()
	defer func() {
		h.executing.Store(false)
	}()

	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.StepTimeout)
	defer cancel()

	start := m.now()
	res, err := m.deps.Executor.Execute(execCtx, req)
	elapsed := m.now().Sub(start)
	if err == nil && res == nil {
		res = &executor.StepResult{}
	}
	if res != nil && res.Elapsed == 0 {
		res.Elapsed = elapsed.Milliseconds()
	}
	return res, elapsed, err
}

// honorPauseLocked applies a pause requested while a step was executing.
func (m *Manager) honorPauseLocked(ctx context.Context, h *Handle) (*StepOutcome, bool, error) {
	if !h.pauseRequested.Load() {
		return nil, false, nil
	}
	h.pauseRequested.Store(false)
	if h.state.Status != StatusRunning && h.state.Status != StatusWaiting {
		h.publish()
		return nil, false, nil
	}
	if err := m.transitionLocked(ctx, h, StatusPaused, goi.EventSessionPaused, goi.SourceUser, map[string]any{
		"deferred": true,
	}); err != nil {
		return nil, false, err
	}
	m.logger.Info("Session paused at step boundary", "session_id", h.id)
	out := h.outcomeLocked("session paused")
	out.Advanced = true
	return out, true, nil
}

func (m *Manager) completeLocked(ctx context.Context, h *Handle) error {
	h.state.Progress = 100
	h.state.CurrentItemID = ""
	if err := m.transitionLocked(ctx, h, StatusCompleted, goi.EventSessionCompleted, goi.SourceSystem, map[string]any{
		"stepCount": h.state.StepCount,
	}); err != nil {
		return err
	}
	m.logger.Info("Session completed", "session_id", h.id, "steps", h.state.StepCount)
	return nil
}

// Run calls Step until the session stops advancing, waits, finishes,
// leaves running, or ctx ends. A second Run on the same session returns
// immediately.
func (m *Manager) Run(ctx context.Context, sessionID string) error {
	h, err := m.handle(sessionID)
	if err != nil {
		return err
	}
	if !h.driving.CompareAndSwap(false, true) {
		return nil
	}
	defer h.driving.Store(false)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := m.Step(ctx, sessionID, nil)
		if err != nil {
			return err
		}
		if !out.Advanced || out.Waiting || out.Done || out.Status != StatusRunning {
			return nil
		}
	}
}

// RunAsync drives the session in the background until Close.
func (m *Manager) RunAsync(sessionID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Run(m.base, sessionID); err != nil && !isCanceled(err) && !goi.IsNotFound(err) {
			m.logger.Warn("Session driver stopped", "session_id", sessionID, "error", err)
		}
	}()
}

func doneItems(list *goi.TodoList) []goi.TodoItem {
	if list == nil {
		return nil
	}
	var done []goi.TodoItem
	for _, item := range list.Clone().Items {
		if item.Status.IsDone() {
			done = append(done, item)
		}
	}
	return done
}
