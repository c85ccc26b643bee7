package recovery

import (
	"context"
	"log/slog"
	"strings"

	"github.com/c360studio/goi/goi"
	"github.com/c360studio/goi/metrics"
)

// InvalidActionMessage is returned for an unknown recovery action.
const InvalidActionMessage = "无效的恢复动作"

// Selection is the user's pick from the recovery menu.
type Selection struct {
	Action    Action         `json:"action"`
	OptionID  string         `json:"optionId,omitempty"`
	UserInput map[string]any `json:"userInput,omitempty"`
}

// Outcome is what a session reports after applying a recovery.
type Outcome struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Result is returned by Recover.
type Result struct {
	Success bool   `json:"success"`
	Action  Action `json:"action"`
	Message string `json:"message"`
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
}

// Commit consumes the report. Session implementations call it under
// their own lock once the session state allows the action, before
// applying its effect.
type Commit func() error

// SessionActions applies recovery effects to a session.
type SessionActions interface {
	RetryStep(ctx context.Context, r *Report, commit Commit) (Outcome, error)
	ModifyStep(ctx context.Context, r *Report, input map[string]any, commit Commit) (Outcome, error)
	SkipItem(ctx context.Context, r *Report, commit Commit) (Outcome, error)
	Takeover(ctx context.Context, r *Report, commit Commit) (Outcome, error)
	Abort(ctx context.Context, r *Report, commit Commit) (Outcome, error)
	Replan(ctx context.Context, r *Report, commit Commit) (Outcome, error)
}

// Engine dispatches recovery selections.
type Engine struct {
	reports *ReportStore
	actions SessionActions
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewEngine creates a recovery engine.
func NewEngine(reports *ReportStore, actions SessionActions, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{reports: reports, actions: actions, logger: logger, metrics: m}
}

// Report returns the report with failureID, or records a new one from
// failureCtx when none exists.
func (e *Engine) Report(ctx context.Context, sessionID, failureID string, failureCtx map[string]any) (*Report, error) {
	if strings.TrimSpace(failureID) == "" {
		return nil, goi.NewValidationError(goi.CodeMissingParam, "failureId is required")
	}
	r, err := e.reports.Get(ctx, failureID)
	if err == nil {
		return r, nil
	}
	if !goi.IsNotFound(err) {
		return nil, err
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, goi.NewValidationError(goi.CodeMissingParam, "sessionId is required")
	}

	f := Failure{FailureID: failureID, SessionID: sessionID, Context: failureCtx}
	if failureCtx != nil {
		f.Reason, _ = failureCtx["reason"].(string)
		f.ErrorKind, _ = failureCtx["errorKind"].(string)
		f.UserCorrectable, _ = failureCtx["userCorrectable"].(bool)
		f.Location.Phase, _ = failureCtx["phase"].(string)
		f.Location.ItemID, _ = failureCtx["itemId"].(string)
		if n, ok := failureCtx["stepCount"].(float64); ok {
			f.Location.StepCount = int(n)
		}
		if required, ok := failureCtx["required"].(bool); ok {
			f.Item = &goi.TodoItem{ID: f.Location.ItemID, Required: required}
		}
	}
	if f.Location.Phase == "" {
		f.Location.Phase = "execution"
	}
	return e.reports.Create(ctx, f)
}

// Get returns a stored report.
func (e *Engine) Get(ctx context.Context, failureID string) (*Report, error) {
	if strings.TrimSpace(failureID) == "" {
		return nil, goi.NewValidationError(goi.CodeMissingParam, "failureId is required")
	}
	return e.reports.Get(ctx, failureID)
}

// Recover applies sel to the failure. The action is validated before
// anything is looked up.
func (e *Engine) Recover(ctx context.Context, sessionID, failureID string, sel Selection) (Result, error) {
	if !sel.Action.IsValid() {
		return Result{}, goi.NewValidationError(goi.CodeInvalidParam, InvalidActionMessage)
	}
	if strings.TrimSpace(sessionID) == "" {
		return Result{}, goi.NewValidationError(goi.CodeMissingParam, "sessionId is required")
	}
	if strings.TrimSpace(failureID) == "" {
		return Result{}, goi.NewValidationError(goi.CodeMissingParam, "failureId is required")
	}

	r, err := e.reports.Get(ctx, failureID)
	if err != nil {
		return Result{}, err
	}
	if r.SessionID != sessionID {
		return Result{}, goi.NewNotFoundError("failure report", failureID)
	}
	if r.Consumed {
		return Result{}, goi.NewStateConflictError(goi.CodeNotPending, "failure report %s was already consumed by %s", failureID, r.ConsumedAction)
	}
	if !r.Offers(sel.Action) {
		return Result{}, goi.NewValidationError(goi.CodeInvalidParam, "action %s is not offered for failure %s", sel.Action, failureID)
	}
	if sel.Action == ActionModify && len(sel.UserInput) == 0 {
		return Result{}, goi.NewValidationError(goi.CodeMissingParam, "userInput is required for modify")
	}

	commit := func() error {
		_, err := e.reports.Consume(ctx, failureID, sel.Action)
		return err
	}

	var out Outcome
	switch sel.Action {
	case ActionRetry:
		out, err = e.actions.RetryStep(ctx, r, commit)
	case ActionModify:
		out, err = e.actions.ModifyStep(ctx, r, sel.UserInput, commit)
	case ActionSkip:
		out, err = e.actions.SkipItem(ctx, r, commit)
	case ActionTakeover:
		out, err = e.actions.Takeover(ctx, r, commit)
	case ActionAbort:
		out, err = e.actions.Abort(ctx, r, commit)
	case ActionReplan:
		out, err = e.actions.Replan(ctx, r, commit)
	}
	if err != nil {
		return Result{}, err
	}

	e.metrics.Recovery(string(sel.Action))
	e.logger.Info("Recovery applied",
		"session_id", sessionID,
		"failure_id", failureID,
		"action", sel.Action,
		"status", out.Status)

	return Result{
		Success: true,
		Action:  sel.Action,
		Message: out.Message,
		Status:  out.Status,
		Data:    out.Data,
	}, nil
}
