package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/goi/executor"
	"github.com/c360studio/goi/goi"
	"github.com/c360studio/goi/goi/checkpoint"
	"github.com/c360studio/goi/goi/collaboration"
	"github.com/c360studio/goi/goi/events"
	"github.com/c360studio/goi/goi/recovery"
	"github.com/c360studio/goi/goi/todo"
	"github.com/c360studio/goi/metrics"
)

// Defaults applied by NewManager to a zero Config.
const (
	DefaultStepTimeout   = 2 * time.Minute
	DefaultIdleTTL       = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Failure phases recorded in report locations.
const (
	PhasePlanning  = "planning"
	PhaseExecution = "execution"
)

// Config holds the session manager settings.
type Config struct {
	StepTimeout   time.Duration
	IdleTTL       time.Duration
	SweepInterval time.Duration
	DefaultMode   collaboration.Mode
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Deps are the collaborators of the session manager. Planner and
// Classifier are optional.
type Deps struct {
	Registry    *Registry
	Todos       *todo.Store
	Bus         *events.Bus
	Rules       *checkpoint.Engine
	Checkpoints *checkpoint.Store
	Control     *collaboration.Manager
	Reports     *recovery.ReportStore
	Executor    executor.StepExecutor
	Planner     executor.Planner
	Classifier  executor.OperationClassifier
}

// Manager drives agent sessions. Every mutating operation holds the
// session's lock for its whole duration; reads use published snapshots.
type Manager struct {
	deps    Deps
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	evicted     atomic.Int64
}

// NewManager creates a session manager.
func NewManager(deps Deps, cfg Config) (*Manager, error) {
	switch {
	case deps.Registry == nil:
		return nil, fmt.Errorf("session registry is required")
	case deps.Todos == nil:
		return nil, fmt.Errorf("todo store is required")
	case deps.Bus == nil:
		return nil, fmt.Errorf("event bus is required")
	case deps.Rules == nil || deps.Checkpoints == nil:
		return nil, fmt.Errorf("checkpoint engine and store are required")
	case deps.Control == nil:
		return nil, fmt.Errorf("control manager is required")
	case deps.Reports == nil:
		return nil, fmt.Errorf("failure report store is required")
	case deps.Executor == nil:
		return nil, fmt.Errorf("step executor is required")
	}
	if deps.Planner == nil {
		deps.Planner = executor.StaticPlanner{}
	}
	if deps.Classifier == nil {
		deps.Classifier = executor.KeywordClassifier{}
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = collaboration.DefaultMode
	}
	if _, err := collaboration.LookupMode(cfg.DefaultMode); err != nil {
		return nil, fmt.Errorf("default mode: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base, stop := context.WithCancel(context.Background())
	return &Manager{
		deps:    deps,
		config:  cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		now:     time.Now,
		base:    base,
		stop:    stop,
	}, nil
}

// Close stops the sweeper and background drivers and waits for them.
func (m *Manager) Close() {
	m.StopSweeper()
	m.stop()
	m.wg.Wait()
}

// StartRequest describes a new session.
type StartRequest struct {
	UserID  string             `json:"userId"`
	Goal    string             `json:"goal"`
	Items   []goi.TodoItem     `json:"items,omitempty"`
	Mode    collaboration.Mode `json:"mode,omitempty"`
	AutoRun bool               `json:"autoRun,omitempty"`
}

// Start registers a session and plans it. A planning failure leaves the
// session failed with a report; it is not returned as an error.
func (m *Manager) Start(ctx context.Context, req StartRequest) (Session, *goi.TodoList, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return Session{}, nil, goi.NewValidationError(goi.CodeMissingParam, "goal is required")
	}
	mode := req.Mode
	if mode == "" {
		mode = m.config.DefaultMode
	}
	modeCfg, err := collaboration.LookupMode(mode)
	if err != nil {
		return Session{}, nil, err
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.Content) == "" {
			return Session{}, nil, goi.NewValidationError(goi.CodeInvalidParam, "item %d: content is required", i)
		}
		if item.Status != "" && !item.Status.IsValid() {
			return Session{}, nil, goi.NewValidationError(goi.CodeInvalidParam, "item %d: invalid status %q", i, item.Status)
		}
	}
	rules, err := checkpoint.NewRuleSet(modeCfg.CheckpointMode)
	if err != nil {
		return Session{}, nil, err
	}

	now := m.now().UTC()
	h := newHandle(Session{
		SessionID:    uuid.New().String(),
		UserID:       req.UserID,
		Goal:         goal,
		Status:       StatusPlanning,
		Mode:         mode,
		Controller:   modeCfg.DefaultController,
		StartTime:    now,
		LastActivity: now,
	}, rules)

	h.mu.Lock()
	if err := m.deps.Control.Register(h.id, mode); err != nil {
		h.mu.Unlock()
		return Session{}, nil, err
	}
	m.metrics.SetSessionsActive(m.deps.Registry.put(h))
	m.emit(ctx, h.id, goi.EventSessionStarted, goi.SourceUser, map[string]any{
		"goal":   goal,
		"mode":   mode,
		"userId": req.UserID,
	})
	m.logger.Info("Session started", "session_id", h.id, "user_id", req.UserID, "mode", mode)

	var items []goi.TodoItem
	if len(req.Items) > 0 {
		items = req.Items
	}
	_, planErr := m.planLocked(ctx, h, items, nil)
	s, list := h.state, h.list.Clone()
	h.mu.Unlock()
	if planErr != nil {
		return Session{}, nil, planErr
	}

	if s.Status == StatusRunning && (req.AutoRun || modeCfg.AutoRunAfterResume) {
		m.RunAsync(h.id)
	}
	return s, list, nil
}

// planLocked builds a new active todo list from items, or from the
// planner when items is nil, keeping done ahead of the new steps.
func (m *Manager) planLocked(ctx context.Context, h *Handle, items, done []goi.TodoItem) (*StepOutcome, error) {
	if items == nil {
		planCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.StepTimeout)
		planned, err := m.deps.Planner.Plan(planCtx, h.state.Goal, done)
		cancel()
		if err != nil {
			report, ferr := m.failLocked(ctx, h, PhasePlanning, nil, err)
			if ferr != nil {
				return nil, ferr
			}
			out := h.outcomeLocked("planning failed")
			out.Failure = report
			out.Advanced = true
			return out, nil
		}
		items = plannedItems(planned)
	}

	all := make([]goi.TodoItem, 0, len(done)+len(items))
	all = append(all, done...)
	all = append(all, items...)
	list, err := m.deps.Todos.Create(ctx, h.id, h.state.Goal, all)
	if err != nil {
		return nil, err
	}

	h.list = list
	h.state.Progress = list.Progress()
	h.state.CurrentItemID = ""
	h.state.Error = ""
	if err := m.transitionLocked(ctx, h, StatusRunning, goi.EventPlanGenerated, goi.SourceAI, map[string]any{
		"todoListId": list.ID,
		"version":    list.Version,
		"items":      len(list.Items),
	}); err != nil {
		return nil, err
	}
	out := h.outcomeLocked("plan generated")
	out.Advanced = true
	return out, nil
}

func plannedItems(planned []executor.PlannedItem) []goi.TodoItem {
	items := make([]goi.TodoItem, 0, len(planned))
	for _, p := range planned {
		if strings.TrimSpace(p.Content) == "" {
			continue
		}
		items = append(items, goi.TodoItem{
			Content:   p.Content,
			Required:  p.Required,
			Input:     p.Input,
			Operation: p.Operation,
		})
	}
	return items
}

// failLocked moves the session to failed and records a report.
func (m *Manager) failLocked(ctx context.Context, h *Handle, phase string, item *goi.TodoItem, cause error) (*recovery.Report, error) {
	f := recovery.Failure{
		SessionID: h.id,
		Location: recovery.Location{
			Phase:     phase,
			StepCount: h.state.StepCount,
		},
		Reason:          cause.Error(),
		ErrorKind:       executor.Classify(cause),
		UserCorrectable: executor.IsInput(cause),
		Context: map[string]any{
			"goal": h.state.Goal,
		},
	}
	if item != nil {
		c := *item
		f.Item = &c
		f.Location.ItemID = item.ID
		f.Context["itemId"] = item.ID
		f.Context["content"] = item.Content
		if len(item.Input) > 0 {
			f.Context["input"] = item.Input
		}
	}
	report, err := m.deps.Reports.Create(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("record failure: %w", err)
	}

	h.state.RetryCount++
	h.state.Error = cause.Error()
	h.state.LastFailureID = report.FailureID
	if err := m.transitionLocked(ctx, h, StatusFailed, goi.EventSessionFailed, goi.SourceSystem, map[string]any{
		"failureId": report.FailureID,
		"phase":     phase,
		"itemId":    f.Location.ItemID,
		"reason":    report.Reason,
		"errorKind": report.ErrorKind,
	}); err != nil {
		return nil, err
	}
	m.logger.Warn("Session step failed",
		"session_id", h.id,
		"phase", phase,
		"failure_id", report.FailureID,
		"error_kind", report.ErrorKind,
		"error", cause)
	return report, nil
}

// transitionLocked applies a state machine transition, publishes the new
// snapshot, then emits the transition's single event.
func (m *Manager) transitionLocked(ctx context.Context, h *Handle, to Status, eventType string, source goi.Source, payload map[string]any) error {
	from := h.state.Status
	if !from.CanTransitionTo(to) {
		return goi.NewInvalidTransition(string(from), string(to))
	}
	h.state.Status = to
	h.state.LastActivity = m.now().UTC()
	h.publish()

	if payload == nil {
		payload = map[string]any{}
	}
	payload["from"] = from
	payload["to"] = to
	m.emit(ctx, h.id, eventType, source, payload)
	m.logger.Debug("Session transition", "session_id", h.id, "from", from, "to", to, "event", eventType)
	return nil
}

// touchLocked publishes a change that is not a transition.
func (m *Manager) touchLocked(h *Handle) {
	h.state.LastActivity = m.now().UTC()
	h.publish()
}

// emit appends an event. Failures are logged; the session state is
// already committed.
func (m *Manager) emit(ctx context.Context, sessionID, eventType string, source goi.Source, payload any) {
	if _, err := m.deps.Bus.Publish(context.WithoutCancel(ctx), sessionID, eventType, source, payload); err != nil {
		m.logger.Warn("Failed to publish session event",
			"session_id", sessionID,
			"type", eventType,
			"error", err)
	}
}

// persistLocked saves the in-memory todo list.
func (m *Manager) persistLocked(ctx context.Context, h *Handle) {
	if h.list == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	err := m.deps.Todos.Save(ctx, h.list)
	switch {
	case err == nil:
	case goi.IsStateConflict(err):
		m.adoptActiveLocked(ctx, h)
	default:
		m.logger.Warn("Failed to persist todo list", "session_id", h.id, "todo_list_id", h.list.ID, "error", err)
	}
}

// adoptActiveLocked replaces a plan that was superseded outside the session
// with the store's active list. Progress follows the new plan.
func (m *Manager) adoptActiveLocked(ctx context.Context, h *Handle) {
	active, err := m.deps.Todos.Active(ctx, h.id)
	if err != nil {
		m.logger.Warn("Superseded todo list has no replacement", "session_id", h.id, "todo_list_id", h.list.ID, "error", err)
		return
	}
	previous := h.list.ID
	h.list = active
	h.state.Progress = active.Progress()
	m.touchLocked(h)
	m.emit(ctx, h.id, goi.EventPlanAdopted, goi.SourceSystem, map[string]any{
		"todoListId":   active.ID,
		"supersededId": previous,
		"progress":     h.state.Progress,
	})
	m.logger.Info("Adopted replacement todo list", "session_id", h.id, "todo_list_id", active.ID, "superseded", previous)
}

// outcomeLocked describes the current state. Callers hold mu.
func (h *Handle) outcomeLocked(msg string) *StepOutcome {
	return &StepOutcome{
		Status:    h.state.Status,
		TodoList:  h.list.Clone(),
		Done:      h.state.Status == StatusCompleted,
		Message:   msg,
		StepCount: h.state.StepCount,
		Progress:  h.state.Progress,
	}
}

func (m *Manager) handle(sessionID string) (*Handle, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, goi.NewValidationError(goi.CodeMissingParam, "sessionId is required")
	}
	h, ok := m.deps.Registry.Get(sessionID)
	if !ok {
		return nil, goi.NewNotFoundError("session", sessionID)
	}
	return h, nil
}

// lock returns the locked handle of a live session.
func (m *Manager) lock(sessionID string) (*Handle, error) {
	h, err := m.handle(sessionID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	if h.evicted {
		h.mu.Unlock()
		return nil, goi.NewNotFoundError("session", sessionID)
	}
	return h, nil
}

// GetStatus returns the last committed state of a session and its plan.
func (m *Manager) GetStatus(sessionID string) (Session, *goi.TodoList, error) {
	h, err := m.handle(sessionID)
	if err != nil {
		return Session{}, nil, err
	}
	return h.Snapshot(), h.TodoList(), nil
}

// GetTodoList returns the active plan of a session, nil before planning.
func (m *Manager) GetTodoList(sessionID string) (*goi.TodoList, error) {
	h, err := m.handle(sessionID)
	if err != nil {
		return nil, err
	}
	return h.TodoList(), nil
}

// GetAllSessions lists sessions, optionally only those of userID, oldest
// first.
func (m *Manager) GetAllSessions(userID string) []Session {
	handles := m.deps.Registry.Handles()
	out := make([]Session, 0, len(handles))
	for _, h := range handles {
		s := h.Snapshot()
		if userID != "" && s.UserID != userID {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// GetStats summarizes the registry.
func (m *Manager) GetStats() Stats {
	st := Stats{ByStatus: make(map[Status]int)}
	for _, h := range m.deps.Registry.Handles() {
		s := h.Snapshot()
		st.Total++
		st.ByStatus[s.Status]++
		if h.IsExecuting() {
			st.Executing++
		}
	}
	return st
}

// Controller returns who holds control of a session.
func (m *Manager) Controller(sessionID string) (goi.Controller, error) {
	if _, err := m.handle(sessionID); err != nil {
		return "", err
	}
	return m.deps.Control.Controller(sessionID)
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
