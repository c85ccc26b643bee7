package session

import (
	"sync"
	"sync/atomic"

	"github.com/c360studio/goi/executor"
	"github.com/c360studio/goi/goi"
	"github.com/c360studio/goi/goi/checkpoint"
	"github.com/c360studio/goi/goi/recovery"
)

// view is the immutable snapshot published after every committed change.
type view struct {
	session Session
	list    *goi.TodoList
}

// Handle is the in-memory state of one session. mu is held for the whole
// of every mutating operation; readers use the published view.
type Handle struct {
	id string

	mu         sync.Mutex
	state      Session
	list       *goi.TodoList
	rules      *checkpoint.RuleSet
	lastResult *StepOutcome
	// approvedItemID skips gating for the next execution of that item.
	approvedItemID   string
	recentDeviations int
	evicted          bool

	executing      atomic.Bool
	pauseRequested atomic.Bool
	driving        atomic.Bool
	current        atomic.Pointer[view]
}

func newHandle(s Session, rules *checkpoint.RuleSet) *Handle {
	h := &Handle{id: s.SessionID, state: s, rules: rules}
	h.publish()
	return h
}

// publish stores a copy of the committed state. Callers hold mu.
func (h *Handle) publish() {
	s := h.state
	s.PauseRequested = h.pauseRequested.Load()
	if h.state.LastStepTime != nil {
		t := *h.state.LastStepTime
		s.LastStepTime = &t
	}
	h.current.Store(&view{session: s, list: h.list.Clone()})
}

// Snapshot returns the last committed session state.
func (h *Handle) Snapshot() Session {
	return h.current.Load().session
}

// TodoList returns the last committed todo list, or nil before planning.
func (h *Handle) TodoList() *goi.TodoList {
	return h.current.Load().list.Clone()
}

// IsExecuting reports whether a step is in flight.
func (h *Handle) IsExecuting() bool {
	return h.executing.Load()
}

// Registry is the process-wide table of live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Handle)}
}

// Get returns the handle of a session.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[id]
	return h, ok
}

func (r *Registry) put(h *Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[h.id] = h
	return len(r.sessions)
}

func (r *Registry) remove(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return len(r.sessions)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Handles returns every live handle.
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.sessions))
	for _, h := range r.sessions {
		out = append(out, h)
	}
	return out
}

// IsExecuting reports whether a session has a step in flight. It lets the
// registry serve as the control manager's execution probe.
func (r *Registry) IsExecuting(id string) bool {
	h, ok := r.Get(id)
	return ok && h.IsExecuting()
}

// StepOutcome is the result of one Step call.
type StepOutcome struct {
	Status     Status                 `json:"status"`
	TodoList   *goi.TodoList          `json:"todoList,omitempty"`
	Done       bool                   `json:"done"`
	Waiting    bool                   `json:"waiting"`
	StepResult *executor.StepResult   `json:"stepResult,omitempty"`
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
	Failure    *recovery.Report       `json:"failure,omitempty"`
	Message    string                 `json:"message,omitempty"`
	StepCount  int                    `json:"stepCount"`
	Progress   int                    `json:"progress"`
	// Advanced is true when the call changed the session.
	Advanced bool `json:"-"`
}
