// Package testutil provides mock executors and planners for tests of the
// session manager and HTTP surface.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/c360studio/goi/executor"
	"github.com/c360studio/goi/goi"
)

// MockExecutor is a thread-safe StepExecutor for testing.
//
// Usage:
//
//	// Succeed on every step
//	mock := &MockExecutor{}
//
//	// Fail the first call, then succeed
//	mock := &MockExecutor{Errs: []error{errors.New("boom")}}
//
//	// Block until released, to observe a step in flight
//	mock := &MockExecutor{Gate: make(chan struct{})}
type MockExecutor struct {
	mu       sync.Mutex
	Results  []*executor.StepResult // Results to return in sequence
	Errs     []error                // Errors to return in sequence, consumed before Results
	Err      error                  // Error returned on every call (takes precedence)
	Gate     chan struct{}          // When set, Execute blocks until it is closed or receives
	Started  chan struct{}          // When set, receives once per call before blocking on Gate
	Delay    time.Duration          // When set, each call takes at least this long
	requests []executor.StepRequest
	errIndex int
	resIndex int
	inFlight int
	peak     int
}

// Execute implements executor.StepExecutor.
func (m *MockExecutor) Execute(ctx context.Context, req executor.StepRequest) (*executor.StepResult, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.inFlight++
	if m.inFlight > m.peak {
		m.peak = m.inFlight
	}
	gate, started, delay := m.Gate, m.Started, m.Delay
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if m.errIndex < len(m.Errs) {
		err := m.Errs[m.errIndex]
		m.errIndex++
		if err != nil {
			return nil, err
		}
	}
	if m.resIndex < len(m.Results) {
		res := m.Results[m.resIndex]
		m.resIndex++
		return res, nil
	}
	return &executor.StepResult{Output: "done: " + req.Item.Content}, nil
}

// CallCount returns the number of times Execute was called.
func (m *MockExecutor) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// MaxInFlight returns the highest number of calls that were running at
// the same time.
func (m *MockExecutor) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// Requests returns a copy of every request received.
func (m *MockExecutor) Requests() []executor.StepRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]executor.StepRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// LastRequest returns the most recent request.
func (m *MockExecutor) LastRequest() (executor.StepRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return executor.StepRequest{}, false
	}
	return m.requests[len(m.requests)-1], true
}

// MockPlanner returns a fixed plan, or Err when set.
type MockPlanner struct {
	mu    sync.Mutex
	Items []executor.PlannedItem
	Err   error
	calls int
	done  [][]goi.TodoItem
}

// Plan implements executor.Planner.
func (m *MockPlanner) Plan(_ context.Context, goal string, done []goi.TodoItem) ([]executor.PlannedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.done = append(m.done, done)
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Items) == 0 {
		return []executor.PlannedItem{{Content: goal}}, nil
	}
	out := make([]executor.PlannedItem, len(m.Items))
	copy(out, m.Items)
	return out, nil
}

// CallCount returns the number of times Plan was called.
func (m *MockPlanner) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastDone returns the done items passed to the most recent Plan call.
func (m *MockPlanner) LastDone() []goi.TodoItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.done) == 0 {
		return nil
	}
	return m.done[len(m.done)-1]
}
