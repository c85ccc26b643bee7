// Package goiapi serves the GOI HTTP contract: agent sessions, checkpoints,
// collaboration control, failure recovery, todo plans and the event log.
// Every response uses the {code, message, data} envelope.
package goiapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/goi/goi"
	"github.com/c360studio/goi/goi/checkpoint"
	"github.com/c360studio/goi/goi/collaboration"
	"github.com/c360studio/goi/goi/events"
	"github.com/c360studio/goi/goi/recovery"
	"github.com/c360studio/goi/goi/session"
	"github.com/c360studio/goi/goi/todo"
)

// Sessions is the session surface the HTTP layer drives. *session.Manager
// implements it.
type Sessions interface {
	Start(ctx context.Context, req session.StartRequest) (session.Session, *goi.TodoList, error)
	Step(ctx context.Context, sessionID string, expectedStepCount *int) (*session.StepOutcome, error)
	Pause(ctx context.Context, sessionID string) (session.PauseResult, error)
	Unpause(ctx context.Context, sessionID string, autoRun bool) (session.Session, error)
	GetStatus(sessionID string) (session.Session, *goi.TodoList, error)
	GetAllSessions(userID string) []session.Session
	GetStats() session.Stats

	GetMode(sessionID string) (collaboration.ModeConfig, error)
	SetMode(ctx context.Context, sessionID string, mode collaboration.Mode) (collaboration.ModeConfig, error)
	GetRules(sessionID string) (*checkpoint.RuleSet, error)
	SwitchRules(ctx context.Context, sessionID string, mode checkpoint.Mode) (*checkpoint.RuleSet, error)
	AddRules(ctx context.Context, sessionID string, rules []checkpoint.Rule) (*checkpoint.RuleSet, error)

	Transfer(ctx context.Context, req session.TransferRequest) (collaboration.Transfer, error)
	RecordAction(ctx context.Context, sessionID, itemID, kind, description string) (collaboration.TrackedAction, error)
	Deviation(sessionID string) (collaboration.Deviation, error)
	RespondCheckpoint(ctx context.Context, req session.RespondRequest) (*checkpoint.Response, error)
}

var _ Sessions = (*session.Manager)(nil)

// Services are the GOI components the API is served from.
type Services struct {
	Sessions    Sessions
	Todos       *todo.Store
	Bus         *events.Bus
	Checkpoints *checkpoint.Store
	Recovery    *recovery.Engine

	// Library lists rule presets. Nil serves the built-in presets only.
	Library *checkpoint.Library

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Validate checks that every required service is present.
func (s Services) Validate() error {
	switch {
	case s.Sessions == nil:
		return fmt.Errorf("sessions service is required")
	case s.Todos == nil:
		return fmt.Errorf("todo store is required")
	case s.Bus == nil:
		return fmt.Errorf("event bus is required")
	case s.Checkpoints == nil:
		return fmt.Errorf("checkpoint store is required")
	case s.Recovery == nil:
		return fmt.Errorf("recovery engine is required")
	}
	return nil
}

// Component implements the goi-api component.
type Component struct {
	name   string
	config Config
	svc    Services
	logger *slog.Logger

	// Lifecycle state machine
	// States: 0=stopped, 1=starting, 2=running, 3=stopping
	state     atomic.Int32
	startTime time.Time
	mu        sync.RWMutex
	runCtx    context.Context // canceled by Stop; ends open streams
	cancel    context.CancelFunc

	// streams counts open SSE connections.
	streams atomic.Int64
}

const (
	stateStopped  = 0
	stateStarting = 1
	stateRunning  = 2
	stateStopping = 3
)

// New constructs a goi-api Component around svc.
func New(config Config, svc Services, logger *slog.Logger) (*Component, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	if svc.Library == nil {
		svc.Library = checkpoint.NewLibrary(checkpoint.LibraryConfig{Logger: logger})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		name:   "goi-api",
		config: config,
		svc:    svc,
		logger: logger,
	}, nil
}

// NewComponent constructs a goi-api Component from raw JSON config. The
// services are bound when the factory is registered.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies, svc Services) (component.Discoverable, error) {
	config := DefaultConfig()
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	return New(config, svc, deps.GetLogger())
}

// Initialize prepares the component for startup.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized goi-api", "user_header", c.config.UserHeader)
	return nil
}

// Start begins serving the component.
func (c *Component) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(stateStopped, stateStarting) {
		current := c.state.Load()
		if current == stateRunning || current == stateStarting {
			return fmt.Errorf("component already running or starting")
		}
		return fmt.Errorf("component in invalid state: %d", current)
	}

	defer func() {
		if c.state.Load() == stateStarting {
			c.state.Store(stateStopped)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.runCtx = runCtx
	c.cancel = cancel
	c.startTime = time.Now()
	c.mu.Unlock()

	c.state.Store(stateRunning)
	c.logger.Info("goi-api started")
	return nil
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	if !c.state.CompareAndSwap(stateRunning, stateStopping) {
		current := c.state.Load()
		if current == stateStopped || current == stateStopping {
			return nil
		}
		return fmt.Errorf("component in unexpected state: %d", current)
	}

	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	c.state.Store(stateStopped)
	c.logger.Info("goi-api stopped", "open_streams", c.streams.Load())
	return nil
}

// stopped returns a channel closed when the running component stops. It
// is nil, and never fires, before Start.
func (c *Component) stopped() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.runCtx == nil {
		return nil
	}
	return c.runCtx.Done()
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "goi-api",
		Type:        "processor",
		Description: "HTTP endpoints for GOI agent sessions",
		Version:     "0.1.0",
	}
}

// InputPorts returns an empty port list.
func (c *Component) InputPorts() []component.Port {
	return []component.Port{}
}

// OutputPorts returns an empty port list. Events reach NATS through the
// bus sink, not through this component.
func (c *Component) OutputPorts() []component.Port {
	return []component.Port{}
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return goiAPISchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	state := c.state.Load()
	running := state == stateRunning

	c.mu.RLock()
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	switch state {
	case stateStarting:
		status = "starting"
	case stateRunning:
		status = "running"
	case stateStopping:
		status = "stopping"
	}

	return component.HealthStatus{
		Healthy:   running,
		LastCheck: time.Now(),
		Uptime:    time.Since(startTime),
		Status:    status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{}
}
