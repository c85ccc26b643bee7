package session

import (
	"context"
	"fmt"
	"time"

	"github.com/c360studio/goi/goi"
)

// StartSweeper starts evicting sessions idle longer than the idle TTL.
func (m *Manager) StartSweeper(ctx context.Context) error {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	if m.sweepCancel != nil {
		return fmt.Errorf("session sweeper already running")
	}
	subCtx, cancel := context.WithCancel(ctx)
	m.sweepCancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sweepLoop(subCtx)
	}()

	m.logger.Info("Session sweeper started",
		"idle_ttl", m.config.IdleTTL,
		"interval", m.config.SweepInterval)
	return nil
}

// StopSweeper stops the sweeper. It is safe to call when not running.
func (m *Manager) StopSweeper() {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	if m.sweepCancel == nil {
		return
	}
	m.sweepCancel()
	m.sweepCancel = nil
	m.logger.Info("Session sweeper stopped", "evicted", m.evicted.Load())
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	m.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep evicts every idle session once and returns how many it removed.
// Sessions with a step executing, a driver running, or a held lock are
// left for the next sweep.
func (m *Manager) Sweep(ctx context.Context) int {
	cutoff := m.now().UTC().Add(-m.config.IdleTTL)
	n := 0
	for _, h := range m.deps.Registry.Handles() {
		if h.IsExecuting() || h.driving.Load() {
			continue
		}
		if h.Snapshot().LastActivity.After(cutoff) {
			continue
		}
		if !h.mu.TryLock() {
			continue
		}
		if !h.evicted && !h.state.LastActivity.After(cutoff) {
			m.evictLocked(ctx, h)
			n++
		}
		h.mu.Unlock()
	}
	return n
}

func (m *Manager) evictLocked(ctx context.Context, h *Handle) {
	idle := m.now().UTC().Sub(h.state.LastActivity)
	m.emit(ctx, h.id, goi.EventSessionEvicted, goi.SourceSystem, map[string]any{
		"status":  h.state.Status,
		"idleFor": idle.String(),
	})
	h.evicted = true
	m.metrics.SetSessionsActive(m.deps.Registry.remove(h.id))
	m.deps.Control.Forget(h.id)
	m.deps.Bus.Forget(h.id)
	m.metrics.SessionEvicted()
	m.evicted.Add(1)
	m.logger.Info("Session evicted",
		"session_id", h.id,
		"status", h.state.Status,
		"idle_for", idle)
}
