package collaboration

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/goi/goi"
	"github.com/c360studio/goi/goi/events"
	"github.com/c360studio/goi/storage"
)

type fakeProbe struct {
	mu        sync.Mutex
	executing map[string]bool
}

func (p *fakeProbe) IsExecuting(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.executing[id]
}

func (p *fakeProbe) set(id string, v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executing[id] = v
}

func newManager(t *testing.T) (*Manager, *fakeProbe, *events.Bus) {
	t.Helper()
	probe := &fakeProbe{executing: map[string]bool{}}
	bus := events.NewBus(storage.NewMemoryStore(), events.Config{})
	m := NewManager(probe, bus, nil, nil)
	require.NoError(t, m.Register("s1", ModeAssisted))
	return m, probe, bus
}

func TestLookupMode(t *testing.T) {
	cfg, err := LookupMode(ModeManual)
	require.NoError(t, err)
	assert.Equal(t, goi.ControllerUser, cfg.DefaultController)
	assert.Equal(t, "step", string(cfg.CheckpointMode))

	cfg, err = LookupMode(ModeAuto)
	require.NoError(t, err)
	assert.True(t, cfg.AutoRunAfterResume)

	_, err = LookupMode("chaos")
	assert.Equal(t, goi.CodeInvalidParam, goi.Code(err))
	assert.Len(t, Modes(), 3)
}

func TestTransfer_RoundTrip(t *testing.T) {
	m, _, bus := newManager(t)
	ctx := context.Background()

	assert.False(t, m.CanTransferTo("s1", goi.ControllerAI), "ai already holds control")
	assert.True(t, m.CanTransferTo("s1", goi.ControllerUser))

	tr, err := m.TransferTo(ctx, "s1", goi.ControllerUser, "review", "let me look")
	require.NoError(t, err)
	assert.True(t, tr.Success)
	assert.Equal(t, goi.ControllerAI, tr.From)
	assert.Equal(t, goi.ControllerUser, tr.To)

	tr, err = m.TransferTo(ctx, "s1", goi.ControllerAI, "done", "")
	require.NoError(t, err)
	assert.Equal(t, goi.ControllerUser, tr.From)

	ctl, err := m.Controller("s1")
	require.NoError(t, err)
	assert.Equal(t, goi.ControllerAI, ctl)

	evs, total, err := bus.Query(ctx, events.Filter{SessionID: "s1", Types: []string{goi.EventControlTransferred}})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	var recorded Transfer
	require.NoError(t, json.Unmarshal(evs[0].Payload, &recorded))
	assert.Equal(t, "review", recorded.Reason)
}

func TestTransfer_RefusedMidFlight(t *testing.T) {
	m, probe, bus := newManager(t)
	probe.set("s1", true)

	assert.False(t, m.CanTransferTo("s1", goi.ControllerUser))
	tr, err := m.TransferTo(context.Background(), "s1", goi.ControllerUser, "", "")
	require.Error(t, err)
	assert.Equal(t, goi.CodeNotPending, goi.Code(err))
	assert.False(t, tr.Success)
	assert.NotEmpty(t, tr.Error)

	ctl, _ := m.Controller("s1")
	assert.Equal(t, goi.ControllerAI, ctl, "control unchanged")

	_, total, err := bus.Query(context.Background(), events.Filter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "refused transfers are logged too")

	probe.set("s1", false)
	assert.True(t, m.CanTransferTo("s1", goi.ControllerUser))
}

func TestTransfer_Validation(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.TransferTo(context.Background(), "s1", "robot", "", "")
	assert.Equal(t, goi.CodeInvalidParam, goi.Code(err))

	_, err = m.TransferTo(context.Background(), "nope", goi.ControllerUser, "", "")
	assert.True(t, goi.IsNotFound(err))
	assert.False(t, m.CanTransferTo("nope", goi.ControllerUser))
}

func TestSetModeKeepsController(t *testing.T) {
	m, _, _ := newManager(t)
	cfg, err := m.SetMode("s1", ModeManual)
	require.NoError(t, err)
	assert.Equal(t, goi.ControllerUser, cfg.DefaultController)

	ctl, _ := m.Controller("s1")
	assert.Equal(t, goi.ControllerAI, ctl)

	got, err := m.Mode("s1")
	require.NoError(t, err)
	assert.Equal(t, ModeManual, got.Mode)
}

func TestRecordAction(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.RecordAction("s1", "i1", "complete_item", "")
	assert.Equal(t, goi.CodeInvalidState, goi.Code(err), "ai holds control")

	_, err = m.TransferTo(context.Background(), "s1", goi.ControllerUser, "", "")
	require.NoError(t, err)

	_, err = m.RecordAction("s1", "i1", "", "")
	assert.Equal(t, goi.CodeMissingParam, goi.Code(err))

	a, err := m.RecordAction("s1", "i1", "complete_item", "did it by hand")
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)

	actions, err := m.Actions("s1")
	require.NoError(t, err)
	require.Len(t, actions, 1)

	m.Reconcile("s1")
	actions, _ = m.Actions("s1")
	assert.Empty(t, actions)
}
