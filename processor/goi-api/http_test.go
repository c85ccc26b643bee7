package goiapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/goi/executor"
	"github.com/c360studio/goi/executor/testutil"
	"github.com/c360studio/goi/goi"
	"github.com/c360studio/goi/goi/checkpoint"
	"github.com/c360studio/goi/goi/collaboration"
	"github.com/c360studio/goi/goi/events"
	"github.com/c360studio/goi/goi/recovery"
	"github.com/c360studio/goi/goi/session"
	"github.com/c360studio/goi/goi/todo"
	"github.com/c360studio/goi/metrics"
	"github.com/c360studio/goi/storage"
)

const testUser = "user-1"

// spySessions counts every call that reaches the session manager.
type spySessions struct {
	Sessions
	calls atomic.Int32
}

func (s *spySessions) Step(ctx context.Context, id string, n *int) (*session.StepOutcome, error) {
	s.calls.Add(1)
	return s.Sessions.Step(ctx, id, n)
}

func (s *spySessions) Pause(ctx context.Context, id string) (session.PauseResult, error) {
	s.calls.Add(1)
	return s.Sessions.Pause(ctx, id)
}

func (s *spySessions) Transfer(ctx context.Context, req session.TransferRequest) (collaboration.Transfer, error) {
	s.calls.Add(1)
	return s.Sessions.Transfer(ctx, req)
}

type apiFixture struct {
	srv      *httptest.Server
	comp     *Component
	spy      *spySessions
	registry *session.Registry
	bus      *events.Bus
	exec     *testutil.MockExecutor
}

func setupTestComponent(t *testing.T, exec *testutil.MockExecutor) *apiFixture {
	t.Helper()
	if exec == nil {
		exec = &testutil.MockExecutor{}
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store := storage.NewMemoryStore()
	registry := session.NewRegistry()
	bus := events.NewBus(store, events.Config{Metrics: m})
	control := collaboration.NewManager(registry, bus, nil, m)
	reports := recovery.NewReportStore(store)
	checkpoints := checkpoint.NewStore(store)
	todos := todo.NewStore(store)

	mgr, err := session.NewManager(session.Deps{
		Registry:    registry,
		Todos:       todos,
		Bus:         bus,
		Rules:       checkpoint.NewEngine(m),
		Checkpoints: checkpoints,
		Control:     control,
		Reports:     reports,
		Executor:    exec,
		Planner:     &testutil.MockPlanner{},
	}, session.Config{StepTimeout: 5 * time.Second, Metrics: m})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	spy := &spySessions{Sessions: mgr}
	comp, err := New(Config{HeartbeatInterval: "50ms"}, Services{
		Sessions:    spy,
		Todos:       todos,
		Bus:         bus,
		Checkpoints: checkpoints,
		Recovery:    recovery.NewEngine(reports, mgr, nil, m),
		Gatherer:    reg,
	}, slog.Default())
	require.NoError(t, err)

	srv := registerHandlers(comp)
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, comp: comp, spy: spy, registry: registry, bus: bus, exec: exec}
}

// registerHandlers wires the component's handlers into a fresh mux and returns a test server.
func registerHandlers(c *Component) *httptest.Server {
	mux := http.NewServeMux()
	c.RegisterHTTPHandlers("api/goi", mux)
	return httptest.NewServer(mux)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (f *apiFixture) call(t *testing.T, method, path, user string, body any) (int, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+"/api/goi"+path, rd)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func (f *apiFixture) ok(t *testing.T, method, path string, body, dst any) {
	t.Helper()
	status, env := f.call(t, method, path, testUser, body)
	require.Equal(t, http.StatusOK, status, "%s %s: %s", method, path, env.Message)
	require.Equal(t, goi.CodeOK, env.Code)
	assert.Equal(t, "success", env.Message)
	if dst != nil {
		require.NoError(t, json.Unmarshal(env.Data, dst))
	}
}

func (f *apiFixture) fail(t *testing.T, method, path string, body any, wantCode int) envelope {
	t.Helper()
	status, env := f.call(t, method, path, testUser, body)
	assert.Equal(t, wantCode, env.Code, "%s %s: %s", method, path, env.Message)
	assert.Equal(t, httpStatus(wantCode), status)
	return env
}

func (f *apiFixture) start(t *testing.T, contents ...string) StartResponse {
	t.Helper()
	items := make([]map[string]any, len(contents))
	for i, c := range contents {
		items[i] = map[string]any{"content": c, "required": true}
	}
	var out StartResponse
	f.ok(t, http.MethodPost, "/agent/start", map[string]any{"goal": "tidy the archive", "items": items}, &out)
	require.NotEmpty(t, out.SessionID)
	return out
}

func TestMissingUserHeaderIsRejectedFirst(t *testing.T) {
	f := setupTestComponent(t, nil)

	routes := []struct{ method, path string }{
		{http.MethodPost, "/agent/start"},
		{http.MethodPost, "/agent/step"},
		{http.MethodPost, "/agent/control"},
		{http.MethodGet, "/agent/status"},
		{http.MethodGet, "/agent/stream"},
		{http.MethodGet, "/checkpoints"},
		{http.MethodPost, "/checkpoints/cp-1/respond"},
		{http.MethodGet, "/checkpoint/rules"},
		{http.MethodPut, "/checkpoint/rules"},
		{http.MethodPost, "/collaboration/mode"},
		{http.MethodPost, "/collaboration/transfer"},
		{http.MethodGet, "/failure/report"},
		{http.MethodPost, "/failure/recover"},
		{http.MethodGet, "/todo"},
		{http.MethodPost, "/events"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			status, env := f.call(t, rt.method, rt.path, "", map[string]any{})
			assert.Equal(t, http.StatusUnauthorized, status)
			assert.Equal(t, goi.CodeUnauthenticated, env.Code)
		})
	}
	assert.Zero(t, f.spy.calls.Load())
}

func TestEmptySessionIDLeavesRegistryUntouched(t *testing.T) {
	f := setupTestComponent(t, nil)
	f.start(t, "collect numbers")
	before := f.registry.Len()

	for _, path := range []string{"/agent/step", "/agent/control", "/collaboration/transfer"} {
		env := f.fail(t, http.MethodPost, path, map[string]any{"sessionId": "", "action": "pause", "to": "user"}, goi.CodeMissingParam)
		assert.Contains(t, env.Message, "sessionId")
	}
	f.fail(t, http.MethodGet, "/checkpoints", nil, goi.CodeMissingParam)
	f.fail(t, http.MethodGet, "/collaboration/deviation", nil, goi.CodeMissingParam)

	assert.Zero(t, f.spy.calls.Load())
	assert.Equal(t, before, f.registry.Len())
}

func TestStartStepStatus(t *testing.T) {
	f := setupTestComponent(t, nil)

	f.fail(t, http.MethodPost, "/agent/start", map[string]any{}, goi.CodeMissingParam)
	f.fail(t, http.MethodPost, "/agent/start", map[string]any{"goal": "x", "mode": "turbo"}, goi.CodeInvalidParam)

	started := f.start(t, "collect numbers", "write summary")
	assert.Equal(t, session.StatusRunning, started.Status)
	require.NotNil(t, started.TodoList)
	assert.Len(t, started.TodoList.Items, 2)

	var step session.StepOutcome
	f.ok(t, http.MethodPost, "/agent/step", map[string]any{"sessionId": started.SessionID}, &step)
	assert.False(t, step.Done)
	assert.False(t, step.Waiting)
	require.NotNil(t, step.StepResult)
	assert.Equal(t, 50, step.Progress)

	// Retrying with the pre-step count does not advance again.
	var retried session.StepOutcome
	f.ok(t, http.MethodPost, "/agent/step", map[string]any{"sessionId": started.SessionID, "stepCount": 0}, &retried)
	assert.Equal(t, 1, retried.StepCount)
	assert.Equal(t, 1, f.exec.CallCount())

	f.ok(t, http.MethodPost, "/agent/step", map[string]any{"sessionId": started.SessionID}, &step)
	assert.True(t, step.Done)

	var st StatusResponse
	f.ok(t, http.MethodGet, "/agent/status?sessionId="+started.SessionID, nil, &st)
	assert.Equal(t, session.StatusCompleted, st.Status.Status)
	assert.Equal(t, 100, st.Status.Progress)
	require.NotNil(t, st.TodoList)

	var all SessionsResponse
	f.ok(t, http.MethodGet, "/agent/status", nil, &all)
	assert.Len(t, all.Sessions, 1)
	assert.Equal(t, 1, all.Stats.Total)

	f.fail(t, http.MethodPost, "/agent/step", map[string]any{"sessionId": "missing"}, goi.CodeNotFound)
	f.fail(t, http.MethodGet, "/agent/status?sessionId=missing", nil, goi.CodeNotFound)
}

func TestControl(t *testing.T) {
	f := setupTestComponent(t, nil)
	s := f.start(t, "collect numbers")
	path := "/agent/control"

	f.fail(t, http.MethodPost, path, map[string]any{"sessionId": s.SessionID, "action": "stop"}, goi.CodeInvalidParam)

	var res ControlResponse
	f.ok(t, http.MethodPost, path, map[string]any{"sessionId": s.SessionID, "action": "pause"}, &res)
	assert.Equal(t, session.StatusPaused, res.Status)
	assert.Equal(t, "session paused", res.Message)

	f.fail(t, http.MethodPost, path, map[string]any{"sessionId": s.SessionID, "action": "pause"}, goi.CodeInvalidState)

	f.ok(t, http.MethodPost, path, map[string]any{"sessionId": s.SessionID, "action": "resume"}, &res)
	assert.Equal(t, session.StatusRunning, res.Status)

	f.fail(t, http.MethodPost, path, map[string]any{"sessionId": "missing", "action": "pause"}, goi.CodeNotFound)
}

func TestCheckpointRespond(t *testing.T) {
	f := setupTestComponent(t, nil)
	s := f.start(t, "delete the old records")

	var step session.StepOutcome
	f.ok(t, http.MethodPost, "/agent/step", map[string]any{"sessionId": s.SessionID}, &step)
	require.True(t, step.Waiting)
	require.NotNil(t, step.Checkpoint)
	id := step.Checkpoint.ID

	var list ListData[*checkpoint.Checkpoint]
	f.ok(t, http.MethodGet, "/checkpoints?sessionId="+s.SessionID+"&pending=true", nil, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, id, list.List[0].ID)

	respond := "/checkpoints/" + id + "/respond"
	f.fail(t, http.MethodPost, respond, map[string]any{}, goi.CodeMissingParam)
	f.fail(t, http.MethodPost, respond, map[string]any{"action": "maybe"}, goi.CodeInvalidParam)
	f.fail(t, http.MethodPost, respond, map[string]any{"action": "modify"}, goi.CodeInvalidState)
	f.fail(t, http.MethodPost, "/checkpoints/unknown/respond", map[string]any{"action": "approve"}, goi.CodeNotFound)

	var resp checkpoint.Response
	f.ok(t, http.MethodPost, respond, map[string]any{"action": "approve", "reason": "looks fine"}, &resp)
	assert.Equal(t, id, resp.CheckpointID)
	assert.Equal(t, checkpoint.RespondApprove, resp.Action)
	assert.Equal(t, "looks fine", resp.Reason)
	assert.False(t, resp.RespondedAt.IsZero())

	env := f.fail(t, http.MethodPost, respond, map[string]any{"action": "reject"}, goi.CodeNotPending)
	assert.Contains(t, env.Message, "not in pending status")

	f.ok(t, http.MethodPost, "/agent/step", map[string]any{"sessionId": s.SessionID}, &step)
	assert.True(t, step.Done)
}

func TestCheckpointRules(t *testing.T) {
	f := setupTestComponent(t, nil)
	s := f.start(t, "collect numbers")

	f.fail(t, http.MethodGet, "/checkpoint/rules", nil, goi.CodeMissingParam)

	var rules RulesResponse
	f.ok(t, http.MethodGet, "/checkpoint/rules?sessionId="+s.SessionID, nil, &rules)
	assert.Equal(t, checkpoint.ModeSmart, rules.Mode)
	assert.NotEmpty(t, rules.Rules)
	assert.NotEmpty(t, rules.Presets)

	var put PutRulesResponse
	f.ok(t, http.MethodPut, "/checkpoint/rules", map[string]any{"sessionId": s.SessionID, "mode": "step"}, &put)
	assert.Equal(t, checkpoint.ModeStep, put.Mode)
	step := checkpoint.StepModeRules()
	require.GreaterOrEqual(t, len(put.Rules), len(step))
	for i, r := range step {
		assert.Equal(t, r.ID, put.Rules[i].ID)
	}

	f.fail(t, http.MethodPut, "/checkpoint/rules", map[string]any{"sessionId": s.SessionID, "mode": "chaos"}, goi.CodeInvalidParam)
	f.fail(t, http.MethodPut, "/checkpoint/rules", map[string]any{"sessionId": s.SessionID}, goi.CodeInvalidState)
	f.fail(t, http.MethodPut, "/checkpoint/rules", map[string]any{"sessionId": s.SessionID, "preset": "nope"}, goi.CodeInvalidParam)

	f.ok(t, http.MethodPut, "/checkpoint/rules", map[string]any{
		"sessionId": s.SessionID,
		"rules":     []map[string]any{{"id": "confirm-billing", "name": "Confirm billing", "trigger": "resource_selection", "action": "require", "patterns": []string{"billing/**"}}},
	}, &put)
	assert.Equal(t, []string{"confirm-billing"}, put.Added)
	assert.Equal(t, "confirm-billing", put.Rules[0].ID)
}

func TestCollaboration(t *testing.T) {
	f := setupTestComponent(t, nil)
	s := f.start(t, "collect numbers")

	var mode ModeResponse
	f.ok(t, http.MethodGet, "/collaboration/mode?sessionId="+s.SessionID, nil, &mode)
	assert.Equal(t, collaboration.ModeAssisted, mode.Mode)

	f.fail(t, http.MethodPost, "/collaboration/mode", map[string]any{"sessionId": s.SessionID, "mode": "chaos"}, goi.CodeInvalidParam)
	f.ok(t, http.MethodPost, "/collaboration/mode", map[string]any{"sessionId": s.SessionID, "mode": "auto"}, &mode)
	assert.Equal(t, collaboration.ModeAuto, mode.Mode)
	assert.Equal(t, checkpoint.ModeAuto, mode.ModeConfig.CheckpointMode)

	f.fail(t, http.MethodPost, "/collaboration/transfer", map[string]any{"sessionId": s.SessionID, "to": "robot"}, goi.CodeInvalidParam)

	var tr collaboration.Transfer
	f.ok(t, http.MethodPost, "/collaboration/transfer", map[string]any{"sessionId": s.SessionID, "to": "user", "reason": "manual fix"}, &tr)
	assert.Equal(t, goi.ControllerAI, tr.From)
	assert.Equal(t, goi.ControllerUser, tr.To)
	assert.False(t, tr.TransferredAt.IsZero())

	f.fail(t, http.MethodPost, "/collaboration/transfer", map[string]any{"sessionId": s.SessionID, "to": "user"}, goi.CodeNotPending)

	var action collaboration.TrackedAction
	f.ok(t, http.MethodPost, "/collaboration/actions", map[string]any{"sessionId": s.SessionID, "kind": "edit", "description": "fixed a row"}, &action)
	assert.Equal(t, "edit", action.Kind)

	var dev collaboration.Deviation
	f.ok(t, http.MethodGet, "/collaboration/deviation?sessionId="+s.SessionID, nil, &dev)
	f.fail(t, http.MethodGet, "/collaboration/deviation?sessionId=missing", nil, goi.CodeNotFound)
}

func TestFailureReportAndRecover(t *testing.T) {
	f := setupTestComponent(t, &testutil.MockExecutor{Errs: []error{executor.NewTransientError(errors.New("upstream unavailable"))}})
	s := f.start(t, "collect numbers")

	var step session.StepOutcome
	f.ok(t, http.MethodPost, "/agent/step", map[string]any{"sessionId": s.SessionID}, &step)
	assert.Equal(t, session.StatusFailed, step.Status)
	require.NotNil(t, step.Failure)
	failureID := step.Failure.FailureID

	var report recovery.Report
	f.ok(t, http.MethodGet, "/failure/report?failureId="+failureID, nil, &report)
	assert.Equal(t, s.SessionID, report.SessionID)
	assert.True(t, report.Offers(recovery.ActionRetry))

	f.fail(t, http.MethodGet, "/failure/report", nil, goi.CodeMissingParam)
	f.fail(t, http.MethodGet, "/failure/report?failureId=missing", nil, goi.CodeNotFound)

	env := f.fail(t, http.MethodPost, "/failure/recover", map[string]any{
		"sessionId": s.SessionID, "failureId": failureID, "selection": map[string]any{"action": "invalid_action"},
	}, goi.CodeInvalidParam)
	assert.Equal(t, recovery.InvalidActionMessage, env.Message)

	var res recovery.Result
	f.ok(t, http.MethodPost, "/failure/recover", map[string]any{
		"sessionId": s.SessionID, "failureId": failureID, "selection": map[string]any{"action": "retry"},
	}, &res)
	assert.True(t, res.Success)
	assert.Equal(t, string(session.StatusCompleted), res.Status)

	f.fail(t, http.MethodPost, "/failure/recover", map[string]any{
		"sessionId": s.SessionID, "failureId": failureID, "selection": map[string]any{"action": "retry"},
	}, goi.CodeNotPending)

	f.ok(t, http.MethodPost, "/failure/report", map[string]any{
		"sessionId": s.SessionID, "failureId": "ext-1", "context": map[string]any{"reason": "tool crashed"},
	}, &report)
	assert.Equal(t, "ext-1", report.FailureID)
}

func TestTodo(t *testing.T) {
	f := setupTestComponent(t, nil)

	f.fail(t, http.MethodPost, "/todo", map[string]any{"goal": "g"}, goi.CodeMissingParam)
	f.fail(t, http.MethodPost, "/todo", map[string]any{"sessionId": "s-1"}, goi.CodeInvalidParam)
	f.fail(t, http.MethodPost, "/todo", map[string]any{"sessionId": "s-1", "goal": "g", "items": []map[string]any{{"content": ""}}}, goi.CodeInvalidParam)

	var first, second goi.TodoList
	f.ok(t, http.MethodPost, "/todo", map[string]any{"sessionId": "s-1", "goal": "g", "items": []map[string]any{{"content": "a"}}}, &first)
	f.ok(t, http.MethodPost, "/todo", map[string]any{"sessionId": "s-1", "goal": "g2"}, &second)
	assert.Equal(t, 2, second.Version)

	var active goi.TodoList
	f.ok(t, http.MethodGet, "/todo?sessionId=s-1&active=true", nil, &active)
	assert.Equal(t, second.ID, active.ID)

	var lists []goi.TodoList
	f.ok(t, http.MethodGet, "/todo?sessionId=s-1", nil, &lists)
	require.Len(t, lists, 2)
	assert.False(t, lists[0].Active)

	f.fail(t, http.MethodGet, "/todo?latest=true", nil, goi.CodeMissingParam)
	f.fail(t, http.MethodGet, "/todo?sessionId=none&active=true", nil, goi.CodeNotFound)
}

func TestEvents(t *testing.T) {
	f := setupTestComponent(t, nil)

	f.fail(t, http.MethodPost, "/events", map[string]any{"type": "note"}, goi.CodeMissingParam)
	f.fail(t, http.MethodGet, "/events", nil, goi.CodeMissingParam)
	f.fail(t, http.MethodGet, "/events?sessionId=s-1&limit=abc", nil, goi.CodeInvalidParam)

	var e goi.Event
	f.ok(t, http.MethodPost, "/events", map[string]any{"sessionId": "s-1", "type": "note", "source": "user", "payload": map[string]any{"text": "hi"}}, &e)
	assert.Equal(t, int64(1), e.Seq)
	f.ok(t, http.MethodPost, "/events", map[string]any{"sessionId": "s-1", "type": "other", "source": "system"}, &e)
	assert.Equal(t, int64(2), e.Seq)
	assert.Equal(t, goi.SourceUser, e.Source, "callers cannot choose the source")

	f.fail(t, http.MethodPost, "/events", map[string]any{
		"sessionId": "s-1",
		"type":      "x\ndata: {}\n\nevent: session_completed",
	}, goi.CodeInvalidParam)
	f.fail(t, http.MethodPost, "/events", map[string]any{"sessionId": "s-1", "type": "Note"}, goi.CodeInvalidParam)

	var page ListData[goi.Event]
	f.ok(t, http.MethodGet, "/events?sessionId=s-1&types=note", nil, &page)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, goi.SourceUser, page.List[0].Source)
	assert.JSONEq(t, `{"text":"hi"}`, string(page.List[0].Payload))

	f.ok(t, http.MethodGet, "/events?sessionId=s-1&limit=1&offset=1", nil, &page)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.List, 1)
	assert.Equal(t, "other", page.List[0].Type)
	assert.Equal(t, goi.SourceUser, page.List[0].Source)
}

// readSSE collects SSE frames until stop returns true.
func readSSE(t *testing.T, r *bufio.Reader, stop func(event, id, data string) bool) {
	t.Helper()
	var event, id, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if stop(event, id, data) {
				return
			}
			event, id, data = "", "", ""
		}
	}
}

func TestStream(t *testing.T) {
	f := setupTestComponent(t, nil)
	s := f.start(t, "collect numbers")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/goi/agent/stream?sessionId="+s.SessionID, nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", testUser)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	var replayed []string
	readSSE(t, rd, func(event, id, _ string) bool {
		if event == SSEEventSyncComplete {
			return true
		}
		if id != "" {
			replayed = append(replayed, event)
		}
		return false
	})
	require.NotEmpty(t, replayed)
	assert.Equal(t, goi.EventSessionStarted, replayed[0])

	f.ok(t, http.MethodPost, "/agent/step", map[string]any{"sessionId": s.SessionID}, nil)

	var got goi.Event
	readSSE(t, rd, func(event, _, data string) bool {
		if event != goi.EventStepCompleted {
			return false
		}
		require.NoError(t, json.Unmarshal([]byte(data), &got))
		return true
	})
	assert.Equal(t, s.SessionID, got.SessionID)

	heartbeat := false
	readSSE(t, rd, func(event, _, _ string) bool {
		heartbeat = event == SSEEventHeartbeat
		return heartbeat
	})
	assert.True(t, heartbeat)
}

func TestStream_EndsWhenComponentStops(t *testing.T) {
	f := setupTestComponent(t, nil)
	require.NoError(t, f.comp.Start(context.Background()))
	s := f.start(t, "collect numbers")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/goi/agent/stream?sessionId="+s.SessionID, nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", testUser)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	rd := bufio.NewReader(resp.Body)
	readSSE(t, rd, func(event, _, _ string) bool { return event == SSEEventSyncComplete })
	assert.Equal(t, int64(1), f.comp.streams.Load())

	require.NoError(t, f.comp.Stop(time.Second))

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, rd)
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("stream still open after Stop")
	}
	assert.Eventually(t, func() bool { return f.comp.streams.Load() == 0 }, time.Second, 10*time.Millisecond)
}

func TestStream_Validation(t *testing.T) {
	f := setupTestComponent(t, nil)
	f.fail(t, http.MethodGet, "/agent/stream", nil, goi.CodeMissingParam)
	f.fail(t, http.MethodGet, "/agent/stream?sessionId=missing", nil, goi.CodeNotFound)
	s := f.start(t, "collect numbers")
	f.fail(t, http.MethodGet, "/agent/stream?sessionId="+s.SessionID+"&since=-4", nil, goi.CodeInvalidParam)
}

func TestHealthAndMetrics(t *testing.T) {
	f := setupTestComponent(t, nil)
	f.start(t, "collect numbers")

	resp, err := http.Get(f.srv.URL + "/api/goi/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	mresp, err := http.Get(f.srv.URL + "/api/goi/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
	assert.Contains(t, string(body), "goi_events_published_total")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code int
		want int
	}{
		{goi.CodeOK, http.StatusOK},
		{goi.CodeMissingParam, http.StatusBadRequest},
		{goi.CodeTransferFailed, http.StatusBadRequest},
		{goi.CodeUnauthenticated, http.StatusUnauthorized},
		{goi.CodeNotFound, http.StatusNotFound},
		{goi.CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, httpStatus(tt.code), "code %d", tt.code)
	}
}

type fakeRegistry struct {
	cfg component.RegistrationConfig
}

func (r *fakeRegistry) RegisterWithConfig(cfg component.RegistrationConfig) error {
	r.cfg = cfg
	return nil
}

func TestRegister(t *testing.T) {
	f := setupTestComponent(t, nil)

	assert.Error(t, Register(nil, f.comp.svc))
	assert.Error(t, Register(&fakeRegistry{}, Services{}))

	reg := &fakeRegistry{}
	require.NoError(t, Register(reg, f.comp.svc))
	assert.Equal(t, "goi-api", reg.cfg.Name)

	comp, err := reg.cfg.Factory(json.RawMessage(`{"max_event_limit": 10}`), component.Dependencies{Logger: slog.Default()})
	require.NoError(t, err)
	c, ok := comp.(*Component)
	require.True(t, ok)
	assert.Equal(t, 10, c.config.MaxEventLimit)
	assert.Equal(t, DefaultUserHeader, c.config.UserHeader)

	_, err = reg.cfg.Factory(json.RawMessage(`{"heartbeat_interval": "soon"}`), component.Dependencies{Logger: slog.Default()})
	assert.Error(t, err)
}

func TestComponentLifecycle(t *testing.T) {
	f := setupTestComponent(t, nil)
	c := f.comp

	assert.False(t, c.Health().Healthy)
	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))
	assert.True(t, c.Health().Healthy)
	assert.Equal(t, "running", c.Health().Status)

	require.NoError(t, c.Stop(time.Second))
	require.NoError(t, c.Stop(time.Second))
	assert.Equal(t, "stopped", c.Health().Status)
	assert.Equal(t, "goi-api", c.Meta().Name)
}
