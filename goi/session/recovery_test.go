package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/goi/executor"
	"github.com/c360studio/goi/executor/testutil"
	"github.com/c360studio/goi/goi"
	"github.com/c360studio/goi/goi/collaboration"
	"github.com/c360studio/goi/goi/recovery"
)

var errBoom = executor.NewTransientError(errors.New("upstream unavailable"))

// failed starts a session whose first executed step fails.
func failed(t *testing.T, f *fixture, contents ...string) (Session, *recovery.Report) {
	t.Helper()
	s := f.start(t, collaboration.ModeAssisted, contents...)
	out, err := f.mgr.Step(context.Background(), s.SessionID, nil)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, out.Status)
	require.NotNil(t, out.Failure)
	return s, out.Failure
}

func TestRecover_Retry(t *testing.T) {
	f := newFixture(t, &testutil.MockExecutor{Errs: []error{errBoom}})
	s, report := failed(t, f, "collect numbers")
	ctx := context.Background()

	res, err := f.recovery.Recover(ctx, s.SessionID, report.FailureID, recovery.Selection{Action: recovery.ActionRetry})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, string(StatusCompleted), res.Status)
	assert.Equal(t, 2, f.exec.CallCount())

	got, _, err := f.mgr.GetStatus(s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.Error)

	_, err = f.recovery.Recover(ctx, s.SessionID, report.FailureID, recovery.Selection{Action: recovery.ActionRetry})
	assert.Equal(t, goi.CodeNotPending, goi.Code(err))
}

func TestRecover_RetryFailingAgainCountsTwice(t *testing.T) {
	f := newFixture(t, &testutil.MockExecutor{Err: errBoom})
	s, report := failed(t, f, "collect numbers")

	res, err := f.recovery.Recover(context.Background(), s.SessionID, report.FailureID, recovery.Selection{Action: recovery.ActionRetry})
	require.NoError(t, err)
	assert.Equal(t, string(StatusFailed), res.Status)

	got, _, err := f.mgr.GetStatus(s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.NotEqual(t, report.FailureID, got.LastFailureID)
}

func TestRecover_Modify(t *testing.T) {
	f := newFixture(t, &testutil.MockExecutor{Errs: []error{executor.NewInputError(errors.New("bad table"))}})
	s, _, err := f.mgr.Start(context.Background(), StartRequest{
		Goal:  "archive",
		Items: []goi.TodoItem{{Content: "collect numbers", Input: map[string]any{"table": "logz"}}},
	})
	require.NoError(t, err)
	out, err := f.mgr.Step(context.Background(), s.SessionID, nil)
	require.NoError(t, err)
	require.NotNil(t, out.Failure)
	assert.True(t, out.Failure.Offers(recovery.ActionModify))

	sel := recovery.Selection{Action: recovery.ActionModify}
	_, err = f.recovery.Recover(context.Background(), s.SessionID, out.Failure.FailureID, sel)
	assert.Equal(t, goi.CodeMissingParam, goi.Code(err))

	sel.UserInput = map[string]any{"table": "logs"}
	res, err := f.recovery.Recover(context.Background(), s.SessionID, out.Failure.FailureID, sel)
	require.NoError(t, err)
	assert.Equal(t, string(StatusCompleted), res.Status)

	req, ok := f.exec.LastRequest()
	require.True(t, ok)
	assert.Equal(t, "logs", req.Item.Input["table"])
}

func TestRecover_Skip(t *testing.T) {
	f := newFixture(t, &testutil.MockExecutor{Errs: []error{errBoom}})
	s, _, err := f.mgr.Start(context.Background(), StartRequest{
		Goal:  "report",
		Items: []goi.TodoItem{{Content: "collect numbers"}, {Content: "write summary"}},
	})
	require.NoError(t, err)
	out, err := f.mgr.Step(context.Background(), s.SessionID, nil)
	require.NoError(t, err)
	require.NotNil(t, out.Failure)
	require.True(t, out.Failure.Offers(recovery.ActionSkip))

	res, err := f.recovery.Recover(context.Background(), s.SessionID, out.Failure.FailureID, recovery.Selection{Action: recovery.ActionSkip})
	require.NoError(t, err)
	assert.Equal(t, string(StatusRunning), res.Status)

	got, list, err := f.mgr.GetStatus(s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, goi.TodoSkipped, list.Items[0].Status)
	assert.Equal(t, 50, got.Progress)

	step, err := f.mgr.Step(context.Background(), s.SessionID, nil)
	require.NoError(t, err)
	assert.True(t, step.Done)
}

func TestRecover_SkipNotOfferedForRequiredItem(t *testing.T) {
	f := newFixture(t, &testutil.MockExecutor{Err: errBoom})
	s, report := failed(t, f, "collect numbers")

	_, err := f.recovery.Recover(context.Background(), s.SessionID, report.FailureID, recovery.Selection{Action: recovery.ActionSkip})
	assert.Equal(t, goi.CodeInvalidParam, goi.Code(err))
}

func TestRecover_Takeover(t *testing.T) {
	f := newFixture(t, &testutil.MockExecutor{Err: errBoom})
	s, report := failed(t, f, "collect numbers")

	res, err := f.recovery.Recover(context.Background(), s.SessionID, report.FailureID, recovery.Selection{Action: recovery.ActionTakeover})
	require.NoError(t, err)
	assert.Equal(t, string(StatusPaused), res.Status)

	got, _, err := f.mgr.GetStatus(s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, goi.ControllerUser, got.Controller)
}

func TestRecover_Abort(t *testing.T) {
	f := newFixture(t, &testutil.MockExecutor{Err: errBoom})
	s, report := failed(t, f, "collect numbers")
	ctx := context.Background()

	res, err := f.recovery.Recover(ctx, s.SessionID, report.FailureID, recovery.Selection{Action: recovery.ActionAbort})
	require.NoError(t, err)
	assert.Equal(t, string(StatusFailed), res.Status)

	out, err := f.mgr.Step(ctx, s.SessionID, nil)
	require.NoError(t, err)
	assert.Equal(t, "session was aborted", out.Message)
	assert.Equal(t, 1, f.exec.CallCount())

	got, _, err := f.mgr.GetStatus(s.SessionID)
	require.NoError(t, err)
	assert.True(t, got.Aborted)
	assert.True(t, got.Terminal())

	_, err = f.mgr.SetMode(ctx, s.SessionID, collaboration.ModeAuto)
	assert.Equal(t, goi.CodeInvalidState, goi.Code(err))
}

func TestRecover_Replan(t *testing.T) {
	f := newFixture(t, &testutil.MockExecutor{Errs: []error{nil, errBoom}})
	f.planner.Items = []executor.PlannedItem{{Content: "write a shorter summary"}}
	s := f.start(t, collaboration.ModeAssisted, "collect numbers", "write summary")
	ctx := context.Background()

	_, err := f.mgr.Step(ctx, s.SessionID, nil)
	require.NoError(t, err)
	out, err := f.mgr.Step(ctx, s.SessionID, nil)
	require.NoError(t, err)
	require.NotNil(t, out.Failure)

	res, err := f.recovery.Recover(ctx, s.SessionID, out.Failure.FailureID, recovery.Selection{Action: recovery.ActionReplan})
	require.NoError(t, err)
	assert.Equal(t, string(StatusRunning), res.Status)

	require.Len(t, f.planner.LastDone(), 1)
	assert.Equal(t, "collect numbers", f.planner.LastDone()[0].Content)

	got, list, err := f.mgr.GetStatus(s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, list.Version)
	require.Len(t, list.Items, 2)
	assert.Equal(t, goi.TodoCompleted, list.Items[0].Status)
	assert.Equal(t, "write a shorter summary", list.Items[1].Content)
	assert.Equal(t, 50, got.Progress)

	types := f.eventTypes(t, s.SessionID)
	assert.Contains(t, types, goi.EventSessionReplanning)
}

func TestRecover_InvalidActionAlwaysRejected(t *testing.T) {
	f := newFixture(t, nil)
	for _, sessionID := range []string{"", "unknown"} {
		_, err := f.recovery.Recover(context.Background(), sessionID, "", recovery.Selection{Action: "invalid_action"})
		require.Error(t, err)
		assert.Equal(t, goi.CodeInvalidParam, goi.Code(err))
		assert.Equal(t, recovery.InvalidActionMessage, err.Error())
	}
}

func TestRecover_ReportForHealthySession(t *testing.T) {
	f := newFixture(t, nil)
	s := f.start(t, collaboration.ModeAssisted, "collect numbers")
	ctx := context.Background()

	r, err := f.recovery.Report(ctx, s.SessionID, "ext-1", map[string]any{"reason": "tool crashed", "errorKind": "fatal"})
	require.NoError(t, err)
	assert.Equal(t, "ext-1", r.FailureID)

	_, err = f.recovery.Recover(ctx, s.SessionID, "ext-1", recovery.Selection{Action: recovery.ActionRetry})
	assert.Equal(t, goi.CodeInvalidState, goi.Code(err))

	// The report was not consumed by the refused recovery.
	again, err := f.reports.Get(ctx, "ext-1")
	require.NoError(t, err)
	assert.False(t, again.Consumed)
}

func TestSweep(t *testing.T) {
	f := newFixture(t, nil)
	idle := f.start(t, collaboration.ModeAssisted, "collect numbers")
	ctx := context.Background()

	assert.Equal(t, 0, f.mgr.Sweep(ctx))

	f.mgr.now = func() time.Time { return time.Now().Add(DefaultIdleTTL + time.Minute) }
	fresh := f.start(t, collaboration.ModeAssisted, "write summary")

	assert.Equal(t, 1, f.mgr.Sweep(ctx))
	_, _, err := f.mgr.GetStatus(idle.SessionID)
	assert.Equal(t, goi.CodeNotFound, goi.Code(err))
	_, _, err = f.mgr.GetStatus(fresh.SessionID)
	assert.NoError(t, err)
	assert.Equal(t, 1, f.registry.Len())

	_, err = f.control.State(idle.SessionID)
	assert.True(t, goi.IsNotFound(err))

	types := f.eventTypes(t, idle.SessionID)
	assert.Equal(t, goi.EventSessionEvicted, types[len(types)-1])
}

func TestSweep_SkipsExecutingSession(t *testing.T) {
	exec := &testutil.MockExecutor{Gate: make(chan struct{}), Started: make(chan struct{}, 1)}
	f := newFixture(t, exec)
	s := f.start(t, collaboration.ModeAssisted, "collect numbers")
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.mgr.Step(ctx, s.SessionID, nil)
	}()
	<-exec.Started

	f.mgr.now = func() time.Time { return time.Now().Add(DefaultIdleTTL + time.Minute) }
	assert.Equal(t, 0, f.mgr.Sweep(ctx))

	close(exec.Gate)
	<-done
	_, _, err := f.mgr.GetStatus(s.SessionID)
	assert.NoError(t, err)
}

func TestSweeperStartStop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.mgr.StartSweeper(ctx))
	assert.Error(t, f.mgr.StartSweeper(ctx))
	f.mgr.StopSweeper()
	f.mgr.StopSweeper()
	require.NoError(t, f.mgr.StartSweeper(ctx))
}
