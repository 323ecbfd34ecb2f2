package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/core"
)

func TestTaskClaimAssignsAndMarksAgentBusy(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc, TaskSpec{Name: "build"})
	task := taskByName(t, wf, "build")
	agent := registerAgent(t, svc, "worker-1")

	res, err := svc.Tasks.Claim(ctx, task.ID, agent.ID)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, core.TaskStatusPlanning, res.Task.Status)
	assert.Equal(t, agent.ID, res.Task.AssignedAgentID)
	assert.NotZero(t, res.Task.ClaimedAt)

	busy, err := svc.Agents.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, core.AgentBusy, busy.Status)
	assert.Equal(t, task.ID, busy.CurrentTaskID)
}

func TestTaskClaimConflict(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc, TaskSpec{Name: "contested"})
	task := taskByName(t, wf, "contested")
	first := registerAgent(t, svc, "first")
	second := registerAgent(t, svc, "second")

	res, err := svc.Tasks.Claim(ctx, task.ID, first.ID)
	require.NoError(t, err)
	require.True(t, res.Success)

	// The loser gets a structured refusal, not an error.
	res, err = svc.Tasks.Claim(ctx, task.ID, second.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, first.ID, res.AlreadyClaimedBy)

	_, err = svc.Tasks.Claim(ctx, task.ID, "ag_ghost")
	requireCode(t, err, core.CodeAgentNotFound)
}

func TestTaskClaimBlockedByDependencies(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc,
		TaskSpec{Name: "upstream"},
		TaskSpec{Name: "downstream", DependsOn: []string{"upstream"}},
	)
	downstream := taskByName(t, wf, "downstream")
	agent := registerAgent(t, svc, "worker")

	_, err := svc.Tasks.Claim(ctx, downstream.ID, agent.ID)
	requireCode(t, err, core.CodeTaskBlocked)
	te, _ := core.AsToolError(err)
	assert.Contains(t, te.Message, "upstream")
	assert.True(t, te.Recoverable)
}

func TestTaskReleaseRevertsToPending(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc, TaskSpec{Name: "work"})
	task := taskByName(t, wf, "work")
	agent := registerAgent(t, svc, "worker")
	other := registerAgent(t, svc, "other")

	_, err := svc.Tasks.Release(ctx, task.ID, agent.ID)
	requireCode(t, err, core.CodeNotClaimed)

	res, err := svc.Tasks.Claim(ctx, task.ID, agent.ID)
	require.NoError(t, err)
	require.True(t, res.Success)

	_, err = svc.Tasks.Release(ctx, task.ID, other.ID)
	requireCode(t, err, core.CodeNotAssigned)

	released, err := svc.Tasks.Release(ctx, task.ID, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusPending, released.Status)
	assert.Empty(t, released.AssignedAgentID)
	assert.Zero(t, released.ClaimedAt)

	back, err := svc.Agents.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, core.AgentOnline, back.Status)
	assert.Empty(t, back.CurrentTaskID)
}

func TestTaskUpdateStatusGuards(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc, TaskSpec{Name: "guarded"})
	task := taskByName(t, wf, "guarded")

	_, err := svc.Tasks.UpdateStatus(ctx, task.ID, "bogus", StatusUpdate{})
	requireCode(t, err, core.CodeInvalidInput)

	// pending → completed is not an edge.
	_, err = svc.Tasks.UpdateStatus(ctx, task.ID, core.TaskStatusCompleted, StatusUpdate{Outcome: "x"})
	requireCode(t, err, core.CodeInvalidTransition)

	_, err = svc.Tasks.UpdateStatus(ctx, task.ID, core.TaskStatusInProgress, StatusUpdate{})
	require.NoError(t, err)

	_, err = svc.Tasks.UpdateStatus(ctx, task.ID, core.TaskStatusCompleted, StatusUpdate{})
	requireCode(t, err, core.CodeMissingOutcome)

	_, err = svc.Tasks.UpdateStatus(ctx, task.ID, core.TaskStatusFailed, StatusUpdate{})
	requireCode(t, err, core.CodeMissingError)

	done, err := svc.Tasks.UpdateStatus(ctx, task.ID, core.TaskStatusCompleted,
		StatusUpdate{Outcome: "shipped"})
	require.NoError(t, err)
	assert.Equal(t, "shipped", done.Outcome)

	cp, err := svc.Checkpoints.Latest(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, core.CheckpointComplete, cp.Type)
	assert.Equal(t, "shipped", cp.Summary)
}

func TestTaskCompletionClearsAssignmentAndUnblocks(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc,
		TaskSpec{Name: "a"},
		TaskSpec{Name: "b", DependsOn: []string{"a"}},
	)
	a := taskByName(t, wf, "a")
	b := taskByName(t, wf, "b")
	agent := registerAgent(t, svc, "worker")

	res, err := svc.Tasks.Claim(ctx, a.ID, agent.ID)
	require.NoError(t, err)
	require.True(t, res.Success)

	_, err = svc.Tasks.UpdateStatus(ctx, a.ID, core.TaskStatusInProgress, StatusUpdate{})
	require.NoError(t, err)
	done, err := svc.Tasks.UpdateStatus(ctx, a.ID, core.TaskStatusCompleted,
		StatusUpdate{Outcome: "done"})
	require.NoError(t, err)
	assert.Empty(t, done.AssignedAgentID, "terminal status must drop the claim")

	unblocked, err := svc.Tasks.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusPending, unblocked.Status)
}

func TestTaskSkipUnblocksDependents(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc,
		TaskSpec{Name: "optional"},
		TaskSpec{Name: "after", DependsOn: []string{"optional"}},
	)
	optional := taskByName(t, wf, "optional")
	after := taskByName(t, wf, "after")

	_, err := svc.Tasks.UpdateStatus(ctx, optional.ID, core.TaskStatusSkipped, StatusUpdate{})
	require.NoError(t, err)

	got, err := svc.Tasks.Get(ctx, after.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusPending, got.Status)
}

func TestTaskStartWithUnmetDependencies(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc,
		TaskSpec{Name: "first"},
		TaskSpec{Name: "second", DependsOn: []string{"first"}},
	)
	second := taskByName(t, wf, "second")

	_, err := svc.Tasks.UpdateStatus(ctx, second.ID, core.TaskStatusInProgress, StatusUpdate{})
	requireCode(t, err, core.CodeTaskBlocked)
}

func TestTaskFailureCheckpointAndRetry(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc, TaskSpec{Name: "flaky"})
	task := taskByName(t, wf, "flaky")

	_, err := svc.Tasks.UpdateStatus(ctx, task.ID, core.TaskStatusInProgress, StatusUpdate{})
	require.NoError(t, err)
	failed, err := svc.Tasks.UpdateStatus(ctx, task.ID, core.TaskStatusFailed,
		StatusUpdate{Error: "tests broke"})
	require.NoError(t, err)
	assert.Equal(t, "tests broke", failed.Error)
	assert.Empty(t, failed.AssignedAgentID)

	cp, err := svc.Checkpoints.Latest(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CheckpointError, cp.Type)

	retried, err := svc.Tasks.PrepareRetry(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusPending, retried.Status)

	_, err = svc.Tasks.PrepareRetry(ctx, task.ID)
	requireCode(t, err, core.CodeInvalidState)
}

func TestTaskReplan(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc, TaskSpec{Name: "pivot"})
	task := taskByName(t, wf, "pivot")

	_, err := svc.Tasks.Replan(ctx, task.ID, "new plan", "too early")
	requireCode(t, err, core.CodeInvalidState)

	_, err = svc.Tasks.UpdateStatus(ctx, task.ID, core.TaskStatusInProgress, StatusUpdate{})
	require.NoError(t, err)
	_, err = svc.Tasks.UpdateStatus(ctx, task.ID, core.TaskStatusFailed, StatusUpdate{Error: "boom"})
	require.NoError(t, err)

	replanned, err := svc.Tasks.Replan(ctx, task.ID, "second attempt", "first approach failed")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusInProgress, replanned.Status)
	assert.Equal(t, "second attempt", replanned.Plan)
	assert.Empty(t, replanned.Error, "replan clears the previous error")

	cp, err := svc.Checkpoints.Latest(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CheckpointReplan, cp.Type)
	assert.Contains(t, cp.Summary, "first approach failed")
}

func TestTaskResumeFromPause(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc, TaskSpec{Name: "pausable"})
	task := taskByName(t, wf, "pausable")
	agent := registerAgent(t, svc, "worker")

	res, err := svc.Tasks.Claim(ctx, task.ID, agent.ID)
	require.NoError(t, err)
	require.True(t, res.Success)
	_, err = svc.Tasks.UpdateStatus(ctx, task.ID, core.TaskStatusPaused, StatusUpdate{})
	require.NoError(t, err)

	resumed, err := svc.Tasks.ResumeFromPause(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusPending, resumed.Status)
	assert.Empty(t, resumed.AssignedAgentID)

	_, err = svc.Tasks.ResumeFromPause(ctx, task.ID)
	requireCode(t, err, core.CodeInvalidState)
}

func TestTaskGetAvailable(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc,
		TaskSpec{Name: "ready1"},
		TaskSpec{Name: "gated", DependsOn: []string{"ready1"}},
		TaskSpec{Name: "ready2"},
	)
	agent := registerAgent(t, svc, "worker")

	avail, err := svc.Tasks.GetAvailable(ctx, wf.ID, 0)
	require.NoError(t, err)
	require.Len(t, avail, 2)
	assert.Equal(t, "ready1", avail[0].Name)
	assert.Equal(t, "ready2", avail[1].Name)

	res, err := svc.Tasks.Claim(ctx, avail[0].ID, agent.ID)
	require.NoError(t, err)
	require.True(t, res.Success)

	avail, err = svc.Tasks.GetAvailable(ctx, wf.ID, 0)
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, "ready2", avail[0].Name)
}

func TestTaskLoadContext(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc,
		TaskSpec{Name: "research"},
		TaskSpec{Name: "apply", DependsOn: []string{"research"}},
	)
	research := taskByName(t, wf, "research")
	apply := taskByName(t, wf, "apply")

	_, err := svc.Tasks.UpdateStatus(ctx, research.ID, core.TaskStatusInProgress, StatusUpdate{})
	require.NoError(t, err)
	_, err = svc.Tasks.UpdateStatus(ctx, research.ID, core.TaskStatusCompleted,
		StatusUpdate{Outcome: "use approach B"})
	require.NoError(t, err)
	require.NoError(t, svc.Tasks.SetContext(ctx, apply.ID, `{"complexity":"low"}`))

	tc, err := svc.Tasks.LoadContext(ctx, apply.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"complexity":"low"}`, tc.Context)
	assert.Equal(t, "use approach B", tc.DependencyOutcomes["research"])
}

func TestTaskAssignWorkspace(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc, TaskSpec{Name: "t"})
	other := plannedWorkflow(t, svc, TaskSpec{Name: "o"})
	task := taskByName(t, wf, "t")

	ws, err := svc.Workspaces.Create(ctx, CreateWorkspaceInput{
		WorkflowID: wf.ID, Path: "/tmp/ws", Branch: "caw/t",
	})
	require.NoError(t, err)
	foreign, err := svc.Workspaces.Create(ctx, CreateWorkspaceInput{
		WorkflowID: other.ID, Path: "/tmp/other", Branch: "caw/o",
	})
	require.NoError(t, err)

	got, err := svc.Tasks.AssignWorkspace(ctx, task.ID, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, got.WorkspaceID)

	_, err = svc.Tasks.AssignWorkspace(ctx, task.ID, foreign.ID)
	requireCode(t, err, core.CodeWorkflowMismatch)

	_, err = svc.Tasks.AssignWorkspace(ctx, task.ID, "ws_missing")
	requireCode(t, err, core.CodeWorkspaceNotFound)
}
