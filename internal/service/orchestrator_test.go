package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/core"
)

func completeTask(t *testing.T, svc *Services, taskID string) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.Tasks.UpdateStatus(ctx, taskID, core.TaskStatusInProgress, StatusUpdate{})
	require.NoError(t, err)
	_, err = svc.Tasks.UpdateStatus(ctx, taskID, core.TaskStatusCompleted,
		StatusUpdate{Outcome: "done"})
	require.NoError(t, err)
}

func TestNextTasksSequentialChain(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc,
		TaskSpec{Name: "a"},
		TaskSpec{Name: "b", DependsOn: []string{"a"}},
	)
	a := taskByName(t, wf, "a")
	b := taskByName(t, wf, "b")

	next, err := svc.Orchestrator.GetNextTasks(ctx, wf.ID, false)
	require.NoError(t, err)
	require.Len(t, next.Tasks, 1)
	assert.Equal(t, a.ID, next.Tasks[0].ID)
	assert.False(t, next.AllComplete)

	completeTask(t, svc, a.ID)

	next, err = svc.Orchestrator.GetNextTasks(ctx, wf.ID, false)
	require.NoError(t, err)
	require.Len(t, next.Tasks, 1)
	assert.Equal(t, b.ID, next.Tasks[0].ID)

	completeTask(t, svc, b.ID)

	next, err = svc.Orchestrator.GetNextTasks(ctx, wf.ID, false)
	require.NoError(t, err)
	assert.Empty(t, next.Tasks)
	assert.True(t, next.AllComplete)
}

func TestNextTasksFanIn(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc,
		TaskSpec{Name: "a"},
		TaskSpec{Name: "b"},
		TaskSpec{Name: "c", DependsOn: []string{"a", "b"}},
	)
	a := taskByName(t, wf, "a")
	b := taskByName(t, wf, "b")
	c := taskByName(t, wf, "c")

	next, err := svc.Orchestrator.GetNextTasks(ctx, wf.ID, false)
	require.NoError(t, err)
	assert.Len(t, next.Tasks, 2)

	completeTask(t, svc, a.ID)
	next, err = svc.Orchestrator.GetNextTasks(ctx, wf.ID, false)
	require.NoError(t, err)
	require.Len(t, next.Tasks, 1)
	assert.Equal(t, b.ID, next.Tasks[0].ID, "c still gated on b")

	completeTask(t, svc, b.ID)
	next, err = svc.Orchestrator.GetNextTasks(ctx, wf.ID, false)
	require.NoError(t, err)
	require.Len(t, next.Tasks, 1)
	assert.Equal(t, c.ID, next.Tasks[0].ID)
}

func TestNextTasksIncludeFailed(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc, TaskSpec{Name: "flaky"})
	task := taskByName(t, wf, "flaky")

	_, err := svc.Tasks.UpdateStatus(ctx, task.ID, core.TaskStatusInProgress, StatusUpdate{})
	require.NoError(t, err)
	_, err = svc.Tasks.UpdateStatus(ctx, task.ID, core.TaskStatusFailed, StatusUpdate{Error: "boom"})
	require.NoError(t, err)

	next, err := svc.Orchestrator.GetNextTasks(ctx, wf.ID, false)
	require.NoError(t, err)
	assert.Empty(t, next.Tasks)
	assert.False(t, next.AllComplete)

	next, err = svc.Orchestrator.GetNextTasks(ctx, wf.ID, true)
	require.NoError(t, err)
	require.Len(t, next.Tasks, 1)
	assert.Equal(t, task.ID, next.Tasks[0].ID)
}

func TestNextTasksGroupsSiblingsTogether(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc,
		TaskSpec{Name: "g1-a", ParallelGroup: "g1"},
		TaskSpec{Name: "loose"},
		TaskSpec{Name: "g1-b", ParallelGroup: "g1"},
	)

	next, err := svc.Orchestrator.GetNextTasks(ctx, wf.ID, false)
	require.NoError(t, err)
	require.Len(t, next.Tasks, 3)
	assert.Equal(t, "g1-a", next.Tasks[0].Name)
	assert.Equal(t, "g1-b", next.Tasks[1].Name, "group members are adjacent")
	assert.Equal(t, "loose", next.Tasks[2].Name)
}

func TestNextTasksUnknownWorkflow(t *testing.T) {
	svc := newTestServices(t)
	_, err := svc.Orchestrator.GetNextTasks(context.Background(), "wf_missing", false)
	requireCode(t, err, core.CodeWorkflowNotFound)
}

func TestProgress(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc,
		TaskSpec{Name: "a"},
		TaskSpec{Name: "b"},
		TaskSpec{Name: "c", DependsOn: []string{"a"}},
	)
	completeTask(t, svc, taskByName(t, wf, "a").ID)

	p, err := svc.Orchestrator.GetProgress(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, p.TotalTasks)
	assert.Equal(t, 2, p.EstimatedRemaining)
	assert.Equal(t, 1, p.ByStatus["completed"])
	assert.Equal(t, 2, p.ByStatus["pending"])
}
