package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/core"
)

func TestCheckpointSequenceIsDense(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc, TaskSpec{Name: "tracked"})
	task := taskByName(t, wf, "tracked")

	for i, summary := range []string{"read the code", "chose approach", "half done"} {
		cp, err := svc.Checkpoints.Add(ctx, task.ID, core.CheckpointProgress, summary, "", nil)
		require.NoError(t, err)
		assert.Equal(t, i+1, cp.Sequence)
	}

	list, err := svc.Checkpoints.List(ctx, task.ID, ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, cp := range list {
		assert.Equal(t, i+1, cp.Sequence)
	}

	latest, err := svc.Checkpoints.Latest(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "half done", latest.Summary)
}

func TestCheckpointValidation(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc, TaskSpec{Name: "t"})
	task := taskByName(t, wf, "t")

	_, err := svc.Checkpoints.Add(ctx, task.ID, "milestone", "x", "", nil)
	requireCode(t, err, core.CodeInvalidInput)

	_, err = svc.Checkpoints.Add(ctx, task.ID, core.CheckpointProgress, "  ", "", nil)
	requireCode(t, err, core.CodeInvalidInput)

	_, err = svc.Checkpoints.Add(ctx, "tk_missing", core.CheckpointProgress, "x", "", nil)
	requireCode(t, err, core.CodeTaskNotFound)
}

func TestCheckpointListFilters(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc, TaskSpec{Name: "t"})
	task := taskByName(t, wf, "t")

	_, err := svc.Checkpoints.Add(ctx, task.ID, core.CheckpointPlan, "the plan", "", nil)
	require.NoError(t, err)
	_, err = svc.Checkpoints.Add(ctx, task.ID, core.CheckpointProgress, "step 1", "", nil)
	require.NoError(t, err)
	_, err = svc.Checkpoints.Add(ctx, task.ID, core.CheckpointDecision, "picked sqlite", "", nil)
	require.NoError(t, err)

	decisions, err := svc.Checkpoints.List(ctx, task.ID, ListFilter{
		Types: []core.CheckpointType{core.CheckpointDecision},
	})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "picked sqlite", decisions[0].Summary)

	since, err := svc.Checkpoints.List(ctx, task.ID, ListFilter{SinceSequence: 1})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	limited, err := svc.Checkpoints.List(ctx, task.ID, ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestCheckpointFilesRoundTrip(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc, TaskSpec{Name: "t"})
	task := taskByName(t, wf, "t")

	files := []string{"internal/api/server.go", "internal/api/server_test.go"}
	cp, err := svc.Checkpoints.Add(ctx, task.ID, core.CheckpointProgress,
		"wired the handler", "details here", files)
	require.NoError(t, err)
	assert.Equal(t, files, cp.Files)
	assert.Equal(t, "details here", cp.Detail)
}
