package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/store"
)

func TestAgentRegister(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	agent, err := svc.Agents.Register(ctx, RegisterInput{
		Name:         "builder",
		Runtime:      core.RuntimeClaudeCode,
		Capabilities: []string{"go", "sql"},
	})
	require.NoError(t, err)
	assert.True(t, core.HasPrefix(agent.ID, core.PrefixAgent))
	assert.Equal(t, core.AgentOnline, agent.Status)
	assert.Equal(t, core.RoleWorker, agent.Role)
	assert.Equal(t, []string{"go", "sql"}, agent.Capabilities)

	// A fixed id is honoured; the spawner uses this for the human inbox.
	human, err := svc.Agents.Register(ctx, RegisterInput{
		ID: "human", Name: "Operator", Runtime: core.RuntimeHuman,
	})
	require.NoError(t, err)
	assert.Equal(t, "human", human.ID)

	_, err = svc.Agents.Register(ctx, RegisterInput{Name: "x", Runtime: "perl"})
	requireCode(t, err, core.CodeInvalidInput)
}

func TestAgentHeartbeatAndList(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	agent := registerAgent(t, svc, "worker")
	before := agent.LastHeartbeat

	refreshed, err := svc.Agents.Heartbeat(ctx, agent.ID, core.AgentBusy)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, refreshed.LastHeartbeat, before)
	assert.Equal(t, core.AgentBusy, refreshed.Status)

	busy, err := svc.Agents.List(ctx, AgentFilter{Status: core.AgentBusy})
	require.NoError(t, err)
	require.Len(t, busy, 1)

	_, err = svc.Agents.Heartbeat(ctx, "ag_missing", "")
	requireCode(t, err, core.CodeAgentNotFound)
}

func TestAgentUnregisterReleasesClaims(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc, TaskSpec{Name: "held"})
	task := taskByName(t, wf, "held")
	agent := registerAgent(t, svc, "worker")

	res, err := svc.Tasks.Claim(ctx, task.ID, agent.ID)
	require.NoError(t, err)
	require.True(t, res.Success)

	require.NoError(t, svc.Agents.Unregister(ctx, agent.ID))

	released, err := svc.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusPending, released.Status)
	assert.Empty(t, released.AssignedAgentID)

	gone, err := svc.Agents.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, core.AgentOffline, gone.Status)
}

func TestAgentGetStale(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	stale := registerAgent(t, svc, "stale")
	registerAgent(t, svc, "fresh")

	// Age the first agent's heartbeat well past any reasonable cutoff.
	_, err := svc.Store.DB().ExecContext(ctx,
		"UPDATE agents SET last_heartbeat = ? WHERE id = ?", store.Now()-600_000, stale.ID)
	require.NoError(t, err)

	got, err := svc.Agents.GetStale(ctx, store.Now()-300_000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)
}

func TestWorkspaceLifecycle(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svc, TaskSpec{Name: "t"})

	ws, err := svc.Workspaces.Create(ctx, CreateWorkspaceInput{
		WorkflowID: wf.ID,
		Path:       "/tmp/worktrees/caw-t",
		Branch:     "caw/t",
	})
	require.NoError(t, err)
	assert.Equal(t, "main", ws.BaseBranch)
	assert.Equal(t, core.WorkspaceActive, ws.Status)

	_, err = svc.Workspaces.Create(ctx, CreateWorkspaceInput{WorkflowID: wf.ID})
	requireCode(t, err, core.CodeMissingPath)

	ws, err = svc.Workspaces.Update(ctx, ws.ID, WorkspaceUpdate{
		PRURL: "https://github.com/acme/api/pull/42",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/api/pull/42", ws.PRURL)

	// Merging without a commit hash is rejected.
	_, err = svc.Workspaces.Update(ctx, ws.ID, WorkspaceUpdate{Status: core.WorkspaceMerged})
	requireCode(t, err, core.CodeMissingMergeCommit)

	ws, err = svc.Workspaces.Update(ctx, ws.ID, WorkspaceUpdate{
		Status: core.WorkspaceMerged, MergeCommit: "deadbeef",
	})
	require.NoError(t, err)
	assert.Equal(t, core.WorkspaceMerged, ws.Status)

	active, err := svc.Workspaces.List(ctx, WorkspaceFilter{Status: core.WorkspaceActive})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRepositoryRegisterIdempotent(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	first, err := svc.Repositories.Register(ctx, "/srv/repos/api/", "")
	require.NoError(t, err)
	assert.Equal(t, "/srv/repos/api", first.Path, "path is cleaned")

	again, err := svc.Repositories.Register(ctx, "/srv/repos/api", "api-service")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	_, err = svc.Repositories.Register(ctx, "", "")
	requireCode(t, err, core.CodeMissingRepoPath)

	byPath, err := svc.Repositories.GetByPath(ctx, "/srv/repos/api")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byPath.ID)
}
