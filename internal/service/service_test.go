package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/store"
)

func newTestServices(t *testing.T) *Services {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, logging.NewNop())
}

// plannedWorkflow creates a ready workflow with the given task specs.
func plannedWorkflow(t *testing.T, svc *Services, specs ...TaskSpec) *core.Workflow {
	t.Helper()
	ctx := context.Background()
	wf, err := svc.Workflows.Create(ctx, CreateWorkflowParams{
		Name:   "test workflow",
		Source: core.WorkflowSourcePrompt,
	})
	require.NoError(t, err)
	wf, err = svc.Workflows.SetPlan(ctx, wf.ID, "test plan", specs)
	require.NoError(t, err)
	return wf
}

// taskByName finds a task of wf by name.
func taskByName(t *testing.T, wf *core.Workflow, name string) *core.Task {
	t.Helper()
	for _, task := range wf.Tasks {
		if task.Name == name {
			return task
		}
	}
	t.Fatalf("no task named %q in workflow %s", name, wf.ID)
	return nil
}

func registerAgent(t *testing.T, svc *Services, name string) *core.Agent {
	t.Helper()
	agent, err := svc.Agents.Register(context.Background(), RegisterInput{
		Name:    name,
		Runtime: core.RuntimeClaudeCode,
	})
	require.NoError(t, err)
	return agent
}

// requireCode asserts err carries the given tool-error code.
func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, core.CodeOf(err), "unexpected error code for: %v", err)
}
