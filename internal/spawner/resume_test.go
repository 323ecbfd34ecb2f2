package spawner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/service"
)

// interruptedWorkflow stages the rows a dead daemon leaves behind: an
// in_progress workflow, optionally with a persisted spawner config.
func (h *harness) interruptedWorkflow(t *testing.T, name, cfg string) *core.Workflow {
	t.Helper()
	ctx := context.Background()
	wf := h.plannedWorkflow(t, service.TaskSpec{Name: name})
	_, err := h.svc.Workflows.UpdateStatus(ctx, wf.ID, core.WorkflowStatusInProgress, "")
	require.NoError(t, err)
	if cfg != "" {
		require.NoError(t, h.svc.Workflows.SetConfig(ctx, wf.ID, cfg))
	}
	return wf
}

func TestResumeWorkflowsReattachesInProgress(t *testing.T) {
	h := newHarness(t)
	h.runner.setBehavior(completeBehavior)
	ctx := context.Background()

	blob, err := json.Marshal(PoolConfig{MaxAgents: 1, AgentBinary: "mock-agent"})
	require.NoError(t, err)

	alpha := h.interruptedWorkflow(t, "alpha", string(blob))
	beta := h.interruptedWorkflow(t, "beta", string(blob))
	bare := h.interruptedWorkflow(t, "bare", "")
	garbled := h.interruptedWorkflow(t, "garbled", "{not json")

	reg := NewRegistry(h.svc, h.runner, nil)
	t.Cleanup(reg.ShutdownAll)

	report, err := reg.ResumeWorkflows(ctx)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{alpha.ID, beta.ID}, report.Resumed)
	assert.Equal(t, "no persisted spawner config", report.Skipped[bare.ID])
	assert.Equal(t, "unparseable spawner config", report.Skipped[garbled.ID])

	assert.True(t, reg.Has(alpha.ID))
	assert.True(t, reg.Has(beta.ID))
	assert.False(t, reg.Has(bare.ID))

	waitFor(t, func() bool {
		a, err := h.svc.Workflows.Get(ctx, alpha.ID, true)
		if err != nil {
			return false
		}
		b, err := h.svc.Workflows.Get(ctx, beta.ID, true)
		if err != nil {
			return false
		}
		return a.Tasks[0].Status == core.TaskStatusCompleted &&
			b.Tasks[0].Status == core.TaskStatusCompleted
	}, "resumed workflows pick their pending tasks back up")

	// A second sweep must not attach twice.
	report, err = reg.ResumeWorkflows(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Resumed)
	assert.Equal(t, "spawner already registered", report.Skipped[alpha.ID])
}
