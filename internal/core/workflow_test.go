package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionWorkflow(t *testing.T) {
	allowed := [][2]WorkflowStatus{
		{WorkflowStatusPlanning, WorkflowStatusReady},
		{WorkflowStatusReady, WorkflowStatusInProgress},
		{WorkflowStatusInProgress, WorkflowStatusPaused},
		{WorkflowStatusInProgress, WorkflowStatusAwaitingMerge},
		{WorkflowStatusInProgress, WorkflowStatusCompleted},
		{WorkflowStatusPaused, WorkflowStatusInProgress},
		{WorkflowStatusAwaitingMerge, WorkflowStatusCompleted},
		{WorkflowStatusPlanning, WorkflowStatusCancelled},
	}
	for _, edge := range allowed {
		assert.True(t, CanTransitionWorkflow(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	denied := [][2]WorkflowStatus{
		{WorkflowStatusPlanning, WorkflowStatusInProgress}, // needs a plan first
		{WorkflowStatusReady, WorkflowStatusCompleted},
		{WorkflowStatusCompleted, WorkflowStatusInProgress},
		{WorkflowStatusCancelled, WorkflowStatusReady},
		{WorkflowStatusAwaitingMerge, WorkflowStatusInProgress},
	}
	for _, edge := range denied {
		assert.False(t, CanTransitionWorkflow(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	// Any non-terminal state may fail; terminal states may not.
	for _, s := range []WorkflowStatus{WorkflowStatusPlanning, WorkflowStatusReady,
		WorkflowStatusInProgress, WorkflowStatusPaused, WorkflowStatusAwaitingMerge} {
		assert.True(t, CanTransitionWorkflow(s, WorkflowStatusFailed), "%s -> failed", s)
	}
	for _, s := range []WorkflowStatus{WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled} {
		assert.False(t, CanTransitionWorkflow(s, WorkflowStatusFailed), "%s -> failed", s)
	}
}

func TestWorkflowStatusPredicates(t *testing.T) {
	assert.True(t, IsTerminalWorkflowStatus(WorkflowStatusCompleted))
	assert.True(t, IsTerminalWorkflowStatus(WorkflowStatusCancelled))
	assert.False(t, IsTerminalWorkflowStatus(WorkflowStatusAwaitingMerge))
	assert.False(t, IsTerminalWorkflowStatus(WorkflowStatusPaused))

	assert.True(t, ValidWorkflowStatus(WorkflowStatusAwaitingMerge))
	assert.False(t, ValidWorkflowStatus("done"))

	assert.True(t, ValidWorkflowSource(WorkflowSourceGithubIssue))
	assert.False(t, ValidWorkflowSource("gitlab"))
}
