// Package core holds the domain model of the workflow engine: entity
// types, status enumerations, state machine rules and the structured
// error taxonomy shared by every layer above the store.
package core

// WorkflowStatus represents the current state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPlanning      WorkflowStatus = "planning"
	WorkflowStatusReady         WorkflowStatus = "ready"
	WorkflowStatusInProgress    WorkflowStatus = "in_progress"
	WorkflowStatusPaused        WorkflowStatus = "paused"
	WorkflowStatusCompleted     WorkflowStatus = "completed"
	WorkflowStatusAwaitingMerge WorkflowStatus = "awaiting_merge"
	WorkflowStatusFailed        WorkflowStatus = "failed"
	WorkflowStatusCancelled     WorkflowStatus = "cancelled"
)

// WorkflowSource identifies where a workflow was submitted from.
type WorkflowSource string

const (
	WorkflowSourcePrompt      WorkflowSource = "prompt"
	WorkflowSourceGithubIssue WorkflowSource = "github_issue"
	WorkflowSourceLinear      WorkflowSource = "linear"
	WorkflowSourceJira        WorkflowSource = "jira"
	WorkflowSourceCustom      WorkflowSource = "custom"
)

// ValidWorkflowSource reports whether s is a known source.
func ValidWorkflowSource(s WorkflowSource) bool {
	switch s {
	case WorkflowSourcePrompt, WorkflowSourceGithubIssue, WorkflowSourceLinear,
		WorkflowSourceJira, WorkflowSourceCustom:
		return true
	}
	return false
}

// Workflow is a unit of work owning an ordered set of tasks.
type Workflow struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Source               WorkflowSource `json:"source"`
	SourceReference      string         `json:"source_reference,omitempty"`
	SourceContent        string         `json:"source_content,omitempty"`
	Status               WorkflowStatus `json:"status"`
	PlanSummary          string         `json:"plan_summary,omitempty"`
	Config               string         `json:"config,omitempty"` // free-form JSON used by the spawner
	MaxParallelTasks     int            `json:"max_parallel_tasks"`
	AutoCreateWorkspaces bool           `json:"auto_create_workspaces"`
	CreatedAt            int64          `json:"created_at"`
	UpdatedAt            int64          `json:"updated_at"`

	Tasks []*Task `json:"tasks,omitempty"`
}

// workflowTransitions is the allowed transition table. "failed" is
// reachable from any non-terminal state and handled separately.
var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowStatusPlanning:      {WorkflowStatusReady, WorkflowStatusCancelled},
	WorkflowStatusReady:         {WorkflowStatusInProgress, WorkflowStatusCancelled},
	WorkflowStatusInProgress:    {WorkflowStatusPaused, WorkflowStatusAwaitingMerge, WorkflowStatusCompleted, WorkflowStatusCancelled},
	WorkflowStatusPaused:        {WorkflowStatusInProgress, WorkflowStatusCancelled},
	WorkflowStatusAwaitingMerge: {WorkflowStatusCompleted},
}

// IsTerminalWorkflowStatus reports whether the status admits no further
// transitions except the blanket failed edge.
func IsTerminalWorkflowStatus(s WorkflowStatus) bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

// ValidWorkflowStatus reports whether s names a known workflow status.
func ValidWorkflowStatus(s WorkflowStatus) bool {
	switch s {
	case WorkflowStatusPlanning, WorkflowStatusReady, WorkflowStatusInProgress,
		WorkflowStatusPaused, WorkflowStatusCompleted, WorkflowStatusAwaitingMerge,
		WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

// CanTransitionWorkflow reports whether from → to is a legal workflow
// transition. Any non-terminal state may fail.
func CanTransitionWorkflow(from, to WorkflowStatus) bool {
	if from == to {
		return false
	}
	if to == WorkflowStatusFailed {
		return !IsTerminalWorkflowStatus(from)
	}
	for _, next := range workflowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
