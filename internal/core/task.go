package core

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusPlanning   TaskStatus = "planning"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusPaused     TaskStatus = "paused"
	TaskStatusSkipped    TaskStatus = "skipped"
)

// Task is a node in the workflow DAG.
type Task struct {
	ID              string     `json:"id"`
	WorkflowID      string     `json:"workflow_id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Status          TaskStatus `json:"status"`
	Sequence        int        `json:"sequence"`
	ParallelGroup   string     `json:"parallel_group,omitempty"`
	Plan            string     `json:"plan,omitempty"`
	Context         string     `json:"context,omitempty"`
	Outcome         string     `json:"outcome,omitempty"`
	Error           string     `json:"error,omitempty"`
	WorkspaceID     string     `json:"workspace_id,omitempty"`
	RepositoryID    string     `json:"repository_id,omitempty"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`
	ClaimedAt       int64      `json:"claimed_at,omitempty"`
	ContextFrom     string     `json:"context_from,omitempty"`
	DependsOn       []string   `json:"depends_on,omitempty"` // task ids
	CreatedAt       int64      `json:"created_at"`
	UpdatedAt       int64      `json:"updated_at"`
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusBlocked, TaskStatusPlanning, TaskStatusInProgress, TaskStatusSkipped, TaskStatusFailed},
	TaskStatusBlocked:    {TaskStatusPending, TaskStatusPlanning, TaskStatusInProgress, TaskStatusSkipped, TaskStatusFailed},
	TaskStatusPlanning:   {TaskStatusInProgress, TaskStatusFailed, TaskStatusPaused},
	TaskStatusInProgress: {TaskStatusCompleted, TaskStatusFailed, TaskStatusPaused, TaskStatusSkipped},
	TaskStatusFailed:     {TaskStatusInProgress, TaskStatusSkipped},
	TaskStatusPaused:     {TaskStatusInProgress, TaskStatusFailed, TaskStatusSkipped},
}

// ValidTaskStatus reports whether s names a known task status.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusPending, TaskStatusBlocked, TaskStatusPlanning,
		TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed,
		TaskStatusPaused, TaskStatusSkipped:
		return true
	}
	return false
}

// IsTerminalTaskStatus reports whether the status counts as done for
// dependency resolution. Failed and paused are not terminal: they may
// re-enter in_progress.
func IsTerminalTaskStatus(s TaskStatus) bool {
	return s == TaskStatusCompleted || s == TaskStatusSkipped
}

// IsSettledTaskStatus reports whether the task has stopped executing,
// terminally or not.
func IsSettledTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusPaused, TaskStatusSkipped:
		return true
	}
	return false
}

// CanTransitionTask reports whether from → to is a legal task transition.
func CanTransitionTask(from, to TaskStatus) bool {
	if from == to {
		return false
	}
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsRemovable reports whether the task may be deleted during a replan:
// pending, blocked, or planning without an assigned agent.
func (t *Task) IsRemovable() bool {
	switch t.Status {
	case TaskStatusPending, TaskStatusBlocked:
		return true
	case TaskStatusPlanning:
		return t.AssignedAgentID == ""
	}
	return false
}

// IsClaimable reports whether the task is in a state where an agent may
// claim it.
func (t *Task) IsClaimable() bool {
	switch t.Status {
	case TaskStatusPending, TaskStatusBlocked, TaskStatusPlanning:
		return t.AssignedAgentID == ""
	}
	return false
}
