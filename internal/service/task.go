package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/store"
)

// TaskService exposes CRUD-plus-domain operations over tasks, including
// the claim/release protocol.
type TaskService struct {
	st          *store.Store
	log         *logging.Logger
	checkpoints *CheckpointService
}

// Get loads a task with its dependency edges.
func (s *TaskService) Get(ctx context.Context, id string) (*core.Task, error) {
	row := s.st.DB().QueryRowContext(ctx, taskSelect+" WHERE t.id = ?", id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeTaskNotFound, "task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading task: %w", err)
	}
	task.DependsOn, err = s.dependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	return task, nil
}

const taskSelect = `
	SELECT t.id, t.workflow_id, t.name, t.description, t.status, t.sequence,
	       t.parallel_group, t.plan, t.context, t.outcome, t.error,
	       t.workspace_id, t.repository_id, t.assigned_agent_id, t.claimed_at,
	       t.context_from, t.created_at, t.updated_at
	FROM tasks t`

func (s *TaskService) dependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.st.DB().QueryContext(ctx,
		"SELECT depends_on_id FROM task_dependencies WHERE task_id = ?", taskID)
	if err != nil {
		return nil, fmt.Errorf("loading dependencies: %w", err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// listByWorkflow returns all tasks of a workflow in sequence order,
// dependency edges included.
func (s *TaskService) listByWorkflow(ctx context.Context, workflowID string) ([]*core.Task, error) {
	rows, err := s.st.DB().QueryContext(ctx,
		taskSelect+" WHERE t.workflow_id = ? ORDER BY t.sequence", workflowID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*core.Task
	byID := make(map[string]*core.Task)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
		byID[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	depRows, err := s.st.DB().QueryContext(ctx, `
		SELECT d.task_id, d.depends_on_id
		FROM task_dependencies d
		JOIN tasks t ON t.id = d.task_id
		WHERE t.workflow_id = ?
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("loading dependency edges: %w", err)
	}
	defer depRows.Close()

	for depRows.Next() {
		var from, to string
		if err := depRows.Scan(&from, &to); err != nil {
			return nil, err
		}
		if t, ok := byID[from]; ok {
			t.DependsOn = append(t.DependsOn, to)
		}
	}
	return tasks, depRows.Err()
}

// StatusUpdate carries the optional fields of UpdateStatus.
type StatusUpdate struct {
	Outcome string
	Error   string
}

// UpdateStatus transitions a task, enforcing the task state machine and
// its guards. Assignment is cleared whenever the new status leaves
// {planning, in_progress}.
func (s *TaskService) UpdateStatus(ctx context.Context, id string, status core.TaskStatus, upd StatusUpdate) (*core.Task, error) {
	if !core.ValidTaskStatus(status) {
		return nil, core.ErrInvalidInput(fmt.Sprintf("unknown task status: %s", status))
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !core.CanTransitionTask(task.Status, status) {
		return nil, core.ErrInvalidTransition("task", string(task.Status), string(status))
	}

	switch status {
	case core.TaskStatusPlanning, core.TaskStatusInProgress:
		if task.Status == core.TaskStatusPending || task.Status == core.TaskStatusBlocked {
			ready, unmet, err := s.dependencyState(ctx, task)
			if err != nil {
				return nil, err
			}
			if !ready {
				return nil, core.NewToolError(core.CodeTaskBlocked,
					fmt.Sprintf("task has unmet dependencies: %s", strings.Join(unmet, ", ")), true)
			}
		}
	case core.TaskStatusCompleted:
		if strings.TrimSpace(upd.Outcome) == "" {
			return nil, core.NewToolError(core.CodeMissingOutcome,
				"completing a task requires a non-empty outcome", true)
		}
	case core.TaskStatusFailed:
		if strings.TrimSpace(upd.Error) == "" {
			return nil, core.NewToolError(core.CodeMissingError,
				"failing a task requires a non-empty error", true)
		}
	}

	now := store.Now()
	keepAssignment := status == core.TaskStatusPlanning || status == core.TaskStatusInProgress

	err = s.st.WithTx(ctx, func(tx *sql.Tx) error {
		q := "UPDATE tasks SET status = ?, updated_at = ?"
		args := []any{status, now}
		if upd.Outcome != "" {
			q += ", outcome = ?"
			args = append(args, upd.Outcome)
		}
		if upd.Error != "" {
			q += ", error = ?"
			args = append(args, upd.Error)
		}
		if !keepAssignment {
			q += ", assigned_agent_id = NULL, claimed_at = NULL"
		}
		q += " WHERE id = ?"
		args = append(args, id)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("updating task status: %w", err)
		}

		switch status {
		case core.TaskStatusCompleted:
			if err := s.checkpoints.addTx(ctx, tx, id, core.CheckpointComplete, upd.Outcome, "", nil); err != nil {
				return err
			}
		case core.TaskStatusFailed:
			if err := s.checkpoints.addTx(ctx, tx, id, core.CheckpointError, upd.Error, "", nil); err != nil {
				return err
			}
		}

		// Terminal transitions may unblock dependents.
		if core.IsTerminalTaskStatus(status) {
			if err := s.unblockDependentsTx(ctx, tx, task.WorkflowID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("task status changed",
		"task_id", id, "workflow_id", task.WorkflowID, "from", task.Status, "to", status)
	return s.Get(ctx, id)
}

// unblockDependentsTx flips blocked tasks whose dependencies are all
// terminal back to pending.
func (s *TaskService) unblockDependentsTx(ctx context.Context, tx *sql.Tx, workflowID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', updated_at = ?
		WHERE workflow_id = ? AND status = 'blocked' AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks dep ON dep.id = d.depends_on_id
			WHERE d.task_id = tasks.id AND dep.status NOT IN ('completed', 'skipped')
		)
	`, store.Now(), workflowID)
	if err != nil {
		return fmt.Errorf("unblocking dependents: %w", err)
	}
	return nil
}

// SetPlan stores the task's serialized plan blob.
func (s *TaskService) SetPlan(ctx context.Context, id, plan string) (*core.Task, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	_, err := s.st.DB().ExecContext(ctx,
		"UPDATE tasks SET plan = ?, updated_at = ? WHERE id = ?",
		store.NullString(plan), store.Now(), id)
	if err != nil {
		return nil, fmt.Errorf("setting task plan: %w", err)
	}
	return s.Get(ctx, id)
}

// SetContext stores the task's serialized context blob.
func (s *TaskService) SetContext(ctx context.Context, id, context string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	_, err := s.st.DB().ExecContext(ctx,
		"UPDATE tasks SET context = ?, updated_at = ? WHERE id = ?",
		store.NullString(context), store.Now(), id)
	if err != nil {
		return fmt.Errorf("setting task context: %w", err)
	}
	return nil
}

// ClaimResult reports the outcome of a claim attempt. A lost race is not
// an error: Success is false and AlreadyClaimedBy names the holder.
type ClaimResult struct {
	Success          bool   `json:"success"`
	AlreadyClaimedBy string `json:"already_claimed_by,omitempty"`
	Task             *core.Task `json:"task,omitempty"`
}

// Claim atomically assigns a task to an agent. At most one agent
// succeeds: the claim is a single conditional update and the driver's
// rows-affected count decides the winner.
func (s *TaskService) Claim(ctx context.Context, taskID, agentID string) (*ClaimResult, error) {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var agentExists int
	if err := s.st.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM agents WHERE id = ?", agentID).Scan(&agentExists); err != nil {
		return nil, fmt.Errorf("checking agent: %w", err)
	}
	if agentExists == 0 {
		return nil, core.ErrNotFound(core.CodeAgentNotFound, "agent", agentID)
	}

	if task.Status == core.TaskStatusPending || task.Status == core.TaskStatusBlocked {
		ready, unmet, err := s.dependencyState(ctx, task)
		if err != nil {
			return nil, err
		}
		if !ready {
			return nil, core.NewToolError(core.CodeTaskBlocked,
				fmt.Sprintf("task has unmet dependencies: %s", strings.Join(unmet, ", ")), true)
		}
	}

	now := store.Now()
	res, err := s.st.DB().ExecContext(ctx, `
		UPDATE tasks
		SET assigned_agent_id = ?, claimed_at = ?, updated_at = ?,
		    status = CASE WHEN status IN ('pending', 'blocked') THEN 'planning' ELSE status END
		WHERE id = ? AND assigned_agent_id IS NULL
		  AND status IN ('pending', 'blocked', 'planning')
	`, agentID, now, now, taskID)
	if err != nil {
		return nil, fmt.Errorf("claiming task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reading rows affected: %w", err)
	}

	if affected == 0 {
		// Lost the race or the task moved on. Re-read to report the holder.
		current, err := s.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if current.AssignedAgentID != "" && current.AssignedAgentID != agentID {
			return &ClaimResult{Success: false, AlreadyClaimedBy: current.AssignedAgentID}, nil
		}
		return nil, core.NewToolError(core.CodeInvalidState,
			fmt.Sprintf("task is %s and cannot be claimed", current.Status), false)
	}

	_, err = s.st.DB().ExecContext(ctx,
		"UPDATE agents SET status = ?, current_task_id = ?, updated_at = ? WHERE id = ?",
		core.AgentBusy, taskID, now, agentID)
	if err != nil {
		return nil, fmt.Errorf("updating claiming agent: %w", err)
	}

	claimed, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.log.Info("task claimed", "task_id", taskID, "agent_id", agentID)
	return &ClaimResult{Success: true, Task: claimed}, nil
}

// Release gives up a claim. Releasing an unclaimed task is NOT_CLAIMED;
// releasing another agent's claim is NOT_ASSIGNED.
func (s *TaskService) Release(ctx context.Context, taskID, agentID string) (*core.Task, error) {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AssignedAgentID == "" {
		return nil, core.NewToolError(core.CodeNotClaimed,
			fmt.Sprintf("task %s is not claimed", taskID), true)
	}
	if task.AssignedAgentID != agentID {
		return nil, core.NewToolError(core.CodeNotAssigned,
			fmt.Sprintf("task %s is assigned to %s", taskID, task.AssignedAgentID), false)
	}

	now := store.Now()
	res, err := s.st.DB().ExecContext(ctx, `
		UPDATE tasks
		SET assigned_agent_id = NULL, claimed_at = NULL, updated_at = ?,
		    status = CASE WHEN status IN ('planning', 'in_progress') THEN 'pending' ELSE status END
		WHERE id = ? AND assigned_agent_id = ?
	`, now, taskID, agentID)
	if err != nil {
		return nil, fmt.Errorf("releasing task: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, core.NewToolError(core.CodeNotAssigned,
			fmt.Sprintf("task %s is no longer assigned to %s", taskID, agentID), false)
	}

	_, err = s.st.DB().ExecContext(ctx, `
		UPDATE agents SET status = ?, current_task_id = NULL, updated_at = ?
		WHERE id = ? AND current_task_id = ?
	`, core.AgentOnline, now, agentID, taskID)
	if err != nil {
		return nil, fmt.Errorf("updating releasing agent: %w", err)
	}

	s.log.Info("task released", "task_id", taskID, "agent_id", agentID)
	return s.Get(ctx, taskID)
}

// Replan updates a task's plan mid-flight. Accepted only while the task
// is failed or in_progress; a failed task re-enters in_progress.
func (s *TaskService) Replan(ctx context.Context, id, plan, reason string) (*core.Task, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != core.TaskStatusFailed && task.Status != core.TaskStatusInProgress {
		return nil, core.NewToolError(core.CodeInvalidState,
			fmt.Sprintf("task replan requires failed or in_progress status, task is %s", task.Status), false)
	}

	now := store.Now()
	err = s.st.WithTx(ctx, func(tx *sql.Tx) error {
		q := "UPDATE tasks SET plan = ?, updated_at = ?"
		args := []any{store.NullString(plan), now}
		if task.Status == core.TaskStatusFailed {
			q += ", status = 'in_progress', error = NULL"
		}
		q += " WHERE id = ?"
		args = append(args, id)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("replanning task: %w", err)
		}
		return s.checkpoints.addTx(ctx, tx, id, core.CheckpointReplan,
			"Task replanned: "+reason, plan, nil)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// PrepareRetry resets an unassigned failed task so the claim predicate
// accepts it again. Scheduler-internal; the public retry edge is
// failed → in_progress.
func (s *TaskService) PrepareRetry(ctx context.Context, id string) (*core.Task, error) {
	res, err := s.st.DB().ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', updated_at = ?
		WHERE id = ? AND status = 'failed' AND assigned_agent_id IS NULL
	`, store.Now(), id)
	if err != nil {
		return nil, fmt.Errorf("preparing task retry: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, core.NewToolError(core.CodeInvalidState,
			fmt.Sprintf("task is %s and cannot be retried", task.Status), false)
	}
	return s.Get(ctx, id)
}

// ResumeFromPause puts a paused task back into the claimable set,
// clearing any previous assignment. Scheduler-internal; the public
// resume edge is paused → in_progress.
func (s *TaskService) ResumeFromPause(ctx context.Context, id string) (*core.Task, error) {
	res, err := s.st.DB().ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending', assigned_agent_id = NULL, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'paused'
	`, store.Now(), id)
	if err != nil {
		return nil, fmt.Errorf("resuming task: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, core.NewToolError(core.CodeInvalidState,
			fmt.Sprintf("task is %s, not paused", task.Status), false)
	}
	return s.Get(ctx, id)
}

// dependencyState reports whether all of a task's dependencies are
// terminal, and the names of those that are not.
func (s *TaskService) dependencyState(ctx context.Context, task *core.Task) (bool, []string, error) {
	rows, err := s.st.DB().QueryContext(ctx, `
		SELECT dep.name, dep.status
		FROM task_dependencies d
		JOIN tasks dep ON dep.id = d.depends_on_id
		WHERE d.task_id = ?
	`, task.ID)
	if err != nil {
		return false, nil, fmt.Errorf("checking dependencies: %w", err)
	}
	defer rows.Close()

	var unmet []string
	for rows.Next() {
		var name string
		var status core.TaskStatus
		if err := rows.Scan(&name, &status); err != nil {
			return false, nil, err
		}
		if !core.IsTerminalTaskStatus(status) {
			unmet = append(unmet, name)
		}
	}
	if err := rows.Err(); err != nil {
		return false, nil, err
	}
	return len(unmet) == 0, unmet, nil
}

// DependencyCheck is the result of CheckDependencies.
type DependencyCheck struct {
	Ready bool     `json:"ready"`
	Unmet []string `json:"unmet,omitempty"`
}

// CheckDependencies reports whether a task is unblocked.
func (s *TaskService) CheckDependencies(ctx context.Context, id string) (*DependencyCheck, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ready, unmet, err := s.dependencyState(ctx, task)
	if err != nil {
		return nil, err
	}
	return &DependencyCheck{Ready: ready, Unmet: unmet}, nil
}

// GetAvailable returns up to limit claimable, unblocked tasks of a
// workflow in sequence order.
func (s *TaskService) GetAvailable(ctx context.Context, workflowID string, limit int) ([]*core.Task, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.st.DB().QueryContext(ctx, taskSelect+`
		WHERE t.workflow_id = ? AND t.assigned_agent_id IS NULL
		  AND t.status IN ('pending', 'blocked')
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks dep ON dep.id = d.depends_on_id
			WHERE d.task_id = t.id AND dep.status NOT IN ('completed', 'skipped')
		  )
		ORDER BY t.sequence
		LIMIT ?
	`, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing available tasks: %w", err)
	}
	defer rows.Close()

	var out []*core.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TaskContext is the result of LoadContext: the task's own context blob
// plus the outcomes of its dependencies and the optional context_from
// pointer target.
type TaskContext struct {
	TaskID             string            `json:"task_id"`
	Context            string            `json:"context,omitempty"`
	ContextFrom        string            `json:"context_from,omitempty"`
	InheritedContext   string            `json:"inherited_context,omitempty"`
	DependencyOutcomes map[string]string `json:"dependency_outcomes,omitempty"`
}

// LoadContext assembles the execution context handed to an agent.
func (s *TaskService) LoadContext(ctx context.Context, id string) (*TaskContext, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tc := &TaskContext{TaskID: id, Context: task.Context, ContextFrom: task.ContextFrom}

	if task.ContextFrom != "" {
		src, err := s.Get(ctx, task.ContextFrom)
		if err == nil {
			tc.InheritedContext = src.Context
			if tc.InheritedContext == "" {
				tc.InheritedContext = src.Outcome
			}
		}
	}

	rows, err := s.st.DB().QueryContext(ctx, `
		SELECT dep.name, dep.outcome
		FROM task_dependencies d
		JOIN tasks dep ON dep.id = d.depends_on_id
		WHERE d.task_id = ? AND dep.outcome IS NOT NULL
	`, id)
	if err != nil {
		return nil, fmt.Errorf("loading dependency outcomes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, outcome string
		if err := rows.Scan(&name, &outcome); err != nil {
			return nil, err
		}
		if tc.DependencyOutcomes == nil {
			tc.DependencyOutcomes = make(map[string]string)
		}
		tc.DependencyOutcomes[name] = outcome
	}
	return tc, rows.Err()
}

// AssignWorkspace binds a task to a workspace in the same workflow.
func (s *TaskService) AssignWorkspace(ctx context.Context, taskID, workspaceID string) (*core.Task, error) {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var wsWorkflow string
	err = s.st.DB().QueryRowContext(ctx,
		"SELECT workflow_id FROM workspaces WHERE id = ?", workspaceID).Scan(&wsWorkflow)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeWorkspaceNotFound, "workspace", workspaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workspace: %w", err)
	}
	if wsWorkflow != task.WorkflowID {
		return nil, core.NewToolError(core.CodeWorkflowMismatch,
			fmt.Sprintf("workspace %s belongs to workflow %s", workspaceID, wsWorkflow), false)
	}

	_, err = s.st.DB().ExecContext(ctx,
		"UPDATE tasks SET workspace_id = ?, updated_at = ? WHERE id = ?",
		workspaceID, store.Now(), taskID)
	if err != nil {
		return nil, fmt.Errorf("assigning workspace: %w", err)
	}
	return s.Get(ctx, taskID)
}

func scanTask(row rowScanner) (*core.Task, error) {
	var t core.Task
	var desc, group, plan, taskCtx, outcome, taskErr sql.NullString
	var wsID, repoID, agentID, ctxFrom sql.NullString
	var claimedAt sql.NullInt64
	err := row.Scan(
		&t.ID, &t.WorkflowID, &t.Name, &desc, &t.Status, &t.Sequence,
		&group, &plan, &taskCtx, &outcome, &taskErr,
		&wsID, &repoID, &agentID, &claimedAt,
		&ctxFrom, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Description = stringOr(desc)
	t.ParallelGroup = stringOr(group)
	t.Plan = stringOr(plan)
	t.Context = stringOr(taskCtx)
	t.Outcome = stringOr(outcome)
	t.Error = stringOr(taskErr)
	t.WorkspaceID = stringOr(wsID)
	t.RepositoryID = stringOr(repoID)
	t.AssignedAgentID = stringOr(agentID)
	t.ClaimedAt = int64Or(claimedAt)
	t.ContextFrom = stringOr(ctxFrom)
	return &t, nil
}
