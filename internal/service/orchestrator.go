package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/store"
)

// Orchestrator answers the DAG scheduling queries the spawner drives:
// which tasks can run next and how far along a workflow is.
type Orchestrator struct {
	st  *store.Store
	log *logging.Logger
}

// NextTasks is the result of GetNextTasks. AllComplete is set when no
// non-terminal task remains in the workflow.
type NextTasks struct {
	Tasks       []*core.Task `json:"tasks"`
	AllComplete bool         `json:"all_complete"`
}

// GetNextTasks returns unassigned, unblocked tasks eligible to run:
// status pending or blocked, plus failed when includeFailed is set.
// Members of the same parallel_group are returned together, groups and
// loose tasks ordered by their first member's sequence.
func (o *Orchestrator) GetNextTasks(ctx context.Context, workflowID string, includeFailed bool) (*NextTasks, error) {
	var wfExists int
	if err := o.st.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM workflows WHERE id = ?", workflowID).Scan(&wfExists); err != nil {
		return nil, fmt.Errorf("checking workflow: %w", err)
	}
	if wfExists == 0 {
		return nil, core.ErrNotFound(core.CodeWorkflowNotFound, "workflow", workflowID)
	}

	statuses := "'pending', 'blocked'"
	if includeFailed {
		statuses += ", 'failed'"
	}
	rows, err := o.st.DB().QueryContext(ctx, taskSelect+`
		WHERE t.workflow_id = ? AND t.assigned_agent_id IS NULL
		  AND t.status IN (`+statuses+`)
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks dep ON dep.id = d.depends_on_id
			WHERE d.task_id = t.id AND dep.status NOT IN ('completed', 'skipped')
		  )
		ORDER BY t.sequence
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("listing next tasks: %w", err)
	}
	defer rows.Close()

	var eligible []*core.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		eligible = append(eligible, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var remaining int
	err = o.st.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE workflow_id = ? AND status NOT IN ('completed', 'skipped')
	`, workflowID).Scan(&remaining)
	if err != nil {
		return nil, fmt.Errorf("counting remaining tasks: %w", err)
	}

	return &NextTasks{Tasks: groupBySiblings(eligible), AllComplete: remaining == 0}, nil
}

// groupBySiblings reorders tasks so members of the same parallel_group
// are adjacent, keeping groups in first-member sequence order.
func groupBySiblings(tasks []*core.Task) []*core.Task {
	if len(tasks) < 2 {
		return tasks
	}
	firstSeq := make(map[string]int)
	for _, t := range tasks {
		if t.ParallelGroup == "" {
			continue
		}
		if _, ok := firstSeq[t.ParallelGroup]; !ok {
			firstSeq[t.ParallelGroup] = t.Sequence
		}
	}
	out := make([]*core.Task, len(tasks))
	copy(out, tasks)
	sort.SliceStable(out, func(i, j int) bool {
		return groupKey(out[i], firstSeq) < groupKey(out[j], firstSeq)
	})
	return out
}

func groupKey(t *core.Task, firstSeq map[string]int) int {
	if t.ParallelGroup != "" {
		return firstSeq[t.ParallelGroup]
	}
	return t.Sequence
}

// Progress is the result of GetProgress.
type Progress struct {
	TotalTasks         int            `json:"total_tasks"`
	ByStatus           map[string]int `json:"by_status"`
	EstimatedRemaining int            `json:"estimated_remaining"`
}

// GetProgress aggregates a workflow's task counts by status. Remaining
// is total minus the terminal (completed or skipped) tasks.
func (o *Orchestrator) GetProgress(ctx context.Context, workflowID string) (*Progress, error) {
	var wfExists int
	if err := o.st.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM workflows WHERE id = ?", workflowID).Scan(&wfExists); err != nil {
		return nil, fmt.Errorf("checking workflow: %w", err)
	}
	if wfExists == 0 {
		return nil, core.ErrNotFound(core.CodeWorkflowNotFound, "workflow", workflowID)
	}

	rows, err := o.st.DB().QueryContext(ctx,
		"SELECT status, COUNT(*) FROM tasks WHERE workflow_id = ? GROUP BY status", workflowID)
	if err != nil {
		return nil, fmt.Errorf("aggregating progress: %w", err)
	}
	defer rows.Close()

	p := &Progress{ByStatus: make(map[string]int)}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		p.ByStatus[status] = n
		p.TotalTasks += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	p.EstimatedRemaining = p.TotalTasks - p.ByStatus[string(core.TaskStatusCompleted)] - p.ByStatus[string(core.TaskStatusSkipped)]
	return p, nil
}
