package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/store"
)

// WorkflowService exposes CRUD-plus-domain operations over workflows.
type WorkflowService struct {
	st          *store.Store
	log         *logging.Logger
	tasks       *TaskService
	checkpoints *CheckpointService
}

// CreateWorkflowParams holds the inputs for Create.
type CreateWorkflowParams struct {
	Name                 string
	Source               core.WorkflowSource
	SourceReference      string
	SourceContent        string
	MaxParallelTasks     int
	AutoCreateWorkspaces bool
}

// TaskSpec describes one task of a plan. DependsOn names sibling tasks
// by name (or, for addTask, existing tasks by name or id).
type TaskSpec struct {
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	ParallelGroup string   `json:"parallel_group,omitempty"`
	DependsOn     []string `json:"depends_on,omitempty"`
	WorkspaceID   string   `json:"workspace_id,omitempty"`
	RepositoryID  string   `json:"repository_id,omitempty"`
	ContextFrom   string   `json:"context_from,omitempty"`
	Plan          string   `json:"plan,omitempty"`
}

// Create creates a workflow in planning status.
func (s *WorkflowService) Create(ctx context.Context, p CreateWorkflowParams) (*core.Workflow, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, core.ErrInvalidInput("workflow name is required")
	}
	if p.Source == "" {
		p.Source = core.WorkflowSourcePrompt
	}
	if !core.ValidWorkflowSource(p.Source) {
		return nil, core.ErrInvalidInput(fmt.Sprintf("unknown workflow source: %s", p.Source))
	}
	if p.MaxParallelTasks <= 0 {
		p.MaxParallelTasks = 1
	}

	wf := &core.Workflow{
		ID:                   core.NewID(core.PrefixWorkflow),
		Name:                 p.Name,
		Source:               p.Source,
		SourceReference:      p.SourceReference,
		SourceContent:        p.SourceContent,
		Status:               core.WorkflowStatusPlanning,
		MaxParallelTasks:     p.MaxParallelTasks,
		AutoCreateWorkspaces: p.AutoCreateWorkspaces,
		CreatedAt:            store.Now(),
		UpdatedAt:            store.Now(),
	}

	_, err := s.st.DB().ExecContext(ctx, `
		INSERT INTO workflows (
			id, name, source, source_reference, source_content, status,
			max_parallel_tasks, auto_create_workspaces, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		wf.ID, wf.Name, wf.Source, store.NullString(wf.SourceReference),
		store.NullString(wf.SourceContent), wf.Status,
		wf.MaxParallelTasks, boolInt(wf.AutoCreateWorkspaces), wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting workflow: %w", err)
	}

	s.log.Info("workflow created", "workflow_id", wf.ID, "name", wf.Name, "source", wf.Source)
	return wf, nil
}

// Get loads a workflow, optionally with its tasks.
func (s *WorkflowService) Get(ctx context.Context, id string, includeTasks bool) (*core.Workflow, error) {
	wf, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if includeTasks {
		wf.Tasks, err = s.tasks.listByWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	return wf, nil
}

func (s *WorkflowService) get(ctx context.Context, id string) (*core.Workflow, error) {
	row := s.st.DB().QueryRowContext(ctx, `
		SELECT id, name, source, source_reference, source_content, status,
		       plan_summary, config, max_parallel_tasks, auto_create_workspaces,
		       created_at, updated_at
		FROM workflows WHERE id = ?
	`, id)

	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeWorkflowNotFound, "workflow", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflowsFilter narrows List results.
type ListWorkflowsFilter struct {
	Status core.WorkflowStatus
	Source core.WorkflowSource
	Limit  int
}

// List returns workflows matching the filter, most recently updated first.
func (s *WorkflowService) List(ctx context.Context, f ListWorkflowsFilter) ([]*core.Workflow, error) {
	q := `
		SELECT id, name, source, source_reference, source_content, status,
		       plan_summary, config, max_parallel_tasks, auto_create_workspaces,
		       created_at, updated_at
		FROM workflows`
	var conds []string
	var args []any
	if f.Status != "" {
		if !core.ValidWorkflowStatus(f.Status) {
			return nil, core.ErrInvalidInput(fmt.Sprintf("unknown workflow status: %s", f.Status))
		}
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Source != "" {
		if !core.ValidWorkflowSource(f.Source) {
			return nil, core.ErrInvalidInput(fmt.Sprintf("unknown workflow source: %s", f.Source))
		}
		conds = append(conds, "source = ?")
		args = append(args, f.Source)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY updated_at DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.st.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	defer rows.Close()

	var out []*core.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// SetPlan attaches a task plan to a workflow in planning status and
// moves it to ready.
func (s *WorkflowService) SetPlan(ctx context.Context, id, summary string, specs []TaskSpec) (*core.Workflow, error) {
	wf, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Status != core.WorkflowStatusPlanning {
		return nil, core.NewToolError(core.CodeInvalidState,
			fmt.Sprintf("plan can only be set while planning, workflow is %s", wf.Status), false)
	}
	if len(specs) == 0 {
		return nil, core.ErrInvalidInput("plan must contain at least one task")
	}
	if err := validateSpecs(specs, nil); err != nil {
		return nil, err
	}

	err = s.st.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := insertTaskSpecs(ctx, tx, id, specs, nil, 0); err != nil {
			return err
		}
		now := store.Now()
		_, err = tx.ExecContext(ctx, `
			UPDATE workflows SET status = ?, plan_summary = ?, updated_at = ? WHERE id = ?
		`, core.WorkflowStatusReady, summary, now, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("workflow plan set", "workflow_id", id, "tasks", len(specs))
	return s.Get(ctx, id, true)
}

// UpdateStatus transitions a workflow, enforcing the state machine.
func (s *WorkflowService) UpdateStatus(ctx context.Context, id string, status core.WorkflowStatus, reason string) (*core.Workflow, error) {
	if !core.ValidWorkflowStatus(status) {
		return nil, core.ErrInvalidInput(fmt.Sprintf("unknown workflow status: %s", status))
	}
	wf, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !core.CanTransitionWorkflow(wf.Status, status) {
		return nil, core.ErrInvalidTransition("workflow", string(wf.Status), string(status))
	}

	_, err = s.st.DB().ExecContext(ctx,
		"UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?",
		status, store.Now(), id)
	if err != nil {
		return nil, fmt.Errorf("updating workflow status: %w", err)
	}

	s.log.Info("workflow status changed",
		"workflow_id", id, "from", wf.Status, "to", status, "reason", reason)
	wf.Status = status
	return wf, nil
}

// SetParallelism updates max_parallel_tasks.
func (s *WorkflowService) SetParallelism(ctx context.Context, id string, n int) (*core.Workflow, error) {
	if n < 1 {
		return nil, core.ErrInvalidInput("max_parallel_tasks must be >= 1")
	}
	wf, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	_, err = s.st.DB().ExecContext(ctx,
		"UPDATE workflows SET max_parallel_tasks = ?, updated_at = ? WHERE id = ?",
		n, store.Now(), id)
	if err != nil {
		return nil, fmt.Errorf("updating parallelism: %w", err)
	}
	wf.MaxParallelTasks = n
	return wf, nil
}

// SetConfig persists the spawner's free-form metadata blob.
func (s *WorkflowService) SetConfig(ctx context.Context, id, config string) error {
	if _, err := s.get(ctx, id); err != nil {
		return err
	}
	_, err := s.st.DB().ExecContext(ctx,
		"UPDATE workflows SET config = ?, updated_at = ? WHERE id = ?",
		store.NullString(config), store.Now(), id)
	if err != nil {
		return fmt.Errorf("updating workflow config: %w", err)
	}
	return nil
}

// workflowSummary is the serializable shape behind GetSummary.
type workflowSummary struct {
	ID          string              `json:"id" yaml:"id"`
	Name        string              `json:"name" yaml:"name"`
	Status      core.WorkflowStatus `json:"status" yaml:"status"`
	PlanSummary string              `json:"plan_summary,omitempty" yaml:"plan_summary,omitempty"`
	TotalTasks  int                 `json:"total_tasks" yaml:"total_tasks"`
	ByStatus    map[string]int      `json:"by_status" yaml:"by_status"`
	Tasks       []taskSummary       `json:"tasks" yaml:"tasks"`
}

type taskSummary struct {
	Name      string          `json:"name" yaml:"name"`
	Status    core.TaskStatus `json:"status" yaml:"status"`
	Sequence  int             `json:"sequence" yaml:"sequence"`
	DependsOn []string        `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// GetSummary renders a workflow overview in the requested format:
// text, markdown, json or yaml.
func (s *WorkflowService) GetSummary(ctx context.Context, id, format string) (string, error) {
	wf, err := s.Get(ctx, id, true)
	if err != nil {
		return "", err
	}

	byName := make(map[string]string, len(wf.Tasks))
	for _, t := range wf.Tasks {
		byName[t.ID] = t.Name
	}

	sum := workflowSummary{
		ID:          wf.ID,
		Name:        wf.Name,
		Status:      wf.Status,
		PlanSummary: wf.PlanSummary,
		TotalTasks:  len(wf.Tasks),
		ByStatus:    make(map[string]int),
	}
	for _, t := range wf.Tasks {
		sum.ByStatus[string(t.Status)]++
		ts := taskSummary{Name: t.Name, Status: t.Status, Sequence: t.Sequence}
		for _, dep := range t.DependsOn {
			ts.DependsOn = append(ts.DependsOn, byName[dep])
		}
		sum.Tasks = append(sum.Tasks, ts)
	}

	switch format {
	case "", "text":
		var b strings.Builder
		fmt.Fprintf(&b, "%s (%s) — %s\n", sum.Name, sum.ID, sum.Status)
		if sum.PlanSummary != "" {
			fmt.Fprintf(&b, "%s\n", sum.PlanSummary)
		}
		for _, t := range sum.Tasks {
			fmt.Fprintf(&b, "  %d. [%s] %s", t.Sequence, t.Status, t.Name)
			if len(t.DependsOn) > 0 {
				fmt.Fprintf(&b, " (after %s)", strings.Join(t.DependsOn, ", "))
			}
			b.WriteString("\n")
		}
		return b.String(), nil
	case "markdown":
		var b strings.Builder
		fmt.Fprintf(&b, "# %s\n\n**Status:** %s\n\n", sum.Name, sum.Status)
		if sum.PlanSummary != "" {
			fmt.Fprintf(&b, "%s\n\n", sum.PlanSummary)
		}
		b.WriteString("| # | Task | Status | Depends on |\n|---|------|--------|------------|\n")
		for _, t := range sum.Tasks {
			fmt.Fprintf(&b, "| %d | %s | %s | %s |\n",
				t.Sequence, t.Name, t.Status, strings.Join(t.DependsOn, ", "))
		}
		return b.String(), nil
	case "json":
		b, err := json.MarshalIndent(sum, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshaling summary: %w", err)
		}
		return string(b), nil
	case "yaml":
		b, err := yaml.Marshal(sum)
		if err != nil {
			return "", fmt.Errorf("marshaling summary: %w", err)
		}
		return string(b), nil
	default:
		return "", core.ErrInvalidInput(fmt.Sprintf("unknown summary format: %s", format))
	}
}

// AddTask appends a single task to an existing workflow.
func (s *WorkflowService) AddTask(ctx context.Context, workflowID string, spec TaskSpec) (*core.Task, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, core.ErrInvalidInput("task name is required")
	}
	wf, err := s.get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if core.IsTerminalWorkflowStatus(wf.Status) {
		return nil, core.NewToolError(core.CodeInvalidState,
			fmt.Sprintf("cannot add tasks to a %s workflow", wf.Status), false)
	}

	existing, err := s.tasks.listByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]string, len(existing)) // name or id -> id
	for _, t := range existing {
		if t.Name == spec.Name {
			return nil, core.NewToolError(core.CodeDuplicateTaskName,
				fmt.Sprintf("task name already exists: %s", spec.Name), true)
		}
		known[t.Name] = t.ID
		known[t.ID] = t.ID
	}
	for _, dep := range spec.DependsOn {
		if dep == spec.Name {
			return nil, core.NewToolError(core.CodeSelfDependency,
				fmt.Sprintf("task cannot depend on itself: %s", spec.Name), true)
		}
		if _, ok := known[dep]; !ok {
			return nil, core.NewToolError(core.CodeUnknownDependency,
				fmt.Sprintf("unknown dependency: %s", dep), true)
		}
	}

	var task *core.Task
	err = s.st.WithTx(ctx, func(tx *sql.Tx) error {
		ids, err := insertTaskSpecs(ctx, tx, workflowID, []TaskSpec{spec}, known, len(existing))
		if err != nil {
			return err
		}
		now := store.Now()
		if _, err := tx.ExecContext(ctx,
			"UPDATE workflows SET updated_at = ? WHERE id = ?", now, workflowID); err != nil {
			return err
		}
		task = &core.Task{ID: ids[0]}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.tasks.Get(ctx, task.ID)
}

// RemoveTask deletes a removable task and closes the sequence gap.
func (s *WorkflowService) RemoveTask(ctx context.Context, workflowID, taskID string) error {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.WorkflowID != workflowID {
		return core.NewToolError(core.CodeWorkflowMismatch,
			fmt.Sprintf("task %s belongs to workflow %s", taskID, task.WorkflowID), false)
	}
	if !task.IsRemovable() {
		return core.NewToolError(core.CodeTaskNotRemovable,
			fmt.Sprintf("task %s is %s and cannot be removed", taskID, task.Status), false)
	}

	return s.st.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", taskID); err != nil {
			return fmt.Errorf("deleting task: %w", err)
		}
		// Keep sequence dense: 1..N without gaps.
		if _, err := tx.ExecContext(ctx,
			"UPDATE tasks SET sequence = sequence - 1 WHERE workflow_id = ? AND sequence > ?",
			workflowID, task.Sequence); err != nil {
			return fmt.Errorf("resequencing tasks: %w", err)
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE workflows SET updated_at = ? WHERE id = ?", store.Now(), workflowID)
		return err
	})
}

// ReplanParams holds the inputs for Replan.
type ReplanParams struct {
	Summary string
	Reason  string
	Tasks   []TaskSpec
}

// Replan replaces the removable subset of a workflow's tasks with a new
// plan while preserving non-removable tasks. A replan checkpoint is
// recorded on each affected task.
func (s *WorkflowService) Replan(ctx context.Context, id string, p ReplanParams) (*core.Workflow, error) {
	wf, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if core.IsTerminalWorkflowStatus(wf.Status) {
		return nil, core.NewToolError(core.CodeInvalidState,
			fmt.Sprintf("cannot replan a %s workflow", wf.Status), false)
	}

	existing, err := s.tasks.listByWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	var preserved, removable []*core.Task
	for _, t := range existing {
		if t.IsRemovable() {
			removable = append(removable, t)
		} else {
			preserved = append(preserved, t)
		}
	}

	preservedNames := make(map[string]string, len(preserved)) // name -> id
	for _, t := range preserved {
		preservedNames[t.Name] = t.ID
	}
	if err := validateSpecs(p.Tasks, preservedNames); err != nil {
		return nil, err
	}

	err = s.st.WithTx(ctx, func(tx *sql.Tx) error {
		for _, t := range removable {
			if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", t.ID); err != nil {
				return fmt.Errorf("deleting task %s: %w", t.ID, err)
			}
		}
		// Resequence preserved tasks to 1..M in their original order.
		for i, t := range preserved {
			if _, err := tx.ExecContext(ctx,
				"UPDATE tasks SET sequence = ?, updated_at = ? WHERE id = ?",
				i+1, store.Now(), t.ID); err != nil {
				return fmt.Errorf("resequencing task %s: %w", t.ID, err)
			}
		}

		known := make(map[string]string, len(preserved))
		for _, t := range preserved {
			known[t.Name] = t.ID
		}
		newIDs, err := insertTaskSpecs(ctx, tx, id, p.Tasks, known, len(preserved))
		if err != nil {
			return err
		}

		summary := p.Summary
		if summary == "" {
			summary = wf.PlanSummary
		}
		now := store.Now()
		if _, err := tx.ExecContext(ctx,
			"UPDATE workflows SET plan_summary = ?, updated_at = ? WHERE id = ?",
			summary, now, id); err != nil {
			return err
		}

		affected := make([]string, 0, len(preserved)+len(newIDs))
		for _, t := range preserved {
			affected = append(affected, t.ID)
		}
		affected = append(affected, newIDs...)
		for _, taskID := range affected {
			if err := s.checkpoints.addTx(ctx, tx, taskID, core.CheckpointReplan,
				"Workflow replanned: "+p.Reason, "", nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("workflow replanned",
		"workflow_id", id, "preserved", len(preserved), "removed", len(removable), "added", len(p.Tasks))
	return s.Get(ctx, id, true)
}

// AddRepository associates a repository with a workflow.
func (s *WorkflowService) AddRepository(ctx context.Context, workflowID, repositoryID string) error {
	if _, err := s.get(ctx, workflowID); err != nil {
		return err
	}
	var exists int
	err := s.st.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM repositories WHERE id = ?", repositoryID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking repository: %w", err)
	}
	if exists == 0 {
		return core.ErrNotFound(core.CodeRepositoryNotFound, "repository", repositoryID)
	}
	_, err = s.st.DB().ExecContext(ctx, `
		INSERT INTO workflow_repositories (workflow_id, repository_id) VALUES (?, ?)
		ON CONFLICT (workflow_id, repository_id) DO NOTHING
	`, workflowID, repositoryID)
	if err != nil {
		return fmt.Errorf("adding repository association: %w", err)
	}
	return nil
}

// RemoveRepository drops a workflow↔repository association. Fails with
// REPOSITORY_IN_USE while any task of the workflow still references it.
func (s *WorkflowService) RemoveRepository(ctx context.Context, workflowID, repositoryID string) error {
	if _, err := s.get(ctx, workflowID); err != nil {
		return err
	}
	var inUse int
	err := s.st.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE workflow_id = ? AND repository_id = ?",
		workflowID, repositoryID).Scan(&inUse)
	if err != nil {
		return fmt.Errorf("checking repository usage: %w", err)
	}
	if inUse > 0 {
		return core.NewToolError(core.CodeRepositoryInUse,
			fmt.Sprintf("repository %s is referenced by %d task(s)", repositoryID, inUse), false)
	}
	_, err = s.st.DB().ExecContext(ctx,
		"DELETE FROM workflow_repositories WHERE workflow_id = ? AND repository_id = ?",
		workflowID, repositoryID)
	if err != nil {
		return fmt.Errorf("removing repository association: %w", err)
	}
	return nil
}

// ListRepositories returns the repositories associated with a workflow.
func (s *WorkflowService) ListRepositories(ctx context.Context, workflowID string) ([]*core.Repository, error) {
	if _, err := s.get(ctx, workflowID); err != nil {
		return nil, err
	}
	rows, err := s.st.DB().QueryContext(ctx, `
		SELECT r.id, r.path, r.name, r.created_at, r.updated_at
		FROM repositories r
		JOIN workflow_repositories wr ON wr.repository_id = r.id
		WHERE wr.workflow_id = ?
		ORDER BY r.path
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("listing workflow repositories: %w", err)
	}
	defer rows.Close()

	var out []*core.Repository
	for rows.Next() {
		var r core.Repository
		var name sql.NullString
		if err := rows.Scan(&r.ID, &r.Path, &name, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning repository: %w", err)
		}
		r.Name = stringOr(name)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// validateSpecs enforces the plan validation rules: unique names within
// the spec list, no collisions with preserved task names, no
// self-references, dependencies resolvable against specs or preserved
// tasks, and no cycles.
func validateSpecs(specs []TaskSpec, preserved map[string]string) error {
	names := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if strings.TrimSpace(spec.Name) == "" {
			return core.ErrInvalidInput("task name is required")
		}
		if names[spec.Name] {
			return core.NewToolError(core.CodeDuplicateTaskName,
				fmt.Sprintf("duplicate task name: %s", spec.Name), true)
		}
		if _, ok := preserved[spec.Name]; ok {
			return core.NewToolError(core.CodeNameConflict,
				fmt.Sprintf("task name conflicts with a preserved task: %s", spec.Name), true)
		}
		names[spec.Name] = true
	}

	for _, spec := range specs {
		for _, dep := range spec.DependsOn {
			if dep == spec.Name {
				return core.NewToolError(core.CodeSelfDependency,
					fmt.Sprintf("task cannot depend on itself: %s", spec.Name), true)
			}
			if !names[dep] {
				if _, ok := preserved[dep]; !ok {
					return core.NewToolError(core.CodeUnknownDependency,
						fmt.Sprintf("unknown dependency: %s", dep), true)
				}
			}
		}
	}

	// Cycle detection over the new specs (preserved tasks cannot depend
	// on new ones, so edges into preserved names terminate).
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(specs))
	adj := make(map[string][]string, len(specs))
	for _, spec := range specs {
		for _, dep := range spec.DependsOn {
			if names[dep] {
				adj[spec.Name] = append(adj[spec.Name], dep)
			}
		}
	}
	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		for _, next := range adj[n] {
			switch color[next] {
			case gray:
				return false
			case white:
				if !visit(next) {
					return false
				}
			}
		}
		color[n] = black
		return true
	}
	for _, spec := range specs {
		if color[spec.Name] == white {
			if !visit(spec.Name) {
				return core.ErrInvalidInput("dependency cycle detected in plan")
			}
		}
	}
	return nil
}

// insertTaskSpecs inserts specs starting at sequence base+1. known maps
// already-existing task names/ids to ids for dependency resolution;
// dependencies among the specs themselves resolve by name.
func insertTaskSpecs(ctx context.Context, tx *sql.Tx, workflowID string, specs []TaskSpec, known map[string]string, base int) ([]string, error) {
	resolve := make(map[string]string, len(known)+len(specs))
	for k, v := range known {
		resolve[k] = v
	}

	now := store.Now()
	ids := make([]string, len(specs))
	for i, spec := range specs {
		taskID := core.NewID(core.PrefixTask)
		ids[i] = taskID
		resolve[spec.Name] = taskID

		status := core.TaskStatusPending
		if len(spec.DependsOn) > 0 {
			status = core.TaskStatusBlocked
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, workflow_id, name, description, status, sequence,
				parallel_group, plan, workspace_id, repository_id,
				context_from, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			taskID, workflowID, spec.Name, store.NullString(spec.Description),
			status, base+i+1, store.NullString(spec.ParallelGroup),
			store.NullString(spec.Plan), store.NullString(spec.WorkspaceID),
			store.NullString(spec.RepositoryID), store.NullString(spec.ContextFrom),
			now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting task %s: %w", spec.Name, err)
		}
	}

	for i, spec := range specs {
		for _, dep := range spec.DependsOn {
			depID, ok := resolve[dep]
			if !ok {
				return nil, core.NewToolError(core.CodeUnknownDependency,
					fmt.Sprintf("unknown dependency: %s", dep), true)
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)",
				ids[i], depID)
			if err != nil {
				return nil, fmt.Errorf("inserting dependency edge: %w", err)
			}
		}
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*core.Workflow, error) {
	var wf core.Workflow
	var sourceRef, sourceContent, planSummary, config sql.NullString
	var autoCreate int
	err := row.Scan(
		&wf.ID, &wf.Name, &wf.Source, &sourceRef, &sourceContent, &wf.Status,
		&planSummary, &config, &wf.MaxParallelTasks, &autoCreate,
		&wf.CreatedAt, &wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	wf.SourceReference = stringOr(sourceRef)
	wf.SourceContent = stringOr(sourceContent)
	wf.PlanSummary = stringOr(planSummary)
	wf.Config = stringOr(config)
	wf.AutoCreateWorkspaces = autoCreate != 0
	return &wf, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
