package tools

import (
	"context"
	"encoding/json"
	"os"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/service"
	"github.com/cawhq/caw/internal/spawner"
)

func (r *Registry) registerWorkflowTools() {
	svc := r.deps.Services

	r.add(&Tool{
		Name:        "workflow_create",
		Description: "Create a workflow in planning status.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				Name                 string `json:"name"`
				Source               string `json:"source"`
				SourceReference      string `json:"source_reference"`
				SourceContent        string `json:"source_content"`
				MaxParallelTasks     int    `json:"max_parallel_tasks"`
				AutoCreateWorkspaces bool   `json:"auto_create_workspaces"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Workflows.Create(ctx, service.CreateWorkflowParams{
				Name:                 req.Name,
				Source:               core.WorkflowSource(req.Source),
				SourceReference:      req.SourceReference,
				SourceContent:        req.SourceContent,
				MaxParallelTasks:     req.MaxParallelTasks,
				AutoCreateWorkspaces: req.AutoCreateWorkspaces,
			})
		},
	})

	r.add(&Tool{
		Name:        "workflow_get",
		Description: "Fetch a workflow, optionally with its tasks.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID           string `json:"id"`
				IncludeTasks bool   `json:"include_tasks"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Workflows.Get(ctx, req.ID, req.IncludeTasks)
		},
	})

	r.add(&Tool{
		Name:        "workflow_list",
		Description: "List workflows filtered by status and source.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				Status string `json:"status"`
				Source string `json:"source"`
				Limit  int    `json:"limit"`
			}
			if len(params) > 0 {
				if err := decode(params, &req); err != nil {
					return nil, err
				}
			}
			return svc.Workflows.List(ctx, service.ListWorkflowsFilter{
				Status: core.WorkflowStatus(req.Status),
				Source: core.WorkflowSource(req.Source),
				Limit:  req.Limit,
			})
		},
	})

	r.add(&Tool{
		Name:         "workflow_set_plan",
		Description:  "Set the task plan of a planning workflow; moves it to ready.",
		PlanMutating: true,
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID      string             `json:"id"`
				Summary string             `json:"summary"`
				Tasks   []service.TaskSpec `json:"tasks"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Workflows.SetPlan(ctx, req.ID, req.Summary, req.Tasks)
		},
	})

	r.add(&Tool{
		Name:         "workflow_update_status",
		Description:  "Transition a workflow's status.",
		PlanMutating: true,
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID     string `json:"id"`
				Status string `json:"status"`
				Reason string `json:"reason"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Workflows.UpdateStatus(ctx, req.ID, core.WorkflowStatus(req.Status), req.Reason)
		},
	})

	r.add(&Tool{
		Name:         "workflow_set_parallelism",
		Description:  "Set max_parallel_tasks for a workflow.",
		PlanMutating: true,
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID               string `json:"id"`
				MaxParallelTasks int    `json:"max_parallel_tasks"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Workflows.SetParallelism(ctx, req.ID, req.MaxParallelTasks)
		},
	})

	r.add(&Tool{
		Name:        "workflow_get_summary",
		Description: "Render a workflow summary as text, markdown, json or yaml.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID     string `json:"id"`
				Format string `json:"format"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			summary, err := svc.Workflows.GetSummary(ctx, req.ID, req.Format)
			if err != nil {
				return nil, err
			}
			return map[string]string{"summary": summary}, nil
		},
	})

	r.add(&Tool{
		Name:        "workflow_lock",
		Description: "Acquire the workflow write lock for a session.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID        string `json:"id"`
				SessionID string `json:"session_id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			if req.SessionID == "" {
				return nil, core.ErrInvalidInput("session_id is required")
			}
			lock, err := svc.Locks.Lock(ctx, req.ID, req.SessionID)
			if err != nil {
				if te, ok := core.AsToolError(err); ok && te.Code == core.CodeWorkflowLocked {
					info, infoErr := svc.Locks.GetLockInfo(ctx, req.ID)
					if infoErr == nil && info != nil {
						return map[string]any{"success": false, "locked_by": info.SessionID}, nil
					}
				}
				return nil, err
			}
			return map[string]any{"success": true, "lock": lock}, nil
		},
	})

	r.add(&Tool{
		Name:        "workflow_unlock",
		Description: "Release the workflow write lock held by a session.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID        string `json:"id"`
				SessionID string `json:"session_id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			if err := svc.Locks.Unlock(ctx, req.ID, req.SessionID); err != nil {
				return nil, err
			}
			return map[string]any{"success": true}, nil
		},
	})

	r.add(&Tool{
		Name:        "workflow_lock_info",
		Description: "Inspect the workflow lock.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID string `json:"id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			lock, err := svc.Locks.GetLockInfo(ctx, req.ID)
			if err != nil {
				return nil, err
			}
			if lock == nil {
				return map[string]any{"locked": false}, nil
			}
			return map[string]any{"locked": true, "lock": lock}, nil
		},
	})

	r.add(&Tool{
		Name:         "workflow_add_repository",
		Description:  "Associate a repository with a workflow.",
		PlanMutating: true,
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				WorkflowID   string `json:"workflow_id"`
				RepositoryID string `json:"repository_id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			if err := svc.Workflows.AddRepository(ctx, req.WorkflowID, req.RepositoryID); err != nil {
				return nil, err
			}
			return map[string]any{"success": true}, nil
		},
	})

	r.add(&Tool{
		Name:         "workflow_remove_repository",
		Description:  "Detach a repository from a workflow.",
		PlanMutating: true,
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				WorkflowID   string `json:"workflow_id"`
				RepositoryID string `json:"repository_id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			if err := svc.Workflows.RemoveRepository(ctx, req.WorkflowID, req.RepositoryID); err != nil {
				return nil, err
			}
			return map[string]any{"success": true}, nil
		},
	})

	r.add(&Tool{
		Name:        "workflow_list_repositories",
		Description: "List repositories associated with a workflow.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				WorkflowID string `json:"workflow_id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Workflows.ListRepositories(ctx, req.WorkflowID)
		},
	})

	r.add(&Tool{
		Name:         "workflow_add_task",
		Description:  "Append one task to a workflow's plan.",
		PlanMutating: true,
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				WorkflowID string `json:"workflow_id"`
				service.TaskSpec
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Workflows.AddTask(ctx, req.WorkflowID, req.TaskSpec)
		},
	})

	r.add(&Tool{
		Name:         "workflow_remove_task",
		Description:  "Remove a removable task from a workflow's plan.",
		PlanMutating: true,
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				WorkflowID string `json:"workflow_id"`
				TaskID     string `json:"task_id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			if err := svc.Workflows.RemoveTask(ctx, req.WorkflowID, req.TaskID); err != nil {
				return nil, err
			}
			return map[string]any{"success": true}, nil
		},
	})

	r.add(&Tool{
		Name:         "workflow_replan",
		Description:  "Replace the removable part of a workflow's plan.",
		PlanMutating: true,
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID      string             `json:"id"`
				Summary string             `json:"summary"`
				Reason  string             `json:"reason"`
				Tasks   []service.TaskSpec `json:"tasks"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Workflows.Replan(ctx, req.ID, service.ReplanParams{
				Summary: req.Summary,
				Reason:  req.Reason,
				Tasks:   req.Tasks,
			})
		},
	})

	r.add(&Tool{
		Name:        "workflow_start",
		Description: "Start executing a workflow with spawned agents.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID                string `json:"id"`
				MaxAgents         int    `json:"max_agents"`
				AgentBinary       string `json:"agent_binary"`
				PermissionMode    string `json:"permission_mode"`
				EphemeralWorktree bool   `json:"ephemeral_worktree"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			cfg, err := r.poolConfig(ctx, req.ID, req.MaxAgents, req.AgentBinary, req.PermissionMode, req.EphemeralWorktree)
			if err != nil {
				return nil, err
			}
			sp := r.deps.Spawners.GetOrCreate(req.ID, cfg)
			if err := sp.Start(ctx); err != nil {
				return nil, err
			}
			return sp.GetStatus(ctx)
		},
	})

	r.add(&Tool{
		Name:        "workflow_suspend",
		Description: "Suspend a running workflow, stopping its agents.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID string `json:"id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			sp, err := r.deps.Spawners.Get(req.ID)
			if err != nil {
				return nil, err
			}
			return sp.Suspend(ctx)
		},
	})

	r.add(&Tool{
		Name:        "workflow_resume",
		Description: "Resume a suspended workflow.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID string `json:"id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			sp, err := r.deps.Spawners.Get(req.ID)
			if err != nil {
				return nil, err
			}
			if err := sp.Resume(ctx); err != nil {
				return nil, err
			}
			return sp.GetStatus(ctx)
		},
	})

	r.add(&Tool{
		Name:        "workflow_execution_status",
		Description: "Snapshot the spawner state of a workflow.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID string `json:"id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			sp, err := r.deps.Spawners.Get(req.ID)
			if err != nil {
				return nil, err
			}
			return sp.GetStatus(ctx)
		},
	})

	r.add(&Tool{
		Name:        "workflow_next_tasks",
		Description: "List unblocked, unassigned tasks eligible to run.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				WorkflowID    string `json:"workflow_id"`
				IncludeFailed *bool  `json:"include_failed"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			includeFailed := true
			if req.IncludeFailed != nil {
				includeFailed = *req.IncludeFailed
			}
			return svc.Orchestrator.GetNextTasks(ctx, req.WorkflowID, includeFailed)
		},
	})

	r.add(&Tool{
		Name:        "workflow_progress",
		Description: "Aggregate task counts by status for a workflow.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				WorkflowID string `json:"workflow_id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Orchestrator.GetProgress(ctx, req.WorkflowID)
		},
	})
}

// poolConfig resolves the spawner configuration for workflow_start from
// the request, the workflow row and daemon defaults.
func (r *Registry) poolConfig(ctx context.Context, workflowID string, maxAgents int, binary, permissionMode string, ephemeral bool) (spawner.PoolConfig, error) {
	wf, err := r.deps.Services.Workflows.Get(ctx, workflowID, false)
	if err != nil {
		return spawner.PoolConfig{}, err
	}
	if maxAgents <= 0 {
		maxAgents = wf.MaxParallelTasks
	}
	if binary == "" {
		binary = r.deps.AgentBinary
	}
	if binary == "" {
		binary = os.Getenv("CAW_AGENT_BINARY")
	}
	if binary == "" {
		binary = "claude"
	}
	return spawner.PoolConfig{
		MaxAgents:         maxAgents,
		AgentBinary:       binary,
		Port:              r.deps.Port,
		PermissionMode:    permissionMode,
		EphemeralWorktree: ephemeral,
	}, nil
}
