package tools

import (
	"context"
	"encoding/json"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/service"
)

func (r *Registry) registerTaskTools() {
	svc := r.deps.Services

	r.add(&Tool{
		Name:        "task_get",
		Description: "Fetch a task with its dependency edges.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID string `json:"id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Tasks.Get(ctx, req.ID)
		},
	})

	r.add(&Tool{
		Name:        "task_set_plan",
		Description: "Store a task's serialized plan.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID   string `json:"id"`
				Plan string `json:"plan"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Tasks.SetPlan(ctx, req.ID, req.Plan)
		},
	})

	r.add(&Tool{
		Name:        "task_update_status",
		Description: "Transition a task's status with outcome/error guards.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID      string `json:"id"`
				Status  string `json:"status"`
				Outcome string `json:"outcome"`
				Error   string `json:"error"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Tasks.UpdateStatus(ctx, req.ID, core.TaskStatus(req.Status), service.StatusUpdate{
				Outcome: req.Outcome,
				Error:   req.Error,
			})
		},
	})

	r.add(&Tool{
		Name:        "task_replan",
		Description: "Update a failed or in_progress task's plan.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID     string `json:"id"`
				Plan   string `json:"plan"`
				Reason string `json:"reason"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Tasks.Replan(ctx, req.ID, req.Plan, req.Reason)
		},
	})

	r.add(&Tool{
		Name:        "task_claim",
		Description: "Atomically claim a task for an agent.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				TaskID  string `json:"task_id"`
				AgentID string `json:"agent_id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Tasks.Claim(ctx, req.TaskID, req.AgentID)
		},
	})

	r.add(&Tool{
		Name:        "task_release",
		Description: "Release a claimed task back to pending.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				TaskID  string `json:"task_id"`
				AgentID string `json:"agent_id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Tasks.Release(ctx, req.TaskID, req.AgentID)
		},
	})

	r.add(&Tool{
		Name:        "task_get_available",
		Description: "List claimable, unblocked tasks of a workflow.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				WorkflowID string `json:"workflow_id"`
				Limit      int    `json:"limit"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Tasks.GetAvailable(ctx, req.WorkflowID, req.Limit)
		},
	})

	r.add(&Tool{
		Name:        "task_check_dependencies",
		Description: "Report whether a task's dependencies are all terminal.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID string `json:"id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Tasks.CheckDependencies(ctx, req.ID)
		},
	})

	r.add(&Tool{
		Name:        "task_load_context",
		Description: "Assemble a task's execution context and dependency outcomes.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID string `json:"id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Tasks.LoadContext(ctx, req.ID)
		},
	})

	r.add(&Tool{
		Name:        "task_assign_workspace",
		Description: "Bind a task to a workspace in the same workflow.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				TaskID      string `json:"task_id"`
				WorkspaceID string `json:"workspace_id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Tasks.AssignWorkspace(ctx, req.TaskID, req.WorkspaceID)
		},
	})
}
