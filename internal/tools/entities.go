package tools

import (
	"context"
	"encoding/json"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/service"
)

func (r *Registry) registerCheckpointTools() {
	svc := r.deps.Services

	r.add(&Tool{
		Name:        "checkpoint_add",
		Description: "Append a checkpoint to a task's journal.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				TaskID  string   `json:"task_id"`
				Type    string   `json:"type"`
				Summary string   `json:"summary"`
				Detail  string   `json:"detail"`
				Files   []string `json:"files"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Checkpoints.Add(ctx, req.TaskID, core.CheckpointType(req.Type), req.Summary, req.Detail, req.Files)
		},
	})

	r.add(&Tool{
		Name:        "checkpoint_list",
		Description: "List a task's checkpoints in sequence order.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				TaskID        string   `json:"task_id"`
				Types         []string `json:"types"`
				SinceSequence int      `json:"since_sequence"`
				Limit         int      `json:"limit"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			types := make([]core.CheckpointType, 0, len(req.Types))
			for _, t := range req.Types {
				types = append(types, core.CheckpointType(t))
			}
			return svc.Checkpoints.List(ctx, req.TaskID, service.ListFilter{
				Types:         types,
				SinceSequence: req.SinceSequence,
				Limit:         req.Limit,
			})
		},
	})
}

func (r *Registry) registerWorkspaceTools() {
	svc := r.deps.Services

	r.add(&Tool{
		Name:        "workspace_create",
		Description: "Record a git worktree workspace for a workflow.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				WorkflowID string `json:"workflow_id"`
				Path       string `json:"path"`
				Branch     string `json:"branch"`
				BaseBranch string `json:"base_branch"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Workspaces.Create(ctx, service.CreateWorkspaceInput{
				WorkflowID: req.WorkflowID,
				Path:       req.Path,
				Branch:     req.Branch,
				BaseBranch: req.BaseBranch,
			})
		},
	})

	r.add(&Tool{
		Name:        "workspace_update",
		Description: "Update a workspace's status and PR metadata.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID          string `json:"id"`
				Status      string `json:"status"`
				PRURL       string `json:"pr_url"`
				MergeCommit string `json:"merge_commit"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Workspaces.Update(ctx, req.ID, service.WorkspaceUpdate{
				Status:      core.WorkspaceStatus(req.Status),
				PRURL:       req.PRURL,
				MergeCommit: req.MergeCommit,
			})
		},
	})

	r.add(&Tool{
		Name:        "workspace_list",
		Description: "List workspaces, optionally by workflow and status.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				WorkflowID string `json:"workflow_id"`
				Status     string `json:"status"`
			}
			if len(params) > 0 {
				if err := decode(params, &req); err != nil {
					return nil, err
				}
			}
			return svc.Workspaces.List(ctx, service.WorkspaceFilter{
				WorkflowID: req.WorkflowID,
				Status:     core.WorkspaceStatus(req.Status),
			})
		},
	})
}

func (r *Registry) registerRepositoryTools() {
	svc := r.deps.Services

	r.add(&Tool{
		Name:        "repository_register",
		Description: "Register a repository path; idempotent on path.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				Path string `json:"path"`
				Name string `json:"name"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Repositories.Register(ctx, req.Path, req.Name)
		},
	})

	r.add(&Tool{
		Name:        "repository_list",
		Description: "List registered repositories.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			return svc.Repositories.List(ctx)
		},
	})

	r.add(&Tool{
		Name:        "repository_get",
		Description: "Fetch a repository by id or path.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID   string `json:"id"`
				Path string `json:"path"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			if req.ID != "" {
				return svc.Repositories.Get(ctx, req.ID)
			}
			if req.Path != "" {
				return svc.Repositories.GetByPath(ctx, req.Path)
			}
			return nil, core.ErrInvalidInput("id or path is required")
		},
	})
}

func (r *Registry) registerTemplateTools() {
	svc := r.deps.Services

	r.add(&Tool{
		Name:        "template_create",
		Description: "Store a reusable plan template.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				Name           string              `json:"name"`
				Description    string              `json:"description"`
				Tasks          []core.TemplateTask `json:"tasks"`
				FromWorkflowID string              `json:"from_workflow_id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Templates.Create(ctx, service.CreateTemplateInput{
				Name:           req.Name,
				Description:    req.Description,
				Tasks:          req.Tasks,
				FromWorkflowID: req.FromWorkflowID,
			})
		},
	})

	r.add(&Tool{
		Name:        "template_list",
		Description: "List stored templates.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			return svc.Templates.List(ctx)
		},
	})

	r.add(&Tool{
		Name:        "template_apply",
		Description: "Instantiate a template into a new ready workflow.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				TemplateID   string            `json:"template_id"`
				WorkflowName string            `json:"workflow_name"`
				Variables    map[string]string `json:"variables"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Templates.Apply(ctx, service.ApplyInput{
				TemplateID:   req.TemplateID,
				WorkflowName: req.WorkflowName,
				Variables:    req.Variables,
			})
		},
	})
}
