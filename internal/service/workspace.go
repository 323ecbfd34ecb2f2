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

// WorkspaceService manages workspace records. The daemon tracks worktree
// state; it never runs git itself, agents do.
type WorkspaceService struct {
	st  *store.Store
	log *logging.Logger
}

// CreateWorkspaceInput is the payload of Create.
type CreateWorkspaceInput struct {
	WorkflowID string
	Path       string
	Branch     string
	BaseBranch string
}

// Create records a workspace for a workflow.
func (s *WorkspaceService) Create(ctx context.Context, in CreateWorkspaceInput) (*core.Workspace, error) {
	if strings.TrimSpace(in.Path) == "" {
		return nil, core.NewToolError(core.CodeMissingPath,
			"workspace path must not be empty", true)
	}
	if in.Branch == "" {
		return nil, core.ErrInvalidInput("workspace branch must not be empty")
	}
	if in.BaseBranch == "" {
		in.BaseBranch = "main"
	}

	var exists int
	if err := s.st.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM workflows WHERE id = ?", in.WorkflowID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking workflow: %w", err)
	}
	if exists == 0 {
		return nil, core.ErrNotFound(core.CodeWorkflowNotFound, "workflow", in.WorkflowID)
	}

	id := core.NewID(core.PrefixWorkspace)
	now := store.Now()
	_, err := s.st.DB().ExecContext(ctx, `
		INSERT INTO workspaces (id, workflow_id, path, branch, base_branch, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'active', ?, ?)
	`, id, in.WorkflowID, in.Path, in.Branch, in.BaseBranch, now, now)
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	s.log.Info("workspace created", "workspace_id", id, "workflow_id", in.WorkflowID, "path", in.Path)
	return s.Get(ctx, id)
}

const workspaceSelect = `
	SELECT id, workflow_id, path, branch, base_branch, pr_url, status,
	       merge_commit, created_at, updated_at
	FROM workspaces`

// Get loads a workspace.
func (s *WorkspaceService) Get(ctx context.Context, id string) (*core.Workspace, error) {
	row := s.st.DB().QueryRowContext(ctx, workspaceSelect+" WHERE id = ?", id)
	ws, err := scanWorkspace(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeWorkspaceNotFound, "workspace", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workspace: %w", err)
	}
	return ws, nil
}

// WorkspaceUpdate carries the mutable workspace fields. Marking a
// workspace merged requires the merge commit.
type WorkspaceUpdate struct {
	Status      core.WorkspaceStatus
	PRURL       string
	MergeCommit string
}

// Update mutates a workspace's status and PR metadata.
func (s *WorkspaceService) Update(ctx context.Context, id string, upd WorkspaceUpdate) (*core.Workspace, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	if upd.Status != "" && !core.ValidWorkspaceStatus(upd.Status) {
		return nil, core.ErrInvalidInput(fmt.Sprintf("unknown workspace status: %s", upd.Status))
	}
	if upd.Status == core.WorkspaceMerged && strings.TrimSpace(upd.MergeCommit) == "" {
		return nil, core.NewToolError(core.CodeMissingMergeCommit,
			"marking a workspace merged requires the merge commit", true)
	}

	q := "UPDATE workspaces SET updated_at = ?"
	args := []any{store.Now()}
	if upd.Status != "" {
		q += ", status = ?"
		args = append(args, upd.Status)
	}
	if upd.PRURL != "" {
		q += ", pr_url = ?"
		args = append(args, upd.PRURL)
	}
	if upd.MergeCommit != "" {
		q += ", merge_commit = ?"
		args = append(args, upd.MergeCommit)
	}
	q += " WHERE id = ?"
	args = append(args, id)

	if _, err := s.st.DB().ExecContext(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("updating workspace: %w", err)
	}
	return s.Get(ctx, id)
}

// WorkspaceFilter narrows List.
type WorkspaceFilter struct {
	WorkflowID string
	Status     core.WorkspaceStatus
}

// List returns workspaces matching the filter.
func (s *WorkspaceService) List(ctx context.Context, filter WorkspaceFilter) ([]*core.Workspace, error) {
	q := workspaceSelect + " WHERE 1=1"
	var args []any
	if filter.WorkflowID != "" {
		q += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		q += " AND status = ?"
		args = append(args, filter.Status)
	}
	q += " ORDER BY created_at"

	rows, err := s.st.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	defer rows.Close()

	var out []*core.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workspace: %w", err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

func scanWorkspace(row rowScanner) (*core.Workspace, error) {
	var ws core.Workspace
	var prURL, mergeCommit sql.NullString
	err := row.Scan(&ws.ID, &ws.WorkflowID, &ws.Path, &ws.Branch, &ws.BaseBranch,
		&prURL, &ws.Status, &mergeCommit, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ws.PRURL = stringOr(prURL)
	ws.MergeCommit = stringOr(mergeCommit)
	return &ws, nil
}
