package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/store"
)

// AgentService tracks execution principals: spawned children, external
// agents connecting over the tool surface, and the human pseudo-agent.
type AgentService struct {
	st  *store.Store
	log *logging.Logger
}

// RegisterInput is the payload of Register. ID is normally left empty
// and generated; the spawner passes a fixed id for the human
// pseudo-agent so its inbox has a well-known address.
type RegisterInput struct {
	ID            string
	Name          string
	Runtime       core.AgentRuntime
	Role          core.AgentRole
	Capabilities  []string
	WorkflowID    string
	WorkspacePath string
	Metadata      string
}

// Register creates an agent in status online.
func (s *AgentService) Register(ctx context.Context, in RegisterInput) (*core.Agent, error) {
	if in.Name == "" {
		return nil, core.ErrInvalidInput("agent name must not be empty")
	}
	if !core.ValidAgentRuntime(in.Runtime) {
		return nil, core.ErrInvalidInput(fmt.Sprintf("unknown agent runtime: %s", in.Runtime))
	}
	if in.Role == "" {
		in.Role = core.RoleWorker
	}
	if !core.ValidAgentRole(in.Role) {
		return nil, core.ErrInvalidInput(fmt.Sprintf("unknown agent role: %s", in.Role))
	}

	id := in.ID
	if id == "" {
		id = core.NewID(core.PrefixAgent)
	}
	now := store.Now()
	_, err := s.st.DB().ExecContext(ctx, `
		INSERT INTO agents (id, name, runtime, role, status, capabilities, workflow_id,
		                    workspace_path, current_task_id, last_heartbeat, metadata,
		                    created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?)
	`, id, in.Name, in.Runtime, in.Role, core.AgentOnline,
		store.NullString(marshalJSON(in.Capabilities)),
		store.NullString(in.WorkflowID), store.NullString(in.WorkspacePath),
		now, store.NullString(in.Metadata), now, now)
	if err != nil {
		return nil, fmt.Errorf("registering agent: %w", err)
	}

	s.log.Info("agent registered", "agent_id", id, "name", in.Name, "runtime", in.Runtime)
	return s.Get(ctx, id)
}

const agentSelect = `
	SELECT id, name, runtime, role, status, capabilities, workflow_id,
	       workspace_path, current_task_id, last_heartbeat, metadata,
	       created_at, updated_at
	FROM agents`

// Get loads an agent.
func (s *AgentService) Get(ctx context.Context, id string) (*core.Agent, error) {
	row := s.st.DB().QueryRowContext(ctx, agentSelect+" WHERE id = ?", id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeAgentNotFound, "agent", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	return a, nil
}

// AgentFilter narrows List.
type AgentFilter struct {
	Status     core.AgentStatus
	Role       core.AgentRole
	WorkflowID string
}

// List returns agents matching the filter, newest first.
func (s *AgentService) List(ctx context.Context, filter AgentFilter) ([]*core.Agent, error) {
	q := agentSelect + " WHERE 1=1"
	var args []any
	if filter.Status != "" {
		q += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Role != "" {
		q += " AND role = ?"
		args = append(args, filter.Role)
	}
	if filter.WorkflowID != "" {
		q += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	q += " ORDER BY created_at DESC"

	rows, err := s.st.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var out []*core.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Heartbeat refreshes last_heartbeat, optionally updating status.
func (s *AgentService) Heartbeat(ctx context.Context, id string, status core.AgentStatus) (*core.Agent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	now := store.Now()
	if status != "" {
		if !core.ValidAgentStatus(status) {
			return nil, core.ErrInvalidInput(fmt.Sprintf("unknown agent status: %s", status))
		}
		_, err := s.st.DB().ExecContext(ctx,
			"UPDATE agents SET last_heartbeat = ?, status = ?, updated_at = ? WHERE id = ?",
			now, status, now, id)
		if err != nil {
			return nil, fmt.Errorf("recording heartbeat: %w", err)
		}
	} else {
		_, err := s.st.DB().ExecContext(ctx,
			"UPDATE agents SET last_heartbeat = ?, updated_at = ? WHERE id = ?", now, now, id)
		if err != nil {
			return nil, fmt.Errorf("recording heartbeat: %w", err)
		}
	}
	return s.Get(ctx, id)
}

// UpdateInput carries the mutable agent fields.
type UpdateInput struct {
	Status        core.AgentStatus
	CurrentTaskID *string
	WorkspacePath string
	Capabilities  []string
	Metadata      string
}

// Update mutates an agent's status, task binding and metadata.
func (s *AgentService) Update(ctx context.Context, id string, in UpdateInput) (*core.Agent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	q := "UPDATE agents SET updated_at = ?"
	args := []any{store.Now()}
	if in.Status != "" {
		if !core.ValidAgentStatus(in.Status) {
			return nil, core.ErrInvalidInput(fmt.Sprintf("unknown agent status: %s", in.Status))
		}
		q += ", status = ?"
		args = append(args, in.Status)
	}
	if in.CurrentTaskID != nil {
		q += ", current_task_id = ?"
		args = append(args, store.NullString(*in.CurrentTaskID))
	}
	if in.WorkspacePath != "" {
		q += ", workspace_path = ?"
		args = append(args, in.WorkspacePath)
	}
	if in.Capabilities != nil {
		q += ", capabilities = ?"
		args = append(args, store.NullString(marshalJSON(in.Capabilities)))
	}
	if in.Metadata != "" {
		q += ", metadata = ?"
		args = append(args, in.Metadata)
	}
	q += " WHERE id = ?"
	args = append(args, id)

	if _, err := s.st.DB().ExecContext(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("updating agent: %w", err)
	}
	return s.Get(ctx, id)
}

// Unregister sets the agent offline and releases any tasks it held:
// claimed tasks revert to pending with the assignment cleared.
func (s *AgentService) Unregister(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	now := store.Now()
	err := s.st.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET assigned_agent_id = NULL, claimed_at = NULL, updated_at = ?,
			    status = CASE WHEN status IN ('planning', 'in_progress') THEN 'pending' ELSE status END
			WHERE assigned_agent_id = ?
		`, now, id)
		if err != nil {
			return fmt.Errorf("releasing agent tasks: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE agents SET status = 'offline', current_task_id = NULL, updated_at = ?
			WHERE id = ?
		`, now, id)
		if err != nil {
			return fmt.Errorf("marking agent offline: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("agent unregistered", "agent_id", id)
	return nil
}

// GetStale returns non-offline agents whose last heartbeat is older
// than cutoff (ms since epoch).
func (s *AgentService) GetStale(ctx context.Context, cutoff int64) ([]*core.Agent, error) {
	rows, err := s.st.DB().QueryContext(ctx,
		agentSelect+" WHERE status != 'offline' AND last_heartbeat < ?", cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stale agents: %w", err)
	}
	defer rows.Close()

	var out []*core.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAgent(row rowScanner) (*core.Agent, error) {
	var a core.Agent
	var caps, workflowID, wsPath, taskID, meta sql.NullString
	err := row.Scan(&a.ID, &a.Name, &a.Runtime, &a.Role, &a.Status, &caps,
		&workflowID, &wsPath, &taskID, &a.LastHeartbeat, &meta,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Capabilities = unmarshalStrings(caps)
	a.WorkflowID = stringOr(workflowID)
	a.WorkspacePath = stringOr(wsPath)
	a.CurrentTaskID = stringOr(taskID)
	a.Metadata = stringOr(meta)
	return &a, nil
}
