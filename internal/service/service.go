// Package service implements the entity services over the store:
// CRUD-plus-domain operations for workflows, tasks, checkpoints,
// messages, agents, workspaces, repositories, templates, sessions and
// locks, plus the DAG orchestration queries the spawner drives.
package service

import (
	"database/sql"
	"encoding/json"

	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/store"
)

// Services aggregates every entity service over one store.
type Services struct {
	Store *store.Store

	Workflows    *WorkflowService
	Tasks        *TaskService
	Checkpoints  *CheckpointService
	Messages     *MessageService
	Agents       *AgentService
	Workspaces   *WorkspaceService
	Repositories *RepositoryService
	Templates    *TemplateService
	Locks        *LockService
	Sessions     *SessionService
	Orchestrator *Orchestrator
}

// New wires all services over st.
func New(st *store.Store, logger *logging.Logger) *Services {
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Services{Store: st}
	s.Checkpoints = &CheckpointService{st: st, log: logger}
	s.Tasks = &TaskService{st: st, log: logger, checkpoints: s.Checkpoints}
	s.Workflows = &WorkflowService{st: st, log: logger, tasks: s.Tasks, checkpoints: s.Checkpoints}
	s.Messages = &MessageService{st: st, log: logger}
	s.Agents = &AgentService{st: st, log: logger}
	s.Workspaces = &WorkspaceService{st: st, log: logger}
	s.Repositories = &RepositoryService{st: st, log: logger}
	s.Templates = &TemplateService{st: st, log: logger, workflows: s.Workflows}
	s.Sessions = &SessionService{st: st, log: logger}
	s.Locks = &LockService{st: st, log: logger}
	s.Orchestrator = &Orchestrator{st: st, log: logger}
	return s
}

// marshalJSON serialises v, returning "" for empty slices/maps so the
// column stays NULL.
func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	s := string(b)
	if s == "null" || s == "[]" || s == "{}" {
		return ""
	}
	return s
}

func unmarshalStrings(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil
	}
	return out
}

func stringOr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func int64Or(ni sql.NullInt64) int64 {
	if ni.Valid {
		return ni.Int64
	}
	return 0
}
