// Package tools exposes the engine as a named tool surface: ~56
// operations in entity_action form, each with a JSON input and a JSON
// output, dispatched through a common harness that converts every
// failure into the structured tool-error shape.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/service"
	"github.com/cawhq/caw/internal/spawner"
)

// Deps wires the registry to the engine.
type Deps struct {
	Services *service.Services
	Spawners *spawner.Registry
	Log      *logging.Logger
	// Port is advertised to child agents via their MCP config.
	Port int
	// AgentBinary is the default child agent executable.
	AgentBinary string
}

// Handler implements one tool.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Tool is one registered operation.
type Tool struct {
	Name        string
	Description string
	Handler     Handler
	// PlanMutating tools run the workflow lock guard before dispatch
	// when the request carries a session_id.
	PlanMutating bool
}

// Info is the public listing entry for one tool.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Result is the transport-agnostic outcome of a tool call. On error the
// payload is the structured tool-error object.
type Result struct {
	IsError bool
	Payload any
}

// Registry is the table of tools.
type Registry struct {
	deps  Deps
	tools map[string]*Tool
}

// NewRegistry builds the full tool table.
func NewRegistry(deps Deps) *Registry {
	if deps.Log == nil {
		deps.Log = logging.NewNop()
	}
	r := &Registry{deps: deps, tools: make(map[string]*Tool)}
	r.registerWorkflowTools()
	r.registerTaskTools()
	r.registerCheckpointTools()
	r.registerWorkspaceTools()
	r.registerRepositoryTools()
	r.registerTemplateTools()
	r.registerAgentTools()
	r.registerMessageTools()
	return r
}

func (r *Registry) add(t *Tool) {
	r.tools[t.Name] = t
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// List returns all tools in name order.
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Info{Name: t.Name, Description: t.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call dispatches one tool invocation through the harness. Unknown
// names return (nil, false); the transport maps that to method-not-found.
func (r *Registry) Call(ctx context.Context, name string, params json.RawMessage) (*Result, bool) {
	t, ok := r.tools[name]
	if !ok {
		return nil, false
	}

	result := func() (res *Result) {
		defer func() {
			if p := recover(); p != nil {
				r.deps.Log.Error("tool handler panicked", "tool", name, "panic", p)
				res = errorResult(core.ErrInternal(fmt.Errorf("panic in %s: %v", name, p)))
			}
		}()

		if t.PlanMutating {
			if err := r.lockGuard(ctx, params); err != nil {
				return errorResult(err)
			}
		}

		payload, err := t.Handler(ctx, params)
		if err != nil {
			r.deps.Log.Debug("tool call failed", "tool", name, "code", core.CodeOf(err))
			return errorResult(err)
		}
		return &Result{Payload: payload}
	}()
	return result, true
}

// errorResult shapes any error as the fixed tool-error record with its
// suggestion attached.
func errorResult(err error) *Result {
	te, ok := core.AsToolError(err)
	if !ok {
		te = core.ErrInternal(err)
	}
	out := *te
	if out.Suggestion == "" {
		out.Suggestion = SuggestionFor(out.Code)
	}
	return &Result{IsError: true, Payload: &out}
}

// lockGuard rejects plan mutations on a workflow locked by another live
// session. Requests without a session_id bypass the guard.
func (r *Registry) lockGuard(ctx context.Context, params json.RawMessage) error {
	var probe struct {
		SessionID  string `json:"session_id"`
		WorkflowID string `json:"workflow_id"`
		ID         string `json:"id"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &probe); err != nil {
			return core.ErrInvalidInput("request body is not valid JSON")
		}
	}
	if probe.SessionID == "" {
		return nil
	}
	workflowID := probe.WorkflowID
	if workflowID == "" {
		workflowID = probe.ID
	}
	if workflowID == "" || !core.HasPrefix(workflowID, core.PrefixWorkflow) {
		return nil
	}

	locked, lock, err := r.deps.Services.Locks.IsLockedByOther(ctx, workflowID, probe.SessionID)
	if err != nil {
		return err
	}
	if locked {
		return core.NewToolError(core.CodeWorkflowLocked,
			fmt.Sprintf("workflow %s is locked by session %s", workflowID, lock.SessionID), true)
	}
	return nil
}

// decode parses a request body into a typed struct.
func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return core.ErrInvalidInput("request body is required")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return core.ErrInvalidInput(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}
