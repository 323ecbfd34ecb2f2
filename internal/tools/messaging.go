package tools

import (
	"context"
	"encoding/json"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/service"
)

func (r *Registry) registerAgentTools() {
	svc := r.deps.Services

	r.add(&Tool{
		Name:        "agent_register",
		Description: "Register an agent; it comes online immediately.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				Name          string   `json:"name"`
				Runtime       string   `json:"runtime"`
				Role          string   `json:"role"`
				Capabilities  []string `json:"capabilities"`
				WorkflowID    string   `json:"workflow_id"`
				WorkspacePath string   `json:"workspace_path"`
				Metadata      string   `json:"metadata"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Agents.Register(ctx, service.RegisterInput{
				Name:          req.Name,
				Runtime:       core.AgentRuntime(req.Runtime),
				Role:          core.AgentRole(req.Role),
				Capabilities:  req.Capabilities,
				WorkflowID:    req.WorkflowID,
				WorkspacePath: req.WorkspacePath,
				Metadata:      req.Metadata,
			})
		},
	})

	r.add(&Tool{
		Name:        "agent_heartbeat",
		Description: "Refresh an agent's liveness timestamp.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Agents.Heartbeat(ctx, req.ID, core.AgentStatus(req.Status))
		},
	})

	r.add(&Tool{
		Name:        "agent_update",
		Description: "Update an agent's status, task binding or metadata.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID            string   `json:"id"`
				Status        string   `json:"status"`
				CurrentTaskID *string  `json:"current_task_id"`
				WorkspacePath string   `json:"workspace_path"`
				Capabilities  []string `json:"capabilities"`
				Metadata      string   `json:"metadata"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Agents.Update(ctx, req.ID, service.UpdateInput{
				Status:        core.AgentStatus(req.Status),
				CurrentTaskID: req.CurrentTaskID,
				WorkspacePath: req.WorkspacePath,
				Capabilities:  req.Capabilities,
				Metadata:      req.Metadata,
			})
		},
	})

	r.add(&Tool{
		Name:        "agent_get",
		Description: "Fetch an agent.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID string `json:"id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Agents.Get(ctx, req.ID)
		},
	})

	r.add(&Tool{
		Name:        "agent_list",
		Description: "List agents filtered by status, role or workflow.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				Status     string `json:"status"`
				Role       string `json:"role"`
				WorkflowID string `json:"workflow_id"`
			}
			if len(params) > 0 {
				if err := decode(params, &req); err != nil {
					return nil, err
				}
			}
			return svc.Agents.List(ctx, service.AgentFilter{
				Status:     core.AgentStatus(req.Status),
				Role:       core.AgentRole(req.Role),
				WorkflowID: req.WorkflowID,
			})
		},
	})

	r.add(&Tool{
		Name:        "agent_unregister",
		Description: "Take an agent offline and release its claimed tasks.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID string `json:"id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			if err := svc.Agents.Unregister(ctx, req.ID); err != nil {
				return nil, err
			}
			return map[string]any{"success": true}, nil
		},
	})
}

func (r *Registry) registerMessageTools() {
	svc := r.deps.Services

	r.add(&Tool{
		Name:        "message_send",
		Description: "Send a durable message to one agent.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				SenderID    string `json:"sender_id"`
				RecipientID string `json:"recipient_id"`
				Type        string `json:"message_type"`
				Subject     string `json:"subject"`
				Body        any    `json:"body"`
				Priority    string `json:"priority"`
				WorkflowID  string `json:"workflow_id"`
				TaskID      string `json:"task_id"`
				ReplyToID   string `json:"reply_to_id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Messages.Send(ctx, service.SendInput{
				SenderID:    req.SenderID,
				RecipientID: req.RecipientID,
				Type:        core.MessageType(req.Type),
				Subject:     req.Subject,
				Body:        req.Body,
				Priority:    core.MessagePriority(req.Priority),
				WorkflowID:  req.WorkflowID,
				TaskID:      req.TaskID,
				ReplyToID:   req.ReplyToID,
			})
		},
	})

	r.add(&Tool{
		Name:        "message_broadcast",
		Description: "Send a message to every online agent except the sender.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				SenderID   string `json:"sender_id"`
				Subject    string `json:"subject"`
				Body       any    `json:"body"`
				Priority   string `json:"priority"`
				WorkflowID string `json:"workflow_id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			msgs, err := svc.Messages.Broadcast(ctx, service.SendInput{
				SenderID:   req.SenderID,
				Subject:    req.Subject,
				Body:       req.Body,
				Priority:   core.MessagePriority(req.Priority),
				WorkflowID: req.WorkflowID,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"delivered": len(msgs), "messages": msgs}, nil
		},
	})

	r.add(&Tool{
		Name:        "message_list",
		Description: "List an agent's inbox, newest first.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				AgentID    string `json:"agent_id"`
				Status     string `json:"status"`
				Type       string `json:"message_type"`
				WorkflowID string `json:"workflow_id"`
				TaskID     string `json:"task_id"`
				Limit      int    `json:"limit"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Messages.List(ctx, req.AgentID, service.MessageFilter{
				Status:     core.MessageStatus(req.Status),
				Type:       core.MessageType(req.Type),
				WorkflowID: req.WorkflowID,
				TaskID:     req.TaskID,
				Limit:      req.Limit,
			})
		},
	})

	r.add(&Tool{
		Name:        "message_get",
		Description: "Fetch a message, optionally marking it read.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID       string `json:"id"`
				MarkRead bool   `json:"mark_read"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Messages.Get(ctx, req.ID, req.MarkRead)
		},
	})

	r.add(&Tool{
		Name:        "message_mark_read",
		Description: "Mark a message read.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID string `json:"id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Messages.MarkRead(ctx, req.ID)
		},
	})

	r.add(&Tool{
		Name:        "message_archive",
		Description: "Archive a message.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				ID string `json:"id"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			return svc.Messages.Archive(ctx, req.ID)
		},
	})

	r.add(&Tool{
		Name:        "message_count_unread",
		Description: "Count an agent's unread messages by priority.",
		Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var req struct {
				AgentID    string   `json:"agent_id"`
				Priorities []string `json:"priorities"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			priorities := make([]core.MessagePriority, 0, len(req.Priorities))
			for _, p := range req.Priorities {
				priorities = append(priorities, core.MessagePriority(p))
			}
			count, err := svc.Messages.CountUnread(ctx, req.AgentID, priorities)
			if err != nil {
				return nil, err
			}
			return map[string]int{"unread": count}, nil
		},
	})
}
