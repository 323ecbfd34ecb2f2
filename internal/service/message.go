package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/store"
)

// MessageService persists durable agent-to-agent messages. Bodies may be
// plain strings or structured values; structured bodies are canonicalised
// to a JSON string before persistence.
type MessageService struct {
	st  *store.Store
	log *logging.Logger
}

// SendInput is the payload of Send.
type SendInput struct {
	SenderID    string
	RecipientID string
	Type        core.MessageType
	Subject     string
	Body        any
	Priority    core.MessagePriority
	WorkflowID  string
	TaskID      string
	ReplyToID   string
}

// CanonicalBody renders a message body to its stored string form.
func CanonicalBody(body any) (string, error) {
	switch v := body.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", core.ErrInvalidInput(fmt.Sprintf("message body is not serialisable: %v", err))
		}
		return string(b), nil
	}
}

// Send delivers a message to one recipient.
func (s *MessageService) Send(ctx context.Context, in SendInput) (*core.Message, error) {
	if !core.ValidMessageType(in.Type) {
		return nil, core.ErrInvalidInput(fmt.Sprintf("unknown message type: %s", in.Type))
	}
	if in.Priority == "" {
		in.Priority = core.PriorityNormal
	}
	if !core.ValidMessagePriority(in.Priority) {
		return nil, core.ErrInvalidInput(fmt.Sprintf("unknown message priority: %s", in.Priority))
	}

	if err := s.agentExists(ctx, in.SenderID); err != nil {
		return nil, core.ErrNotFound(core.CodeSenderNotFound, "sender", in.SenderID)
	}
	if err := s.agentExists(ctx, in.RecipientID); err != nil {
		return nil, core.ErrNotFound(core.CodeRecipientNotFound, "recipient", in.RecipientID)
	}

	body, err := CanonicalBody(in.Body)
	if err != nil {
		return nil, err
	}

	id := core.NewID(core.PrefixMessage)
	now := store.Now()
	_, err = s.st.DB().ExecContext(ctx, `
		INSERT INTO messages (id, sender_id, recipient_id, message_type, subject, body,
		                      priority, status, workflow_id, task_id, reply_to_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'unread', ?, ?, ?, ?)
	`, id, in.SenderID, in.RecipientID, in.Type, store.NullString(in.Subject),
		store.NullString(body), in.Priority,
		store.NullString(in.WorkflowID), store.NullString(in.TaskID),
		store.NullString(in.ReplyToID), now)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	s.log.Debug("message sent",
		"message_id", id, "from", in.SenderID, "to", in.RecipientID, "type", in.Type)
	return s.Get(ctx, id, false)
}

// Broadcast delivers a copy of the message to every online or busy
// agent except the sender and returns the created messages.
func (s *MessageService) Broadcast(ctx context.Context, in SendInput) ([]*core.Message, error) {
	if err := s.agentExists(ctx, in.SenderID); err != nil {
		return nil, core.ErrNotFound(core.CodeSenderNotFound, "sender", in.SenderID)
	}

	q := "SELECT id FROM agents WHERE id != ? AND status IN ('online', 'busy')"
	args := []any{in.SenderID}
	if in.WorkflowID != "" {
		q += " AND (workflow_id = ? OR workflow_id IS NULL)"
		args = append(args, in.WorkflowID)
	}
	rows, err := s.st.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing broadcast recipients: %w", err)
	}
	defer rows.Close()

	var recipients []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		recipients = append(recipients, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	in.Type = core.MessageBroadcast
	var out []*core.Message
	for _, r := range recipients {
		copyIn := in
		copyIn.RecipientID = r
		msg, err := s.Send(ctx, copyIn)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

const messageSelect = `
	SELECT id, sender_id, recipient_id, message_type, subject, body,
	       priority, status, workflow_id, task_id, reply_to_id, created_at
	FROM messages`

// Get loads a message, optionally marking it read.
func (s *MessageService) Get(ctx context.Context, id string, markRead bool) (*core.Message, error) {
	row := s.st.DB().QueryRowContext(ctx, messageSelect+" WHERE id = ?", id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeMessageNotFound, "message", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading message: %w", err)
	}

	if markRead && msg.Status == core.MessageUnread {
		if _, err := s.st.DB().ExecContext(ctx,
			"UPDATE messages SET status = 'read' WHERE id = ? AND status = 'unread'", id); err != nil {
			return nil, fmt.Errorf("marking message read: %w", err)
		}
		msg.Status = core.MessageRead
	}
	return msg, nil
}

// MessageFilter narrows List.
type MessageFilter struct {
	Status     core.MessageStatus
	Type       core.MessageType
	WorkflowID string
	TaskID     string
	Limit      int
}

// List returns an agent's inbox, newest first.
func (s *MessageService) List(ctx context.Context, agentID string, filter MessageFilter) ([]*core.Message, error) {
	q := messageSelect + " WHERE recipient_id = ?"
	args := []any{agentID}
	if filter.Status != "" {
		q += " AND status = ?"
		args = append(args, filter.Status)
	} else {
		q += " AND status != 'archived'"
	}
	if filter.Type != "" {
		q += " AND message_type = ?"
		args = append(args, filter.Type)
	}
	if filter.WorkflowID != "" {
		q += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	if filter.TaskID != "" {
		q += " AND task_id = ?"
		args = append(args, filter.TaskID)
	}
	q += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.st.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []*core.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// MarkRead flips a message to read.
func (s *MessageService) MarkRead(ctx context.Context, id string) (*core.Message, error) {
	if _, err := s.Get(ctx, id, false); err != nil {
		return nil, err
	}
	_, err := s.st.DB().ExecContext(ctx,
		"UPDATE messages SET status = 'read' WHERE id = ? AND status = 'unread'", id)
	if err != nil {
		return nil, fmt.Errorf("marking message read: %w", err)
	}
	return s.Get(ctx, id, false)
}

// Archive flips a message to archived.
func (s *MessageService) Archive(ctx context.Context, id string) (*core.Message, error) {
	if _, err := s.Get(ctx, id, false); err != nil {
		return nil, err
	}
	_, err := s.st.DB().ExecContext(ctx,
		"UPDATE messages SET status = 'archived' WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("archiving message: %w", err)
	}
	return s.Get(ctx, id, false)
}

// CountUnread counts an agent's unread messages, optionally restricted
// to a priority set.
func (s *MessageService) CountUnread(ctx context.Context, agentID string, priorities []core.MessagePriority) (int, error) {
	q := "SELECT COUNT(*) FROM messages WHERE recipient_id = ? AND status = 'unread'"
	args := []any{agentID}
	if len(priorities) > 0 {
		placeholders := make([]string, len(priorities))
		for i, p := range priorities {
			if !core.ValidMessagePriority(p) {
				return 0, core.ErrInvalidInput(fmt.Sprintf("unknown message priority: %s", p))
			}
			placeholders[i] = "?"
			args = append(args, p)
		}
		q += " AND priority IN (" + strings.Join(placeholders, ", ") + ")"
	}

	var count int
	if err := s.st.DB().QueryRowContext(ctx, q, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return count, nil
}

func (s *MessageService) agentExists(ctx context.Context, id string) error {
	var n int
	if err := s.st.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM agents WHERE id = ?", id).Scan(&n); err != nil {
		return fmt.Errorf("checking agent: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanMessage(row rowScanner) (*core.Message, error) {
	var m core.Message
	var subject, body, workflowID, taskID, replyTo sql.NullString
	err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Type, &subject, &body,
		&m.Priority, &m.Status, &workflowID, &taskID, &replyTo, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Subject = stringOr(subject)
	m.Body = stringOr(body)
	m.WorkflowID = stringOr(workflowID)
	m.TaskID = stringOr(taskID)
	m.ReplyToID = stringOr(replyTo)
	return &m, nil
}
