package core

// MessageType classifies inter-agent messages.
type MessageType string

const (
	MessageTaskAssignment MessageType = "task_assignment"
	MessageStatusUpdate   MessageType = "status_update"
	MessageQuery          MessageType = "query"
	MessageResponse       MessageType = "response"
	MessageBroadcast      MessageType = "broadcast"
)

// MessagePriority orders messages for delivery emphasis.
type MessagePriority string

const (
	PriorityLow    MessagePriority = "low"
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
	PriorityUrgent MessagePriority = "urgent"
)

// MessageStatus tracks read state.
type MessageStatus string

const (
	MessageUnread   MessageStatus = "unread"
	MessageRead     MessageStatus = "read"
	MessageArchived MessageStatus = "archived"
)

// ValidMessageType reports whether t names a known message type.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageTaskAssignment, MessageStatusUpdate, MessageQuery,
		MessageResponse, MessageBroadcast:
		return true
	}
	return false
}

// ValidMessagePriority reports whether p names a known priority.
func ValidMessagePriority(p MessagePriority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Message is a durable agent-to-agent or agent-to-operator message.
// Body may carry serialized structured data; structured inputs are
// canonicalised to a JSON string before persistence.
type Message struct {
	ID          string          `json:"id"`
	SenderID    string          `json:"sender_id"`
	RecipientID string          `json:"recipient_id"`
	Type        MessageType     `json:"message_type"`
	Subject     string          `json:"subject"`
	Body        string          `json:"body"`
	Priority    MessagePriority `json:"priority"`
	Status      MessageStatus   `json:"status"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	TaskID      string          `json:"task_id,omitempty"`
	ReplyToID   string          `json:"reply_to_id,omitempty"`
	CreatedAt   int64           `json:"created_at"`
}
