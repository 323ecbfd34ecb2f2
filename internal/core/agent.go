package core

// AgentRuntime identifies the executable behind an agent.
type AgentRuntime string

const (
	RuntimeClaudeCode AgentRuntime = "claude_code"
	RuntimeCodex      AgentRuntime = "codex"
	RuntimeOpencode   AgentRuntime = "opencode"
	RuntimeCustom     AgentRuntime = "custom"
	RuntimeHuman      AgentRuntime = "human"
)

// AgentRole distinguishes coordinators from workers.
type AgentRole string

const (
	RoleCoordinator AgentRole = "coordinator"
	RoleWorker      AgentRole = "worker"
)

// AgentStatus tracks liveness.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentBusy    AgentStatus = "busy"
)

// ValidAgentRuntime reports whether r names a known runtime.
func ValidAgentRuntime(r AgentRuntime) bool {
	switch r {
	case RuntimeClaudeCode, RuntimeCodex, RuntimeOpencode, RuntimeCustom, RuntimeHuman:
		return true
	}
	return false
}

// ValidAgentRole reports whether r names a known role.
func ValidAgentRole(r AgentRole) bool {
	return r == RoleCoordinator || r == RoleWorker
}

// ValidAgentStatus reports whether s names a known agent status.
func ValidAgentStatus(s AgentStatus) bool {
	return s == AgentOnline || s == AgentOffline || s == AgentBusy
}

// Agent is a live or recently-live execution principal. An agent may
// outlive the workflow run it was registered for.
type Agent struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Runtime       AgentRuntime `json:"runtime"`
	Role          AgentRole    `json:"role"`
	Status        AgentStatus  `json:"status"`
	Capabilities  []string     `json:"capabilities,omitempty"`
	WorkflowID    string       `json:"workflow_id,omitempty"`
	WorkspacePath string       `json:"workspace_path,omitempty"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
	LastHeartbeat int64        `json:"last_heartbeat"`
	Metadata      string       `json:"metadata,omitempty"`
	CreatedAt     int64        `json:"created_at"`
	UpdatedAt     int64        `json:"updated_at"`
}
