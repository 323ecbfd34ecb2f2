package core

// Session is a client process identity used as the principal for
// workflow locks and for the daemon's own identity in the lock file.
type Session struct {
	ID            string `json:"id"`
	PID           int    `json:"pid"`
	IsDaemon      bool   `json:"is_daemon"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	CreatedAt     int64  `json:"created_at"`
}

// WorkflowLock marks a session as the exclusive writer for a workflow's
// plan-mutating operations. One row per workflow.
type WorkflowLock struct {
	WorkflowID string `json:"workflow_id"`
	SessionID  string `json:"session_id"`
	LockedAt   int64  `json:"locked_at"`
}
