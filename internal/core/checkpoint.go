package core

// CheckpointType classifies a checkpoint entry.
type CheckpointType string

const (
	CheckpointPlan     CheckpointType = "plan"
	CheckpointProgress CheckpointType = "progress"
	CheckpointDecision CheckpointType = "decision"
	CheckpointError    CheckpointType = "error"
	CheckpointRecovery CheckpointType = "recovery"
	CheckpointComplete CheckpointType = "complete"
	CheckpointReplan   CheckpointType = "replan"
)

// ValidCheckpointType reports whether t names a known checkpoint type.
func ValidCheckpointType(t CheckpointType) bool {
	switch t {
	case CheckpointPlan, CheckpointProgress, CheckpointDecision,
		CheckpointError, CheckpointRecovery, CheckpointComplete, CheckpointReplan:
		return true
	}
	return false
}

// Checkpoint is an append-only, immutable per-task progress record.
// Sequence is allocated atomically on insert and is 1..K strictly
// increasing per task.
type Checkpoint struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Sequence  int            `json:"sequence"`
	Type      CheckpointType `json:"type"`
	Summary   string         `json:"summary"`
	Detail    string         `json:"detail,omitempty"`
	Files     []string       `json:"files,omitempty"`
	CreatedAt int64          `json:"created_at"`
}
