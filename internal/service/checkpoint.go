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

// CheckpointService appends and reads the per-task checkpoint journal.
// Sequence numbers are dense per task and allocated inside the insert
// itself, so concurrent writers never collide.
type CheckpointService struct {
	st  *store.Store
	log *logging.Logger
}

// Add appends a checkpoint to a task's journal.
func (s *CheckpointService) Add(ctx context.Context, taskID string, cpType core.CheckpointType, summary, detail string, files []string) (*core.Checkpoint, error) {
	if !core.ValidCheckpointType(cpType) {
		return nil, core.ErrInvalidInput(fmt.Sprintf("unknown checkpoint type: %s", cpType))
	}
	if strings.TrimSpace(summary) == "" {
		return nil, core.ErrInvalidInput("checkpoint summary must not be empty")
	}

	var exists int
	if err := s.st.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE id = ?", taskID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking task: %w", err)
	}
	if exists == 0 {
		return nil, core.ErrNotFound(core.CodeTaskNotFound, "task", taskID)
	}

	var id string
	err := s.st.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.insertTx(ctx, tx, taskID, cpType, summary, detail, files)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.get(ctx, id)
}

// addTx appends a checkpoint inside an existing transaction. Callers
// are expected to have verified the task exists.
func (s *CheckpointService) addTx(ctx context.Context, tx *sql.Tx, taskID string, cpType core.CheckpointType, summary, detail string, files []string) error {
	_, err := s.insertTx(ctx, tx, taskID, cpType, summary, detail, files)
	return err
}

func (s *CheckpointService) insertTx(ctx context.Context, tx *sql.Tx, taskID string, cpType core.CheckpointType, summary, detail string, files []string) (string, error) {
	id := core.NewID(core.PrefixCheckpoint)
	// The sequence is computed in the same statement that inserts the
	// row, so two writers cannot both observe the same MAX.
	_, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (id, task_id, sequence, type, summary, detail, files, created_at)
		SELECT ?, ?, COALESCE(MAX(sequence), 0) + 1, ?, ?, ?, ?, ?
		FROM checkpoints WHERE task_id = ?
	`, id, taskID, cpType, summary, store.NullString(detail), store.NullString(marshalJSON(files)), store.Now(), taskID)
	if err != nil {
		return "", fmt.Errorf("inserting checkpoint: %w", err)
	}
	return id, nil
}

const checkpointSelect = `
	SELECT id, task_id, sequence, type, summary, detail, files, created_at
	FROM checkpoints`

func (s *CheckpointService) get(ctx context.Context, id string) (*core.Checkpoint, error) {
	row := s.st.DB().QueryRowContext(ctx, checkpointSelect+" WHERE id = ?", id)
	cp, err := scanCheckpoint(row)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	return cp, nil
}

// ListFilter narrows a checkpoint listing.
type ListFilter struct {
	Types         []core.CheckpointType
	SinceSequence int
	Limit         int
}

// List returns a task's checkpoints in sequence order.
func (s *CheckpointService) List(ctx context.Context, taskID string, filter ListFilter) ([]*core.Checkpoint, error) {
	var exists int
	if err := s.st.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE id = ?", taskID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking task: %w", err)
	}
	if exists == 0 {
		return nil, core.ErrNotFound(core.CodeTaskNotFound, "task", taskID)
	}

	q := checkpointSelect + " WHERE task_id = ?"
	args := []any{taskID}
	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			if !core.ValidCheckpointType(t) {
				return nil, core.ErrInvalidInput(fmt.Sprintf("unknown checkpoint type: %s", t))
			}
			placeholders[i] = "?"
			args = append(args, t)
		}
		q += " AND type IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if filter.SinceSequence > 0 {
		q += " AND sequence > ?"
		args = append(args, filter.SinceSequence)
	}
	q += " ORDER BY sequence"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.st.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*core.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Latest returns the most recent checkpoint of a task, or nil when the
// journal is empty.
func (s *CheckpointService) Latest(ctx context.Context, taskID string) (*core.Checkpoint, error) {
	row := s.st.DB().QueryRowContext(ctx,
		checkpointSelect+" WHERE task_id = ? ORDER BY sequence DESC LIMIT 1", taskID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest checkpoint: %w", err)
	}
	return cp, nil
}

func scanCheckpoint(row rowScanner) (*core.Checkpoint, error) {
	var cp core.Checkpoint
	var detail, files sql.NullString
	err := row.Scan(&cp.ID, &cp.TaskID, &cp.Sequence, &cp.Type, &cp.Summary, &detail, &files, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	cp.Detail = stringOr(detail)
	cp.Files = unmarshalStrings(files)
	return &cp, nil
}
