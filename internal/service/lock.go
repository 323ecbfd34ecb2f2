package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/store"
)

// LockService implements per-workflow advisory write locks. A lock is a
// single row keyed by workflow id; acquisition is a conditional insert
// so two sessions cannot both hold one.
type LockService struct {
	st  *store.Store
	log *logging.Logger
}

// Lock acquires the workflow lock for a session. Re-acquiring a lock
// the session already holds succeeds.
func (s *LockService) Lock(ctx context.Context, workflowID, sessionID string) (*core.WorkflowLock, error) {
	var wfExists int
	if err := s.st.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM workflows WHERE id = ?", workflowID).Scan(&wfExists); err != nil {
		return nil, fmt.Errorf("checking workflow: %w", err)
	}
	if wfExists == 0 {
		return nil, core.ErrNotFound(core.CodeWorkflowNotFound, "workflow", workflowID)
	}

	_, err := s.st.DB().ExecContext(ctx, `
		INSERT INTO workflow_locks (workflow_id, session_id, locked_at)
		VALUES (?, ?, ?)
		ON CONFLICT (workflow_id) DO NOTHING
	`, workflowID, sessionID, store.Now())
	if err != nil {
		return nil, fmt.Errorf("acquiring workflow lock: %w", err)
	}

	lock, err := s.GetLockInfo(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, core.ErrInternal(fmt.Errorf("workflow lock vanished after acquisition"))
	}
	if lock.SessionID != sessionID {
		return nil, core.NewToolError(core.CodeWorkflowLocked,
			fmt.Sprintf("workflow %s is locked by session %s", workflowID, lock.SessionID), true)
	}

	s.log.Debug("workflow locked", "workflow_id", workflowID, "session_id", sessionID)
	return lock, nil
}

// Unlock releases the lock if held by the session. Unlocking an
// unlocked workflow is a no-op; another session's lock stays put.
func (s *LockService) Unlock(ctx context.Context, workflowID, sessionID string) error {
	res, err := s.st.DB().ExecContext(ctx,
		"DELETE FROM workflow_locks WHERE workflow_id = ? AND session_id = ?",
		workflowID, sessionID)
	if err != nil {
		return fmt.Errorf("releasing workflow lock: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		s.log.Debug("workflow unlocked", "workflow_id", workflowID, "session_id", sessionID)
	}
	return nil
}

// GetLockInfo returns the current lock row, or nil when unlocked.
func (s *LockService) GetLockInfo(ctx context.Context, workflowID string) (*core.WorkflowLock, error) {
	row := s.st.DB().QueryRowContext(ctx,
		"SELECT workflow_id, session_id, locked_at FROM workflow_locks WHERE workflow_id = ?",
		workflowID)
	var lock core.WorkflowLock
	err := row.Scan(&lock.WorkflowID, &lock.SessionID, &lock.LockedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow lock: %w", err)
	}
	return &lock, nil
}

// IsLockedByOther reports whether a different session holds the lock.
func (s *LockService) IsLockedByOther(ctx context.Context, workflowID, sessionID string) (bool, *core.WorkflowLock, error) {
	lock, err := s.GetLockInfo(ctx, workflowID)
	if err != nil {
		return false, nil, err
	}
	if lock == nil || lock.SessionID == sessionID {
		return false, lock, nil
	}
	return true, lock, nil
}

// ReleaseStale drops locks held by sessions that no longer exist or
// whose heartbeat is older than cutoff. Returns the freed workflow ids.
func (s *LockService) ReleaseStale(ctx context.Context, cutoff int64) ([]string, error) {
	rows, err := s.st.DB().QueryContext(ctx, `
		SELECT l.workflow_id FROM workflow_locks l
		LEFT JOIN sessions sess ON sess.id = l.session_id
		WHERE sess.id IS NULL OR sess.last_heartbeat < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stale locks: %w", err)
	}
	defer rows.Close()

	var freed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		freed = append(freed, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range freed {
		if _, err := s.st.DB().ExecContext(ctx,
			"DELETE FROM workflow_locks WHERE workflow_id = ?", id); err != nil {
			return nil, fmt.Errorf("releasing stale lock: %w", err)
		}
		s.log.Info("stale workflow lock released", "workflow_id", id)
	}
	return freed, nil
}
