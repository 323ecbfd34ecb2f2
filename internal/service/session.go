package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/store"
)

// SessionService tracks connected client and daemon sessions. Sessions
// heartbeat periodically; stale or dead-pid sessions are swept along
// with the workflow locks they hold.
type SessionService struct {
	st  *store.Store
	log *logging.Logger
}

// Register records a new session for the given pid.
func (s *SessionService) Register(ctx context.Context, pid int, isDaemon bool) (*core.Session, error) {
	id := core.NewID(core.PrefixSession)
	now := store.Now()
	_, err := s.st.DB().ExecContext(ctx, `
		INSERT INTO sessions (id, pid, is_daemon, last_heartbeat, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, pid, boolInt(isDaemon), now, now)
	if err != nil {
		return nil, fmt.Errorf("registering session: %w", err)
	}

	s.log.Info("session registered", "session_id", id, "pid", pid, "daemon", isDaemon)
	return s.Get(ctx, id)
}

// Get loads a session.
func (s *SessionService) Get(ctx context.Context, id string) (*core.Session, error) {
	row := s.st.DB().QueryRowContext(ctx,
		"SELECT id, pid, is_daemon, last_heartbeat, created_at FROM sessions WHERE id = ?", id)
	var sess core.Session
	var isDaemon int
	err := row.Scan(&sess.ID, &sess.PID, &isDaemon, &sess.LastHeartbeat, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeSessionNotFound, "session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	sess.IsDaemon = isDaemon != 0
	return &sess, nil
}

// Heartbeat refreshes a session's liveness timestamp.
func (s *SessionService) Heartbeat(ctx context.Context, id string) error {
	res, err := s.st.DB().ExecContext(ctx,
		"UPDATE sessions SET last_heartbeat = ? WHERE id = ?", store.Now(), id)
	if err != nil {
		return fmt.Errorf("recording session heartbeat: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return core.ErrNotFound(core.CodeSessionNotFound, "session", id)
	}
	return nil
}

// PromoteToDaemon flags a session as the daemon session.
func (s *SessionService) PromoteToDaemon(ctx context.Context, id string) error {
	res, err := s.st.DB().ExecContext(ctx,
		"UPDATE sessions SET is_daemon = 1, last_heartbeat = ? WHERE id = ?", store.Now(), id)
	if err != nil {
		return fmt.Errorf("promoting session: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return core.ErrNotFound(core.CodeSessionNotFound, "session", id)
	}
	s.log.Info("session promoted to daemon", "session_id", id)
	return nil
}

// Deregister removes a session. Its workflow locks go with it via the
// foreign key cascade.
func (s *SessionService) Deregister(ctx context.Context, id string) error {
	if _, err := s.st.DB().ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("deregistering session: %w", err)
	}
	s.log.Info("session deregistered", "session_id", id)
	return nil
}

// CleanupStale removes sessions whose heartbeat is older than cutoff or
// whose pid is no longer alive. Returns the removed session ids.
func (s *SessionService) CleanupStale(ctx context.Context, cutoff int64) ([]string, error) {
	rows, err := s.st.DB().QueryContext(ctx,
		"SELECT id, pid, last_heartbeat FROM sessions")
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var id string
		var pid int32
		var hb int64
		if err := rows.Scan(&id, &pid, &hb); err != nil {
			return nil, err
		}
		if hb < cutoff {
			stale = append(stale, id)
			continue
		}
		alive, err := process.PidExists(pid)
		if err == nil && !alive {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range stale {
		if _, err := s.st.DB().ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
			return nil, fmt.Errorf("removing stale session: %w", err)
		}
		s.log.Info("stale session removed", "session_id", id)
	}
	return stale, nil
}
