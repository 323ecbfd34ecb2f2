// Package daemon implements process lifecycle: the server lock file,
// daemon/client role resolution, health monitoring and client-to-daemon
// promotion.
package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/process"
)

// LockFile is the JSON document written next to the database. One
// daemon per database path; the lock file names it.
type LockFile struct {
	PID          int    `json:"pid"`
	Port         int    `json:"port"`
	SessionID    string `json:"session_id"`
	ShuttingDown bool   `json:"shutting_down,omitempty"`
}

// ReadLockFile reads and parses the lock file. A missing file returns
// (nil, nil).
func ReadLockFile(path string) (*LockFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lock file: %w", err)
	}
	var lf LockFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("parsing lock file: %w", err)
	}
	return &lf, nil
}

// WriteLockFile creates the lock file with exclusive-create semantics.
// An existing file fails with os.ErrExist, which callers use as the
// race-resolution signal.
func WriteLockFile(path string, lf *LockFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(lf)
	if err != nil {
		return fmt.Errorf("serialising lock file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing lock file: %w", err)
	}
	return nil
}

// UpdateLockFile rewrites an existing lock file in place. Used by the
// owner only, e.g. to set shutting_down.
func UpdateLockFile(path string, lf *LockFile) error {
	data, err := json.Marshal(lf)
	if err != nil {
		return fmt.Errorf("serialising lock file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("updating lock file: %w", err)
	}
	return nil
}

// RemoveLockFileIfOwner unlinks the lock file if and only if the given
// session still owns it.
func RemoveLockFileIfOwner(path, sessionID string) error {
	lf, err := ReadLockFile(path)
	if err != nil || lf == nil {
		return err
	}
	if lf.SessionID != sessionID {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

// RemoveLockFile unlinks the lock file unconditionally; used when the
// recorded owner is provably dead.
func RemoveLockFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

// PidAlive reports whether a pid names a live process.
func PidAlive(pid int) bool {
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}
