package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"
)

// WriterLock is the lock file a process holds while it writes decisions to
// a database. The in-process pipeline serializes writers within one
// process; the lock file extends that to separate CLI invocations.
type WriterLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// LockPath returns the lock file path for a database.
func LockPath(dbPath string) string {
	return dbPath + ".lock"
}

// AcquireWriterLock creates the writer lock for dbPath. A lock left by a
// process that no longer exists is taken over. Returns the lock file path
// for release on shutdown.
func AcquireWriterLock(dbPath, holder string) (string, error) {
	if dbPath == "" || dbPath == ":memory:" {
		return "", nil
	}
	lockPath := LockPath(dbPath)

	if data, err := os.ReadFile(lockPath); err == nil {
		var existing WriterLock
		if json.Unmarshal(data, &existing) == nil && isProcessAlive(existing.PID, existing.Hostname) {
			return "", fmt.Errorf("database is locked by %s (PID %d on %s, since %s)",
				existing.Holder, existing.PID, existing.Hostname, existing.StartedAt.Format(time.RFC3339))
		}
		// Stale lock - remove and retake
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	lock := WriterLock{
		Holder:    holder,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}

	// O_EXCL so two processes racing past the stale check cannot both win
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("database is locked by another writer")
		}
		return "", fmt.Errorf("failed to create writer lock: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("failed to write writer lock: %w", err)
	}

	return lockPath, nil
}

// ReleaseWriterLock removes the writer lock file.
func ReleaseWriterLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}

	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove writer lock: %w", err)
	}

	return nil
}

// ClearStaleWriterLock removes the writer lock for dbPath if the process
// that took it is gone. It returns the lock that was found, if any, and
// whether it was removed. A lock held by a live or remote process is left
// in place.
func ClearStaleWriterLock(dbPath string) (*WriterLock, bool, error) {
	lockPath := LockPath(dbPath)
	data, err := os.ReadFile(lockPath)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read writer lock: %w", err)
	}

	var lock WriterLock
	if err := json.Unmarshal(data, &lock); err != nil {
		// Unreadable lock files cannot name a live holder
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, false, fmt.Errorf("failed to remove corrupt lock: %w", err)
		}
		return nil, true, nil
	}
	if isProcessAlive(lock.PID, lock.Hostname) {
		return &lock, false, nil
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return &lock, false, fmt.Errorf("failed to remove stale lock: %w", err)
	}
	return &lock, true, nil
}

// isProcessAlive checks if a process with the given PID exists on the given hostname.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		// Can't check hostname, assume remote/alive
		return true
	}

	if !strings.EqualFold(hostname, currentHost) {
		// Remote host - can't check, assume alive
		return true
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Send signal 0 to check if process exists
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}

	// EPERM: process exists but we don't have permission
	if errors.Is(err, syscall.EPERM) {
		return true
	}

	return false
}
