// Package lockfile implements the pipeline's cross-process locks.
//
// A lock is a file under state/ holding a JSON description of the owner,
// guarded by an OS-level advisory lock (flock on unix, LockFileEx on
// Windows). The advisory lock is released automatically when the owning
// process dies, so a crash never wedges the pipeline; the JSON payload
// exists for diagnostics and for the second-instance error message.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/waitline/waitline/internal/debug"
)

// ErrLockBusy is returned when another live process holds the lock.
var ErrLockBusy = errors.New("lock is held by another process")

// LockInfo describes the process holding a lock.
type LockInfo struct {
	PID       int       `json:"pid"`
	ParentPID int       `json:"parent_pid"`
	Root      string    `json:"root"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held lock. Release is idempotent.
type Lock struct {
	path     string
	file     *os.File
	released bool
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Acquire takes the exclusive lock at path, writing info into the file.
// Returns ErrLockBusy if another live process holds it, unless that
// holder has held the lock past StaleAge; a stale holder's lock is
// treated as abandoned and taken over.
func Acquire(path string, info LockInfo) (*Lock, error) {
	l, err := tryAcquire(path, info)
	if err == nil || !errors.Is(err, ErrLockBusy) {
		return l, err
	}

	holder, readErr := ReadInfo(path)
	if readErr != nil || !IsStale(holder) {
		return nil, ErrLockBusy
	}

	// Removing the path detaches the hung holder's flock, which stays on
	// the orphaned inode; contenders racing for the fresh file are still
	// arbitrated by flock in the re-acquire.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale lock %s: %w", path, err)
	}
	debug.LogEvent("LOCK_TAKEOVER", path,
		fmt.Sprintf("pid=%d started_at=%s", holder.PID, holder.StartedAt.UTC().Format(time.RFC3339)))
	return tryAcquire(path, info)
}

func tryAcquire(path string, info LockInfo) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if err := flockExclusive(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLockBusy) {
			return nil, ErrLockBusy
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.ParentPID == 0 {
		info.ParentPID = os.Getppid()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}

	data, err := json.Marshal(info)
	if err != nil {
		flockUnlock(f)
		f.Close()
		return nil, fmt.Errorf("marshal lock info: %w", err)
	}
	if err := f.Truncate(0); err == nil {
		if _, err := f.WriteAt(data, 0); err == nil {
			f.Sync()
		}
	}

	return &Lock{path: path, file: f}, nil
}

// AcquireWait polls for the lock until it is acquired, the timeout expires,
// or ctx is cancelled. Used by the poller, which prefers waiting briefly
// over exiting when a previous cycle is still letting go.
func AcquireWait(ctx context.Context, path string, info LockInfo, timeout, interval time.Duration) (*Lock, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		l, err := Acquire(path, info)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLockBusy) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out after %v waiting for %s: %w", timeout, path, ErrLockBusy)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Release unlocks and removes the lock file. Safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true

	unlockErr := flockUnlock(l.file)

	// Remove only while path still names our file; after a stale-lock
	// takeover it belongs to the new holder.
	var removeErr error
	if fi, err := l.file.Stat(); err == nil {
		if pi, statErr := os.Stat(l.path); statErr == nil && os.SameFile(fi, pi) {
			removeErr = os.Remove(l.path)
		}
	}
	closeErr := l.file.Close()

	if unlockErr != nil {
		return fmt.Errorf("unlock %s: %w", l.path, unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", l.path, closeErr)
	}
	if removeErr != nil && !os.IsNotExist(removeErr) {
		return fmt.Errorf("remove %s: %w", l.path, removeErr)
	}
	return nil
}

// ReadInfo reads the owner description from a lock file. Accepts the JSON
// format and, for robustness, a bare-PID file left by external tooling.
func ReadInfo(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var info LockInfo
	if err := json.Unmarshal(data, &info); err == nil {
		return &info, nil
	}

	if pid, convErr := strconv.Atoi(strings.TrimSpace(string(data))); convErr == nil {
		return &LockInfo{PID: pid}, nil
	}
	return nil, fmt.Errorf("unrecognized lock file format in %s", path)
}

// StaleAge is how old a lock's started_at may be before the holder is
// presumed hung even when its PID is still alive.
const StaleAge = 24 * time.Hour

// IsStale reports whether the lock owner is dead or has held the lock
// longer than StaleAge.
func IsStale(info *LockInfo) bool {
	if info == nil {
		return false
	}
	if !isProcessRunning(info.PID) {
		return true
	}
	return time.Since(info.StartedAt) > StaleAge
}
