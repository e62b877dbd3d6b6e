// Package utils holds small filesystem helpers shared across the pipeline:
// retried renames and write-replace semantics for state files.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// RenameWithRetry performs an atomic file rename with retry logic for Windows.
// On Windows, file renames can fail with "Access is denied" when another process
// (poller, editor, indexer) has a handle on the target file. This function
// retries with exponential backoff to handle transient locking.
//
// Parameters:
//   - oldPath: source file path
//   - newPath: destination file path
//   - maxRetries: maximum number of retry attempts (0 = no retries, try once)
//   - initialDelay: initial delay between retries (doubles each retry)
//
// Returns nil on success, or the last error if all retries failed.
func RenameWithRetry(oldPath, newPath string, maxRetries int, initialDelay time.Duration) error {
	var lastErr error
	delay := initialDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := os.Rename(oldPath, newPath)
		if err == nil {
			return nil
		}
		lastErr = err

		// On non-Windows, don't retry - the error is likely permanent
		if runtime.GOOS != "windows" {
			break
		}

		// Don't sleep after the last attempt
		if attempt < maxRetries {
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("rename failed after %d attempt(s): %w", maxRetries+1, lastErr)
}

// DefaultRenameRetry calls RenameWithRetry with sensible defaults for Windows:
// 3 retries with 100ms initial delay (100ms, 200ms, 400ms = 700ms max wait)
func DefaultRenameRetry(oldPath, newPath string) error {
	return RenameWithRetry(oldPath, newPath, 3, 100*time.Millisecond)
}

// WriteFileAtomic writes data to path through a sibling temp file and a
// rename, so readers never observe a torn file. The parent directory is
// created if needed.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := DefaultRenameRetry(tmpPath, path); err != nil {
		return err
	}
	return os.Chmod(path, perm)
}
