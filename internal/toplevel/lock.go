package toplevel

import (
	"path/filepath"
	"time"

	"github.com/dcmpipe/dcmpipe/internal/engine"
)

// WithLock runs fn while holding an advisory exclusive lock on a
// ".heudiconv.lock" file at datasetRoot, so two engine instances converting
// into the same BIDS dataset don't race on its shared top-level files. It
// tries to acquire the lock up to cfg.MaxLockRetries times, waiting a fixed
// cfg.FileLockTimeout/cfg.MaxLockRetries after each failed attempt, before
// giving up. Errors returned by fn are not retried.
func WithLock(datasetRoot string, cfg engine.Config, fn func() error) error {
	lockPath := filepath.Join(datasetRoot, ".heudiconv.lock")
	retries := cfg.MaxLockRetries
	if retries <= 0 {
		retries = 1
	}
	interval := cfg.FileLockTimeout / time.Duration(retries)
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		lock, err := acquireFlock(lockPath)
		if err == nil {
			defer lock.release()
			return fn()
		}
		lastErr = err
		time.Sleep(interval)
	}
	return &engine.FilesystemError{Op: "flock", Path: lockPath, Err: lastErr}
}
