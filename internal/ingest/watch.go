package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/waitline/waitline/internal/debug"
)

// watchDebounce collapses bursts of filesystem events into one run.
const watchDebounce = 2 * time.Second

// Watch re-runs the incremental ingest whenever the source tree changes.
// sourceDir is watched recursively (fsnotify is not recursive on its own,
// so every subdirectory is added, including ones created while watching).
// onRun receives each run's outcome; a nil result means the run errored.
// Returns when ctx is canceled.
func (rn *Runner) Watch(ctx context.Context, sourceDir string, opts Options, onRun func(*Result, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	addTree := func(root string) error {
		return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return watcher.Add(path)
			}
			return nil
		})
	}
	if err := addTree(sourceDir); err != nil {
		return fmt.Errorf("watch %s: %w", sourceDir, err)
	}

	// One pass up front so a watcher started after files landed still
	// picks them up.
	res, err := rn.Run(ctx, opts)
	onRun(res, err)

	var debounce *time.Timer
	runs := make(chan struct{}, 1)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				// New directories must be added to keep the watch
				// recursive; errors here mean the entry vanished already.
				_ = addTree(event.Name)
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, func() {
					select {
					case runs <- struct{}{}:
					default:
					}
				})
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			debug.Logf("watch error: %v\n", werr)
		case <-runs:
			res, err := rn.Run(ctx, opts)
			onRun(res, err)
		}
	}
}
