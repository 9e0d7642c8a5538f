package gridsync

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

type WatcherOptions struct {
	Syncer      *Syncer
	ProfilePath string
	// Interval triggers periodic resyncs independent of file changes.
	// Zero disables the timer.
	Interval time.Duration
	// Debounce coalesces bursts of filesystem events into one run.
	Debounce time.Duration
	Logger   Logger
}

// Watcher re-runs the profile's sync whenever the profile file changes
// and, optionally, on a fixed interval. It replaces the trigger hooks
// the original platform provided.
type Watcher struct {
	syncer      *Syncer
	profilePath string
	interval    time.Duration
	debounce    time.Duration
	logger      Logger
}

func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	if opts.Syncer == nil {
		return nil, ErrConfiguration
	}
	if opts.ProfilePath == "" {
		return nil, ErrConfiguration
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		syncer:      opts.Syncer,
		profilePath: filepath.Clean(opts.ProfilePath),
		interval:    opts.Interval,
		debounce:    debounce,
		logger:      opts.Logger,
	}, nil
}

// Run blocks until the context is canceled. The initial sync runs
// immediately; failures are logged and do not stop the watch loop.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Watch the directory, not the file: editors replace files via
	// rename, which drops a direct file watch.
	if err := watcher.Add(filepath.Dir(w.profilePath)); err != nil {
		return err
	}

	w.runOnce(ctx)

	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var pending *time.Timer
	var pendingC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.profilePath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(w.debounce)
				pendingC = pending.C
			} else {
				pending.Reset(w.debounce)
			}
		case <-pendingC:
			pending = nil
			pendingC = nil
			w.runOnce(ctx)
		case <-tick:
			w.runOnce(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logf(w.logger, "watch error: %v", err)
		}
	}
}

func (w *Watcher) runOnce(ctx context.Context) {
	profile, err := LoadProfile(w.profilePath)
	if err != nil {
		logf(w.logger, "profile reload failed: %v", err)
		return
	}
	result, err := w.syncer.Sync(ctx, profile.Request())
	if err != nil {
		logf(w.logger, "sync failed: %v", err)
		return
	}
	logf(w.logger, "sync %s done: mode=%s sheet=%s records=%d appended=%d inserted=%d updated=%d",
		result.RunID, result.Mode, result.Sheet, result.Records, result.Appended, result.Inserted, result.Updated)
}
