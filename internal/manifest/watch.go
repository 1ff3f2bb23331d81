package manifest

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a manifest file when it changes on disk.
type Watcher struct {
	path     string
	w        *fsnotify.Watcher
	onChange func(prev, next *Manifest)
	debounce time.Duration
	logger   *zap.Logger

	current *Manifest
}

// NewWatcher watches path. current is the manifest already applied and may
// be nil. onChange runs on the Run goroutine after every successful reload.
func NewWatcher(path string, current *Manifest, onChange func(prev, next *Manifest), logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files by rename.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}
	return &Watcher{
		path:     abs,
		w:        w,
		onChange: onChange,
		debounce: 100 * time.Millisecond,
		logger:   logger.Named("manifest"),
		current:  current,
	}, nil
}

// Run processes file events until ctx ends, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.w.Close()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.logger.Warn("manifest watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Warn("manifest reload failed, keeping previous", zap.Error(err))
		return
	}
	prev := w.current
	w.current = next
	w.logger.Info("manifest reloaded", zap.Int("groups", len(next.Groups)))
	if w.onChange != nil {
		w.onChange(prev, next)
	}
}
