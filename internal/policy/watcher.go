package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patchflow/internal/logging"
)

// Watcher reloads a policy file into a Swappable when it changes. A file
// that fails to parse leaves the previous policy active.
type Watcher struct {
	path    string
	target  *Swappable
	logger  *logging.Logger
	watcher *fsnotify.Watcher

	reloaded chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher watches path. The directory is watched so editors that replace
// the file by rename are seen.
func NewWatcher(path string, target *Swappable, logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		target:   target,
		logger:   logger.Named("policy"),
		watcher:  fw,
		reloaded: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Start processes events until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop releases the underlying watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
}

// Reloaded signals after each successful reload.
func (w *Watcher) Reloaded() <-chan struct{} {
	return w.reloaded
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.reload(ctx)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "policy watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	p, err := LoadFile(w.path)
	if err != nil {
		// Partial writes land here too; the next event retries.
		w.logger.Warn(ctx, "policy reload failed, keeping previous policy", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.target.Store(p)
	w.logger.Info(ctx, "policy reloaded", zap.String("path", w.path))
	select {
	case w.reloaded <- struct{}{}:
	default:
	}
}
