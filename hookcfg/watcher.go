package hookcfg

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	tracetap "github.com/frobware/go-tracetap"
)

// debounceDelay coalesces the event bursts editors produce on save.
const debounceDelay = 500 * time.Millisecond

// Watcher monitors a hook file and delivers each successfully loaded
// configuration to a callback. A file change that fails to load is
// logged and dropped so the previously applied configuration stays
// live.
type Watcher struct {
	path     string
	onChange func(tracetap.Config)
	logger   *slog.Logger

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
	mu       sync.Mutex
}

// NewWatcher creates a watcher for the given hook file. onChange is
// called with each configuration that loads cleanly.
func NewWatcher(path string, onChange func(tracetap.Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger.With("component", "hookcfg"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching the hook file for changes. The parent
// directory is watched rather than the file itself so that editors
// which save via rename, and files created after startup, are still
// seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}

	go w.loop(ctx)
	w.logger.Info("hook file watcher started", "path", w.path)
	return nil
}

// Stop shuts down the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

func (w *Watcher) loop(ctx context.Context) {
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug("hook file changed", "op", event.Op.String())

			// Debounce: reset the timer on each event.
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("hook file watcher error", "error", err)

		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("hook file reload failed, keeping previous configuration", "error", err)
		return
	}

	w.logger.Info("hook file reloaded", "hooks", len(cfg.Hooks))
	w.onChange(cfg)
}
