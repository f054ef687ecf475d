package loader

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events editors emit for one save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher watches a behavior file and calls onChange after it settles. onChange is typically a
// forced refresh of the registry.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(context.Context) error
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, onChange func(context.Context) error, logger *slog.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		path:     absPath,
		watcher:  watcher,
		onChange: onChange,
		logger:   logger,
		debounce: DefaultDebounce,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce changes the settle time. It must be called before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start begins watching. The directory is watched rather than the file, since editors often
// replace a file by renaming a temporary one over it.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.running = true

	w.logger.Info("Behavior file watcher started", "path", w.path)
	go w.watchLoop(ctx)
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			w.logger.Debug("Behavior file event", "event", event.Op.String(), "file", event.Name)

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounce, func() { w.trigger(ctx) })
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Behavior file watcher error", "error", err)

		case <-w.stopCh:
			w.logger.Info("Behavior file watcher stopped")
			return

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) trigger(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := w.onChange(ctx); err != nil {
		w.logger.Error("Behavior reload after file change failed",
			"path", w.path,
			"error", err,
			"duration", time.Since(start))
		return
	}
	w.logger.Info("Behavior file changed, registry reloaded",
		"path", w.path,
		"duration", time.Since(start))
}
