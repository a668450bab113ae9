package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/SimplyPrint/nfc-wedge/internal/logging"
)

// DefaultDebounce is how long the file must be quiet before a reload.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads the configuration file when it changes.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)

	mu      sync.Mutex
	current *Config
	fsw     *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher prepares a watcher for path starting from the loaded cfg.
// onChange runs on the watcher goroutine with each valid new configuration.
func NewWatcher(path string, cfg *Config, onChange func(*Config)) *Watcher {
	if path == "" {
		path = Path()
	}
	return &Watcher{
		path:     path,
		debounce: DefaultDebounce,
		onChange: onChange,
		current:  cfg,
	}
}

// Current returns the last valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start watches the directory holding the file so that editors that
// replace the file on save are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.fsw = fsw
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(ctx)
	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	fsw, cancel, done := w.fsw, w.cancel, w.done
	w.fsw = nil
	w.mu.Unlock()

	if fsw == nil {
		return nil
	}
	cancel()
	err := fsw.Close()
	<-done
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	defer logging.RecoverAndLog("config-watcher", false)

	w.mu.Lock()
	fsw := w.fsw
	w.mu.Unlock()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	name := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if ctx.Err() == nil {
					w.reload()
				}
			})

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			logging.Warn(logging.CatSystem, "Config watcher error", map[string]any{"error": err.Error()})
		}
	}
}

// reload keeps the previous configuration when the new file is invalid.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.Warn(logging.CatSystem, "Ignoring invalid config change", map[string]any{
			"path":  w.path,
			"error": err.Error(),
		})
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	logging.Info(logging.CatSystem, "Config reloaded", map[string]any{"path": w.path})
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
