package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadHandler receives the freshly loaded configuration after the
// config file changes on disk.
type ReloadHandler func(*Config)

// Watcher reloads the configuration when its file changes. Reloads are
// debounced because editors fire several write events per save. A file
// that fails to parse or validate leaves the previous configuration in
// effect.
type Watcher struct {
	path     string
	handler  ReloadHandler
	debounce time.Duration

	mu      sync.Mutex
	current *Config
}

// NewWatcher creates a watcher for the given config file. The initial
// config must already be loaded; the watcher only handles changes.
func NewWatcher(path string, initial *Config, handler ReloadHandler) *Watcher {
	return &Watcher{
		path:     path,
		handler:  handler,
		debounce: 250 * time.Millisecond,
		current:  initial,
	}
}

// Current returns the most recently loaded valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run watches the config file until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.path); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case _, ok := <-fw.Errors:
			if !ok {
				return nil
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	if w.handler != nil {
		w.handler(cfg)
	}
}
