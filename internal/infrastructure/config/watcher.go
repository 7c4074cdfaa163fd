package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the home config.yaml and exposes the current
// profile-level auto-accept defaults. Only the auto-accept list is applied
// live — everything else requires a restart, since most sections wire
// long-lived components.
type Watcher struct {
	mu         sync.RWMutex
	autoAccept []string

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	logger  *zap.Logger
}

// NewWatcher starts watching the home config file. initial seeds the value
// until the first change event.
func NewWatcher(initial []string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		autoAccept: initial,
		watcher:    fw,
		stopCh:     make(chan struct{}),
		logger:     logger.With(zap.String("component", "config-watcher")),
	}

	// Watch the directory, not the file: editors replace config.yaml by
	// rename, which drops a file-level watch.
	if err := fw.Add(HomeDir()); err != nil {
		fw.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

// AutoAccept returns the current profile-level auto-accept defaults.
func (w *Watcher) AutoAccept() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, len(w.autoAccept))
	copy(out, w.autoAccept)
	return out
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != "config.yaml" {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load()
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous values", zap.Error(err))
		return
	}
	w.mu.Lock()
	w.autoAccept = cfg.Agent.AutoAccept
	w.mu.Unlock()
	w.logger.Info("Config reloaded",
		zap.Strings("auto_accept", cfg.Agent.AutoAccept),
	)
}
