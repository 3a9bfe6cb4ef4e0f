// internal/config/watcher.go
package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

// Watcher reloads the configuration file on change and notifies
// registered callbacks. A reload that fails validation is logged and
// dropped; the previous configuration stays in effect.
type Watcher struct {
	watcher    *fsnotify.Watcher
	configPath string
	logger     utils.Logger

	mu        sync.RWMutex
	callbacks []func(*Config)
	stopped   bool
}

// NewWatcher starts watching the config file and its directory (editors
// often replace files instead of writing in place).
func NewWatcher(configPath string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		watcher:    fsw,
		configPath: configPath,
		logger:     utils.NewComponentLogger("config"),
	}
	if err := fsw.Add(configPath); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}
	if err := fsw.Add(filepath.Dir(configPath)); err != nil {
		w.logger.Warnf("watching config directory: %v", err)
	}

	go w.watch()
	return w, nil
}

// OnChange registers a callback invoked with each successfully reloaded
// configuration.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name == w.configPath && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	w.mu.RLock()
	if w.stopped {
		w.mu.RUnlock()
		return
	}
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	cfg, err := LoadFromFile(w.configPath)
	if err != nil {
		w.logger.Errorf("config reload rejected: %v", err)
		return
	}
	w.logger.Info("configuration reloaded")
	for _, callback := range callbacks {
		callback(cfg)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	return w.watcher.Close()
}
