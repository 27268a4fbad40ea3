package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"marlin/internal/logger"
)

// Snapshot is a versioned copy of the loaded config.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Config   Config
}

// ChangeListener runs on every successful reload.
type ChangeListener func(Snapshot)

// Watcher reloads the config file on filesystem changes. A reload that
// fails validation is logged and discarded; the previous snapshot stays
// active. Only the fields the app chooses to apply take effect at runtime.
type Watcher struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewWatcher loads the file once and starts watching it.
func NewWatcher(path string) (*Watcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config watcher requires path")
	}
	w := &Watcher{path: path, v: viper.New()}
	w.v.SetConfigFile(path)
	w.v.SetConfigType("yaml")
	if err := w.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config failed: %w", err)
	}
	if err := w.reload(); err != nil {
		return nil, err
	}
	w.v.OnConfigChange(func(evt fsnotify.Event) {
		if err := w.reload(); err != nil {
			logger.Errorf("config reload failed (%s): %v", evt.Name, err)
			return
		}
		w.notify()
	})
	w.v.WatchConfig()
	return w, nil
}

// Snapshot returns the current snapshot.
func (w *Watcher) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snapshot
}

// Subscribe registers a listener and immediately delivers the current
// snapshot to it.
func (w *Watcher) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	snap := w.snapshot
	w.mu.Unlock()
	go deliver(fn, snap)
}

func (w *Watcher) notify() {
	w.mu.RLock()
	snap := w.snapshot
	listeners := append([]ChangeListener(nil), w.listeners...)
	w.mu.RUnlock()
	for _, fn := range listeners {
		go deliver(fn, snap)
	}
}

func deliver(fn ChangeListener, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("config listener panic: %v", r)
		}
	}()
	fn(snap)
}

func (w *Watcher) reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.snapshot = Snapshot{
		Version:  w.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Config:   *cfg,
	}
	w.mu.Unlock()
	logger.Infof("config reloaded from %s (version %d)", filepath.Base(w.path), w.Snapshot().Version)
	return nil
}
