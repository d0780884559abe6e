package policy

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	connector "github.com/goliatone/go-connector"
)

// Watcher reloads scope rules into a RuleEngine when the rule file changes.
type Watcher struct {
	path     string
	engine   *RuleEngine
	delay    time.Duration
	logger   connector.Logger
	onReload func(rules []ScopeRule, err error)

	mu       sync.Mutex
	debounce *time.Timer
}

// NewWatcher watches path for engine. delay defaults to 100ms.
func NewWatcher(path string, engine *RuleEngine, delay time.Duration, logger connector.Logger) *Watcher {
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return &Watcher{
		path:   filepath.Clean(path),
		engine: engine,
		delay:  delay,
		logger: connector.NormalizeLogger(logger),
	}
}

// OnReload registers a callback invoked after every reload attempt.
func (w *Watcher) OnReload(fn func(rules []ScopeRule, err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Reload reads the file and installs its rules. A broken file keeps the
// previous rules.
func (w *Watcher) Reload() error {
	rules, err := LoadRules(w.path)
	if err == nil {
		err = w.engine.SetRules(rules)
	}
	if err != nil {
		w.logger.Error("policy watcher: reload %s failed: %v", w.path, err)
	} else {
		w.logger.Info("policy watcher: loaded %d rules from %s", len(rules), w.path)
	}
	w.mu.Lock()
	fn := w.onReload
	w.mu.Unlock()
	if fn != nil {
		fn(rules, err)
	}
	return err
}

// Run loads the file once and then follows changes until ctx ends. The
// parent directory is watched so editors that replace the file are seen.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	_ = w.Reload()

	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			w.stopDebounce()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher: %v", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.delay, func() { _ = w.Reload() })
}

func (w *Watcher) stopDebounce() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
}
