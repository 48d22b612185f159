package loader

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opencode-ai/ratefallback/pkg/fbconfig"
)

// debounceDuration absorbs the burst of events an editor's atomic save
// (write-temp, rename-over) produces for a single logical change.
const debounceDuration = 200 * time.Millisecond

// Watcher reloads a FallbackConfig from disk whenever the backing file
// changes, and hands the parsed result to onReload. It does not apply the
// config itself — the caller decides when and how, typically by calling
// orchestrator.Core.UpdateConfig from onReload.
type Watcher struct {
	mu       sync.Mutex
	path     string
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	onReload func(fbconfig.FallbackConfig, []string)
	logger   *slog.Logger
}

// NewWatcher builds a Watcher for path. onReload is called with every
// successfully parsed reload; parse errors are logged and the previous
// config is left in place.
func NewWatcher(path string, logger *slog.Logger, onReload func(fbconfig.FallbackConfig, []string)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, onReload: onReload, logger: logger}
}

// Start begins watching the config file's directory (so atomic
// write+rename saves are seen) and returns once the watcher is armed.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}

	w.watcher = watcher
	w.stopChan = make(chan struct{})
	go w.loop()
	return nil
}

// Stop tears down the underlying filesystem watcher. Safe to call more
// than once; a no-op if Start was never called.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return
	}
	close(w.stopChan)
	w.watcher.Close()
	w.watcher = nil
}

func (w *Watcher) loop() {
	w.mu.Lock()
	watcher := w.watcher
	stopChan := w.stopChan
	w.mu.Unlock()

	var debounce *time.Timer
	for {
		select {
		case <-stopChan:
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, w.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, warnings, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(cfg, warnings)
}
