package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vinayprograms/farmkit/logging"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	logger   *logging.Logger

	mu   sync.Mutex
	last []byte
}

// NewWatcher creates a watcher for path. onChange receives each new valid
// configuration; files that fail to parse or validate are logged and skipped.
func NewWatcher(path string, onChange func(*Config), logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.Nop()
	}
	w := &Watcher{
		path:     path,
		debounce: DefaultDebounce,
		onChange: onChange,
		logger:   logger.WithComponent("config"),
	}
	if data, err := os.ReadFile(path); err == nil {
		w.last = data
	}
	return w
}

// SetDebounce overrides DefaultDebounce. Call before Run.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Run watches until ctx is done. The parent directory is watched so that
// editors replacing the file by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	name := filepath.Clean(w.path)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", map[string]interface{}{"error": err.Error()})
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("config reload read failed", map[string]interface{}{"path": w.path, "error": err.Error()})
		return
	}

	w.mu.Lock()
	same := bytes.Equal(data, w.last)
	w.mu.Unlock()
	if same {
		return
	}

	cfg, err := Parse(data, formatOf(w.path))
	if err != nil {
		w.logger.Warn("config reload rejected", map[string]interface{}{"path": w.path, "error": err.Error()})
		return
	}

	w.mu.Lock()
	w.last = data
	w.mu.Unlock()

	w.logger.Info("config reloaded", map[string]interface{}{"path": w.path})
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
