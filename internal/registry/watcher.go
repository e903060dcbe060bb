package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	. "github.com/roelfdiedericks/goherd/internal/logging"
)

// Watcher reloads the registry when its manifest file changes on
// disk. Reload failures keep the previous snapshot and log a warning.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// debounce coalesces editor write bursts into one reload.
const debounce = 500 * time.Millisecond

// NewWatcher creates a manifest watcher. The registry must have been
// loaded from a file path.
func NewWatcher(r *Registry) (*Watcher, error) {
	if r.path == "" {
		return nil, fmt.Errorf("registry: watch needs a manifest path, embedded catalog is static")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{registry: r, watcher: fw, stopCh: make(chan struct{})}, nil
}

// Start begins watching the manifest's directory. Watching the
// directory rather than the file survives editors that rename on save.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.registry.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	L_info("registry: watching manifest", "path", w.registry.path)
	go w.loop(ctx)
	return nil
}

// Stop ends the watch.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopCh)
	w.watcher.Close()
	w.running = false
}

func (w *Watcher) loop(ctx context.Context) {
	target := filepath.Base(w.registry.path)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			if err := w.registry.Reload(); err != nil {
				L_warn("registry: reload failed, keeping previous catalog", "error", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			L_warn("registry: watcher error", "error", err)
		}
	}
}
