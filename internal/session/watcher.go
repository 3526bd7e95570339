package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"toolforge/internal/logging"
)

// Watcher re-runs a session whenever a task file in a directory is created
// or changes. Rapid saves of the same file collapse into one run.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	runner      *Runner
	dir         string
	envAllow    []string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	inflight    sync.WaitGroup

	// OnResult receives every finished session. It is called from the
	// watcher's goroutines and must be safe for concurrent use.
	OnResult func(*Result)
}

// NewWatcher creates a watcher for the task files in dir.
func NewWatcher(dir string, runner *Runner, debounce time.Duration, envAllow []string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		watcher:     fw,
		runner:      runner,
		dir:         dir,
		envAllow:    envAllow,
		debounceMap: make(map[string]time.Time),
		debounceDur: debounce,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// IsTaskFile reports whether path names a task file.
func IsTaskFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Start begins watching. It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	logging.Session("Watching task files in %s", w.dir)

	go w.run(ctx)
	return nil
}

// Stop stops watching and waits for sessions it started.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	w.inflight.Wait()

	if err := w.watcher.Close(); err != nil {
		logging.SessionError("Watcher: error closing watcher: %v", err)
	}
	logging.Session("Watcher stopped")
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.debounceDur / 4
	if tick > 100*time.Millisecond {
		tick = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

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
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.SessionError("Watcher error: %v", err)
		case <-ticker.C:
			w.processSettled(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !IsTaskFile(event.Name) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	logging.SessionDebug("Watcher: %s %s", event.Op, event.Name)
	w.mu.Lock()
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

// processSettled starts a session for every file that has been quiet for
// the debounce window.
func (w *Watcher) processSettled(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		if _, err := os.Stat(path); err != nil {
			logging.SessionDebug("Watcher: %s is gone, skipping", path)
			continue
		}
		tasks, err := LoadTasks([]string{path}, w.envAllow)
		if err != nil {
			logging.SessionWarn("Watcher: %v", err)
			w.deliver(&Result{Task: filepath.Base(path), Stage: StageInstall, Err: err})
			continue
		}
		w.inflight.Add(1)
		go func() {
			defer w.inflight.Done()
			w.deliver(w.runner.Run(ctx, tasks[0]))
		}()
	}
}

func (w *Watcher) deliver(res *Result) {
	if w.OnResult != nil {
		w.OnResult(res)
	}
}
