package storeman

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	DefaultDebounce = 2 * time.Second
	eventBufferSize = 64
)

// FilterCallback returns true for paths whose events should be dropped.
type FilterCallback func(path string) bool

// Watcher coalesces filesystem events under a directory into change
// signals. A burst of events yields one signal once the tree has been quiet
// for the debounce timeout.
type Watcher struct {
	watchDir  string
	rawEvents chan notify.EventInfo
	changes   chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup

	debounceMu      sync.Mutex
	debounceTimeout time.Duration
	timer           *time.Timer
	pending         int

	filterMu sync.RWMutex
	filter   FilterCallback
}

func NewWatcher(watchDir string, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		watchDir:        watchDir,
		changes:         make(chan struct{}, 1),
		done:            make(chan struct{}),
		debounceTimeout: debounce,
	}
}

// FilterPaths sets a callback to filter raw events before debouncing.
func (w *Watcher) FilterPaths(callback FilterCallback) {
	w.filterMu.Lock()
	defer w.filterMu.Unlock()
	w.filter = callback
}

func (w *Watcher) Start(ctx context.Context) error {
	slog.Info("watcher start", "dir", w.watchDir, "debounce", w.debounceTimeout)

	w.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	if err := notify.Watch(filepath.Join(w.watchDir, "..."), w.rawEvents, notify.All); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.filterEvents(ctx)
	return nil
}

func (w *Watcher) Stop() {
	select {
	case <-w.done:
		return
	default:
	}
	close(w.done)

	if w.rawEvents != nil {
		notify.Stop(w.rawEvents)
	}
	w.wg.Wait()

	w.debounceMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.debounceMu.Unlock()
	slog.Info("watcher stopped")
}

// Changes delivers at most one pending signal at a time.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Drain drops pending events and signals, typically those caused by a sync
// writing into the watched tree.
func (w *Watcher) Drain() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = 0
	select {
	case <-w.changes:
	default:
	}
}

func (w *Watcher) filterEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.rawEvents:
			if !ok {
				return
			}

			w.filterMu.RLock()
			filter := w.filter
			w.filterMu.RUnlock()
			if filter != nil && filter(event.Path()) {
				continue
			}

			slog.Debug("watcher", "event", event.Event(), "path", event.Path())
			w.debounce()
		}
	}
}

func (w *Watcher) debounce() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	w.pending++
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounceTimeout, w.flush)
}

func (w *Watcher) flush() {
	w.debounceMu.Lock()
	n := w.pending
	w.pending = 0
	w.timer = nil
	w.debounceMu.Unlock()

	if n == 0 {
		return
	}
	select {
	case w.changes <- struct{}{}:
		slog.Debug("watcher flush", "events", n)
	default:
		// a signal is already pending
	}
}
