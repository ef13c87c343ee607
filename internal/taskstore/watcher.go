package taskstore

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mschirtzinger/tasksync/internal/task"
)

// DefaultDebounce is how long a task file must stay quiet before its change
// is reported.
const DefaultDebounce = 100 * time.Millisecond

// WatcherConfig holds configuration for a Watcher.
type WatcherConfig struct {
	// Debounce batches rapid writes to one file into a single change.
	Debounce time.Duration

	// Logger for watcher activity
	Logger *log.Logger
}

// Watcher reports changed task ids of a Store. Every subscriber receives
// every change on its own channel.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *log.Logger

	mu      sync.Mutex
	queue   map[string]time.Time // task id -> last event
	subs    []chan string
	running bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher creates a watcher for store. Call Subscribe for each consumer,
// then Start.
func NewWatcher(store *Store, cfg WatcherConfig) (*Watcher, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[watcher] ", log.LstdFlags)
	}

	return &Watcher{
		store:    store,
		watcher:  fsw,
		debounce: debounce,
		logger:   logger,
		queue:    make(map[string]time.Time),
		done:     make(chan struct{}),
	}, nil
}

// Subscribe returns a new channel of changed task ids. The channel is
// closed by Stop.
func (w *Watcher) Subscribe() <-chan string {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch := make(chan string, 64)
	w.subs = append(w.subs, ch)
	return ch
}

// Start begins watching the tasks directory.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(w.store.TasksDir()); err != nil {
		return fmt.Errorf("failed to watch tasks directory %s: %w", w.store.TasksDir(), err)
	}

	w.running = true
	w.wg.Add(2)
	go w.processEvents()
	go w.processQueue()

	w.logger.Printf("Watching: %s", w.store.TasksDir())
	return nil
}

// Stop stops watching and closes all subscriber channels.
// It blocks until the background goroutines have exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	for _, ch := range w.subs {
		close(ch)
	}
	w.subs = nil
	w.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// processEvents turns fsnotify events into queued task ids.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if id, ok := w.taskIDFor(event); ok {
				w.queueChange(id)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watcher error: %v", err)
		}
	}
}

// taskIDFor returns the task id an event refers to. Temporary files, other
// directories and chmod-only events are ignored.
func (w *Watcher) taskIDFor(event fsnotify.Event) (string, bool) {
	if !strings.HasSuffix(event.Name, ".json") {
		return "", false
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return "", false
	}

	dir, _ := filepath.Abs(filepath.Dir(event.Name))
	tasksDir, _ := filepath.Abs(w.store.TasksDir())
	if dir != tasksDir {
		return "", false
	}
	return task.IDFromFilename(event.Name)
}

func (w *Watcher) queueChange(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue[id] = time.Now()
}

// processQueue delivers queued changes once they have been quiet for the
// debounce interval.
func (w *Watcher) processQueue() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if !w.deliver(w.due()) {
				return
			}
		}
	}
}

// due removes and returns the task ids whose last event is old enough.
func (w *Watcher) due() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	var ids []string
	for id, at := range w.queue {
		if now.Sub(at) < w.debounce {
			continue
		}
		ids = append(ids, id)
		delete(w.queue, id)
	}
	sort.Strings(ids)
	return ids
}

// deliver sends ids to every subscriber. It returns false when the watcher
// is stopping.
func (w *Watcher) deliver(ids []string) bool {
	if len(ids) == 0 {
		return true
	}

	w.mu.Lock()
	subs := append([]chan string(nil), w.subs...)
	w.mu.Unlock()

	for _, id := range ids {
		for _, ch := range subs {
			select {
			case ch <- id:
			case <-w.done:
				return false
			}
		}
	}
	return true
}
