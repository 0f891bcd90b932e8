package repo

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"ciel/internal/layout"
)

// debounceDuration matches a policy watcher's debounce window: enough to
// absorb a burst of writes from one `build` without reloading per file.
const debounceDuration = 500 * time.Millisecond

// Watcher watches a workspace's Output/debs directory and triggers a
// debounced Refresh on change, implementing `repo refresh --watch`
// (§4.6.2).
type Watcher struct {
	lo     *layout.Layout
	output string
	opts   HashOptions
	logger *log.Logger
	now    func() time.Time

	watcher *fsnotify.Watcher

	mu       sync.Mutex
	onRefresh []func(*Result, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a Watcher. now supplies the Release Date source
// and is injectable for deterministic tests.
func NewWatcher(lo *layout.Layout, output string, opts HashOptions, logger *log.Logger, now func() time.Time) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[repo] ", log.LstdFlags|log.Lmsgprefix)
	}
	if now == nil {
		now = time.Now
	}
	return &Watcher{lo: lo, output: output, opts: opts, logger: logger, now: now, watcher: fw}, nil
}

// OnRefresh registers a callback invoked after every triggered refresh,
// successful or not.
func (w *Watcher) OnRefresh(f func(*Result, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onRefresh = append(w.onRefresh, f)
}

// Start begins watching debsDir and running the watch loop.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	debsDir := w.lo.OutputDebs(w.output)
	if err := w.watcher.Add(debsDir); err != nil {
		return fmt.Errorf("watch %s: %w", debsDir, err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()
	return nil
}

// Stop cancels the watch loop and waits for it to exit.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop() {
	var debounce *time.Timer
	for {
		select {
		case <-w.ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, w.refresh)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Printf("watch error: %v", err)
			}
		}
	}
}

func (w *Watcher) refresh() {
	result, err := Refresh(w.lo, w.output, w.now(), w.opts)
	if err != nil && w.logger != nil {
		w.logger.Printf("refresh failed: %v", err)
	}

	w.mu.Lock()
	callbacks := make([]func(*Result, error), len(w.onRefresh))
	copy(callbacks, w.onRefresh)
	w.mu.Unlock()

	for _, cb := range callbacks {
		cb(result, err)
	}
}
