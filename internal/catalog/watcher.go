package catalog

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"concierge/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// PromptWatcher watches the prompts directory and reloads the catalog when
// prompt files change. It is optional: the catalog's lazy mtime check
// already picks up edits on access, the watcher just makes them land
// between accesses.
type PromptWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	catalog     *Catalog
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	reloads     int
}

// NewPromptWatcher creates a watcher over the catalog's prompts directory.
func NewPromptWatcher(c *Catalog) (*PromptWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &PromptWatcher{
		watcher:     watcher,
		catalog:     c,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
func (pw *PromptWatcher) Start(ctx context.Context) error {
	pw.mu.Lock()
	if pw.running {
		pw.mu.Unlock()
		return nil
	}
	pw.running = true
	pw.mu.Unlock()

	if err := pw.watcher.Add(pw.catalog.Directory()); err != nil {
		logging.Get(logging.CategorySynthesis).Warn("Prompt watcher: initial watch failed: %v", err)
	} else {
		logging.Synthesis("Prompt watcher: watching %s", pw.catalog.Directory())
	}

	go pw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (pw *PromptWatcher) Stop() {
	pw.mu.Lock()
	if !pw.running {
		pw.mu.Unlock()
		return
	}
	pw.running = false
	pw.mu.Unlock()

	close(pw.stopCh)
	<-pw.doneCh

	if err := pw.watcher.Close(); err != nil {
		logging.Get(logging.CategorySynthesis).Error("Prompt watcher: close failed: %v", err)
	}
}

// Reloads returns how many reloads the watcher has triggered.
func (pw *PromptWatcher) Reloads() int {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.reloads
}

func (pw *PromptWatcher) run(ctx context.Context) {
	defer close(pw.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-pw.stopCh:
			return

		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			pw.handleEvent(event)

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategorySynthesis).Error("Prompt watcher error: %v", err)

		case <-debounceTicker.C:
			pw.processDebounced()
		}
	}
}

func (pw *PromptWatcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".md") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	logging.SynthesisDebug("Prompt watcher: %s changed (%s)", filepath.Base(event.Name), event.Op)

	pw.mu.Lock()
	pw.debounceMap[event.Name] = time.Now()
	pw.mu.Unlock()
}

func (pw *PromptWatcher) processDebounced() {
	pw.mu.Lock()
	now := time.Now()
	settled := 0
	for path, eventTime := range pw.debounceMap {
		if now.Sub(eventTime) >= pw.debounceDur {
			delete(pw.debounceMap, path)
			settled++
		}
	}
	if settled > 0 {
		pw.reloads++
	}
	pw.mu.Unlock()

	if settled > 0 {
		pw.catalog.Reload()
	}
}
