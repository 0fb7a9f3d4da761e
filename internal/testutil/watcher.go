package testutil

import (
	"context"
	"sort"
	"sync"

	"panoptes-go/internal/panoptes"
)

// FakeWatcher is a panoptes.Watcher driven by Emit. Events emitted before
// Start are buffered.
type FakeWatcher struct {
	mu     sync.Mutex
	roots  map[string]bool
	events chan panoptes.FileEvent
	closed bool
}

func NewFakeWatcher() *FakeWatcher {
	return &FakeWatcher{
		roots:  map[string]bool{},
		events: make(chan panoptes.FileEvent, 1024),
	}
}

func (w *FakeWatcher) Watch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roots[path] = true
	return nil
}

func (w *FakeWatcher) Unwatch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.roots, path)
	return nil
}

func (w *FakeWatcher) WatchedPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.roots))
	for p := range w.roots {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Emit delivers ev to the consumer. It is a no-op after Close.
func (w *FakeWatcher) Emit(ev panoptes.FileEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.events <- ev
}

func (w *FakeWatcher) Start(ctx context.Context) <-chan panoptes.FileEvent {
	out := make(chan panoptes.FileEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (w *FakeWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.events)
	}
	return nil
}

var _ panoptes.Watcher = (*FakeWatcher)(nil)
