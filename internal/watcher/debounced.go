package watcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"panoptes-go/internal/panoptes"
)

// OutputBuffer is the capacity of the channel returned by Start.
const OutputBuffer = 256

// Source is a raw event producer that can be drained without blocking.
type Source interface {
	Watch(path string) error
	Unwatch(path string) error
	WatchedPaths() []string
	Poll() []panoptes.FileEvent
	Close() error
}

// DebouncedWatcher debounces a Source. It can be drained with Poll or
// consumed as a channel through Start.
type DebouncedWatcher struct {
	inner    Source
	debounce *Debouncer
	logger   panoptes.Logger
	dropped  atomic.Int64

	mu      sync.Mutex
	running bool
	out     chan panoptes.FileEvent

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewDebounced wraps inner with a debouncer of the given window.
func NewDebounced(inner Source, window time.Duration, clock panoptes.Clock, logger panoptes.Logger) *DebouncedWatcher {
	if logger == nil {
		logger = panoptes.NewNopLogger()
	}
	return &DebouncedWatcher{
		inner:    inner,
		debounce: NewDebouncer(clock, window),
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (w *DebouncedWatcher) Watch(path string) error   { return w.inner.Watch(path) }
func (w *DebouncedWatcher) Unwatch(path string) error { return w.inner.Unwatch(path) }
func (w *DebouncedWatcher) WatchedPaths() []string    { return w.inner.WatchedPaths() }

// Poll moves raw events into the debouncer and returns those now ready.
func (w *DebouncedWatcher) Poll() []panoptes.FileEvent {
	for _, ev := range w.inner.Poll() {
		w.debounce.Push(ev)
	}
	return w.debounce.Ready()
}

// Pending returns the number of events held by the debouncer.
func (w *DebouncedWatcher) Pending() int {
	return w.debounce.Pending()
}

// Dropped returns how many events Start discarded because the consumer
// fell behind.
func (w *DebouncedWatcher) Dropped() int64 {
	return w.dropped.Load()
}

// tickInterval is a quarter of the window, bounded to [5ms, 50ms].
func tickInterval(window time.Duration) time.Duration {
	d := window / 4
	if d > 50*time.Millisecond {
		d = 50 * time.Millisecond
	}
	if d < 5*time.Millisecond {
		d = 5 * time.Millisecond
	}
	return d
}

// Start delivers debounced events on a bounded channel until ctx is done
// or the watcher is closed, then closes the channel. When the channel is
// full the oldest undelivered event is dropped. While a delivery is running
// Start returns its channel; once it has ended a new one is started. After
// Close the returned channel is already closed.
func (w *DebouncedWatcher) Start(ctx context.Context) <-chan panoptes.FileEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return w.out
	}
	out := make(chan panoptes.FileEvent, OutputBuffer)
	select {
	case <-w.done:
		close(out)
		return out
	default:
	}
	w.running = true
	w.out = out

	w.wg.Add(1)
	go w.run(ctx, out)
	return out
}

func (w *DebouncedWatcher) run(ctx context.Context, out chan panoptes.FileEvent) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		w.running = false
		close(out)
		w.mu.Unlock()
	}()

	ticker := time.NewTicker(tickInterval(w.debounce.Window()))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			for _, ev := range w.Poll() {
				if offerDropOldest(out, ev) {
					n := w.dropped.Add(1)
					w.logger.Warn("event channel full, dropped oldest event", "dropped", n)
				}
			}
		}
	}
}

// Close stops delivery and closes the underlying source. Events still
// held by the debouncer are discarded and logged.
func (w *DebouncedWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		err = w.inner.Close()

		lost := w.debounce.Flush()
		for _, ev := range lost {
			w.logger.Debug("discarded pending event", "path", ev.Path, "kind", ev.Kind.String())
		}
		if len(lost) > 0 {
			w.logger.Warn("discarded pending events on close", "count", len(lost))
		}
	})
	return err
}

var _ panoptes.Watcher = (*DebouncedWatcher)(nil)
