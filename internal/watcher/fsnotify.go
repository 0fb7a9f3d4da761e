package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"panoptes-go/internal/fs"
	"panoptes-go/internal/panoptes"
)

// DefaultBufferSize is the raw event queue capacity of an FSWatcher.
const DefaultBufferSize = 1024

// Options configures an FSWatcher.
type Options struct {
	Recursive      bool
	IgnorePatterns []string
	Logger         panoptes.Logger
	Clock          panoptes.Clock
	BufferSize     int
}

// FSWatcher reports classified, undebounced events for files under its
// watched roots. Events queue internally until drained with Poll; when the
// queue is full the oldest event is dropped.
type FSWatcher struct {
	recursive bool
	ignore    *fs.IgnoreMatcher
	logger    panoptes.Logger
	clock     panoptes.Clock
	notify    *fsnotify.Watcher

	mu    sync.Mutex
	roots map[string]bool
	dirs  map[string]map[string]bool // watched directory -> roots that need it

	queue   chan panoptes.FileEvent
	errs    atomic.Int64
	dropped atomic.Int64

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates an FSWatcher with no roots and starts its event loop.
func New(opts Options) (*FSWatcher, error) {
	matcher, err := fs.NewIgnoreMatcher(opts.IgnorePatterns)
	if err != nil {
		return nil, panoptes.E(panoptes.KindConfig, "compile ignore patterns", err)
	}
	if opts.Logger == nil {
		opts.Logger = panoptes.NewNopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = panoptes.RealClock{}
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}

	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, panoptes.E(panoptes.KindWatcher, "create watcher", err)
	}

	w := &FSWatcher{
		recursive: opts.Recursive,
		ignore:    matcher,
		logger:    opts.Logger,
		clock:     opts.Clock,
		notify:    notify,
		roots:     map[string]bool{},
		dirs:      map[string]map[string]bool{},
		queue:     make(chan panoptes.FileEvent, opts.BufferSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *FSWatcher) skip(path string, isDir bool) bool {
	return ShouldIgnore(path, w.ignore)
}

// Watch adds path as a root. With Recursive set, every non-ignored
// subdirectory is watched as well.
func (w *FSWatcher) Watch(path string) error {
	root, info, err := fs.Resolve(path)
	if err != nil {
		return panoptes.PathError(panoptes.KindOf(err), "watch", path, err)
	}
	if !info.IsDir() {
		return panoptes.PathError(panoptes.KindWatcher, "watch", root, errors.New("not a directory"))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.roots[root] {
		return nil
	}
	if err := w.addTreeLocked(root, root); err != nil {
		return err
	}
	w.roots[root] = true
	w.logger.Info("watching directory", "path", root, "recursive", w.recursive)
	return nil
}

func (w *FSWatcher) addTreeLocked(root, dir string) error {
	dirs, err := fs.FindDirs(dir, w.recursive, w.skip)
	if err != nil {
		return panoptes.PathError(panoptes.KindWatcher, "watch", dir, err)
	}
	for _, d := range dirs {
		if owners, ok := w.dirs[d]; ok {
			owners[root] = true
			continue
		}
		if err := w.notify.Add(d); err != nil {
			return panoptes.PathError(panoptes.KindWatcher, "watch", d, err)
		}
		w.dirs[d] = map[string]bool{root: true}
	}
	return nil
}

// Unwatch removes a root. Directories it shares with another root stay
// watched. Unknown paths are ignored.
func (w *FSWatcher) Unwatch(path string) error {
	root, err := filepath.Abs(path)
	if err != nil {
		return panoptes.PathError(panoptes.KindWatcher, "unwatch", path, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.roots[root] {
		return nil
	}
	for d, owners := range w.dirs {
		if !owners[root] {
			continue
		}
		delete(owners, root)
		if len(owners) == 0 {
			w.notify.Remove(d)
			delete(w.dirs, d)
		}
	}
	delete(w.roots, root)
	w.logger.Info("stopped watching directory", "path", root)
	return nil
}

// WatchedPaths returns the watched roots, sorted.
func (w *FSWatcher) WatchedPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths := make([]string, 0, len(w.roots))
	for p := range w.roots {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Poll drains the queued events without blocking.
func (w *FSWatcher) Poll() []panoptes.FileEvent {
	var events []panoptes.FileEvent
	for {
		select {
		case ev := <-w.queue:
			events = append(events, ev)
		default:
			return events
		}
	}
}

// Errors returns how many errors the notification source has reported.
func (w *FSWatcher) Errors() int64 {
	return w.errs.Load()
}

// Dropped returns how many events were discarded because the queue was full.
func (w *FSWatcher) Dropped() int64 {
	return w.dropped.Load()
}

// Close stops the event loop and releases the notification source.
func (w *FSWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.notify.Close()
		w.wg.Wait()
	})
	return err
}

func (w *FSWatcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.notify.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.notify.Errors:
			if !ok {
				return
			}
			w.errs.Add(1)
			w.logger.Error("watch error", "error", panoptes.E(panoptes.KindWatcher, "watch", err))
		}
	}
}

func (w *FSWatcher) handle(event fsnotify.Event) {
	path := event.Name
	if ShouldIgnore(path, w.ignore) {
		return
	}
	kind, ok := Classify(event.Op)
	if !ok {
		return
	}

	if kind == panoptes.Removed {
		if w.forgetDir(path) {
			return
		}
		w.emit(path, kind)
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		// Gone before we looked; its Remove follows.
		return
	}
	if info.IsDir() {
		if kind == panoptes.Created {
			w.adoptDir(path)
		}
		return
	}
	if !info.Mode().IsRegular() {
		return
	}
	w.emit(path, kind)
}

// forgetDir drops path and its descendants from the watched set and
// reports whether path was a watched directory.
func (w *FSWatcher) forgetDir(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.dirs[path]; !ok {
		return false
	}
	prefix := path + string(filepath.Separator)
	for d := range w.dirs {
		if d == path || strings.HasPrefix(d, prefix) {
			w.notify.Remove(d)
			delete(w.dirs, d)
		}
	}
	return true
}

// adoptDir starts watching a directory created under a recursive root and
// reports the files already inside it as Created.
func (w *FSWatcher) adoptDir(dir string) {
	w.mu.Lock()
	owners, ok := w.dirs[filepath.Dir(dir)]
	if !ok || !w.recursive {
		w.mu.Unlock()
		return
	}
	var err error
	for root := range owners {
		if err = w.addTreeLocked(root, dir); err != nil {
			break
		}
	}
	w.mu.Unlock()
	if err != nil {
		w.logger.Warn("failed to watch new directory", "path", dir, "error", err)
		return
	}

	files, err := fs.FindFiles(dir, true, w.skip)
	if err != nil {
		w.logger.Warn("failed to list new directory", "path", dir, "error", err)
		return
	}
	for _, f := range files {
		w.emit(f, panoptes.Created)
	}
}

func (w *FSWatcher) emit(path string, kind panoptes.EventKind) {
	ev := panoptes.FileEvent{Path: path, Kind: kind, Time: w.clock.Now()}
	if offerDropOldest(w.queue, ev) {
		n := w.dropped.Add(1)
		w.logger.Warn("raw event queue full, dropped oldest event", "dropped", n)
	}
}

// offerDropOldest queues ev, evicting the oldest queued event while ch is
// full. It reports whether an event was evicted.
func offerDropOldest(ch chan panoptes.FileEvent, ev panoptes.FileEvent) bool {
	dropped := false
	for {
		select {
		case ch <- ev:
			return dropped
		default:
		}
		select {
		case <-ch:
			dropped = true
		default:
		}
	}
}
