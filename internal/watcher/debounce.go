package watcher

import (
	"sort"
	"sync"
	"time"

	"panoptes-go/internal/panoptes"
)

type pendingEvent struct {
	kind panoptes.EventKind
	last time.Time
}

// Debouncer coalesces events per path until the path has been quiet for
// the window. It does no I/O and reads time only from its clock.
type Debouncer struct {
	clock  panoptes.Clock
	window time.Duration

	mu          sync.Mutex
	pending     map[string]*pendingEvent
	passthrough []panoptes.FileEvent
}

// NewDebouncer returns a Debouncer. A window of zero or less passes events
// straight through.
func NewDebouncer(clock panoptes.Clock, window time.Duration) *Debouncer {
	if clock == nil {
		clock = panoptes.RealClock{}
	}
	return &Debouncer{clock: clock, window: window, pending: map[string]*pendingEvent{}}
}

// Window returns the quiet interval.
func (d *Debouncer) Window() time.Duration {
	return d.window
}

// Push records ev. A later event replaces a pending one's kind, except that
// Modified never replaces Removed.
func (d *Debouncer) Push(ev panoptes.FileEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.window <= 0 {
		d.passthrough = append(d.passthrough, ev)
		return
	}

	now := d.clock.Now()
	if p, ok := d.pending[ev.Path]; ok {
		p.kind = panoptes.MergeKinds(p.kind, ev.Kind)
		p.last = now
		return
	}
	d.pending[ev.Path] = &pendingEvent{kind: ev.Kind, last: now}
}

// Ready removes and returns the events whose path has been quiet for at
// least the window, oldest first with ties broken by path.
func (d *Debouncer) Ready() []panoptes.FileEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.window <= 0 {
		out := d.passthrough
		d.passthrough = nil
		return out
	}

	now := d.clock.Now()
	var out []panoptes.FileEvent
	for path, p := range d.pending {
		if now.Sub(p.last) >= d.window {
			out = append(out, panoptes.FileEvent{Path: path, Kind: p.kind, Time: p.last})
			delete(d.pending, path)
		}
	}
	sortEvents(out)
	return out
}

// Flush removes and returns every pending event regardless of age.
func (d *Debouncer) Flush() []panoptes.FileEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := d.passthrough
	d.passthrough = nil
	for path, p := range d.pending {
		out = append(out, panoptes.FileEvent{Path: path, Kind: p.kind, Time: p.last})
		delete(d.pending, path)
	}
	sortEvents(out)
	return out
}

// Pending returns the number of events not yet released.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) + len(d.passthrough)
}

func sortEvents(events []panoptes.FileEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Time.Equal(events[j].Time) {
			return events[i].Time.Before(events[j].Time)
		}
		return events[i].Path < events[j].Path
	})
}
