package panoptes

import "sync"

// scheduler admits at most one job per path. An event for a path already
// in flight is folded into a single follow-up that runs when the current
// job finishes.
type scheduler struct {
	mu    sync.Mutex
	slots map[string]*FileEvent // path -> pending follow-up (nil if none)
}

func newScheduler() *scheduler {
	return &scheduler{slots: map[string]*FileEvent{}}
}

// begin claims the slot for ev.Path. It returns false when the path is
// already in flight, in which case ev has been merged into the follow-up.
func (s *scheduler) begin(ev FileEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, busy := s.slots[ev.Path]
	if !busy {
		s.slots[ev.Path] = nil
		return true
	}
	if pending == nil {
		follow := ev
		s.slots[ev.Path] = &follow
		return false
	}
	pending.Kind = MergeKinds(pending.Kind, ev.Kind)
	pending.Time = ev.Time
	return false
}

// finish releases the slot for path, or hands back the follow-up event
// while keeping the slot claimed.
func (s *scheduler) finish(path string) (FileEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.slots[path]
	if pending == nil {
		delete(s.slots, path)
		return FileEvent{}, false
	}
	s.slots[path] = nil
	return *pending, true
}

// drop releases the slot for path and discards any follow-up.
func (s *scheduler) drop(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, path)
}

func (s *scheduler) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}
