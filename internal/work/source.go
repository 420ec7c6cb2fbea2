package work

import (
	"context"
	"sync"
	"time"
)

// Source is the current block template. The management loop writes it;
// workers take whole copies. A reader never sees fields from two
// different templates.
type Source struct {
	mu       sync.Mutex
	template Template
	changed  chan struct{}
}

// NewSource returns a Source with no work.
func NewSource() *Source {
	return &Source{changed: make(chan struct{})}
}

// Update replaces the template and wakes any waiting workers.
func (s *Source) Update(t Template) {
	t = t.Clone()

	s.mu.Lock()
	s.template = t
	s.notifyLocked()
	s.mu.Unlock()
}

// Invalidate marks the work as gone, e.g. after a disconnect.
func (s *Source) Invalidate() {
	s.mu.Lock()
	s.template.Height = 0
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Source) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Snapshot returns a copy of the current template. ok is false when there
// is no work.
func (s *Source) Snapshot() (t Template, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.template.Height == 0 {
		return Template{}, false
	}
	return s.template.Clone(), true
}

// Height returns the height of the current work, or 0.
func (s *Source) Height() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.template.Height
}

// Differs reports whether t is different work from what the source holds.
func (s *Source) Differs(t Template) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.template.SameWork(t)
}

// WaitForWork returns a snapshot as soon as work is present. It gives up
// after maxWait or when ctx is done, returning ok=false.
func (s *Source) WaitForWork(ctx context.Context, maxWait time.Duration) (Template, bool) {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.template.Height > 0 {
			t := s.template.Clone()
			s.mu.Unlock()
			return t, true
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return Template{}, false
		case <-ctx.Done():
			return Template{}, false
		}
	}
}
