package chat

import "sync"

// defaultBottomThreshold is the distance from the bottom edge, in the
// caller's geometry units, below which the viewer counts as "at bottom".
const defaultBottomThreshold = 50

// ScrollState is the tracker's readable output.
type ScrollState struct {
	IsAtBottom  bool
	UnseenCount int
}

// ScrollTracker decides whether the viewer is scrolled to the bottom and
// maintains the unseen-message counter, independent of any rendering.
// A fresh tracker starts at the bottom with nothing unseen.
type ScrollTracker struct {
	threshold float64

	mu       sync.Mutex
	atBottom bool
	unseen   int
}

// NewScrollTracker creates a tracker. threshold <= 0 selects the default.
func NewScrollTracker(threshold float64) *ScrollTracker {
	if threshold <= 0 {
		threshold = defaultBottomThreshold
	}

	return &ScrollTracker{threshold: threshold, atBottom: true}
}

// ReportScroll recomputes bottom proximity from viewport geometry.
// Crossing into "at bottom" clears the unseen counter. Reports whether
// the viewer is now at the bottom.
func (s *ScrollTracker) ReportScroll(scrollTop, scrollHeight, viewportHeight float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	atBottom := scrollHeight-scrollTop-viewportHeight < s.threshold
	if atBottom && !s.atBottom {
		s.unseen = 0
	}
	s.atBottom = atBottom

	return atBottom
}

// NotifyNewMessages adds count newly appended messages to the unseen
// counter when the viewer is away from the bottom. Callers exclude the
// viewer's own messages; those request an auto-scroll instead.
func (s *ScrollTracker) NotifyNewMessages(count int) {
	if count <= 0 {
		return
	}

	s.mu.Lock()
	if !s.atBottom {
		s.unseen += count
	}
	s.mu.Unlock()
}

// AcknowledgeBottom clears the unseen counter unconditionally. Used when
// the consumer explicitly jumps to the bottom.
func (s *ScrollTracker) AcknowledgeBottom() {
	s.mu.Lock()
	s.unseen = 0
	s.atBottom = true
	s.mu.Unlock()
}

// State returns the current bottom-proximity and unseen counter.
func (s *ScrollTracker) State() ScrollState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return ScrollState{IsAtBottom: s.atBottom, UnseenCount: s.unseen}
}
