package relay

import "sync"

// FrameStore holds the single most recent preview frame. Frames between
// reads are overwritten, never queued; the video throttle samples whatever
// is freshest at each tick.
type FrameStore struct {
	mu    sync.Mutex
	frame []byte
}

// NewFrameStore creates an empty store.
func NewFrameStore() *FrameStore {
	return &FrameStore{}
}

// Update replaces the stored frame. Empty frames are ignored.
func (s *FrameStore) Update(frame []byte) {
	if len(frame) == 0 {
		return
	}
	s.mu.Lock()
	s.frame = frame
	s.mu.Unlock()
}

// Latest returns the stored frame, or nil when no frame is available. The
// returned slice must not be mutated by the caller.
func (s *FrameStore) Latest() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// Take returns the stored frame and clears the store, so each frame is
// forwarded at most once per arrival.
func (s *FrameStore) Take() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := s.frame
	s.frame = nil
	return frame
}

// Clear discards the stored frame.
func (s *FrameStore) Clear() {
	s.mu.Lock()
	s.frame = nil
	s.mu.Unlock()
}
