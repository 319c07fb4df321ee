package engine

import (
	"maps"
	"sync"
	"sync/atomic"

	"tgmirror/pkg/mirror"
)

// Session is the in-memory state of one mirror pair.
type Session struct {
	active atomic.Bool

	mu     sync.RWMutex
	source mirror.ChatRef
	target mirror.ChatRef
	topics map[int]int
}

func newSession() *Session {
	return &Session{topics: make(map[int]int)}
}

// Active reports whether live mirroring is on.
func (s *Session) Active() bool {
	return s.active.Load()
}

// Source returns the bound source chat.
func (s *Session) Source() mirror.ChatRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.source
}

// Target returns the bound target chat.
func (s *Session) Target() mirror.ChatRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.target
}

// TargetTopic returns the target topic for a source topic.
func (s *Session) TargetTopic(sourceTopicID int) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	targetTopicID, ok := s.topics[sourceTopicID]
	return targetTopicID, ok
}

// Topics returns a copy of the current topic map.
func (s *Session) Topics() map[int]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.topics)
}

func (s *Session) bound() (mirror.ChatRef, mirror.ChatRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.source, s.target, !s.source.IsZero() && !s.target.IsZero()
}

// setSource returns true when the source changed.
func (s *Session) setSource(chat mirror.ChatRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.source.ID != chat.ID
	s.source = chat
	if changed {
		s.topics = make(map[int]int)
	}

	return changed
}

func (s *Session) setTarget(chat mirror.ChatRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.target.ID != chat.ID
	s.target = chat
	if changed {
		s.topics = make(map[int]int)
	}

	return changed
}

func (s *Session) mergeTopics(topics map[int]int) {
	if len(topics) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	maps.Copy(s.topics, topics)
}
