package crdt

import (
	"sync"

	"github.com/google/uuid"
)

// Tag is a fresh 128-bit identifier minted for each ORSet.Add, distinguishing
// that particular addition from any other addition of the same element.
type Tag uuid.UUID

func newTag() Tag { return Tag(uuid.New()) }

// ORSet is an observed-remove set: each element maps to the set of add-tags
// that are currently visible for it. An element is present iff its tag-set
// is non-empty. Remove only discards tags the removing replica has actually
// observed, so a concurrent add (carrying a tag neither side had seen)
// always survives a remove.
type ORSet[T comparable] struct {
	mu   sync.RWMutex
	tags map[T]map[Tag]struct{}
}

// NewORSet returns an empty set.
func NewORSet[T comparable]() *ORSet[T] {
	return &ORSet[T]{tags: make(map[T]map[Tag]struct{})}
}

// Add inserts element with a fresh tag and returns it.
func (s *ORSet[T]) Add(element T) Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag := newTag()
	if s.tags[element] == nil {
		s.tags[element] = make(map[Tag]struct{})
	}
	s.tags[element][tag] = struct{}{}
	return tag
}

// Remove empties the tag-set for the tags currently visible at this
// replica. A remove of an element never added locally is a no-op.
func (s *ORSet[T]) Remove(element T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tags, element)
}

// Contains reports whether element currently has any visible tag.
func (s *ORSet[T]) Contains(element T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tags[element]) > 0
}

// Elements returns the currently present elements.
func (s *ORSet[T]) Elements() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.tags))
	for element, tagset := range s.tags {
		if len(tagset) > 0 {
			out = append(out, element)
		}
	}
	return out
}

// Len returns the number of present elements.
func (s *ORSet[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, tagset := range s.tags {
		if len(tagset) > 0 {
			n++
		}
	}
	return n
}

// Merge unions tags element-wise with other. An entry whose merged tag-set
// is empty is dropped entirely, keeping Contains/Len consistent with the
// underlying map.
func (s *ORSet[T]) Merge(other *ORSet[T]) {
	other.mu.RLock()
	snapshot := make(map[T]map[Tag]struct{}, len(other.tags))
	for element, tagset := range other.tags {
		cp := make(map[Tag]struct{}, len(tagset))
		for tag := range tagset {
			cp[tag] = struct{}{}
		}
		snapshot[element] = cp
	}
	other.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for element, tagset := range snapshot {
		if s.tags[element] == nil {
			s.tags[element] = make(map[Tag]struct{})
		}
		for tag := range tagset {
			s.tags[element][tag] = struct{}{}
		}
		if len(s.tags[element]) == 0 {
			delete(s.tags, element)
		}
	}
	for element, tagset := range s.tags {
		if len(tagset) == 0 {
			delete(s.tags, element)
		}
	}
}
