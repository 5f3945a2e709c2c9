package cache

import (
	"iter"
	"sync"

	"github.com/gammazero/deque"
)

type keyedSlot[K comparable] struct {
	key K
	gen uint64
}

type keyedEntry[T any] struct {
	value T
	gen   uint64
}

// KeyedBoundedSequence is a BoundedSequence with at most one live entry per key.
// Touching a key moves it to the most recent position. A slot in order is live only
// while its generation matches the one stored for its key; stale slots are skipped
// and compacted away once they outnumber the live ones.
type KeyedBoundedSequence[K comparable, T any] struct {
	limit int
	order deque.Deque[keyedSlot[K]]
	live  map[K]keyedEntry[T]
	gen   uint64
	mu    sync.RWMutex
}

func NewKeyedBoundedSequence[K comparable, T any](limit int) (*KeyedBoundedSequence[K, T], error) {
	if limit <= 0 {
		return nil, ErrCapacityMisconfigured
	}

	return &KeyedBoundedSequence[K, T]{
		limit: limit,
		order: deque.Deque[keyedSlot[K]]{},
		live:  make(map[K]keyedEntry[T], limit),
	}, nil
}

// Upsert replaces the value stored for key, or appends it evicting the oldest key at capacity.
func (s *KeyedBoundedSequence[K, T]) Upsert(key K, item T) (evicted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++

	if _, ok := s.live[key]; !ok && len(s.live) >= s.limit {
		s.evictOldest()
		evicted = true
	}

	s.live[key] = keyedEntry[T]{value: item, gen: s.gen}
	s.order.PushBack(keyedSlot[K]{key: key, gen: s.gen})

	if s.order.Len() > 2*s.limit {
		s.compact()
	}
	return evicted
}

func (s *KeyedBoundedSequence[K, T]) Get(key K) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.live[key]
	return entry.value, ok
}

// Latest yields the values of the n most recently touched keys oldest to newest, all when n <= 0.
// The read lock is held for the duration of the range loop.
func (s *KeyedBoundedSequence[K, T]) Latest(n int) iter.Seq[T] {
	return func(yield func(T) bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()

		start := 0
		if n > 0 && n < len(s.live) {
			seen := 0
			for i := s.order.Len() - 1; i >= 0; i-- {
				if s.isLive(s.order.At(i)) {
					seen++
					if seen == n {
						start = i
						break
					}
				}
			}
		}

		for i := start; i < s.order.Len(); i++ {
			slot := s.order.At(i)
			if !s.isLive(slot) {
				continue
			}
			if !yield(s.live[slot.key].value) {
				return
			}
		}
	}
}

func (s *KeyedBoundedSequence[K, T]) Items(n int) []T {
	out := make([]T, 0, s.Len())
	for item := range s.Latest(n) {
		out = append(out, item)
	}
	return out
}

// Len is the number of distinct live keys.
func (s *KeyedBoundedSequence[K, T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

func (s *KeyedBoundedSequence[K, T]) Limit() int {
	return s.limit
}

func (s *KeyedBoundedSequence[K, T]) isLive(slot keyedSlot[K]) bool {
	entry, ok := s.live[slot.key]
	return ok && entry.gen == slot.gen
}

func (s *KeyedBoundedSequence[K, T]) evictOldest() {
	for s.order.Len() > 0 {
		slot := s.order.PopFront()
		if s.isLive(slot) {
			delete(s.live, slot.key)
			return
		}
	}
}

func (s *KeyedBoundedSequence[K, T]) compact() {
	var kept deque.Deque[keyedSlot[K]]
	for i := 0; i < s.order.Len(); i++ {
		slot := s.order.At(i)
		if s.isLive(slot) {
			kept.PushBack(slot)
		}
	}
	s.order = kept
}
