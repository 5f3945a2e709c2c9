// Package cache holds the fixed capacity containers used for trade, fill, order and candle streams.
package cache

import (
	"errors"
	"iter"
	"sync"

	"github.com/gammazero/deque"
)

// DefaultLimit matches the exchange default of keeping the last thousand entries per stream.
const DefaultLimit = 1000

var ErrCapacityMisconfigured = errors.New("cache capacity must be positive")

// BoundedSequence keeps the most recent limit items in arrival order, oldest first.
type BoundedSequence[T any] struct {
	limit int
	items deque.Deque[T]
	mu    sync.RWMutex
}

func NewBoundedSequence[T any](limit int) (*BoundedSequence[T], error) {
	if limit <= 0 {
		return nil, ErrCapacityMisconfigured
	}

	return &BoundedSequence[T]{
		limit: limit,
		items: deque.Deque[T]{},
	}, nil
}

// Append adds item to the tail. At capacity the head is evicted first, and reported.
func (s *BoundedSequence[T]) Append(item T) (evicted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.items.Len() >= s.limit {
		s.items.PopFront()
		evicted = true
	}
	s.items.PushBack(item)
	return evicted
}

// Latest yields the n most recent items oldest to newest, or every item when n <= 0.
// The read lock is held while the caller ranges over it, so the loop body must not write to s.
func (s *BoundedSequence[T]) Latest(n int) iter.Seq[T] {
	return func(yield func(T) bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()

		size := s.items.Len()
		start := 0
		if n > 0 && n < size {
			start = size - n
		}

		for i := start; i < size; i++ {
			if !yield(s.items.At(i)) {
				return
			}
		}
	}
}

// Items copies the n most recent items.
func (s *BoundedSequence[T]) Items(n int) []T {
	out := make([]T, 0, s.Len())
	for item := range s.Latest(n) {
		out = append(out, item)
	}
	return out
}

func (s *BoundedSequence[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items.Len()
}

func (s *BoundedSequence[T]) Limit() int {
	return s.limit
}
