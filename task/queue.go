// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package task

import (
	"sync"
	"sync/atomic"
)

// mpmcQueue is an unbounded multi-producer, multi-consumer
// queue. Its size is tracked separately as an atomic counter
// so that approxSize never has to take the lock: it may
// be stale by the handful of items currently mid-push or
// mid-drain, which is exactly the approximation the
// scheduler's pick-largest-backlog policy is built to
// tolerate.
type mpmcQueue[T any] struct {
	mu    sync.Mutex
	items []T
	size  atomic.Int64
}

func (q *mpmcQueue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.size.Add(1)
}

func (q *mpmcQueue[T]) pushMany(vs []T) {
	if len(vs) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, vs...)
	q.mu.Unlock()
	q.size.Add(int64(len(vs)))
}

// drainChunk removes up to max items from the head of the
// queue and returns them as a freshly allocated slice (safe
// for the caller to retain past the next push).
func (q *mpmcQueue[T]) drainChunk(max int) []T {
	q.mu.Lock()
	n := max
	if n > len(q.items) {
		n = len(q.items)
	}
	var chunk []T
	if n > 0 {
		chunk = append(chunk, q.items[:n]...)
		remaining := len(q.items) - n
		copy(q.items, q.items[n:])
		q.items = q.items[:remaining]
	}
	q.mu.Unlock()
	if n > 0 {
		q.size.Add(-int64(n))
	}
	return chunk
}

func (q *mpmcQueue[T]) approxSize() int64 { return q.size.Load() }
