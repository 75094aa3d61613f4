// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package task

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const chunkSize = 32

// releasable is implemented by a task's static data when it
// needs to give something back at the end of a flush, most
// commonly a cache.CachedPtr pinning the subscene the task's
// kernel operates on.
type releasable interface{ Release() }

// taskRunner is the type-erased view of a Task that Graph
// needs in order to schedule it: the largest-backlog pick
// and the drive-to-empty flush.
type taskRunner interface {
	approxQueueSize() int64
	flush(ctx context.Context, workers int) error
}

// Handle is an opaque, type-safe reference to a registered
// task, returned by AddTask/AddTaskWithStatic and consumed by
// Enqueue/EnqueueMany. It carries no information about the
// task's static-data type, so producers of T never need to
// know whether the consuming task has one.
type Handle[T any] struct {
	queue *mpmcQueue[T]
}

// Enqueue pushes a single item onto h's task queue.
func Enqueue[T any](h Handle[T], item T) { h.queue.push(item) }

// EnqueueMany pushes a batch of items onto h's task queue in
// one locked section, amortizing contention across the
// batch.
func EnqueueMany[T any](h Handle[T], items []T) { h.queue.pushMany(items) }

// taskEntry is the concrete implementation backing one
// Handle[T]. S is struct{} for tasks registered with AddTask
// (no static data).
type taskEntry[T, S any] struct {
	kernel       func(items []T, static *S, scratch *Scratch)
	staticLoader func(*S)
	queue        *mpmcQueue[T]
}

func (e *taskEntry[T, S]) approxQueueSize() int64 { return e.queue.approxSize() }

// flush drains e's queue to empty, running chunks of up to
// chunkSize items concurrently, bounded to workers
// simultaneous kernel invocations. The static data, if any,
// is loaded once before the first chunk and released (if it
// implements releasable) only after every chunk of this
// flush has returned.
func (e *taskEntry[T, S]) flush(ctx context.Context, workers int) error {
	var staticPtr *S
	if e.staticLoader != nil {
		staticPtr = new(S)
		e.staticLoader(staticPtr)
	}

	grp, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(workers))

	for {
		chunk := e.queue.drainChunk(chunkSize)
		if len(chunk) == 0 {
			break
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		grp.Go(func() error {
			defer sem.Release(1)
			scratch := newScratch()
			e.kernel(chunk, staticPtr, scratch)
			return nil
		})
	}

	err := grp.Wait()

	if staticPtr != nil {
		if r, ok := any(staticPtr).(releasable); ok {
			r.Release()
		}
	}
	if err != nil {
		return err
	}
	// A canceled context stops the drain above without any
	// kernel having failed; surface it so Run does not keep
	// electing this still-backlogged task forever.
	return ctx.Err()
}
