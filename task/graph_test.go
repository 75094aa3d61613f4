// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package task

import (
	"context"
	"sync/atomic"
	"testing"

	"gotest.tools/v3/assert"
)

func TestRunDrainsAllQueues(t *testing.T) {
	g := NewGraph(WithWorkers(4))

	var processed atomic.Int64
	h := AddTask(g, func(items []int, _ *Scratch) {
		processed.Add(int64(len(items)))
	})

	const n = 10_000
	items := make([]int, n)
	for i := range items {
		items[i] = i
	}
	EnqueueMany(h, items)

	assert.NilError(t, g.Run(context.Background()))
	assert.Equal(t, processed.Load(), int64(n))
	assert.Equal(t, h.queue.approxSize(), int64(0))
}

// A kernel may enqueue into a downstream task; Run must keep
// scheduling until both queues are drained.
func TestRunFollowsDownstreamEnqueues(t *testing.T) {
	g := NewGraph(WithWorkers(2))

	var shaded atomic.Int64
	var shadeHandle Handle[int]
	shadeHandle = AddTask(g, func(items []int, _ *Scratch) {
		shaded.Add(int64(len(items)))
	})

	hitHandle := AddTask(g, func(items []int, _ *Scratch) {
		for _, it := range items {
			Enqueue(shadeHandle, it*2)
		}
	})

	EnqueueMany(hitHandle, []int{1, 2, 3, 4, 5})

	assert.NilError(t, g.Run(context.Background()))
	assert.Equal(t, shaded.Load(), int64(5))
}

// staticLoader runs exactly once per flush and is shared
// read-only by every chunk of that flush.
func TestStaticDataLoadedOncePerFlush(t *testing.T) {
	g := NewGraph(WithWorkers(8))

	var loads atomic.Int32
	type static struct{ value int }

	h := AddTaskWithStatic(g,
		func(s *static) {
			loads.Add(1)
			s.value = 42
		},
		func(items []int, s *static, _ *Scratch) {
			for _, it := range items {
				assert.Equal(t, s.value, 42)
				_ = it
			}
		},
	)

	items := make([]int, 500) // spans many 32-item chunks
	EnqueueMany(h, items)

	assert.NilError(t, g.Run(context.Background()))
	assert.Equal(t, loads.Load(), int32(1))
}

// Static data implementing releasable is released after the
// flush's last chunk returns, mirroring CachedPtr.Release.
type releasableStatic struct {
	released *atomic.Bool
}

func (r *releasableStatic) Release() { r.released.Store(true) }

func TestStaticDataReleasedAfterFlush(t *testing.T) {
	g := NewGraph(WithWorkers(4))

	var released atomic.Bool
	h := AddTaskWithStatic(g,
		func(s *releasableStatic) { *s = releasableStatic{released: &released} },
		func(items []int, s *releasableStatic, _ *Scratch) {
			assert.Assert(t, !s.released.Load())
		},
	)
	EnqueueMany(h, []int{1, 2, 3})

	assert.NilError(t, g.Run(context.Background()))
	assert.Assert(t, released.Load())
}

func TestRunOnEmptyGraphReturnsImmediately(t *testing.T) {
	g := NewGraph()
	AddTask(g, func(items []int, _ *Scratch) {
		t.Fatal("kernel should never run: queue is empty")
	})
	assert.NilError(t, g.Run(context.Background()))
}
