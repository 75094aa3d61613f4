// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package accel

import (
	"github.com/gviegas/oocpt/bvh"
	"github.com/gviegas/oocpt/cache"
	"github.com/gviegas/oocpt/linear"
	"github.com/gviegas/oocpt/scene"
	"github.com/gviegas/oocpt/task"
)

// rayJob is one in-flight ray queued against a batching-point
// leaf: the ray itself, the top-level traversal handle it
// paused at, the integrator's opaque state, and (for a normal
// intersect, not intersectAny) the slot its closest surface
// interaction accumulates into across every leaf it visits.
type rayJob struct {
	ray    *linear.Ray
	state  any
	handle bvh.Handle
	best   *scene.SurfaceInteraction // nil when any is true
	any    bool
}

// leafStatic is the static data acquired once per flush of a
// batching-point leaf's task: residency for every shape the
// subscene references and for its bottom-level CachedBVH.
// Implementing Release lets task.Graph give back both the
// moment the flush's last chunk returns.
type leafStatic struct {
	shapes []cache.CachedPtr[*scene.Shape]
	bvh    cache.CachedPtr[*scene.CachedBVH]
}

func (s *leafStatic) Release() {
	for _, p := range s.shapes {
		p.Release()
	}
	s.bvh.Release()
}

// runLeaf is the kernel registered for batching-point leaf's
// task: for every queued ray, it consults the subscene's
// SVDAG (if culling is enabled), then its bottom-level BVH,
// then resumes the top-level traversal with whatever it
// learned.
func (b *Batching) runLeaf(leaf int, st *leafStatic, items []rayJob) {
	dag := b.svdags[leaf]
	for _, it := range items {
		if dag != nil && !dag.IntersectScalar(it.ray) {
			res, h := b.top.Resume(it.ray, it.handle)
			b.route(res, h, it)
			continue
		}

		if it.any {
			if st.bvh.Get().IntersectAny(it.ray) {
				task.Enqueue(b.handles.AnyHit, AnyResult{Ray: it.ray, Hit: true, State: it.state})
				continue
			}
			res, h := b.top.Resume(it.ray, it.handle)
			b.route(res, h, it)
			continue
		}

		if si, hit := st.bvh.Get().Intersect(it.ray); hit {
			*it.best = si
		}
		res, h := b.top.Resume(it.ray, it.handle)
		b.route(res, h, it)
	}
}

// route delivers res/h for the ray job it: Paused re-enqueues
// it against the named leaf; Hit/Miss deliver the job's final
// outcome to whichever of the integrator's four task handles
// matches it.any.
func (b *Batching) route(res bvh.TraversalResult, h bvh.Handle, it rayJob) {
	switch res {
	case bvh.Paused:
		it.handle = h
		task.Enqueue(b.leaves[h.Leaf], it)
	case bvh.Hit:
		if it.any {
			task.Enqueue(b.handles.AnyHit, AnyResult{Ray: it.ray, Hit: true, State: it.state})
		} else {
			task.Enqueue(b.handles.Hit, HitResult{Ray: it.ray, SI: it.best, State: it.state})
		}
	case bvh.Miss:
		if it.any {
			task.Enqueue(b.handles.AnyMiss, AnyResult{Ray: it.ray, Hit: false, State: it.state})
		} else {
			task.Enqueue(b.handles.Miss, HitResult{Ray: it.ray, SI: nil, State: it.state})
		}
	}
}
