// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package accel implements the batching acceleration
// structure: the glue between the residency cache, the
// subscene partitioner, the per-subscene BVH cache, the voxel
// occupancy culler and the top-level pauseable BVH. It is the
// only piece of the core an integrator talks to directly.
package accel

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/gviegas/oocpt/bvh"
	"github.com/gviegas/oocpt/cache"
	"github.com/gviegas/oocpt/linear"
	"github.com/gviegas/oocpt/scene"
	"github.com/gviegas/oocpt/svdag"
	"github.com/gviegas/oocpt/task"
)

// CacheMode re-exports cache.CacheMode under the name the
// configuration surface uses.
type CacheMode = cache.CacheMode

const (
	Sequential   = cache.Sequential
	RandomAccess = cache.RandomAccess
)

// Config is the configuration surface the core recognizes,
// supplied by the integrator/driver.
type Config struct {
	// PrimitivesPerSubscene is the target leaf size N for the
	// subscene partitioner.
	PrimitivesPerSubscene int
	// GeometryCacheBytes is max_bytes for the shape residency
	// cache.
	GeometryCacheBytes int64
	// BVHCacheBytes is max_bytes for the per-subscene BVH
	// residency cache.
	BVHCacheBytes int64
	// SVDAGResolution is the voxel occupancy grid resolution,
	// rounded up to the next power of two; 0 disables SVDAG
	// culling entirely (every batching-point leaf is always
	// treated as hit-possible).
	SVDAGResolution int
	// Concurrency is the number of initial in-flight rays the
	// integrator spawns; accel never reads it, it exists only
	// so driver code has one Config to thread through both
	// the integrator and the core.
	Concurrency int
	// WorkerThreads sizes the task graph's worker pool. It is
	// read by the caller when constructing the task.Graph
	// passed to New (via task.WithWorkers), not by accel
	// itself, since the graph is shared with the integrator's
	// own tasks and must exist before Handles can be built.
	WorkerThreads int
	// CacheMode is the mmap read-ahead hint applied to both
	// residency caches' split-file backing stores.
	CacheMode CacheMode
	// Logger receives operationally significant events
	// (Budget-Exceeded, Partitioner-Irreducible and
	// Contract-Violation, all at Warn). Defaults to
	// logrus.StandardLogger().
	Logger *logrus.Logger
}

// HitResult is delivered to the integrator's hit/miss task
// handles: the ray, its closest surface interaction (nil on
// miss) and the integrator's opaque per-ray state.
type HitResult struct {
	Ray   *linear.Ray
	SI    *scene.SurfaceInteraction
	State any
}

// AnyResult is delivered to the integrator's anyhit/anymiss
// task handles.
type AnyResult struct {
	Ray   *linear.Ray
	Hit   bool
	State any
}

// Handles are the four task handles the integrator registers
// with its own task.Graph at construction; the batching
// structure routes every ray's outcome to one of them.
type Handles struct {
	Hit     task.Handle[HitResult]
	Miss    task.Handle[HitResult]
	AnyHit  task.Handle[AnyResult]
	AnyMiss task.Handle[AnyResult]
}

// Batching is the batched two-level acceleration structure:
// integrators call Intersect/IntersectAny, which enqueue into
// the task graph rather than traversing eagerly, and the
// graph's scheduler amortizes each batching point's residency
// cost over as many queued rays as possible.
type Batching struct {
	subscenes []*scene.SubScene
	svdags    []*svdag.DAG // nil entries if culling is disabled for that subscene
	top       *bvh.PauseableBVH4
	graph     *task.Graph
	leaves    []task.Handle[rayJob]
	handles   Handles

	geomCache *cache.Cache
	bvhCache  *cache.Cache
}

// New partitions g, builds (and dedups) per-subscene SVDAGs,
// builds the top-level BVH over subscene bounds, and wires a
// leaf task per batching point onto graph, whose static-data
// loader acquires that subscene's shapes and CachedBVH
// residency.
//
// graph is owned by the caller, not by Batching: the
// integrator must already have registered its own hit/miss/
// anyhit/anymiss tasks (named by handles) on it before
// calling New, since Handles' task.Handle values can only be
// produced by task.AddTask/AddTaskWithStatic against a
// concrete Graph. Run drives both the integrator's tasks and
// the leaf tasks New adds, in one pass.
func New(g *scene.Graph, graph *task.Graph, cfg Config, handles Handles) *Batching {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	subscenes := scene.Partition(g, scene.PartitionConfig{
		PrimitivesPerSubScene: cfg.PrimitivesPerSubscene,
		Log:                   log,
	})

	// SVDAGs are built before the caches: registering a shape
	// with a cache.Builder serializes and evicts its buffers,
	// after which Triangles() has nothing to rasterize.
	var pool *svdag.Pool
	svdags := make([]*svdag.DAG, len(subscenes))
	if cfg.SVDAGResolution > 0 {
		res := nextPow2(cfg.SVDAGResolution)
		pool = svdag.NewPool()
		for i, ss := range subscenes {
			svdags[i] = svdag.Build(pool, ss.Triangles(), ss.Bounds, res)
		}
	}

	geomCache, bvhCache, cachedBVHs, subShapes := buildCaches(subscenes, cfg, log)

	bounds := make([]linear.Bounds3, len(subscenes))
	leafIdx := make([]int32, len(subscenes))
	for i, ss := range subscenes {
		bounds[i] = ss.Bounds
		leafIdx[i] = int32(i)
	}
	top := bvh.BuildTopLevel(bounds, leafIdx)

	b := &Batching{
		subscenes: subscenes,
		svdags:    svdags,
		top:       top,
		graph:     graph,
		handles:   handles,
		geomCache: geomCache,
		bvhCache:  bvhCache,
	}

	fields := logrus.Fields{"subscenes": len(subscenes)}
	if pool != nil {
		fields["svdagNodes"] = pool.NumNodes()
	}
	log.WithFields(fields).Info("accel: batching structure built")

	b.leaves = make([]task.Handle[rayJob], len(subscenes))
	for i := range subscenes {
		leaf := i
		shapes := subShapes[leaf]
		cb := cachedBVHs[leaf]
		b.leaves[leaf] = task.AddTaskWithStatic(graph,
			func(st *leafStatic) {
				st.shapes = make([]cache.CachedPtr[*scene.Shape], len(shapes))
				for j, sh := range shapes {
					st.shapes[j] = cache.MakeResident(geomCache, sh)
				}
				st.bvh = cache.MakeResident(bvhCache, cb)
			},
			func(items []rayJob, st *leafStatic, _ *task.Scratch) {
				b.runLeaf(leaf, st, items)
			},
		)
	}

	return b
}

func nextPow2(n int) int {
	p := 2
	for p < n {
		p <<= 1
	}
	return p
}

// buildCaches registers every subscene's unique shapes (each
// exactly once, even if shared across subscenes) and its
// CachedBVH with two independent residency caches, returning
// them alongside the per-subscene bookkeeping New's closures
// need.
func buildCaches(subscenes []*scene.SubScene, cfg Config, log *logrus.Logger) (geomCache, bvhCache *cache.Cache, cachedBVHs []*scene.CachedBVH, subShapes [][]*scene.Shape) {
	geomDir, err := os.MkdirTemp("", "oocpt-geom-")
	if err != nil {
		panic(fmt.Sprintf("accel: cannot create geometry cache scratch dir: %v", err))
	}
	bvhDir, err := os.MkdirTemp("", "oocpt-bvh-")
	if err != nil {
		panic(fmt.Sprintf("accel: cannot create BVH cache scratch dir: %v", err))
	}

	geomBuilder := cache.NewBuilder(cache.NewSplitFileSerializer(geomDir, 0, cfg.CacheMode))
	geomBuilder.SetLogger(log)
	bvhBuilder := cache.NewBuilder(cache.NewSplitFileSerializer(bvhDir, 0, cfg.CacheMode))
	bvhBuilder.SetLogger(log)

	cachedBVHs = make([]*scene.CachedBVH, len(subscenes))
	subShapes = make([][]*scene.Shape, len(subscenes))

	// Every CachedBVH is registered (and thus built and
	// serialized) while the geometry is still resident; only
	// then are the shapes themselves handed to the geometry
	// cache, which evicts their buffers on registration.
	for i, ss := range subscenes {
		subShapes[i] = ss.UniqueShapes()
		cb := scene.FromSubScene(ss)
		bvhBuilder.RegisterCacheable(cb)
		cachedBVHs[i] = cb
	}
	registered := map[*scene.Shape]bool{}
	for _, shapes := range subShapes {
		for _, sh := range shapes {
			if !registered[sh] {
				registered[sh] = true
				geomBuilder.RegisterCacheable(sh)
			}
		}
	}

	geomCache = geomBuilder.Build(cfg.GeometryCacheBytes)
	bvhCache = bvhBuilder.Build(cfg.BVHCacheBytes)
	return
}

// Intersect enqueues ray for traversal, eventually delivering
// it to Handles.Hit or Handles.Miss. It is asynchronous: the
// result is not available until a subsequent Run drains the
// task graph.
func (b *Batching) Intersect(ray *linear.Ray, state any) {
	res, h := b.top.Intersect(ray)
	b.route(res, h, rayJob{ray: ray, state: state, best: new(scene.SurfaceInteraction)})
}

// IntersectAny enqueues ray for occlusion testing, eventually
// delivering it to Handles.AnyHit or Handles.AnyMiss.
func (b *Batching) IntersectAny(ray *linear.Ray, state any) {
	res, h := b.top.Intersect(ray)
	b.route(res, h, rayJob{ray: ray, state: state, any: true})
}

// Run drives the task graph until every queue (every
// batching-point leaf and every task the integrator itself
// registered on the same graph) is empty.
func (b *Batching) Run(ctx context.Context) error { return b.graph.Run(ctx) }

// NumSubscenes reports how many batching points the
// partitioner produced. Exposed mainly for tests asserting on
// partitioning behavior (e.g. an instanced scene must split
// into at least as many subscenes as instances).
func (b *Batching) NumSubscenes() int { return len(b.subscenes) }

// Graph returns the task graph passed to New, so the
// integrator can register further downstream tasks (e.g.
// shading, spawned by its own hit/miss kernels) on the same
// graph before calling Run.
func (b *Batching) Graph() *task.Graph { return b.graph }

// Close releases the scratch directories backing the
// geometry and BVH residency caches. It must be called once
// rendering has finished; the serializer temp directories are
// process-lifetime scratch, not persistent state.
func (b *Batching) Close() error {
	err1 := b.geomCache.Close()
	err2 := b.bvhCache.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
