// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package accel

import (
	"context"
	"math"
	"sync"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/gviegas/oocpt/linear"
	"github.com/gviegas/oocpt/scene"
	"github.com/gviegas/oocpt/task"
)

// quadShape builds a two-triangle, axis-aligned unit quad in
// the XY plane, centered at the origin in object space.
func quadShape() *scene.Shape {
	positions := []linear.Vec3{
		{-0.5, -0.5, 0}, {0.5, -0.5, 0}, {0.5, 0.5, 0}, {-0.5, 0.5, 0},
	}
	normals := []linear.Vec3{
		{0, 0, 1}, {0, 0, 1}, {0, 0, 1}, {0, 0, 1},
	}
	indices := []uint32{0, 1, 2, 0, 2, 3}
	return scene.NewShape(indices, positions, normals, nil)
}

func translation(x, y, z float32) linear.M4 {
	var m linear.M4
	m.I()
	m[3] = linear.V4{x, y, z, 1}
	return m
}

// collector is a thread-safe sink for the four result types a
// Batching delivers to, used by every test in this file as
// the integrator stand-in.
type collector struct {
	mu      sync.Mutex
	hits    []HitResult
	misses  []HitResult
	anyHits []AnyResult
	anyMiss []AnyResult
}

func newCollectorHandles(g *task.Graph) (*collector, Handles) {
	c := &collector{}
	hit := task.AddTask(g, func(items []HitResult, _ *task.Scratch) {
		c.mu.Lock()
		c.hits = append(c.hits, items...)
		c.mu.Unlock()
	})
	miss := task.AddTask(g, func(items []HitResult, _ *task.Scratch) {
		c.mu.Lock()
		c.misses = append(c.misses, items...)
		c.mu.Unlock()
	})
	anyHit := task.AddTask(g, func(items []AnyResult, _ *task.Scratch) {
		c.mu.Lock()
		c.anyHits = append(c.anyHits, items...)
		c.mu.Unlock()
	})
	anyMiss := task.AddTask(g, func(items []AnyResult, _ *task.Scratch) {
		c.mu.Lock()
		c.anyMiss = append(c.anyMiss, items...)
		c.mu.Unlock()
	})
	return c, Handles{Hit: hit, Miss: miss, AnyHit: anyHit, AnyMiss: anyMiss}
}

func baseConfig() Config {
	return Config{
		PrimitivesPerSubscene: 64,
		GeometryCacheBytes:    1 << 20,
		BVHCacheBytes:         1 << 20,
		SVDAGResolution:       0,
	}
}

// TestIntersectSingleQuadHit: a ray fired straight at a lone
// quad must report a hit at the expected distance, exercising
// the full pipeline: partition -> top-level BVH -> leaf task
// -> bottom-level BVH -> delivery.
func TestIntersectSingleQuadHit(t *testing.T) {
	g, root := scene.NewGraph()
	obj := &scene.SceneObject{Shape: quadShape()}
	g.Attach(root, obj)

	graph := task.NewGraph(task.WithWorkers(4))
	c, handles := newCollectorHandles(graph)

	b := New(g, graph, baseConfig(), handles)
	defer b.Close()

	r := &linear.Ray{Origin: linear.Vec3{0, 0, -5}, Dir: linear.Vec3{0, 0, 1}, TMax: 1e9}
	b.Intersect(r, "pixel-0")
	assert.NilError(t, b.Run(context.Background()))

	assert.Equal(t, len(c.hits), 1)
	assert.Equal(t, len(c.misses), 0)
	assert.Equal(t, c.hits[0].State, "pixel-0")
	assert.Assert(t, c.hits[0].SI != nil)
	assert.Equal(t, c.hits[0].SI.TFar, float32(5))
	assert.Assert(t, c.hits[0].SI.Shape == obj.Shape)
}

// TestIntersectMissesEmptySpace: a ray that never enters the
// quad's bounds must be delivered to AnyMiss by IntersectAny.
func TestIntersectMissesEmptySpace(t *testing.T) {
	g, root := scene.NewGraph()
	obj := &scene.SceneObject{Shape: quadShape()}
	g.Attach(root, obj)

	graph := task.NewGraph(task.WithWorkers(4))
	c, handles := newCollectorHandles(graph)

	b := New(g, graph, baseConfig(), handles)
	defer b.Close()

	r := &linear.Ray{Origin: linear.Vec3{100, 100, -5}, Dir: linear.Vec3{0, 0, 1}, TMax: 1e9}
	b.IntersectAny(r, nil)
	assert.NilError(t, b.Run(context.Background()))

	assert.Equal(t, len(c.anyHits), 0)
	assert.Equal(t, len(c.anyMiss), 1)
}

// TestInstancedGridRendersEachInstance: one shape instanced
// by several SceneNode children at distinct translations,
// with a small enough
// PrimitivesPerSubscene to force multiple batching points.
// Every instance must independently report a hit at its own
// world position.
func TestInstancedGridRendersEachInstance(t *testing.T) {
	g, root := scene.NewGraph()
	shape := quadShape()

	const n = 8
	var xforms []linear.M4
	for i := 0; i < n; i++ {
		child := g.AddNode()
		obj := &scene.SceneObject{Shape: shape}
		g.Attach(child, obj)
		x := translation(float32(i)*10, 0, 0)
		g.ConnectTransformed(root, child, &x)
		xforms = append(xforms, x)
	}

	graph := task.NewGraph(task.WithWorkers(4))
	c, handles := newCollectorHandles(graph)

	cfg := baseConfig()
	cfg.PrimitivesPerSubscene = 1 // force one subscene per instance
	b := New(g, graph, cfg, handles)
	defer b.Close()

	assert.Assert(t, b.NumSubscenes() >= n)

	for i := 0; i < n; i++ {
		r := &linear.Ray{Origin: linear.Vec3{float32(i) * 10, 0, -5}, Dir: linear.Vec3{0, 0, 1}, TMax: 1e9}
		b.Intersect(r, i)
	}
	assert.NilError(t, b.Run(context.Background()))

	assert.Equal(t, len(c.hits), n)
	seen := make([]bool, n)
	for _, h := range c.hits {
		seen[h.State.(int)] = true
		assert.Equal(t, h.SI.TFar, float32(5))
	}
	for i, s := range seen {
		assert.Assert(t, s, "instance %d never reported a hit", i)
	}
}

// planeShape builds a two-triangle square plane of the given
// half extent in the XY plane, facing -z (toward a camera
// looking down +z).
func planeShape(half float32) *scene.Shape {
	positions := []linear.Vec3{
		{-half, -half, 0}, {half, -half, 0}, {half, half, 0}, {-half, half, 0},
	}
	normals := []linear.Vec3{
		{0, 0, -1}, {0, 0, -1}, {0, 0, -1}, {0, 0, -1},
	}
	indices := []uint32{0, 2, 1, 0, 3, 2}
	return scene.NewShape(indices, positions, normals, nil)
}

// TestDirectLightingPlane traces a small pixel grid against a
// plane and evaluates a direct-lighting estimate from each
// delivered interaction: every covered pixel's value must
// match the analytic expectation, which checks that hit
// position, shading normal and per-ray state all survive the
// batching pipeline intact.
func TestDirectLightingPlane(t *testing.T) {
	g, root := scene.NewGraph()
	g.Attach(root, &scene.SceneObject{Shape: planeShape(2)})

	graph := task.NewGraph(task.WithWorkers(4))
	c, handles := newCollectorHandles(graph)

	b := New(g, graph, baseConfig(), handles)
	defer b.Close()

	const (
		res       = 16
		span      = float32(3) // pixel grid covers [-1.5, 1.5]^2, inside the plane
		intensity = float32(10)
	)
	light := linear.Vec3{0, 0, -4}
	pixelAt := func(i int) (x, y float32) {
		px, py := i%res, i/res
		x = (float32(px)+0.5)/res*span - span/2
		y = (float32(py)+0.5)/res*span - span/2
		return
	}
	for i := 0; i < res*res; i++ {
		x, y := pixelAt(i)
		r := &linear.Ray{Origin: linear.Vec3{x, y, -5}, Dir: linear.Vec3{0, 0, 1}, TMax: 1e9}
		b.Intersect(r, i)
	}
	assert.NilError(t, b.Run(context.Background()))

	assert.Equal(t, len(c.hits), res*res)
	for _, h := range c.hits {
		i := h.State.(int)
		x, y := pixelAt(i)

		var toLight linear.Vec3
		toLight.Sub(&light, &h.SI.P)
		distSq := toLight.Dot(&toLight)
		negDir := linear.Vec3{0, 0, -1}
		got := h.SI.N.Dot(&negDir) * intensity / distSq

		wantDistSq := x*x + y*y + 16
		want := intensity / wantDistSq
		if d := got - want; d > 1e-4 || d < -1e-4 {
			t.Fatalf("pixel %d: have %v, want %v", i, got, want)
		}
	}
}

// TestInstanceWithRotationTransform: an instance whose edge
// transform composes a rotation with a translation must be
// hit where the rotated geometry actually is, exercising the
// full transform chain from partitioning through primitive
// intersection.
func TestInstanceWithRotationTransform(t *testing.T) {
	g, root := scene.NewGraph()
	child := g.AddNode()
	g.Attach(child, &scene.SceneObject{Shape: quadShape()})

	// Rotate the XY-plane quad a quarter turn about +y (its
	// normal swings from +z to +x), then place it at x=20.
	var rot, xform linear.M4
	axis := linear.Vec3{0, 1, 0}
	rot.Rotate(math.Pi/2, &axis)
	trans := translation(20, 0, 0)
	xform.Mul(&trans, &rot)
	g.ConnectTransformed(root, child, &xform)

	graph := task.NewGraph(task.WithWorkers(4))
	c, handles := newCollectorHandles(graph)

	b := New(g, graph, baseConfig(), handles)
	defer b.Close()

	r := &linear.Ray{Origin: linear.Vec3{25, 0, 0}, Dir: linear.Vec3{-1, 0, 0}, TMax: 1e9}
	b.Intersect(r, nil)
	assert.NilError(t, b.Run(context.Background()))

	assert.Equal(t, len(c.hits), 1)
	assert.Assert(t, c.hits[0].SI.TFar > 4.99 && c.hits[0].SI.TFar < 5.01,
		"hit at t=%v, want ~5", c.hits[0].SI.TFar)
}

// TestResumeAcrossTwoLeavesPicksNearestHit: a ray crossing
// two distinct batching points must
// resolve to the nearer of the two hits once both have
// drained, matching a single-BVH reference trace.
func TestResumeAcrossTwoLeavesPicksNearestHit(t *testing.T) {
	g, root := scene.NewGraph()

	near := g.AddNode()
	g.Attach(near, &scene.SceneObject{Shape: quadShape()})
	nearXform := translation(0, 0, 0)
	g.ConnectTransformed(root, near, &nearXform)

	far := g.AddNode()
	g.Attach(far, &scene.SceneObject{Shape: quadShape()})
	farXform := translation(0, 0, 20)
	g.ConnectTransformed(root, far, &farXform)

	graph := task.NewGraph(task.WithWorkers(4))
	c, handles := newCollectorHandles(graph)

	cfg := baseConfig()
	cfg.PrimitivesPerSubscene = 1
	b := New(g, graph, cfg, handles)
	defer b.Close()
	assert.Assert(t, b.NumSubscenes() >= 2)

	r := &linear.Ray{Origin: linear.Vec3{0, 0, -5}, Dir: linear.Vec3{0, 0, 1}, TMax: 1e9}
	b.Intersect(r, nil)
	assert.NilError(t, b.Run(context.Background()))

	assert.Equal(t, len(c.hits), 1)
	assert.Equal(t, c.hits[0].SI.TFar, float32(5)) // the near quad, not the one at z=20
}

// TestSVDAGCullingNeverRejectsRealHits exercises the culler
// enabled end to end: a conservative SVDAG at a coarse
// resolution must never cause a real hit to be missed.
func TestSVDAGCullingNeverRejectsRealHits(t *testing.T) {
	g, root := scene.NewGraph()
	g.Attach(root, &scene.SceneObject{Shape: quadShape()})

	graph := task.NewGraph(task.WithWorkers(4))
	c, handles := newCollectorHandles(graph)

	cfg := baseConfig()
	cfg.SVDAGResolution = 16
	b := New(g, graph, cfg, handles)
	defer b.Close()

	r := &linear.Ray{Origin: linear.Vec3{0, 0, -5}, Dir: linear.Vec3{0, 0, 1}, TMax: 1e9}
	b.Intersect(r, nil)
	assert.NilError(t, b.Run(context.Background()))

	assert.Equal(t, len(c.hits), 1)
}

// TestIntersectAnyShortCircuitsOnOcclusion checks the
// anyhit/anymiss routing independent of Intersect's closest-
// hit bookkeeping.
func TestIntersectAnyShortCircuitsOnOcclusion(t *testing.T) {
	g, root := scene.NewGraph()
	g.Attach(root, &scene.SceneObject{Shape: quadShape()})

	graph := task.NewGraph(task.WithWorkers(4))
	c, handles := newCollectorHandles(graph)

	b := New(g, graph, baseConfig(), handles)
	defer b.Close()

	occluded := &linear.Ray{Origin: linear.Vec3{0, 0, -5}, Dir: linear.Vec3{0, 0, 1}, TMax: 1e9}
	clear := &linear.Ray{Origin: linear.Vec3{100, 100, -5}, Dir: linear.Vec3{0, 0, 1}, TMax: 1e9}
	b.IntersectAny(occluded, "occluded")
	b.IntersectAny(clear, "clear")
	assert.NilError(t, b.Run(context.Background()))

	assert.Equal(t, len(c.anyHits), 1)
	assert.Equal(t, len(c.anyMiss), 1)
	assert.Equal(t, c.anyHits[0].State, "occluded")
	assert.Equal(t, c.anyMiss[0].State, "clear")
}
