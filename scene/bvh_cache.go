// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package scene

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/gviegas/oocpt/bvh"
	"github.com/gviegas/oocpt/cache"
	"github.com/gviegas/oocpt/linear"
)

// CachedBVH is the per-subscene bottom-level BVH (built once
// over a SubScene's flattened primitives): an Evictable that
// is paged through the residency cache exactly like any other
// piece of geometry, via FromSubScene + cache.MakeResident.
type CachedBVH struct {
	subscene *SubScene

	tree  *bvh.Tree
	alloc cache.Allocation

	buildOnce sync.Once
}

// FromSubScene builds (lazily, on first use) the bottom-level
// BVH for ss. The returned value must be registered with a
// cache.Builder before it can be made resident.
func FromSubScene(ss *SubScene) *CachedBVH {
	return &CachedBVH{subscene: ss}
}

func (c *CachedBVH) ensureBuilt() {
	c.buildOnce.Do(func() {
		bounds := make([]linear.Bounds3, len(c.subscene.Primitives))
		for i, p := range c.subscene.Primitives {
			bounds[i] = p.Object.Shape.GetPrimitiveBounds(p.PrimIndex, &p.ObjToWorld)
		}
		c.tree = bvh.Build(bounds, 0)
	})
}

// Intersect runs a standard stack-based BVH traversal,
// tightening r.TMax and returning the closest hit, if any.
// The subscene's shapes must already be resident.
func (c *CachedBVH) Intersect(r *linear.Ray) (SurfaceInteraction, bool) {
	c.ensureBuilt()
	if len(c.tree.Nodes) == 0 {
		return SurfaceInteraction{}, false
	}

	var best SurfaceInteraction
	hit := false
	var stack [64]int32
	sp := 0
	stack[sp] = 0
	sp++

	for sp > 0 {
		sp--
		nodeIdx := stack[sp]
		node := &c.tree.Nodes[nodeIdx]
		if _, _, ok := node.Bounds.IntersectRay(r); !ok {
			continue
		}
		if node.Count > 0 {
			for i := node.Start; i < node.Start+node.Count; i++ {
				prim := c.subscene.Primitives[c.tree.Order[i]]
				if si, ok := prim.Object.Shape.IntersectPrimitive(r, prim.PrimIndex, &prim.ObjToWorld); ok {
					best = si
					hit = true
				}
			}
			continue
		}
		stack[sp] = nodeIdx + 1
		sp++
		stack[sp] = node.Right
		sp++
	}
	return best, hit
}

// IntersectAny runs the same traversal as Intersect but
// returns as soon as any primitive is hit, without searching
// for the closest one. Used by the batching structure's
// intersectAny path (shadow rays), where only occlusion
// matters.
func (c *CachedBVH) IntersectAny(r *linear.Ray) bool {
	c.ensureBuilt()
	if len(c.tree.Nodes) == 0 {
		return false
	}

	var stack [64]int32
	sp := 0
	stack[sp] = 0
	sp++

	for sp > 0 {
		sp--
		nodeIdx := stack[sp]
		node := &c.tree.Nodes[nodeIdx]
		if _, _, ok := node.Bounds.IntersectRay(r); !ok {
			continue
		}
		if node.Count > 0 {
			for i := node.Start; i < node.Start+node.Count; i++ {
				prim := c.subscene.Primitives[c.tree.Order[i]]
				if _, ok := prim.Object.Shape.IntersectPrimitive(r, prim.PrimIndex, &prim.ObjToWorld); ok {
					return true
				}
			}
			continue
		}
		stack[sp] = nodeIdx + 1
		sp++
		stack[sp] = node.Right
		sp++
	}
	return false
}

// --- cache.Evictable ---

const bvhNodeSize = 6*4 + 4 + 4 + 4 + 4 // Bounds(24) + Start + Count + Right + Axis(padded to 4)

// SizeBytes implements cache.Evictable.
func (c *CachedBVH) SizeBytes() int64 {
	if c.tree == nil {
		return 0
	}
	return int64(len(c.tree.Nodes))*bvhNodeSize + int64(len(c.tree.Order))*4
}

// Serialize implements cache.Evictable: builds the tree if
// necessary, writes it out, and drops the in-memory copy.
func (c *CachedBVH) Serialize(s cache.Serializer) cache.Allocation {
	c.ensureBuilt()
	n := int64(4) + int64(len(c.tree.Nodes))*bvhNodeSize + int64(4) + int64(len(c.tree.Order))*4
	a, dst := s.AllocateAndMap(n)
	encodeTree(dst, c.tree)
	c.alloc = a
	c.tree = nil
	return a
}

// MakeResident implements cache.Evictable.
func (c *CachedBVH) MakeResident(d cache.Deserializer) {
	c.tree = decodeTree(d.Map(c.alloc))
	d.Unmap(c.alloc)
}

// Evict implements cache.Evictable.
func (c *CachedBVH) Evict() { c.tree = nil }

func encodeTree(dst []byte, t *bvh.Tree) {
	off := 0
	binary.LittleEndian.PutUint32(dst[off:], uint32(len(t.Nodes)))
	off += 4
	for _, n := range t.Nodes {
		for _, f := range [...]float32{n.Bounds.Min[0], n.Bounds.Min[1], n.Bounds.Min[2], n.Bounds.Max[0], n.Bounds.Max[1], n.Bounds.Max[2]} {
			binary.LittleEndian.PutUint32(dst[off:], math.Float32bits(f))
			off += 4
		}
		binary.LittleEndian.PutUint32(dst[off:], uint32(n.Start))
		off += 4
		binary.LittleEndian.PutUint32(dst[off:], uint32(n.Count))
		off += 4
		binary.LittleEndian.PutUint32(dst[off:], uint32(n.Right))
		off += 4
		binary.LittleEndian.PutUint32(dst[off:], uint32(n.Axis))
		off += 4
	}
	binary.LittleEndian.PutUint32(dst[off:], uint32(len(t.Order)))
	off += 4
	for _, o := range t.Order {
		binary.LittleEndian.PutUint32(dst[off:], uint32(o))
		off += 4
	}
}

func decodeTree(src []byte) *bvh.Tree {
	off := 0
	numNodes := int(binary.LittleEndian.Uint32(src[off:]))
	off += 4
	nodes := make([]bvh.Node, numNodes)
	for i := range nodes {
		var f [6]float32
		for k := range f {
			f[k] = math.Float32frombits(binary.LittleEndian.Uint32(src[off:]))
			off += 4
		}
		nodes[i].Bounds = linear.Bounds3{Min: linear.Vec3{f[0], f[1], f[2]}, Max: linear.Vec3{f[3], f[4], f[5]}}
		nodes[i].Start = int32(binary.LittleEndian.Uint32(src[off:]))
		off += 4
		nodes[i].Count = int32(binary.LittleEndian.Uint32(src[off:]))
		off += 4
		nodes[i].Right = int32(binary.LittleEndian.Uint32(src[off:]))
		off += 4
		nodes[i].Axis = int8(binary.LittleEndian.Uint32(src[off:]))
		off += 4
	}
	numOrder := int(binary.LittleEndian.Uint32(src[off:]))
	off += 4
	order := make([]int32, numOrder)
	for i := range order {
		order[i] = int32(binary.LittleEndian.Uint32(src[off:]))
		off += 4
	}
	return &bvh.Tree{Nodes: nodes, Order: order}
}
