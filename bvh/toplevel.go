// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package bvh

import (
	"math/bits"

	"github.com/gviegas/oocpt/linear"
)

// TraversalResult is the three-valued outcome of one
// PauseableBVH4 traversal call.
type TraversalResult int

const (
	// Miss: the ray exited the tree with no hit.
	Miss TraversalResult = iota
	// Hit: the ray terminated with a recorded intersection
	// (the caller's hit record was already updated by a
	// previous leaf visit; this call made no further progress
	// because r.TMax cannot be beaten).
	Hit
	// Paused: the ray must wait on the leaf named by
	// Handle.Leaf; traversal does not continue in this call.
	Paused
)

// Handle encodes everything needed to resume a paused
// traversal as if it had just returned from the leaf that
// paused it: the node the ray stopped at and, per ancestor
// level, a 4-bit mask of the sibling slots not yet visited.
// Tightening r.TMax between calls only ever prunes pending
// siblings (each is re-tested against the ray's current
// interval before being entered); it never re-expands the
// encoded stack.
type Handle struct {
	// Leaf is the batching-point index of the leaf the ray
	// paused at. Meaningful only while the ray is Paused.
	Leaf int32

	node     int32
	bits     uint64
	origTMax float32
}

// A node at depth d keeps the pending mask of its children in
// bits [4d, 4d+4), so interior nodes deeper than 15 levels
// have nowhere to record their mask.
const maxPauseableDepth = 15

// node4 is one node of the top-level 4-wide BVH. A leaf has
// isLeaf set and Leaf holding the batching-point index; an
// interior node has 2-4 children, indexed by
// children[:numChildren]. Parent links exist so a paused
// traversal can rebuild its path from the handle's bitfield
// alone.
type node4 struct {
	bounds      [4]linear.Bounds3
	children    [4]int32
	parent      int32
	depth       int8
	numChildren int8
	leaf        int32
	isLeaf      bool
}

// PauseableBVH4 is the top-level tree: a 4-wide BVH over
// batching-point (subscene) bounds whose traversal can
// suspend at a leaf and resume later via a Handle.
type PauseableBVH4 struct {
	nodes []node4
}

// BuildTopLevel collapses a binary SAH Tree built over
// subscene bounds into a 4-wide pauseable tree, where leaf i
// of the binary tree becomes a leaf referencing
// leafIndex[i].
func BuildTopLevel(bounds []linear.Bounds3, leafIndex []int32) *PauseableBVH4 {
	bin := Build(bounds, 1)
	p := &PauseableBVH4{}
	if len(bin.Nodes) == 0 {
		return p
	}
	p.convert(bin, 0, leafIndex, -1, 0)
	return p
}

// convert walks the binary tree and appends the 4-wide
// equivalent, merging one extra level of binary children
// into each 4-wide node where both grandchildren exist.
func (p *PauseableBVH4) convert(bin *Tree, idx int, leafIndex []int32, parent int32, depth int8) int32 {
	n := bin.Nodes[idx]
	if n.Count > 0 {
		out := node4{isLeaf: true, leaf: leafIndex[bin.Order[n.Start]], parent: parent, depth: depth}
		out.bounds[0] = n.Bounds
		p.nodes = append(p.nodes, out)
		return int32(len(p.nodes) - 1)
	}
	if depth > maxPauseableDepth {
		panic("bvh: top-level BVH exceeds the pauseable handle's maximum depth")
	}

	// Gather up to 4 grandchildren by descending one extra
	// binary level wherever a child is itself interior.
	queue := []int{idx + 1, int(n.Right)}
	var leaves []int
	for len(queue) > 0 && len(leaves)+len(queue) < 4 {
		cur := queue[0]
		queue = queue[1:]
		cn := bin.Nodes[cur]
		if cn.Count > 0 {
			leaves = append(leaves, cur)
			continue
		}
		queue = append(queue, cur+1, int(cn.Right))
	}
	leaves = append(leaves, queue...)

	myIdx := int32(len(p.nodes))
	p.nodes = append(p.nodes, node4{})
	out := node4{numChildren: int8(len(leaves)), parent: parent, depth: depth}
	for i, l := range leaves {
		out.bounds[i] = bin.Nodes[l].Bounds
		out.children[i] = p.convert(bin, l, leafIndex, myIdx, depth+1)
	}
	p.nodes[myIdx] = out
	return myIdx
}

// Intersect traverses the tree from the root. When it
// reaches a leaf, it pauses and returns (Paused, handle)
// instead of invoking any leaf-specific logic itself: the
// caller (the batching structure) is responsible for
// enqueuing the ray against the named leaf and, once that
// leaf's work completes, resuming with Resume.
func (p *PauseableBVH4) Intersect(r *linear.Ray) (TraversalResult, Handle) {
	if len(p.nodes) == 0 {
		return Miss, Handle{}
	}
	h := Handle{origTMax: r.TMax}
	return p.traverse(r, h, 0, true)
}

// Resume continues traversal from h, as if it had just
// returned from the leaf named by h.Leaf. The caller must
// have updated r.TMax to reflect anything learned while the
// ray was paused (a closer hit only ever tightens it).
func (p *PauseableBVH4) Resume(r *linear.Ray, h Handle) (TraversalResult, Handle) {
	return p.traverse(r, h, h.node, false)
}

// traverse alternates between descending (down) into the
// subtree rooted at cur and climbing back up through the
// pending-sibling masks encoded in h.bits. Descending from an
// interior node records the not-yet-visited child slots at
// that node's depth and enters the nearest intersecting
// child first; climbing pops pending slots, re-testing each
// against the ray's current interval so a TMax tightened
// while the ray was paused prunes them.
func (p *PauseableBVH4) traverse(r *linear.Ray, h Handle, cur int32, down bool) (TraversalResult, Handle) {
	for {
		if down {
			n := &p.nodes[cur]
			if n.isLeaf {
				if _, _, ok := n.bounds[0].IntersectRay(r); !ok {
					down = false
					continue
				}
				h.node = cur
				h.Leaf = n.leaf
				return Paused, h
			}
			var mask uint64
			nearSlot, nearT := -1, float32(0)
			for i := 0; i < int(n.numChildren); i++ {
				tmin, _, ok := n.bounds[i].IntersectRay(r)
				if !ok {
					continue
				}
				mask |= 1 << i
				if nearSlot < 0 || tmin < nearT {
					nearSlot, nearT = i, tmin
				}
			}
			if mask == 0 {
				down = false
				continue
			}
			mask &^= 1 << nearSlot
			h.bits |= mask << (4 * uint(n.depth))
			cur = n.children[nearSlot]
			continue
		}

		n := &p.nodes[cur]
		if n.depth == 0 {
			if r.TMax < h.origTMax {
				return Hit, h
			}
			return Miss, h
		}
		shift := 4 * uint(n.depth-1)
		parent := &p.nodes[n.parent]
		for group := (h.bits >> shift) & 0xf; group != 0; group = (h.bits >> shift) & 0xf {
			slot := bits.TrailingZeros64(group)
			h.bits &^= 1 << (shift + uint(slot))
			if _, _, ok := parent.bounds[slot].IntersectRay(r); ok {
				cur = parent.children[slot]
				down = true
				break
			}
		}
		if !down {
			cur = n.parent
		}
	}
}
