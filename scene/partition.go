// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package scene

import (
	"github.com/gviegas/oocpt/bvh"
	"github.com/gviegas/oocpt/linear"
	"github.com/sirupsen/logrus"
)

// PartitionConfig configures Partition.
type PartitionConfig struct {
	// PrimitivesPerSubScene is the target leaf size N.
	PrimitivesPerSubScene int
	// Log receives Partitioner-Irreducible warnings. Defaults
	// to logrus.StandardLogger() when nil.
	Log *logrus.Logger
}

// entry is one direct child of the root: either a
// SceneObject attached to the root itself, or a first-level
// child SceneNode reached through one edge.
type entry struct {
	obj    *SceneObject // non-nil for a directly attached object
	node   NodeID       // valid when obj == nil
	xform  linear.M4
	bounds linear.Bounds3
}

// Partition splits g into a flat list of SubScenes, each
// with a deduplicated primitive count at or below
// cfg.PrimitivesPerSubScene where that is reducible.
func Partition(g *Graph, cfg PartitionConfig) []*SubScene {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	n := cfg.PrimitivesPerSubScene
	if n <= 0 {
		panic("scene: Partition: PrimitivesPerSubScene must be > 0")
	}

	countRefs(g)
	splitOversizeShapes(g, n, log)

	entries := buildEntries(g)
	if len(entries) == 0 {
		return nil
	}

	bounds := make([]linear.Bounds3, len(entries))
	for i, e := range entries {
		bounds[i] = e.bounds
	}
	tree := bvh.Build(bounds, 1)

	var out []*SubScene
	var descend func(nodeIdx int)
	descend = func(nodeIdx int) {
		node := tree.Nodes[nodeIdx]
		lo, hi := rangeOf(tree, nodeIdx)
		count := dedupCount(g, entries, tree.Order[lo:hi])
		if count <= n || node.Count > 0 {
			if count > n {
				log.WithFields(logrus.Fields{
					"count":  count,
					"budget": n,
				}).Warn("scene: subscene exceeds target size and cannot be reduced further (Partitioner-Irreducible)")
			}
			out = append(out, flatten(g, entries, tree.Order[lo:hi]))
			return
		}
		descend(nodeIdx + 1)
		descend(int(node.Right))
	}
	descend(0)
	return out
}

// rangeOf returns the [lo, hi) range into tree.Order that
// node's subtree covers.
func rangeOf(tree *bvh.Tree, nodeIdx int) (lo, hi int) {
	node := tree.Nodes[nodeIdx]
	if node.Count > 0 {
		return int(node.Start), int(node.Start + node.Count)
	}
	lo, _ = rangeOf(tree, nodeIdx+1)
	_, hi = rangeOf(tree, int(node.Right))
	return
}

func buildEntries(g *Graph) []entry {
	var entries []entry
	for _, obj := range g.Objects(g.Root()) {
		var id linear.M4
		id.I()
		b := obj.Shape.GetBounds(&id)
		entries = append(entries, entry{obj: obj, xform: id, bounds: b})
	}
	for i := 0; i < g.NumChildEdges(g.Root()); i++ {
		child, xform, hasXform := g.ChildEdge(g.Root(), i)
		if !hasXform {
			xform.I()
		}
		b := subtreeBounds(g, child, &xform)
		entries = append(entries, entry{node: child, xform: xform, bounds: b})
	}
	return entries
}

func subtreeBounds(g *Graph, node NodeID, xform *linear.M4) linear.Bounds3 {
	b := linear.EmptyBounds3()
	for _, obj := range g.Objects(node) {
		ob := obj.Shape.GetBounds(xform)
		b.Merge(&ob)
	}
	for i := 0; i < g.NumChildEdges(node); i++ {
		child, edgeXform, hasXform := g.ChildEdge(node, i)
		var combined linear.M4
		if hasXform {
			combined.Mul(xform, &edgeXform)
		} else {
			combined = *xform
		}
		cb := subtreeBounds(g, child, &combined)
		b.Merge(&cb)
	}
	return b
}

// dedupCount sums NumPrimitives() once per distinct Shape
// reachable from the given entries, visiting every instance
// occurrence but counting each backing Shape only once.
func dedupCount(g *Graph, entries []entry, order []int32) int {
	seen := map[*Shape]bool{}
	count := 0
	var walkObj func(obj *SceneObject)
	walkObj = func(obj *SceneObject) {
		if seen[obj.Shape] {
			return
		}
		seen[obj.Shape] = true
		count += obj.Shape.NumPrimitives()
	}
	var walkNode func(node NodeID)
	walkNode = func(node NodeID) {
		for _, obj := range g.Objects(node) {
			walkObj(obj)
		}
		for i := 0; i < g.NumChildEdges(node); i++ {
			child, _, _ := g.ChildEdge(node, i)
			walkNode(child)
		}
	}
	for _, idx := range order {
		e := entries[idx]
		if e.obj != nil {
			walkObj(e.obj)
		} else {
			walkNode(e.node)
		}
	}
	return count
}

// flatten materializes every concrete primitive instance
// reachable from the given entries into one SubScene. Unlike
// dedupCount, every edge occurrence contributes its own
// transformed primitives: instancing is resolved here, not
// collapsed.
func flatten(g *Graph, entries []entry, order []int32) *SubScene {
	ss := &SubScene{Bounds: linear.EmptyBounds3()}
	seen := map[*Shape]bool{}
	var addObj func(obj *SceneObject, xform *linear.M4)
	addObj = func(obj *SceneObject, xform *linear.M4) {
		if !seen[obj.Shape] {
			seen[obj.Shape] = true
			ss.NumUniqueShapes++
		}
		for p := 0; p < obj.Shape.NumPrimitives(); p++ {
			ss.addPrimitive(obj, p, xform)
		}
	}
	var addNode func(node NodeID, xform *linear.M4)
	addNode = func(node NodeID, xform *linear.M4) {
		for _, obj := range g.Objects(node) {
			addObj(obj, xform)
		}
		for i := 0; i < g.NumChildEdges(node); i++ {
			child, edgeXform, hasXform := g.ChildEdge(node, i)
			var combined linear.M4
			if hasXform {
				combined.Mul(xform, &edgeXform)
			} else {
				combined = *xform
			}
			addNode(child, &combined)
		}
	}
	for _, idx := range order {
		e := entries[idx]
		if e.obj != nil {
			addObj(e.obj, &e.xform)
		} else {
			addNode(e.node, &e.xform)
		}
	}
	return ss
}

// splitOversizeShapes implements large-shape splitting: any
// non-instanced, non-area-light shape with more than n/8
// primitives is rebuilt as several smaller shapes, each a
// contiguous SAH leaf group of the original.
//
// Instancing is determined by the reference counts computed
// by countRefs, which the caller must have run first.
func splitOversizeShapes(g *Graph, n int, log *logrus.Logger) {
	threshold := n / 8
	if threshold <= 0 {
		return
	}

	replace := map[NodeID][]*SceneObject{}
	for id := range g.nodes {
		nodeID := NodeID(id)
		objs := g.Objects(nodeID)
		var newObjs []*SceneObject
		changed := false
		for _, obj := range objs {
			if obj.instanced() || obj.AreaLight != nil || obj.Shape.NumPrimitives() <= threshold {
				newObjs = append(newObjs, obj)
				continue
			}
			changed = true
			newObjs = append(newObjs, splitShape(obj, threshold)...)
		}
		if changed {
			replace[nodeID] = newObjs
		}
	}
	for id, objs := range replace {
		g.nodes[id].objects = objs
	}
}

// countRefs recomputes SceneObject.refs across the whole
// graph, so instanced() reflects the current edge structure.
// A shape is instanced whenever it is reachable along more
// than one path, whether through a multiply-parented node or
// through distinct SceneObjects sharing it, so paths are
// counted per backing Shape and every object is stamped with
// its shape's total. This walk is also where cycles are
// rejected: a node may be reached along many DAG paths, but
// never along a path that already contains it.
func countRefs(g *Graph) {
	paths := map[*Shape]int{}
	onPath := map[NodeID]bool{}
	var walk func(node NodeID)
	walk = func(node NodeID) {
		if onPath[node] {
			panic("scene: Partition: cycle in scene graph")
		}
		onPath[node] = true
		for _, obj := range g.Objects(node) {
			paths[obj.Shape]++
		}
		for i := 0; i < g.NumChildEdges(node); i++ {
			child, _, _ := g.ChildEdge(node, i)
			walk(child)
		}
		delete(onPath, node)
	}
	walk(g.Root())
	for i := range g.nodes {
		for _, obj := range g.nodes[i].objects {
			obj.refs = paths[obj.Shape]
		}
	}
}

// splitShape partitions obj's shape into the leaf groups of a
// SAH build with maxLeaf as its leaf size, materializing each
// leaf as its own Shape/SceneObject pair sharing obj's
// material. bvh.Build keeps up to 2*maxLeaf primitives in one
// leaf where its SAH cost favours that over a split, so a
// group can hold more than maxLeaf primitives.
func splitShape(obj *SceneObject, maxLeaf int) []*SceneObject {
	s := obj.Shape
	var id linear.M4
	id.I()
	bounds := make([]linear.Bounds3, s.NumPrimitives())
	for i := range bounds {
		bounds[i] = s.GetPrimitiveBounds(i, &id)
	}
	tree := bvh.Build(bounds, maxLeaf)

	var out []*SceneObject
	for _, node := range tree.Nodes {
		if node.Count == 0 {
			continue
		}
		var indices []uint32
		var positions, normals []linear.Vec3
		var uvs []linear.V2
		hasUV := len(s.uvs) > 0
		remap := map[uint32]uint32{}
		for i := int(node.Start); i < int(node.Start+node.Count); i++ {
			prim := int(tree.Order[i])
			for k := 0; k < 3; k++ {
				orig := s.indices[prim*3+k]
				newIdx, ok := remap[orig]
				if !ok {
					newIdx = uint32(len(positions))
					remap[orig] = newIdx
					positions = append(positions, s.positions[orig])
					normals = append(normals, s.normals[orig])
					if hasUV {
						uvs = append(uvs, s.uvs[orig])
					}
				}
				indices = append(indices, newIdx)
			}
		}
		newShape := NewShape(indices, positions, normals, uvs)
		out = append(out, &SceneObject{Shape: newShape, Material: obj.Material})
	}
	return out
}
