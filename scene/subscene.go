// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package scene

import "github.com/gviegas/oocpt/linear"

// Primitive is one flattened (shape, triangle, transform)
// reference inside a SubScene: the unit the bottom-level BVH
// is built over.
type Primitive struct {
	Object     *SceneObject
	PrimIndex  int
	ObjToWorld linear.M4
}

// SubScene is a batching point: the flat list of primitive
// references the partitioner has grouped together, plus
// their combined bounds. It is the unit the BVH cache
// builds a bottom-level BVH over and the occupancy culler
// voxelizes.
type SubScene struct {
	Primitives []Primitive
	Bounds     linear.Bounds3

	// NumUniqueShapes is the number of distinct Shape
	// pointers the primitives reference; with instancing it
	// can be far smaller than the number of per-instance
	// primitive entries.
	NumUniqueShapes int
}

func (s *SubScene) addPrimitive(obj *SceneObject, prim int, xform *linear.M4) {
	s.Primitives = append(s.Primitives, Primitive{Object: obj, PrimIndex: prim, ObjToWorld: *xform})
	b := obj.Shape.GetPrimitiveBounds(prim, xform)
	s.Bounds.Merge(&b)
}

// UniqueShapes returns the distinct Shapes referenced by the
// subscene's primitives, in first-seen order. The per-
// subscene BVH cache's static loader uses this to make
// residency the shapes the subscene's CachedBVH traversal
// will dereference, and nothing more.
func (s *SubScene) UniqueShapes() []*Shape {
	seen := map[*Shape]bool{}
	var out []*Shape
	for _, p := range s.Primitives {
		if !seen[p.Object.Shape] {
			seen[p.Object.Shape] = true
			out = append(out, p.Object.Shape)
		}
	}
	return out
}

// Triangles returns the world-space vertices of every
// primitive in the subscene, used by the voxel occupancy
// culler to rasterize the subscene's occupancy grid.
func (s *SubScene) Triangles() [][3]linear.Vec3 {
	out := make([][3]linear.Vec3, len(s.Primitives))
	for i, p := range s.Primitives {
		out[i] = p.Object.Shape.PrimitiveTriangle(p.PrimIndex, &p.ObjToWorld)
	}
	return out
}
