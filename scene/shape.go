// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package scene implements the renderer's scene description:
// triangle meshes, scene objects, the multi-parent scene
// graph, and the subscene partitioner that turns a graph into
// the flat batching units the acceleration structure builds
// on.
package scene

import (
	"github.com/gviegas/oocpt/cache"
	"github.com/gviegas/oocpt/linear"
)

// Shape is an indexed triangle mesh. It is Evictable: its
// geometry buffers are the only state worth paging, since a
// Shape's identity (material, area light, instancing) lives
// one level up, in SceneObject.
type Shape struct {
	indices   []uint32
	positions []linear.Vec3
	normals   []linear.Vec3
	uvs       []linear.V2 // optional, len 0 if absent

	alloc cache.Allocation
}

// NewShape creates a shape from triangle data. len(indices)
// must be a multiple of 3; normals must have the same length
// as positions; uvs may be nil.
func NewShape(indices []uint32, positions, normals []linear.Vec3, uvs []linear.V2) *Shape {
	if len(indices)%3 != 0 {
		panic("scene: NewShape: len(indices) is not a multiple of 3")
	}
	if len(normals) != len(positions) {
		panic("scene: NewShape: len(normals) != len(positions)")
	}
	return &Shape{indices: indices, positions: positions, normals: normals, uvs: uvs}
}

// NumPrimitives returns the number of triangles in the shape.
func (s *Shape) NumPrimitives() int { return len(s.indices) / 3 }

// GetBounds returns the world-space bounds of every
// primitive in the shape, under the given object-to-world
// transform.
func (s *Shape) GetBounds(objToWorld *linear.M4) linear.Bounds3 {
	b := linear.EmptyBounds3()
	for i := range s.positions {
		var p linear.Vec3
		linear.TransformPoint(&p, objToWorld, &s.positions[i])
		b.Grow(&p)
	}
	return b
}

// GetPrimitiveBounds returns the world-space bounds of a
// single triangle.
func (s *Shape) GetPrimitiveBounds(prim int, objToWorld *linear.M4) linear.Bounds3 {
	b := linear.EmptyBounds3()
	for k := 0; k < 3; k++ {
		idx := s.indices[prim*3+k]
		var p linear.Vec3
		linear.TransformPoint(&p, objToWorld, &s.positions[idx])
		b.Grow(&p)
	}
	return b
}

// PrimitiveTriangle returns the three world-space vertices
// of one triangle, used by the voxel occupancy culler to
// rasterize a subscene's primitives without exposing the
// shape's raw buffers.
func (s *Shape) PrimitiveTriangle(prim int, objToWorld *linear.M4) (tri [3]linear.Vec3) {
	for k := 0; k < 3; k++ {
		idx := s.indices[prim*3+k]
		linear.TransformPoint(&tri[k], objToWorld, &s.positions[idx])
	}
	return
}

// SurfaceInteraction is the geometric record produced by a
// successful ray-primitive intersection: the hit point, the
// interpolated shading normal and UV, and the identity of
// the geometry that produced it.
type SurfaceInteraction struct {
	P     linear.Vec3
	N     linear.Vec3
	UV    linear.V2
	Shape *Shape
	Prim  int
	TFar  float32
}

// IntersectPrimitive performs a Möller-Trumbore ray-triangle
// test against one world-space-transformed primitive,
// updating r.TMax and returning the interaction on a hit.
func (s *Shape) IntersectPrimitive(r *linear.Ray, prim int, objToWorld *linear.M4) (SurfaceInteraction, bool) {
	i0, i1, i2 := s.indices[prim*3], s.indices[prim*3+1], s.indices[prim*3+2]
	var p0, p1, p2 linear.Vec3
	linear.TransformPoint(&p0, objToWorld, &s.positions[i0])
	linear.TransformPoint(&p1, objToWorld, &s.positions[i1])
	linear.TransformPoint(&p2, objToWorld, &s.positions[i2])

	var e1, e2 linear.Vec3
	e1.Sub(&p1, &p0)
	e2.Sub(&p2, &p0)

	var pvec linear.Vec3
	pvec.Cross(&r.Dir, &e2)
	det := e1.Dot(&pvec)
	const epsilon = 1e-8
	if det > -epsilon && det < epsilon {
		return SurfaceInteraction{}, false
	}
	invDet := 1 / det

	var tvec linear.Vec3
	tvec.Sub(&r.Origin, &p0)
	u := tvec.Dot(&pvec) * invDet
	if u < 0 || u > 1 {
		return SurfaceInteraction{}, false
	}

	var qvec linear.Vec3
	qvec.Cross(&tvec, &e1)
	v := r.Dir.Dot(&qvec) * invDet
	if v < 0 || u+v > 1 {
		return SurfaceInteraction{}, false
	}

	t := e2.Dot(&qvec) * invDet
	if t < r.TMin || t > r.TMax {
		return SurfaceInteraction{}, false
	}

	var n0, n1, n2 linear.Vec3
	rot := linear.M3{}
	rot.Upper(objToWorld)
	n0.Mul(&rot, &s.normals[i0])
	n1.Mul(&rot, &s.normals[i1])
	n2.Mul(&rot, &s.normals[i2])
	var n linear.Vec3
	n.Scale(1-u-v, &n0)
	var nu, nv linear.Vec3
	nu.Scale(u, &n1)
	nv.Scale(v, &n2)
	n.Add(&n, &nu)
	n.Add(&n, &nv)
	n.Norm(&n)

	var uv linear.V2
	if len(s.uvs) > 0 {
		uv0, uv1, uv2 := s.uvs[i0], s.uvs[i1], s.uvs[i2]
		uv = linear.V2{
			(1-u-v)*uv0[0] + u*uv1[0] + v*uv2[0],
			(1-u-v)*uv0[1] + u*uv1[1] + v*uv2[1],
		}
	}

	r.TMax = t
	return SurfaceInteraction{P: r.At(t), N: n, UV: uv, Shape: s, Prim: prim, TFar: t}, true
}

// --- cache.Evictable ---

// SizeBytes implements cache.Evictable.
func (s *Shape) SizeBytes() int64 {
	if s.positions == nil && s.indices == nil {
		return 0
	}
	sz := int64(len(s.indices)) * 4
	sz += int64(len(s.positions)) * 12
	sz += int64(len(s.normals)) * 12
	sz += int64(len(s.uvs)) * 8
	return sz
}

// Serialize implements cache.Evictable: it writes a flat
// image of indices/positions/normals/uvs and immediately
// drops the in-memory buffers, leaving the shape
// non-resident until the first MakeResident.
func (s *Shape) Serialize(ser cache.Serializer) cache.Allocation {
	n := shapeImageSize(len(s.indices), len(s.positions), len(s.uvs) > 0)
	a, dst := ser.AllocateAndMap(n)
	encodeShapeImage(dst, s.indices, s.positions, s.normals, s.uvs)
	s.alloc = a
	s.indices = nil
	s.positions = nil
	s.normals = nil
	s.uvs = nil
	return a
}

// MakeResident implements cache.Evictable.
func (s *Shape) MakeResident(d cache.Deserializer) {
	buf := d.Map(s.alloc)
	s.indices, s.positions, s.normals, s.uvs = decodeShapeImage(buf)
	d.Unmap(s.alloc)
}

// Evict implements cache.Evictable.
func (s *Shape) Evict() {
	s.indices = nil
	s.positions = nil
	s.normals = nil
	s.uvs = nil
}
