// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package linear

import "math"

// Ray is a parametric ray with a valid parametric interval
// of [TMin, TMax].
type Ray struct {
	Origin Vec3
	Dir    Vec3
	TMin   float32
	TMax   float32
}

// At returns the point along r at parameter t.
func (r *Ray) At(t float32) (p Vec3) {
	p.Scale(t, &r.Dir)
	p.Add(&p, &r.Origin)
	return
}

// Vec3 is an alias of V3 used where the graphics-engine
// naming (V3) reads awkwardly alongside ray/bounds code.
type Vec3 = V3

// Bounds3 is an axis-aligned bounding box. The zero value is
// a degenerate box at the origin, not an empty one; start a
// Grow/Merge reduction from EmptyBounds3.
type Bounds3 struct {
	Min, Max Vec3
}

// EmptyBounds3 returns an inverted box suitable as the
// starting point of a Grow/Merge reduction.
func EmptyBounds3() Bounds3 {
	const inf = float32(math.MaxFloat32)
	return Bounds3{Min: Vec3{inf, inf, inf}, Max: Vec3{-inf, -inf, -inf}}
}

// Grow extends b to contain p.
func (b *Bounds3) Grow(p *Vec3) {
	for i := range b.Min {
		if p[i] < b.Min[i] {
			b.Min[i] = p[i]
		}
		if p[i] > b.Max[i] {
			b.Max[i] = p[i]
		}
	}
}

// Merge extends b to contain o.
func (b *Bounds3) Merge(o *Bounds3) {
	b.Grow(&o.Min)
	b.Grow(&o.Max)
}

// Centroid returns the midpoint of b.
func (b *Bounds3) Centroid() (c Vec3) {
	c.Add(&b.Min, &b.Max)
	c.Scale(0.5, &c)
	return
}

// Diagonal returns Max - Min.
func (b *Bounds3) Diagonal() (d Vec3) {
	d.Sub(&b.Max, &b.Min)
	return
}

// SurfaceArea returns the surface area of b.
// It is zero for an empty box.
func (b *Bounds3) SurfaceArea() float32 {
	d := b.Diagonal()
	if d[0] < 0 || d[1] < 0 || d[2] < 0 {
		return 0
	}
	return 2 * (d[0]*d[1] + d[1]*d[2] + d[2]*d[0])
}

// MaxExtent returns the axis (0, 1 or 2) along which b is
// the widest.
func (b *Bounds3) MaxExtent() int {
	d := b.Diagonal()
	switch {
	case d[0] > d[1] && d[0] > d[2]:
		return 0
	case d[1] > d[2]:
		return 1
	default:
		return 2
	}
}

// IntersectRay computes the entry/exit parametric distances
// of r against b using the standard slab test.
// ok is false when r misses b entirely.
func (b *Bounds3) IntersectRay(r *Ray) (tmin, tmax float32, ok bool) {
	tmin, tmax = r.TMin, r.TMax
	for i := 0; i < 3; i++ {
		invD := 1 / r.Dir[i]
		t0 := (b.Min[i] - r.Origin[i]) * invD
		t1 := (b.Max[i] - r.Origin[i]) * invD
		if invD < 0 {
			t0, t1 = t1, t0
		}
		if t0 > tmin {
			tmin = t0
		}
		if t1 < tmax {
			tmax = t1
		}
		if tmin > tmax {
			return 0, 0, false
		}
	}
	ok = true
	return
}

// TransformPoint sets v to m applied to the point p (w = 1,
// affine transform, no perspective divide).
func TransformPoint(v *Vec3, m *M4, p *Vec3) {
	var v4, p4 V4
	p4 = V4{p[0], p[1], p[2], 1}
	v4.Mul(m, &p4)
	*v = Vec3{v4[0], v4[1], v4[2]}
}

// TransformBounds returns the bounds of b after being
// transformed by m (transforms all eight corners and grows
// a new box around them, since an affine transform of a box
// is not generally a box aligned the same way).
func TransformBounds(m *M4, b *Bounds3) Bounds3 {
	out := EmptyBounds3()
	for i := 0; i < 8; i++ {
		c := Vec3{b.Min[0], b.Min[1], b.Min[2]}
		if i&1 != 0 {
			c[0] = b.Max[0]
		}
		if i&2 != 0 {
			c[1] = b.Max[1]
		}
		if i&4 != 0 {
			c[2] = b.Max[2]
		}
		var p Vec3
		TransformPoint(&p, m, &c)
		out.Grow(&p)
	}
	return out
}
