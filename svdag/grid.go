// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package svdag implements the voxel occupancy culler: a
// dense voxel grid rasterized from a subscene's triangles,
// compressed into a sparse voxel octree and then into a
// structurally deduplicated Sparse Voxel DAG shared across
// every subscene built against the same Pool.
package svdag

import "github.com/gviegas/oocpt/linear"

// Grid is a dense R x R x R binary occupancy grid over a
// bounding box, used only as scratch during construction (it
// is never itself part of the resident representation).
type Grid struct {
	resolution int
	bounds     linear.Bounds3
	cell       linear.Vec3 // size of one voxel along each axis
	bits       []bool
}

func newGrid(bounds linear.Bounds3, resolution int) *Grid {
	d := bounds.Diagonal()
	var cell linear.Vec3
	for i := 0; i < 3; i++ {
		// A degenerate (zero-thickness) bounds axis, e.g. a
		// perfectly flat quad, would otherwise divide by zero
		// in voxelOf. Collapsing it to a single voxel along
		// that axis is still conservative: every position's
		// local coordinate is 0, so the whole extent maps to
		// voxel index 0 regardless of cell size.
		if d[i] <= 0 {
			cell[i] = 1
		} else {
			cell[i] = d[i] / float32(resolution)
		}
	}
	return &Grid{resolution: resolution, bounds: bounds, cell: cell, bits: make([]bool, resolution*resolution*resolution)}
}

func (g *Grid) index(x, y, z int) int {
	r := g.resolution
	return (z*r+y)*r + x
}

func (g *Grid) at(x, y, z int) bool {
	if x < 0 || y < 0 || z < 0 || x >= g.resolution || y >= g.resolution || z >= g.resolution {
		return false
	}
	return g.bits[g.index(x, y, z)]
}

func (g *Grid) set(x, y, z int) { g.bits[g.index(x, y, z)] = true }

// voxelBounds returns the world-space bounds of voxel (x,y,z).
func (g *Grid) voxelBounds(x, y, z int) linear.Bounds3 {
	min := linear.Vec3{
		g.bounds.Min[0] + float32(x)*g.cell[0],
		g.bounds.Min[1] + float32(y)*g.cell[1],
		g.bounds.Min[2] + float32(z)*g.cell[2],
	}
	max := linear.Vec3{min[0] + g.cell[0], min[1] + g.cell[1], min[2] + g.cell[2]}
	return linear.Bounds3{Min: min, Max: max}
}

// Voxelize rasterizes triangles into a grid at the given
// resolution using the conservative triangle/voxel overlap
// test: a voxel is marked occupied if the triangle's AABB
// overlaps the voxel's AABB *and* the triangle's supporting
// plane passes through the voxel, i.e. the voxel's two
// extreme corners along the plane normal lie on opposite
// sides of it or on it (the standard two-test conservative
// approximation; it only ever over-reports occupancy, never
// under-reports, preserving the culler's conservative
// contract).
func Voxelize(triangles [][3]linear.Vec3, bounds linear.Bounds3, resolution int) *Grid {
	g := newGrid(bounds, resolution)
	for _, tri := range triangles {
		triBounds := linear.EmptyBounds3()
		for i := range tri {
			triBounds.Grow(&tri[i])
		}
		var n linear.Vec3
		var e0, e1 linear.Vec3
		e0.Sub(&tri[1], &tri[0])
		e1.Sub(&tri[2], &tri[0])
		n.Cross(&e0, &e1)
		d := -n.Dot(&tri[0])

		lo := g.voxelOf(&triBounds.Min)
		hi := g.voxelOf(&triBounds.Max)
		for x := lo[0]; x <= hi[0]; x++ {
			for y := lo[1]; y <= hi[1]; y++ {
				for z := lo[2]; z <= hi[2]; z++ {
					vb := g.voxelBounds(x, y, z)
					if !aabbOverlap(&triBounds, &vb) {
						continue
					}
					if planeOverlapsBox(&n, d, &vb) {
						g.set(x, y, z)
					}
				}
			}
		}
	}
	return g
}

func (g *Grid) voxelOf(p *linear.Vec3) [3]int {
	var out [3]int
	for i := 0; i < 3; i++ {
		v := int((p[i] - g.bounds.Min[i]) / g.cell[i])
		if v < 0 {
			v = 0
		}
		if v >= g.resolution {
			v = g.resolution - 1
		}
		out[i] = v
	}
	return out
}

func aabbOverlap(a, b *linear.Bounds3) bool {
	for i := 0; i < 3; i++ {
		if a.Max[i] < b.Min[i] || a.Min[i] > b.Max[i] {
			return false
		}
	}
	return true
}

// planeOverlapsBox conservatively tests whether the plane
// n.x + d == 0 passes through box b, by checking whether b's
// two extreme corners (along n) straddle the plane.
func planeOverlapsBox(n *linear.Vec3, d float32, b *linear.Bounds3) bool {
	var vmin, vmax linear.Vec3
	for i := 0; i < 3; i++ {
		if n[i] >= 0 {
			vmin[i], vmax[i] = b.Min[i], b.Max[i]
		} else {
			vmin[i], vmax[i] = b.Max[i], b.Min[i]
		}
	}
	distMin := n.Dot(&vmin) + d
	distMax := n.Dot(&vmax) + d
	return distMin <= 0 && distMax >= 0
}
