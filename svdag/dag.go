// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package svdag

import "github.com/gviegas/oocpt/linear"

// Descriptor is the 2-byte per-node occupancy record: for
// each of the 8 child octants, validMask says whether
// anything is there at all, and leafMask (meaningful only
// where validMask is set) distinguishes a fully-occupied
// octant (leaf, no further detail) from one that descends
// into another inner node.
type Descriptor struct {
	LeafMask  uint8
	ValidMask uint8
}

func (d Descriptor) isValid(i int) bool { return d.ValidMask&(1<<i) != 0 }
func (d Descriptor) isLeaf(i int) bool  { return d.ValidMask&d.LeafMask&(1<<i) != 0 }

// node is one inner node of the DAG: a descriptor plus, for
// every octant that is itself an inner node (valid, not
// leaf), an index into the owning Pool.
type node struct {
	desc     Descriptor
	children [8]uint32
}

type nodeKey struct {
	desc     Descriptor
	children [8]uint32
}

// Pool is the shared node storage every DAG built against it
// is compressed into: structurally identical subtrees,
// whether from the same subscene or different ones, collapse
// to a single entry.
type Pool struct {
	nodes []node
	index map[nodeKey]uint32
}

// NewPool creates an empty, shared DAG node pool.
func NewPool() *Pool { return &Pool{index: map[nodeKey]uint32{}} }

// NumNodes reports the pool's current size, used by callers
// (and tests) to measure how much structural sharing a
// dedup pass achieved.
func (p *Pool) NumNodes() int { return len(p.nodes) }

func (p *Pool) intern(desc Descriptor, children [8]uint32) uint32 {
	key := nodeKey{desc: desc, children: children}
	if idx, ok := p.index[key]; ok {
		return idx
	}
	idx := uint32(len(p.nodes))
	p.nodes = append(p.nodes, node{desc: desc, children: children})
	p.index[key] = idx
	return idx
}

// DAG is one subscene's occupancy structure: a root entry
// into a (possibly shared) Pool plus the world-space bounds
// and resolution it was built at.
type DAG struct {
	pool       *Pool
	root       uint32
	hasContent bool // false if the whole grid was empty
	bounds     linear.Bounds3
	resolution int
}

// Build voxelizes triangles and compresses the result into
// pool, returning a DAG. resolution must be a power of two
// no smaller than 2: the octree halves the grid per level,
// so any other value would leave voxels no node covers.
func Build(pool *Pool, triangles [][3]linear.Vec3, bounds linear.Bounds3, resolution int) *DAG {
	if resolution < 2 || resolution&(resolution-1) != 0 {
		panic("svdag: Build: resolution must be a power of two >= 2")
	}
	grid := Voxelize(triangles, bounds, resolution)
	root, empty := buildNode(grid, 0, 0, 0, resolution, pool)
	return &DAG{pool: pool, root: root, hasContent: !empty, bounds: bounds, resolution: resolution}
}

// buildNode recursively compresses the size^3 sub-cube at
// (x0,y0,z0) into pool, returning the pool index of the
// resulting inner node (meaningless if empty is true) and
// whether the whole sub-cube is unoccupied.
func buildNode(grid *Grid, x0, y0, z0, size int, pool *Pool) (idx uint32, empty bool) {
	if size == 1 {
		// A single voxel never becomes a pool node on its own;
		// its occupancy is reported directly to the parent,
		// which records it via LeafMask.
		return 0, !grid.at(x0, y0, z0)
	}

	half := size / 2
	var desc Descriptor
	var children [8]uint32
	any := false
	for i := 0; i < 8; i++ {
		cx := x0 + (i&1)*half
		cy := y0 + ((i>>1)&1)*half
		cz := z0 + ((i>>2)&1)*half
		if half == 1 {
			if grid.at(cx, cy, cz) {
				desc.ValidMask |= 1 << i
				desc.LeafMask |= 1 << i
				any = true
			}
			continue
		}
		cidx, cempty := buildNode(grid, cx, cy, cz, half, pool)
		if cempty {
			continue
		}
		desc.ValidMask |= 1 << i
		children[i] = cidx
		any = true
	}
	if !any {
		return 0, true
	}
	return pool.intern(desc, children), false
}

// IntersectScalar reports whether any occupied voxel lies
// along r within [r.TMin, r.TMax]. It returns false only when
// that is provably true (conservative: it may also return
// true for some rays that do not actually touch geometry,
// e.g. an occupied-but-empty-after-splitting voxel).
func (d *DAG) IntersectScalar(r *linear.Ray) bool {
	if !d.hasContent {
		return false
	}
	tmin, tmax, ok := d.bounds.IntersectRay(r)
	if !ok {
		return false
	}
	clamped := *r
	clamped.TMin, clamped.TMax = tmin, tmax
	return d.intersectNode(d.root, &d.bounds, &clamped)
}

// intersectNode descends the octree rooted at nodeIdx (whose
// spatial extent is bounds), testing the ray against every
// present child whose box it overlaps.
func (d *DAG) intersectNode(nodeIdx uint32, bounds *linear.Bounds3, r *linear.Ray) bool {
	n := &d.pool.nodes[nodeIdx]
	center := bounds.Centroid()
	for i := 0; i < 8; i++ {
		if !n.desc.isValid(i) {
			continue
		}
		childBounds := octantBounds(bounds, &center, i)
		if _, _, ok := childBounds.IntersectRay(r); !ok {
			continue
		}
		if n.desc.isLeaf(i) {
			return true
		}
		if d.intersectNode(n.children[i], &childBounds, r) {
			return true
		}
	}
	return false
}

func octantBounds(b *linear.Bounds3, center *linear.Vec3, i int) linear.Bounds3 {
	var min, max linear.Vec3
	for axis := 0; axis < 3; axis++ {
		bit := (i >> axis) & 1
		if bit == 0 {
			min[axis], max[axis] = b.Min[axis], center[axis]
		} else {
			min[axis], max[axis] = center[axis], b.Max[axis]
		}
	}
	return linear.Bounds3{Min: min, Max: max}
}
