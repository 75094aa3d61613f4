// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package bvh implements the bounding volume hierarchies the
// core builds over scene geometry: a shared SAH builder,
// whose Tree is also the per-subscene bottom-level tree that
// scene.CachedBVH pages through the residency cache, and the
// top-level pauseable tree rays enter first.
package bvh

import (
	"sort"

	"github.com/gviegas/oocpt/linear"
)

// Node is one node of a binary BVH, stored in depth-first
// order. Leaves have Count > 0 and Start indexing into the
// tree's primitive permutation; interior nodes have Count
// == 0 and Right indexing the second child (the first child
// always immediately follows the parent).
type Node struct {
	Bounds linear.Bounds3
	Start  int32
	Count  int32
	Right  int32
	Axis   int8
}

// Tree is a binary SAH BVH together with the permutation of
// primitive indices its leaves reference.
type Tree struct {
	Nodes []Node
	Order []int32
}

const (
	maxLeafSize   = 4
	numSAHBuckets = 12
)

// Build constructs a SAH BVH over the given primitive
// bounds. maxLeaf overrides maxLeafSize when > 0.
func Build(bounds []linear.Bounds3, maxLeaf int) *Tree {
	if maxLeaf <= 0 {
		maxLeaf = maxLeafSize
	}
	n := len(bounds)
	order := make([]int32, n)
	centroids := make([]linear.Vec3, n)
	for i := range order {
		order[i] = int32(i)
		centroids[i] = bounds[i].Centroid()
	}
	t := &Tree{Order: order}
	if n > 0 {
		t.build(bounds, centroids, 0, n, maxLeaf)
	}
	return t
}

type sahBucket struct {
	count  int
	bounds linear.Bounds3
}

// build recursively partitions order[lo:hi] and appends
// nodes in depth-first order, returning the index of the
// node it created.
func (t *Tree) build(bounds []linear.Bounds3, centroids []linear.Vec3, lo, hi, maxLeaf int) int {
	nodeIdx := len(t.Nodes)
	t.Nodes = append(t.Nodes, Node{})

	nodeBounds := linear.EmptyBounds3()
	for i := lo; i < hi; i++ {
		nodeBounds.Merge(&bounds[t.Order[i]])
	}

	n := hi - lo
	if n <= maxLeaf {
		t.Nodes[nodeIdx] = Node{Bounds: nodeBounds, Start: int32(lo), Count: int32(n)}
		return nodeIdx
	}

	centroidBounds := linear.EmptyBounds3()
	for i := lo; i < hi; i++ {
		c := centroids[t.Order[i]]
		centroidBounds.Grow(&c)
	}
	axis := centroidBounds.MaxExtent()
	d := centroidBounds.Diagonal()

	if d[axis] <= 0 {
		// Degenerate: every centroid coincides. Split by count.
		mid := (lo + hi) / 2
		t.partitionByAxis(centroids, lo, hi, axis)
		return t.finishInterior(nodeIdx, nodeBounds, bounds, centroids, lo, hi, mid, axis, maxLeaf)
	}

	// Bucket the primitives along axis and evaluate SAH cost
	// for each of the numSAHBuckets-1 candidate splits.
	var buckets [numSAHBuckets]sahBucket
	for i := range buckets {
		buckets[i].bounds = linear.EmptyBounds3()
	}
	bucketOf := func(c float32) int {
		b := int(float32(numSAHBuckets) * (c - centroidBounds.Min[axis]) / d[axis])
		if b < 0 {
			b = 0
		}
		if b >= numSAHBuckets {
			b = numSAHBuckets - 1
		}
		return b
	}
	for i := lo; i < hi; i++ {
		p := t.Order[i]
		b := bucketOf(centroids[p][axis])
		buckets[b].count++
		buckets[b].bounds.Merge(&bounds[p])
	}

	var cost [numSAHBuckets - 1]float32
	for split := 0; split < numSAHBuckets-1; split++ {
		b0, b1 := linear.EmptyBounds3(), linear.EmptyBounds3()
		c0, c1 := 0, 0
		for i := 0; i <= split; i++ {
			b0.Merge(&buckets[i].bounds)
			c0 += buckets[i].count
		}
		for i := split + 1; i < numSAHBuckets; i++ {
			b1.Merge(&buckets[i].bounds)
			c1 += buckets[i].count
		}
		if c0 == 0 || c1 == 0 {
			cost[split] = -1
			continue
		}
		cost[split] = float32(c0)*b0.SurfaceArea() + float32(c1)*b1.SurfaceArea()
	}

	bestSplit, bestCost := -1, float32(-1)
	for i, c := range cost {
		if c < 0 {
			continue
		}
		if bestSplit < 0 || c < bestCost {
			bestSplit, bestCost = i, c
		}
	}

	leafCost := float32(n) * nodeBounds.SurfaceArea()
	if bestSplit < 0 || (n <= maxLeaf*2 && bestCost >= leafCost) {
		t.Nodes[nodeIdx] = Node{Bounds: nodeBounds, Start: int32(lo), Count: int32(n)}
		return nodeIdx
	}

	mid := t.partitionByBucket(centroids, lo, hi, axis, bucketOf, bestSplit)
	if mid == lo || mid == hi {
		mid = (lo + hi) / 2
		t.partitionByAxis(centroids, lo, hi, axis)
	}
	return t.finishInterior(nodeIdx, nodeBounds, bounds, centroids, lo, hi, mid, axis, maxLeaf)
}

func (t *Tree) finishInterior(nodeIdx int, nodeBounds linear.Bounds3, bounds []linear.Bounds3, centroids []linear.Vec3, lo, hi, mid, axis, maxLeaf int) int {
	t.build(bounds, centroids, lo, mid, maxLeaf)
	right := t.build(bounds, centroids, mid, hi, maxLeaf)
	t.Nodes[nodeIdx] = Node{Bounds: nodeBounds, Count: 0, Right: int32(right), Axis: int8(axis)}
	return nodeIdx
}

// partitionByBucket partitions order[lo:hi] in place so that
// every primitive whose centroid falls in a bucket <= split
// comes first, returning the resulting midpoint.
func (t *Tree) partitionByBucket(centroids []linear.Vec3, lo, hi, axis int, bucketOf func(float32) int, split int) int {
	i, j := lo, hi-1
	for i <= j {
		for i <= j && bucketOf(centroids[t.Order[i]][axis]) <= split {
			i++
		}
		for i <= j && bucketOf(centroids[t.Order[j]][axis]) > split {
			j--
		}
		if i < j {
			t.Order[i], t.Order[j] = t.Order[j], t.Order[i]
			i++
			j--
		}
	}
	return i
}

// partitionByAxis sorts order[lo:hi] by centroid[axis], so
// the caller can split the sorted range evenly by count. Only
// used when bucketing fails to separate the primitives.
func (t *Tree) partitionByAxis(centroids []linear.Vec3, lo, hi, axis int) {
	s := t.Order[lo:hi]
	sort.Slice(s, func(a, b int) bool { return centroids[s[a]][axis] < centroids[s[b]][axis] })
}
