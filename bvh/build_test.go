// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package bvh

import (
	"testing"

	"github.com/gviegas/oocpt/linear"
	"gotest.tools/v3/assert"
)

func unitBox(x, y, z float32) linear.Bounds3 {
	return linear.Bounds3{Min: linear.Vec3{x, y, z}, Max: linear.Vec3{x + 1, y + 1, z + 1}}
}

func TestBuildCoversAllPrimitives(t *testing.T) {
	var bounds []linear.Bounds3
	for i := 0; i < 50; i++ {
		bounds = append(bounds, unitBox(float32(i)*2, 0, 0))
	}
	tree := Build(bounds, 4)

	assert.Equal(t, len(tree.Order), len(bounds))
	seen := make([]bool, len(bounds))
	for _, n := range tree.Nodes {
		if n.Count == 0 {
			continue
		}
		for i := n.Start; i < n.Start+n.Count; i++ {
			seen[tree.Order[i]] = true
		}
	}
	for i, s := range seen {
		assert.Assert(t, s, "primitive %d never reached by a leaf", i)
	}
}

func TestBuildRootBoundsContainEverything(t *testing.T) {
	bounds := []linear.Bounds3{unitBox(0, 0, 0), unitBox(10, 0, 0), unitBox(0, 10, 0), unitBox(-5, -5, -5)}
	tree := Build(bounds, 2)

	root := tree.Nodes[0].Bounds
	for _, b := range bounds {
		assert.Assert(t, root.Min[0] <= b.Min[0] && root.Min[1] <= b.Min[1] && root.Min[2] <= b.Min[2])
		assert.Assert(t, root.Max[0] >= b.Max[0] && root.Max[1] >= b.Max[1] && root.Max[2] >= b.Max[2])
	}
}

func TestBuildSinglePrimitive(t *testing.T) {
	tree := Build([]linear.Bounds3{unitBox(0, 0, 0)}, 4)
	assert.Equal(t, len(tree.Nodes), 1)
	assert.Equal(t, tree.Nodes[0].Count, int32(1))
}

func TestBuildEmpty(t *testing.T) {
	tree := Build(nil, 4)
	assert.Equal(t, len(tree.Nodes), 0)
}
