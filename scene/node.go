// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package scene

import (
	"github.com/gviegas/oocpt/internal/bitm"
	"github.com/gviegas/oocpt/linear"
)

// NodeID identifies a SceneNode within a Graph. NilNode
// (-1) never identifies a real node; the zero value is the
// first node a Graph creates, its root.
type NodeID int32

// NilNode represents the absence of a node reference.
const NilNode NodeID = -1

// edge is one (child, optional transform) pair. hasTransform
// distinguishes "no transform" (identity, edge just
// expresses containment) from an explicit identity matrix,
// which callers are free to set and which is cheaper to
// special-case during bounds/transform composition.
type edge struct {
	child        NodeID
	transform    linear.M4
	hasTransform bool
}

// sceneNode is a Graph's storage for one SceneNode: a list
// of directly attached SceneObjects and a list of edges to
// child nodes. A node may appear as the target of more than
// one edge (including edges from more than one parent),
// which is how the graph expresses instancing; Graph itself
// never forbids cycles; Partition checks for them, since a
// cycle is infeasible to resolve down there.
type sceneNode struct {
	objects []*SceneObject
	edges   []edge
}

// Graph is a multi-parent scene graph (a DAG over
// SceneNodes). It is built incrementally via AddNode/Attach/
// Connect and is read-only once construction is finished;
// nothing in this package enforces that boundary beyond
// convention, matching the core's "immutable once built"
// scene contract.
type Graph struct {
	nodes   []sceneNode
	nodeMap bitm.Bitm[uint32]
	root    NodeID
}

// NewGraph creates an empty graph and returns the ID of its
// implicit root node.
func NewGraph() (*Graph, NodeID) {
	g := &Graph{}
	root := g.AddNode()
	g.root = root
	return g, root
}

// Root returns the graph's root node.
func (g *Graph) Root() NodeID { return g.root }

// AddNode creates a new, unconnected SceneNode and returns
// its ID.
func (g *Graph) AddNode() NodeID {
	if g.nodeMap.Rem() == 0 {
		switch x := g.nodeMap.Len(); {
		case x > 0:
			cnt := 1 + (x-31)/32
			g.nodes = append(g.nodes, make([]sceneNode, x)...)
			g.nodeMap.Grow(cnt)
		default:
			g.nodes = append(g.nodes, make([]sceneNode, 32)...)
			g.nodeMap.Grow(1)
		}
	}
	idx, ok := g.nodeMap.Search()
	if !ok {
		panic("scene: unexpected failure from bitm.Bitm.Search")
	}
	g.nodeMap.Set(idx)
	return NodeID(idx)
}

// Attach adds obj to the list of SceneObjects directly held
// by node.
func (g *Graph) Attach(node NodeID, obj *SceneObject) {
	n := &g.nodes[node]
	n.objects = append(n.objects, obj)
}

// Connect adds an edge from parent to child with no
// transform (the child's geometry is taken as-is in the
// parent's space).
func (g *Graph) Connect(parent, child NodeID) {
	g.nodes[parent].edges = append(g.nodes[parent].edges, edge{child: child})
}

// ConnectTransformed adds an edge from parent to child,
// applying the given object-to-parent transform to
// everything reachable through child.
func (g *Graph) ConnectTransformed(parent, child NodeID, transform *linear.M4) {
	g.nodes[parent].edges = append(g.nodes[parent].edges, edge{child: child, transform: *transform, hasTransform: true})
}

// Objects returns the SceneObjects directly attached to
// node.
func (g *Graph) Objects(node NodeID) []*SceneObject { return g.nodes[node].objects }

// NumChildEdges returns the number of outgoing edges of
// node, counting repeated targets separately (instancing is
// expressed by a node being the target of more than one
// edge, not by edges being deduplicated).
func (g *Graph) NumChildEdges(node NodeID) int { return len(g.nodes[node].edges) }

// ChildEdge returns the i-th outgoing edge of node as
// (child, transform, hasTransform).
func (g *Graph) ChildEdge(node NodeID, i int) (NodeID, linear.M4, bool) {
	e := g.nodes[node].edges[i]
	return e.child, e.transform, e.hasTransform
}
