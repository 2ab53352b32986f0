// Package quadtree implements the cube-sphere quadtree: six root faces, each split
// recursively into four children, with neighbor pointers kept bidirectionally
// consistent across subdivide and collapse.
//
// A neighbor pointer always refers to the deepest node across that edge that is not
// deeper than the node itself, so neighbors are either at the same depth or one
// level shallower.
package quadtree

import (
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"

	"github.com/Faultbox/quadsphere/internal/engine/terrain"
)

// Child corners. Corner c sits at x offset c&1 and y offset c>>1 inside the parent.
const (
	SouthWest = 0
	SouthEast = 1
	NorthWest = 2
	NorthEast = 3
)

// edgeChildren lists, per edge, the two children touching it in counter-clockwise
// order along that edge.
var edgeChildren = [4][2]int{
	terrain.South: {SouthWest, SouthEast},
	terrain.East:  {SouthEast, NorthEast},
	terrain.North: {NorthEast, NorthWest},
	terrain.West:  {NorthWest, SouthWest},
}

// edgeSlot returns the position (0 or 1) of corner along edge e, or false if the
// child at corner does not touch e.
func edgeSlot(corner int, e terrain.Edge) (int, bool) {
	ec := edgeChildren[e&3]
	switch corner {
	case ec[0]:
		return 0, true
	case ec[1]:
		return 1, true
	}
	return 0, false
}

// Node is one patch of the sphere.
type Node struct {
	ID int

	depth  int
	corner int
	face   int
	patch  terrain.Patch
	center mgl64.Vec3
	uvMin  mgl64.Vec2
	uvMax  mgl64.Vec2

	// Topology, guarded by the tree lock.
	neighbors       [4]*Node
	parent          *Node
	children        [4]*Node
	root            *Node
	active          bool
	subdivided      bool
	pendingCollapse bool
	queued          bool

	buildMu sync.Mutex

	// Build and mesh state.
	mu              sync.Mutex
	built           bool
	cached          bool
	visible         bool
	forcedInvisible bool
	distance        float64
	edgeState       uint8
	mesh            *terrain.Mesh
	edgeSums        [4][]mgl64.Vec3
	builds          int
}

// Depth returns the subdivision depth; root faces are depth 0.
func (n *Node) Depth() int {
	return n.depth
}

// Corner returns the corner index within the parent.
func (n *Node) Corner() int {
	return n.corner
}

// Face returns the index of the cube face the node belongs to.
func (n *Node) Face() int {
	return n.face
}

// Patch returns the node's footprint on its cube face.
func (n *Node) Patch() terrain.Patch {
	return n.patch
}

// CenterDirection returns the unit direction through the middle of the node.
func (n *Node) CenterDirection() mgl64.Vec3 {
	return n.center
}

// UVRect returns the node's rectangle in its root face UV space.
func (n *Node) UVRect() (min, max mgl64.Vec2) {
	return n.uvMin, n.uvMax
}

// Parent returns the parent node, nil for root faces.
func (n *Node) Parent() *Node {
	return n.parent
}

// Root returns the root face the node descends from.
func (n *Node) Root() *Node {
	return n.root
}

// Neighbor returns the neighbor across edge e.
func (n *Node) Neighbor(e terrain.Edge) *Node {
	return n.neighbors[e&3]
}

// Child returns the child at corner, nil when not subdivided.
func (n *Node) Child(corner int) *Node {
	if !n.subdivided {
		return nil
	}
	return n.children[corner&3]
}

// IsActive reports whether the node is part of the live tree.
func (n *Node) IsActive() bool {
	return n.active
}

// IsSubdivided reports whether the node has active children.
func (n *Node) IsSubdivided() bool {
	return n.subdivided
}

// IsPendingCollapse reports whether the node was removed by its parent's collapse.
func (n *Node) IsPendingCollapse() bool {
	return n.pendingCollapse
}

// IsLeaf reports whether the node is active and not subdivided.
func (n *Node) IsLeaf() bool {
	return n.active && !n.subdivided
}

// GetEdge returns the edge of n that borders other. other may be deeper than n, in
// which case the ancestor of other at n's depth is matched.
func (n *Node) GetEdge(other *Node) (terrain.Edge, bool) {
	for a := other; a != nil; a = a.parent {
		for _, e := range terrain.Edges {
			if n.neighbors[e] == a {
				return e, true
			}
		}
		if a.depth <= n.depth {
			break
		}
	}
	return 0, false
}

// EdgeQuads returns the two children of other, a subdivided neighbor at n's depth,
// that touch n. right covers the start of n's edge and left its end,
// counter-clockwise around n.
func (n *Node) EdgeQuads(other *Node) (left, right *Node, ok bool) {
	if other == nil || !other.subdivided || other.depth != n.depth {
		return nil, nil, false
	}
	e, ok := other.GetEdge(n)
	if !ok {
		return nil, nil, false
	}
	ec := edgeChildren[e]
	return other.children[ec[0]], other.children[ec[1]], true
}

// CoarseSide reports, when the neighbor across d is one level shallower, that
// neighbor, its edge facing n, and whether n is the right child along it (covering
// the start of the neighbor's edge) or the left one (covering its end).
func (n *Node) CoarseSide(d terrain.Edge) (m *Node, e terrain.Edge, right bool, ok bool) {
	m = n.neighbors[d&3]
	if m == nil || n.parent == nil || m.depth != n.depth-1 {
		return nil, 0, false, false
	}
	e, ok = m.GetEdge(n)
	if !ok {
		return nil, 0, false, false
	}
	k, ok := edgeSlot(n.corner, d)
	if !ok {
		return nil, 0, false, false
	}
	return m, e, k == 1, true
}

// coarserEdges returns the edge state bitmask: bit d is set when the neighbor across
// d is shallower than n.
func (n *Node) coarserEdges() uint8 {
	var state uint8
	for _, d := range terrain.Edges {
		if m := n.neighbors[d]; m != nil && m.depth < n.depth {
			state |= 1 << uint(d)
		}
	}
	return state
}

// IsBuilt reports whether the node has a mesh from a finished build.
func (n *Node) IsBuilt() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.built
}

// IsCached reports whether the node keeps its mesh while hidden behind its children.
func (n *Node) IsCached() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cached
}

// IsVisible reports whether the node's mesh is shown.
func (n *Node) IsVisible() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.visible
}

// SetVisible changes visibility and reports whether it changed. Forced-invisible
// nodes never become visible.
func (n *Node) SetVisible(v bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if v && n.forcedInvisible {
		v = false
	}
	changed := n.visible != v
	n.visible = v
	return changed
}

// IsForcedInvisible reports whether the host hid the node.
func (n *Node) IsForcedInvisible() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.forcedInvisible
}

// SetForcedInvisible hides the node regardless of distance.
func (n *Node) SetForcedInvisible(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forcedInvisible = v
	if v {
		n.visible = false
	}
}

// Distance returns the last computed ground-camera distance.
func (n *Node) Distance() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.distance
}

// UpdateDistance computes and stores the distance from camera to the node center on
// a sphere of radius.
func (n *Node) UpdateDistance(camera mgl64.Vec3, radius float64) float64 {
	d := camera.Sub(n.center.Mul(radius)).Len()
	n.mu.Lock()
	n.distance = d
	n.mu.Unlock()
	return d
}

// EdgeState returns the stitched index buffer selector of the mesh.
func (n *Node) EdgeState() uint8 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.edgeState
}

// SetEdgeState stores the edge state and points the mesh at matching indices.
func (n *Node) SetEdgeState(state uint8, indices []uint32) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	changed := n.edgeState != state
	n.edgeState = state
	if n.mesh != nil {
		n.mesh.EdgeState = state
		n.mesh.Indices = indices
	}
	return changed
}

// Mesh returns the last built mesh, or nil.
func (n *Node) Mesh() *terrain.Mesh {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mesh
}

// EdgeSums returns the raw normal sums along edge e, counter-clockwise.
func (n *Node) EdgeSums(e terrain.Edge) []mgl64.Vec3 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.edgeSums[e&3]
}

// Builds returns how many builds completed on this node since it was allocated.
func (n *Node) Builds() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.builds
}

// BuildFunc produces a mesh and its raw edge normal sums for a node.
type BuildFunc func(n *Node) (*terrain.Mesh, [4][]mgl64.Vec3, error)

// EnsureBuilt runs build unless the node is already built. Calls for the same node
// are serialized, so at most one build per node is in flight.
func (n *Node) EnsureBuilt(build BuildFunc) error {
	n.buildMu.Lock()
	defer n.buildMu.Unlock()

	if n.IsBuilt() {
		return nil
	}
	return n.rebuildLocked(build)
}

// Rebuild runs build even if the node is built.
func (n *Node) Rebuild(build BuildFunc) error {
	n.buildMu.Lock()
	defer n.buildMu.Unlock()
	return n.rebuildLocked(build)
}

func (n *Node) rebuildLocked(build BuildFunc) error {
	mesh, sums, err := build(n)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	mesh.EdgeState = n.edgeState
	n.mesh = mesh
	n.edgeSums = sums
	n.built = true
	n.builds++
	return nil
}

// SetNormals applies fn to the mesh normals under the node lock. It reports false
// when the node has no mesh.
func (n *Node) SetNormals(fn func(normals []mgl32.Vec3)) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.mesh == nil {
		return false
	}
	fn(n.mesh.Normals)
	return true
}

// ReleaseMesh drops the mesh and marks the node unbuilt.
func (n *Node) ReleaseMesh() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mesh = nil
	n.edgeSums = [4][]mgl64.Vec3{}
	n.built = false
	n.cached = false
	n.visible = false
}

func (n *Node) setCached(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cached = v && n.built
	if v {
		n.visible = false
	}
}

// reset clears a pooled node for reuse under a new parent.
func (n *Node) reset() {
	n.depth, n.corner, n.face = 0, 0, 0
	n.patch = terrain.Patch{}
	n.center = mgl64.Vec3{}
	n.uvMin, n.uvMax = mgl64.Vec2{}, mgl64.Vec2{}
	n.neighbors = [4]*Node{}
	n.parent = nil
	n.children = [4]*Node{}
	n.root = nil
	n.active, n.subdivided, n.pendingCollapse, n.queued = false, false, false, false

	n.mu.Lock()
	defer n.mu.Unlock()
	n.built, n.cached, n.visible, n.forcedInvisible = false, false, false, false
	n.distance = 0
	n.edgeState = 0
	n.mesh = nil
	n.edgeSums = [4][]mgl64.Vec3{}
	n.builds = 0
}
