package quadtree

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"github.com/Faultbox/quadsphere/internal/engine/terrain"
	"github.com/Faultbox/quadsphere/internal/logger"
)

// FaceCount is the number of cube root faces.
const FaceCount = 6

// faceBasis is the outward normal and up axis of a cube face; right = up x normal, so
// right x up points out of the face.
type faceBasis struct {
	normal mgl64.Vec3
	up     mgl64.Vec3
}

var faces = [FaceCount]faceBasis{
	{normal: mgl64.Vec3{0, 1, 0}, up: mgl64.Vec3{0, 0, -1}},
	{normal: mgl64.Vec3{0, -1, 0}, up: mgl64.Vec3{0, 0, 1}},
	{normal: mgl64.Vec3{1, 0, 0}, up: mgl64.Vec3{0, 1, 0}},
	{normal: mgl64.Vec3{-1, 0, 0}, up: mgl64.Vec3{0, 1, 0}},
	{normal: mgl64.Vec3{0, 0, 1}, up: mgl64.Vec3{0, 1, 0}},
	{normal: mgl64.Vec3{0, 0, -1}, up: mgl64.Vec3{0, 1, 0}},
}

// Tree owns every node of one sphere. Subdivide and Collapse mutate topology under
// the tree lock; all relinking is done before they return.
type Tree struct {
	mu     sync.RWMutex
	nodes  []*Node
	free   []*Node
	roots  [FaceCount]*Node
	active int

	qmu   sync.Mutex
	queue []*Node

	log *zap.Logger
}

// New creates a tree with the six root faces wired by cube adjacency.
func New(log *zap.Logger) *Tree {
	t := &Tree{log: logger.OrNop(log)}
	t.init()
	return t
}

func (t *Tree) init() {
	for f := range faces {
		n := t.alloc()
		fb := faces[f]
		n.face = f
		n.root = n
		n.patch = terrain.Patch{
			FaceCenter: fb.normal,
			Right:      fb.up.Cross(fb.normal),
			Up:         fb.up,
			Half:       1,
		}
		n.center = n.patch.CenterDirection()
		n.uvMin = mgl64.Vec2{0, 0}
		n.uvMax = mgl64.Vec2{1, 1}
		n.active = true
		t.roots[f] = n
	}
	t.active = FaceCount

	for _, n := range t.roots {
		p := n.patch
		dirs := [4]mgl64.Vec3{
			terrain.South: p.Up.Mul(-1),
			terrain.East:  p.Right,
			terrain.North: p.Up,
			terrain.West:  p.Right.Mul(-1),
		}
		for e, dir := range dirs {
			n.neighbors[e] = t.rootFacing(dir)
		}
	}
}

func (t *Tree) rootFacing(dir mgl64.Vec3) *Node {
	for _, r := range t.roots {
		if r.patch.FaceCenter.ApproxEqual(dir) {
			return r
		}
	}
	panic(fmt.Sprintf("quadtree: no cube face along %v", dir))
}

func (t *Tree) alloc() *Node {
	if k := len(t.free); k > 0 {
		n := t.free[k-1]
		t.free = t.free[:k-1]
		n.reset()
		return n
	}
	n := &Node{ID: len(t.nodes)}
	t.nodes = append(t.nodes, n)
	return n
}

// Roots returns the six root faces.
func (t *Tree) Roots() [FaceCount]*Node {
	return t.roots
}

// Node returns the node with arena index id, or nil.
func (t *Tree) Node(id int) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id < 0 || id >= len(t.nodes) {
		return nil
	}
	return t.nodes[id]
}

// ActiveCount returns the number of active nodes, roots included.
func (t *Tree) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// Allocated returns the arena size and the number of pooled nodes.
func (t *Tree) Allocated() (total, pooled int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes), len(t.free)
}

// Subdivide splits n into four children. It fails when n is inactive, already
// subdivided, or has a neighbor shallower than itself.
func (t *Tree) Subdivide(n *Node) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !n.active || n.subdivided {
		return false
	}
	var back [4]terrain.Edge
	for _, d := range terrain.Edges {
		m := n.neighbors[d]
		if m == nil || m.depth < n.depth {
			return false
		}
		if m.subdivided {
			e, ok := m.GetEdge(n)
			if !ok {
				t.log.Error("subdivide: neighbor does not link back",
					logger.Quad(n.ID, n.depth), zap.Int("neighbor", m.ID), zap.Stringer("edge", d))
				return false
			}
			back[d] = e
		}
	}

	var children [4]*Node
	half := n.patch.Half / 2
	uvSize := n.uvMax.Sub(n.uvMin).Mul(0.5)
	for c := range children {
		ch := t.alloc()
		ox, oy := float64(c&1), float64(c>>1)
		ch.depth = n.depth + 1
		ch.corner = c
		ch.face = n.face
		ch.parent = n
		ch.root = n.root
		ch.patch = n.patch
		ch.patch.Half = half
		ch.patch.Center = n.patch.Center.Add(mgl64.Vec2{(2*ox - 1) * half, (2*oy - 1) * half})
		ch.center = ch.patch.CenterDirection()
		ch.uvMin = n.uvMin.Add(mgl64.Vec2{ox * uvSize[0], oy * uvSize[1]})
		ch.uvMax = ch.uvMin.Add(uvSize)
		ch.active = true
		children[c] = ch
	}

	sw, se, nw, ne := children[SouthWest], children[SouthEast], children[NorthWest], children[NorthEast]
	sw.neighbors[terrain.North], sw.neighbors[terrain.East] = nw, se
	se.neighbors[terrain.North], se.neighbors[terrain.West] = ne, sw
	nw.neighbors[terrain.South], nw.neighbors[terrain.East] = sw, ne
	ne.neighbors[terrain.South], ne.neighbors[terrain.West] = se, nw

	for _, d := range terrain.Edges {
		m := n.neighbors[d]
		ec := edgeChildren[d]
		if !m.subdivided {
			children[ec[0]].neighbors[d] = m
			children[ec[1]].neighbors[d] = m
			continue
		}
		e := back[d]
		mec := edgeChildren[e]
		for k := 0; k < 2; k++ {
			c := children[ec[k]]
			mc := m.children[mec[1-k]]
			c.neighbors[d] = mc
			mc.neighbors[e] = c
		}
	}

	n.children = children
	n.subdivided = true
	n.setCached(true)
	t.active += 4

	for _, c := range children {
		t.queueLocked(c)
	}
	t.queueSurroundingLocked(n)
	return true
}

// Collapse removes the four children of n. It fails when n is not subdivided, when a
// child is subdivided, or when a neighbor's children along the shared edge are
// subdivided, since n would then border nodes two levels deeper.
func (t *Tree) Collapse(n *Node) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !n.active || !n.subdivided {
		return false
	}
	for _, c := range n.children {
		if c.subdivided {
			return false
		}
	}
	var back [4]terrain.Edge
	for _, d := range terrain.Edges {
		m := n.neighbors[d]
		if m == nil || m.depth != n.depth || !m.subdivided {
			continue
		}
		e, ok := m.GetEdge(n)
		if !ok {
			t.log.Error("collapse: neighbor does not link back",
				logger.Quad(n.ID, n.depth), zap.Int("neighbor", m.ID), zap.Stringer("edge", d))
			return false
		}
		for _, corner := range edgeChildren[e] {
			if m.children[corner].subdivided {
				return false
			}
		}
		back[d] = e
	}

	for _, d := range terrain.Edges {
		m := n.neighbors[d]
		if m == nil || m.depth != n.depth || !m.subdivided {
			continue
		}
		e := back[d]
		for _, corner := range edgeChildren[e] {
			m.children[corner].neighbors[e] = n
		}
	}

	for _, c := range n.children {
		c.active = false
		c.pendingCollapse = true
		c.ReleaseMesh()
		t.free = append(t.free, c)
	}
	n.children = [4]*Node{}
	n.subdivided = false
	n.setCached(false)
	t.active -= 4

	t.queueLocked(n)
	t.queueSurroundingLocked(n)
	return true
}

// Children returns the four children of n, or false if n is not subdivided.
func (t *Tree) Children(n *Node) ([4]*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return n.children, n.subdivided
}

// GetEdge is Node.GetEdge under the tree read lock.
func (t *Tree) GetEdge(self, other *Node) (terrain.Edge, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return self.GetEdge(other)
}

// GetEdgeQuads is Node.EdgeQuads under the tree read lock.
func (t *Tree) GetEdgeQuads(self, other *Node) (left, right *Node, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return self.EdgeQuads(other)
}

// CoarseSide is Node.CoarseSide under the tree read lock.
func (t *Tree) CoarseSide(n *Node, d terrain.Edge) (m *Node, e terrain.Edge, right bool, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return n.CoarseSide(d)
}

// EdgeState returns the edge state bitmask of n from its current neighbors.
func (t *Tree) EdgeState(n *Node) uint8 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return n.coarserEdges()
}

// IsLeaf is Node.IsLeaf under the tree read lock.
func (t *Tree) IsLeaf(n *Node) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return n.IsLeaf()
}

// View runs fn under the tree read lock so it sees one consistent topology. fn may
// read Node topology directly but must not call Tree methods.
func (t *Tree) View(fn func()) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn()
}

// QueueNormals adds n to the normal update queue once.
func (t *Tree) QueueNormals(n *Node) {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	t.enqueue(n)
}

func (t *Tree) enqueue(n *Node) {
	if n == nil || n.queued {
		return
	}
	n.queued = true
	t.queue = append(t.queue, n)
}

func (t *Tree) queueLocked(n *Node) {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	t.enqueue(n)
}

// queueSurroundingLocked queues the leaves around n whose edges or corners n touches.
func (t *Tree) queueSurroundingLocked(n *Node) {
	t.qmu.Lock()
	defer t.qmu.Unlock()

	add := func(x *Node) {
		if x == nil {
			return
		}
		if !x.subdivided {
			t.enqueue(x)
			return
		}
		for _, c := range x.children {
			if !c.subdivided {
				t.enqueue(c)
			}
		}
	}
	for _, d := range terrain.Edges {
		m := n.neighbors[d]
		add(m)
		if m == nil {
			continue
		}
		if e, ok := m.GetEdge(n); ok {
			add(m.neighbors[e.Prev()])
		}
	}
}

// DrainNormalQueue returns and clears the normal update queue.
func (t *Tree) DrainNormalQueue() []*Node {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	out := t.queue
	t.queue = nil
	for _, n := range out {
		n.queued = false
	}
	return out
}

// QueueLen returns the number of queued nodes.
func (t *Tree) QueueLen() int {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	return len(t.queue)
}

// Walk calls fn for every active node, parents before children, until fn returns false.
func (t *Tree) Walk(fn func(n *Node) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var visit func(n *Node) bool
	visit = func(n *Node) bool {
		if !fn(n) {
			return false
		}
		if n.subdivided {
			for _, c := range n.children {
				if !visit(c) {
					return false
				}
			}
		}
		return true
	}
	for _, r := range t.roots {
		if !visit(r) {
			return
		}
	}
}

// Leaves returns every active leaf.
func (t *Tree) Leaves() []*Node {
	var out []*Node
	t.Walk(func(n *Node) bool {
		if !n.subdivided {
			out = append(out, n)
		}
		return true
	})
	return out
}

// CheckInvariants verifies neighbor symmetry and the one-level adjacency rule for
// every active node.
func (t *Tree) CheckInvariants() error {
	var errs []error
	t.Walk(func(a *Node) bool {
		for _, d := range terrain.Edges {
			b := a.neighbors[d]
			switch {
			case b == nil:
				errs = append(errs, fmt.Errorf("node %d: no %s neighbor", a.ID, d))
				continue
			case !b.active:
				errs = append(errs, fmt.Errorf("node %d: %s neighbor %d is inactive", a.ID, d, b.ID))
				continue
			case b.depth > a.depth:
				errs = append(errs, fmt.Errorf("node %d: %s neighbor %d is deeper", a.ID, d, b.ID))
				continue
			case a.depth-b.depth > 1:
				errs = append(errs, fmt.Errorf("node %d depth %d: %s neighbor %d at depth %d", a.ID, a.depth, d, b.ID, b.depth))
			}
			e, ok := b.GetEdge(a)
			if !ok {
				errs = append(errs, fmt.Errorf("node %d: %s neighbor %d does not resolve back", a.ID, d, b.ID))
				continue
			}
			if b.depth == a.depth && b.neighbors[e] != a {
				errs = append(errs, fmt.Errorf("node %d: %s neighbor %d points to %d", a.ID, d, b.ID, b.neighbors[e].ID))
			}
			if b.depth < a.depth && b.subdivided {
				errs = append(errs, fmt.Errorf("node %d: coarser %s neighbor %d is subdivided", a.ID, d, b.ID))
			}
		}
		return true
	})
	return errors.Join(errs...)
}

// Reset discards every node and recreates the root faces.
func (t *Tree) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.qmu.Lock()
	t.queue = nil
	t.qmu.Unlock()

	for _, n := range t.nodes {
		n.active = false
		n.pendingCollapse = true
		n.ReleaseMesh()
	}
	t.nodes = nil
	t.free = nil
	t.roots = [FaceCount]*Node{}
	t.active = 0
	t.init()
}
