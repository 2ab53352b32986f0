// Package stitch recomputes boundary normals so that adjacent quads, possibly at
// different depths, agree on every shared vertex.
//
// Each quad keeps the raw, unnormalized normal sums of its edge vertices from its
// own triangles. A shared vertex gets the normalized sum of every quad's
// contribution and the result is written to all of them. Vertices of a finer quad
// that the coarser side does not have are interpolated from the shared ones.
package stitch

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Faultbox/quadsphere/internal/engine/metrics"
	"github.com/Faultbox/quadsphere/internal/engine/quadtree"
	"github.com/Faultbox/quadsphere/internal/engine/terrain"
	"github.com/Faultbox/quadsphere/internal/logger"
)

// Builder builds a quad that a boundary depends on.
type Builder interface {
	Build(ctx context.Context, n *quadtree.Node) error
}

// Options configures a Stitcher.
type Options struct {
	Log      *zap.Logger
	SphereID string
	// OnNormalsUpdated is called once per quad whose normals or edge state changed
	// during Drain.
	OnNormalsUpdated func(n *quadtree.Node)
}

// Stitcher blends boundary normals of built quads.
type Stitcher struct {
	tree    *quadtree.Tree
	grid    terrain.Grid
	indices *terrain.IndexCache
	builder Builder
	opts    Options
	log     *zap.Logger

	violations atomic.Int64
}

// New creates a stitcher for quads laid out on indices' grid.
func New(tree *quadtree.Tree, indices *terrain.IndexCache, builder Builder, opts Options) *Stitcher {
	return &Stitcher{
		tree:    tree,
		grid:    indices.Grid(),
		indices: indices,
		builder: builder,
		opts:    opts,
		log:     logger.OrNop(opts.Log),
	}
}

// Violations returns how many boundaries could not be resolved outside a pending
// collapse. A consistent tree never produces one.
func (s *Stitcher) Violations() int64 {
	return s.violations.Load()
}

// Pass scopes build-on-demand: concurrent requests for the same unbuilt quad share
// one build.
type Pass struct {
	s     *Stitcher
	group singleflight.Group

	mu      sync.Mutex
	touched map[int]*quadtree.Node
}

// NewPass starts a stitch pass.
func (s *Stitcher) NewPass() *Pass {
	return &Pass{s: s, touched: make(map[int]*quadtree.Node)}
}

// Ensure builds n unless it is built, joining an in-flight build of n if any.
func (p *Pass) Ensure(ctx context.Context, n *quadtree.Node) error {
	if n.IsBuilt() {
		return nil
	}
	_, err, _ := p.group.Do(strconv.Itoa(n.ID), func() (any, error) {
		if n.IsBuilt() {
			return nil, nil
		}
		return nil, p.s.builder.Build(ctx, n)
	})
	return err
}

func (p *Pass) touch(n *quadtree.Node) {
	p.mu.Lock()
	p.touched[n.ID] = n
	p.mu.Unlock()
}

// Touched returns the quads whose normals were written during the pass.
func (p *Pass) Touched() []*quadtree.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*quadtree.Node, 0, len(p.touched))
	for _, n := range p.touched {
		out = append(out, n)
	}
	return out
}

// contribution maps vertex j of a participant's edge to position a+b*j on the
// boundary accumulator.
type contribution struct {
	node *quadtree.Node
	edge terrain.Edge
	a, b int
}

type edgePlan struct {
	edge   terrain.Edge
	length int
	parts  []contribution
}

// Stitch blends the four edges and four corners of q with its neighbors, building
// any neighbor that is not built yet.
func (s *Stitcher) Stitch(ctx context.Context, p *Pass, q *quadtree.Node) error {
	if !q.IsBuilt() {
		return nil
	}

	// Participants are resolved against one topology snapshot; blending then works
	// on meshes only.
	var (
		leaf    bool
		plans   []edgePlan
		corners [4][]*quadtree.Node
	)
	s.tree.View(func() {
		if leaf = q.IsLeaf(); !leaf {
			return
		}
		for _, d := range terrain.Edges {
			if plan, ok := s.planEdge(q, d); ok {
				plans = append(plans, plan)
			}
		}
		for _, k := range terrain.Edges {
			corners[k] = s.cornerParticipants(q, k)
		}
	})
	if !leaf {
		return nil
	}

	need := map[int]*quadtree.Node{}
	for _, plan := range plans {
		for _, c := range plan.parts {
			need[c.node.ID] = c.node
		}
	}
	for _, parts := range corners {
		for _, n := range parts {
			need[n.ID] = n
		}
	}

	if err := s.ensureAll(ctx, p, need); err != nil {
		return err
	}

	for _, plan := range plans {
		s.blendEdge(p, plan)
	}
	for _, k := range terrain.Edges {
		s.blendCorner(p, q, k, corners[k])
	}
	metrics.InstrumentStitch(s.opts.SphereID)
	return nil
}

func (s *Stitcher) ensureAll(ctx context.Context, p *Pass, need map[int]*quadtree.Node) error {
	var g errgroup.Group
	for _, n := range need {
		if n.IsBuilt() {
			continue
		}
		g.Go(func() error {
			if err := p.Ensure(ctx, n); err != nil {
				s.log.Warn("stitch: neighbor build failed", logger.Quad(n.ID, n.Depth()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// planEdge resolves who shares edge d of q and where their vertices fall along it.
// It runs under the tree read lock.
func (s *Stitcher) planEdge(q *quadtree.Node, d terrain.Edge) (edgePlan, bool) {
	m := q.Neighbor(d)
	if m == nil {
		s.unresolved(q, m, d)
		return edgePlan{}, false
	}
	n := s.grid.Segments()
	self := contribution{node: q, edge: d, a: 0, b: 1}

	switch {
	case m.Depth() == q.Depth() && m.IsSubdivided():
		left, right, ok := q.EdgeQuads(m)
		if !ok {
			s.unresolved(q, m, d)
			return edgePlan{}, false
		}
		self.b = 2
		plan := edgePlan{edge: d, length: 2 * n, parts: []contribution{self}}
		for k, c := range [2]*quadtree.Node{left, right} {
			e, ok := c.GetEdge(q)
			if !ok {
				s.unresolved(q, c, d)
				return edgePlan{}, false
			}
			plan.parts = append(plan.parts, contribution{node: c, edge: e, a: 2*n - k*n, b: -1})
		}
		return plan, true

	case m.Depth() == q.Depth():
		e, ok := m.GetEdge(q)
		if !ok {
			s.unresolved(q, m, d)
			return edgePlan{}, false
		}
		return edgePlan{edge: d, length: n, parts: []contribution{
			self,
			{node: m, edge: e, a: n, b: -1},
		}}, true

	case m.Depth() < q.Depth():
		_, e, right, ok := q.CoarseSide(d)
		if !ok {
			s.unresolved(q, m, d)
			return edgePlan{}, false
		}
		// m's edge runs against q's at twice the spacing; the right child covers
		// its first half.
		a := 2 * n
		if right {
			a = n
		}
		return edgePlan{edge: d, length: n, parts: []contribution{
			self,
			{node: m, edge: e, a: a, b: -2},
		}}, true
	}

	s.unresolved(q, m, d)
	return edgePlan{}, false
}

type write struct {
	node  *quadtree.Node
	index int
}

func (s *Stitcher) blendEdge(p *Pass, plan edgePlan) {
	n := s.grid.Segments()
	size := plan.length + 1
	sums := make([]mgl64.Vec3, size)
	counts := make([]int, size)
	fallback := make([]mgl64.Vec3, size)
	targets := make([][]write, size)

	for _, c := range plan.parts {
		edge := c.node.EdgeSums(c.edge)
		if len(edge) != n+1 {
			continue
		}
		for j := 0; j <= n; j++ {
			u := c.a + c.b*j
			if u < 0 || u > plan.length {
				continue
			}
			sums[u] = sums[u].Add(edge[j])
			if counts[u] == 0 {
				fallback[u] = s.direction(c.node, c.edge, j)
			}
			counts[u]++
			targets[u] = append(targets[u], write{node: c.node, index: s.grid.EdgeIndex(c.edge, j)})
		}
	}

	values := make([]mgl32.Vec3, size)
	shared := make([]bool, size)
	for u := range values {
		if counts[u] >= 2 {
			values[u] = terrain.Normalize(sums[u], fallback[u])
			shared[u] = true
		}
	}
	for u := range values {
		if counts[u] != 1 {
			continue
		}
		values[u] = interpolate(values, shared, u, terrain.Normalize(sums[u], fallback[u]))
	}

	// Endpoints are corners, blended with every quad around them separately.
	writes := map[*quadtree.Node][]write{}
	vals := map[*quadtree.Node][]mgl32.Vec3{}
	for u := 1; u < plan.length; u++ {
		if counts[u] == 0 {
			continue
		}
		for _, w := range targets[u] {
			writes[w.node] = append(writes[w.node], w)
			vals[w.node] = append(vals[w.node], values[u])
		}
	}
	for node, ws := range writes {
		vs := vals[node]
		node.SetNormals(func(normals []mgl32.Vec3) {
			for i, w := range ws {
				normals[w.index] = vs[i]
			}
		})
		p.touch(node)
	}
}

// interpolate blends the nearest shared values on both sides of u.
func interpolate(values []mgl32.Vec3, shared []bool, u int, own mgl32.Vec3) mgl32.Vec3 {
	lo, hi := -1, -1
	for i := u - 1; i >= 0; i-- {
		if shared[i] {
			lo = i
			break
		}
	}
	for i := u + 1; i < len(values); i++ {
		if shared[i] {
			hi = i
			break
		}
	}
	switch {
	case lo >= 0 && hi >= 0:
		t := float32(u-lo) / float32(hi-lo)
		v := values[lo].Mul(1 - t).Add(values[hi].Mul(t))
		if v.Len() < 1e-6 {
			return own
		}
		return v.Normalize()
	case lo >= 0:
		return values[lo]
	case hi >= 0:
		return values[hi]
	}
	return own
}

// cornerParticipants collects the quads around corner k of q: the neighbors across
// edges k and k+1 and the diagonal quad reached through each of them. It runs under
// the tree read lock.
func (s *Stitcher) cornerParticipants(q *quadtree.Node, k terrain.Edge) []*quadtree.Node {
	// resolve descends into a same-depth subdivided neighbor, taking the child that
	// covers the end (wantLeft) or the start of from's edge.
	resolve := func(from, m *quadtree.Node, wantLeft bool) *quadtree.Node {
		if from == nil || m == nil {
			return nil
		}
		if m.Depth() == from.Depth() && m.IsSubdivided() {
			left, right, ok := from.EdgeQuads(m)
			if !ok {
				return nil
			}
			if wantLeft {
				return left
			}
			return right
		}
		return m
	}

	a := resolve(q, q.Neighbor(k), true)
	b := resolve(q, q.Neighbor(k.Next()), false)
	parts := []*quadtree.Node{a, b}
	if a != nil {
		if ea, ok := a.GetEdge(q); ok {
			parts = append(parts, resolve(a, a.Neighbor(ea.Prev()), true))
		}
	}
	if b != nil {
		if eb, ok := b.GetEdge(q); ok {
			parts = append(parts, resolve(b, b.Neighbor(eb.Next()), false))
		}
	}

	out := parts[:0]
	seen := map[int]bool{q.ID: true}
	for _, n := range parts {
		if n == nil || !n.IsActive() || seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		out = append(out, n)
	}
	return out
}

// blendCorner sums the contributions of every participant with a vertex on corner k
// of q and writes the normalized result to all of them.
func (s *Stitcher) blendCorner(p *Pass, q *quadtree.Node, k terrain.Edge, parts []*quadtree.Node) {
	n := s.grid.Segments()
	target := s.direction(q, k, n)
	eps := q.Patch().Half * 2 / float64(n) * 1e-3

	sum := q.EdgeSums(k)
	if len(sum) != n+1 {
		return
	}
	total := sum[n]
	hits := []write{{node: q, index: s.grid.EdgeIndex(k, n)}}

	for _, m := range parts {
		e, j, ok := s.matchVertex(m, target, eps)
		if !ok {
			continue
		}
		edge := m.EdgeSums(e)
		if len(edge) != n+1 {
			continue
		}
		total = total.Add(edge[j])
		hits = append(hits, write{node: m, index: s.grid.EdgeIndex(e, j)})
	}
	if len(hits) < 2 {
		return
	}

	v := terrain.Normalize(total, target)
	for _, w := range hits {
		w.node.SetNormals(func(normals []mgl32.Vec3) {
			normals[w.index] = v
		})
		p.touch(w.node)
	}
}

// matchVertex finds the boundary vertex of m closest to dir, within eps.
func (s *Stitcher) matchVertex(m *quadtree.Node, dir mgl64.Vec3, eps float64) (terrain.Edge, int, bool) {
	if !m.IsBuilt() {
		return 0, 0, false
	}
	n := s.grid.Segments()
	best, bestEdge, bestJ := eps, terrain.Edge(0), -1
	for _, e := range terrain.Edges {
		for j := 0; j < n; j++ {
			if d := s.direction(m, e, j).Sub(dir).Len(); d < best {
				best, bestEdge, bestJ = d, e, j
			}
		}
	}
	return bestEdge, bestJ, bestJ >= 0
}

func (s *Stitcher) direction(n *quadtree.Node, e terrain.Edge, j int) mgl64.Vec3 {
	x, y := s.grid.EdgeCoords(e, j)
	return n.Patch().Direction(s.grid, x, y)
}

func (s *Stitcher) unresolved(q, other *quadtree.Node, d terrain.Edge) {
	fields := []zap.Field{logger.Quad(q.ID, q.Depth()), zap.Stringer("edge", d)}
	if other != nil {
		fields = append(fields, zap.Int("neighbor", other.ID))
	}
	if pending(q) || pending(other) {
		metrics.InstrumentUnresolvedEdge(metrics.UnresolvedPendingCollapse)
		s.log.Debug("stitch: edge unresolved during pending collapse", fields...)
		return
	}
	s.violations.Add(1)
	metrics.InstrumentUnresolvedEdge(metrics.UnresolvedViolation)
	s.log.Error("stitch: edge unresolved outside pending collapse", fields...)
}

func pending(n *quadtree.Node) bool {
	return n != nil && (!n.IsActive() || n.IsPendingCollapse())
}

// RefreshEdgeState selects the stitched index buffer of n from its neighbors' depths.
func (s *Stitcher) RefreshEdgeState(n *quadtree.Node) bool {
	state := s.tree.EdgeState(n)
	return n.SetEdgeState(state, s.indices.Indices(state))
}

// Drain stitches every built leaf in the tree's normal update queue and refreshes
// edge states. Cancellation is checked between quads only.
func (s *Stitcher) Drain(ctx context.Context) (int, error) {
	queued := s.tree.DrainNormalQueue()
	if len(queued) == 0 {
		return 0, nil
	}
	p := s.NewPass()
	seen := make(map[int]bool, len(queued))
	var stitched int
	for i, q := range queued {
		if seen[q.ID] {
			continue
		}
		seen[q.ID] = true
		if !s.tree.IsLeaf(q) || !q.IsBuilt() {
			continue
		}
		if err := ctx.Err(); err != nil {
			for _, rest := range queued[i:] {
				s.tree.QueueNormals(rest)
			}
			return stitched, err
		}
		if err := s.Stitch(ctx, p, q); err != nil {
			s.log.Warn("stitch failed", logger.Quad(q.ID, q.Depth()), zap.Error(err))
			continue
		}
		stitched++
	}

	changed := map[int]*quadtree.Node{}
	for _, n := range p.Touched() {
		changed[n.ID] = n
	}
	for _, n := range queued {
		if !s.tree.IsLeaf(n) || !n.IsBuilt() {
			continue
		}
		if s.RefreshEdgeState(n) {
			changed[n.ID] = n
		}
	}
	for _, n := range changed {
		if s.opts.OnNormalsUpdated != nil {
			s.opts.OnNormalsUpdated(n)
		}
	}
	return stitched, nil
}
