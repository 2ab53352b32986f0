// Package scheduler walks the quadtree once per frame, deciding which quads subdivide,
// collapse, build or change visibility under a per-frame time budget.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/quadsphere/internal/config"
	"github.com/Faultbox/quadsphere/internal/engine/metrics"
	"github.com/Faultbox/quadsphere/internal/engine/quadtree"
	"github.com/Faultbox/quadsphere/internal/logger"
)

// Builder produces the mesh of a quad. Build must be safe for concurrent calls on
// different nodes.
type Builder interface {
	Build(ctx context.Context, n *quadtree.Node) error
}

// Options configures a Scheduler.
type Options struct {
	Log *zap.Logger
	// Now replaces time.Now for the frame budget.
	Now func() time.Time
	// SphereID labels metrics.
	SphereID string
	// InitRetries bounds UpdateInit iterations.
	InitRetries int
	// OnVisibility is called when a quad is shown or hidden.
	OnVisibility func(n *quadtree.Node, visible bool)
}

// Stats summarizes one pass over the tree.
type Stats struct {
	Quads       int
	Subdivided  int
	Collapsed   int
	Built       int
	BuildErrors int
	OutOfTime   bool
	Duration    time.Duration
}

// Scheduler runs the per-frame walk.
type Scheduler struct {
	tree    *quadtree.Tree
	builder Builder
	cfg     config.SphereConfig
	opts    Options
	log     *zap.Logger
}

// New creates a scheduler for tree.
func New(tree *quadtree.Tree, builder Builder, cfg config.SphereConfig, opts Options) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.InitRetries < 1 {
		opts.InitRetries = 1
	}
	return &Scheduler{
		tree:    tree,
		builder: builder,
		cfg:     cfg,
		opts:    opts,
		log:     logger.OrNop(opts.Log),
	}
}

type frame struct {
	ctx       context.Context
	camera    mgl64.Vec3
	start     time.Time
	structure bool

	outOfTime   atomic.Bool
	subdivided  atomic.Int64
	collapsed   atomic.Int64
	built       atomic.Int64
	buildErrors atomic.Int64
}

// Update runs one frame: every root face is walked concurrently, and sibling
// subtrees are walked concurrently with join-all semantics.
func (s *Scheduler) Update(ctx context.Context, camera mgl64.Vec3) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	f := &frame{ctx: ctx, camera: camera, start: s.opts.Now()}
	s.walkRoots(f)

	st := s.stats(f)
	metrics.InstrumentFrame(s.opts.SphereID, st.Duration, st.OutOfTime)
	metrics.InstrumentQuadCount(s.opts.SphereID, st.Quads)
	if st.OutOfTime {
		s.log.Debug("frame ran out of time", zap.Duration("budget", s.cfg.FrameBudget),
			zap.Duration("elapsed", st.Duration))
	}
	return st, nil
}

// UpdateInit settles the tree structure without building, repeating until the
// active quad count is stable for one iteration or the retry limit is reached. It
// returns the number of iterations run.
func (s *Scheduler) UpdateInit(ctx context.Context, camera mgl64.Vec3) (int, Stats, error) {
	var total Stats
	start := s.opts.Now()
	for i := 1; i <= s.opts.InitRetries; i++ {
		if err := ctx.Err(); err != nil {
			return i - 1, total, err
		}
		before := s.tree.ActiveCount()
		f := &frame{ctx: ctx, camera: camera, start: s.opts.Now(), structure: true}
		s.walkRoots(f)

		st := s.stats(f)
		total.Subdivided += st.Subdivided
		total.Collapsed += st.Collapsed
		total.Quads = st.Quads
		total.OutOfTime = total.OutOfTime || st.OutOfTime
		total.Duration = s.opts.Now().Sub(start)

		if st.Quads == before {
			s.log.Debug("init settled", zap.Int("iterations", i), zap.Int("quads", st.Quads))
			return i, total, nil
		}
	}
	s.log.Warn("init did not settle", zap.Int("retries", s.opts.InitRetries),
		zap.Int("quads", total.Quads))
	return s.opts.InitRetries, total, nil
}

func (s *Scheduler) walkRoots(f *frame) {
	var g errgroup.Group
	for _, r := range s.tree.Roots() {
		g.Go(func() error {
			s.walk(f, r)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) stats(f *frame) Stats {
	return Stats{
		Quads:       s.tree.ActiveCount(),
		Subdivided:  int(f.subdivided.Load()),
		Collapsed:   int(f.collapsed.Load()),
		Built:       int(f.built.Load()),
		BuildErrors: int(f.buildErrors.Load()),
		OutOfTime:   f.outOfTime.Load(),
		Duration:    s.opts.Now().Sub(f.start),
	}
}

// outOfTime latches once the frame budget is exceeded.
func (s *Scheduler) outOfTime(f *frame) bool {
	if f.outOfTime.Load() {
		return true
	}
	if s.cfg.FrameBudget <= 0 || f.structure {
		return false
	}
	if s.opts.Now().Sub(f.start) > s.cfg.FrameBudget {
		f.outOfTime.Store(true)
		return true
	}
	return false
}

func (s *Scheduler) walk(f *frame, n *quadtree.Node) {
	dist := n.UpdateDistance(f.camera, s.cfg.Radius)
	depth := n.Depth()

	if n.IsSubdivided() {
		if depth >= s.cfg.MinLevel && dist > s.cfg.CollapseThreshold(depth) && !s.outOfTime(f) {
			if s.collapse(f, n) {
				s.updateLeaf(f, n, dist)
				return
			}
		}
		if s.outOfTime(f) {
			return
		}
		s.walkChildren(f, n)
		return
	}

	wantSplit := depth < s.cfg.MinLevel || dist < s.cfg.SubdivideThreshold(depth)
	if depth < s.cfg.MaxLevel && wantSplit && !s.outOfTime(f) {
		wasVisible := n.IsVisible()
		if s.tree.Subdivide(n) {
			f.subdivided.Add(1)
			metrics.InstrumentSubdivide(s.opts.SphereID)
			// Subdivide hides the parent; its mesh stays cached.
			if wasVisible && s.opts.OnVisibility != nil {
				s.opts.OnVisibility(n, false)
			}
			s.walkChildren(f, n)
			return
		}
	}
	s.updateLeaf(f, n, dist)
}

func (s *Scheduler) walkChildren(f *frame, n *quadtree.Node) {
	children, ok := s.tree.Children(n)
	if !ok {
		return
	}
	var g errgroup.Group
	for _, c := range children {
		g.Go(func() error {
			s.walk(f, c)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) collapse(f *frame, n *quadtree.Node) bool {
	children, ok := s.tree.Children(n)
	if !ok {
		return false
	}
	var wasVisible [4]bool
	for i, c := range children {
		wasVisible[i] = c.IsVisible()
	}
	if !s.tree.Collapse(n) {
		return false
	}
	f.collapsed.Add(1)
	metrics.InstrumentCollapse(s.opts.SphereID)
	for i, c := range children {
		if wasVisible[i] && s.opts.OnVisibility != nil {
			s.opts.OnVisibility(c, false)
		}
	}
	return true
}

// updateLeaf sets visibility from the visible radius and builds newly visible quads.
func (s *Scheduler) updateLeaf(f *frame, n *quadtree.Node, dist float64) {
	if f.structure {
		return
	}
	visible := dist < s.cfg.VisibleRadius && !n.IsForcedInvisible()
	if visible && !n.IsBuilt() {
		if err := s.builder.Build(f.ctx, n); err != nil {
			f.buildErrors.Add(1)
			s.log.Warn("quad build failed", logger.Quad(n.ID, n.Depth()), zap.Error(err))
			visible = false
		} else {
			f.built.Add(1)
		}
	}
	if s.setVisible(n, visible) && visible {
		s.tree.QueueNormals(n)
	}
}

func (s *Scheduler) setVisible(n *quadtree.Node, visible bool) bool {
	if !n.SetVisible(visible) {
		return false
	}
	if s.opts.OnVisibility != nil {
		s.opts.OnVisibility(n, visible)
	}
	return true
}
