// Package sphere assembles the quadtree, build pipeline, scheduler and normal
// stitcher of one planet and exposes the host-facing entry points.
package sphere

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Faultbox/quadsphere/internal/config"
	"github.com/Faultbox/quadsphere/internal/engine/jobs"
	"github.com/Faultbox/quadsphere/internal/engine/modifier"
	"github.com/Faultbox/quadsphere/internal/engine/pipeline"
	"github.com/Faultbox/quadsphere/internal/engine/quadtree"
	"github.com/Faultbox/quadsphere/internal/engine/scheduler"
	"github.com/Faultbox/quadsphere/internal/engine/stitch"
	"github.com/Faultbox/quadsphere/internal/engine/terrain"
	"github.com/Faultbox/quadsphere/internal/logger"
)

// ErrClosed is returned by operations on a closed sphere.
var ErrClosed = errors.New("sphere closed")

// MeshSink receives mesh handoffs. Calls may arrive from several goroutines.
type MeshSink interface {
	OnMeshBuilt(n *quadtree.Node, mesh *terrain.Mesh)
	OnVisibility(n *quadtree.Node, visible bool)
	OnNormalsUpdated(n *quadtree.Node)
}

// Options configures a Sphere.
type Options struct {
	Log  *zap.Logger
	Sink MeshSink
	// Workers bounds concurrent build jobs.
	Workers     int
	InitRetries int
	// ForceLegacy builds every quad through the legacy path.
	ForceLegacy bool
	Now         func() time.Time
}

// Stats is a point-in-time summary of a sphere.
type Stats struct {
	ID         uuid.UUID
	Quads      int
	Allocated  int
	Pooled     int
	Leaves     int
	Built      int
	Visible    int
	Queued     int
	Frames     int64
	Legacy     bool
	Violations int64
	// Jobs is the number of build jobs finished; JobsRunning those executing now.
	Jobs        int64
	JobsRunning int64
}

// FrameStats summarizes one Update.
type FrameStats struct {
	scheduler.Stats
	Stitched int
}

// buildFunc is the strategy that turns a request into a mesh.
type buildFunc func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error)

// Sphere is one planet.
type Sphere struct {
	ID uuid.UUID

	cfg      config.SphereConfig
	plan     modifier.Plan
	tree     *quadtree.Tree
	indices  *terrain.IndexCache
	exec     *jobs.Executor
	pipe     *pipeline.Pipeline
	sched    *scheduler.Scheduler
	stitcher *stitch.Stitcher
	build    buildFunc
	legacy   bool
	sink     MeshSink
	log      *zap.Logger

	frames atomic.Int64
	closed atomic.Bool
}

// New validates cfg, registers mods in order and wires the sphere. The batched or
// legacy build path is chosen here, once.
func New(cfg config.SphereConfig, mods []any, opts Options) (*Sphere, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.OrNop(opts.Log)
	if opts.Workers < 1 {
		opts.Workers = 1
	}

	reg := modifier.NewRegistry(log.Named("modifiers"))
	for _, m := range mods {
		if err := reg.Register(m); err != nil {
			return nil, fmt.Errorf("register modifier: %w", err)
		}
	}
	plan := reg.Resolve()

	s := &Sphere{
		ID:      uuid.New(),
		cfg:     cfg,
		plan:    plan,
		tree:    quadtree.New(log.Named("quadtree")),
		indices: terrain.NewIndexCache(cfg.SideLength),
		sink:    opts.Sink,
		legacy:  plan.Fallback || opts.ForceLegacy,
	}
	s.log = log.With(zap.Stringer("sphere", s.ID))
	s.exec = jobs.NewExecutor(opts.Workers)
	s.pipe = pipeline.New(s.exec, plan, s.indices, s.log.Named("pipeline"))
	if s.legacy {
		s.build = s.pipe.BuildLegacy
	} else {
		s.build = s.pipe.Build
	}

	s.sched = scheduler.New(s.tree, s, cfg, scheduler.Options{
		Log:          s.log.Named("scheduler"),
		Now:          opts.Now,
		SphereID:     s.ID.String(),
		InitRetries:  opts.InitRetries,
		OnVisibility: s.onVisibility,
	})
	s.stitcher = stitch.New(s.tree, s.indices, s, stitch.Options{
		Log:              s.log.Named("stitch"),
		SphereID:         s.ID.String(),
		OnNormalsUpdated: s.onNormalsUpdated,
	})

	s.log.Info("sphere created",
		zap.Float64("radius", cfg.Radius),
		zap.Int("side_length", cfg.SideLength),
		zap.Int("modifiers", len(plan.Entries)),
		zap.Bool("legacy", s.legacy))
	return s, nil
}

// Tree returns the sphere's quadtree.
func (s *Sphere) Tree() *quadtree.Tree {
	return s.tree
}

// Config returns the sphere configuration.
func (s *Sphere) Config() config.SphereConfig {
	return s.cfg
}

// Legacy reports whether builds use the legacy path.
func (s *Sphere) Legacy() bool {
	return s.legacy
}

// Violations returns the number of structural stitching violations seen so far.
func (s *Sphere) Violations() int64 {
	return s.stitcher.Violations()
}

// Init settles the tree structure around camera without building meshes. It returns
// the number of walk iterations it took.
func (s *Sphere) Init(ctx context.Context, camera mgl64.Vec3) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	iterations, st, err := s.sched.UpdateInit(ctx, camera)
	if err != nil {
		return iterations, err
	}
	s.log.Info("sphere initialized", zap.Int("iterations", iterations),
		zap.Int("quads", st.Quads), zap.Duration("took", st.Duration))
	return iterations, nil
}

// Update runs one frame: the subdivision walk, then a stitch pass over every quad
// whose boundary changed.
func (s *Sphere) Update(ctx context.Context, camera mgl64.Vec3) (FrameStats, error) {
	if s.closed.Load() {
		return FrameStats{}, ErrClosed
	}
	st, err := s.sched.Update(ctx, camera)
	if err != nil {
		return FrameStats{Stats: st}, err
	}
	stitched, err := s.stitcher.Drain(ctx)
	s.frames.Add(1)
	return FrameStats{Stats: st, Stitched: stitched}, err
}

// Build implements the scheduler and stitcher build seam: n is built at most once
// through the path chosen at setup.
func (s *Sphere) Build(ctx context.Context, n *quadtree.Node) error {
	var built bool
	err := n.EnsureBuilt(func(n *quadtree.Node) (*terrain.Mesh, [4][]mgl64.Vec3, error) {
		built = true
		return s.run(ctx, n, s.build)
	})
	if err != nil {
		s.log.Warn("quad build failed", logger.Quad(n.ID, n.Depth()), zap.Error(err))
		return err
	}
	if built {
		s.meshBuilt(n)
	}
	return nil
}

// BuildQuad rebuilds n through the path chosen at setup and queues its boundary for
// stitching.
func (s *Sphere) BuildQuad(ctx context.Context, n *quadtree.Node) error {
	return s.rebuild(ctx, n, s.build)
}

// BuildQuadFallback rebuilds n through the legacy path regardless of setup.
func (s *Sphere) BuildQuadFallback(ctx context.Context, n *quadtree.Node) error {
	return s.rebuild(ctx, n, s.pipe.BuildLegacy)
}

func (s *Sphere) rebuild(ctx context.Context, n *quadtree.Node, build buildFunc) error {
	if s.closed.Load() {
		return ErrClosed
	}
	err := n.Rebuild(func(n *quadtree.Node) (*terrain.Mesh, [4][]mgl64.Vec3, error) {
		return s.run(ctx, n, build)
	})
	if err != nil {
		s.log.Warn("quad rebuild failed", logger.Quad(n.ID, n.Depth()), zap.Error(err))
		return err
	}
	s.meshBuilt(n)
	s.tree.QueueNormals(n)
	return nil
}

func (s *Sphere) run(ctx context.Context, n *quadtree.Node, build buildFunc) (*terrain.Mesh, [4][]mgl64.Vec3, error) {
	res, err := build(ctx, s.request(n))
	if err != nil {
		return nil, [4][]mgl64.Vec3{}, err
	}
	return res.Mesh, res.EdgeSums, nil
}

func (s *Sphere) request(n *quadtree.Node) *pipeline.Request {
	uvMin, uvMax := n.UVRect()
	return &pipeline.Request{
		Context: modifier.BuildContext{
			QuadID:          n.ID,
			Depth:           n.Depth(),
			Corner:          n.Corner(),
			SideLength:      s.cfg.SideLength,
			Radius:          s.cfg.Radius,
			MinRadius:       s.cfg.MinRadius,
			MaxRadius:       s.cfg.MaxRadius,
			Origin:          n.CenterDirection().Mul(s.cfg.Radius),
			UVMin:           uvMin,
			UVMax:           uvMax,
			SurfaceRelative: s.cfg.SurfaceRelative,
			CustomNormals:   s.cfg.CustomNormals,
		},
		Patch: n.Patch(),
	}
}

func (s *Sphere) meshBuilt(n *quadtree.Node) {
	s.stitcher.RefreshEdgeState(n)
	if s.sink != nil {
		s.sink.OnMeshBuilt(n, n.Mesh())
	}
}

func (s *Sphere) onVisibility(n *quadtree.Node, visible bool) {
	if s.sink != nil {
		s.sink.OnVisibility(n, visible)
	}
}

func (s *Sphere) onNormalsUpdated(n *quadtree.Node) {
	if s.sink != nil {
		s.sink.OnNormalsUpdated(n)
	}
}

// Stats returns a summary of the tree and build state.
func (s *Sphere) Stats() Stats {
	st := Stats{
		ID:          s.ID,
		Quads:       s.tree.ActiveCount(),
		Queued:      s.tree.QueueLen(),
		Frames:      s.frames.Load(),
		Legacy:      s.legacy,
		Violations:  s.stitcher.Violations(),
		Jobs:        s.exec.Completed(),
		JobsRunning: s.exec.Running(),
	}
	st.Allocated, st.Pooled = s.tree.Allocated()
	s.tree.Walk(func(n *quadtree.Node) bool {
		if n.IsLeaf() {
			st.Leaves++
		}
		if n.IsBuilt() {
			st.Built++
		}
		if n.IsVisible() {
			st.Visible++
		}
		return true
	})
	return st
}

// Close tears the tree down. The sphere cannot be used afterwards.
func (s *Sphere) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	s.tree.Reset()
	s.log.Info("sphere closed", zap.Int64("frames", s.frames.Load()))
	return nil
}
