// Package game runs the headless frame loop: a camera descends toward one sphere
// while the engine subdivides, builds and stitches quads around it.
package game

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Faultbox/quadsphere/internal/config"
	"github.com/Faultbox/quadsphere/internal/engine/mods"
	"github.com/Faultbox/quadsphere/internal/engine/quadtree"
	"github.com/Faultbox/quadsphere/internal/engine/sphere"
	"github.com/Faultbox/quadsphere/internal/engine/terrain"
	"github.com/Faultbox/quadsphere/internal/logger"
	"github.com/Faultbox/quadsphere/internal/snapshot"
	"github.com/Faultbox/quadsphere/pkg/mapsampler"
)

// Game is the headless driver instance.
type Game struct {
	cfg     *config.Config
	sphere  *sphere.Sphere
	meshes  *meshCounter
	metrics *http.Server
	log     *zap.Logger
}

// Summary reports the end state of a run.
type Summary struct {
	Frames       int
	Quads        int
	Built        int64
	Visible      int
	OutOfTime    int
	Violations   int64
	MaxDepth     int
	Snapshot     string
	Elapsed      time.Duration
	LastAltitude float64
}

// meshCounter is the mesh sink of the driver.
type meshCounter struct {
	built    atomic.Int64
	vertices atomic.Int64
	shown    atomic.Int64
	hidden   atomic.Int64
	stitched atomic.Int64
}

func (m *meshCounter) OnMeshBuilt(_ *quadtree.Node, mesh *terrain.Mesh) {
	m.built.Add(1)
	if mesh != nil {
		m.vertices.Add(int64(len(mesh.Vertices)))
	}
}

func (m *meshCounter) OnVisibility(_ *quadtree.Node, visible bool) {
	if visible {
		m.shown.Add(1)
	} else {
		m.hidden.Add(1)
	}
}

func (m *meshCounter) OnNormalsUpdated(*quadtree.Node) {
	m.stitched.Add(1)
}

// New creates the sphere described by cfg with the built-in modifiers.
func New(cfg *config.Config) (*Game, error) {
	log := logger.Named("game")

	modifiers, err := builtinMods(cfg)
	if err != nil {
		return nil, err
	}

	g := &Game{cfg: cfg, meshes: &meshCounter{}, log: log}
	g.sphere, err = sphere.New(cfg.Sphere, modifiers, sphere.Options{
		Log:         logger.Named("sphere"),
		Sink:        g.meshes,
		Workers:     cfg.Build.Workers,
		InitRetries: cfg.Build.InitRetries,
		ForceLegacy: cfg.Build.ForceLegacy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sphere: %w", err)
	}

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		g.metrics = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := g.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		log.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
	}

	log.Info("game initialized", zap.Stringer("sphere", g.sphere.ID), zap.Bool("legacy", g.sphere.Legacy()))
	return g, nil
}

func builtinMods(cfg *config.Config) ([]any, error) {
	sim := cfg.Simulation
	scale := sim.HeightScale

	var out []any
	if sim.HeightMap != "" {
		m, err := mapsampler.Load(sim.HeightMap, mapsampler.R16)
		if err != nil {
			return nil, fmt.Errorf("loading height map: %w", err)
		}
		out = append(out, &mods.HeightMap{Map: m, Scale: scale, Offset: -0.5})
	}
	out = append(out,
		&mods.Noise{Seed: sim.NoiseSeed, Octaves: 6, Frequency: 3, Persistence: 0.5, Amplitude: scale / 4},
		mods.NewColorRamp(
			mods.Stop{Altitude: -scale / 2, Color: mgl32.Vec4{0.10, 0.20, 0.45, 1}},
			mods.Stop{Altitude: 0, Color: mgl32.Vec4{0.25, 0.45, 0.20, 1}},
			mods.Stop{Altitude: scale / 3, Color: mgl32.Vec4{0.45, 0.40, 0.35, 1}},
			mods.Stop{Altitude: scale / 2, Color: mgl32.Vec4{0.95, 0.95, 0.95, 1}},
		),
		&mods.ScatterMask{MaxSlope: math.Pi / 6},
	)
	return out, nil
}

// Altitude returns the camera altitude of frame i of n, interpolated geometrically from
// start to end.
func Altitude(start, end float64, i, n int) float64 {
	if n <= 1 || start <= 0 || end <= 0 {
		return end
	}
	t := float64(i) / float64(n-1)
	return start * math.Pow(end/start, t)
}

// camera places the viewer above a point off the face centers so the descent crosses
// a cube edge region.
func (g *Game) camera(altitude float64) mgl64.Vec3 {
	dir := mgl64.Vec3{0.3, 1, 0.2}.Normalize()
	return dir.Mul(g.cfg.Sphere.Radius + altitude)
}

// Run initializes the tree at the start altitude and runs the descent.
func (g *Game) Run(ctx context.Context) (Summary, error) {
	sim := g.cfg.Simulation
	start := time.Now()

	if _, err := g.sphere.Init(ctx, g.camera(sim.StartAltitude)); err != nil {
		return Summary{}, fmt.Errorf("init: %w", err)
	}

	var sum Summary
	reportTimer := time.Now()
	for i := 0; i < sim.Frames; i++ {
		alt := Altitude(sim.StartAltitude, sim.EndAltitude, i, sim.Frames)
		fs, err := g.sphere.Update(ctx, g.camera(alt))
		if err != nil {
			return sum, fmt.Errorf("frame %d: %w", i, err)
		}
		sum.Frames++
		sum.LastAltitude = alt
		if fs.OutOfTime {
			sum.OutOfTime++
		}

		g.log.Debug("frame",
			zap.Int("frame", i),
			zap.Float64("altitude", alt),
			zap.Int("quads", fs.Quads),
			zap.Int("subdivided", fs.Subdivided),
			zap.Int("collapsed", fs.Collapsed),
			zap.Int("built", fs.Built),
			zap.Int("stitched", fs.Stitched),
			zap.Duration("took", fs.Duration))

		if time.Since(reportTimer) >= time.Second {
			st := g.sphere.Stats()
			g.log.Info("progress", zap.Int("frame", i), zap.Float64("altitude", alt),
				zap.Int("quads", st.Quads), zap.Int("visible", st.Visible))
			reportTimer = time.Now()
		}
	}

	st := g.sphere.Stats()
	sum.Quads = st.Quads
	sum.Visible = st.Visible
	sum.Violations = st.Violations
	sum.Built = g.meshes.built.Load()
	g.sphere.Tree().Walk(func(n *quadtree.Node) bool {
		sum.MaxDepth = max(sum.MaxDepth, n.Depth())
		return true
	})

	if path := g.cfg.Snapshot.Path; path != "" {
		snap := snapshot.Capture(g.sphere.ID, g.sphere.Config(), g.sphere.Tree(), time.Now())
		if err := snapshot.WriteFile(path, snap); err != nil {
			return sum, fmt.Errorf("writing snapshot: %w", err)
		}
		sum.Snapshot = path
		g.log.Info("snapshot written", zap.String("path", path), zap.Int("quads", snap.Header.Quads))
	}

	sum.Elapsed = time.Since(start)
	g.log.Info("run finished",
		zap.Int("frames", sum.Frames),
		zap.Int("quads", sum.Quads),
		zap.Int("max_depth", sum.MaxDepth),
		zap.Int64("meshes", sum.Built),
		zap.Int64("vertices", g.meshes.vertices.Load()),
		zap.Int64("normal_updates", g.meshes.stitched.Load()),
		zap.Int64("jobs", st.Jobs),
		zap.Int("out_of_time", sum.OutOfTime),
		zap.Int64("violations", sum.Violations),
		zap.Duration("elapsed", sum.Elapsed))
	return sum, nil
}

// Close releases the sphere and stops the metrics server.
func (g *Game) Close() {
	g.log.Info("closing game")
	if g.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.metrics.Shutdown(ctx)
	}
	if g.sphere != nil {
		_ = g.sphere.Close()
	}
}
