package sphere

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/quadsphere/internal/config"
	"github.com/Faultbox/quadsphere/internal/engine/mods"
	"github.com/Faultbox/quadsphere/internal/engine/modifier"
	"github.com/Faultbox/quadsphere/internal/engine/quadtree"
	"github.com/Faultbox/quadsphere/internal/engine/terrain"
)

type recordingSink struct {
	mu      sync.Mutex
	built   map[int]int
	visible map[int]bool
	normals map[int]int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{built: map[int]int{}, visible: map[int]bool{}, normals: map[int]int{}}
}

func (r *recordingSink) OnMeshBuilt(n *quadtree.Node, mesh *terrain.Mesh) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mesh != nil {
		r.built[n.ID]++
	}
}

func (r *recordingSink) OnVisibility(n *quadtree.Node, visible bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visible[n.ID] = visible
}

func (r *recordingSink) OnNormalsUpdated(n *quadtree.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.normals[n.ID]++
}

func testConfig() config.SphereConfig {
	cfg := config.Default().Sphere
	cfg.Radius = 1000
	cfg.MinRadius = 950
	cfg.MaxRadius = 1050
	cfg.MinLevel = 0
	cfg.MaxLevel = 3
	cfg.SideLength = 9
	cfg.VisibleRadius = 1e9
	cfg.FrameBudget = 0
	return cfg
}

func bumpy() []any {
	return []any{
		&mods.Noise{Seed: 2, Octaves: 3, Frequency: 4, Amplitude: 30},
		mods.NewColorRamp(mods.Stop{Altitude: -30, Color: mgl32.Vec4{0, 0, 1, 1}}, mods.Stop{Altitude: 30, Color: mgl32.Vec4{1, 1, 1, 1}}),
	}
}

func above(cfg config.SphereConfig, altitude float64) mgl64.Vec3 {
	return mgl64.Vec3{0, cfg.Radius + altitude, 0}
}

// requireContinuous checks that every pair of leaves agrees on the normal of every
// boundary point they share.
func requireContinuous(t *testing.T, s *Sphere) {
	t.Helper()
	g := terrain.Grid{Side: s.Config().SideLength}
	n := g.Segments()

	type vertex struct {
		id     int
		dir    mgl64.Vec3
		normal mgl32.Vec3
	}
	var verts []vertex
	for _, leaf := range s.Tree().Leaves() {
		mesh := leaf.Mesh()
		require.NotNil(t, mesh, "leaf %d not built", leaf.ID)
		for _, e := range terrain.Edges {
			for j := 0; j < n; j++ {
				x, y := g.EdgeCoords(e, j)
				verts = append(verts, vertex{
					id:     leaf.ID,
					dir:    leaf.Patch().Direction(g, x, y),
					normal: mesh.Normals[g.EdgeIndex(e, j)],
				})
			}
		}
	}
	for i := range verts {
		for j := i + 1; j < len(verts); j++ {
			a, b := verts[i], verts[j]
			if a.id == b.id || a.dir.Sub(b.dir).Len() > 1e-9 {
				continue
			}
			require.InDelta(t, 0, a.normal.Sub(b.normal).Len(), 1e-6,
				"nodes %d and %d at %v", a.id, b.id, a.dir)
		}
	}
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.SideLength = 10
	_, err := New(cfg, nil, Options{})
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = New(testConfig(), []any{42}, Options{})
	assert.ErrorIs(t, err, modifier.ErrUnsupported)
}

type legacyTint struct{}

func (legacyTint) Name() string { return "tint" }

func (legacyTint) OnVertexBuildHeight(*modifier.BuildContext, *modifier.VertexData) {}

func (legacyTint) OnVertexBuild(_ *modifier.BuildContext, v *modifier.VertexData) {
	v.Color = mgl32.Vec4{0.5, 0.5, 0.5, 1}
}

func TestBuildPathSelection(t *testing.T) {
	s, err := New(testConfig(), bumpy(), Options{})
	require.NoError(t, err)
	assert.False(t, s.Legacy())

	s, err = New(testConfig(), bumpy(), Options{ForceLegacy: true})
	require.NoError(t, err)
	assert.True(t, s.Legacy())

	s, err = New(testConfig(), append(bumpy(), legacyTint{}), Options{})
	require.NoError(t, err)
	assert.True(t, s.Legacy())

	_, err = s.Update(context.Background(), above(s.Config(), 1e6))
	require.NoError(t, err)
	for _, r := range s.Tree().Roots() {
		require.True(t, r.IsBuilt())
		assert.Equal(t, mgl32.Vec4{0.5, 0.5, 0.5, 1}, r.Mesh().Colors[0])
	}
}

func TestInitThenUpdate(t *testing.T) {
	sink := newRecordingSink()
	cfg := testConfig()
	s, err := New(cfg, bumpy(), Options{Sink: sink, Workers: 2, InitRetries: 16})
	require.NoError(t, err)
	ctx := context.Background()

	iterations, err := s.Init(ctx, above(cfg, 50))
	require.NoError(t, err)
	assert.Greater(t, iterations, 1)
	st := s.Stats()
	assert.Greater(t, st.Quads, quadtree.FaceCount)
	assert.Zero(t, st.Built)
	assert.Empty(t, sink.built)

	fs, err := s.Update(ctx, above(cfg, 50))
	require.NoError(t, err)
	assert.Positive(t, fs.Built)
	assert.Positive(t, fs.Stitched)

	st = s.Stats()
	assert.Equal(t, st.Leaves, st.Visible)
	assert.EqualValues(t, 1, st.Frames)
	assert.Zero(t, st.Queued)
	assert.Zero(t, st.Violations)
	assert.Positive(t, st.Jobs)
	assert.Zero(t, st.JobsRunning)
	for _, leaf := range s.Tree().Leaves() {
		assert.Equal(t, 1, sink.built[leaf.ID], "leaf %d", leaf.ID)
		assert.True(t, sink.visible[leaf.ID], "leaf %d", leaf.ID)
		assert.Positive(t, sink.normals[leaf.ID], "leaf %d", leaf.ID)
	}
}

func TestDescentKeepsNormalsContinuous(t *testing.T) {
	cfg := testConfig()
	s, err := New(cfg, bumpy(), Options{Workers: 4})
	require.NoError(t, err)
	ctx := context.Background()

	for _, alt := range []float64{4000, 2000, 800, 300, 100, 40, 10} {
		for i := 0; i < 2; i++ {
			_, err := s.Update(ctx, above(cfg, alt))
			require.NoError(t, err)
		}
		require.NoError(t, s.Tree().CheckInvariants(), "altitude %v", alt)
	}

	var maxDepth int
	for _, leaf := range s.Tree().Leaves() {
		maxDepth = max(maxDepth, leaf.Depth())
	}
	require.Equal(t, cfg.MaxLevel, maxDepth)
	requireContinuous(t, s)
	assert.Zero(t, s.Violations())

	// Edge states follow neighbor depths.
	for _, leaf := range s.Tree().Leaves() {
		var want uint8
		for _, d := range terrain.Edges {
			if leaf.Neighbor(d).Depth() < leaf.Depth() {
				want |= 1 << uint(d)
			}
		}
		assert.Equal(t, want, leaf.EdgeState(), "leaf %d", leaf.ID)
		assert.Equal(t, want, leaf.Mesh().EdgeState, "leaf %d", leaf.ID)
	}
}

func TestAscentCollapsesAndStaysContinuous(t *testing.T) {
	cfg := testConfig()
	s, err := New(cfg, bumpy(), Options{Workers: 4})
	require.NoError(t, err)
	ctx := context.Background()

	for _, alt := range []float64{100, 10, 10, 10} {
		_, err := s.Update(ctx, above(cfg, alt))
		require.NoError(t, err)
	}
	deep := s.Stats().Quads

	for i := 0; i < 3; i++ {
		_, err := s.Update(ctx, above(cfg, 2500))
		require.NoError(t, err)
	}
	st := s.Stats()
	assert.Less(t, st.Quads, deep)
	assert.Positive(t, st.Pooled)
	require.NoError(t, s.Tree().CheckInvariants())
	requireContinuous(t, s)
	assert.Zero(t, s.Violations())
}

// settled reports whether every leaf is built and no boundary waits for stitching.
func settled(s *Sphere) bool {
	if s.Stats().Queued > 0 {
		return false
	}
	for _, leaf := range s.Tree().Leaves() {
		if !leaf.IsBuilt() {
			return false
		}
	}
	return true
}

func TestRandomFlightKeepsTreeConsistent(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLevel = 4
	cfg.FrameBudget = 2 * time.Millisecond
	s, err := New(cfg, bumpy(), Options{Workers: 4})
	require.NoError(t, err)
	ctx := context.Background()

	rng := rand.New(rand.NewPCG(7, 11))
	corner := mgl64.Vec3{1, 1, 1}.Normalize()
	for i := 0; i < 60; i++ {
		dir := corner
		if i%6 != 0 {
			dir = mgl64.Vec3{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}.Normalize()
		}
		alt := math.Pow(10, 1+3*rng.Float64())
		_, err := s.Update(ctx, dir.Mul(cfg.Radius+alt))
		require.NoError(t, err, "frame %d", i)
		require.NoError(t, s.Tree().CheckInvariants(), "frame %d", i)
	}

	camera := corner.Mul(cfg.Radius + 15)
	for i := 0; i < 200 && (i < 2 || !settled(s)); i++ {
		_, err := s.Update(ctx, camera)
		require.NoError(t, err)
	}
	require.True(t, settled(s))
	require.NoError(t, s.Tree().CheckInvariants())
	requireContinuous(t, s)
	assert.Zero(t, s.Violations())
}

// brittle panics while preparing the build of one quad.
type brittle struct{ quad int }

func (brittle) Name() string { return "brittle" }

func (b brittle) OnPreBuild(bc *modifier.BuildContext) (any, error) {
	if bc.QuadID == b.quad {
		panic("corrupt tile")
	}
	return nil, nil
}

func TestModifierPanicDegradesOneQuad(t *testing.T) {
	cfg := testConfig()
	s, err := New(cfg, []any{brittle{quad: 2}}, Options{Workers: 2})
	require.NoError(t, err)

	fs, err := s.Update(context.Background(), above(cfg, 1e6))
	require.NoError(t, err)
	assert.Equal(t, 1, fs.BuildErrors)
	for _, r := range s.Tree().Roots() {
		assert.Equal(t, r.ID != 2, r.IsBuilt(), "root %d", r.ID)
		assert.Equal(t, r.ID != 2, r.IsVisible(), "root %d", r.ID)
	}
	assert.Zero(t, s.Violations())
}

func TestBuildQuadRebuilds(t *testing.T) {
	sink := newRecordingSink()
	cfg := testConfig()
	s, err := New(cfg, bumpy(), Options{Sink: sink})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err = s.Update(ctx, above(cfg, 300))
		require.NoError(t, err)
	}
	leaf := s.Tree().Leaves()[0]
	require.Equal(t, 1, leaf.Builds())

	require.NoError(t, s.BuildQuad(ctx, leaf))
	assert.Equal(t, 2, leaf.Builds())
	require.NoError(t, s.BuildQuadFallback(ctx, leaf))
	assert.Equal(t, 3, leaf.Builds())
	assert.Equal(t, 3, sink.built[leaf.ID])
	assert.Positive(t, s.Stats().Queued)

	_, err = s.Update(ctx, above(cfg, 300))
	require.NoError(t, err)
	requireContinuous(t, s)
}

func TestClose(t *testing.T) {
	s, err := New(testConfig(), nil, Options{})
	require.NoError(t, err)
	_, err = s.Update(context.Background(), above(s.Config(), 100))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), ErrClosed)
	assert.Equal(t, quadtree.FaceCount, s.Tree().ActiveCount())

	_, err = s.Update(context.Background(), mgl64.Vec3{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Init(context.Background(), mgl64.Vec3{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.BuildQuad(context.Background(), s.Tree().Roots()[0]), ErrClosed)
}
