package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/quadsphere/internal/engine/buildbuf"
	"github.com/Faultbox/quadsphere/internal/engine/jobs"
	"github.com/Faultbox/quadsphere/internal/engine/modifier"
	"github.com/Faultbox/quadsphere/internal/engine/terrain"
)

const side = 9

func frontPatch() terrain.Patch {
	return terrain.Patch{
		FaceCenter: mgl64.Vec3{0, 0, 1},
		Right:      mgl64.Vec3{1, 0, 0},
		Up:         mgl64.Vec3{0, 1, 0},
		Half:       1,
	}
}

func request() *Request {
	return &Request{
		Context: modifier.BuildContext{
			SideLength: side,
			Radius:     100,
			MinRadius:  90,
			MaxRadius:  110,
			UVMin:      mgl64.Vec2{0, 0},
			UVMax:      mgl64.Vec2{1, 1},
		},
		Patch: frontPatch(),
	}
}

func newPipeline(t *testing.T, mods ...any) *Pipeline {
	t.Helper()
	reg := modifier.NewRegistry(nil)
	for _, m := range mods {
		require.NoError(t, reg.Register(m))
	}
	return New(jobs.NewExecutor(4), reg.Resolve(), terrain.NewIndexCache(side), nil)
}

// recorder collects phase events from several modifiers.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

type slowHeight struct {
	r     *recorder
	delay time.Duration
}

func (slowHeight) Name() string { return "slow-height" }

func (m slowHeight) BuildHeights(ex *jobs.Executor, _ *modifier.BuildContext, _ *buildbuf.Buffer, prev *jobs.Handle) *jobs.Handle {
	return ex.Schedule(func() error {
		time.Sleep(m.delay)
		m.r.add("height")
		return nil
	}, prev)
}

type eagerVertex struct{ r *recorder }

func (eagerVertex) Name() string { return "eager-vertex" }

// BuildVertices ignores prev; only the phase barrier orders it.
func (m eagerVertex) BuildVertices(ex *jobs.Executor, _ *modifier.BuildContext, _ *buildbuf.Buffer, _ *jobs.Handle) *jobs.Handle {
	return ex.Schedule(func() error {
		m.r.add("vertex")
		return nil
	})
}

func TestPhaseBarrier(t *testing.T) {
	r := &recorder{}
	p := newPipeline(t, eagerVertex{r: r}, slowHeight{r: r, delay: 20 * time.Millisecond}, slowHeight{r: r, delay: 5 * time.Millisecond})

	_, err := p.Build(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, []string{"height", "height", "vertex"}, r.events)
}

type addHeight float64

func (addHeight) Name() string { return "add" }

func (a addHeight) BuildHeights(ex *jobs.Executor, _ *modifier.BuildContext, buf *buildbuf.Buffer, prev *jobs.Handle) *jobs.Handle {
	return ex.Schedule(func() error {
		for i := range buf.Height {
			buf.Height[i] += float64(a)
		}
		return nil
	}, prev)
}

type scaleHeight float64

func (scaleHeight) Name() string { return "scale" }

func (s scaleHeight) BuildHeights(ex *jobs.Executor, _ *modifier.BuildContext, buf *buildbuf.Buffer, prev *jobs.Handle) *jobs.Handle {
	return ex.Schedule(func() error {
		for i := range buf.Height {
			buf.Height[i] *= float64(s)
		}
		return nil
	}, prev)
}

func TestHeightStagesChainInRegistrationOrder(t *testing.T) {
	p := newPipeline(t, addHeight(10), scaleHeight(2))
	res, err := p.Build(context.Background(), request())
	require.NoError(t, err)

	assert.InDelta(t, 220, res.Mesh.MinHeight, 1e-9)
	assert.InDelta(t, 220, res.Mesh.MaxHeight, 1e-9)
	for _, v := range res.Mesh.Vertices {
		assert.InDelta(t, 220, v.Len(), 1e-3)
	}
}

type noWork struct{}

func (noWork) Name() string { return "nothing" }

func (noWork) BuildHeights(*jobs.Executor, *modifier.BuildContext, *buildbuf.Buffer, *jobs.Handle) *jobs.Handle {
	return nil
}

func TestNilHandleKeepsChain(t *testing.T) {
	p := newPipeline(t, addHeight(10), noWork{}, scaleHeight(2))
	res, err := p.Build(context.Background(), request())
	require.NoError(t, err)
	assert.InDelta(t, 220, res.Mesh.MaxHeight, 1e-9)
}

type stateful struct {
	skip func(bc *modifier.BuildContext) bool
	err  error
}

func (stateful) Name() string { return "stateful" }

func (s stateful) OnPreBuild(bc *modifier.BuildContext) (any, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.skip(bc) {
		return nil, nil
	}
	return addHeight(5), nil
}

func TestPreBuildStateSelectsWork(t *testing.T) {
	p := newPipeline(t, stateful{skip: func(bc *modifier.BuildContext) bool { return bc.Depth > 0 }})

	req := request()
	res, err := p.Build(context.Background(), req)
	require.NoError(t, err)
	assert.InDelta(t, 105, res.Mesh.MaxHeight, 1e-9)

	req.Context.Depth = 1
	res, err = p.Build(context.Background(), req)
	require.NoError(t, err)
	assert.InDelta(t, 100, res.Mesh.MaxHeight, 1e-9)
}

func TestPreBuildError(t *testing.T) {
	boom := errors.New("no data")
	p := newPipeline(t, stateful{err: boom})
	_, err := p.Build(context.Background(), request())
	assert.ErrorIs(t, err, boom)
}

type failing struct{ panics bool }

func (failing) Name() string { return "failing" }

func (f failing) BuildVertices(ex *jobs.Executor, _ *modifier.BuildContext, _ *buildbuf.Buffer, prev *jobs.Handle) *jobs.Handle {
	return ex.Schedule(func() error {
		if f.panics {
			panic("bad index")
		}
		return errors.New("sampler closed")
	}, prev)
}

func TestModifierFailureFailsBuild(t *testing.T) {
	for _, panics := range []bool{false, true} {
		p := newPipeline(t, failing{panics: panics})
		_, err := p.Build(context.Background(), request())
		require.Error(t, err, "panics=%v", panics)
		assert.Contains(t, err.Error(), "vertex phase")
	}
}

// stageBody panics while wiring its height stage, after earlier stages scheduled jobs.
type stageBody struct{}

func (stageBody) Name() string { return "stage-body" }

func (stageBody) BuildHeights(*jobs.Executor, *modifier.BuildContext, *buildbuf.Buffer, *jobs.Handle) *jobs.Handle {
	panic("lost handle")
}

type badSample struct{}

func (badSample) Name() string { return "bad-sample" }

func (badSample) OnVertexBuildHeight(_ *modifier.BuildContext, v *modifier.VertexData) {
	if v.Index > 3 {
		panic("bad sample")
	}
}

func (badSample) OnVertexBuild(*modifier.BuildContext, *modifier.VertexData) {}

func TestSynchronousPanicsFailBuild(t *testing.T) {
	t.Run("pre-build", func(t *testing.T) {
		p := newPipeline(t, stateful{skip: func(bc *modifier.BuildContext) bool {
			var seen map[int]bool
			seen[bc.Depth] = true
			return false
		}})
		res, err := p.Build(context.Background(), request())
		assert.Nil(t, res)
		require.ErrorIs(t, err, jobs.ErrPanic)
		assert.Contains(t, err.Error(), "nil map")
	})

	t.Run("stage body", func(t *testing.T) {
		p := newPipeline(t, addHeight(1), stageBody{})
		res, err := p.Build(context.Background(), request())
		assert.Nil(t, res)
		require.ErrorIs(t, err, jobs.ErrPanic)
		assert.Contains(t, err.Error(), "height phase")
		assert.Contains(t, err.Error(), "lost handle")
	})

	t.Run("legacy", func(t *testing.T) {
		p := newPipeline(t, badSample{})
		res, err := p.BuildLegacy(context.Background(), request())
		assert.Nil(t, res)
		require.ErrorIs(t, err, jobs.ErrPanic)
		assert.Contains(t, err.Error(), "bad sample")
	})
}

type truncate struct{}

func (truncate) Name() string { return "truncate" }

func (truncate) BuildHeights(ex *jobs.Executor, _ *modifier.BuildContext, buf *buildbuf.Buffer, prev *jobs.Handle) *jobs.Handle {
	return ex.Schedule(func() error {
		buf.Height = buf.Height[:len(buf.Height)-1]
		return nil
	}, prev)
}

func TestSizeMismatchFailsBuild(t *testing.T) {
	p := newPipeline(t, truncate{})
	_, err := p.Build(context.Background(), request())
	assert.ErrorIs(t, err, buildbuf.ErrSizeMismatch)
}

type ridge struct{ safe bool }

func (ridge) Name() string { return "ridge" }

func (r ridge) ConcurrentSafe() bool { return r.safe }

func (ridge) OnVertexBuildHeight(_ *modifier.BuildContext, v *modifier.VertexData) {
	v.Height += 3 * math.Sin(9*v.Direction[0]) * math.Cos(4*v.Direction[1])
}

func (ridge) OnVertexBuild(_ *modifier.BuildContext, v *modifier.VertexData) {
	v.Color[0] = float32(v.Latitude)
	v.AllowScatter = v.Height > 100
}

func TestLegacyPathMatchesShim(t *testing.T) {
	shimmed := newPipeline(t, ridge{safe: true})
	legacy := newPipeline(t, ridge{safe: false})

	a, err := shimmed.Build(context.Background(), request())
	require.NoError(t, err)
	b, err := legacy.BuildLegacy(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, a.Mesh.Vertices, b.Mesh.Vertices)
	assert.Equal(t, a.Mesh.Normals, b.Mesh.Normals)
	assert.Equal(t, a.Mesh.Colors, b.Mesh.Colors)
	assert.Equal(t, a.Mesh.Scatter, b.Mesh.Scatter)
	assert.Contains(t, a.Mesh.Scatter, true)
	assert.Contains(t, a.Mesh.Scatter, false)
}

func TestSurfaceRelativeVertices(t *testing.T) {
	p := newPipeline(t)
	req := request()
	req.Context.SurfaceRelative = true
	req.Context.Origin = mgl64.Vec3{0, 0, 100}

	res, err := p.Build(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Mesh.SurfaceRelative)
	assert.Equal(t, [3]float64{0, 0, 100}, res.Mesh.Origin)

	g := p.Grid()
	center := res.Mesh.Vertices[g.Index(side/2, side/2)]
	assert.InDelta(t, 0, center.Len(), 1e-4)
	for _, v := range res.Mesh.Vertices {
		assert.LessOrEqual(t, v[2], float32(1e-4))
	}
}

func TestAssembledMesh(t *testing.T) {
	p := newPipeline(t)
	req := request()
	req.Context.UVMin = mgl64.Vec2{0.5, 0.25}
	req.Context.UVMax = mgl64.Vec2{0.75, 0.5}

	res, err := p.Build(context.Background(), req)
	require.NoError(t, err)
	m := res.Mesh
	g := p.Grid()

	require.Len(t, m.Vertices, g.Count())
	assert.Equal(t, terrain.NewIndexCache(side).Indices(0), m.Indices)
	assert.InDelta(t, 0.5, m.UV[0][g.Index(0, 0)][0], 1e-6)
	assert.InDelta(t, 0.5, m.UV[0][g.Index(side-1, side-1)][1], 1e-6)
	assert.InDelta(t, 1, m.UV[1][g.Index(side-1, 0)][0], 1e-6)

	for i, v := range m.Vertices {
		for a := 0; a < 3; a++ {
			assert.GreaterOrEqual(t, v[a], m.Bounds.Min[a])
			assert.LessOrEqual(t, v[a], m.Bounds.Max[a])
		}
		// A smooth sphere has outward normals.
		assert.Greater(t, m.Normals[i].Dot(v.Normalize()), float32(0.99), "vertex %d", i)
		assert.InDelta(t, 1, m.Tangents[i].Vec3().Len(), 1e-4)
	}

	for _, e := range terrain.Edges {
		require.Len(t, res.EdgeSums[e], side)
		for j, sum := range res.EdgeSums[e] {
			i := g.EdgeIndex(e, j)
			want := terrain.Normalize(sum, mgl64.Vec3{})
			assert.InDelta(t, 0, want.Sub(m.Normals[i]).Len(), 1e-6)
		}
	}
}

type tagMesh struct{}

func (tagMesh) Name() string { return "tag" }

func (tagMesh) OnBuildComplete(ex *jobs.Executor, _ *modifier.BuildContext, _ *buildbuf.Buffer, mesh *terrain.Mesh, prev *jobs.Handle) *jobs.Handle {
	return ex.Schedule(func() error {
		mesh.Scatter[0] = false
		return nil
	}, prev)
}

func TestCompletePhaseSeesMesh(t *testing.T) {
	p := newPipeline(t, tagMesh{})
	res, err := p.Build(context.Background(), request())
	require.NoError(t, err)
	assert.False(t, res.Mesh.Scatter[0])
	assert.True(t, res.Mesh.Scatter[1])
}

func TestCancelledBeforeStart(t *testing.T) {
	p := newPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Build(ctx, request())
	assert.ErrorIs(t, err, context.Canceled)
	_, err = p.BuildLegacy(ctx, request())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentBuilds(t *testing.T) {
	p := newPipeline(t, addHeight(1), ridge{safe: true})
	var wg sync.WaitGroup
	results := make([]*Result, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Build(context.Background(), request())
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()
	for _, r := range results[1:] {
		require.NotNil(t, r)
		assert.Equal(t, results[0].Mesh.Vertices, r.Mesh.Vertices)
	}
}
