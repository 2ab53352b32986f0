// Package pipeline builds quad meshes by running registered terrain modifiers over a
// vertex build buffer in three ordered phases: heights, vertices, completion.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"github.com/Faultbox/quadsphere/internal/engine/buildbuf"
	"github.com/Faultbox/quadsphere/internal/engine/jobs"
	"github.com/Faultbox/quadsphere/internal/engine/metrics"
	"github.com/Faultbox/quadsphere/internal/engine/modifier"
	"github.com/Faultbox/quadsphere/internal/engine/terrain"
	"github.com/Faultbox/quadsphere/internal/logger"
)

// Request describes one quad build.
type Request struct {
	Context modifier.BuildContext
	Patch   terrain.Patch
}

// Result is the output of a build.
type Result struct {
	Mesh *terrain.Mesh
	// EdgeSums holds the unnormalized per-vertex normal sums along each edge,
	// counter-clockwise, contributed by this quad's own triangles.
	EdgeSums [4][]mgl64.Vec3
}

// Pipeline runs builds for one sphere. It is safe for concurrent use; every build
// owns its buffer exclusively.
type Pipeline struct {
	exec    *jobs.Executor
	batched []modifier.Modifier
	legacy  []modifier.Legacy
	grid    terrain.Grid
	indices *terrain.IndexCache
	pool    *buildbuf.Pool
	log     *zap.Logger
}

// New creates a pipeline for quads with side vertices per edge.
func New(exec *jobs.Executor, plan modifier.Plan, indices *terrain.IndexCache, log *zap.Logger) *Pipeline {
	g := indices.Grid()
	return &Pipeline{
		exec:    exec,
		batched: plan.Batched(),
		legacy:  plan.Legacy(),
		grid:    g,
		indices: indices,
		pool:    buildbuf.NewPool(g.Count()),
		log:     logger.OrNop(log),
	}
}

// Grid returns the quad grid the pipeline builds.
func (p *Pipeline) Grid() terrain.Grid {
	return p.grid
}

// Build runs the batched pipeline. Phase order is a hard barrier: every height job
// finishes before any vertex job starts, and every vertex job finishes before mesh
// assembly. A build is never cancelled once started.
func (p *Pipeline) Build(ctx context.Context, req *Request) (res *Result, err error) {
	start := time.Now()
	defer func() { metrics.InstrumentBuild(metrics.PathBatched, time.Since(start), err) }()
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("batched build: %w", jobs.PanicError(r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bc := &req.Context

	buf, err := p.pool.Get()
	if err != nil {
		return nil, err
	}
	defer p.pool.Put(buf)

	p.seed(req, buf)

	states := make([]any, 0, len(p.batched))
	for _, m := range p.batched {
		st, err := modifier.StateFor(m, bc)
		if err != nil {
			return nil, fmt.Errorf("%s: pre-build: %w", m.Name(), err)
		}
		if st != nil {
			states = append(states, st)
		}
	}

	err = p.phase(states, func(st any, prev *jobs.Handle) (*jobs.Handle, bool) {
		hs, ok := st.(modifier.HeightStage)
		if !ok {
			return nil, false
		}
		return hs.BuildHeights(p.exec, bc, buf, prev), true
	})
	if err != nil {
		return nil, fmt.Errorf("height phase: %w", err)
	}
	if err := buf.Validate(); err != nil {
		return nil, err
	}

	computeVertices(buf)

	err = p.phase(states, func(st any, prev *jobs.Handle) (*jobs.Handle, bool) {
		vs, ok := st.(modifier.VertexStage)
		if !ok {
			return nil, false
		}
		return vs.BuildVertices(p.exec, bc, buf, prev), true
	})
	if err != nil {
		return nil, fmt.Errorf("vertex phase: %w", err)
	}
	if err := buf.Validate(); err != nil {
		return nil, err
	}

	res = p.assemble(bc, buf)

	err = p.phase(states, func(st any, prev *jobs.Handle) (*jobs.Handle, bool) {
		cs, ok := st.(modifier.CompleteStage)
		if !ok {
			return nil, false
		}
		return cs.OnBuildComplete(p.exec, bc, buf, res.Mesh, prev), true
	})
	if err != nil {
		return nil, fmt.Errorf("complete phase: %w", err)
	}
	return res, nil
}

// BuildLegacy is the unbatched fallback path: every modifier is called synchronously,
// one vertex at a time, on the caller's goroutine.
func (p *Pipeline) BuildLegacy(ctx context.Context, req *Request) (res *Result, err error) {
	start := time.Now()
	defer func() { metrics.InstrumentBuild(metrics.PathLegacy, time.Since(start), err) }()
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("legacy build: %w", jobs.PanicError(r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bc := &req.Context

	buf, err := p.pool.Get()
	if err != nil {
		return nil, err
	}
	defer p.pool.Put(buf)

	p.seed(req, buf)

	var v modifier.VertexData
	for i := 0; i < buf.Len(); i++ {
		v.Load(buf, i)
		for _, m := range p.legacy {
			m.OnVertexBuildHeight(bc, &v)
		}
		v.Store(buf)
	}
	if err := buf.Validate(); err != nil {
		return nil, err
	}
	computeVertices(buf)

	for i := 0; i < buf.Len(); i++ {
		v.Load(buf, i)
		for _, m := range p.legacy {
			m.OnVertexBuild(bc, &v)
		}
		v.Store(buf)
	}
	if err := buf.Validate(); err != nil {
		return nil, err
	}

	return p.assemble(bc, buf), nil
}

// phase calls each state in registration order, chaining the previous non-nil handle,
// and waits for all of them.
func (p *Pipeline) phase(states []any, call func(st any, prev *jobs.Handle) (*jobs.Handle, bool)) error {
	var prev *jobs.Handle
	var all []*jobs.Handle
	for _, st := range states {
		var (
			h  *jobs.Handle
			ok bool
		)
		err := jobs.Guard(func() error {
			h, ok = call(st, prev)
			return nil
		})
		if err != nil {
			// Jobs scheduled so far still write the buffer.
			_ = jobs.Combine(all...).Wait(context.Background())
			return err
		}
		if !ok || h == nil {
			continue
		}
		prev = h
		all = append(all, h)
	}
	// No mid-build cancellation: the buffer is reused only after every job returned.
	return jobs.Combine(all...).Wait(context.Background())
}

// seed fills directions, lat/lon, UVs and default attributes from the request geometry.
func (p *Pipeline) seed(req *Request, buf *buildbuf.Buffer) {
	bc := &req.Context
	n := float64(p.grid.Segments())
	for y := 0; y < p.grid.Side; y++ {
		fy := float64(y) / n
		for x := 0; x < p.grid.Side; x++ {
			fx := float64(x) / n
			i := p.grid.Index(x, y)
			dir := req.Patch.CubePoint(fx, fy).Normalize()
			lat, lon := terrain.LatLon(dir)

			buf.Direction[i] = dir
			buf.Height[i] = bc.Radius
			buf.Color[i] = mgl32.Vec4{1, 1, 1, 1}
			buf.Latitude[i] = lat
			buf.Longitude[i] = lon
			buf.AllowScatter[i] = true

			u := bc.UVMin[0] + (bc.UVMax[0]-bc.UVMin[0])*fx
			v := bc.UVMin[1] + (bc.UVMax[1]-bc.UVMin[1])*fy
			buf.UV[0][i] = mgl32.Vec2{float32(u), float32(v)}
			buf.UV[1][i] = mgl32.Vec2{float32(fx), float32(fy)}
		}
	}
}

func computeVertices(buf *buildbuf.Buffer) {
	for i := 0; i < buf.Len(); i++ {
		buf.Vertex[i] = buf.Direction[i].Mul(buf.Height[i])
	}
}

// assemble converts the buffer into the single precision mesh and edge sums.
func (p *Pipeline) assemble(bc *modifier.BuildContext, buf *buildbuf.Buffer) *Result {
	n := buf.Len()
	mesh := &terrain.Mesh{
		Vertices:        make([]mgl32.Vec3, n),
		Normals:         make([]mgl32.Vec3, n),
		Tangents:        make([]mgl32.Vec4, n),
		Colors:          make([]mgl32.Vec4, n),
		Scatter:         make([]bool, n),
		Indices:         p.indices.Indices(0),
		SurfaceRelative: bc.SurfaceRelative,
		MinHeight:       math.Inf(1),
		MaxHeight:       math.Inf(-1),
		Bounds:          terrain.EmptyBounds(),
	}
	for s := range mesh.UV {
		mesh.UV[s] = make([]mgl32.Vec2, n)
		copy(mesh.UV[s], buf.UV[s])
	}
	copy(mesh.Colors, buf.Color)
	copy(mesh.Scatter, buf.AllowScatter)

	var origin mgl64.Vec3
	if bc.SurfaceRelative {
		origin = bc.Origin
		mesh.Origin = [3]float64{origin[0], origin[1], origin[2]}
	}

	for i := 0; i < n; i++ {
		h := buf.Height[i]
		if h < mesh.MinHeight {
			mesh.MinHeight = h
		}
		if h > mesh.MaxHeight {
			mesh.MaxHeight = h
		}
		v := terrain.ToVec32(buf.Vertex[i].Sub(origin))
		mesh.Vertices[i] = v
		terrain.UpdateBounds(&mesh.Bounds, v)
	}

	sums := make([]mgl64.Vec3, n)
	if bc.CustomNormals {
		for i, nrm := range buf.Normal {
			sums[i] = mgl64.Vec3{float64(nrm[0]), float64(nrm[1]), float64(nrm[2])}
		}
	} else {
		terrain.AccumulateFaceNormals(buf.Vertex, p.indices.Indices(0), sums)
	}
	for i := 0; i < n; i++ {
		mesh.Normals[i] = terrain.Normalize(sums[i], buf.Direction[i])
		buf.Normal[i] = mesh.Normals[i]
	}

	for y := 0; y < p.grid.Side; y++ {
		for x := 0; x < p.grid.Side; x++ {
			i := p.grid.Index(x, y)
			mesh.Tangents[i] = terrain.Tangent(p.grid, buf.Vertex, x, y)
			buf.Tangent[i] = mesh.Tangents[i]
		}
	}

	res := &Result{Mesh: mesh}
	for _, e := range terrain.Edges {
		edge := make([]mgl64.Vec3, p.grid.Side)
		for j := range edge {
			edge[j] = sums[p.grid.EdgeIndex(e, j)]
		}
		res.EdgeSums[e] = edge
	}
	return res
}
