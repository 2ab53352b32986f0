package mods

import (
	"sort"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/Faultbox/quadsphere/internal/engine/buildbuf"
	"github.com/Faultbox/quadsphere/internal/engine/jobs"
	"github.com/Faultbox/quadsphere/internal/engine/modifier"
)

// Stop is one color of a ramp at an altitude above the sphere radius.
type Stop struct {
	Altitude float64
	Color    mgl32.Vec4
}

// ColorRamp tints vertices by altitude. It only writes colors, so its vertex job runs
// alongside the other vertex stages instead of after them.
type ColorRamp struct {
	stops []Stop
}

// NewColorRamp creates a ramp; stops are sorted by altitude.
func NewColorRamp(stops ...Stop) *ColorRamp {
	s := append([]Stop(nil), stops...)
	sort.Slice(s, func(i, j int) bool { return s[i].Altitude < s[j].Altitude })
	return &ColorRamp{stops: s}
}

// Name returns the registry name.
func (r *ColorRamp) Name() string { return "colorramp" }

// At returns the ramp color at altitude, clamped to the end stops.
func (r *ColorRamp) At(altitude float64) mgl32.Vec4 {
	if len(r.stops) == 0 {
		return mgl32.Vec4{1, 1, 1, 1}
	}
	i := sort.Search(len(r.stops), func(i int) bool { return r.stops[i].Altitude > altitude })
	if i == 0 {
		return r.stops[0].Color
	}
	if i == len(r.stops) {
		return r.stops[i-1].Color
	}
	lo, hi := r.stops[i-1], r.stops[i]
	t := float32((altitude - lo.Altitude) / (hi.Altitude - lo.Altitude))
	return lo.Color.Add(hi.Color.Sub(lo.Color).Mul(t))
}

// BuildVertices colors every vertex by altitude. Colors are written by no other
// stage, so the job does not wait for prev.
func (r *ColorRamp) BuildVertices(ex *jobs.Executor, bc *modifier.BuildContext, buf *buildbuf.Buffer, _ *jobs.Handle) *jobs.Handle {
	radius := bc.Radius
	return scheduleChunks(ex, buf, nil, func(start, end int) {
		for i := start; i < end; i++ {
			buf.Color[i] = r.At(buf.Height[i] - radius)
		}
	})
}

// OnVertexBuildHeight is a no-op.
func (r *ColorRamp) OnVertexBuildHeight(*modifier.BuildContext, *modifier.VertexData) {}

// OnVertexBuild colors one vertex.
func (r *ColorRamp) OnVertexBuild(bc *modifier.BuildContext, v *modifier.VertexData) {
	v.Color = r.At(v.Height - bc.Radius)
}
