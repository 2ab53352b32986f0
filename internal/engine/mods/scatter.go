package mods

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/Faultbox/quadsphere/internal/engine/buildbuf"
	"github.com/Faultbox/quadsphere/internal/engine/jobs"
	"github.com/Faultbox/quadsphere/internal/engine/modifier"
	"github.com/Faultbox/quadsphere/internal/engine/terrain"
)

// ScatterMask clears the scatter flag on steep or low ground once the mesh is
// assembled and normals are known.
type ScatterMask struct {
	// MaxSlope is the steepest allowed angle between normal and up, in radians.
	MaxSlope float64
	// MinAltitude is the lowest altitude above the radius that allows scatter.
	MinAltitude float64
}

// Name returns the registry name.
func (s *ScatterMask) Name() string { return "scatter" }

// OnBuildComplete clears scatter on low or steep vertices of the assembled mesh.
func (s *ScatterMask) OnBuildComplete(ex *jobs.Executor, bc *modifier.BuildContext, buf *buildbuf.Buffer, mesh *terrain.Mesh, prev *jobs.Handle) *jobs.Handle {
	minDot := float32(math.Cos(s.MaxSlope))
	radius := bc.Radius
	return scheduleChunks(ex, buf, prev, func(start, end int) {
		for i := start; i < end; i++ {
			d := buf.Direction[i]
			up := mgl32.Vec3{float32(d[0]), float32(d[1]), float32(d[2])}
			ok := mesh.Scatter[i] && buf.Height[i]-radius >= s.MinAltitude
			if s.MaxSlope > 0 && mesh.Normals[i].Dot(up) < minDot {
				ok = false
			}
			mesh.Scatter[i] = ok
		}
	})
}

// OnVertexBuildHeight is a no-op.
func (s *ScatterMask) OnVertexBuildHeight(*modifier.BuildContext, *modifier.VertexData) {}

// OnVertexBuild applies the altitude rule only; the legacy path has no normals yet.
func (s *ScatterMask) OnVertexBuild(bc *modifier.BuildContext, v *modifier.VertexData) {
	if v.Height-bc.Radius < s.MinAltitude {
		v.AllowScatter = false
	}
}
