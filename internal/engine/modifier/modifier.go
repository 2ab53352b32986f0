// Package modifier defines the contract terrain modifiers implement to take part in
// quad builds, and the registry that classifies host modifier objects.
//
// A batched modifier works on a whole buildbuf.Buffer per phase. Each phase method
// receives the handle of the previous modifier's work in the same phase and returns
// its own handle. A modifier that writes arrays other modifiers also write must
// schedule its job after prev; one that touches disjoint arrays may ignore prev and
// run concurrently. Returning nil means there is nothing to wait for.
package modifier

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"

	"github.com/Faultbox/quadsphere/internal/engine/buildbuf"
	"github.com/Faultbox/quadsphere/internal/engine/jobs"
	"github.com/Faultbox/quadsphere/internal/engine/terrain"
)

// BuildContext describes the quad being built. It is created per build and threaded
// through every callback; modifiers must not retain it after the build.
type BuildContext struct {
	QuadID     int
	Depth      int
	Corner     int
	SideLength int

	Radius    float64
	MinRadius float64
	MaxRadius float64

	// Origin is the quad's reference point relative to the planet center.
	Origin mgl64.Vec3
	// UVMin and UVMax bound the quad's rectangle in its root face UV space.
	UVMin mgl64.Vec2
	UVMax mgl64.Vec2

	SurfaceRelative bool
	CustomNormals   bool
}

// VertexCount returns the number of vertices in the quad.
func (bc *BuildContext) VertexCount() int {
	return bc.SideLength * bc.SideLength
}

// Modifier is implemented by every terrain modifier.
type Modifier interface {
	Name() string
}

// PreBuilder is implemented by stateful modifiers. OnPreBuild returns the per-build
// state that receives the phase calls; a nil state skips the modifier for this build.
type PreBuilder interface {
	OnPreBuild(bc *BuildContext) (any, error)
}

// HeightStage contributes to the height phase.
type HeightStage interface {
	BuildHeights(ex *jobs.Executor, bc *BuildContext, buf *buildbuf.Buffer, prev *jobs.Handle) *jobs.Handle
}

// VertexStage contributes to the vertex phase. Heights and world vertices are final.
type VertexStage interface {
	BuildVertices(ex *jobs.Executor, bc *BuildContext, buf *buildbuf.Buffer, prev *jobs.Handle) *jobs.Handle
}

// CompleteStage runs after mesh assembly.
type CompleteStage interface {
	OnBuildComplete(ex *jobs.Executor, bc *BuildContext, buf *buildbuf.Buffer, mesh *terrain.Mesh, prev *jobs.Handle) *jobs.Handle
}

// VertexData is the single-vertex context of the legacy build path.
type VertexData struct {
	Index        int
	Direction    mgl64.Vec3
	Height       float64
	Color        mgl32.Vec4
	UV           [buildbuf.UVSets]mgl32.Vec2
	Latitude     float64
	Longitude    float64
	AllowScatter bool
}

// Legacy is the unbatched, one-vertex-at-a-time modifier form.
type Legacy interface {
	Name() string
	OnVertexBuildHeight(bc *BuildContext, v *VertexData)
	OnVertexBuild(bc *BuildContext, v *VertexData)
}

// ConcurrentSafe is implemented by legacy modifiers whose vertex callbacks keep no
// shared scratch state; they can be wrapped for the batched pipeline.
type ConcurrentSafe interface {
	ConcurrentSafe() bool
}

// Load copies vertex i of buf into v.
func (v *VertexData) Load(buf *buildbuf.Buffer, i int) {
	v.Index = i
	v.Direction = buf.Direction[i]
	v.Height = buf.Height[i]
	v.Color = buf.Color[i]
	for s := range v.UV {
		v.UV[s] = buf.UV[s][i]
	}
	v.Latitude = buf.Latitude[i]
	v.Longitude = buf.Longitude[i]
	v.AllowScatter = buf.AllowScatter[i]
}

// Store writes v back into vertex v.Index of buf. Direction and lat/lon are read-only.
func (v *VertexData) Store(buf *buildbuf.Buffer) {
	i := v.Index
	buf.Height[i] = v.Height
	buf.Color[i] = v.Color
	for s := range v.UV {
		buf.UV[s][i] = v.UV[s]
	}
	buf.AllowScatter[i] = v.AllowScatter
}
