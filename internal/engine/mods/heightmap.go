package mods

import (
	"github.com/Faultbox/quadsphere/internal/engine/buildbuf"
	"github.com/Faultbox/quadsphere/internal/engine/jobs"
	"github.com/Faultbox/quadsphere/internal/engine/modifier"
	"github.com/Faultbox/quadsphere/pkg/mapsampler"
)

// HeightMap displaces the surface by an equirectangular height map. The sampled value
// in [0, 1] is scaled by Scale and added to the current height.
type HeightMap struct {
	Map   *mapsampler.Map
	Scale float64
	// Offset shifts the sampled value before scaling; -0.5 centers the map on the radius.
	Offset float64
}

// Name returns the registry name.
func (h *HeightMap) Name() string { return "heightmap" }

func (h *HeightMap) sample(lat, lon float64) float64 {
	return (float64(h.Map.SampleLatLon(lat, lon).Value()) + h.Offset) * h.Scale
}

// BuildHeights adds map heights after prev; other height stages write the same array.
func (h *HeightMap) BuildHeights(ex *jobs.Executor, _ *modifier.BuildContext, buf *buildbuf.Buffer, prev *jobs.Handle) *jobs.Handle {
	if h.Map == nil || h.Scale == 0 {
		return nil
	}
	return scheduleChunks(ex, buf, prev, func(start, end int) {
		for i := start; i < end; i++ {
			buf.Height[i] += h.sample(buf.Latitude[i], buf.Longitude[i])
		}
	})
}

// OnVertexBuildHeight is the per-vertex form of BuildHeights for the legacy path.
func (h *HeightMap) OnVertexBuildHeight(_ *modifier.BuildContext, v *modifier.VertexData) {
	if h.Map == nil {
		return
	}
	v.Height += h.sample(v.Latitude, v.Longitude)
}

// OnVertexBuild does nothing; the map only affects heights.
func (h *HeightMap) OnVertexBuild(*modifier.BuildContext, *modifier.VertexData) {}

// ConcurrentSafe reports true; sampling only reads the map.
func (h *HeightMap) ConcurrentSafe() bool { return true }
