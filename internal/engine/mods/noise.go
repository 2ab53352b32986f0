package mods

import (
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/Faultbox/quadsphere/internal/engine/buildbuf"
	"github.com/Faultbox/quadsphere/internal/engine/jobs"
	"github.com/Faultbox/quadsphere/internal/engine/modifier"
)

// Noise adds fractal value noise sampled at the vertex direction, so the result is
// seamless across cube faces and independent of quad depth.
type Noise struct {
	Seed        int64
	Octaves     int
	Frequency   float64
	Persistence float64
	Lacunarity  float64
	Amplitude   float64

	once   sync.Once
	layers []octave
}

type octave struct {
	frequency float64
	weight    float64
	seed      int64
}

// Name returns the registry name.
func (n *Noise) Name() string { return "noise" }

func (n *Noise) active() bool {
	return n.Amplitude != 0 && n.Octaves > 0
}

// table returns the normalized octave layers.
func (n *Noise) table() []octave {
	n.once.Do(func() {
		persistence, lacunarity := n.Persistence, n.Lacunarity
		if persistence <= 0 {
			persistence = 0.5
		}
		if lacunarity <= 0 {
			lacunarity = 2
		}
		frequency := n.Frequency
		if frequency == 0 {
			frequency = 1
		}
		amplitude, norm := 1.0, 0.0
		layers := make([]octave, n.Octaves)
		for i := range layers {
			layers[i] = octave{frequency: frequency, weight: amplitude, seed: n.Seed + int64(i*131)}
			norm += amplitude
			amplitude *= persistence
			frequency *= lacunarity
		}
		for i := range layers {
			layers[i].weight /= norm
		}
		n.layers = layers
	})
	return n.layers
}

// height maps octave noise in [0, 1] to [-Amplitude, Amplitude].
func (n *Noise) height(layers []octave, dir mgl64.Vec3) float64 {
	var v float64
	for _, o := range layers {
		p := dir.Mul(o.frequency)
		v += valueNoise3D(p[0], p[1], p[2], o.seed) * o.weight
	}
	return (2*v - 1) * n.Amplitude
}

// noiseBuild is the per-build state of Noise.
type noiseBuild struct {
	n      *Noise
	layers []octave
}

// OnPreBuild returns no state when the noise has nothing to add.
func (n *Noise) OnPreBuild(*modifier.BuildContext) (any, error) {
	if !n.active() {
		return nil, nil
	}
	return &noiseBuild{n: n, layers: n.table()}, nil
}

// BuildHeights adds the octave sum to every vertex after prev.
func (b *noiseBuild) BuildHeights(ex *jobs.Executor, _ *modifier.BuildContext, buf *buildbuf.Buffer, prev *jobs.Handle) *jobs.Handle {
	return scheduleChunks(ex, buf, prev, func(start, end int) {
		for i := start; i < end; i++ {
			buf.Height[i] += b.n.height(b.layers, buf.Direction[i])
		}
	})
}

// OnVertexBuildHeight adds the octave sum at one vertex.
func (n *Noise) OnVertexBuildHeight(_ *modifier.BuildContext, v *modifier.VertexData) {
	if !n.active() {
		return
	}
	v.Height += n.height(n.table(), v.Direction)
}

// OnVertexBuild is a no-op.
func (n *Noise) OnVertexBuild(*modifier.BuildContext, *modifier.VertexData) {}

func fade(t float64) float64 {
	return t * t * t * (t*(t*6-15) + 10)
}

func lerp(a, b, t float64) float64 {
	return a + t*(b-a)
}

// hash3 is a SplitMix64 style lattice hash, stable for equal inputs.
func hash3(x, y, z, seed int64) uint64 {
	v := uint64(x)*0x9E3779B97F4A7C15 + uint64(y)*0x517CC1B727220A95 + uint64(z)*0x6C62272E07BB0142 + uint64(seed)
	v += 0x9E3779B97F4A7C15
	v = (v ^ (v >> 30)) * 0xBF58476D1CE4E5B9
	v = (v ^ (v >> 27)) * 0x94D049BB133111EB
	return v ^ (v >> 31)
}

func lattice(x, y, z, seed int64) float64 {
	return float64(hash3(x, y, z, seed)&0xFFFFFFFF) / float64(0xFFFFFFFF)
}

func valueNoise3D(x, y, z float64, seed int64) float64 {
	x0, y0, z0 := math.Floor(x), math.Floor(y), math.Floor(z)
	fx, fy, fz := fade(x-x0), fade(y-y0), fade(z-z0)
	ix, iy, iz := int64(x0), int64(y0), int64(z0)

	i00 := lerp(lattice(ix, iy, iz, seed), lattice(ix+1, iy, iz, seed), fx)
	i10 := lerp(lattice(ix, iy+1, iz, seed), lattice(ix+1, iy+1, iz, seed), fx)
	i01 := lerp(lattice(ix, iy, iz+1, seed), lattice(ix+1, iy, iz+1, seed), fx)
	i11 := lerp(lattice(ix, iy+1, iz+1, seed), lattice(ix+1, iy+1, iz+1, seed), fx)

	return lerp(lerp(i00, i10, fy), lerp(i01, i11, fy), fz)
}
