package terrain

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
)

// AccumulateFaceNormals adds the area-weighted normal of every triangle to its three
// vertices. The result is not normalized so contributions from neighboring quads can
// be summed before normalizing.
func AccumulateFaceNormals(vertices []mgl64.Vec3, indices []uint32, sums []mgl64.Vec3) {
	clear(sums)
	for t := 0; t+2 < len(indices); t += 3 {
		a, b, c := indices[t], indices[t+1], indices[t+2]
		edge1 := vertices[b].Sub(vertices[a])
		edge2 := vertices[c].Sub(vertices[a])
		n := edge1.Cross(edge2)
		sums[a] = sums[a].Add(n)
		sums[b] = sums[b].Add(n)
		sums[c] = sums[c].Add(n)
	}
}

// Normalize returns v scaled to unit length, or fallback if v is degenerate.
func Normalize(v mgl64.Vec3, fallback mgl64.Vec3) mgl32.Vec3 {
	l := v.Len()
	if l < 1e-12 || math.IsNaN(l) || math.IsInf(l, 0) {
		return ToVec32(fallback.Normalize())
	}
	return ToVec32(v.Mul(1 / l))
}

// ToVec32 narrows a double precision vector.
func ToVec32(v mgl64.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{float32(v[0]), float32(v[1]), float32(v[2])}
}

// UpdateBounds grows b to contain p.
func UpdateBounds(b *Bounds, p mgl32.Vec3) {
	for i := 0; i < 3; i++ {
		if p[i] < b.Min[i] {
			b.Min[i] = p[i]
		}
		if p[i] > b.Max[i] {
			b.Max[i] = p[i]
		}
	}
}

// Tangent returns a unit tangent along the grid x axis for vertex (x, y), using
// central differences inside the grid and one-sided differences on its border.
func Tangent(g Grid, vertices []mgl64.Vec3, x, y int) mgl32.Vec4 {
	x0, x1 := x-1, x+1
	if x0 < 0 {
		x0 = 0
	}
	if x1 >= g.Side {
		x1 = g.Side - 1
	}
	d := vertices[g.Index(x1, y)].Sub(vertices[g.Index(x0, y)])
	t := Normalize(d, mgl64.Vec3{1, 0, 0})
	return mgl32.Vec4{t[0], t[1], t[2], 1}
}
