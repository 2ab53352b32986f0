package terrain

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Patch is the geometric footprint of a quad on its cube face. Face-plane points are
// FaceCenter + Right*u + Up*v with u, v in [-1, 1]; the quad covers
// [Center-Half, Center+Half] on both axes. Right x Up points out of the face.
type Patch struct {
	FaceCenter mgl64.Vec3
	Right      mgl64.Vec3
	Up         mgl64.Vec3
	Center     mgl64.Vec2
	Half       float64
}

// CubePoint returns the cube-space point at grid fractions (fx, fy) in [0, 1].
func (p Patch) CubePoint(fx, fy float64) mgl64.Vec3 {
	u := p.Center[0] + p.Half*(2*fx-1)
	v := p.Center[1] + p.Half*(2*fy-1)
	return p.FaceCenter.Add(p.Right.Mul(u)).Add(p.Up.Mul(v))
}

// Direction returns the unit direction from the planet center through grid vertex (x, y).
func (p Patch) Direction(g Grid, x, y int) mgl64.Vec3 {
	n := float64(g.Segments())
	return p.CubePoint(float64(x)/n, float64(y)/n).Normalize()
}

// CenterDirection returns the unit direction through the middle of the patch.
func (p Patch) CenterDirection() mgl64.Vec3 {
	return p.CubePoint(0.5, 0.5).Normalize()
}

// LatLon returns latitude and longitude in radians for a unit direction; +Y is north.
func LatLon(dir mgl64.Vec3) (lat, lon float64) {
	y := dir[1]
	if y > 1 {
		y = 1
	} else if y < -1 {
		y = -1
	}
	return math.Asin(y), math.Atan2(dir[2], dir[0])
}
