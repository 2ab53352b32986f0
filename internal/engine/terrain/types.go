// Package terrain provides the quad mesh handoff type, grid addressing and normal utilities.
package terrain

import "github.com/go-gl/mathgl/mgl32"

// Edge names one side of a quad. Values run counter-clockwise around the quad
// interior, starting at the south edge.
type Edge int

const (
	South Edge = iota
	East
	North
	West
)

// Edges lists all four edges in counter-clockwise order.
var Edges = [4]Edge{South, East, North, West}

func (e Edge) String() string {
	switch e {
	case South:
		return "south"
	case East:
		return "east"
	case North:
		return "north"
	case West:
		return "west"
	}
	return "invalid"
}

// Next returns the edge that follows e counter-clockwise.
func (e Edge) Next() Edge {
	return (e + 1) & 3
}

// Prev returns the edge that precedes e counter-clockwise.
func (e Edge) Prev() Edge {
	return (e + 3) & 3
}

// Opposite returns the edge across the quad.
func (e Edge) Opposite() Edge {
	return (e + 2) & 3
}

// Mesh holds the finished quad geometry handed to the host.
type Mesh struct {
	Vertices []mgl32.Vec3
	Normals  []mgl32.Vec3
	Tangents []mgl32.Vec4
	Colors   []mgl32.Vec4
	UV       [4][]mgl32.Vec2
	Indices  []uint32
	// Scatter marks vertices where detail objects may be placed.
	Scatter []bool

	// EdgeState selects the stitched index buffer in Indices.
	EdgeState uint8

	// Vertices are relative to Origin when SurfaceRelative is set.
	SurfaceRelative bool
	Origin          [3]float64

	MinHeight float64
	MaxHeight float64
	Bounds    Bounds
}

// Bounds holds the axis-aligned bounding box of the mesh vertices.
type Bounds struct {
	Min [3]float32
	Max [3]float32
}

// EmptyBounds returns bounds that any point will expand.
func EmptyBounds() Bounds {
	return Bounds{
		Min: [3]float32{1e30, 1e30, 1e30},
		Max: [3]float32{-1e30, -1e30, -1e30},
	}
}
