package terrain

import "sync"

// Grid addresses the vertices of a square quad grid. Vertex (x, y) has x growing
// east and y growing north; index = y*Side + x.
type Grid struct {
	Side int
}

// Segments returns the number of cells along one edge.
func (g Grid) Segments() int {
	return g.Side - 1
}

// Count returns the number of vertices.
func (g Grid) Count() int {
	return g.Side * g.Side
}

// Index returns the vertex index of (x, y).
func (g Grid) Index(x, y int) int {
	return y*g.Side + x
}

// EdgeIndex returns the vertex index of the i-th vertex of edge e, counting
// counter-clockwise around the quad. Corner k sits at the end of edge k.
func (g Grid) EdgeIndex(e Edge, i int) int {
	n := g.Side - 1
	switch e {
	case South:
		return g.Index(i, 0)
	case East:
		return g.Index(n, i)
	case North:
		return g.Index(n-i, n)
	default:
		return g.Index(0, n-i)
	}
}

// EdgeCoords returns the grid coordinates of the i-th vertex of edge e.
func (g Grid) EdgeCoords(e Edge, i int) (x, y int) {
	idx := g.EdgeIndex(e, i)
	return idx % g.Side, idx / g.Side
}

// Triangles returns the full-resolution index buffer, two triangles per cell,
// wound counter-clockwise seen from outside.
func (g Grid) Triangles() []uint32 {
	n := g.Segments()
	out := make([]uint32, 0, n*n*6)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			v00 := uint32(g.Index(x, y))
			v10 := uint32(g.Index(x+1, y))
			v01 := uint32(g.Index(x, y+1))
			v11 := uint32(g.Index(x+1, y+1))
			out = append(out,
				v00, v10, v11,
				v00, v11, v01,
			)
		}
	}
	return out
}

// IndexCache holds the 16 stitched index buffers of one grid size. Bit e of an edge
// state is set when the neighbor across edge e is one level coarser; odd vertices of
// that edge are folded onto their even predecessor so the quad meets the coarser edge
// without T-junctions.
type IndexCache struct {
	grid     Grid
	once     [16]sync.Once
	variants [16][]uint32
}

// NewIndexCache creates a cache for grids with side vertices per edge.
func NewIndexCache(side int) *IndexCache {
	return &IndexCache{grid: Grid{Side: side}}
}

// Grid returns the grid the cache was built for.
func (c *IndexCache) Grid() Grid {
	return c.grid
}

// Indices returns the index buffer for edge state. The returned slice is shared.
func (c *IndexCache) Indices(state uint8) []uint32 {
	state &= 15
	c.once[state].Do(func() {
		c.variants[state] = c.build(state)
	})
	return c.variants[state]
}

func (c *IndexCache) build(state uint8) []uint32 {
	base := c.grid.Triangles()
	if state == 0 {
		return base
	}

	remap := make(map[uint32]uint32)
	n := c.grid.Segments()
	for _, e := range Edges {
		if state&(1<<uint(e)) == 0 {
			continue
		}
		for i := 1; i < n; i += 2 {
			from := uint32(c.grid.EdgeIndex(e, i))
			remap[from] = uint32(c.grid.EdgeIndex(e, i-1))
		}
	}

	out := make([]uint32, 0, len(base))
	for t := 0; t < len(base); t += 3 {
		a, b, cc := base[t], base[t+1], base[t+2]
		if r, ok := remap[a]; ok {
			a = r
		}
		if r, ok := remap[b]; ok {
			b = r
		}
		if r, ok := remap[cc]; ok {
			cc = r
		}
		if a == b || b == cc || a == cc {
			continue
		}
		out = append(out, a, b, cc)
	}
	return out
}
