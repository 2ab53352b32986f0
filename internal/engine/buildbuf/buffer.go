// Package buildbuf provides the struct-of-arrays scratch storage for one quad build.
package buildbuf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
)

// MaxVertexCount caps a single buffer. 257x257 is the largest supported quad grid.
const MaxVertexCount = 257 * 257

// UVSets is the number of UV pair arrays carried per vertex.
const UVSets = 4

var (
	// ErrSizeMismatch means an attribute array no longer has Len() elements.
	ErrSizeMismatch = errors.New("vertex build buffer size mismatch")
	// ErrAllocation means scratch memory for a build could not be provided.
	ErrAllocation = errors.New("vertex build buffer allocation failed")
)

// Buffer holds per-vertex working data. Every slice has exactly Len() elements and
// index i refers to the same vertex in all of them.
type Buffer struct {
	count int

	Direction    []mgl64.Vec3
	Height       []float64
	Color        []mgl32.Vec4
	UV           [UVSets][]mgl32.Vec2
	Latitude     []float64
	Longitude    []float64
	AllowScatter []bool

	// Derived during the build
	Vertex  []mgl64.Vec3
	Normal  []mgl32.Vec3
	Tangent []mgl32.Vec4
}

// New allocates a buffer for count vertices.
func New(count int) (*Buffer, error) {
	if count <= 0 || count > MaxVertexCount {
		return nil, fmt.Errorf("%w: %d vertices", ErrAllocation, count)
	}
	b := &Buffer{
		count:        count,
		Direction:    make([]mgl64.Vec3, count),
		Height:       make([]float64, count),
		Color:        make([]mgl32.Vec4, count),
		Latitude:     make([]float64, count),
		Longitude:    make([]float64, count),
		AllowScatter: make([]bool, count),
		Vertex:       make([]mgl64.Vec3, count),
		Normal:       make([]mgl32.Vec3, count),
		Tangent:      make([]mgl32.Vec4, count),
	}
	for i := range b.UV {
		b.UV[i] = make([]mgl32.Vec2, count)
	}
	return b, nil
}

// Len returns the vertex count.
func (b *Buffer) Len() int {
	return b.count
}

// Validate reports ErrSizeMismatch if any array lost index alignment.
func (b *Buffer) Validate() error {
	check := func(name string, n int) error {
		if n != b.count {
			return fmt.Errorf("%w: %s has %d elements, want %d", ErrSizeMismatch, name, n, b.count)
		}
		return nil
	}
	lengths := []struct {
		name string
		n    int
	}{
		{"direction", len(b.Direction)},
		{"height", len(b.Height)},
		{"color", len(b.Color)},
		{"uv0", len(b.UV[0])},
		{"uv1", len(b.UV[1])},
		{"uv2", len(b.UV[2])},
		{"uv3", len(b.UV[3])},
		{"latitude", len(b.Latitude)},
		{"longitude", len(b.Longitude)},
		{"allow_scatter", len(b.AllowScatter)},
		{"vertex", len(b.Vertex)},
		{"normal", len(b.Normal)},
		{"tangent", len(b.Tangent)},
	}
	for _, l := range lengths {
		if err := check(l.name, l.n); err != nil {
			return err
		}
	}
	return nil
}

// Reset zeroes every array so the buffer can be reused for the same vertex count.
func (b *Buffer) Reset() {
	clear(b.Direction)
	clear(b.Height)
	clear(b.Color)
	for i := range b.UV {
		clear(b.UV[i])
	}
	clear(b.Latitude)
	clear(b.Longitude)
	clear(b.AllowScatter)
	clear(b.Vertex)
	clear(b.Normal)
	clear(b.Tangent)
}

// Range splits [0, Len()) into chunks of at most size elements.
func (b *Buffer) Range(size int, fn func(start, end int)) {
	if size <= 0 {
		size = b.count
	}
	for start := 0; start < b.count; start += size {
		end := start + size
		if end > b.count {
			end = b.count
		}
		fn(start, end)
	}
}

// Pool recycles buffers of one vertex count.
type Pool struct {
	count int
	pool  sync.Pool
}

// NewPool creates a pool for buffers of count vertices.
func NewPool(count int) *Pool {
	return &Pool{count: count}
}

// Get returns a zeroed buffer.
func (p *Pool) Get() (*Buffer, error) {
	if b, ok := p.pool.Get().(*Buffer); ok {
		return b, nil
	}
	return New(p.count)
}

// Put returns b to the pool. Buffers that failed validation are dropped.
func (p *Pool) Put(b *Buffer) {
	if b == nil || b.count != p.count || b.Validate() != nil {
		return
	}
	b.Reset()
	p.pool.Put(b)
}
