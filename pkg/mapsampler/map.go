package mapsampler

import (
	"fmt"
	"math"
)

// Map is a decoded-on-demand pixel grid. Row 0 is the top (north) of the map.
type Map struct {
	Format Format
	Width  int
	Height int
	Data   []byte

	// WrapU repeats the map horizontally, as for equirectangular planet maps.
	WrapU bool
}

// New creates a map over data, which must hold Width*Height pixels of format.
func New(format Format, width, height int, data []byte) (*Map, error) {
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("unknown pixel format %v", format)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid map size %dx%d", width, height)
	}
	if len(data) < width*height*bpp {
		return nil, fmt.Errorf("%v map %dx%d needs %d bytes, got %d", format, width, height, width*height*bpp, len(data))
	}
	return &Map{Format: format, Width: width, Height: height, Data: data, WrapU: true}, nil
}

// Pixel returns the pixel at (x, y), clamping y and wrapping or clamping x.
func (m *Map) Pixel(x, y int) Pixel {
	if m.WrapU {
		x %= m.Width
		if x < 0 {
			x += m.Width
		}
	} else {
		x = clampInt(x, 0, m.Width-1)
	}
	y = clampInt(y, 0, m.Height-1)
	bpp := m.Format.BytesPerPixel()
	i := (y*m.Width + x) * bpp
	return m.Format.decode(m.Data[i : i+bpp])
}

// Set writes p at (x, y). Out-of-range coordinates are ignored.
func (m *Map) Set(x, y int, p Pixel) {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return
	}
	bpp := m.Format.BytesPerPixel()
	i := (y*m.Width + x) * bpp
	m.Format.encode(m.Data[i:i+bpp], p)
}

// Sample returns the nearest pixel to normalized coordinates (u, v), v = 0 at the top.
func (m *Map) Sample(u, v float64) Pixel {
	x := int(math.Floor(u * float64(m.Width)))
	y := int(math.Floor(v * float64(m.Height)))
	return m.Pixel(x, y)
}

// SampleBilinear interpolates the four texels around (u, v).
func (m *Map) SampleBilinear(u, v float64) Pixel {
	fx := u*float64(m.Width) - 0.5
	fy := v*float64(m.Height) - 0.5

	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	tx := float32(fx - float64(x0))
	ty := float32(fy - float64(y0))

	// Corners: 0=SW, 1=SE, 2=NW, 3=NE (south is the larger row)
	sw := m.Pixel(x0, y0+1)
	se := m.Pixel(x0+1, y0+1)
	nw := m.Pixel(x0, y0)
	ne := m.Pixel(x0+1, y0)

	var out Pixel
	for c := 0; c < 4; c++ {
		south := sw[c]*(1-tx) + se[c]*tx
		north := nw[c]*(1-tx) + ne[c]*tx
		out[c] = north*(1-ty) + south*ty
	}
	return out
}

// SampleLatLon samples an equirectangular map at latitude/longitude in radians.
func (m *Map) SampleLatLon(lat, lon float64) Pixel {
	u := lon/(2*math.Pi) + 0.5
	v := 0.5 - lat/math.Pi
	return m.SampleBilinear(u, v)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
