// Package mapsampler decodes and samples height and color maps used by terrain modifiers.
//
// Pixel layouts form a closed set (Format); each layout has its own decode function and
// Map dispatches on the format tag instead of through per-type function tables.
package mapsampler

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Format identifies a pixel layout.
type Format uint8

const (
	Alpha8   Format = iota + 1 // 1 byte, alpha only
	R8                         // 1 byte, greyscale
	RA16                       // 2 bytes, greyscale + alpha
	R16                        // 2 bytes little-endian greyscale
	RGB24                      // 3 bytes
	RGBA32                     // 4 bytes
	RFloat32                   // 4 bytes little-endian IEEE float, greyscale
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case Alpha8:
		return "Alpha8"
	case R8:
		return "R8"
	case RA16:
		return "RA16"
	case R16:
		return "R16"
	case RGB24:
		return "RGB24"
	case RGBA32:
		return "RGBA32"
	case RFloat32:
		return "RFloat32"
	}
	return fmt.Sprintf("Format(%d)", uint8(f))
}

// BytesPerPixel returns the stride of one pixel, or 0 for unknown formats.
func (f Format) BytesPerPixel() int {
	switch f {
	case Alpha8, R8:
		return 1
	case RA16, R16:
		return 2
	case RGB24:
		return 3
	case RGBA32, RFloat32:
		return 4
	}
	return 0
}

// Pixel is a decoded sample with channels in [0, 1] (RFloat32 may exceed that range).
type Pixel [4]float32

// Value returns the greyscale value of the pixel.
func (p Pixel) Value() float32 {
	return p[0]
}

// decode reads one pixel of format f from b.
func (f Format) decode(b []byte) Pixel {
	switch f {
	case Alpha8:
		return decodeAlpha8(b)
	case R8:
		return decodeR8(b)
	case RA16:
		return decodeRA16(b)
	case R16:
		return decodeR16(b)
	case RGB24:
		return decodeRGB24(b)
	case RGBA32:
		return decodeRGBA32(b)
	case RFloat32:
		return decodeRFloat32(b)
	}
	return Pixel{}
}

// encode writes p into b using format f. Used when converting decoded images.
func (f Format) encode(b []byte, p Pixel) {
	switch f {
	case Alpha8:
		b[0] = to8(p[3])
	case R8:
		b[0] = to8(p[0])
	case RA16:
		b[0], b[1] = to8(p[0]), to8(p[3])
	case R16:
		binary.LittleEndian.PutUint16(b, uint16(clamp01(p[0])*65535+0.5))
	case RGB24:
		b[0], b[1], b[2] = to8(p[0]), to8(p[1]), to8(p[2])
	case RGBA32:
		b[0], b[1], b[2], b[3] = to8(p[0]), to8(p[1]), to8(p[2]), to8(p[3])
	case RFloat32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(p[0]))
	}
}

const inv255 = 1.0 / 255.0

func decodeAlpha8(b []byte) Pixel {
	a := float32(b[0]) * inv255
	return Pixel{1, 1, 1, a}
}

func decodeR8(b []byte) Pixel {
	v := float32(b[0]) * inv255
	return Pixel{v, v, v, 1}
}

func decodeRA16(b []byte) Pixel {
	v := float32(b[0]) * inv255
	return Pixel{v, v, v, float32(b[1]) * inv255}
}

func decodeR16(b []byte) Pixel {
	v := float32(binary.LittleEndian.Uint16(b)) / 65535
	return Pixel{v, v, v, 1}
}

func decodeRGB24(b []byte) Pixel {
	return Pixel{float32(b[0]) * inv255, float32(b[1]) * inv255, float32(b[2]) * inv255, 1}
}

func decodeRGBA32(b []byte) Pixel {
	return Pixel{float32(b[0]) * inv255, float32(b[1]) * inv255, float32(b[2]) * inv255, float32(b[3]) * inv255}
}

func decodeRFloat32(b []byte) Pixel {
	v := math.Float32frombits(binary.LittleEndian.Uint32(b))
	return Pixel{v, v, v, 1}
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func to8(v float32) byte {
	return byte(clamp01(v)*255 + 0.5)
}
