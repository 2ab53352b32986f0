package mapsampler

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// Load reads an image file and converts it to a map of the given format.
// Supported extensions: .tga, .png, .bmp, .tif, .tiff.
func Load(path string, format Format) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := Decode(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return FromImage(img, format)
}

// Decode decodes image data by file extension.
func Decode(data []byte, ext string) (image.Image, error) {
	switch strings.ToLower(ext) {
	case ".tga":
		return DecodeTGA(data)
	case ".png":
		return png.Decode(bytes.NewReader(data))
	case ".bmp":
		return bmp.Decode(bytes.NewReader(data))
	case ".tif", ".tiff":
		return tiff.Decode(bytes.NewReader(data))
	}
	return nil, fmt.Errorf("unsupported map extension %q", ext)
}

// FromImage converts img into a map of format. Greyscale formats take the red channel.
func FromImage(img image.Image, format Format) (*Map, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("unknown pixel format %v", format)
	}

	m, err := New(format, w, h, make([]byte, w*h*bpp))
	if err != nil {
		return nil, err
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA64Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA64)
			m.Set(x, y, Pixel{
				float32(c.R) / 65535,
				float32(c.G) / 65535,
				float32(c.B) / 65535,
				float32(c.A) / 65535,
			})
		}
	}
	return m, nil
}
