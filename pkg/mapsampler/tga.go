package mapsampler

import (
	"fmt"
	"image"
	"image/color"
)

// TGA image type constants.
const (
	TGATypeTrueColor    = 2  // Uncompressed true-color
	TGATypeGrey         = 3  // Uncompressed greyscale
	TGATypeTrueColorRLE = 10 // RLE compressed true-color
	TGATypeGreyRLE      = 11 // RLE compressed greyscale
)

// DecodeTGA decodes a TGA image. Supports uncompressed and RLE true-color (24/32 bit)
// and greyscale (8 bit) images, the layouts height and color maps are exported in.
func DecodeTGA(data []byte) (image.Image, error) {
	if len(data) < 18 {
		return nil, fmt.Errorf("TGA data too short")
	}

	idLength := int(data[0])
	colorMapType := data[1]
	imageType := data[2]
	width := int(data[12]) | int(data[13])<<8
	height := int(data[14]) | int(data[15])<<8
	bpp := int(data[16])
	descriptor := data[17]

	if colorMapType != 0 {
		return nil, fmt.Errorf("color-mapped TGA not supported")
	}
	grey := imageType == TGATypeGrey || imageType == TGATypeGreyRLE
	rle := imageType == TGATypeTrueColorRLE || imageType == TGATypeGreyRLE
	switch {
	case imageType != TGATypeTrueColor && imageType != TGATypeGrey && !rle:
		return nil, fmt.Errorf("unsupported TGA type %d", imageType)
	case grey && bpp != 8:
		return nil, fmt.Errorf("unsupported greyscale TGA bit depth %d", bpp)
	case !grey && bpp != 24 && bpp != 32:
		return nil, fmt.Errorf("unsupported TGA bit depth %d (only 24/32 supported)", bpp)
	}
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("empty TGA image")
	}

	offset := 18 + idLength
	if offset > len(data) {
		return nil, fmt.Errorf("TGA data truncated")
	}

	d := tgaDecoder{
		img:         image.NewNRGBA(image.Rect(0, 0, width, height)),
		src:         data[offset:],
		width:       width,
		height:      height,
		bytesPer:    bpp / 8,
		topToBottom: descriptor&0x20 != 0,
	}
	if rle {
		if err := d.decodeRLE(); err != nil {
			return nil, err
		}
	} else if err := d.decodeRaw(); err != nil {
		return nil, err
	}
	return d.img, nil
}

type tgaDecoder struct {
	img         *image.NRGBA
	src         []byte
	width       int
	height      int
	bytesPer    int
	topToBottom bool
}

// color reads one BGR(A) or grey pixel at src[i:].
func (d *tgaDecoder) color(i int) color.NRGBA {
	p := d.src[i : i+d.bytesPer]
	switch d.bytesPer {
	case 1:
		return color.NRGBA{R: p[0], G: p[0], B: p[0], A: 255}
	case 3:
		return color.NRGBA{R: p[2], G: p[1], B: p[0], A: 255}
	default:
		return color.NRGBA{R: p[2], G: p[1], B: p[0], A: p[3]}
	}
}

func (d *tgaDecoder) set(pixelIdx int, c color.NRGBA) {
	x := pixelIdx % d.width
	y := pixelIdx / d.width
	if !d.topToBottom {
		y = d.height - 1 - y
	}
	d.img.SetNRGBA(x, y, c)
}

func (d *tgaDecoder) decodeRaw() error {
	pixelCount := d.width * d.height
	if len(d.src) < pixelCount*d.bytesPer {
		return fmt.Errorf("TGA pixel data truncated")
	}
	for i := 0; i < pixelCount; i++ {
		d.set(i, d.color(i*d.bytesPer))
	}
	return nil
}

func (d *tgaDecoder) decodeRLE() error {
	pixelCount := d.width * d.height
	pixelIdx := 0
	dataIdx := 0

	for pixelIdx < pixelCount {
		if dataIdx >= len(d.src) {
			return fmt.Errorf("TGA RLE data truncated at pixel %d", pixelIdx)
		}
		packet := d.src[dataIdx]
		dataIdx++
		count := int(packet&0x7F) + 1

		if packet&0x80 != 0 {
			// Run packet: one pixel repeated
			if dataIdx+d.bytesPer > len(d.src) {
				return fmt.Errorf("TGA RLE data truncated at pixel %d", pixelIdx)
			}
			c := d.color(dataIdx)
			dataIdx += d.bytesPer
			for i := 0; i < count && pixelIdx < pixelCount; i++ {
				d.set(pixelIdx, c)
				pixelIdx++
			}
			continue
		}

		// Raw packet: count literal pixels
		for i := 0; i < count && pixelIdx < pixelCount; i++ {
			if dataIdx+d.bytesPer > len(d.src) {
				return fmt.Errorf("TGA RLE data truncated at pixel %d", pixelIdx)
			}
			d.set(pixelIdx, d.color(dataIdx))
			dataIdx += d.bytesPer
			pixelIdx++
		}
	}
	return nil
}
