package decode

import (
	"image"

	"github.com/teslashibe/go-scan/pkg/camera"
)

// rotateClockwise turns a w x h luminance plane into an h x w one.
func rotateClockwise(data []byte, w, h int) []byte {
	out := make([]byte, len(data))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out[x*h+h-y-1] = data[x+y*w]
		}
	}
	return out
}

// luminance prepares the frame for decoding: rotation, then crop. The
// result always has a zero origin and owns its pixels.
func luminance(f camera.Frame, h Hints) *image.Gray {
	data, w, ht := f.Data, f.Width, f.Height
	if h.Rotate {
		data = rotateClockwise(data, w, ht)
		w, ht = ht, w
	}

	bounds := image.Rect(0, 0, w, ht)
	crop := bounds
	if !h.Region.Empty() {
		crop = h.Region.Intersect(bounds)
		if crop.Empty() {
			crop = bounds
		}
	}

	out := image.NewGray(image.Rect(0, 0, crop.Dx(), crop.Dy()))
	for y := 0; y < crop.Dy(); y++ {
		src := (crop.Min.Y+y)*w + crop.Min.X
		copy(out.Pix[y*out.Stride:y*out.Stride+crop.Dx()], data[src:src+crop.Dx()])
	}
	return out
}

// thumbnail halves each dimension by averaging 2x2 blocks.
func thumbnail(g *image.Gray) *image.Gray {
	w, h := g.Rect.Dx()/2, g.Rect.Dy()/2
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := 2*y*g.Stride + 2*x
			sum := int(g.Pix[i]) + int(g.Pix[i+1]) + int(g.Pix[i+g.Stride]) + int(g.Pix[i+g.Stride+1])
			out.Pix[y*out.Stride+x] = byte(sum / 4)
		}
	}
	return out
}

// toGray converts any image to a zero-origin Gray.
func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) && g.Stride == g.Rect.Dx() {
		return g
	}
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Set(x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return out
}
