package cvdriver

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// LoadImage reads an image file as grayscale.
func LoadImage(path string) (*image.Gray, error) {
	mat := gocv.IMRead(path, gocv.IMReadGrayScale)
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("read image %s: empty or unsupported", path)
	}
	return matToGray(mat)
}

// DecodeImageBytes decodes an encoded image (JPEG, PNG, ...) as grayscale.
func DecodeImageBytes(buf []byte) (*image.Gray, error) {
	mat, err := gocv.IMDecode(buf, gocv.IMReadGrayScale)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, errors.New("decode image: empty result")
	}
	return matToGray(mat)
}

func matToGray(mat gocv.Mat) (*image.Gray, error) {
	w, h := mat.Cols(), mat.Rows()
	data := mat.ToBytes()
	if len(data) != w*h {
		return nil, fmt.Errorf("unexpected buffer size %d for %dx%d", len(data), w, h)
	}
	return &image.Gray{Pix: data, Stride: w, Rect: image.Rect(0, 0, w, h)}, nil
}
