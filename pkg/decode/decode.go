// Package decode wraps barcode symbol decoding behind a small interface
// used by the scan pipeline and by one-shot image decoding.
package decode

import (
	"context"
	"errors"
	"image"

	"github.com/teslashibe/go-scan/pkg/camera"
)

// ErrNotFound means no symbol was found in the frame. It is the normal
// outcome for most frames.
var ErrNotFound = errors.New("decode: no symbol found")

// DefaultCharacterSet is used when Hints.CharacterSet is empty.
const DefaultCharacterSet = "UTF-8"

// Hints tune a single decode call.
type Hints struct {
	// OneD enables 1D formats (UPC/EAN, Code 128, Code 39) in addition to
	// the always-on QR Code and Data Matrix.
	OneD bool
	// Region restricts decoding to a rectangle in frame coordinates, after
	// rotation. Empty means the whole frame.
	Region image.Rectangle
	// Rotate turns the frame 90 degrees clockwise before decoding, for
	// portrait displays fed by a landscape sensor.
	Rotate bool
	// CharacterSet for byte-mode content.
	CharacterSet string
	// Preview requests a half-resolution thumbnail of the decoded area.
	Preview bool
}

// Symbol is a decoded barcode.
type Symbol struct {
	Text   string        `json:"text"`
	Format string        `json:"format"`
	Points []image.Point `json:"points,omitempty"`
	Raw    []byte        `json:"-"`
}

// Result is a successful decode.
type Result struct {
	Symbol
	// Preview is a thumbnail of the decoded luminance, nil unless requested.
	Preview *image.Gray `json:"-"`
	// ScaleFactor maps Points onto Preview.
	ScaleFactor float64 `json:"scale_factor,omitempty"`
}

// Decoder decodes one frame. Implementations return ErrNotFound when no
// symbol is present, and ctx.Err() when abandoned.
type Decoder interface {
	Decode(ctx context.Context, frame camera.Frame, hints Hints) (Result, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(ctx context.Context, frame camera.Frame, hints Hints) (Result, error)

// Decode implements Decoder.
func (f DecoderFunc) Decode(ctx context.Context, frame camera.Frame, hints Hints) (Result, error) {
	return f(ctx, frame, hints)
}
