package decode

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/datamatrix"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/teslashibe/go-scan/pkg/camera"
)

// PreviewScale is the thumbnail scale factor reported with Preview.
const PreviewScale = 0.5

type binarizerFunc func(gozxing.LuminanceSource) gozxing.Binarizer

// ZXing decodes with gozxing in two passes: a hybrid (local threshold)
// binarizer first, then a global histogram binarizer with TRY_HARDER.
// The first pass that finds a symbol wins.
type ZXing struct {
	logger *slog.Logger
}

// NewZXing creates a gozxing-backed decoder.
func NewZXing(logger *slog.Logger) *ZXing {
	if logger == nil {
		logger = slog.Default()
	}
	return &ZXing{logger: logger}
}

var passes = []struct {
	name      string
	binarizer binarizerFunc
	tryHarder bool
}{
	{"hybrid", func(s gozxing.LuminanceSource) gozxing.Binarizer { return gozxing.NewHybridBinarizer(s) }, false},
	{"global_histogram", func(s gozxing.LuminanceSource) gozxing.Binarizer { return gozxing.NewGlobalHistgramBinarizer(s) }, true},
}

// Decode implements Decoder. A done ctx abandons the remaining passes.
func (z *ZXing) Decode(ctx context.Context, frame camera.Frame, hints Hints) (Result, error) {
	if frame.Width <= 0 || frame.Height <= 0 || len(frame.Data) < frame.Width*frame.Height {
		return Result{}, fmt.Errorf("decode: invalid frame %dx%d with %d bytes", frame.Width, frame.Height, len(frame.Data))
	}
	return z.decodeGray(ctx, luminance(frame, hints), hints)
}

// DecodeImage decodes a still image with the same two passes.
func (z *ZXing) DecodeImage(ctx context.Context, img image.Image, hints Hints) (Result, error) {
	return z.decodeGray(ctx, toGray(img), hints)
}

func (z *ZXing) decodeGray(ctx context.Context, gray *image.Gray, hints Hints) (Result, error) {
	src := gozxing.NewLuminanceSourceFromImage(gray)
	charset := hints.CharacterSet
	if charset == "" {
		charset = DefaultCharacterSet
	}

	for _, pass := range passes {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		bmp, err := gozxing.NewBinaryBitmap(pass.binarizer(src))
		if err != nil {
			return Result{}, fmt.Errorf("decode: binarize: %w", err)
		}

		zh := map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_CHARACTER_SET: charset,
		}
		if pass.tryHarder {
			zh[gozxing.DecodeHintType_TRY_HARDER] = true
		}

		for _, reader := range readers(hints.OneD, zh) {
			res, err := reader.Decode(bmp, zh)
			reader.Reset()
			if err != nil {
				continue
			}
			z.logger.Debug("symbol decoded", "pass", pass.name, "format", res.GetBarcodeFormat().String())
			return toResult(res, gray, hints.Preview), nil
		}
	}
	return Result{}, ErrNotFound
}

// readers returns fresh readers; gozxing readers are not safe for
// concurrent use.
func readers(oneD bool, zh map[gozxing.DecodeHintType]interface{}) []gozxing.Reader {
	rs := []gozxing.Reader{
		qrcode.NewQRCodeReader(),
		datamatrix.NewDataMatrixReader(),
	}
	if oneD {
		rs = append(rs,
			oned.NewMultiFormatUPCEANReader(zh),
			oned.NewCode128Reader(),
			oned.NewCode39Reader(),
		)
	}
	return rs
}

func toResult(res *gozxing.Result, gray *image.Gray, preview bool) Result {
	out := Result{
		Symbol: Symbol{
			Text:   res.GetText(),
			Format: res.GetBarcodeFormat().String(),
			Raw:    res.GetRawBytes(),
		},
	}
	for _, p := range res.GetResultPoints() {
		out.Points = append(out.Points, image.Pt(int(math.Round(p.GetX())), int(math.Round(p.GetY()))))
	}
	if preview {
		out.Preview = thumbnail(gray)
		out.ScaleFactor = PreviewScale
	}
	return out
}
