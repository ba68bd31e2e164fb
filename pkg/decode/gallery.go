package decode

import (
	"context"
	"image"
	"log/slog"
	"time"
)

// ImageDecoder decodes still images.
type ImageDecoder interface {
	DecodeImage(ctx context.Context, img image.Image, hints Hints) (Result, error)
}

// DefaultGalleryTimeout bounds a single image decode.
const DefaultGalleryTimeout = 10 * time.Second

// Gallery runs one-shot decodes of still images off the capture
// pipeline.
type Gallery struct {
	Decoder ImageDecoder
	Hints   Hints
	Timeout time.Duration
	logger  *slog.Logger
}

// NewGallery creates a gallery decoder with 1D formats enabled.
func NewGallery(d ImageDecoder, logger *slog.Logger) *Gallery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gallery{
		Decoder: d,
		Hints:   Hints{OneD: true, CharacterSet: DefaultCharacterSet},
		Timeout: DefaultGalleryTimeout,
		logger:  logger,
	}
}

// Decode decodes img synchronously.
func (g *Gallery) Decode(ctx context.Context, img image.Image) (Result, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	return g.Decoder.DecodeImage(ctx, img, g.Hints)
}

// DecodeAsync decodes img in a goroutine and calls exactly one of
// onSuccess or onFailure.
func (g *Gallery) DecodeAsync(ctx context.Context, img image.Image, onSuccess func(Result), onFailure func(error)) {
	go func() {
		res, err := g.Decode(ctx, img)
		if err != nil {
			g.logger.Debug("gallery decode failed", "error", err)
			if onFailure != nil {
				onFailure(err)
			}
			return
		}
		g.logger.Info("gallery decode succeeded", "format", res.Format)
		if onSuccess != nil {
			onSuccess(res)
		}
	}()
}
