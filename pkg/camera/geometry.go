package camera

import "image"

// FramingRegion is the rectangle where the user is expected to place a
// symbol, in screen coordinates and in preview-frame coordinates.
type FramingRegion struct {
	Screen  image.Rectangle `json:"screen"`
	Preview image.Rectangle `json:"preview"`
}

// Orientation of the display relative to the sensor.
type Orientation int

const (
	Landscape Orientation = iota
	Portrait
)

func (o Orientation) String() string {
	if o == Portrait {
		return "portrait"
	}
	return "landscape"
}

// orientationOf returns Portrait when the screen is narrower than it is tall.
func orientationOf(screen image.Point) Orientation {
	if screen.X < screen.Y {
		return Portrait
	}
	return Landscape
}

// framingFraction is the share of the shorter screen side used by the
// default framing square.
const framingFraction = 0.6

// defaultFramingRect centres a square of 60% of the shorter screen side
// horizontally, with its top edge at one third of the vertical margin.
func defaultFramingRect(screen image.Point) image.Rectangle {
	short := screen.X
	if screen.Y < short {
		short = screen.Y
	}
	size := int(float64(short) * framingFraction)
	left := (screen.X - size) / 2
	top := (screen.Y - size) / 3
	return image.Rect(left, top, left+size, top+size)
}

// manualFramingRect centres a w x h rectangle on the screen, clamped to it.
func manualFramingRect(screen image.Point, w, h int) image.Rectangle {
	if w > screen.X {
		w = screen.X
	}
	if h > screen.Y {
		h = screen.Y
	}
	left := (screen.X - w) / 2
	top := (screen.Y - h) / 2
	return image.Rect(left, top, left+w, top+h)
}

// mapToPreview scales a screen rectangle into preview-frame coordinates.
// In portrait the preview axes are swapped relative to the screen.
func mapToPreview(r image.Rectangle, screen, preview image.Point) image.Rectangle {
	if screen.X <= 0 || screen.Y <= 0 {
		return image.Rectangle{}
	}
	sx, sy := preview.X, preview.Y
	if orientationOf(screen) == Portrait {
		sx, sy = preview.Y, preview.X
	}
	return image.Rect(
		r.Min.X*sx/screen.X,
		r.Min.Y*sy/screen.Y,
		r.Max.X*sx/screen.X,
		r.Max.Y*sy/screen.Y,
	)
}

// ComputeFramingRegion returns the default framing region for a screen and
// preview resolution.
func ComputeFramingRegion(screen, preview image.Point) FramingRegion {
	r := defaultFramingRect(screen)
	return FramingRegion{Screen: r, Preview: mapToPreview(r, screen, preview)}
}
