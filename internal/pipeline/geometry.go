package pipeline

import (
	"image"
	"math"

	"github.com/dunamismax/pixelfit/internal/domain"
	"golang.org/x/image/math/f64"
)

// Geometry is the per-request layout: which part of the source is drawn,
// how large the output canvas is and how the drawn image sits on it.
type Geometry struct {
	CanvasWidth  int
	CanvasHeight int
	SourceRect   image.Rectangle
	Rotation     float64
	SideSwapped  bool
	DrawWidth    int
	DrawHeight   int
	FlipH        bool
	FlipV        bool
}

// Limits caps the resolved output canvas. A zero field is unbounded.
type Limits struct {
	MaxSide   int
	MaxPixels int64
}

// DefaultLimits allows a 16384 px side and 64 megapixels, about 256 MiB
// of RGBA canvas.
func DefaultLimits() Limits {
	return Limits{MaxSide: 16384, MaxPixels: 64 << 20}
}

func (l Limits) check(w, h int) error {
	if l.MaxSide > 0 && (w > l.MaxSide || h > l.MaxSide) {
		return configErr("target", "resolved size %dx%d exceeds the %d px side limit", w, h, l.MaxSide)
	}
	if l.MaxPixels > 0 && int64(w)*int64(h) > l.MaxPixels {
		return configErr("target", "resolved size %dx%d exceeds the %d pixel limit", w, h, l.MaxPixels)
	}
	return nil
}

// NormalizeRotation maps any angle in degrees into [0, 360).
func NormalizeRotation(deg float64) float64 {
	r := math.Mod(deg, 360)
	if r < 0 {
		r += 360
	}
	return r
}

// Compose resolves the canvas and source rectangle for a target size.
// Crops must lie inside the source bounds; they are rejected, not clamped.
// Targets beyond limits are rejected before any canvas is allocated.
func Compose(source image.Rectangle, crop *domain.CropRect, rotation float64, targetW, targetH int, limits Limits) (Geometry, error) {
	if source.Dx() <= 0 || source.Dy() <= 0 {
		return Geometry{}, configErr("source", "empty raster %dx%d", source.Dx(), source.Dy())
	}
	if targetW < 1 || targetH < 1 {
		return Geometry{}, configErr("target", "resolved size %dx%d is not positive", targetW, targetH)
	}
	if err := limits.check(targetW, targetH); err != nil {
		return Geometry{}, err
	}

	srcRect := source
	if crop != nil {
		if crop.Width <= 0 || crop.Height <= 0 {
			return Geometry{}, configErr("crop", "extent %dx%d is not positive", crop.Width, crop.Height)
		}
		srcRect = crop.Rect().Add(source.Min)
		if !srcRect.In(source) {
			return Geometry{}, configErr("crop", "rect %v exceeds source bounds %v", crop.Rect(), source.Sub(source.Min))
		}
	}

	rot := NormalizeRotation(rotation)
	g := Geometry{
		SourceRect:  srcRect,
		Rotation:    rot,
		SideSwapped: rot == 90 || rot == 270,
	}
	g.setCanvas(targetW, targetH)
	return g, nil
}

// WithFlip returns g with the mirror flags set.
func (g Geometry) WithFlip(horizontal, vertical bool) Geometry {
	g.FlipH = horizontal
	g.FlipV = vertical
	return g
}

// Cardinal reports whether the rotation is an exact multiple of 90 degrees.
func (g Geometry) Cardinal() bool {
	return math.Mod(g.Rotation, 90) == 0
}

// Scaled shrinks the canvas by scale, keeping at least one pixel per side.
func (g Geometry) Scaled(scale float64) Geometry {
	w := max(1, roundInt(float64(g.CanvasWidth)*scale))
	h := max(1, roundInt(float64(g.CanvasHeight)*scale))
	out := g
	if g.SideSwapped {
		out.setCanvas(h, w)
	} else {
		out.setCanvas(w, h)
	}
	return out
}

// setCanvas takes the caller's target footprint (pre-rotation) and derives
// canvas and draw sizes from it.
func (g *Geometry) setCanvas(targetW, targetH int) {
	if g.SideSwapped {
		g.CanvasWidth, g.CanvasHeight = targetH, targetW
		g.DrawWidth, g.DrawHeight = g.CanvasHeight, g.CanvasWidth
		return
	}
	g.CanvasWidth, g.CanvasHeight = targetW, targetH
	g.DrawWidth, g.DrawHeight = targetW, targetH
}

// Affine maps draw-space coordinates (the resampled, unrotated image with
// its origin at the top-left) onto the canvas: translate to the canvas
// centre, rotate clockwise, then mirror.
func (g Geometry) Affine() f64.Aff3 {
	sx, sy := 1.0, 1.0
	if g.FlipH {
		sx = -1
	}
	if g.FlipV {
		sy = -1
	}
	sin, cos := math.Sincos(g.Rotation * math.Pi / 180)

	a, b := cos*sx, -sin*sy
	d, e := sin*sx, cos*sy
	hw, hh := float64(g.DrawWidth)/2, float64(g.DrawHeight)/2
	cx, cy := float64(g.CanvasWidth)/2, float64(g.CanvasHeight)/2
	return f64.Aff3{
		a, b, cx - a*hw - b*hh,
		d, e, cy - d*hw - e*hh,
	}
}
