package pipeline

import (
	"image"
	"math"

	"github.com/dunamismax/pixelfit/internal/domain"
)

const (
	cmPerInch = 2.54
	// maxResolved keeps absurd sizes representable so limits can reject
	// them instead of the int conversion wrapping.
	maxResolved = 1 << 30
)

// ResolveTarget converts the configured logical size into absolute pixels.
// base is the crop extent when a crop is set, otherwise the source extent.
// Pixel values <= 0 fall back to base so the canvas never collapses.
func ResolveTarget(cfg domain.TransformConfig, base image.Point) (int, int) {
	dpi := cfg.DPI
	if dpi <= 0 {
		dpi = domain.DefaultDPI
	}

	switch cfg.Unit {
	case domain.UnitPercent:
		return roundInt(float64(base.X) * cfg.Width / 100), roundInt(float64(base.Y) * cfg.Height / 100)
	case domain.UnitInches:
		return roundInt(cfg.Width * dpi), roundInt(cfg.Height * dpi)
	case domain.UnitCentimeters:
		return roundInt(cfg.Width * dpi / cmPerInch), roundInt(cfg.Height * dpi / cmPerInch)
	default:
		w, h := roundInt(cfg.Width), roundInt(cfg.Height)
		if w <= 0 {
			w = base.X
		}
		if h <= 0 {
			h = base.Y
		}
		return w, h
	}
}

// roundInt rounds half away from zero, matching the editor's arithmetic.
func roundInt(v float64) int {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= maxResolved:
		return maxResolved
	case v <= -maxResolved:
		return -maxResolved
	}
	return int(math.Round(v))
}
