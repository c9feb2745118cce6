package pipeline

import (
	"encoding/hex"
	"image"
	"image/color"
	stddraw "image/draw"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/pixelfit/internal/domain"
	"golang.org/x/image/draw"
)

// Background is the canvas fill applied before the image is drawn.
type Background struct {
	Color   color.NRGBA
	Enabled bool
	// Opaque is set for formats without alpha; the canvas is flattened
	// onto white first so nothing undefined shows through.
	Opaque bool
}

// BackgroundFor decides the canvas fill for an output format and a
// configured colour ("transparent", #rgb, #rgba, #rrggbb or #rrggbbaa).
func BackgroundFor(format domain.Format, spec string) (Background, error) {
	spec = strings.ToLower(strings.TrimSpace(spec))
	bg := Background{Opaque: !format.HasAlpha()}
	if spec == "" || spec == domain.BackgroundTransparent {
		return bg, nil
	}

	c, ok := parseHexColor(spec)
	if !ok {
		return Background{}, configErr("background_color", "cannot parse %q", spec)
	}
	bg.Color = c
	bg.Enabled = true
	return bg, nil
}

func parseHexColor(s string) (color.NRGBA, bool) {
	s = strings.TrimPrefix(s, "#")
	if len(s) == 3 || len(s) == 4 {
		var b strings.Builder
		for _, r := range s {
			b.WriteRune(r)
			b.WriteRune(r)
		}
		s = b.String()
	}
	if len(s) == 6 {
		s += "ff"
	}
	if len(s) != 8 {
		return color.NRGBA{}, false
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return color.NRGBA{}, false
	}
	return color.NRGBA{R: raw[0], G: raw[1], B: raw[2], A: raw[3]}, true
}

// render produces the full output canvas for g. The returned buffer is
// pooled and must be released by the caller after encoding.
func render(src image.Image, g Geometry, bg Background, rs Resampler) *image.RGBA {
	drawn := rs.Resample(src, g.SourceRect, g.DrawWidth, g.DrawHeight)
	defer releaseRGBA(drawn)

	canvas := acquireRGBA(g.CanvasWidth, g.CanvasHeight)
	if bg.Opaque {
		stddraw.Draw(canvas, canvas.Rect, image.White, image.Point{}, stddraw.Src)
	}
	if bg.Enabled {
		stddraw.Draw(canvas, canvas.Rect, image.NewUniform(bg.Color), image.Point{}, stddraw.Over)
	}

	if !g.Cardinal() {
		draw.BiLinear.Transform(canvas, g.Affine(), drawn, drawn.Rect, draw.Over, nil)
		return canvas
	}

	oriented := orient(drawn, g)
	stddraw.Draw(canvas, canvas.Rect, oriented, oriented.Bounds().Min, stddraw.Over)
	return canvas
}

// orient applies the mirror flags and then a clockwise cardinal rotation,
// the same order the affine transform uses. imaging rotates
// counter-clockwise, hence the swapped 90/270 calls.
func orient(img *image.RGBA, g Geometry) image.Image {
	var out image.Image = img
	if g.FlipH {
		out = imaging.FlipH(out)
	}
	if g.FlipV {
		out = imaging.FlipV(out)
	}
	switch g.Rotation {
	case 90:
		out = imaging.Rotate270(out)
	case 180:
		out = imaging.Rotate180(out)
	case 270:
		out = imaging.Rotate90(out)
	}
	return out
}
