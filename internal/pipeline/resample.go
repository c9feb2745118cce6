package pipeline

import (
	"image"
	stddraw "image/draw"
	"strings"
	"sync"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// Filter names the kernel used for the final precision resize.
type Filter string

const (
	FilterCatmullRom Filter = "catmullrom"
	FilterLanczos3   Filter = "lanczos3"
	FilterBiLinear   Filter = "bilinear"
)

// ParseFilter maps a configured filter name to a Filter. Unknown names
// fall back to CatmullRom.
func ParseFilter(in string) Filter {
	switch Filter(strings.ToLower(strings.TrimSpace(in))) {
	case FilterLanczos3:
		return FilterLanczos3
	case FilterBiLinear:
		return FilterBiLinear
	default:
		return FilterCatmullRom
	}
}

// Resampler scales a source rectangle to an exact size. Downscales of more
// than 2x are stepped down by repeated halving first so the final filter
// never works at a ratio it under-samples.
type Resampler struct {
	Filter Filter

	// onStep observes each halving step's size.
	onStep func(w, h int)
}

// Resample returns a w x h buffer drawn from rect of src. The buffer comes
// from the package pool; hand it back with releaseRGBA once encoded.
func (r Resampler) Resample(src image.Image, rect image.Rectangle, w, h int) *image.RGBA {
	cur, curRect := src, rect
	var owned *image.RGBA

	for {
		cw, ch := curRect.Dx(), curRect.Dy()
		nw, nh := cw, ch
		if float64(w) < float64(cw)/2 {
			nw = cw / 2
		}
		if float64(h) < float64(ch)/2 {
			nh = ch / 2
		}
		if nw == cw && nh == ch {
			break
		}

		if r.onStep != nil {
			r.onStep(nw, nh)
		}
		next := acquireRGBA(nw, nh)
		draw.BiLinear.Scale(next, next.Rect, cur, curRect, draw.Src, nil)
		releaseRGBA(owned)
		owned, cur, curRect = next, next, next.Rect
	}

	dst := r.finalResize(cur, curRect, w, h)
	releaseRGBA(owned)
	return dst
}

func (r Resampler) finalResize(src image.Image, rect image.Rectangle, w, h int) *image.RGBA {
	dst := acquireRGBA(w, h)
	if rect.Dx() == w && rect.Dy() == h {
		stddraw.Draw(dst, dst.Rect, src, rect.Min, stddraw.Src)
		return dst
	}

	switch r.Filter {
	case FilterLanczos3:
		// nfnt/resize reads the whole image, so hand it an origin-based copy.
		tmp := acquireRGBA(rect.Dx(), rect.Dy())
		stddraw.Draw(tmp, tmp.Rect, src, rect.Min, stddraw.Src)
		scaled := resize.Resize(uint(w), uint(h), tmp, resize.Lanczos3)
		stddraw.Draw(dst, dst.Rect, scaled, scaled.Bounds().Min, stddraw.Src)
		releaseRGBA(tmp)
	case FilterBiLinear:
		draw.BiLinear.Scale(dst, dst.Rect, src, rect, draw.Src, nil)
	default:
		draw.CatmullRom.Scale(dst, dst.Rect, src, rect, draw.Src, nil)
	}
	return dst
}

var rgbaPool sync.Pool

// acquireRGBA returns a zeroed w x h RGBA, reusing pooled pixel storage.
func acquireRGBA(w, h int) *image.RGBA {
	n := 4 * w * h
	if v, ok := rgbaPool.Get().(*image.RGBA); ok && cap(v.Pix) >= n {
		v.Pix = v.Pix[:n]
		clear(v.Pix)
		v.Stride = 4 * w
		v.Rect = image.Rect(0, 0, w, h)
		return v
	}
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func releaseRGBA(img *image.RGBA) {
	if img == nil {
		return
	}
	rgbaPool.Put(img)
}
