//go:build cgo

package pipeline

import (
	"image"
	"io"

	"github.com/chai2010/webp"
)

const webpAvailable = true

func encodeWebP(w io.Writer, img image.Image, quality float64) error {
	return webp.Encode(w, img, &webp.Options{Quality: float32(nativeQuality(quality, 0))})
}
