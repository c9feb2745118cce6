//go:build !cgo

package pipeline

import (
	"fmt"
	"image"
	"io"
)

const webpAvailable = false

func encodeWebP(io.Writer, image.Image, float64) error {
	return fmt.Errorf("%w: webp export requires cgo", ErrUnsupportedFormat)
}
