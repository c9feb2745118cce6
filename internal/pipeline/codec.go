package pipeline

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Codec is the external decode/encode capability the pipeline drives.
// quality is in [0, 1] and is mapped to the codec's native range.
type Codec interface {
	Name() string
	Decode(data []byte) (image.Image, string, error)
	Encode(w io.Writer, img image.Image, format domain.Format, quality float64) error
	SupportsQuality(format domain.Format) bool
}

// DefaultCodec returns the codec selected at build time.
func DefaultCodec() Codec {
	return newCodec()
}

type nativeCodec struct{}

func (nativeCodec) Name() string { return "native" }

func (nativeCodec) Decode(data []byte) (image.Image, string, error) {
	return decodeNative(data)
}

func decodeNative(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("decode source image: empty input")
	}
	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, "", fmt.Errorf("decode source image: not an image (%s)", mtype.String())
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode source image: %w", err)
	}
	return img, format, nil
}

func (nativeCodec) SupportsQuality(format domain.Format) bool {
	switch format {
	case domain.FormatJPEG:
		return true
	case domain.FormatWebP:
		return webpAvailable
	default:
		return false
	}
}

func (nativeCodec) Encode(w io.Writer, img image.Image, format domain.Format, quality float64) error {
	var err error
	switch format {
	case domain.FormatJPEG:
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: nativeQuality(quality, 1)})
	case domain.FormatPNG:
		enc := png.Encoder{CompressionLevel: png.BestCompression, BufferPool: pngBuffers}
		err = enc.Encode(w, img)
	case domain.FormatWebP:
		err = encodeWebP(w, img, quality)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return &EncodingError{Format: format, Err: err}
	}
	return nil
}

// nativeQuality maps [0, 1] onto the 0-100 scale codecs expect, clamped
// at floor.
func nativeQuality(q float64, floor int) int {
	v := int(math.Round(q * 100))
	if v < floor {
		return floor
	}
	if v > 100 {
		return 100
	}
	return v
}

type pngBufferPool struct {
	pool sync.Pool
}

func (p *pngBufferPool) Get() *png.EncoderBuffer {
	b, _ := p.pool.Get().(*png.EncoderBuffer)
	return b
}

func (p *pngBufferPool) Put(b *png.EncoderBuffer) {
	p.pool.Put(b)
}

var pngBuffers = &pngBufferPool{}
