//go:build govips && cgo

package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/pixelfit/internal/domain"
)

// govipsCodec decodes with the standard library and hands the rendered
// canvas to libvips for export.
type govipsCodec struct{}

func (govipsCodec) Name() string { return "govips" }

func (govipsCodec) Decode(data []byte) (image.Image, string, error) {
	return decodeNative(data)
}

func (govipsCodec) SupportsQuality(format domain.Format) bool {
	return format == domain.FormatJPEG || format == domain.FormatWebP
}

func (govipsCodec) Encode(w io.Writer, img image.Image, format domain.Format, quality float64) error {
	var raw bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.NoCompression, BufferPool: pngBuffers}
	if err := enc.Encode(&raw, img); err != nil {
		return &EncodingError{Format: format, Err: fmt.Errorf("stage raster: %w", err)}
	}

	ref, err := vips.NewImageFromBuffer(raw.Bytes())
	if err != nil {
		return &EncodingError{Format: format, Err: fmt.Errorf("load raster: %w", err)}
	}
	defer ref.Close()

	data, err := exportGovipsImage(ref, format, nativeQuality(quality, 1))
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write encoded image: %w", err)
	}
	return nil
}

func exportGovipsImage(img *vips.ImageRef, format domain.Format, quality int) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch format {
	case domain.FormatJPEG:
		params := vips.NewJpegExportParams()
		params.Quality = quality
		data, _, err = img.ExportJpeg(params)
	case domain.FormatPNG:
		params := vips.NewPngExportParams()
		params.Compression = 9
		data, _, err = img.ExportPng(params)
	case domain.FormatWebP:
		params := vips.NewWebpExportParams()
		params.Quality = quality
		data, _, err = img.ExportWebp(params)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, &EncodingError{Format: format, Err: err}
	}
	return data, nil
}
