package domain

import (
	"errors"
	"fmt"
	"image"
	"math"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrUnsupportedUnit   = errors.New("unsupported unit")
	ErrUnsupportedFormat = errors.New("unsupported format")
)

type Unit string

const (
	UnitPixels      Unit = "px"
	UnitPercent     Unit = "%"
	UnitInches      Unit = "in"
	UnitCentimeters Unit = "cm"
)

// ParseUnit accepts the short unit symbols as well as their spelled-out
// names. An empty string means pixels.
func ParseUnit(in string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(in)) {
	case "", "px", "pixel", "pixels":
		return UnitPixels, nil
	case "%", "pct", "percent":
		return UnitPercent, nil
	case "in", "inch", "inches":
		return UnitInches, nil
	case "cm", "centimeter", "centimeters":
		return UnitCentimeters, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedUnit, in)
	}
}

type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
)

// ParseFormat normalizes extensions and MIME types to a Format.
func ParseFormat(in string) (Format, error) {
	s := strings.ToLower(strings.TrimSpace(in))
	s = strings.TrimPrefix(s, "image/")
	s = strings.TrimPrefix(s, ".")
	switch s {
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, in)
	}
}

// HasAlpha reports whether encoded output can carry transparency.
func (f Format) HasAlpha() bool {
	return f == FormatPNG || f == FormatWebP
}

func (f Format) Extension() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}

func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	default:
		return "image/png"
	}
}

const (
	BackgroundTransparent = "transparent"
	DefaultDPI            = 72
	DefaultQuality        = 92
)

type CropRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width" validate:"gt=0"`
	Height int `json:"height" validate:"gt=0"`
}

func (c CropRect) Rect() image.Rectangle {
	return image.Rect(c.X, c.Y, c.X+c.Width, c.Y+c.Height)
}

// TransformConfig describes one resize/convert request. Width and Height are
// interpreted in Unit. TargetBytes > 0 selects byte-budget encoding and takes
// precedence over Quality.
type TransformConfig struct {
	Width               float64   `json:"width" validate:"gte=0"`
	Height              float64   `json:"height" validate:"gte=0"`
	Unit                Unit      `json:"unit,omitempty"`
	DPI                 float64   `json:"dpi,omitempty" validate:"gte=0"`
	MaintainAspectRatio bool      `json:"maintain_aspect_ratio"`
	Rotation            float64   `json:"rotation,omitempty"`
	FlipHorizontal      bool      `json:"flip_horizontal,omitempty"`
	FlipVertical        bool      `json:"flip_vertical,omitempty"`
	BackgroundColor     string    `json:"background_color,omitempty" validate:"omitempty,hexcolor|eq=transparent"`
	Format              Format    `json:"format"`
	Quality             *int      `json:"quality,omitempty" validate:"omitempty,gte=0,lte=100"`
	TargetBytes         int64     `json:"target_bytes,omitempty" validate:"gte=0"`
	Crop                *CropRect `json:"crop,omitempty" validate:"omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalize canonicalizes unit and format spellings and fills defaults.
func (c TransformConfig) Normalize() (TransformConfig, error) {
	unit, err := ParseUnit(string(c.Unit))
	if err != nil {
		return c, err
	}
	c.Unit = unit

	format, err := ParseFormat(string(c.Format))
	if err != nil {
		return c, err
	}
	c.Format = format

	if c.DPI <= 0 {
		c.DPI = DefaultDPI
	}
	if c.Quality == nil {
		c.Quality = IntPtr(DefaultQuality)
	}
	c.BackgroundColor = strings.ToLower(strings.TrimSpace(c.BackgroundColor))
	if c.BackgroundColor == "" {
		if format.HasAlpha() {
			c.BackgroundColor = BackgroundTransparent
		} else {
			c.BackgroundColor = "#ffffff"
		}
	}
	return c, nil
}

func (c TransformConfig) Validate() error {
	normalized, err := c.Normalize()
	if err != nil {
		return err
	}
	if err := validate.Struct(normalized); err != nil {
		return fmt.Errorf("invalid transform: %w", err)
	}
	return nil
}

// QualityPercent is the configured 0-100 quality, DefaultQuality when unset.
// An explicit 0 is kept.
func (c TransformConfig) QualityPercent() int {
	if c.Quality == nil {
		return DefaultQuality
	}
	return *c.Quality
}

// IntPtr returns a pointer to v, for optional integer fields.
func IntPtr(v int) *int {
	return &v
}

// UsesByteBudget reports whether the encode step searches for TargetBytes.
func (c TransformConfig) UsesByteBudget() bool {
	return c.TargetBytes > 0
}

// AspectBase is the extent the aspect lock and percent units refer to.
func (c TransformConfig) AspectBase(source image.Point) image.Point {
	if c.Crop != nil {
		return image.Pt(c.Crop.Width, c.Crop.Height)
	}
	return source
}

// WithWidth sets the width and, when the aspect ratio is locked in pixel
// units, recomputes the height from the crop or source ratio.
func (c TransformConfig) WithWidth(width float64, source image.Point) TransformConfig {
	c.Width = width
	if ratio, ok := c.lockedRatio(source); ok {
		c.Height = math.Round(width / ratio)
	}
	return c
}

// WithHeight is the vertical counterpart of WithWidth.
func (c TransformConfig) WithHeight(height float64, source image.Point) TransformConfig {
	c.Height = height
	if ratio, ok := c.lockedRatio(source); ok {
		c.Width = math.Round(height * ratio)
	}
	return c
}

func (c TransformConfig) lockedRatio(source image.Point) (float64, bool) {
	if !c.MaintainAspectRatio || (c.Unit != UnitPixels && c.Unit != "") {
		return 0, false
	}
	base := c.AspectBase(source)
	if base.X <= 0 || base.Y <= 0 {
		return 0, false
	}
	return float64(base.X) / float64(base.Y), true
}

// OutputFileName derives "<base>_resized.<ext>" from the uploaded file name.
func OutputFileName(original string, format Format) string {
	base := filepath.Base(strings.TrimSpace(original))
	if base == "." || base == "/" || base == "" {
		base = "image"
	}
	if ext := filepath.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return fmt.Sprintf("%s_resized.%s", base, format.Extension())
}
