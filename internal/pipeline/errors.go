package pipeline

import (
	"errors"
	"fmt"

	"github.com/dunamismax/pixelfit/internal/domain"
)

var (
	ErrUnsupportedSourceType = errors.New("unsupported source_type")
	ErrUnsupportedFormat     = domain.ErrUnsupportedFormat
	ErrInvalidConfig         = errors.New("invalid transform configuration")
	ErrEncoding              = errors.New("encoding failed")
	ErrUndecodable           = errors.New("source is not a decodable image")
	ErrSourceOutsideRoot     = errors.New("source path escapes the input root")
)

// ConfigurationError is reported before any encode attempt and is never
// worth retrying with the same input.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrInvalidConfig
}

func configErr(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// EncodingError wraps a codec rejection of a pixel buffer or format.
type EncodingError struct {
	Format domain.Format
	Err    error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Format, e.Err)
}

func (e *EncodingError) Unwrap() []error {
	return []error{ErrEncoding, e.Err}
}

// IsPermanent reports whether retrying the same request cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrEncoding) ||
		errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrUndecodable) ||
		errors.Is(err, ErrUnsupportedSourceType) ||
		errors.Is(err, ErrSourceOutsideRoot)
}
