package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Engine turns a decoded raster and a TransformConfig into encoded bytes.
// It holds no per-request state and is safe for concurrent use.
type Engine struct {
	codec     Codec
	resampler Resampler
	params    SearchParams
	limits    Limits
	logger    *zap.Logger
	onAttempt func(Attempt)
}

// EngineOption configures NewEngine.
type EngineOption func(*Engine)

func WithCodec(c Codec) EngineOption {
	return func(e *Engine) { e.codec = c }
}

func WithFilter(f Filter) EngineOption {
	return func(e *Engine) { e.resampler = Resampler{Filter: f} }
}

func WithSearchParams(p SearchParams) EngineOption {
	return func(e *Engine) { e.params = p }
}

// WithLimits bounds the output canvas; zero fields lift that bound.
func WithLimits(l Limits) EngineOption {
	return func(e *Engine) { e.limits = l }
}

func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithAttemptHook registers fn to observe every encode attempt.
func WithAttemptHook(fn func(Attempt)) EngineOption {
	return func(e *Engine) { e.onAttempt = fn }
}

// NewEngine uses the build's default codec, CatmullRom, DefaultSearchParams
// and DefaultLimits unless overridden.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		codec:     DefaultCodec(),
		resampler: Resampler{Filter: FilterCatmullRom},
		params:    DefaultSearchParams(),
		limits:    DefaultLimits(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Codec() Codec { return e.codec }

// Process runs crop, rotate, flip, resample and budgeted encoding on src.
// Configuration problems are reported before any encode attempt.
func (e *Engine) Process(ctx context.Context, src image.Image, cfg domain.TransformConfig) (Result, error) {
	if src == nil {
		return Result{}, configErr("source", "image is nil")
	}
	cfg, err := e.prepare(cfg)
	if err != nil {
		return Result{}, err
	}

	bounds := src.Bounds()
	w, h := ResolveTarget(cfg, cfg.AspectBase(bounds.Size()))
	g, err := Compose(bounds, cfg.Crop, cfg.Rotation, w, h, e.limits)
	if err != nil {
		return Result{}, err
	}
	g = g.WithFlip(cfg.FlipHorizontal, cfg.FlipVertical)

	bg, err := BackgroundFor(cfg.Format, cfg.BackgroundColor)
	if err != nil {
		return Result{}, err
	}

	enc := &BudgetEncoder{
		Codec:     e.codec,
		Resampler: e.resampler,
		Params:    e.params,
		OnAttempt: e.onAttempt,
	}

	started := time.Now()
	res, err := enc.Encode(ctx, EncodeRequest{
		Source:      src,
		Geometry:    g,
		Format:      cfg.Format,
		Background:  bg,
		Quality:     cfg.QualityPercent(),
		TargetBytes: cfg.TargetBytes,
	})
	if err != nil {
		return Result{}, err
	}

	fields := []zap.Field{
		zap.String("format", string(res.Format)),
		zap.String("mode", string(res.Mode)),
		zap.Int("width", res.Width),
		zap.Int("height", res.Height),
		zap.Float64("quality", res.Quality),
		zap.Int("attempts", res.Attempts),
		zap.String("size", humanize.IBytes(uint64(len(res.Data)))),
		zap.Duration("elapsed", time.Since(started)),
	}
	if !res.BudgetMet {
		e.logger.Warn("byte budget not met",
			append(fields, zap.String("target", humanize.IBytes(uint64(cfg.TargetBytes))))...)
	} else {
		e.logger.Debug("image encoded", fields...)
	}
	return res, nil
}

// ProcessBytes decodes data with the engine's codec and runs Process.
func (e *Engine) ProcessBytes(ctx context.Context, data []byte, cfg domain.TransformConfig) (Result, error) {
	src, _, err := e.codec.Decode(data)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return e.Process(ctx, src, cfg)
}

func (e *Engine) prepare(cfg domain.TransformConfig) (domain.TransformConfig, error) {
	normalized, err := cfg.Normalize()
	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedFormat) {
			return cfg, err
		}
		return cfg, configErr("transform", "%v", err)
	}
	if err := normalized.Validate(); err != nil {
		return cfg, configErr("transform", "%v", err)
	}
	if normalized.Width < 0 || normalized.Height < 0 {
		return cfg, configErr("size", "negative dimensions %gx%g", normalized.Width, normalized.Height)
	}
	return normalized, nil
}
