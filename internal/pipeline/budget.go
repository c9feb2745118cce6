package pipeline

import (
	"bytes"
	"context"
	"image"
	"sync"

	"github.com/dunamismax/pixelfit/internal/domain"
)

// Mode records which stage of the byte-budget search produced a result.
type Mode string

const (
	ModeDirect             Mode = "direct"
	ModeQualitySearch      Mode = "quality_search"
	ModeResolutionFallback Mode = "resolution_fallback"
	ModeLastResort         Mode = "last_resort"
)

// SearchParams bounds the byte-budget search. Every loop is finite, so an
// encode always terminates after at most Iterations+1 quality attempts plus
// one attempt per scale step plus the last resort.
type SearchParams struct {
	QualityFloor      float64
	QualityCeil       float64
	Iterations        int
	ScaleStep         float64
	MinScale          float64
	FallbackQuality   float64
	LastResortScale   float64
	LastResortQuality float64
}

// DefaultSearchParams returns the bounds used by NewEngine: quality search
// over [0.05, 1] in 12 steps, 5% scale steps, last resort at 10% and q 0.40.
func DefaultSearchParams() SearchParams {
	return SearchParams{
		QualityFloor:      0.05,
		QualityCeil:       1.0,
		Iterations:        12,
		ScaleStep:         0.05,
		MinScale:          0.05,
		FallbackQuality:   0.75,
		LastResortScale:   0.10,
		LastResortQuality: 0.40,
	}
}

// Result is one encoded image. Data is owned by the caller. BudgetMet is
// false only when the last resort still exceeds the target.
type Result struct {
	Data      []byte
	Width     int
	Height    int
	Format    domain.Format
	Mode      Mode
	Quality   float64
	Attempts  int
	BudgetMet bool
}

// Attempt describes one encode inside a search, reported to OnAttempt.
type Attempt struct {
	Mode    Mode
	Width   int
	Height  int
	Quality float64
	Bytes   int
	Fits    bool
}

// EncodeRequest is the laid-out work for one budgeted encode. Quality is
// 0-100 and TargetBytes <= 0 disables the search.
type EncodeRequest struct {
	Source      image.Image
	Geometry    Geometry
	Format      domain.Format
	Background  Background
	Quality     int
	TargetBytes int64
}

// BudgetEncoder drives the codec until the output fits TargetBytes, or
// encodes once at Quality when no budget is set.
type BudgetEncoder struct {
	Codec     Codec
	Resampler Resampler
	Params    SearchParams
	OnAttempt func(Attempt)
}

func (e *BudgetEncoder) Encode(ctx context.Context, req EncodeRequest) (Result, error) {
	s := &search{enc: e, req: req, params: e.Params}
	if s.params.Iterations <= 0 {
		s.params = DefaultSearchParams()
	}

	if req.TargetBytes <= 0 {
		return s.direct(ctx)
	}

	searched := false
	if e.Codec.SupportsQuality(req.Format) {
		searched = true
		res, ok, err := s.qualitySearch(ctx)
		if err != nil || ok {
			return res, err
		}
	}

	res, ok, err := s.resolutionFallback(ctx, searched)
	if err != nil || ok {
		return res, err
	}
	return s.lastResort(ctx)
}

type search struct {
	enc      *BudgetEncoder
	req      EncodeRequest
	params   SearchParams
	attempts int
}

func (s *search) direct(ctx context.Context) (Result, error) {
	q := float64(s.req.Quality) / 100
	buf, err := s.renderAndEncode(ctx, s.req.Geometry, q, ModeDirect)
	if err != nil {
		return Result{}, err
	}
	defer releaseBuffer(buf)
	return s.result(buf, s.req.Geometry, q, ModeDirect, true), nil
}

// qualitySearch binary-searches the quality knob at full canvas size,
// keeping the highest quality that fits. Encoded size is assumed to be
// non-decreasing in quality.
func (s *search) qualitySearch(ctx context.Context) (Result, bool, error) {
	g := s.req.Geometry
	canvas := render(s.req.Source, g, s.req.Background, s.enc.Resampler)
	defer releaseRGBA(canvas)

	var (
		best     []byte
		bestQ    float64
		low      = s.params.QualityFloor
		high     = s.params.QualityCeil
		tryFloor = true
	)
	for i := 0; i < s.params.Iterations; i++ {
		mid := (low + high) / 2
		data, err := s.encodeFit(ctx, canvas, g, mid, ModeQualitySearch)
		if err != nil {
			return Result{}, false, err
		}
		if data != nil {
			best, bestQ, low = data, mid, mid
			tryFloor = false
		} else {
			high = mid
		}
	}

	if best == nil && tryFloor {
		data, err := s.encodeFit(ctx, canvas, g, s.params.QualityFloor, ModeQualitySearch)
		if err != nil {
			return Result{}, false, err
		}
		best, bestQ = data, s.params.QualityFloor
	}
	if best == nil {
		return Result{}, false, nil
	}

	return Result{
		Data:      best,
		Width:     g.CanvasWidth,
		Height:    g.CanvasHeight,
		Format:    s.req.Format,
		Mode:      ModeQualitySearch,
		Quality:   bestQ,
		Attempts:  s.attempts,
		BudgetMet: true,
	}, true, nil
}

// resolutionFallback shrinks the canvas step by step at a fixed quality.
// After a failed quality search the full-size attempt is skipped since it
// cannot fit at a higher quality than the floor that already failed.
func (s *search) resolutionFallback(ctx context.Context, skipFull bool) (Result, bool, error) {
	q := 1.0
	if s.enc.Codec.SupportsQuality(s.req.Format) {
		q = s.params.FallbackQuality
	}

	start := 0
	if skipFull {
		start = 1
	}
	var lastW, lastH int
	for i := start; ; i++ {
		scale := 1 - float64(i)*s.params.ScaleStep
		if scale < s.params.MinScale-1e-9 {
			break
		}
		g := s.req.Geometry.Scaled(scale)
		if g.CanvasWidth == lastW && g.CanvasHeight == lastH {
			continue
		}
		lastW, lastH = g.CanvasWidth, g.CanvasHeight

		canvas := render(s.req.Source, g, s.req.Background, s.enc.Resampler)
		data, err := s.encodeFit(ctx, canvas, g, q, ModeResolutionFallback)
		releaseRGBA(canvas)
		if err != nil {
			return Result{}, false, err
		}
		if data != nil {
			return Result{
				Data:      data,
				Width:     g.CanvasWidth,
				Height:    g.CanvasHeight,
				Format:    s.req.Format,
				Mode:      ModeResolutionFallback,
				Quality:   q,
				Attempts:  s.attempts,
				BudgetMet: true,
			}, true, nil
		}
	}
	return Result{}, false, nil
}

// lastResort returns an aggressively reduced encode whether or not it fits.
func (s *search) lastResort(ctx context.Context) (Result, error) {
	q := 1.0
	if s.enc.Codec.SupportsQuality(s.req.Format) {
		q = s.params.LastResortQuality
	}
	g := s.req.Geometry.Scaled(s.params.LastResortScale)
	buf, err := s.renderAndEncode(ctx, g, q, ModeLastResort)
	if err != nil {
		return Result{}, err
	}
	defer releaseBuffer(buf)
	return s.result(buf, g, q, ModeLastResort, int64(buf.Len()) <= s.req.TargetBytes), nil
}

func (s *search) renderAndEncode(ctx context.Context, g Geometry, q float64, mode Mode) (*bytes.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	canvas := render(s.req.Source, g, s.req.Background, s.enc.Resampler)
	defer releaseRGBA(canvas)
	return s.encode(ctx, canvas, g, q, mode)
}

// encodeFit encodes once and returns a private copy of the bytes only when
// they fit the budget; the scratch buffer is always released.
func (s *search) encodeFit(ctx context.Context, canvas *image.RGBA, g Geometry, q float64, mode Mode) ([]byte, error) {
	buf, err := s.encode(ctx, canvas, g, q, mode)
	if err != nil {
		return nil, err
	}
	defer releaseBuffer(buf)

	if int64(buf.Len()) > s.req.TargetBytes {
		return nil, nil
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (s *search) encode(ctx context.Context, canvas *image.RGBA, g Geometry, q float64, mode Mode) (*bytes.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := acquireBuffer()
	if err := s.enc.Codec.Encode(buf, canvas, s.req.Format, q); err != nil {
		releaseBuffer(buf)
		return nil, err
	}
	s.attempts++

	if s.enc.OnAttempt != nil {
		s.enc.OnAttempt(Attempt{
			Mode:    mode,
			Width:   g.CanvasWidth,
			Height:  g.CanvasHeight,
			Quality: q,
			Bytes:   buf.Len(),
			Fits:    s.req.TargetBytes <= 0 || int64(buf.Len()) <= s.req.TargetBytes,
		})
	}
	return buf, nil
}

func (s *search) result(buf *bytes.Buffer, g Geometry, q float64, mode Mode, met bool) Result {
	return Result{
		Data:      bytes.Clone(buf.Bytes()),
		Width:     g.CanvasWidth,
		Height:    g.CanvasHeight,
		Format:    s.req.Format,
		Mode:      mode,
		Quality:   q,
		Attempts:  s.attempts,
		BudgetMet: met,
	}
}

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

func acquireBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func releaseBuffer(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	bufferPool.Put(buf)
}
