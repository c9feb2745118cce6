package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"testing"

	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestEngineRotatedBudgetedJPEG(t *testing.T) {
	var attempts int
	engine := NewEngine(WithAttemptHook(func(Attempt) { attempts++ }))

	res, err := engine.Process(context.Background(), gradient(1000, 600), domain.TransformConfig{
		Width:       400,
		Height:      300,
		Rotation:    90,
		Format:      "jpeg",
		TargetBytes: 20 << 10,
	})
	require.NoError(t, err)
	assert.True(t, res.BudgetMet)
	assert.LessOrEqual(t, len(res.Data), 20<<10)
	assert.Equal(t, res.Attempts, attempts)

	img, err := jpeg.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 300, 400), img.Bounds())
	assert.Equal(t, 300, res.Width)
	assert.Equal(t, 400, res.Height)
}

func TestEngineRejectsConfigBeforeEncoding(t *testing.T) {
	tests := []struct {
		name string
		cfg  domain.TransformConfig
	}{
		{"crop out of bounds", domain.TransformConfig{Format: "png", Crop: &domain.CropRect{X: 50, Y: 50, Width: 100, Height: 10}}},
		{"bad colour", domain.TransformConfig{Format: "png", BackgroundColor: "nope"}},
		{"quality too high", domain.TransformConfig{Format: "jpeg", Quality: domain.IntPtr(101)}},
		{"bad unit", domain.TransformConfig{Format: "png", Unit: "furlong"}},
		{"negative width", domain.TransformConfig{Format: "png", Width: -5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec := &sizeCodec{lossy: true}
			_, err := NewEngine(WithCodec(codec)).Process(context.Background(), gradient(64, 64), tt.cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.True(t, IsPermanent(err))
			assert.Zero(t, codec.calls)
		})
	}
}

func TestEngineDirectQualityReachesCodec(t *testing.T) {
	for _, tt := range []struct {
		name    string
		quality *int
		want    float64
	}{
		{"explicit zero", domain.IntPtr(0), 0},
		{"explicit value", domain.IntPtr(35), 0.35},
		{"unset", nil, float64(domain.DefaultQuality) / 100},
	} {
		t.Run(tt.name, func(t *testing.T) {
			codec := &sizeCodec{lossy: true}
			res, err := NewEngine(WithCodec(codec)).Process(context.Background(), gradient(16, 16), domain.TransformConfig{
				Format:  "jpeg",
				Quality: tt.quality,
			})
			require.NoError(t, err)
			assert.Equal(t, ModeDirect, res.Mode)
			assert.InDelta(t, tt.want, res.Quality, 1e-9)
			require.Len(t, codec.qualities, 1)
			assert.InDelta(t, tt.want, codec.qualities[0], 1e-9)
		})
	}
}

func TestEngineRejectsOversizedTargets(t *testing.T) {
	for _, tt := range []struct {
		name string
		cfg  domain.TransformConfig
	}{
		{"beyond int range", domain.TransformConfig{Width: 1e10, Height: 1e10, Format: "png"}},
		{"beyond rgba range", domain.TransformConfig{Width: 2e9, Height: 2e9, Format: "png"}},
		{"would exhaust memory", domain.TransformConfig{Width: 60000, Height: 60000, Format: "png"}},
		{"long side", domain.TransformConfig{Width: 20000, Height: 10, Format: "jpeg"}},
		{"percent blowup", domain.TransformConfig{Width: 1e6, Height: 1e6, Unit: "%", Format: "png"}},
		{"inches blowup", domain.TransformConfig{Width: 500, Height: 500, Unit: "in", DPI: 300, Format: "png"}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			codec := &sizeCodec{}
			_, err := NewEngine(WithCodec(codec)).Process(context.Background(), gradient(8, 8), tt.cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, "target", cfgErr.Field)
			assert.Zero(t, codec.calls)
		})
	}
}

func TestEngineLimitsAreConfigurable(t *testing.T) {
	engine := NewEngine(WithCodec(&sizeCodec{}), WithLimits(Limits{MaxPixels: 100}))
	_, err := engine.Process(context.Background(), gradient(8, 8), domain.TransformConfig{Width: 11, Height: 10, Format: "png"})
	require.ErrorIs(t, err, ErrInvalidConfig)

	res, err := engine.Process(context.Background(), gradient(8, 8), domain.TransformConfig{Width: 10, Height: 10, Format: "png"})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Width)
}

func TestEngineUnsupportedFormat(t *testing.T) {
	_, err := NewEngine().Process(context.Background(), gradient(8, 8), domain.TransformConfig{Format: "gif"})
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestEngineCropAndFlip(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 20, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			src.SetRGBA(x, y, green)
		}
	}
	src.SetRGBA(10, 0, red)

	res, err := NewEngine(WithFilter(FilterBiLinear)).Process(context.Background(), src, domain.TransformConfig{
		Format:         "png",
		FlipHorizontal: true,
		Crop:           &domain.CropRect{X: 10, Y: 0, Width: 10, Height: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Width)
	assert.Equal(t, 10, res.Height)

	img, _, err := nativeCodec{}.Decode(res.Data)
	require.NoError(t, err)
	sameColor(t, red, img.At(9, 0), "crop origin mirrors to the right edge")
}

func TestEngineLogsBudgetMiss(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	engine := NewEngine(WithCodec(&sizeCodec{lossy: true}), WithLogger(zap.New(core)))

	res, err := engine.Process(context.Background(), gradient(100, 100), domain.TransformConfig{
		Format:      "jpeg",
		TargetBytes: 5,
	})
	require.NoError(t, err)
	assert.False(t, res.BudgetMet)
	require.Equal(t, 1, logs.FilterMessage("byte budget not met").Len())
}

func TestEngineProcessBytesRejectsGarbage(t *testing.T) {
	_, err := NewEngine().ProcessBytes(context.Background(), []byte("plain text"), domain.TransformConfig{Format: "png"})
	require.ErrorIs(t, err, ErrUndecodable)
}
