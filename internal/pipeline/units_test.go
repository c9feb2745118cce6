package pipeline

import (
	"image"
	"testing"

	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestResolveTarget(t *testing.T) {
	base := image.Pt(1000, 600)
	tests := []struct {
		name  string
		cfg   domain.TransformConfig
		wantW int
		wantH int
	}{
		{"pixels pass through", domain.TransformConfig{Width: 320, Height: 200, Unit: domain.UnitPixels}, 320, 200},
		{"zero pixels fall back to base", domain.TransformConfig{Unit: domain.UnitPixels}, 1000, 600},
		{"percent of base", domain.TransformConfig{Width: 50, Height: 25, Unit: domain.UnitPercent}, 500, 150},
		{"percent rounds half up", domain.TransformConfig{Width: 12.5, Height: 0.25, Unit: domain.UnitPercent}, 125, 2},
		{"inches at 300 dpi", domain.TransformConfig{Width: 2, Height: 1.5, Unit: domain.UnitInches, DPI: 300}, 600, 450},
		{"inches default dpi", domain.TransformConfig{Width: 1, Height: 1, Unit: domain.UnitInches}, 72, 72},
		{"huge values clamp instead of wrapping", domain.TransformConfig{Width: 1e30, Height: 1e12, Unit: domain.UnitPixels}, maxResolved, maxResolved},
		{"centimeters", domain.TransformConfig{Width: 2.54, Height: 5.08, Unit: domain.UnitCentimeters, DPI: 100}, 100, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := ResolveTarget(tt.cfg, base)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}

func TestResolveTargetUsesCropAsPercentBase(t *testing.T) {
	cfg := domain.TransformConfig{
		Width:  50,
		Height: 50,
		Unit:   domain.UnitPercent,
		Crop:   &domain.CropRect{X: 10, Y: 10, Width: 200, Height: 80},
	}
	w, h := ResolveTarget(cfg, cfg.AspectBase(image.Pt(1000, 600)))
	assert.Equal(t, 100, w)
	assert.Equal(t, 40, h)
}
