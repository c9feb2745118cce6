package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/dunamismax/pixelfit/internal/domain"
)

func BenchmarkProcessorResize(b *testing.B) {
	processor := NewProcessor(staticFetcher{data: buildTestPNG(b, 1920, 1080)}, NewEngine(), discardEmitter{})
	req := Request{
		JobID:      "bench",
		SourceType: SourceTypeLocalFile,
		Transform:  domain.TransformConfig{Width: 640, Height: 360, Format: "jpeg", Quality: domain.IntPtr(82)},
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req.JobID = fmt.Sprintf("bench-resize-%d", i)
		if _, err := processor.Process(context.Background(), req); err != nil {
			b.Fatalf("process: %v", err)
		}
	}
}

func BenchmarkProcessorByteBudget(b *testing.B) {
	processor := NewProcessor(staticFetcher{data: buildTestPNG(b, 1920, 1080)}, NewEngine(), discardEmitter{})
	req := Request{
		JobID:      "bench",
		SourceType: SourceTypeLocalFile,
		Transform: domain.TransformConfig{
			Width:       1280,
			Height:      720,
			Rotation:    90,
			Format:      "jpeg",
			TargetBytes: 40 << 10,
		},
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req.JobID = fmt.Sprintf("bench-budget-%d", i)
		if _, err := processor.Process(context.Background(), req); err != nil {
			b.Fatalf("process: %v", err)
		}
	}
}

type staticFetcher struct {
	data []byte
}

func (f staticFetcher) Fetch(_ context.Context, _ Request) ([]byte, error) {
	return f.data, nil
}

type discardEmitter struct{}

func (discardEmitter) Emit(_ context.Context, req Request, res Result) (Output, error) {
	return outputFor(res, "", outputName(req, res.Format)), nil
}
