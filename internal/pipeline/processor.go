package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/pixelfit/internal/domain"
)

const SourceTypeLocalFile = "local_file"

type Request struct {
	JobID      string
	SourceType string
	ObjectKey  string
	FileName   string
	Transform  domain.TransformConfig
}

type Output struct {
	Format    domain.Format
	Path      string
	FileName  string
	Bytes     int
	Width     int
	Height    int
	Mode      Mode
	Quality   float64
	Attempts  int
	BudgetMet bool
}

type ProcessResult struct {
	Output      Output
	SourceBytes int
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, res Result) (Output, error)
}

// Processor runs fetch, transform and emit for one job.
type Processor struct {
	fetcher Fetcher
	engine  *Engine
	emitter Emitter
}

func NewProcessor(fetcher Fetcher, engine *Engine, emitter Emitter) *Processor {
	if engine == nil {
		engine = NewEngine()
	}
	return &Processor{fetcher: fetcher, engine: engine, emitter: emitter}
}

// NewLocalProcessor reads sources from inputRoot (any path when empty) and
// writes outputs under outputDir.
func NewLocalProcessor(inputRoot, outputDir string, opts ...EngineOption) *Processor {
	return NewProcessor(LocalFileFetcher{Root: inputRoot}, NewEngine(opts...), LocalFileEmitter{OutputDir: outputDir})
}

func (p *Processor) Process(ctx context.Context, req Request) (ProcessResult, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return ProcessResult{}, errors.New("job_id is required")
	}

	sourceBytes, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("fetch stage: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return ProcessResult{}, err
	}

	encoded, err := p.engine.ProcessBytes(ctx, sourceBytes, req.Transform)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("transform stage: %w", err)
	}

	written, err := p.emitter.Emit(ctx, req, encoded)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("emit stage: %w", err)
	}
	return ProcessResult{Output: written, SourceBytes: len(sourceBytes)}, nil
}

// LocalFileFetcher reads local_file sources. With Root set, keys are
// resolved inside Root through os.Root, so ".." and symlinks cannot leave
// it; an empty Root reads any path.
type LocalFileFetcher struct {
	Root string
}

func (f LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := f.open(req.ObjectKey)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", req.ObjectKey, err)
	}
	return data, nil
}

// Exists reports whether key names a readable regular file.
func (f LocalFileFetcher) Exists(key string) (bool, error) {
	file, err := f.open(key)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return false, fmt.Errorf("stat input file %s: %w", key, err)
	}
	return info.Mode().IsRegular(), nil
}

func (f LocalFileFetcher) open(key string) (*os.File, error) {
	if strings.TrimSpace(f.Root) == "" {
		file, err := os.Open(key)
		if err != nil {
			return nil, fmt.Errorf("open input file %s: %w", key, err)
		}
		return file, nil
	}

	rel, err := f.relative(key)
	if err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(f.Root)
	if err != nil {
		return nil, fmt.Errorf("open input root: %w", err)
	}
	defer root.Close()

	file, err := root.Open(rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open input file %s: %w", key, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceOutsideRoot, key, err)
	}
	return file, nil
}

// relative maps key onto a path relative to Root. Absolute keys must
// already lie under Root.
func (f LocalFileFetcher) relative(key string) (string, error) {
	if !filepath.IsAbs(key) {
		return filepath.Clean(key), nil
	}
	absRoot, err := filepath.Abs(f.Root)
	if err != nil {
		return "", fmt.Errorf("resolve input root: %w", err)
	}
	rel, err := filepath.Rel(absRoot, filepath.Clean(key))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrSourceOutsideRoot, key)
	}
	return rel, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, res Result) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	name := outputName(req, res.Format)
	fullPath := filepath.Join(jobDir, name)
	if err := os.WriteFile(fullPath, res.Data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}
	return outputFor(res, fullPath, name), nil
}

// outputName keeps the uploaded base name, falling back to the object key.
func outputName(req Request, format domain.Format) string {
	original := req.FileName
	if strings.TrimSpace(original) == "" {
		original = filepath.Base(req.ObjectKey)
	}
	name := domain.OutputFileName(original, format)
	ext := filepath.Ext(name)
	return sanitizePathToken(strings.TrimSuffix(name, ext)) + ext
}

func outputFor(res Result, path, name string) Output {
	return Output{
		Format:    res.Format,
		Path:      path,
		FileName:  name,
		Bytes:     len(res.Data),
		Width:     res.Width,
		Height:    res.Height,
		Mode:      res.Mode,
		Quality:   res.Quality,
		Attempts:  res.Attempts,
		BudgetMet: res.BudgetMet,
	}
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
