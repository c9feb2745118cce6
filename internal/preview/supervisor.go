// Package preview keeps interactive transforms responsive: each session
// runs at most one transform at a time and a newer request always wins.
package preview

import (
	"context"
	"errors"
	"sync"

	"github.com/dunamismax/pixelfit/internal/pipeline"
)

var ErrSuperseded = errors.New("superseded by a newer request")

// Func is one transform run. It must honour ctx cancellation.
type Func func(ctx context.Context) (pipeline.Result, error)

// Supervisor serializes a session's transforms by generation. Starting a
// new generation cancels the previous run, whose caller then gets
// ErrSuperseded instead of a stale result.
type Supervisor struct {
	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

func (s *Supervisor) Submit(ctx context.Context, fn Func) (pipeline.Result, error) {
	runCtx, gen := s.begin(ctx)
	defer s.finish(gen)

	res, err := fn(runCtx)
	if s.Generation() != gen {
		return pipeline.Result{}, ErrSuperseded
	}
	return res, err
}

// Cancel abandons the in-flight run, if any, without starting a new one.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Supervisor) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Supervisor) begin(ctx context.Context) (context.Context, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.cancel != nil {
		s.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	return runCtx, s.gen
}

func (s *Supervisor) finish(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
