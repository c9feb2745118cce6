package store

import (
	"context"
	"errors"
	"strings"

	"github.com/dunamismax/pixelfit/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	// Complete marks the job succeeded and records its output.
	Complete(ctx context.Context, id string, result domain.JobResult) (domain.Job, error)
	// Fail marks the job failed with a reason shown to API callers.
	Fail(ctx context.Context, id, reason string) (domain.Job, error)
}

type UsageStore interface {
	RecordUsage(ctx context.Context, usage domain.UsageLog) error
}

// Backend is a store that keeps both jobs and usage logs.
type Backend interface {
	JobStore
	UsageStore
}

// Open returns the Postgres store for a non-empty DSN and an in-memory
// store otherwise. The close func is always safe to call.
func Open(ctx context.Context, dsn string) (Backend, func() error, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewMemoryJobStore(), func() error { return nil }, nil
	}
	pg, err := NewPostgresJobStore(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
