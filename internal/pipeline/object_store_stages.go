package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/dunamismax/pixelfit/internal/storage"
)

const SourceTypeS3Presigned = domain.SourceTypeS3Presigned

// ObjectStore is the subset of the storage client the stages need.
type ObjectStore interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, obj storage.Object) error
}

type ObjectStoreFetcher struct {
	Storage ObjectStore
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if !strings.EqualFold(req.SourceType, SourceTypeS3Presigned) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.ReadObject(ctx, req.ObjectKey)
}

type ObjectStoreEmitter struct {
	Storage      ObjectStore
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, res Result) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}

	name := outputName(req, res.Format)
	objectKey := path.Join(defaultOutputPrefix(e.OutputPrefix), sanitizePathToken(req.JobID), name)

	err := e.Storage.WriteObject(ctx, storage.Object{
		Key:         objectKey,
		Data:        res.Data,
		ContentType: res.Format.ContentType(),
		FileName:    name,
		Metadata: map[string]string{
			"encode-mode": string(res.Mode),
			"quality":     strconv.FormatFloat(res.Quality, 'f', 4, 64),
			"budget-met":  strconv.FormatBool(res.BudgetMet),
		},
	})
	if err != nil {
		return Output{}, err
	}
	return outputFor(res, objectKey, name), nil
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "outputs"
	}
	return prefix
}
