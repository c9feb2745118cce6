package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/dunamismax/pixelfit/internal/id"
	"github.com/dunamismax/pixelfit/internal/pipeline"
	"github.com/dunamismax/pixelfit/internal/preview"
	"github.com/dunamismax/pixelfit/internal/queue"
	"github.com/dunamismax/pixelfit/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type queueEnqueuer interface {
	EnqueueTransformImage(ctx context.Context, payload queue.TransformImagePayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	PresignedGetURL(ctx context.Context, objectKey, fileName string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

type Options struct {
	Logger      *zap.Logger
	Queue       queueEnqueuer
	Jobs        store.JobStore
	Storage     objectStorage
	Engine      *pipeline.Engine
	Previews    *preview.Registry
	RateLimiter RateLimiter
	// UserIDHeader names the header that identifies the caller for rate
	// limits and usage accounting.
	UserIDHeader    string
	PresignTTL      time.Duration
	PreviewMaxBytes int64
	// LocalInputRoot confines local_file sources; empty allows any path.
	LocalInputRoot string
}

type Server struct {
	logger                *zap.Logger
	queueClient           queueEnqueuer
	jobStore              store.JobStore
	storage               objectStorage
	localSources          pipeline.LocalFileFetcher
	engine                *pipeline.Engine
	previews              *preview.Registry
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	presignTTL            time.Duration
	previewMaxBytes       int64
	metrics               *metrics
	tracer                trace.Tracer
	router                chi.Router
}

func NewServer(opts Options) *Server {
	s := &Server{
		logger:                opts.Logger,
		queueClient:           opts.Queue,
		jobStore:              opts.Jobs,
		storage:               opts.Storage,
		localSources:          pipeline.LocalFileFetcher{Root: opts.LocalInputRoot},
		engine:                opts.Engine,
		previews:              opts.Previews,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.UserIDHeader,
		presignTTL:            opts.PresignTTL,
		previewMaxBytes:       opts.PreviewMaxBytes,
		metrics:               newMetrics(),
		tracer:                otel.Tracer("pixelfit/api"),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.storage == nil {
		s.storage = unavailableObjectStorage{}
	}
	if s.engine == nil {
		s.engine = pipeline.NewEngine(pipeline.WithLogger(s.logger.Named("pipeline")))
	}
	if s.previews == nil {
		s.previews = preview.NewRegistry(0)
	}
	if s.presignTTL <= 0 {
		s.presignTTL = 15 * time.Minute
	}
	if s.previewMaxBytes <= 0 {
		s.previewMaxBytes = 10 << 20
	}
	if s.rateLimitUserIDHeader == "" {
		s.rateLimitUserIDHeader = "X-User-ID"
	}
	s.routes()
	return s
}

type unavailableObjectStorage struct{}

var errStorageUnavailable = errors.New("object storage is unavailable")

func (unavailableObjectStorage) PresignedPutURL(context.Context, string, time.Duration) (string, error) {
	return "", errStorageUnavailable
}

func (unavailableObjectStorage) PresignedGetURL(context.Context, string, string, time.Duration) (string, error) {
	return "", errStorageUnavailable
}

func (unavailableObjectStorage) ObjectExists(context.Context, string) (bool, error) {
	return false, errStorageUnavailable
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(s.withTracing, s.metrics.withHTTPMetrics, s.withRateLimit)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.metricsHandler())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/start", s.handleStartJob)
		r.Post("/preview", s.handlePreview)
	})
	s.router = r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	transform, err := req.Transform.Normalize()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	jobID := id.New()
	sourceType := strings.ToLower(strings.TrimSpace(req.SourceType))
	objectKey := strings.TrimSpace(req.ObjectKey)
	uploadState := "not_required"
	presignedPutURL := ""

	if sourceType == domain.SourceTypeS3Presigned {
		objectKey = fmt.Sprintf("uploads/%s/source", jobID)
		url, err := s.storage.PresignedPutURL(r.Context(), objectKey, s.presignTTL)
		if err != nil {
			s.logger.Error("generate presigned url failed", zap.String("job_id", jobID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to generate upload URL")
			return
		}
		presignedPutURL = url
		uploadState = "ready"
	}

	job := domain.Job{
		ID:         jobID,
		UserID:     strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader)),
		Status:     domain.JobStatusCreated,
		SourceType: sourceType,
		WebhookURL: req.WebhookURL,
		ObjectKey:  objectKey,
		FileName:   strings.TrimSpace(req.FileName),
		Transform:  transform,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Error("create job failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"upload": map[string]string{
			"object_key":          job.ObjectKey,
			"presigned_put_url":   presignedPutURL,
			"presigned_url_state": uploadState,
		},
		"output_file_name": domain.OutputFileName(job.FileName, transform.Format),
		"start_url":        fmt.Sprintf("/v1/jobs/%s/start", job.ID),
	})
}

type jobView struct {
	JobID       string                 `json:"job_id"`
	Status      string                 `json:"status"`
	SourceType  string                 `json:"source_type"`
	FileName    string                 `json:"file_name,omitempty"`
	Transform   domain.TransformConfig `json:"transform"`
	Result      *domain.JobResult      `json:"result,omitempty"`
	DownloadURL string                 `json:"download_url,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	view := jobView{
		JobID:      job.ID,
		Status:     job.Status,
		SourceType: job.SourceType,
		FileName:   job.FileName,
		Transform:  job.Transform,
		Result:     job.Result,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
	if job.Result != nil && job.SourceType == domain.SourceTypeS3Presigned {
		url, err := s.storage.PresignedGetURL(r.Context(), job.Result.ObjectKey, job.Result.FileName, s.presignTTL)
		if err != nil {
			s.logger.Warn("presign download failed", zap.String("job_id", job.ID), zap.Error(err))
		} else {
			view.DownloadURL = url
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	// The asynq task id is the job id, so a job is enqueued at most once.
	if job.Status != domain.JobStatusCreated {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is already %s", job.Status))
		return
	}

	if err := s.verifySourceExists(r.Context(), job); err != nil {
		if errors.Is(err, pipeline.ErrSourceOutsideRoot) {
			writeError(w, http.StatusBadRequest, "object_key is outside the local input root")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	payload := queue.TransformImagePayload{
		JobID:       job.ID,
		UserID:      job.UserID,
		SourceType:  job.SourceType,
		WebhookURL:  job.WebhookURL,
		ObjectKey:   job.ObjectKey,
		FileName:    job.FileName,
		Transform:   job.Transform,
		RequestedAt: time.Now().UTC(),
	}

	taskInfo, err := s.queueClient.EnqueueTransformImage(r.Context(), payload)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		writeError(w, http.StatusConflict, "job is already queued")
		return
	}
	if err != nil {
		s.logger.Error("enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Warn("update status failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := chi.URLParam(r, "id")
	if !id.Valid(jobID) {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return domain.Job{}, false
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error("fetch job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return domain.Job{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return domain.Job{}, false
	}
	return job, true
}

func (s *Server) verifySourceExists(ctx context.Context, job domain.Job) error {
	switch job.SourceType {
	case domain.SourceTypeLocalFile:
		exists, err := s.localSources.Exists(job.ObjectKey)
		if err != nil {
			return fmt.Errorf("source object check failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("source object is missing: %s", job.ObjectKey)
		}
		return nil
	default:
		exists, err := s.storage.ObjectExists(ctx, job.ObjectKey)
		if err != nil {
			return fmt.Errorf("source object check failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("source object is missing: %s", job.ObjectKey)
		}
		return nil
	}
}
