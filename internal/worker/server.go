package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/pixelfit/internal/config"
	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/dunamismax/pixelfit/internal/pipeline"
	"github.com/dunamismax/pixelfit/internal/queue"
	"github.com/dunamismax/pixelfit/internal/storage"
	"github.com/dunamismax/pixelfit/internal/store"
	"github.com/dunamismax/pixelfit/internal/webhook"
	"github.com/dustin/go-humanize"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Processor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.ProcessResult, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Server struct {
	logger          *zap.Logger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  Processor
	objectProcessor Processor
	webhookClient   webhookSender
	jobStore        store.JobStore
	usageStore      store.UsageStore
	metrics         *metrics
	tracer          trace.Tracer
}

func NewServer(
	logger *zap.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	pipelineCfg config.PipelineConfig,
	storageClient *storage.Client,
	webhookClient *webhook.Client,
	jobStore store.JobStore,
	usageStore store.UsageStore,
) (*Server, error) {
	if storageClient == nil {
		return nil, fmt.Errorf("storage client is required")
	}

	engine := pipeline.NewEngine(
		pipeline.WithFilter(pipeline.ParseFilter(pipelineCfg.Filter)),
		pipeline.WithLimits(pipeline.Limits{MaxSide: pipelineCfg.MaxOutputSide, MaxPixels: pipelineCfg.MaxOutputPixels}),
		pipeline.WithLogger(logger.Named("pipeline")),
	)
	logger.Info("pipeline ready", zap.String("codec", engine.Codec().Name()), zap.String("filter", pipelineCfg.Filter))

	if usageStore == nil {
		if us, ok := jobStore.(store.UsageStore); ok {
			usageStore = us
		}
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues:      map[string]int{queueCfg.Name: 1},
				LogLevel:    asynq.InfoLevel,
				Logger:      logger.Named("asynq").Sugar(),
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Warn("task failed",
						zap.String("type", task.Type()),
						zap.Int("retry", retried),
						zap.Int("max_retry", maxRetry),
						zap.Error(err),
					)
				}),
			},
		),
		sem:            make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		localProcessor: pipeline.NewProcessor(pipeline.LocalFileFetcher{Root: workerCfg.LocalInputRoot}, engine, pipeline.LocalFileEmitter{OutputDir: workerCfg.LocalOutputDir}),
		objectProcessor: pipeline.NewProcessor(
			pipeline.ObjectStoreFetcher{Storage: storageClient},
			engine,
			pipeline.ObjectStoreEmitter{Storage: storageClient, OutputPrefix: workerCfg.OutputPrefix},
		),
		webhookClient: webhookClient,
		jobStore:      jobStore,
		usageStore:    usageStore,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("pixelfit/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeTransformImage, s.handleTransformImage)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleTransformImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseTransformImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.transform_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.String("transform.format", string(payload.Transform.Format)),
		attribute.Int64("transform.target_bytes", payload.Transform.TargetBytes),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	log := s.logger.With(zap.String("job_id", payload.JobID), zap.String("source_type", payload.SourceType))
	log.Info("processing job", zap.String("object_key", payload.ObjectKey), zap.String("format", string(payload.Transform.Format)))
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	request := pipeline.Request{
		JobID:      payload.JobID,
		SourceType: payload.SourceType,
		ObjectKey:  payload.ObjectKey,
		FileName:   payload.FileName,
		Transform:  payload.Transform,
	}

	processor := s.objectProcessor
	if payload.SourceType == domain.SourceTypeLocalFile {
		processor = s.localProcessor
	}

	result, err := processor.Process(ctx, request)
	if err != nil {
		return s.fail(ctx, span, log, payload, err)
	}

	out := result.Output
	jobResult := domain.JobResult{
		ObjectKey: out.Path,
		FileName:  out.FileName,
		Format:    out.Format,
		Bytes:     out.Bytes,
		Width:     out.Width,
		Height:    out.Height,
		Mode:      string(out.Mode),
		Quality:   out.Quality,
		BudgetMet: out.BudgetMet,
	}
	if s.jobStore != nil {
		if _, err := s.jobStore.Complete(ctx, payload.JobID, jobResult); err != nil {
			log.Error("job completion update failed", zap.Error(err))
		}
	}

	format := string(out.Format)
	s.metrics.encodeAttempts.WithLabelValues(format).Observe(float64(out.Attempts))
	s.metrics.encodeModeTotal.WithLabelValues(format, string(out.Mode)).Inc()
	if !out.BudgetMet {
		s.metrics.budgetMissTotal.WithLabelValues(format).Inc()
	}
	s.recordUsage(ctx, payload.JobID, result, time.Since(startedAt))

	log.Info("processed job",
		zap.String("output", out.Path),
		zap.String("size", humanize.IBytes(uint64(out.Bytes))),
		zap.String("mode", string(out.Mode)),
		zap.Int("attempts", out.Attempts),
		zap.Bool("budget_met", out.BudgetMet),
	)

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "processed")
	s.dispatchWebhook(ctx, payload, webhook.EventJobCompleted, webhook.JobEvent{
		JobID:      payload.JobID,
		Status:     domain.JobStatusSucceeded,
		Result:     &jobResult,
		OccurredAt: time.Now().UTC(),
	})
	return nil
}

// fail records a failed run. Permanent errors skip asynq retries; other
// errors are only reported to the job once the last retry has failed.
func (s *Server) fail(ctx context.Context, span trace.Span, log *zap.Logger, payload queue.TransformImagePayload, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "transform failed")

	permanent := pipeline.IsPermanent(err)
	if !permanent && !lastAttempt(ctx) {
		log.Warn("transform failed, will retry", zap.Error(err))
		s.updateJobStatus(ctx, payload.JobID, domain.JobStatusQueued)
		return fmt.Errorf("run pipeline: %w", err)
	}

	log.Error("transform failed", zap.Error(err), zap.Bool("permanent", permanent))
	if s.jobStore != nil {
		if _, storeErr := s.jobStore.Fail(ctx, payload.JobID, err.Error()); storeErr != nil {
			log.Error("job failure update failed", zap.Error(storeErr))
		}
	}
	s.dispatchWebhook(ctx, payload, webhook.EventJobFailed, webhook.JobEvent{
		JobID:      payload.JobID,
		Status:     domain.JobStatusFailed,
		Error:      err.Error(),
		OccurredAt: time.Now().UTC(),
	})

	if permanent {
		return fmt.Errorf("run pipeline: %v: %w", err, asynq.SkipRetry)
	}
	return fmt.Errorf("run pipeline: %w", err)
}

// lastAttempt is true outside asynq too, so direct calls finish the job.
func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return !ok || retried >= maxRetry
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil && !errors.Is(err, store.ErrJobNotFound) {
		s.logger.Warn("job status update failed", zap.String("job_id", jobID), zap.String("status", status), zap.Error(err))
	}
}

// dispatchWebhook never fails the job: the output already exists.
func (s *Server) dispatchWebhook(ctx context.Context, payload queue.TransformImagePayload, event string, body webhook.JobEvent) {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return
	}
	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.metrics.webhookFailures.WithLabelValues(event).Inc()
		s.logger.Warn("webhook delivery failed", zap.String("job_id", payload.JobID), zap.String("event", event), zap.Error(err))
	}
}

func (s *Server) recordUsage(ctx context.Context, jobID string, result pipeline.ProcessResult, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	userID := "anonymous"
	if s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, jobID)
		if err != nil {
			s.logger.Warn("usage lookup failed", zap.String("job_id", jobID), zap.Error(err))
		} else if ok && strings.TrimSpace(job.UserID) != "" {
			userID = job.UserID
		}
	}

	out := result.Output
	pixelsProcessed := int64(out.Width) * int64(out.Height)
	bytesSaved := max(0, int64(result.SourceBytes-out.Bytes))
	computeTimeMS := max(1, computeDuration.Milliseconds())

	usage := domain.UsageLog{
		UserID:          userID,
		JobID:           jobID,
		PixelsProcessed: pixelsProcessed,
		BytesSaved:      bytesSaved,
		EncodeAttempts:  out.Attempts,
		ComputeTimeMS:   computeTimeMS,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.usageStore.RecordUsage(ctx, usage); err != nil {
		s.logger.Warn("usage log write failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	s.metrics.pixelsProcessedTotal.Add(float64(pixelsProcessed))
	s.metrics.bytesSavedTotal.Add(float64(bytesSaved))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}
