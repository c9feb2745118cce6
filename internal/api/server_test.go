package api

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/dunamismax/pixelfit/internal/pipeline"
	"github.com/dunamismax/pixelfit/internal/preview"
	"github.com/dunamismax/pixelfit/internal/queue"
	"github.com/dunamismax/pixelfit/internal/ratelimit"
	"github.com/dunamismax/pixelfit/internal/store"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu       sync.Mutex
	payloads []queue.TransformImagePayload
	err      error
}

func (q *fakeQueue) EnqueueTransformImage(_ context.Context, payload queue.TransformImagePayload) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "default", State: asynq.TaskStatePending}, nil
}

type fakeStorage struct {
	objects map[string]bool
}

func (s *fakeStorage) PresignedPutURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://storage.test/put/" + key, nil
}

func (s *fakeStorage) PresignedGetURL(_ context.Context, key, fileName string, _ time.Duration) (string, error) {
	return "https://storage.test/get/" + key + "?name=" + fileName, nil
}

func (s *fakeStorage) ObjectExists(_ context.Context, key string) (bool, error) {
	return s.objects[key], nil
}

type fakeLimiter struct {
	allowed bool
	costs   []int64
}

func (l *fakeLimiter) AllowN(_ context.Context, _ string, cost int64) (ratelimit.Decision, error) {
	l.costs = append(l.costs, cost)
	if l.allowed {
		return ratelimit.Decision{Allowed: true, Remaining: 9}, nil
	}
	return ratelimit.Decision{RetryAfter: 2500 * time.Millisecond}, nil
}

type testEnv struct {
	server   *Server
	jobs     *store.MemoryJobStore
	queue    *fakeQueue
	storage  *fakeStorage
	previews *preview.Registry
}

func newTestEnv(t *testing.T, limiter RateLimiter) testEnv {
	t.Helper()
	env := testEnv{
		jobs:     store.NewMemoryJobStore(),
		queue:    &fakeQueue{},
		storage:  &fakeStorage{objects: map[string]bool{}},
		previews: preview.NewRegistry(time.Minute),
	}
	env.server = NewServer(Options{
		Queue:           env.queue,
		Jobs:            env.jobs,
		Storage:         env.storage,
		Previews:        env.previews,
		RateLimiter:     limiter,
		PreviewMaxBytes: 1 << 20,
	})
	return env
}

func (e testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 4), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func previewRequest(t *testing.T, data []byte, config, session string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "holiday.png")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("config", config))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/preview", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if session != "" {
		req.Header.Set(previewSessionHeader, session)
	}
	return req
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestCreateJobPresignsUploadAndNormalizesTransform(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"source_type":"s3_presigned","file_name":"holiday.jpg","transform":{"width":50,"unit":"percent","format":"jpg","target_bytes":20000}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	req.Header.Set("X-User-ID", "user-7")

	rec := env.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	out := decodeBody(t, rec)
	assert.Equal(t, "holiday_resized.jpg", out["output_file_name"])

	jobID := out["job_id"].(string)
	upload := out["upload"].(map[string]any)
	assert.Equal(t, "uploads/"+jobID+"/source", upload["object_key"])
	assert.Equal(t, "ready", upload["presigned_url_state"])

	job, ok, err := env.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "user-7", job.UserID)
	assert.Equal(t, domain.FormatJPEG, job.Transform.Format)
	assert.Equal(t, domain.UnitPercent, job.Transform.Unit)
	assert.Equal(t, "#ffffff", job.Transform.BackgroundColor)
}

func TestCreateJobRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := map[string]string{
		"unknown field":  `{"source_type":"local_file","object_key":"a.png","transform":{"format":"png"},"extra":1}`,
		"bad format":     `{"source_type":"local_file","object_key":"a.png","transform":{"format":"gif"}}`,
		"bad unit":       `{"source_type":"local_file","object_key":"a.png","transform":{"format":"png","unit":"em"}}`,
		"missing source": `{"transform":{"format":"png"}}`,
		"not json":       `width=10`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := env.do(httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestStartJobEnqueuesOnceSourceExists(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/v1/jobs",
		strings.NewReader(`{"source_type":"s3_presigned","transform":{"format":"webp","width":100}}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decodeBody(t, rec)["job_id"].(string)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/v1/jobs/"+jobID+"/start", nil))
	assert.Equal(t, http.StatusConflict, rec.Code, "upload has not happened yet")

	env.storage.objects["uploads/"+jobID+"/source"] = true
	rec = env.do(httptest.NewRequest(http.MethodPost, "/v1/jobs/"+jobID+"/start", nil))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, domain.JobStatusQueued, decodeBody(t, rec)["status"])

	require.Len(t, env.queue.payloads, 1)
	assert.Equal(t, jobID, env.queue.payloads[0].JobID)
	assert.Equal(t, domain.FormatWebP, env.queue.payloads[0].Transform.Format)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/v1/jobs/"+jobID+"/start", nil))
	assert.Equal(t, http.StatusConflict, rec.Code, "queued jobs cannot be restarted")
}

func TestStartLocalJobStaysInsideInputRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "cat.png"), pngBytes(t, 4, 4), 0o644))

	env := newTestEnv(t, nil)
	env.server = NewServer(Options{
		Queue:          env.queue,
		Jobs:           env.jobs,
		Storage:        env.storage,
		LocalInputRoot: root,
	})
	start := func(key string) int {
		rec := env.do(httptest.NewRequest(http.MethodPost, "/v1/jobs",
			strings.NewReader(`{"source_type":"local_file","object_key":"`+key+`","transform":{"format":"png"}}`)))
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		jobID := decodeBody(t, rec)["job_id"].(string)
		return env.do(httptest.NewRequest(http.MethodPost, "/v1/jobs/"+jobID+"/start", nil)).Code
	}

	assert.Equal(t, http.StatusBadRequest, start("../../etc/passwd"))
	assert.Equal(t, http.StatusBadRequest, start("/etc/passwd"))
	assert.Equal(t, http.StatusConflict, start("missing.png"))
	assert.Equal(t, http.StatusAccepted, start("cat.png"))
	require.Len(t, env.queue.payloads, 1)
	assert.Equal(t, "cat.png", env.queue.payloads[0].ObjectKey)
}

func TestStartJobMapsTaskConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	env.queue.err = asynq.ErrTaskIDConflict
	rec := env.do(httptest.NewRequest(http.MethodPost, "/v1/jobs",
		strings.NewReader(`{"source_type":"s3_presigned","transform":{"format":"png"}}`)))
	jobID := decodeBody(t, rec)["job_id"].(string)
	env.storage.objects["uploads/"+jobID+"/source"] = true

	rec = env.do(httptest.NewRequest(http.MethodPost, "/v1/jobs/"+jobID+"/start", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestJobLookupErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/v1/jobs/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/v1/jobs/4f6f0d1e-8c3a-4f7e-9d55-2a5d1c0b7e11/start", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobIncludesResultAndDownloadURL(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/v1/jobs",
		strings.NewReader(`{"source_type":"s3_presigned","file_name":"cat.png","transform":{"format":"png"}}`)))
	jobID := decodeBody(t, rec)["job_id"].(string)

	_, err := env.jobs.Complete(context.Background(), jobID, domain.JobResult{
		ObjectKey: "outputs/" + jobID + "/cat_resized.png",
		FileName:  "cat_resized.png",
		Format:    domain.FormatPNG,
		Bytes:     1234,
		Width:     10,
		Height:    10,
		Mode:      "direct",
		Quality:   1,
		BudgetMet: true,
	})
	require.NoError(t, err)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, domain.JobStatusSucceeded, out["status"])
	assert.Equal(t, "https://storage.test/get/outputs/"+jobID+"/cat_resized.png?name=cat_resized.png", out["download_url"])
	result := out["result"].(map[string]any)
	assert.EqualValues(t, 1234, result["bytes"])
}

func TestPreviewRendersImage(t *testing.T) {
	env := newTestEnv(t, nil)
	req := previewRequest(t, pngBytes(t, 64, 32), `{"width":32,"height":16,"format":"png"}`, "")

	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, string(pipeline.ModeDirect), rec.Header().Get("X-Pixelfit-Mode"))
	assert.Equal(t, "true", rec.Header().Get("X-Pixelfit-Budget-Met"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "holiday_resized.png")

	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(32, 16), img.Bounds().Size())
}

func TestPreviewRejections(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(previewRequest(t, pngBytes(t, 8, 8), `{"format":"gif"}`, ""))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(previewRequest(t, pngBytes(t, 8, 8), `{"format":"png","width":1e10,"height":1e10}`, ""))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = env.do(previewRequest(t, []byte("plain text"), `{"format":"png"}`, ""))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = env.do(previewRequest(t, pngBytes(t, 8, 8), `{"format":`, ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/v1/preview", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreviewSupersedesOlderSessionRun(t *testing.T) {
	env := newTestEnv(t, nil)
	sup := env.previews.Supervisor("s1")

	started := make(chan struct{})
	stale := make(chan error, 1)
	go func() {
		_, err := sup.Submit(context.Background(), func(ctx context.Context) (pipeline.Result, error) {
			close(started)
			<-ctx.Done()
			return pipeline.Result{}, ctx.Err()
		})
		stale <- err
	}()
	<-started

	rec := env.do(previewRequest(t, pngBytes(t, 16, 16), `{"format":"png"}`, "s1"))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.ErrorIs(t, <-stale, preview.ErrSuperseded)
}

func TestPreviewFailureStatus(t *testing.T) {
	status, _ := previewFailure(preview.ErrSuperseded)
	assert.Equal(t, http.StatusConflict, status)
	status, _ = previewFailure(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestRateLimitRejectsPosts(t *testing.T) {
	limiter := &fakeLimiter{}
	env := newTestEnv(t, limiter)

	rec := env.do(httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))

	rec = env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(previewRequest(t, pngBytes(t, 4, 4), `{"format":"png"}`, ""))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, []int64{1, previewCost}, limiter.costs)
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/jobs":             "/v1/jobs",
		"/v1/jobs/abc":         "/v1/jobs/{id}",
		"/v1/jobs/abc/start":   "/v1/jobs/{id}/start",
		"/v1/preview":          "/v1/preview",
		"/healthz":             "/healthz",
		"/unexpected/anything": "other",
	}
	for path, want := range cases {
		assert.Equal(t, want, routeLabel(path), path)
	}
}
