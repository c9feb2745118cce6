package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(attempts int) *Client {
	return NewClient(Config{
		SigningSecret:  "test-secret",
		Timeout:        2 * time.Second,
		MaxAttempts:    attempts,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	})
}

func TestSendSignsPayload(t *testing.T) {
	var verified atomic.Bool
	var gotEvt string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		verified.Store(Verify("test-secret", r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature), body))
		gotEvt = r.Header.Get(HeaderEvent)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testClient(1).Send(context.Background(), srv.URL, EventJobCompleted, JobEvent{
		JobID:  "job-1",
		Status: domain.JobStatusSucceeded,
		Result: &domain.JobResult{FileName: "a_resized.jpg", BudgetMet: true},
	})
	require.NoError(t, err)
	assert.True(t, verified.Load())
	assert.Equal(t, EventJobCompleted, gotEvt)
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, testClient(3).Send(context.Background(), srv.URL, EventJobFailed, JobEvent{JobID: "j"}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendStopsOnClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	err := testClient(4).Send(context.Background(), srv.URL, EventJobFailed, JobEvent{JobID: "j"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendSkipsEmptyEndpoint(t *testing.T) {
	require.NoError(t, testClient(1).Send(context.Background(), " ", EventJobCompleted, nil))
}
