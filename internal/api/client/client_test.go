package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apiscanning "github.com/ahrav/artifact-analyst/internal/api/scanning"
	"github.com/ahrav/artifact-analyst/internal/app/scanning"
	"github.com/ahrav/artifact-analyst/internal/app/worker"
	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
)

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/", WithUser("scanner-1"), WithMaxElapsed(2*time.Second))
	require.NoError(t, err)
	return c
}

func TestNew_RejectsRelativeURL(t *testing.T) {
	_, err := New("localhost:8080")
	assert.Error(t, err)
}

func TestClaim(t *testing.T) {
	want := worker.Assignment{
		Subtask: &domain.SubScanTask{ID: uuid.New(), FullPath: "/a.jar", Scanner: "trivy"},
		Scanner: domain.Scanner{Name: "trivy", Type: "standard"},
	}
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/scan/subtasks/claim", r.URL.Path)
		assert.Equal(t, "scanner-1", r.Header.Get(apiscanning.HeaderUserID))
		_ = json.NewEncoder(w).Encode(want)
	})

	got, err := c.Claim(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Subtask.ID, got.Subtask.ID)
	assert.Equal(t, want.Scanner, got.Scanner)
}

func TestClaim_NoContent(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	got, err := c.Claim(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMarkExecuting(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/scan/subtasks/s-1/executing", r.URL.Path)
		_, _ = w.Write([]byte(`{"updated":true}`))
	})
	ok, err := c.MarkExecuting(context.Background(), "s-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReportResult_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req scanning.ReportResultRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "s-1", req.SubtaskID)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	err := c.ReportResult(context.Background(), scanning.ReportResultRequest{
		SubtaskID: "s-1",
		Status:    domain.SubtaskStatusSuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"invalid parameter"}`, http.StatusBadRequest)
	})

	err := c.ReportResult(context.Background(), scanning.ReportResultRequest{SubtaskID: "s-1"})
	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusBadRequest, serr.Code)
	assert.Contains(t, serr.Body, "invalid parameter")
	assert.Equal(t, int32(1), calls.Load())
}
