package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/pixel-forge/internal/config"
	"github.com/yourusername/pixel-forge/internal/jobs"
	"github.com/yourusername/pixel-forge/internal/render"
	"github.com/yourusername/pixel-forge/internal/storage"
)

type testServer struct {
	router    *gin.Engine
	scheduler *jobs.LocalScheduler
	release   chan struct{}
}

// newTestServer は release が閉じられるまでレンダリングを止めるサーバーを作ります。
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := log.New(io.Discard, "", 0)

	blobs, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	release := make(chan struct{})
	renderer := render.RenderFunc(func(ctx context.Context, src []byte, width int) ([]byte, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []byte{0xFF, 0xD8, 0xFF, byte(width % 256)}, nil
	})

	store := jobs.NewMemoryStore()
	executor, err := jobs.NewExecutor(store, blobs, renderer, time.Minute, logger)
	require.NoError(t, err)
	scheduler := jobs.NewLocalScheduler(executor, 1, logger)
	manager, err := jobs.NewManager(store, blobs, scheduler, []jobs.Target{
		{Label: "4K", Width: 3840},
		{Label: "8K", Width: 7680},
	}, logger)
	require.NoError(t, err)

	cfg := &config.Config{
		CORSAllowedOrigins: "http://localhost:5173",
		MaxFileSize:        1 << 20,
	}
	s := &testServer{
		router:    newRouter(cfg, manager, blobs, logger),
		scheduler: scheduler,
		release:   release,
	}
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = scheduler.Shutdown(ctx)
	})
	return s
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) upload(t *testing.T) string {
	t.Helper()
	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewGray(image.Rect(0, 0, 2, 2))))

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("image", "cat.png")
	require.NoError(t, err)
	_, err = part.Write(img.Bytes())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := s.do(t, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var payload struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.NotEmpty(t, payload.JobID)
	return payload.JobID
}

func (s *testServer) status(t *testing.T, path string) (int, jobs.View) {
	t.Helper()
	rec := s.do(t, httptest.NewRequest(http.MethodGet, path, nil))
	var view jobs.View
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	}
	return rec.Code, view
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/health", "/api/health"} {
		rec := s.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.Contains(t, rec.Body.String(), `"status":"ok"`, path)
	}
}

func TestDownloadName(t *testing.T) {
	require.Equal(t, "cat_8K.jpg", downloadName("cat.png", "job-1", "8K"))
	require.Equal(t, "cat_4K.jpg", downloadName("dir/cat.webp", "job-1", "4K"))
	require.Equal(t, "job-1_4K.jpg", downloadName("", "job-1", "4K"))
	require.Equal(t, "evil_4K.jpg", downloadName("ev\"il.png", "job-1", "4K"))
}

func TestUploadPollDownload(t *testing.T) {
	s := newTestServer(t)
	jobID := s.upload(t)

	code, view := s.status(t, "/api/jobs/"+jobID)
	require.Equal(t, http.StatusOK, code)
	require.NotEqual(t, jobs.StatusCompleted, view.Status)
	require.Less(t, view.Progress.Percent, 100)
	require.Empty(t, view.Artifacts)

	// 完了前の成果物取得は 409
	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID+"/download/4K", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "JOB_NOT_READY")

	close(s.release)
	require.Eventually(t, func() bool {
		_, v := s.status(t, "/api/status/"+jobID)
		return v.Status == jobs.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	code, view = s.status(t, "/api/jobs/"+jobID)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 100, view.Progress.Percent)
	require.Len(t, view.Artifacts, 2)
	require.Equal(t, "4K", view.Artifacts[0].Label)
	require.Equal(t, "8K", view.Artifacts[1].Label)
	require.Equal(t, "cat.png", view.OriginalName)

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID+"/download/8K", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	require.Contains(t, rec.Header().Get("Content-Disposition"), "cat_8K.jpg")
	require.Equal(t, []byte{0xFF, 0xD8, 0xFF, byte(7680 % 256)}, rec.Body.Bytes())

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID+"/image/4K", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Disposition"), "inline")

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID+"/download/16K", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "TARGET_NOT_FOUND")
}

func TestUnknownJob(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.status(t, "/api/jobs/does-not-exist")
	require.Equal(t, http.StatusNotFound, code)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/does-not-exist/download/4K", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "JOB_NOT_FOUND")
}
