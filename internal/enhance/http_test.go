package enhance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/pixel-forge/internal/jobs"
)

type fakeSubmitter struct {
	got []jobs.SubmitRequest
	err error
}

func (f *fakeSubmitter) Submit(_ context.Context, req jobs.SubmitRequest) (string, error) {
	f.got = append(f.got, req)
	if f.err != nil {
		return "", f.err
	}
	return "job-1", nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newUploadRequest(t *testing.T, field, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func serve(t *testing.T, svc Submitter, maxSize int64, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/api/upload", UploadHandler(svc, UploadOptions{
		MaxFileSize: maxSize,
		Logger:      log.New(io.Discard, "", 0),
	}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return rec, payload
}

func TestUploadAcceptsPNG(t *testing.T) {
	svc := &fakeSubmitter{}
	data := pngBytes(t)

	rec, payload := serve(t, svc, 1<<20, newUploadRequest(t, "image", "photo.png", data))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "job-1", payload["jobId"])
	require.Equal(t, "photo.png", payload["originalFilename"])

	require.Len(t, svc.got, 1)
	require.Equal(t, ".png", svc.got[0].Extension)
	require.Equal(t, "photo.png", svc.got[0].OriginalName)
	require.Equal(t, data, svc.got[0].Data)
}

func TestUploadDetectsTypeFromContent(t *testing.T) {
	svc := &fakeSubmitter{}

	// 拡張子ではなく中身で判定する
	rec, _ := serve(t, svc, 1<<20, newUploadRequest(t, "image", "photo.jpg", pngBytes(t)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, ".png", svc.got[0].Extension)
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	svc := &fakeSubmitter{}

	rec, payload := serve(t, svc, 1<<20, newUploadRequest(t, "image", "notes.txt", []byte("just some text")))
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	require.Equal(t, "UNSUPPORTED_MEDIA_TYPE", payload["code"])
	require.Empty(t, svc.got)
}

func TestUploadRejectsMissingField(t *testing.T) {
	svc := &fakeSubmitter{}

	rec, payload := serve(t, svc, 1<<20, newUploadRequest(t, "file", "photo.png", pngBytes(t)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "INVALID_INPUT", payload["code"])
	require.Empty(t, svc.got)
}

func TestUploadRejectsEmptyFile(t *testing.T) {
	svc := &fakeSubmitter{}

	rec, payload := serve(t, svc, 1<<20, newUploadRequest(t, "image", "empty.png", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "INVALID_INPUT", payload["code"])
	require.Empty(t, svc.got)
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	svc := &fakeSubmitter{}
	data := pngBytes(t)

	rec, payload := serve(t, svc, int64(len(data)-1), newUploadRequest(t, "image", "photo.png", data))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Equal(t, "LIMIT_EXCEEDED", payload["code"])
	require.Empty(t, svc.got)
}

func TestUploadMapsSubmitErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{jobs.ErrSchedulerClosed, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{errors.New("disk full"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		svc := &fakeSubmitter{err: tc.err}
		rec, payload := serve(t, svc, 1<<20, newUploadRequest(t, "image", "photo.png", pngBytes(t)))
		require.Equal(t, tc.status, rec.Code, tc.code)
		require.Equal(t, tc.code, payload["code"])
	}
}
