// Package enhance は画像アップロードを受け付ける HTTP ハンドラーを提供します。
package enhance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/pixel-forge/internal/jobs"
)

// フォームのフィールド名
const formField = "image"

// multipart のヘッダー等に許容する余裕
const multipartOverhead = 1 << 20

// allowedTypes は受け付ける画像形式と保存時の拡張子です。
var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// Submitter は画像をジョブとして投入できるサービスが実装します。
type Submitter interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (string, error)
}

// UploadOptions はアップロード制限の設定です。
type UploadOptions struct {
	MaxFileSize int64
	Logger      *log.Logger
}

// UploadHandler は POST /api/upload のハンドラーを返します。
func UploadHandler(svc Submitter, opts UploadOptions) gin.HandlerFunc {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return func(c *gin.Context) {
		if opts.MaxFileSize > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxFileSize+multipartOverhead)
		}

		file, err := c.FormFile(formField)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				respondTooLarge(c, opts.MaxFileSize)
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data の image フィールドで画像ファイルを送信してください。",
			})
			return
		}
		if opts.MaxFileSize > 0 && file.Size > opts.MaxFileSize {
			respondTooLarge(c, opts.MaxFileSize)
			return
		}

		data, err := readFormFile(file, opts.MaxFileSize)
		if err != nil {
			if errors.Is(err, errTooLarge) {
				respondTooLarge(c, opts.MaxFileSize)
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "アップロードされたファイルを読み込めませんでした。",
			})
			return
		}
		if len(data) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "アップロードされたファイルが空です。",
			})
			return
		}

		mtype := mimetype.Detect(data)
		ext, ok := allowedTypes[mtype.String()]
		if !ok {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{
				"code":    "UNSUPPORTED_MEDIA_TYPE",
				"message": fmt.Sprintf("対応していないファイル形式です (%s)。JPG / PNG / WebP のみアップロードできます。", mtype.String()),
			})
			return
		}

		jobID, err := svc.Submit(c.Request.Context(), jobs.SubmitRequest{
			Data:         data,
			OriginalName: filepath.Base(file.Filename),
			Extension:    ext,
		})
		if err != nil {
			logger.Printf("upload failed name=%q size=%s: %v", file.Filename, humanize.Bytes(uint64(len(data))), err)
			respondWithError(c, err)
			return
		}

		logger.Printf("job=%s accepted name=%q type=%s size=%s", jobID, file.Filename, mtype.String(), humanize.Bytes(uint64(len(data))))
		c.JSON(http.StatusAccepted, gin.H{
			"jobId":            jobID,
			"message":          "アップロードが完了しました。処理を開始します。",
			"originalFilename": file.Filename,
		})
	}
}

var errTooLarge = errors.New("file too large")

func readFormFile(file *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, errTooLarge
	}
	return data, nil
}

func respondTooLarge(c *gin.Context, limit int64) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"code":    "LIMIT_EXCEEDED",
		"message": fmt.Sprintf("ファイルサイズが上限 (%s) を超えています。", humanize.IBytes(uint64(limit))),
	})
}

func respondWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobs.ErrEmptySource):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "アップロードされたファイルが空です。",
		})
	case errors.Is(err, jobs.ErrSchedulerClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "SERVICE_UNAVAILABLE",
			"message": "サーバーが停止処理中です。しばらくしてから再度お試しください。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
