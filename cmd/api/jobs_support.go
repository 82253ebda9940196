package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/pixel-forge/internal/config"
	"github.com/yourusername/pixel-forge/internal/jobs"
	"github.com/yourusername/pixel-forge/internal/render"
	"github.com/yourusername/pixel-forge/internal/storage"
)

// scheduler は起動・停止を持つ Scheduler 実装です。
type scheduler interface {
	jobs.Scheduler
	Shutdown(ctx context.Context) error
}

// queueScheduler は QueueScheduler を scheduler に合わせます。
type queueScheduler struct {
	*jobs.QueueScheduler
}

func (q queueScheduler) Shutdown(context.Context) error {
	return q.QueueScheduler.Shutdown()
}

// pipeline は設定から組み立てたジョブ処理一式です。
type pipeline struct {
	manager   *jobs.Manager
	scheduler scheduler
	reaper    *jobs.Reaper
	closers   []func() error
}

// Close は開いたストア等を逆順に閉じます。
func (p *pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func setupJobs(cfg *config.Config, blobs *storage.Local, renderer render.Renderer, logger *log.Logger) (*pipeline, error) {
	p := &pipeline{}

	store, err := setupStore(cfg, p)
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	executor, err := jobs.NewExecutor(store, blobs, renderer, time.Duration(cfg.RenderTimeoutSecs)*time.Second, logger)
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	switch cfg.JobQueue {
	case config.QueueAsynq:
		qs, err := jobs.NewQueueScheduler(cfg.QueueRedisURL, cfg.WorkerConcurrency, executor, logger)
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		if err := qs.Start(); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("failed to start queue worker: %w", err)
		}
		p.scheduler = queueScheduler{qs}
	default:
		p.scheduler = jobs.NewLocalScheduler(executor, cfg.WorkerConcurrency, logger)
	}

	targets := make([]jobs.Target, len(cfg.Targets))
	for i, t := range cfg.Targets {
		targets[i] = jobs.Target{Label: t.Label, Width: t.Width}
	}
	p.manager, err = jobs.NewManager(store, blobs, p.scheduler, targets, logger)
	if err != nil {
		_ = p.scheduler.Shutdown(context.Background())
		_ = p.Close()
		return nil, err
	}

	// Asynq のタスクは Redis に残るため queued のジョブはそのまま実行させる
	n, err := p.manager.RecoverInterrupted(context.Background(), cfg.JobQueue != config.QueueAsynq)
	if err != nil {
		_ = p.scheduler.Shutdown(context.Background())
		_ = p.Close()
		return nil, fmt.Errorf("failed to recover interrupted jobs: %w", err)
	}
	if n > 0 {
		logger.Printf("recovered %d interrupted jobs", n)
	}

	if cfg.JobRetentionMinutes > 0 {
		p.reaper, err = jobs.NewReaper(store, blobs, time.Duration(cfg.JobRetentionMinutes)*time.Minute, logger)
		if err == nil {
			err = p.reaper.Start(cfg.ReaperSchedule)
		}
		if err != nil {
			_ = p.scheduler.Shutdown(context.Background())
			_ = p.Close()
			return nil, err
		}
	}

	return p, nil
}

func setupStore(cfg *config.Config, p *pipeline) (jobs.Store, error) {
	switch cfg.JobStore {
	case config.StoreRedis:
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return nil, err
		}
		rdb := redis.NewClient(opt)
		p.closers = append(p.closers, rdb.Close)
		return jobs.NewRedisStore(rdb), nil
	case config.StoreSQLite:
		store, err := jobs.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, store.Close)
		return store, nil
	default:
		return jobs.NewMemoryStore(), nil
	}
}

func jobStatusHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		view, err := manager.Status(c.Request.Context(), jobID)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "JOB_NOT_FOUND",
					"message": "指定されたジョブは存在しません。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}

		c.JSON(http.StatusOK, view)
	}
}

// artifactHandler は成果物を返します。attachment が true ならダウンロードとして返します。
func artifactHandler(manager *jobs.Manager, blobs *storage.Local, attachment bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		label := c.Param("target")
		if strings.TrimSpace(jobID) == "" || strings.TrimSpace(label) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId と target を指定してください。",
			})
			return
		}

		artifact, err := manager.ArtifactRef(c.Request.Context(), jobID, label)
		if err != nil {
			respondArtifactError(c, err)
			return
		}

		file, info, err := blobs.Open(artifact.Ref)
		if err != nil {
			respondArtifactError(c, err)
			return
		}
		defer file.Close()

		const contentType = "image/jpeg"
		disposition := "inline"
		if attachment {
			disposition = "attachment"
		}
		name := downloadName(artifact.OriginalName, jobID, artifact.Label)
		encodedName := url.PathEscape(name)
		c.Header("Content-Disposition", fmt.Sprintf("%s; filename=\"%s\"; filename*=UTF-8''%s", disposition, name, encodedName))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", jobID)
		c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
	}
}

// downloadName は元のファイル名を元に "<名前>_<段階>.jpg" を組み立てます。
// 元のファイル名がない場合はジョブIDを使います。
func downloadName(originalName, jobID, label string) string {
	stem := jobID
	if originalName != "" {
		base := filepath.Base(originalName)
		if s := strings.TrimSuffix(base, filepath.Ext(base)); s != "" && s != "." {
			stem = s
		}
	}
	stem = strings.NewReplacer(`"`, "", "\r", "", "\n", "").Replace(stem)
	return fmt.Sprintf("%s_%s.jpg", stem, label)
}

func respondArtifactError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
	case errors.Is(err, jobs.ErrUnknownTarget):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "TARGET_NOT_FOUND",
			"message": "指定された解像度はこのジョブに含まれていません。",
		})
	case errors.Is(err, jobs.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "JOB_NOT_READY",
			"message": "ジョブはまだ完了していません。",
		})
	case errors.Is(err, fs.ErrNotExist):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_RESULT_NOT_FOUND",
			"message": "ジョブの成果物が見つかりませんでした。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "ジョブの成果物取得に失敗しました。",
		})
	}
}
