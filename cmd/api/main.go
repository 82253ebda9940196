// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/pixel-forge/internal/config"
	"github.com/yourusername/pixel-forge/internal/enhance"
	"github.com/yourusername/pixel-forge/internal/jobs"
	"github.com/yourusername/pixel-forge/internal/render"
	"github.com/yourusername/pixel-forge/internal/storage"
)

// 停止時に実行中ジョブの完了を待つ上限
const shutdownTimeout = 30 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := run(cfg, log.Default()); err != nil {
		log.Fatalf("Server stopped with error: %v", err)
	}
}

func run(cfg *config.Config, logger *log.Logger) error {
	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	blobs, err := storage.NewLocal(cfg.DataDir)
	if err != nil {
		return err
	}
	// 同じデータディレクトリを複数プロセスで共有しない
	if err := blobs.Lock(); err != nil {
		return err
	}
	defer func() {
		if err := blobs.Unlock(); err != nil {
			logger.Printf("failed to release data dir lock: %v", err)
		}
	}()

	opts := render.DefaultOptions()
	opts.Quality = cfg.JPEGQuality
	opts.MaxOutputPixels = cfg.MaxOutputPixels
	renderer := render.NewResampler(opts)

	p, err := setupJobs(cfg, blobs, renderer, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Printf("failed to close job store: %v", err)
		}
	}()

	router := newRouter(cfg, p.manager, blobs, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("Starting API server on %s (mode: %s, store: %s, queue: %s)", srv.Addr, cfg.GinMode, cfg.JobStore, cfg.JobQueue)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Printf("Shutting down API server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if p.reaper != nil {
			p.reaper.Stop()
		}
		if err := p.scheduler.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func newRouter(cfg *config.Config, manager *jobs.Manager, blobs *storage.Local, logger *log.Logger) *gin.Engine {
	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	corsConfig.AllowOrigins = origins
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	// ダウンロード時のファイル名をフロントエンドから読めるように公開
	corsConfig.ExposeHeaders = []string{"Content-Disposition", "X-Job-Id"}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, cfg, manager, blobs, logger)
	return router
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "pixel-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, manager *jobs.Manager, blobs *storage.Local, logger *log.Logger) {
	router.GET("/health", handleHealth)

	api := router.Group("/api")
	{
		// /health と同じ内容を API 配下でも返す
		api.GET("/health", handleHealth)

		api.POST("/upload", enhance.UploadHandler(manager, enhance.UploadOptions{
			MaxFileSize: cfg.MaxFileSize,
			Logger:      logger,
		}))

		status := jobStatusHandler(manager)
		api.GET("/jobs/:id", status)
		// 旧クライアント向けの別名
		api.GET("/status/:id", status)

		api.GET("/jobs/:id/download/:target", artifactHandler(manager, blobs, true))
		api.GET("/jobs/:id/image/:target", artifactHandler(manager, blobs, false))
	}
}
