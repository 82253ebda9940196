// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// ジョブストアの種類
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// ジョブキューの種類
const (
	QueueLocal = "local"
	QueueAsynq = "asynq"
)

// MaxTargets は TARGETS に指定できる段階数の上限です。
const MaxTargets = 100

// Target は出力解像度の段階（例: 4K=3840）です。
type Target struct {
	Label string
	Width int
}

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	MaxFileSize int64 // アップロード画像の最大サイズ（バイト）

	// ストレージ設定
	DataDir string // アップロード画像と生成画像の保存先

	// ジョブ/キュー設定
	JobStore            string   // memory / redis / sqlite
	JobQueue            string   // local / asynq
	QueueRedisURL       string   // Redis接続URL（redisストア・Asynq用）
	SQLitePath          string   // sqliteストアのDBファイル
	WorkerConcurrency   int      // 同時に処理するジョブ数
	RenderTimeoutSecs   int      // 1段階あたりのレンダリング時間制限（0で無制限）
	JobRetentionMinutes int      // 終端ジョブの保持期間（0で無期限）
	ReaperSchedule      string   // 期限切れジョブ削除の cron 式
	Targets             []Target // 出力解像度（横幅の昇順）

	// 画質設定
	JPEGQuality     int   // 出力JPEGの品質
	MaxOutputPixels int64 // 出力画像の最大画素数
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	targets, err := ParseTargets(getEnv("TARGETS", "4K:3840,8K:7680"))
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("DATA_DIR", "./data")

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "3001"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ファイル制限
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 50*1024*1024), // 50MB

		// ストレージ設定
		DataDir: dataDir,

		// ジョブ/キュー設定
		JobStore:            strings.ToLower(getEnv("JOB_STORE", StoreMemory)),
		JobQueue:            strings.ToLower(getEnv("JOB_QUEUE", QueueLocal)),
		QueueRedisURL:       getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		SQLitePath:          getEnv("SQLITE_PATH", filepath.Join(dataDir, "jobs.db")),
		WorkerConcurrency:   getEnvAsInt("WORKER_CONCURRENCY", 2),
		RenderTimeoutSecs:   getEnvAsInt("RENDER_TIMEOUT_SECONDS", 300),
		JobRetentionMinutes: getEnvAsInt("JOB_RETENTION_MINUTES", 60),
		ReaperSchedule:      getEnv("REAPER_SCHEDULE", "@every 5m"),
		Targets:             targets,

		// 画質設定
		JPEGQuality:     getEnvAsInt("JPEG_QUALITY", 95),
		MaxOutputPixels: getEnvAsInt64("MAX_OUTPUT_PIXELS", 64_000_000),
	}

	// 設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	switch c.JobStore {
	case StoreMemory, StoreRedis, StoreSQLite:
	default:
		return fmt.Errorf("JOB_STORE must be one of memory, redis, sqlite (got %q)", c.JobStore)
	}
	switch c.JobQueue {
	case QueueLocal, QueueAsynq:
	default:
		return fmt.Errorf("JOB_QUEUE must be local or asynq (got %q)", c.JobQueue)
	}
	if (c.JobStore == StoreRedis || c.JobQueue == QueueAsynq) && c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required for redis store or asynq queue")
	}
	if c.JobStore == StoreSQLite && c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required for sqlite store")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.RenderTimeoutSecs < 0 {
		return fmt.Errorf("RENDER_TIMEOUT_SECONDS must not be negative")
	}
	if c.JobRetentionMinutes < 0 {
		return fmt.Errorf("JOB_RETENTION_MINUTES must not be negative")
	}
	if c.JobRetentionMinutes > 0 {
		if _, err := cron.ParseStandard(c.ReaperSchedule); err != nil {
			return fmt.Errorf("REAPER_SCHEDULE is invalid: %w", err)
		}
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("TARGETS must contain at least one entry")
	}
	if len(c.Targets) > MaxTargets {
		return fmt.Errorf("TARGETS must contain at most %d entries (got %d)", MaxTargets, len(c.Targets))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("JPEG_QUALITY must be between 1 and 100")
	}
	if c.MaxOutputPixels <= 0 {
		return fmt.Errorf("MAX_OUTPUT_PIXELS must be positive")
	}
	return nil
}

// ParseTargets は "4K:3840,8K:7680" 形式の文字列を横幅の昇順で返します。
func ParseTargets(raw string) ([]Target, error) {
	var targets []Target
	seen := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		label, widthStr, ok := strings.Cut(part, ":")
		label = strings.TrimSpace(label)
		if !ok || label == "" {
			return nil, fmt.Errorf("TARGETS entry %q must be LABEL:WIDTH", part)
		}
		width, err := strconv.Atoi(strings.TrimSpace(widthStr))
		if err != nil || width <= 0 {
			return nil, fmt.Errorf("TARGETS entry %q has invalid width", part)
		}
		if _, dup := seen[label]; dup {
			return nil, fmt.Errorf("TARGETS label %q is duplicated", label)
		}
		seen[label] = struct{}{}
		targets = append(targets, Target{Label: label, Width: width})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("TARGETS must contain at least one entry")
	}
	sort.SliceStable(targets, func(i, j int) bool {
		return targets[i].Width < targets[j].Width
	})
	return targets, nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
