package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
)

const (
	taskTypeEnhance = "image:enhance"
	queueEnhance    = "enhance"
)

// TaskPayload は画像処理ジョブのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// QueueScheduler は Asynq を介してジョブを実行する Scheduler です。
// 自動リトライは行いません（再実行は新しいアップロードで行います）。
type QueueScheduler struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	runner Runner
	logger *log.Logger
}

// NewQueueScheduler は Asynq クライアントとサーバーを初期化します。
func NewQueueScheduler(redisURL string, concurrency int, runner Runner, logger *log.Logger) (*QueueScheduler, error) {
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = log.Default()
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueEnhance: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	s := &QueueScheduler{
		client: client,
		server: server,
		mux:    mux,
		runner: runner,
		logger: logger,
	}
	mux.HandleFunc(taskTypeEnhance, s.handleEnhanceTask)
	return s, nil
}

// Start は Asynq サーバーを起動します。
func (s *QueueScheduler) Start() error {
	return s.server.Start(s.mux)
}

// Shutdown はサーバーとクライアントを閉じます。
func (s *QueueScheduler) Shutdown() error {
	s.server.Shutdown()
	return s.client.Close()
}

// Schedule はジョブをキューに投入します。
func (s *QueueScheduler) Schedule(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	body, err := json.Marshal(&TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeEnhance, body, asynq.Queue(queueEnhance))
	info, err := s.client.EnqueueContext(ctx, task, asynq.MaxRetry(0), asynq.TaskID(jobID))
	if err != nil {
		return err
	}
	s.logger.Printf("job=%s enqueued task=%s queue=%s", jobID, info.ID, info.Queue)
	return nil
}

func (s *QueueScheduler) handleEnhanceTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}
	if err := s.runner.Execute(ctx, payload.JobID); err != nil {
		return fmt.Errorf("job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}
	return nil
}
