package jobs

import (
	"context"
	"errors"
	"log"
	"sync"

	"golang.org/x/sync/semaphore"
)

// LocalScheduler はジョブごとに goroutine を起動し、同時実行数をセマフォで制限します。
type LocalScheduler struct {
	runner Runner
	sem    *semaphore.Weighted
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewLocalScheduler は LocalScheduler を作成します。
func NewLocalScheduler(runner Runner, concurrency int, logger *log.Logger) *LocalScheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalScheduler{
		runner: runner,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule はジョブの実行を開始します。完了は待ちません。
func (s *LocalScheduler) Schedule(_ context.Context, jobID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			// 停止中: キャンセル済みコンテキストで実行し、失敗と後片付けを記録させる
			s.run(jobID)
			return
		}
		defer s.sem.Release(1)
		s.run(jobID)
	}()
	return nil
}

func (s *LocalScheduler) run(jobID string) {
	if err := s.runner.Execute(s.ctx, jobID); err != nil {
		s.logger.Printf("job=%s pipeline error: %v", jobID, err)
	}
}

// Wait は実行中のジョブがすべて終わるまで待ちます。
func (s *LocalScheduler) Wait() {
	s.wg.Wait()
}

// Shutdown は新規受付を停止し、実行中のジョブを待ちます。
// ctx が先に終了した場合は実行中のジョブをキャンセルしてから戻ります。
func (s *LocalScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return errors.Join(ctx.Err(), errors.New("pending jobs were canceled"))
	}
}
