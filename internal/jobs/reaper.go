package jobs

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper は保持期限を過ぎた終端ジョブと、その成果物を定期的に削除します。
type Reaper struct {
	store     Store
	blobs     BlobStore
	retention time.Duration
	logger    *log.Logger
	cron      *cron.Cron
	now       func() time.Time
}

// NewReaper は Reaper を作成します。
func NewReaper(store Store, blobs BlobStore, retention time.Duration, logger *log.Logger) (*Reaper, error) {
	if store == nil || blobs == nil {
		return nil, errors.New("reaper requires store and blob store")
	}
	if retention <= 0 {
		return nil, errors.New("retention must be positive")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Reaper{
		store:     store,
		blobs:     blobs,
		retention: retention,
		logger:    logger,
		cron:      cron.New(),
		now:       time.Now,
	}, nil
}

// Start は cron 式 schedule で定期削除を開始します。
func (r *Reaper) Start(schedule string) error {
	if _, err := r.cron.AddFunc(schedule, func() {
		if _, err := r.Sweep(context.Background()); err != nil {
			r.logger.Printf("reaper sweep failed: %v", err)
		}
	}); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop は定期削除を停止し、実行中の削除が終わるまで待ちます。
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep は期限切れのジョブを削除し、削除した件数を返します。
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	expired, err := r.store.DeleteExpired(ctx, r.now().UTC().Add(-r.retention))
	for _, job := range expired {
		for _, stage := range job.Stages {
			if stage.Result == "" {
				continue
			}
			if delErr := r.blobs.Delete(ctx, stage.Result); delErr != nil {
				r.logger.Printf("job=%s failed to delete artifact %s: %v", job.ID, stage.Result, delErr)
			}
		}
	}
	if len(expired) > 0 {
		r.logger.Printf("reaper removed %d expired jobs", len(expired))
	}
	return len(expired), err
}
