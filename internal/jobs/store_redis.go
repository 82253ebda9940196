package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix     = "job:"
	maxUpdateRetries = 16
)

// RedisStore はジョブ状態を Redis に保存します。
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		now: time.Now,
	}
}

// Create はジョブを保存します。既に同じIDが存在する場合は ErrDuplicateID を返します。
func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job.ID is required")
	}
	record := job.Clone()
	now := s.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(record.ID), payload, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, record.ID)
	}
	return nil
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, err
	}
	return decodeJob(data)
}

// Update は WATCH による楽観ロックで mutate を適用します。
func (s *RedisStore) Update(ctx context.Context, jobID string, mutate Mutation) (*Job, error) {
	key := jobKey(jobID)
	var updated *Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrNotFound, jobID)
			}
			return err
		}
		current, err := decodeJob(data)
		if err != nil {
			return err
		}
		next, err := applyMutation(current, mutate, s.now().UTC())
		if err != nil {
			return err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		if err == nil {
			updated = next
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update job %s: too many concurrent writers", jobID)
}

// DeleteExpired は保持期限を過ぎた終端ジョブを SCAN で探して削除します。
func (s *RedisStore) DeleteExpired(ctx context.Context, before time.Time) ([]*Job, error) {
	var removed []*Job
	iter := s.rdb.Scan(ctx, 0, jobKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return removed, err
		}
		job, err := decodeJob(data)
		if err != nil {
			return removed, err
		}
		if !job.Status.Terminal() || !job.FinishedAt.Before(before) {
			continue
		}
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			return removed, err
		}
		removed = append(removed, job)
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	return removed, nil
}

// ListUnfinished は SCAN で queued / rendering のジョブを集めます。
func (s *RedisStore) ListUnfinished(ctx context.Context) ([]*Job, error) {
	var out []*Job
	iter := s.rdb.Scan(ctx, 0, jobKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		job, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		if !job.Status.Terminal() {
			out = append(out, job)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sortByCreatedAt(out)
	return out, nil
}

func decodeJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job record: %w", err)
	}
	return &job, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
