package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Mutation はジョブ状態の遷移を表します。渡されるのは作業用コピーです。
type Mutation func(*Job) error

// Store はジョブIDからジョブへの対応を保持します。
// 同一IDへの Update は直列化され、終端状態のジョブは変更されません。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	Update(ctx context.Context, jobID string, mutate Mutation) (*Job, error)
	// DeleteExpired は before より前に終端状態へ到達したジョブを削除して返します。
	DeleteExpired(ctx context.Context, before time.Time) ([]*Job, error)
	// ListUnfinished は queued / rendering のジョブを作成順に返します。
	ListUnfinished(ctx context.Context) ([]*Job, error)
}

// applyMutation は current のコピーに mutate を適用し、不変条件を検証した結果を返します。
func applyMutation(current *Job, mutate Mutation, now time.Time) (*Job, error) {
	if current.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s (%s)", ErrJobFinalized, current.ID, current.Status)
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := checkTransition(current, next); err != nil {
		return nil, err
	}
	next.UpdatedAt = now
	if next.Status.Terminal() && next.FinishedAt.IsZero() {
		next.FinishedAt = now
	}
	return next, nil
}

func checkTransition(prev, next *Job) error {
	invalid := func(format string, args ...any) error {
		return &InvariantError{JobID: prev.ID, Reason: fmt.Sprintf(format, args...)}
	}
	if next.ID != prev.ID {
		return invalid("id must not change (got %q)", next.ID)
	}
	if next.SourceRef != prev.SourceRef {
		return invalid("sourceRef must not change")
	}
	if len(next.Stages) != len(prev.Stages) {
		return invalid("stage count must not change")
	}
	if next.Progress.Percent < prev.Progress.Percent {
		return invalid("progress went backwards (%d -> %d)", prev.Progress.Percent, next.Progress.Percent)
	}
	if next.Progress.Percent > 100 {
		return invalid("progress above 100 (%d)", next.Progress.Percent)
	}
	if (next.Progress.Percent == 100) != (next.Status == StatusCompleted) {
		return invalid("progress 100 is reserved for completed (status=%s, percent=%d)", next.Status, next.Progress.Percent)
	}
	if next.Status == StatusFailed && next.Error == nil {
		return invalid("failed job requires an error")
	}
	if next.Status != StatusFailed && next.Error != nil {
		return invalid("error is only allowed on failed jobs")
	}
	if next.Status == StatusCompleted && next.CompletedStages() != len(next.Stages) {
		return invalid("completed job is missing stage results")
	}
	if next.Status.Terminal() && !next.SourceReleased {
		return invalid("source must be released before the terminal state is published")
	}
	for i, s := range next.Stages {
		if s.Result != "" && i > next.CurrentStage {
			return invalid("stage %d has a result beyond the reached stage %d", i, next.CurrentStage)
		}
	}
	return nil
}

// MemoryStore はプロセス内のマップでジョブを保持する Store 実装です。
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// Create はジョブを登録します。
func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job.ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, job.ID)
	}
	stored := job.Clone()
	now := s.now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.jobs[job.ID] = stored
	return nil
}

// Get はジョブのスナップショットを返します。
func (s *MemoryStore) Get(ctx context.Context, jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return job.Clone(), nil
}

// Update はジョブに mutate をアトミックに適用します。
func (s *MemoryStore) Update(ctx context.Context, jobID string, mutate Mutation) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	next, err := applyMutation(current, mutate, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.jobs[jobID] = next
	return next.Clone(), nil
}

// DeleteExpired は保持期限を過ぎた終端ジョブを削除します。
func (s *MemoryStore) DeleteExpired(ctx context.Context, before time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*Job
	for id, job := range s.jobs {
		if !job.Status.Terminal() || !job.FinishedAt.Before(before) {
			continue
		}
		removed = append(removed, job.Clone())
		delete(s.jobs, id)
	}
	return removed, nil
}

// ListUnfinished は終端状態に達していないジョブを返します。
func (s *MemoryStore) ListUnfinished(ctx context.Context) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Job
	for _, job := range s.jobs {
		if job.Status.Terminal() {
			continue
		}
		out = append(out, job.Clone())
	}
	sortByCreatedAt(out)
	return out, nil
}

func sortByCreatedAt(jobs []*Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
