package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	sourcePrefix   = "uploads"
	artifactPrefix = "outputs"
)

// MaxStages は1ジョブあたりの段階数の上限です。
// これを超えると段階の境目で進捗率が増えないことがあります。
const MaxStages = 100

// Scheduler はジョブの実行を非同期に開始します。呼び出し元は完了を待ちません。
type Scheduler interface {
	Schedule(ctx context.Context, jobID string) error
}

// SubmitRequest は投入する画像とそのメタデータです。
type SubmitRequest struct {
	Data         []byte
	OriginalName string
	Extension    string // ".jpg" など。空の場合は拡張子なしで保存します
}

// Manager はジョブの投入・状態参照・成果物参照を担います。
type Manager struct {
	store     Store
	blobs     BlobStore
	scheduler Scheduler
	targets   []Target
	logger    *log.Logger
	newID     func() string
	now       func() time.Time
}

// NewManager は Manager を初期化します。
func NewManager(store Store, blobs BlobStore, scheduler Scheduler, targets []Target, logger *log.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if blobs == nil {
		return nil, errors.New("blob store is nil")
	}
	if scheduler == nil {
		return nil, errors.New("scheduler is nil")
	}
	if len(targets) == 0 {
		return nil, errors.New("at least one target is required")
	}
	if len(targets) > MaxStages {
		return nil, fmt.Errorf("too many targets: %d (max %d)", len(targets), MaxStages)
	}
	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if strings.TrimSpace(t.Label) == "" || t.Width <= 0 {
			return nil, fmt.Errorf("invalid target %q (width=%d)", t.Label, t.Width)
		}
		if _, dup := seen[t.Label]; dup {
			return nil, fmt.Errorf("duplicate target label %q", t.Label)
		}
		seen[t.Label] = struct{}{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		store:     store,
		blobs:     blobs,
		scheduler: scheduler,
		targets:   append([]Target(nil), targets...),
		logger:    logger,
		newID:     uuid.NewString,
		now:       time.Now,
	}, nil
}

// Targets は設定済みの出力段階を返します。
func (m *Manager) Targets() []Target {
	return append([]Target(nil), m.targets...)
}

// Submit は画像を保存してジョブを作成し、パイプラインの実行を予約してすぐに戻ります。
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if len(req.Data) == 0 {
		return "", ErrEmptySource
	}

	jobID := m.newID()
	sourceRef := SourceKey(jobID, req.Extension)
	if err := m.blobs.Save(ctx, sourceRef, req.Data); err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}

	job := NewJob(jobID, sourceRef, req.OriginalName, m.targets, m.now().UTC())
	if err := m.store.Create(ctx, job); err != nil {
		if delErr := m.blobs.Delete(context.WithoutCancel(ctx), sourceRef); delErr != nil {
			m.logger.Printf("job=%s failed to discard upload after create error: %v", jobID, delErr)
		}
		return "", err
	}

	// 実行はリクエストのライフサイクルと切り離す
	if err := m.scheduler.Schedule(context.WithoutCancel(ctx), jobID); err != nil {
		m.abandon(context.WithoutCancel(ctx), job, err)
		return "", fmt.Errorf("failed to schedule job %s: %w", jobID, err)
	}

	m.logger.Printf("job=%s queued (source=%s, stages=%d)", jobID, sourceRef, len(job.Stages))
	return jobID, nil
}

// abandon は予約に失敗したジョブの元画像を解放し、失敗として記録します。
func (m *Manager) abandon(ctx context.Context, job *Job, cause error) {
	if err := m.blobs.Delete(ctx, job.SourceRef); err != nil {
		m.logger.Printf("job=%s failed to release source: %v", job.ID, err)
	}
	if _, err := m.store.Update(ctx, job.ID, func(j *Job) error {
		j.Status = StatusFailed
		j.SourceReleased = true
		j.Error = &ErrorInfo{
			Code:    CodeScheduleFailed,
			Message: "ジョブの開始に失敗しました。再度アップロードしてください。",
		}
		return nil
	}); err != nil {
		m.logger.Printf("job=%s failed to record schedule failure (%v): %v", job.ID, cause, err)
	}
}

// Artifact は成果物1件の参照と、ダウンロード名に使う元のファイル名です。
type Artifact struct {
	Label        string
	Width        int
	Ref          string
	OriginalName string
}

// ArtifactRef は完了済みジョブの指定段階の成果物を返します。
func (m *Manager) ArtifactRef(ctx context.Context, jobID, label string) (Artifact, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return Artifact{}, err
	}
	idx, ok := job.StageIndex(label)
	if !ok {
		return Artifact{}, fmt.Errorf("%w: %s", ErrUnknownTarget, label)
	}
	if job.Status != StatusCompleted {
		return Artifact{}, fmt.Errorf("%w: %s is %s", ErrNotReady, jobID, job.Status)
	}
	stage := job.Stages[idx]
	return Artifact{
		Label:        stage.Label,
		Width:        stage.Width,
		Ref:          stage.Result,
		OriginalName: job.OriginalName,
	}, nil
}

// SourceKey はアップロード元画像の保存キーを返します。
func SourceKey(jobID, ext string) string {
	return path.Join(sourcePrefix, jobID+sanitizeExt(ext))
}

// ArtifactKey は成果物の保存キーを返します。
func ArtifactKey(jobID, label string) string {
	return path.Join(artifactPrefix, fmt.Sprintf("%s_%s.jpg", jobID, sanitizeLabel(label)))
}

func sanitizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

func sanitizeLabel(label string) string {
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
