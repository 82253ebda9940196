package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/yourusername/pixel-forge/internal/render"
)

// BlobStore はアップロード元画像と成果物のバイト列を保存します。
type BlobStore interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Runner はジョブIDを受け取りパイプラインを最後まで実行します。
type Runner interface {
	Execute(ctx context.Context, jobID string) error
}

// Executor はジョブの各段階を順番にレンダリングし、ストアへ状態を書き込みます。
// 元画像の解放は終端状態の公開より前に、ちょうど1回だけ行われます。
type Executor struct {
	store        Store
	blobs        BlobStore
	renderer     render.Renderer
	stageTimeout time.Duration
	logger       *log.Logger
}

// NewExecutor は Executor を初期化します。stageTimeout が 0 の場合は段階ごとの時間制限を設けません。
func NewExecutor(store Store, blobs BlobStore, renderer render.Renderer, stageTimeout time.Duration, logger *log.Logger) (*Executor, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if blobs == nil {
		return nil, errors.New("blob store is nil")
	}
	if renderer == nil {
		return nil, errors.New("renderer is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{
		store:        store,
		blobs:        blobs,
		renderer:     renderer,
		stageTimeout: stageTimeout,
		logger:       logger,
	}, nil
}

// Execute はジョブを終端状態まで進めます。
// ジョブの失敗はストアに記録され、戻り値のエラーはストアへの書き込み失敗などの基盤エラーに限られます。
func (e *Executor) Execute(ctx context.Context, jobID string) (err error) {
	job, err := e.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	fin := &finalizer{exec: e, jobID: jobID, sourceRef: job.SourceRef}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("job=%s panic during pipeline: %v", jobID, r)
			err = fin.fail(ctx, CodeInternal, fmt.Sprintf("内部エラーが発生しました: %v", r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return fin.fail(ctx, CodeCanceled, "処理開始前にキャンセルされました。")
	}

	src, loadErr := e.blobs.Load(ctx, job.SourceRef)
	if loadErr != nil {
		e.logger.Printf("job=%s failed to load source %s: %v", jobID, job.SourceRef, loadErr)
		return fin.fail(ctx, CodeSourceUnavailable, "アップロードされた画像を読み込めませんでした。")
	}

	total := len(job.Stages)
	for i, stage := range job.Stages {
		if err := ctx.Err(); err != nil {
			return fin.fail(ctx, CodeCanceled, fmt.Sprintf("%s の生成前にキャンセルされました。", stage.Label))
		}

		index := i
		if _, err := e.store.Update(ctx, jobID, func(j *Job) error {
			j.Status = StatusRendering
			j.CurrentStage = index
			j.Progress = ProgressInfo{
				Percent: stagePercent(index, total),
				Stage:   j.Stages[index].Label,
			}
			return nil
		}); err != nil {
			e.logger.Printf("job=%s failed to start stage %s: %v", jobID, stage.Label, err)
			return errors.Join(err, fin.fail(ctx, CodeInternal, "ジョブ状態の更新に失敗しました。"))
		}

		ref, stageErr := e.runStage(ctx, jobID, stage, src)
		if stageErr != nil {
			code, message := classifyStageError(stage, stageErr)
			e.logger.Printf("job=%s stage=%s failed: %v", jobID, stage.Label, stageErr)
			return fin.fail(ctx, code, message)
		}

		if _, err := e.store.Update(ctx, jobID, func(j *Job) error {
			j.Stages[index].Result = ref
			return nil
		}); err != nil {
			e.logger.Printf("job=%s failed to record result for stage %s: %v", jobID, stage.Label, err)
			return errors.Join(err, fin.fail(ctx, CodeInternal, "ジョブ状態の更新に失敗しました。"))
		}
		e.logger.Printf("job=%s stage=%s rendered -> %s", jobID, stage.Label, ref)
	}

	return fin.complete(ctx)
}

// runStage は1段階分をレンダリングし、成果物を保存してその参照を返します。
func (e *Executor) runStage(ctx context.Context, jobID string, stage Stage, src []byte) (string, error) {
	stageCtx := ctx
	if e.stageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, e.stageTimeout)
		defer cancel()
	}

	type outcome struct {
		data []byte
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("renderer panic: %v", r)}
			}
		}()
		data, err := e.renderer.Render(stageCtx, src, stage.Width)
		done <- outcome{data: data, err: err}
	}()

	var out outcome
	select {
	case <-stageCtx.Done():
		return "", stageCtx.Err()
	case out = <-done:
	}
	if out.err != nil {
		return "", out.err
	}
	if len(out.data) == 0 {
		return "", fmt.Errorf("renderer returned empty output")
	}

	ref := ArtifactKey(jobID, stage.Label)
	if err := e.blobs.Save(ctx, ref, out.data); err != nil {
		return "", &storageError{err: err}
	}
	return ref, nil
}

type storageError struct {
	err error
}

func (e *storageError) Error() string { return "save artifact: " + e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

func classifyStageError(stage Stage, err error) (string, string) {
	var (
		renderErr *render.Error
		storeErr  *storageError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout, fmt.Sprintf("%s の生成がタイムアウトしました。", stage.Label)
	case errors.Is(err, context.Canceled):
		return CodeCanceled, fmt.Sprintf("%s の生成がキャンセルされました。", stage.Label)
	case errors.As(err, &storeErr):
		return CodeStorageFailed, fmt.Sprintf("%s の保存に失敗しました。", stage.Label)
	case errors.As(err, &renderErr):
		return renderErr.Code, fmt.Sprintf("%s の生成に失敗しました: %s", stage.Label, renderErr.Message)
	default:
		return CodeRenderFailed, fmt.Sprintf("%s の生成に失敗しました: %v", stage.Label, err)
	}
}

// finalizer は元画像の解放と終端状態の公開を一度だけ行います。
type finalizer struct {
	exec      *Executor
	jobID     string
	sourceRef string
	once      sync.Once
	err       error
}

var errNotPublished = errors.New("terminal state was not published")

func (f *finalizer) complete(ctx context.Context) error {
	return f.finish(ctx, func(j *Job) {
		j.Status = StatusCompleted
		j.Progress = ProgressInfo{Percent: 100, Stage: string(StatusCompleted)}
	})
}

func (f *finalizer) fail(ctx context.Context, code, message string) error {
	return f.finish(ctx, func(j *Job) {
		j.Status = StatusFailed
		j.Error = &ErrorInfo{Code: code, Message: message}
	})
}

// finish は2回目以降の呼び出しでも最初の結果を返します。
// 公開前にパニックした場合は errNotPublished のままになります。
func (f *finalizer) finish(ctx context.Context, mark func(*Job)) error {
	f.once.Do(func() {
		f.err = errNotPublished
		// キャンセル済みでも後片付けと状態の公開は行う
		ctx = context.WithoutCancel(ctx)
		f.exec.releaseSource(ctx, f.jobID, f.sourceRef)
		_, err := f.exec.store.Update(ctx, f.jobID, func(j *Job) error {
			mark(j)
			j.SourceReleased = true
			return nil
		})
		if err != nil {
			f.exec.logger.Printf("job=%s failed to publish terminal state: %v", f.jobID, err)
			f.err = fmt.Errorf("%w: %w", errNotPublished, err)
			return
		}
		f.err = nil
	})
	return f.err
}

// releaseSource の失敗やパニックはログに残し、終端状態の公開は続けます。
func (e *Executor) releaseSource(ctx context.Context, jobID, sourceRef string) {
	if sourceRef == "" {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("job=%s panic while releasing source %s: %v", jobID, sourceRef, r)
		}
	}()
	if err := e.blobs.Delete(ctx, sourceRef); err != nil {
		e.logger.Printf("job=%s failed to release source %s: %v", jobID, sourceRef, err)
	}
}
