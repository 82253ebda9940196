package jobs

import (
	"context"
	"errors"
)

// RecoverInterrupted は前回のプロセスが終端状態にできなかったジョブを片付けます。
// 元画像を解放し、failed/INTERRUPTED として記録します。
// includeQueued が false の場合、queued のジョブは外部キューに残っているものとして触りません。
func (m *Manager) RecoverInterrupted(ctx context.Context, includeQueued bool) (int, error) {
	unfinished, err := m.store.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	var errs []error
	for _, job := range unfinished {
		if job.Status == StatusQueued && !includeQueued {
			continue
		}
		if err := m.blobs.Delete(ctx, job.SourceRef); err != nil {
			m.logger.Printf("job=%s failed to release source of interrupted job: %v", job.ID, err)
		}
		_, err := m.store.Update(ctx, job.ID, func(j *Job) error {
			j.Status = StatusFailed
			j.SourceReleased = true
			j.Error = &ErrorInfo{
				Code:    CodeInterrupted,
				Message: "サーバーの再起動により処理が中断されました。再度アップロードしてください。",
			}
			return nil
		})
		switch {
		case err == nil:
			recovered++
			m.logger.Printf("job=%s marked as interrupted (was %s)", job.ID, job.Status)
		case errors.Is(err, ErrJobFinalized), errors.Is(err, ErrNotFound):
			// 別のワーカーが先に終端化した
		default:
			errs = append(errs, err)
		}
	}
	return recovered, errors.Join(errs...)
}
