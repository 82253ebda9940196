package jobs

import (
	"context"
	"time"
)

// ArtifactView は完了済みジョブの成果物1件です。
type ArtifactView struct {
	Label string `json:"label"`
	Width int    `json:"width"`
	Ref   string `json:"ref"`
}

// View はポーリング向けのジョブの読み取り専用表現です。
// Artifacts は completed のときだけ、Error は failed のときだけ設定されます。
type View struct {
	JobID        string         `json:"jobId"`
	Status       Status         `json:"status"`
	Stage        *int           `json:"stage,omitempty"`
	Progress     ProgressInfo   `json:"progress"`
	Artifacts    []ArtifactView `json:"artifacts,omitempty"`
	Error        *ErrorInfo     `json:"error,omitempty"`
	OriginalName string         `json:"originalName,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Status はジョブの現在の状態を返します。存在しない場合は ErrNotFound を返します。
func (m *Manager) Status(ctx context.Context, jobID string) (*View, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return NewView(job), nil
}

// NewView はジョブから View を組み立てます。
func NewView(job *Job) *View {
	view := &View{
		JobID:        job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		OriginalName: job.OriginalName,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	if job.Status == StatusRendering {
		stage := job.CurrentStage
		view.Stage = &stage
	}
	switch job.Status {
	case StatusCompleted:
		view.Artifacts = make([]ArtifactView, len(job.Stages))
		for i, s := range job.Stages {
			view.Artifacts[i] = ArtifactView{Label: s.Label, Width: s.Width, Ref: s.Result}
		}
	case StatusFailed:
		if job.Error != nil {
			errInfo := *job.Error
			view.Error = &errInfo
		}
	}
	return view
}
