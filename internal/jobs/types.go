package jobs

import (
	"math"
	"sort"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRendering Status = "rendering"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal は終端状態（completed / failed）かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ジョブ失敗時のエラーコード。
const (
	CodeSourceUnavailable = "SOURCE_UNAVAILABLE"
	CodeRenderFailed      = "RENDER_FAILED"
	CodeStorageFailed     = "STORAGE_FAILED"
	CodeTimeout           = "TIMEOUT"
	CodeCanceled          = "CANCELED"
	CodeScheduleFailed    = "SCHEDULE_FAILED"
	CodeInterrupted       = "INTERRUPTED"
	CodeInternal          = "INTERNAL_ERROR"
)

// ProgressInfo は進捗の補足情報を表します。
type ProgressInfo struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Target は出力解像度の段階（ラベルと横幅）です。
type Target struct {
	Label string `json:"label"`
	Width int    `json:"width"`
}

// Stage はジョブ内の1段階分のレンダリングです。Result は成功後にのみ設定されます。
type Stage struct {
	Label  string `json:"label"`
	Width  int    `json:"width"`
	Result string `json:"result,omitempty"`
}

// Job は投入された画像1件の処理状態を表します。
type Job struct {
	ID             string       `json:"jobId"`
	Status         Status       `json:"status"`
	CurrentStage   int          `json:"currentStage"`
	Progress       ProgressInfo `json:"progress"`
	Stages         []Stage      `json:"stages"`
	Error          *ErrorInfo   `json:"error,omitempty"`
	SourceRef      string       `json:"sourceRef"`
	SourceReleased bool         `json:"sourceReleased"`
	OriginalName   string       `json:"originalName,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	FinishedAt     time.Time    `json:"finishedAt,omitempty"`
}

// NewJob は queued 状態のジョブを作成します。段階は横幅の昇順に並べます。
func NewJob(id, sourceRef, originalName string, targets []Target, now time.Time) *Job {
	stages := make([]Stage, len(targets))
	for i, t := range targets {
		stages[i] = Stage{Label: t.Label, Width: t.Width}
	}
	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].Width < stages[j].Width
	})
	return &Job{
		ID:           id,
		Status:       StatusQueued,
		CurrentStage: -1,
		Progress: ProgressInfo{
			Percent: 0,
			Stage:   string(StatusQueued),
		},
		Stages:       stages,
		SourceRef:    sourceRef,
		OriginalName: originalName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone はジョブのディープコピーを返します。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Stages != nil {
		cp.Stages = append([]Stage(nil), j.Stages...)
	}
	if j.Error != nil {
		errInfo := *j.Error
		cp.Error = &errInfo
	}
	return &cp
}

// StageIndex はラベルに対応する段階のインデックスを返します。
func (j *Job) StageIndex(label string) (int, bool) {
	for i, s := range j.Stages {
		if s.Label == label {
			return i, true
		}
	}
	return -1, false
}

// CompletedStages は結果が記録済みの段階数を返します。
func (j *Job) CompletedStages() int {
	n := 0
	for _, s := range j.Stages {
		if s.Result != "" {
			n++
		}
	}
	return n
}

// stagePercent は段階 i 開始時点の進捗率です。i < n の間は 100 未満になります。
func stagePercent(i, n int) int {
	if n <= 0 {
		return 0
	}
	p := int(math.Round(float64(i) * 100 / float64(n)))
	if p >= 100 && i < n {
		p = 99
	}
	return p
}
