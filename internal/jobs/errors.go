package jobs

import "errors"

var (
	ErrNotFound        = errors.New("job not found")
	ErrDuplicateID     = errors.New("duplicate job id")
	ErrJobFinalized    = errors.New("job already finalized")
	ErrNotReady        = errors.New("job not ready")
	ErrUnknownTarget   = errors.New("unknown target")
	ErrEmptySource     = errors.New("source is empty")
	ErrSchedulerClosed = errors.New("scheduler is shut down")
)

// InvariantError はストアへの書き込みがジョブの不変条件に違反した場合のエラーです。
type InvariantError struct {
	JobID  string
	Reason string
}

func (e *InvariantError) Error() string {
	return "job " + e.JobID + ": " + e.Reason
}
