package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReaperSweepRemovesExpiredJobsAndArtifacts(t *testing.T) {
	f := newFixture(t, okRenderer(), defaultTargets)
	doneID, _ := f.submit(t)
	require.NoError(t, f.exec.Execute(context.Background(), doneID))
	pendingID, _ := f.submit(t)

	done, err := f.store.Get(context.Background(), doneID)
	require.NoError(t, err)
	require.True(t, f.blobs.has(done.Stages[0].Result))

	reaper, err := NewReaper(f.store, f.blobs, time.Minute, discardLogger)
	require.NoError(t, err)

	n, err := reaper.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	reaper.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err = reaper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = f.manager.Status(context.Background(), doneID)
	require.ErrorIs(t, err, ErrNotFound)
	for _, s := range done.Stages {
		require.False(t, f.blobs.has(s.Result))
	}

	view, err := f.manager.Status(context.Background(), pendingID)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, view.Status)
}

func TestReaperRequiresPositiveRetention(t *testing.T) {
	_, err := NewReaper(NewMemoryStore(), newMemBlobs(), 0, discardLogger)
	require.Error(t, err)
}

func TestReaperStartRejectsBadSchedule(t *testing.T) {
	reaper, err := NewReaper(NewMemoryStore(), newMemBlobs(), time.Minute, discardLogger)
	require.NoError(t, err)
	require.Error(t, reaper.Start("not a cron spec"))

	require.NoError(t, reaper.Start("@every 1h"))
	reaper.Stop()
}
