package config

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("TARGETS", "")
	t.Setenv("JOB_STORE", "")
	t.Setenv("JOB_QUEUE", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "3001", cfg.Port)
	require.Equal(t, int64(50*1024*1024), cfg.MaxFileSize)
	require.Equal(t, StoreMemory, cfg.JobStore)
	require.Equal(t, QueueLocal, cfg.JobQueue)
	require.Equal(t, []Target{{Label: "4K", Width: 3840}, {Label: "8K", Width: 7680}}, cfg.Targets)
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("JOB_STORE", "mongo")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBadReaperSchedule(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("JOB_RETENTION_MINUTES", "10")
	t.Setenv("REAPER_SCHEDULE", "every tuesday")

	_, err := Load()
	require.Error(t, err)
}

func TestParseTargetsSortsByWidth(t *testing.T) {
	targets, err := ParseTargets(" 8K:7680 , 4K:3840,2K:1920")
	require.NoError(t, err)
	require.Equal(t, []Target{
		{Label: "2K", Width: 1920},
		{Label: "4K", Width: 3840},
		{Label: "8K", Width: 7680},
	}, targets)
}

func TestParseTargetsRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "4K", "4K:abc", "4K:-1", ":100", "4K:1,4K:2"} {
		_, err := ParseTargets(raw)
		require.Error(t, err, raw)
	}
}

func TestLoadRejectsTooManyTargets(t *testing.T) {
	chdir(t, t.TempDir())
	entries := make([]string, MaxTargets+1)
	for i := range entries {
		entries[i] = fmt.Sprintf("T%d:%d", i, 100+i)
	}
	t.Setenv("TARGETS", strings.Join(entries, ","))

	_, err := Load()
	require.Error(t, err)

	t.Setenv("TARGETS", strings.Join(entries[:MaxTargets], ","))
	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Targets, MaxTargets)
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent to testing.T.Chdir from Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(prev)) })
}
