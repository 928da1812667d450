package jobrepo_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/jobrepo"
)

func TestFile(t *testing.T) {
	ctx := context.Background()
	repo, err := jobrepo.NewFile(jobrepo.FileConfig{Path: filepath.Join(t.TempDir(), "state", "jobs.json")})
	require.NoError(t, err)

	t.Run("missing file is empty", func(t *testing.T) {
		jobs, err := repo.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})

	code := 2
	started := time.Date(2026, 10, 19, 9, 0, 0, 0, time.Local)
	want := []jobrepo.Job{
		{ID: 1, PID: 100, Command: "spring", Campaign: "spring-2026", StartID: 1, EndID: 50, State: jobrepo.StateRunning, StartedAt: model.ISOTime(started)},
		{ID: 2, PID: 101, Command: "spring", State: jobrepo.StateLockHeld, ExitCode: &code, HolderPID: 100, StartedAt: model.ISOTime(started)},
	}

	require.NoError(t, repo.Save(ctx, want))

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 100, got[0].PID)
	assert.Nil(t, got[0].ExitCode)
	assert.True(t, got[0].StartedAt.Time().Equal(started))
	require.NotNil(t, got[1].ExitCode)
	assert.Equal(t, 2, *got[1].ExitCode)
	assert.Equal(t, 100, got[1].HolderPID)
}

func TestState_Terminal(t *testing.T) {
	assert.False(t, jobrepo.StateRunning.Terminal())
	assert.False(t, jobrepo.StateStopping.Terminal())
	assert.True(t, jobrepo.StateCompleted.Terminal())
	assert.True(t, jobrepo.StateLockHeld.Terminal())
}

func TestNewFile_InvalidConfig(t *testing.T) {
	_, err := jobrepo.NewFile(jobrepo.FileConfig{})
	assert.Error(t, err)
}
