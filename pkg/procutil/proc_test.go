package procutil_test

import (
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yusufsyaifudin/saiyoumail/pkg/procutil"
)

func TestAlive(t *testing.T) {
	assert.True(t, procutil.Alive(os.Getpid()))
	assert.False(t, procutil.Alive(0))
	assert.False(t, procutil.Alive(-1))

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	assert.False(t, procutil.Alive(cmd.Process.Pid))
}

func TestReap(t *testing.T) {
	t.Run("exit code", func(t *testing.T) {
		cmd := exec.Command("sh", "-c", "exit 3")
		require.NoError(t, cmd.Start())

		var (
			status procutil.ExitStatus
			exited bool
			err    error
		)
		require.Eventually(t, func() bool {
			status, exited, err = procutil.Reap(cmd.Process.Pid)
			return exited || err != nil
		}, 5*time.Second, 20*time.Millisecond)

		require.NoError(t, err)
		assert.Equal(t, 3, status.Code)
		assert.False(t, status.Signaled)
	})

	t.Run("killed", func(t *testing.T) {
		cmd := exec.Command("sleep", "30")
		require.NoError(t, cmd.Start())

		_, exited, err := procutil.Reap(cmd.Process.Pid)
		require.NoError(t, err)
		assert.False(t, exited)

		require.NoError(t, procutil.Kill(cmd.Process.Pid))

		var status procutil.ExitStatus
		require.Eventually(t, func() bool {
			status, exited, err = procutil.Reap(cmd.Process.Pid)
			return exited || err != nil
		}, 5*time.Second, 20*time.Millisecond)

		require.NoError(t, err)
		assert.True(t, status.Signaled)
		assert.Equal(t, 137, status.Code)
	})

	t.Run("not a child", func(t *testing.T) {
		_, _, err := procutil.Reap(1)
		assert.True(t, errors.Is(err, procutil.ErrNotChild))
	})
}
