package supervisorsvc_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/crashrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/jobrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/svc/supervisorsvc"
	"github.com/yusufsyaifudin/saiyoumail/pkg/filelock"
	"github.com/yusufsyaifudin/saiyoumail/pkg/worker"
)

// fakeWorker behaves according to the campaign argument ($5).
const fakeWorker = `#!/bin/sh
case "$5" in
  ok)
    echo "sent $7..$9"
    exit 0 ;;
  boom)
    echo '{"pid":'$$',"kind":"fatal","error":"smtp auth failed"}' > "$CRASH_DIR/$$.json"
    exit 1 ;;
  held)
    echo '{"pid":'$$',"kind":"lock_held","holder_pid":77,"error":"roster locked"}' > "$CRASH_DIR/$$.json"
    exit 2 ;;
  slow)
    trap 'exit 130' TERM
    while true; do sleep 0.05; done ;;
  stubborn)
    trap '' TERM
    while true; do sleep 0.05; done ;;
esac
exit 3
`

type env struct {
	dir      string
	jobs     *jobrepo.File
	crashes  *crashrepo.Dir
	lock     *filelock.Lock
	pool     *worker.Worker
	afterRan int32
}

func newEnv(t *testing.T) *env {
	t.Helper()

	dir := t.TempDir()
	e := &env{dir: dir, pool: worker.NewWorker(2, 10)}
	t.Cleanup(e.pool.Done)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "worker.sh"), []byte(fakeWorker), 0o755))

	var err error
	e.jobs, err = jobrepo.NewFile(jobrepo.FileConfig{Path: filepath.Join(dir, "jobs.json")})
	require.NoError(t, err)

	e.crashes, err = crashrepo.NewDir(crashrepo.DirConfig{Dir: filepath.Join(dir, "crash")})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "crash"), 0o755))

	e.lock = filelock.New(filepath.Join(dir, "companies.csv"))
	return e
}

func (e *env) svc(t *testing.T) *supervisorsvc.Svc {
	t.Helper()

	svc, err := supervisorsvc.New(context.Background(), supervisorsvc.SvcConfig{
		Jobs:         e.jobs,
		Crashes:      e.crashes,
		RosterLock:   e.lock,
		Pool:         e.pool,
		WorkerBinary: filepath.Join(e.dir, "worker.sh"),
		ConfigPath:   "config.yml",
		Env:          []string{"CRASH_DIR=" + filepath.Join(e.dir, "crash")},
		LogDir:       filepath.Join(e.dir, "logs"),
		Campaigns: map[string]string{
			"ok":       "spring-2026",
			"boom":     "boom",
			"held":     "held",
			"slow":     "slow",
			"stubborn": "stubborn",
		},
		StopGrace: 300 * time.Millisecond,
		AfterExit: func(ctx context.Context) error {
			atomic.AddInt32(&e.afterRan, 1)
			return nil
		},
	})
	require.NoError(t, err)
	return svc
}

// waitDone reconciles until no job is running and returns the most recent finished job.
func waitDone(t *testing.T, svc *supervisorsvc.Svc) jobrepo.Job {
	t.Helper()

	ctx := context.Background()
	require.Eventually(t, func() bool {
		out, err := svc.Reconcile(ctx)
		return err == nil && out.Running == 0
	}, 10*time.Second, 20*time.Millisecond)

	history, err := svc.History(ctx, supervisorsvc.InputHistory{Limit: 1})
	require.NoError(t, err)
	require.Len(t, history, 1)
	return history[0]
}

func TestStart_Completed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	svc := e.svc(t)

	job, err := svc.Start(ctx, supervisorsvc.InputStart{Command: "ok", StartID: 1, EndID: 50})
	require.NoError(t, err)
	assert.Positive(t, job.PID)
	assert.Equal(t, "spring-2026", job.Campaign)
	assert.Equal(t, jobrepo.StateRunning, job.State)
	assert.Equal(t, []string{"send", "-config", "config.yml", "-campaign", "ok", "-start", "1", "-end", "50"}, job.Args[1:])

	done := waitDone(t, svc)
	assert.Equal(t, job.ID, done.ID)
	assert.Equal(t, jobrepo.StateCompleted, done.State)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)

	running, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)

	logged, err := os.ReadFile(job.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(logged), "sent 1..50")

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&e.afterRan) == 1 }, 5*time.Second, 10*time.Millisecond)

	persisted, err := e.jobs.Load(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, jobrepo.StateCompleted, persisted[0].State)
}

func TestStart_ExitCodes(t *testing.T) {
	testCases := []struct {
		command string
		state   jobrepo.State
		code    int
		reason  string
		holder  int
	}{
		{command: "boom", state: jobrepo.StateFailed, code: 1, reason: "smtp auth failed"},
		{command: "held", state: jobrepo.StateLockHeld, code: 2, reason: "lock_held by pid 77", holder: 77},
		{command: "unexpected", state: jobrepo.StateFailed, code: 3, reason: "exit status 3"},
	}

	for _, tc := range testCases {
		t.Run(tc.command, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t)
			svc := e.svc(t)

			if tc.command == "unexpected" {
				// any campaign name the script does not know
				svc = e.svcWith(t, map[string]string{"unexpected": "x"})
			}

			job, err := svc.Start(ctx, supervisorsvc.InputStart{Command: tc.command, StartID: 1, EndID: 2})
			require.NoError(t, err)

			done := waitDone(t, svc)
			assert.Equal(t, tc.state, done.State)
			require.NotNil(t, done.ExitCode)
			assert.Equal(t, tc.code, *done.ExitCode)
			assert.Equal(t, tc.reason, done.Reason)
			assert.Equal(t, tc.holder, done.HolderPID)

			_, err = e.crashes.Read(ctx, job.PID)
			assert.ErrorIs(t, err, crashrepo.ErrNoMarker)
		})
	}
}

func (e *env) svcWith(t *testing.T, campaigns map[string]string) *supervisorsvc.Svc {
	t.Helper()

	svc, err := supervisorsvc.New(context.Background(), supervisorsvc.SvcConfig{
		Jobs:         e.jobs,
		Crashes:      e.crashes,
		RosterLock:   e.lock,
		Pool:         e.pool,
		WorkerBinary: filepath.Join(e.dir, "worker.sh"),
		ConfigPath:   "config.yml",
		LogDir:       filepath.Join(e.dir, "logs"),
		Campaigns:    campaigns,
	})
	require.NoError(t, err)
	return svc
}

func TestStop(t *testing.T) {
	t.Run("worker exits on SIGTERM", func(t *testing.T) {
		ctx := context.Background()
		svc := newEnv(t).svc(t)

		job, err := svc.Start(ctx, supervisorsvc.InputStart{Command: "slow", StartID: 1, EndID: 2})
		require.NoError(t, err)

		_, err = svc.Start(ctx, supervisorsvc.InputStart{Command: "ok", StartID: 1, EndID: 2})
		assert.ErrorIs(t, err, supervisorsvc.ErrWorkerRunning)

		// let the shell install its trap
		time.Sleep(200 * time.Millisecond)

		stopping, err := svc.Stop(ctx, supervisorsvc.InputStop{PID: job.PID})
		require.NoError(t, err)
		assert.Equal(t, jobrepo.StateStopping, stopping.State)

		done := waitDone(t, svc)
		assert.Equal(t, jobrepo.StateInterrupted, done.State)
		require.NotNil(t, done.ExitCode)
		assert.Equal(t, 130, *done.ExitCode)
	})

	t.Run("worker ignoring SIGTERM is killed", func(t *testing.T) {
		ctx := context.Background()
		svc := newEnv(t).svc(t)

		job, err := svc.Start(ctx, supervisorsvc.InputStart{Command: "stubborn", StartID: 1, EndID: 2})
		require.NoError(t, err)
		time.Sleep(200 * time.Millisecond)

		_, err = svc.Stop(ctx, supervisorsvc.InputStop{PID: job.PID})
		require.NoError(t, err)

		done := waitDone(t, svc)
		assert.Equal(t, jobrepo.StateInterrupted, done.State)
		assert.Equal(t, "stopped by killed", done.Reason)
	})

	t.Run("unknown pid", func(t *testing.T) {
		_, err := newEnv(t).svc(t).Stop(context.Background(), supervisorsvc.InputStop{PID: 999999})
		assert.ErrorIs(t, err, supervisorsvc.ErrJobNotFound)
	})
}

func TestStart_Refused(t *testing.T) {
	t.Run("roster locked by a live process", func(t *testing.T) {
		e := newEnv(t)
		info := filelock.Info{PID: 1, Started: time.Now()}
		require.NoError(t, os.WriteFile(e.lock.Path(), []byte(info.String()+"\n"), 0o644))

		_, err := e.svc(t).Start(context.Background(), supervisorsvc.InputStart{Command: "ok", StartID: 1, EndID: 2})
		assert.ErrorIs(t, err, filelock.ErrLockHeld)

		var held *filelock.HeldError
		require.ErrorAs(t, err, &held)
		assert.Equal(t, 1, held.Info.PID)
	})

	t.Run("unknown command", func(t *testing.T) {
		_, err := newEnv(t).svc(t).Start(context.Background(), supervisorsvc.InputStart{Command: "nope", StartID: 1, EndID: 2})
		assert.ErrorIs(t, err, supervisorsvc.ErrUnknownCommand)
	})

	t.Run("invalid range", func(t *testing.T) {
		_, err := newEnv(t).svc(t).Start(context.Background(), supervisorsvc.InputStart{Command: "ok", StartID: 5, EndID: 2})
		assert.Error(t, err)
	})
}

func TestAdoption(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	gone := exec.Command("true")
	require.NoError(t, gone.Run())

	started := model.ISOTime(time.Now().Add(-time.Hour))
	require.NoError(t, e.jobs.Save(ctx, []jobrepo.Job{
		{ID: 1, PID: gone.Process.Pid, Command: "ok", State: jobrepo.StateRunning, StartedAt: started},
		{ID: 2, PID: 1, Command: "ok", State: jobrepo.StateRunning, StartedAt: started},
	}))

	svc := e.svc(t)
	out, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Running)
	require.Len(t, out.Finished, 1)
	assert.Equal(t, jobrepo.StateCompleted, out.Finished[0].State)
	assert.Nil(t, out.Finished[0].ExitCode)
	assert.True(t, out.Finished[0].Adopted)

	running, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, 1, running[0].PID)
}

func TestHistory_Limit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	base := time.Now().Add(-time.Hour)
	var jobs []jobrepo.Job
	for i := 1; i <= 5; i++ {
		jobs = append(jobs, jobrepo.Job{
			ID:      uint64(i),
			PID:     1000 + i,
			State:   jobrepo.StateCompleted,
			EndedAt: model.ISOTime(base.Add(time.Duration(i) * time.Minute)),
		})
	}
	require.NoError(t, e.jobs.Save(ctx, jobs))

	svc := e.svc(t)
	history, err := svc.History(ctx, supervisorsvc.InputHistory{Limit: 2})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.EqualValues(t, 5, history[0].ID)
	assert.EqualValues(t, 4, history[1].ID)

	all, err := svc.History(ctx, supervisorsvc.InputHistory{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := supervisorsvc.New(context.Background(), supervisorsvc.SvcConfig{})
	assert.Error(t, err)
}
