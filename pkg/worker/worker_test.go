package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yusufsyaifudin/saiyoumail/pkg/worker"
)

type Job struct {
	id         uint64
	preExecErr error
	execErr    error
	panics     bool

	mu      sync.Mutex
	gotErr  error
	called  bool
	execRan bool
}

func (s *Job) ID() uint64 {
	return s.id
}

func (s *Job) Context() context.Context {
	return context.Background()
}

func (s *Job) PreExecute() error {
	return s.preExecErr
}

func (s *Job) Execute() error {
	s.mu.Lock()
	s.execRan = true
	s.mu.Unlock()

	if s.panics {
		panic("boom")
	}

	time.Sleep(5 * time.Millisecond)
	return s.execErr
}

func (s *Job) PostExecute(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called = true
	s.gotErr = err
}

func TestNewWorker(t *testing.T) {
	t.Run("worker lower than 1", func(t *testing.T) {
		t.Parallel()

		dispatcher := worker.NewWorker(0, 100)
		job := &Job{id: 1}
		require.NoError(t, dispatcher.AddJob(job))
		dispatcher.Done()
		assert.True(t, job.called)
	})

	t.Run("max job lower than 1", func(t *testing.T) {
		t.Parallel()

		dispatcher := worker.NewWorker(4, 0)
		job := &Job{id: 1}
		require.NoError(t, dispatcher.AddJob(job))
		dispatcher.Done()
		assert.True(t, job.called)
	})

	t.Run("ok", func(t *testing.T) {
		t.Parallel()

		dispatcher := worker.NewWorker(4, 100)
		jobs := make([]*Job, 0, 100)
		for i := 0; i < 100; i++ {
			job := &Job{id: uint64(i)}
			jobs = append(jobs, job)
			require.NoError(t, dispatcher.AddJob(job))
		}

		dispatcher.Wait()
		assert.EqualValues(t, 0, dispatcher.Pending())
		for _, job := range jobs {
			assert.True(t, job.called)
			assert.NoError(t, job.gotErr)
		}

		dispatcher.Done()
	})

	t.Run("job is nil", func(t *testing.T) {
		t.Parallel()

		dispatcher := worker.NewWorker(4, 100)
		defer dispatcher.Done()

		for i := 0; i < 100; i++ {
			assert.NoError(t, dispatcher.AddJob(nil))
		}
	})

	t.Run("pre execute is error", func(t *testing.T) {
		t.Parallel()

		dispatcher := worker.NewWorker(4, 100)
		job := &Job{id: 1, preExecErr: errors.New("shit happen")}
		require.NoError(t, dispatcher.AddJob(job))
		dispatcher.Done()

		assert.ErrorIs(t, job.gotErr, worker.ErrPreExecute)
		assert.False(t, job.execRan)
	})

	t.Run("execute is error", func(t *testing.T) {
		t.Parallel()

		dispatcher := worker.NewWorker(4, 100)
		job := &Job{id: 1, execErr: errors.New("shit happen")}
		require.NoError(t, dispatcher.AddJob(job))
		dispatcher.Done()

		assert.ErrorIs(t, job.gotErr, worker.ErrExecute)
	})

	t.Run("execute panics", func(t *testing.T) {
		t.Parallel()

		dispatcher := worker.NewWorker(1, 1)
		job := &Job{id: 1, panics: true}
		require.NoError(t, dispatcher.AddJob(job))
		dispatcher.Done()

		assert.ErrorIs(t, job.gotErr, worker.ErrExecute)
	})

	t.Run("add after done", func(t *testing.T) {
		t.Parallel()

		dispatcher := worker.NewWorker(1, 1)
		dispatcher.Done()
		dispatcher.Done()

		assert.ErrorIs(t, dispatcher.AddJob(&Job{id: 1}), worker.ErrStopped)
	})
}

func TestFuncJob(t *testing.T) {
	dispatcher := worker.NewWorker(2, 10)

	var ran, after int32
	for i := 0; i < 5; i++ {
		require.NoError(t, dispatcher.AddJob(&worker.FuncJob{
			JobID: uint64(i),
			Fn: func(ctx context.Context) error {
				atomic.AddInt32(&ran, 1)
				return nil
			},
			After: func(err error) {
				assert.NoError(t, err)
				atomic.AddInt32(&after, 1)
			},
		}))
	}

	dispatcher.Done()
	assert.EqualValues(t, 5, atomic.LoadInt32(&ran))
	assert.EqualValues(t, 5, atomic.LoadInt32(&after))
}

func BenchmarkNewWorker(b *testing.B) {
	dispatcher := worker.NewWorker(8, 100)
	defer dispatcher.Done()

	for i := 0; i < b.N; i++ {
		_ = dispatcher.AddJob(&Job{id: uint64(i)})
	}
}
