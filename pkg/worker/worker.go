package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yusufsyaifudin/ylog"
	"go.uber.org/multierr"
)

var (
	ErrPreExecute = errors.New("pre-execute job error")
	ErrExecute    = errors.New("execute job error")
	ErrStopped    = errors.New("worker is stopped")
)

// Job holds all information regarding the Job
type Job interface {
	// ID return uint64 unique identifier of the job
	ID() uint64

	// Context to tracks down all Job information that important.
	Context() context.Context

	// PreExecute called before Execute, when error Execute never be called.
	// PostExecute always called after PreExecute or Execute is done.
	PreExecute() error

	// Execute is the real logic of the Job.
	Execute() error

	// PostExecute called after Execute is done.
	// When Execute return error, it will pass to PostExecute, otherwise it returns nil.
	PostExecute(err error)
}

type Service interface {
	AddJob(job Job) error
	Wait()
	Done()
}

type Worker struct {
	waitGroup   sync.WaitGroup
	workers     sync.WaitGroup
	JobQueue    chan Job
	JobQueueNum int64

	mu      sync.RWMutex
	stopped bool
}

var _ Service = (*Worker)(nil)

func NewWorker(num, maxJob int) *Worker {
	if num < 1 {
		num = 1
	}

	if maxJob < 1 {
		maxJob = 1
	}

	w := &Worker{
		JobQueue: make(chan Job, maxJob),
	}

	w.workers.Add(num)
	for i := 0; i < num; i++ {
		go w.worker(i + 1)
	}

	return w
}

func (w *Worker) worker(id int) {
	defer w.workers.Done()

	for job := range w.JobQueue {
		t0 := time.Now()
		w.run(job)

		atomic.AddInt64(&w.JobQueueNum, -1)
		w.waitGroup.Done()

		ylog.Debug(job.Context(), fmt.Sprintf("worker %d, job id %d, ongoing queue %d, duration %s",
			id, job.ID(), atomic.LoadInt64(&w.JobQueueNum), time.Since(t0).String(),
		))
	}
}

func (w *Worker) run(job Job) {
	var _err error
	defer func() {
		if r := recover(); r != nil {
			_err = multierr.Append(_err, fmt.Errorf("job %d panic: %v", job.ID(), r))
			job.PostExecute(multierr.Append(_err, ErrExecute))
		}
	}()

	_err = job.PreExecute()
	if _err != nil {
		job.PostExecute(multierr.Append(_err, ErrPreExecute))
		return
	}

	_err = job.Execute()
	if _err != nil {
		_err = multierr.Append(_err, ErrExecute)
	}

	job.PostExecute(_err)
}

// AddJob queues job, blocking while the queue is full.
func (w *Worker) AddJob(job Job) error {
	if job == nil {
		return nil
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.stopped {
		return ErrStopped
	}

	w.waitGroup.Add(1)
	atomic.AddInt64(&w.JobQueueNum, 1)
	w.JobQueue <- job
	return nil
}

// Pending is the number of queued and running jobs.
func (w *Worker) Pending() int64 {
	return atomic.LoadInt64(&w.JobQueueNum)
}

// Wait blocks until every queued job is done. The worker keeps accepting jobs.
func (w *Worker) Wait() {
	w.waitGroup.Wait()
}

// Done ensures all registered Job is done before stop the worker.
func (w *Worker) Done() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}

	w.stopped = true
	close(w.JobQueue)
	w.mu.Unlock()

	w.workers.Wait()
}
