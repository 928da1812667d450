// Package supervisorsvc spawns send workers as child processes, tracks them until they exit and
// keeps the history of terminated jobs.
package supervisorsvc

import (
	"context"
	"errors"

	"github.com/yusufsyaifudin/saiyoumail/internal/storage/jobrepo"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrUnknownCommand = errors.New("unknown command")

	// ErrWorkerRunning is returned by Start while a job is still tracked as running.
	ErrWorkerRunning = errors.New("a send worker is already running")
)

// Exit codes of the send worker.
const (
	ExitOK          = 0
	ExitFatal       = 1
	ExitLockHeld    = 2
	ExitInterrupted = 130
)

type Service interface {
	Start(ctx context.Context, in InputStart) (out jobrepo.Job, err error)
	// Stop sends SIGTERM and escalates to SIGKILL after the grace period.
	Stop(ctx context.Context, in InputStop) (out jobrepo.Job, err error)
	// List returns the jobs whose worker is still alive.
	List(ctx context.Context) (out []jobrepo.Job, err error)
	// History returns terminated jobs, most recent first.
	History(ctx context.Context, in InputHistory) (out []jobrepo.Job, err error)
	// Reconcile collects exited workers and settles their state.
	Reconcile(ctx context.Context) (out OutReconcile, err error)
}

type InputStart struct {
	Command string `json:"command" validate:"required"`
	StartID int    `json:"start_id" validate:"required,min=1"`
	EndID   int    `json:"end_id" validate:"required,gtefield=StartID"`
}

type InputStop struct {
	PID int `validate:"required,min=1"`
}

type InputHistory struct {
	Limit int `schema:"limit" validate:"min=0"`
}

type OutReconcile struct {
	Running  int
	Finished []jobrepo.Job
}
