// Package procutil wraps the few process-table primitives the supervisor and the lock
// files need: existence checks, non-blocking reaping and signalling.
package procutil

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrNotChild is returned by Reap when pid is not a child of the calling process,
// i.e: it was adopted from a previous supervisor run.
var ErrNotChild = errors.New("process is not a child of this process")

// ExitStatus describe how a reaped process terminated.
type ExitStatus struct {
	Code     int    `json:"code"`
	Signaled bool   `json:"signaled"`
	Signal   string `json:"signal,omitempty"`
}

// Alive reports whether a process with pid exists on this host.
// A process owned by another user still counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}

	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}

	return errors.Is(err, unix.EPERM)
}

// Reap collects the exit status of a terminated child without blocking.
// exited is false while the child is still running.
func Reap(pid int) (status ExitStatus, exited bool, err error) {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		if errors.Is(err, unix.ECHILD) {
			err = fmt.Errorf("wait4 pid %d: %w", pid, ErrNotChild)
			return
		}

		err = fmt.Errorf("wait4 pid %d: %w", pid, err)
		return
	}

	if wpid == 0 {
		return
	}

	exited = true
	switch {
	case ws.Exited():
		status.Code = ws.ExitStatus()
	case ws.Signaled():
		status.Signaled = true
		status.Signal = ws.Signal().String()
		status.Code = 128 + int(ws.Signal())
	}

	return
}

// Terminate sends SIGTERM to pid.
func Terminate(pid int) error {
	return signal(pid, unix.SIGTERM)
}

// Kill sends SIGKILL to pid.
func Kill(pid int) error {
	return signal(pid, unix.SIGKILL)
}

func signal(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}

	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("send %s to pid %d: %w", sig, pid, err)
	}

	return nil
}
