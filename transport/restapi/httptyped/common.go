package httptyped

import (
	"time"

	"github.com/yusufsyaifudin/saiyoumail/internal/storage/jobrepo"
)

type Process struct {
	PID       int        `json:"pid"`
	JobID     uint64     `json:"job_id"`
	Command   string     `json:"command"`
	Campaign  string     `json:"campaign"`
	StartID   int        `json:"start_id"`
	EndID     int        `json:"end_id"`
	CmdLine   []string   `json:"cmdline"`
	State     string     `json:"state"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ExitCode  *int       `json:"exit_code"`
	Reason    string     `json:"reason,omitempty"`
	HolderPID int        `json:"holder_pid,omitempty"`
	LogPath   string     `json:"log_path,omitempty"`
	Adopted   bool       `json:"adopted,omitempty"`
}

func ProcessFromSvc(job jobrepo.Job) Process {
	p := Process{
		PID:       job.PID,
		JobID:     job.ID,
		Command:   job.Command,
		Campaign:  job.Campaign,
		StartID:   job.StartID,
		EndID:     job.EndID,
		CmdLine:   job.Args,
		State:     string(job.State),
		StartedAt: job.StartedAt.Time(),
		ExitCode:  job.ExitCode,
		Reason:    job.Reason,
		HolderPID: job.HolderPID,
		LogPath:   job.LogPath,
		Adopted:   job.Adopted,
	}

	if ended := job.EndedAt.Time(); !ended.IsZero() {
		p.EndedAt = &ended
	}

	if p.CmdLine == nil {
		p.CmdLine = []string{}
	}

	return p
}

func ProcessesFromSvc(jobs []jobrepo.Job) []Process {
	out := make([]Process, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, ProcessFromSvc(job))
	}

	return out
}
