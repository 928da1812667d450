package supervisorsvc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sony/sonyflake"
	"github.com/yusufsyaifudin/ylog"
	"go.uber.org/multierr"

	"github.com/yusufsyaifudin/saiyoumail/internal/metrics"
	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/crashrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/jobrepo"
	"github.com/yusufsyaifudin/saiyoumail/pkg/filelock"
	"github.com/yusufsyaifudin/saiyoumail/pkg/procutil"
	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
	"github.com/yusufsyaifudin/saiyoumail/pkg/worker"
)

type SvcConfig struct {
	Jobs       jobrepo.Repo   `validate:"required"`
	Crashes    crashrepo.Repo `validate:"required"`
	RosterLock *filelock.Lock `validate:"required"`
	Pool       worker.Service `validate:"required"`

	// WorkerBinary is started as: <binary> send [-config <ConfigPath>] -campaign <command> -start <n> -end <m>.
	WorkerBinary string   `validate:"required"`
	ConfigPath   string   `validate:"-"`
	Env          []string `validate:"-"`
	LogDir       string   `validate:"required"`

	// Campaigns maps the command accepted by Start to the campaign tag.
	Campaigns map[string]string `validate:"required,min=1"`

	ReconcileInterval time.Duration `validate:"min=0"`
	StopGrace         time.Duration `validate:"min=0"`
	HistoryLimit      int           `validate:"min=0"`

	// AfterExit runs on the pool once a worker is gone, i.e: replaying the ingestor's pending queue.
	AfterExit func(ctx context.Context) error `validate:"-"`

	IDGenerator *sonyflake.Sonyflake `validate:"-"`
	Now         func() time.Time     `validate:"-"`
}

type Svc struct {
	cfg  SvcConfig
	mu   sync.Mutex
	jobs []jobrepo.Job
}

var _ Service = (*Svc)(nil)

func New(ctx context.Context, cfg SvcConfig) (*Svc, error) {
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("supervisor config: %w", err)
	}

	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 3 * time.Second
	}

	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}

	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.IDGenerator == nil {
		pid := os.Getpid()
		cfg.IDGenerator = sonyflake.NewSonyflake(sonyflake.Settings{
			MachineID: func() (uint16, error) { return uint16(pid), nil },
		})
	}

	if cfg.IDGenerator == nil {
		return nil, fmt.Errorf("supervisor config: cannot create job id generator")
	}

	jobs, err := cfg.Jobs.Load(ctx)
	if err != nil {
		return nil, err
	}

	adopted := 0
	for i := range jobs {
		if !jobs[i].State.Terminal() {
			jobs[i].Adopted = true
			adopted++
		}
	}

	if adopted > 0 {
		ylog.Info(ctx, "supervisor: adopting workers of a previous run", ylog.KV("count", adopted))
	}

	return &Svc{cfg: cfg, jobs: jobs}, nil
}

func (s *Svc) Start(ctx context.Context, in InputStart) (out jobrepo.Job, err error) {
	if err = validator.Validate(in); err != nil {
		err = fmt.Errorf("start: %w", err)
		return
	}

	tag, ok := s.cfg.Campaigns[in.Command]
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownCommand, in.Command)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if !job.State.Terminal() {
			err = fmt.Errorf("%w: pid %d", ErrWorkerRunning, job.PID)
			return
		}
	}

	holder, held, err := s.cfg.RosterLock.Holder()
	if err != nil {
		err = fmt.Errorf("check roster lock: %w", err)
		return
	}

	if held {
		err = &filelock.HeldError{Path: s.cfg.RosterLock.Path(), Info: holder}
		return
	}

	id, err := s.cfg.IDGenerator.NextID()
	if err != nil {
		err = fmt.Errorf("job id: %w", err)
		return
	}

	args := []string{"send"}
	if s.cfg.ConfigPath != "" {
		args = append(args, "-config", s.cfg.ConfigPath)
	}

	args = append(args,
		"-campaign", in.Command,
		"-start", strconv.Itoa(in.StartID),
		"-end", strconv.Itoa(in.EndID),
	)

	if err = os.MkdirAll(s.cfg.LogDir, 0o755); err != nil {
		err = fmt.Errorf("create log dir: %w", err)
		return
	}

	logPath := filepath.Join(s.cfg.LogDir, fmt.Sprintf("send-%s-%d.log", in.Command, id))
	logFile, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		err = fmt.Errorf("open worker log: %w", err)
		return
	}

	defer func() {
		if _err := logFile.Close(); _err != nil {
			ylog.Error(ctx, "supervisor: close worker log", ylog.KV("error", _err))
		}
	}()

	cmd := exec.Command(s.cfg.WorkerBinary, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), s.cfg.Env...)

	// own process group: a Ctrl-C on the supervisor leaves the worker running for adoption
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err = cmd.Start(); err != nil {
		err = fmt.Errorf("spawn worker: %w", err)
		return
	}

	out = jobrepo.Job{
		ID:        id,
		PID:       cmd.Process.Pid,
		Command:   in.Command,
		Campaign:  tag,
		StartID:   in.StartID,
		EndID:     in.EndID,
		Args:      append([]string{s.cfg.WorkerBinary}, args...),
		LogPath:   logPath,
		State:     jobrepo.StateRunning,
		StartedAt: model.ISOTime(s.cfg.Now()),
	}

	// exit status is collected with wait4 by Reconcile
	_ = cmd.Process.Release()

	s.jobs = append(s.jobs, out)
	if _err := s.save(ctx); _err != nil {
		ylog.Error(ctx, "supervisor: persist job table", ylog.KV("error", _err))
	}

	metrics.RunningJobs.Set(float64(s.running()))
	ylog.Info(ctx, "supervisor: worker started",
		ylog.KV("job_id", out.ID),
		ylog.KV("pid", out.PID),
		ylog.KV("campaign", out.Campaign),
		ylog.KV("start_id", out.StartID),
		ylog.KV("end_id", out.EndID),
	)

	return
}

func (s *Svc) Stop(ctx context.Context, in InputStop) (out jobrepo.Job, err error) {
	if err = validator.Validate(in); err != nil {
		err = fmt.Errorf("stop: %w", err)
		return
	}

	s.mu.Lock()
	idx := s.find(in.PID)
	if idx < 0 {
		s.mu.Unlock()
		err = fmt.Errorf("%w: pid %d", ErrJobNotFound, in.PID)
		return
	}

	s.jobs[idx].State = jobrepo.StateStopping
	out = s.jobs[idx]
	if _err := s.save(ctx); _err != nil {
		ylog.Error(ctx, "supervisor: persist job table", ylog.KV("error", _err))
	}
	s.mu.Unlock()

	if err = procutil.Terminate(in.PID); err != nil {
		return
	}

	ylog.Info(ctx, "supervisor: SIGTERM sent", ylog.KV("pid", in.PID), ylog.KV("grace", s.cfg.StopGrace.String()))

	bgCtx := context.WithoutCancel(ctx)
	err = s.cfg.Pool.AddJob(&worker.FuncJob{
		JobID: out.ID,
		Ctx:   bgCtx,
		Fn: func(ctx context.Context) error {
			return s.escalate(ctx, in.PID)
		},
		After: func(err error) {
			if err != nil {
				ylog.Error(bgCtx, "supervisor: stop escalation failed", ylog.KV("pid", in.PID), ylog.KV("error", err))
			}
		},
	})

	return
}

// escalate waits for the worker to exit after SIGTERM and kills it once the grace period is over.
func (s *Svc) escalate(ctx context.Context, pid int) error {
	if s.awaitExit(ctx, pid, s.cfg.StopGrace) {
		return nil
	}

	ylog.Info(ctx, "supervisor: grace period over, sending SIGKILL", ylog.KV("pid", pid))
	if err := procutil.Kill(pid); err != nil {
		return err
	}

	if !s.awaitExit(ctx, pid, 5*time.Second) {
		return fmt.Errorf("pid %d still running after SIGKILL", pid)
	}

	return nil
}

// awaitExit reconciles until the job of pid is terminal or wait has elapsed.
func (s *Svc) awaitExit(ctx context.Context, pid int, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := s.Reconcile(ctx); err != nil {
			ylog.Error(ctx, "supervisor: reconcile", ylog.KV("error", err))
		}

		if s.terminal(pid) {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case <-ticker.C:
		}
	}
}

func (s *Svc) List(ctx context.Context) (out []jobrepo.Job, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out = make([]jobrepo.Job, 0)
	for _, job := range s.jobs {
		if !job.State.Terminal() {
			out = append(out, job)
		}
	}

	return
}

func (s *Svc) History(ctx context.Context, in InputHistory) (out []jobrepo.Job, err error) {
	if err = validator.Validate(in); err != nil {
		err = fmt.Errorf("history: %w", err)
		return
	}

	limit := in.Limit
	if limit <= 0 || limit > s.cfg.HistoryLimit {
		limit = s.cfg.HistoryLimit
	}

	s.mu.Lock()
	out = s.terminated()
	s.mu.Unlock()

	if len(out) > limit {
		out = out[:limit]
	}

	return
}

func (s *Svc) Reconcile(ctx context.Context) (out OutReconcile, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		job := &s.jobs[i]
		if job.State.Terminal() {
			continue
		}

		status, exited, reapErr := procutil.Reap(job.PID)
		switch {
		case errors.Is(reapErr, procutil.ErrNotChild):
			// adopted worker, only its existence can be observed
			if procutil.Alive(job.PID) {
				out.Running++
				continue
			}

			s.settle(ctx, job, nil)

		case reapErr != nil:
			err = multierr.Append(err, reapErr)
			out.Running++
			continue

		case !exited:
			out.Running++
			continue

		default:
			s.settle(ctx, job, &status)
		}

		out.Finished = append(out.Finished, *job)
	}

	metrics.RunningJobs.Set(float64(out.Running))
	if len(out.Finished) == 0 {
		return
	}

	s.prune()
	err = multierr.Append(err, s.save(ctx))

	if s.cfg.AfterExit != nil && out.Running == 0 {
		bgCtx := context.WithoutCancel(ctx)
		addErr := s.cfg.Pool.AddJob(&worker.FuncJob{
			JobID: out.Finished[0].ID,
			Ctx:   bgCtx,
			Fn:    s.cfg.AfterExit,
			After: func(err error) {
				if err != nil {
					ylog.Error(bgCtx, "supervisor: post-exit hook failed", ylog.KV("error", err))
				}
			},
		})
		err = multierr.Append(err, addErr)
	}

	return
}

// Run reconciles on every tick until ctx is done.
func (s *Svc) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Reconcile(ctx); err != nil {
			ylog.Error(ctx, "supervisor: reconcile", ylog.KV("error", err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// settle moves a job whose process is gone into its terminal state. status is nil when the exit
// status could not be collected; the crash marker is then the only evidence of a failure.
func (s *Svc) settle(ctx context.Context, job *jobrepo.Job, status *procutil.ExitStatus) {
	stopRequested := job.State == jobrepo.StateStopping

	marker, markerErr := s.cfg.Crashes.Read(ctx, job.PID)
	hasMarker := markerErr == nil
	if markerErr != nil && !errors.Is(markerErr, crashrepo.ErrNoMarker) {
		ylog.Error(ctx, "supervisor: read crash marker", ylog.KV("pid", job.PID), ylog.KV("error", markerErr))
	}

	job.EndedAt = model.ISOTime(s.cfg.Now())
	if status != nil {
		code := status.Code
		job.ExitCode = &code
	}

	switch {
	case status == nil && !hasMarker:
		job.State = jobrepo.StateCompleted
		job.Reason = "exit status unknown"

	case status == nil && marker.Kind == crashrepo.KindLockHeld,
		status != nil && status.Code == ExitLockHeld:
		job.State = jobrepo.StateLockHeld
		job.HolderPID = marker.HolderPID
		job.Reason = "lock_held"
		if job.HolderPID > 0 {
			job.Reason = fmt.Sprintf("lock_held by pid %d", job.HolderPID)
		}

	case status == nil:
		job.State = jobrepo.StateFailed
		job.Reason = marker.Error

	case status.Code == ExitOK && !status.Signaled:
		job.State = jobrepo.StateCompleted

	case status.Code == ExitInterrupted, status.Signaled && stopRequested:
		job.State = jobrepo.StateInterrupted
		job.Reason = "stopped"
		if status.Signaled {
			job.Reason = "stopped by " + status.Signal
		}

	default:
		job.State = jobrepo.StateFailed
		switch {
		case hasMarker:
			job.Reason = marker.Error
		case status.Signaled:
			job.Reason = "signal: " + status.Signal
		default:
			job.Reason = fmt.Sprintf("exit status %d", status.Code)
		}
	}

	if hasMarker {
		if err := s.cfg.Crashes.Remove(ctx, job.PID); err != nil {
			ylog.Error(ctx, "supervisor: remove crash marker", ylog.KV("pid", job.PID), ylog.KV("error", err))
		}
	}

	metrics.Jobs.WithLabelValues(string(job.State)).Inc()
	ylog.Info(ctx, "supervisor: worker exited",
		ylog.KV("job_id", job.ID),
		ylog.KV("pid", job.PID),
		ylog.KV("state", job.State),
		ylog.KV("exit_code", job.ExitCode),
		ylog.KV("reason", job.Reason),
	)
}

func (s *Svc) find(pid int) int {
	for i, job := range s.jobs {
		if job.PID == pid && !job.State.Terminal() {
			return i
		}
	}

	return -1
}

func (s *Svc) terminal(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.find(pid) < 0
}

func (s *Svc) running() int {
	n := 0
	for _, job := range s.jobs {
		if !job.State.Terminal() {
			n++
		}
	}

	return n
}

// terminated returns the finished jobs, most recent first.
func (s *Svc) terminated() []jobrepo.Job {
	out := make([]jobrepo.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if job.State.Terminal() {
			out = append(out, job)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EndedAt.Time().After(out[j].EndedAt.Time())
	})

	return out
}

// prune drops the oldest terminated jobs beyond HistoryLimit.
func (s *Svc) prune() {
	done := s.terminated()
	if len(done) <= s.cfg.HistoryLimit {
		return
	}

	drop := make(map[uint64]bool, len(done)-s.cfg.HistoryLimit)
	for _, job := range done[s.cfg.HistoryLimit:] {
		drop[job.ID] = true
	}

	kept := s.jobs[:0]
	for _, job := range s.jobs {
		if !drop[job.ID] {
			kept = append(kept, job)
		}
	}

	s.jobs = kept
}

func (s *Svc) save(ctx context.Context) error {
	return s.cfg.Jobs.Save(ctx, append([]jobrepo.Job(nil), s.jobs...))
}
