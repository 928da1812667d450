// Package jobrepo persists the supervisor's job table so a restarted supervisor can adopt
// send workers that are still running.
package jobrepo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/segmentio/encoding/json"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/pkg/csvutil"
	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
)

type State string

const (
	StateRunning     State = "running"
	StateStopping    State = "stopping"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateInterrupted State = "interrupted"
	StateLockHeld    State = "lock_held"
)

// Terminal is true once the worker process is gone.
func (s State) Terminal() bool {
	return s != StateRunning && s != StateStopping
}

// Job is one send worker spawned by the supervisor.
type Job struct {
	ID        uint64        `json:"id"`
	PID       int           `json:"pid"`
	Command   string        `json:"command"`
	Campaign  string        `json:"campaign"`
	StartID   int           `json:"start_id"`
	EndID     int           `json:"end_id"`
	Args      []string      `json:"args"`
	LogPath   string        `json:"log_path,omitempty"`
	State     State         `json:"state"`
	StartedAt model.ISOTime `json:"started_at"`
	EndedAt   model.ISOTime `json:"ended_at"`

	// ExitCode is nil when the process ended without its status being collected.
	ExitCode  *int   `json:"exit_code"`
	Reason    string `json:"reason,omitempty"`
	HolderPID int    `json:"holder_pid,omitempty"`

	// Adopted marks a job started by an earlier supervisor process.
	Adopted bool `json:"adopted,omitempty"`
}

type Repo interface {
	Load(ctx context.Context) ([]Job, error)
	Save(ctx context.Context, jobs []Job) error
}

type FileConfig struct {
	Path string `validate:"required"`
}

type document struct {
	Jobs []Job `json:"jobs"`
}

// File keeps the whole table in one JSON document replaced atomically on every save.
type File struct {
	cfg FileConfig
	mu  sync.Mutex
}

var _ Repo = (*File)(nil)

func NewFile(cfg FileConfig) (*File, error) {
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("job repo config: %w", err)
	}

	return &File{cfg: cfg}, nil
}

func (r *File) Load(ctx context.Context) ([]Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := os.ReadFile(r.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read jobs %s: %w", r.cfg.Path, err)
	}

	var doc document
	if err = json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode jobs %s: %w", r.cfg.Path, err)
	}

	return doc.Jobs, nil
}

func (r *File) Save(ctx context.Context, jobs []Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if jobs == nil {
		jobs = []Job{}
	}

	b, err := json.MarshalIndent(document{Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode jobs: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(r.cfg.Path), 0o755); err != nil {
		return err
	}

	return csvutil.WriteAtomic(r.cfg.Path, append(b, '\n'))
}
