// Package crashrepo stores crash markers: one JSON file per worker pid, written when a send
// worker dies on a fatal error so the supervisor can tell a crash from a clean exit.
package crashrepo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/segmentio/encoding/json"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/pkg/csvutil"
	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
)

var ErrNoMarker = errors.New("no crash marker")

const (
	KindFatal    = "fatal"
	KindPanic    = "panic"
	KindLockHeld = "lock_held"
	KindConfig   = "config"
)

type Marker struct {
	PID       int           `json:"pid"`
	Kind      string        `json:"kind"`
	Campaign  string        `json:"campaign,omitempty"`
	Error     string        `json:"error"`
	HolderPID int           `json:"holder_pid,omitempty"`
	LastID    int           `json:"last_id,omitempty"`
	At        model.ISOTime `json:"at"`
}

type Repo interface {
	Write(ctx context.Context, m Marker) error
	Read(ctx context.Context, pid int) (Marker, error)
	Remove(ctx context.Context, pid int) error
}

type DirConfig struct {
	Dir string `validate:"required"`
}

type Dir struct {
	dir string
}

var _ Repo = (*Dir)(nil)

func NewDir(cfg DirConfig) (*Dir, error) {
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("crash repo config: %w", err)
	}

	return &Dir{dir: cfg.Dir}, nil
}

func (d *Dir) path(pid int) string {
	return filepath.Join(d.dir, strconv.Itoa(pid)+".json")
}

func (d *Dir) Write(ctx context.Context, m Marker) error {
	if m.PID <= 0 {
		return fmt.Errorf("crash marker without pid")
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create crash dir: %w", err)
	}

	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal crash marker: %w", err)
	}

	return csvutil.WriteAtomic(d.path(m.PID), append(b, '\n'))
}

func (d *Dir) Read(ctx context.Context, pid int) (Marker, error) {
	b, err := os.ReadFile(d.path(pid))
	if errors.Is(err, fs.ErrNotExist) {
		return Marker{}, fmt.Errorf("pid %d: %w", pid, ErrNoMarker)
	}

	if err != nil {
		return Marker{}, fmt.Errorf("read crash marker: %w", err)
	}

	var m Marker
	if err = json.Unmarshal(b, &m); err != nil {
		return Marker{}, fmt.Errorf("decode crash marker %s: %w", d.path(pid), err)
	}

	return m, nil
}

func (d *Dir) Remove(ctx context.Context, pid int) error {
	err := os.Remove(d.path(pid))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove crash marker: %w", err)
	}

	return nil
}
